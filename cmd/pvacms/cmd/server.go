package cmd

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/pvacms/authn"
	"github.com/jmcleod/pvacms/certfactory"
	"github.com/jmcleod/pvacms/certstatus"
	"github.com/jmcleod/pvacms/certstore"
	"github.com/jmcleod/pvacms/config"
	"github.com/jmcleod/pvacms/expiry"
	"github.com/jmcleod/pvacms/internal/util"
	"github.com/jmcleod/pvacms/issuance"
	"github.com/jmcleod/pvacms/pki"
	"github.com/jmcleod/pvacms/pvapubsub"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the PVACMS service",
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	pki.RegisterExtensions()

	caCert, caSigner, err := loadCA(cfg)
	if err != nil {
		return fmt.Errorf("loading CA material: %w", err)
	}
	ski, err := pki.SubjectKeyIdentifier(caCert.PublicKey)
	if err != nil {
		return fmt.Errorf("computing CA SKI: %w", err)
	}
	issuerID, err := certstatus.IssuerID(ski)
	if err != nil {
		return err
	}

	store, err := certstore.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening certificate store: %w", err)
	}
	defer store.Close()

	bus := pvapubsub.NewBus()

	authReg := authn.NewRegistry()
	// No authentication method is registered here, and no configuration
	// key adds one: with this empty registry every CCR is rejected with
	// ErrUnknownMethod.

	pipeline := &issuance.Pipeline{
		Auth:  authReg,
		Store: store,
		Bus:   bus,
		CA:    issuance.CA{Cert: caCert, Signer: caSigner},
		RequireApproval: issuance.RequireApproval{
			Client:  cfg.RequireApprovalClient,
			Server:  cfg.RequireApprovalServer,
			Gateway: cfg.RequireApprovalGateway,
		},
		IssuerID:              issuerID,
		StatusValidityMinutes: cfg.CertStatusValidityMins,
	}

	pubsubServer := pvapubsub.NewServer(store, bus, pvapubsub.CA{Cert: caCert, Signer: caSigner},
		issuerID, adminCNsFromFile(cfg.AdminCertPath), cfg.CertStatusValidityMins)

	monitorCtx, cancelMonitor := context.WithCancel(context.Background())
	defer cancelMonitor()
	monitor := &expiry.Monitor{
		Store: store, Bus: bus,
		CA:                    expiry.CA{Cert: caCert, Signer: caSigner},
		IssuerID:              issuerID,
		StatusValidityMinutes: cfg.CertStatusValidityMins,
	}
	go monitor.Run(monitorCtx)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})
	r.Post("/v1/ccr", ccrHandler(pipeline))
	r.Mount("/v1", pubsubServer.Router())

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS12},
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	logger.Info("pvacms listening", "addr", cfg.ListenAddr, "issuer_id", issuerID)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	case err := <-done:
		return err
	}
}

// ccrRequest is the wire shape of a certificate creation request (spec.md
// §6's CCR argument structure) as submitted over the management channel.
type ccrRequest struct {
	Name             string            `json:"name"`
	Country          string            `json:"country"`
	Organization     string            `json:"organization"`
	OrganizationUnit string            `json:"organization_unit"`
	Type             string            `json:"type"`
	Usage            uint16            `json:"usage"`
	NotBefore        int64             `json:"not_before"`
	NotAfter         int64             `json:"not_after"`
	PubKey           []byte            `json:"pub_key"`
	VerifierFields   map[string]string `json:"verifier_fields"`
}

// ccrHandler submits a CCR to the issuance pipeline using the caller's TLS
// peer chain for strong authentication methods, or the supplied verifier
// fields for basic ones.
func ccrHandler(pipeline *issuance.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body ccrRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, fmt.Sprintf("CryptoParse: decoding request: %v", err), http.StatusBadRequest)
			return
		}

		pub, err := x509.ParsePKIXPublicKey(body.PubKey)
		if err != nil {
			http.Error(w, fmt.Sprintf("CryptoParse: parsing public key: %v", err), http.StatusBadRequest)
			return
		}

		var peerChain []*x509.Certificate
		if r.TLS != nil {
			peerChain = r.TLS.PeerCertificates
		}

		result, err := pipeline.Submit(issuance.Request{
			CCR: authn.CCR{
				Name:             body.Name,
				Country:          body.Country,
				Organization:     body.Organization,
				OrganizationUnit: body.OrganizationUnit,
				Type:             body.Type,
				Usage:            body.Usage,
				NotBefore:        body.NotBefore,
				NotAfter:         body.NotAfter,
				PubKey:           body.PubKey,
				VerifierFields:   body.VerifierFields,
				PeerChain:        peerChain,
			},
			PublicKey: pub,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	}
}

// loadCA reads the CA certificate and key from disk, bootstrapping a fresh
// self-signed CA under cfg's auto-generation subject (spec.md §6 "CA CN/O/OU/
// country") the first time the service starts against an empty CA path.
func loadCA(cfg config.Config) (*x509.Certificate, crypto.Signer, error) {
	if _, err := os.Stat(cfg.CACertPath); errors.Is(err, os.ErrNotExist) {
		return bootstrapCA(cfg)
	}

	certPath, keyPath := cfg.CACertPath, cfg.CAKeyPath
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading CA cert: %w", err)
	}
	cert, err := pki.DecodeCertPEM(string(certPEM))
	if err != nil {
		return nil, nil, err
	}

	rawKeyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading CA key: %w", err)
	}
	// The key file's bytes sit in an encrypted-at-rest enclave for the
	// brief window between disk read and PEM/DER parse; nothing else in
	// the process touches them in the clear.
	keyEnclave := memguard.NewEnclave(rawKeyPEM)
	util.WipeBytes(rawKeyPEM)
	keyBuf, err := keyEnclave.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("opening CA key enclave: %w", err)
	}
	defer keyBuf.Destroy()

	block, _ := pem.Decode(keyBuf.Bytes())
	if block == nil {
		return nil, nil, pki.ErrInvalidPEM
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parsing CA key: %v", pki.ErrInvalidPEM, err)
	}
	var signer crypto.Signer = key
	return cert, signer, nil
}

// bootstrapCA self-signs a fresh root CA for a first-run deployment and
// persists it as cert/key PEM at cfg.CACertPath/CAKeyPath, plus a
// password-protected PKCS#12 backup bundle alongside the cert when
// cfg.CAKeyPassword is set, so an operator has a single portable file to
// copy into a PKCS#12-only tool.
func bootstrapCA(cfg config.Config) (*x509.Certificate, crypto.Signer, error) {
	priv, err := pki.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("generating CA key pair: %w", err)
	}

	now := time.Now().UTC()
	result, err := certfactory.Create(certfactory.Request{
		Serial:    1,
		PublicKey: &priv.PublicKey,
		Subject: certfactory.Subject{
			CN: cfg.CACommonName, O: cfg.CAOrganization, OU: cfg.CAOrgUnit, C: cfg.CACountry,
		},
		NotBefore: now,
		NotAfter:  now.AddDate(10, 0, 0),
		Usage:     certfactory.UsageCA,
		Issuer:    certfactory.Issuer{Signer: priv},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("self-signing bootstrap CA: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling CA key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(cfg.CACertPath, []byte(result.PEM), 0o644); err != nil {
		return nil, nil, fmt.Errorf("writing CA cert: %w", err)
	}
	if err := os.WriteFile(cfg.CAKeyPath, keyPEM, 0o600); err != nil {
		return nil, nil, fmt.Errorf("writing CA key: %w", err)
	}

	if cfg.CAKeyPassword != "" {
		bundle, err := pki.WritePKCS12(priv, result.Cert, nil, cfg.CAKeyPassword)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding CA backup bundle: %w", err)
		}
		if err := os.WriteFile(cfg.CACertPath+".p12", bundle, 0o600); err != nil {
			return nil, nil, fmt.Errorf("writing CA backup bundle: %w", err)
		}
	}

	return result.Cert, priv, nil
}

// adminCNsFromFile reads the ACF-adjacent admin certificate and returns its
// subject CN as the single authorized admin identity. A production ACF
// (spec.md §6 "ACF file path") would list many principals; this minimal
// reading keeps the wiring self-contained without inventing an ACF parser
// the spec leaves unspecified.
func adminCNsFromFile(adminCertPath string) []string {
	if adminCertPath == "" {
		return nil
	}
	data, err := os.ReadFile(adminCertPath)
	if err != nil {
		return nil
	}
	cert, err := pki.DecodeCertPEM(string(data))
	if err != nil {
		return nil
	}
	return []string{cert.Subject.CommonName}
}
