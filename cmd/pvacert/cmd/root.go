// Package cmd is the pvacert operator CLI: a thin HTTP client against
// PVACMS's management channel (pvapubsub.Server's GET/PUT status routes),
// grounded on the teacher's cmd/ironhand/cmd flag-registration idiom
// (Flags().StringVarP/BoolVarP in init(), a single RunE doing all the
// work) adapted to spec.md §6's CLI surface and exit-code taxonomy.
package cmd

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
	"golang.org/x/term"

	"github.com/jmcleod/pvacms/certstatus"
)

const version = "0.1.0"

// Exit codes per spec.md §6's CLI surface.
const (
	exitOK              = 0
	exitUsage           = 1
	exitOptionConflict  = 2
	exitOperationFailed = 3
	exitServiceTimeout  = 4
	exitInterrupted     = 5
	exitUnhandled       = 6
)

// exitError carries the process exit code alongside the underlying error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func usageErrf(format string, a ...interface{}) error {
	return &exitError{exitUsage, fmt.Errorf(format, a...)}
}

func conflictErrf(format string, a ...interface{}) error {
	return &exitError{exitOptionConflict, fmt.Errorf(format, a...)}
}

func failedErrf(format string, a ...interface{}) error {
	return &exitError{exitOperationFailed, fmt.Errorf(format, a...)}
}

var (
	certFile       string
	approve        bool
	deny           bool
	revoke         bool
	waitSeconds    int
	promptPassword bool
	outputFormat   string
	arrayLimit     int
	verbose        bool
	debug          bool
	showVersion    bool
	serverAddr     string
)

var rootCmd = &cobra.Command{
	Use:           "pvacert <issuer>:<serial>",
	Short:         "Query or administer a PVACMS-managed certificate's status",
	Args:          cobra.MaximumNArgs(1),
	RunE:          runPvacert,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&certFile, "file", "f", "", "PKCS#12 FILE holding the client certificate and key presented to the management service (the positional argument is still required)")
	f.BoolVarP(&approve, "approve", "A", false, "approve a PENDING_APPROVAL certificate")
	f.BoolVarP(&deny, "deny", "D", false, "deny a PENDING_APPROVAL certificate")
	f.BoolVarP(&revoke, "revoke", "R", false, "revoke a certificate")
	f.IntVarP(&waitSeconds, "wait", "w", 10, "TIMEOUT seconds to wait for the management service")
	f.BoolVarP(&promptPassword, "prompt-password", "p", false, "prompt for the PKCS#12 FILE password")
	f.StringVarP(&outputFormat, "format", "F", "delta", "output format: delta|tree")
	f.IntVarP(&arrayLimit, "limit", "#", 0, "cap the OCSP response byte count shown in -F tree output (0 = unlimited)")
	f.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	f.BoolVarP(&debug, "debug", "d", false, "debug output")
	f.BoolVarP(&showVersion, "version", "V", false, "print the version and exit")
	f.StringVar(&serverAddr, "server", "https://localhost:9876", "PVACMS management channel base URL")
}

// Execute runs the root command and exits the process with the appropriate
// code from spec.md §6's CLI surface.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		os.Exit(exitOK)
	}
	if ee, ok := err.(*exitError); ok {
		fmt.Fprintln(os.Stderr, "pvacert:", ee.err)
		os.Exit(ee.code)
	}
	fmt.Fprintln(os.Stderr, "pvacert:", err)
	os.Exit(exitUnhandled)
}

func runPvacert(cmd *cobra.Command, args []string) error {
	if showVersion {
		fmt.Fprintf(cmd.OutOrStdout(), "pvacert version %s\n", version)
		return nil
	}

	actionCount := 0
	for _, b := range []bool{approve, deny, revoke} {
		if b {
			actionCount++
		}
	}
	if actionCount > 1 {
		return conflictErrf("StateConflict: -A/-D/-R are mutually exclusive")
	}
	if outputFormat != "delta" && outputFormat != "tree" {
		return usageErrf("invalid -F value %q: must be delta or tree", outputFormat)
	}

	issuerID, serial, err := resolveTarget(args)
	if err != nil {
		return err
	}

	client, err := buildHTTPClient()
	if err != nil {
		return failedErrf("CryptoParse: building TLS client: %v", err)
	}

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(signalCtx, time.Duration(waitSeconds)*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/v1/status/%016x", strings.TrimRight(serverAddr, "/"), serial)

	switch {
	case approve:
		return putTransition(ctx, signalCtx, client, url, "APPROVED")
	case deny:
		return putTransition(ctx, signalCtx, client, url, "DENIED")
	case revoke:
		return putTransition(ctx, signalCtx, client, url, "REVOKED")
	default:
		return getStatus(ctx, signalCtx, client, url, issuerID)
	}
}

// resolveTarget parses the positional "<issuer>:<serial>" argument. issuer
// is returned only for display; the management
// channel's URL is keyed on serial alone.
func resolveTarget(args []string) (issuerID string, serial uint64, err error) {
	if len(args) != 1 {
		return "", 0, usageErrf("expected exactly one positional argument <issuer>:<serial>")
	}
	parts := strings.SplitN(args[0], ":", 2)
	if len(parts) != 2 {
		return "", 0, usageErrf("malformed target %q: expected <issuer>:<serial>", args[0])
	}
	serial, err = strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return "", 0, usageErrf("malformed serial %q: %v", parts[1], err)
	}
	return parts[0], serial, nil
}

func buildHTTPClient() (*http.Client, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if certFile != "" {
		password := ""
		if promptPassword {
			pw, err := readPassword()
			if err != nil {
				return nil, err
			}
			password = pw
		}
		data, err := os.ReadFile(certFile)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", certFile, err)
		}
		key, cert, caCerts, err := pkcs12.DecodeChain(data, password)
		if err != nil {
			return nil, fmt.Errorf("decoding PKCS#12 bundle: %w", err)
		}
		pool := x509.NewCertPool()
		for _, c := range caCerts {
			pool.AddCert(c)
		}
		tlsConfig.RootCAs = pool
		tlsConfig.Certificates = []tls.Certificate{{
			Certificate: [][]byte{cert.Raw},
			PrivateKey:  key,
			Leaf:        cert,
		}}
	}

	return &http.Client{Transport: &http.Transport{TLSClientConfig: tlsConfig}}, nil
}

func readPassword() (string, error) {
	fmt.Fprint(os.Stderr, "PKCS#12 file password: ")
	if term.IsTerminal(int(os.Stdin.Fd())) {
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(pw), nil
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func getStatus(ctx, signalCtx context.Context, client *http.Client, url, issuerID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return failedErrf("building request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return classifyTransportErr(err, signalCtx)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return failedErrf("CmsUnavailable: management service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var status certstatus.CertificateStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return failedErrf("CryptoParse: decoding status response: %v", err)
	}
	printStatus(issuerID, status)
	return nil
}

func putTransition(ctx, signalCtx context.Context, client *http.Client, url, state string) error {
	payload, err := json.Marshal(map[string]string{"state": state})
	if err != nil {
		return failedErrf("encoding request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return failedErrf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return classifyTransportErr(err, signalCtx)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return failedErrf("%s", strings.TrimSpace(string(body)))
	}

	var status certstatus.CertificateStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return failedErrf("CryptoParse: decoding status response: %v", err)
	}
	printStatus("", status)
	return nil
}

func classifyTransportErr(err error, signalCtx context.Context) error {
	if signalCtx.Err() != nil {
		return &exitError{exitInterrupted, fmt.Errorf("interrupted")}
	}
	if strings.Contains(err.Error(), "context deadline exceeded") {
		return &exitError{exitServiceTimeout, fmt.Errorf("CmsUnavailable: management service did not respond within %ds", waitSeconds)}
	}
	return failedErrf("CmsUnavailable: %v", err)
}

func printStatus(issuerID string, status certstatus.CertificateStatus) {
	w := os.Stdout
	limit := arrayLimit
	switch outputFormat {
	case "tree":
		fmt.Fprintf(w, "certificate %016x\n", status.Serial)
		if issuerID != "" {
			fmt.Fprintf(w, "  issuer:           %s\n", issuerID)
		}
		fmt.Fprintf(w, "  status:           %s\n", status.Status.String())
		fmt.Fprintf(w, "  ocsp status:      %s\n", status.OCSPStatus.String())
		fmt.Fprintf(w, "  status date:      %s\n", status.StatusDate.String())
		fmt.Fprintf(w, "  certified until:  %s\n", status.ValidUntilDate.String())
		if status.RevocationDate.Unix() != 0 {
			fmt.Fprintf(w, "  revocation date:  %s\n", status.RevocationDate.String())
		}
		fmt.Fprintf(w, "  ocsp response:    %d bytes\n", clampLen(len(status.SignedResponse), limit))
	default:
		fmt.Fprintf(w, "%016x\tstatus=%s\tocsp=%s\tuntil=%s\n",
			status.Serial, status.Status.String(), status.OCSPStatus.String(), status.ValidUntilDate.String())
	}
	if verbose {
		fmt.Fprintf(w, "signed response (hex): %s\n", hex.EncodeToString(status.SignedResponse))
	}
}

func clampLen(n, limit int) int {
	if limit > 0 && n > limit {
		return limit
	}
	return n
}
