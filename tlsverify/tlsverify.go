// Package tlsverify is the TLS verify integration (C10): it intercepts the
// handshake-time peer-verification decision and the server-side stapling
// callback, both driven by the peer status manager (C9) and the status
// publisher's retained cache (C7).
//
// Grounded on the teacher's cmd/ironhand/cmd/server.go TLS server setup
// (tls.Config construction, self-signed-cert fallback) generalized from a
// static certificate/MinVersion config to a VerifyPeerCertificate callback
// and a GetCertificate-adjacent stapling hook.
package tlsverify

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/jmcleod/pvacms/certstatus"
	"github.com/jmcleod/pvacms/peerstatus"
	"github.com/jmcleod/pvacms/pvapubsub"
)

// Config controls the client-side verify callback (spec.md §4.10).
type Config struct {
	PeerStatus *peerstatus.Manager
	// AllowSelfSignedInChain permits acceptance when no verified chain is
	// available and the peer's leaf certificate is self-signed (spec.md
	// §4.10 step 2). The cause of the missing chain is not examined.
	AllowSelfSignedInChain bool
}

// VerifyPeerCertificate implements the tls.Config.VerifyPeerCertificate
// contract of spec.md §4.10: accept iff (1) the built-in chain check
// passed and either the leaf carries no status-PV extension or C9 reports
// it isGood(), or (2) no verified chain was supplied, the leaf is
// self-signed, and that is permitted by configuration.
func (c *Config) VerifyPeerCertificate(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	leaf, err := parseLeaf(rawCerts)
	if err != nil {
		return err
	}

	if len(verifiedChains) > 0 {
		// Step 1: chain verified by the standard library; consult C9.
		uri, ok := peerstatus.ExtractStatusURI(leaf)
		serial := uint64(0)
		if leaf.SerialNumber != nil {
			serial = leaf.SerialNumber.Uint64()
		}
		if !ok {
			return nil // no status-PV extension: not tracked, accept
		}
		if c.PeerStatus.Evaluate(serial, uri) {
			return nil
		}
		return fmt.Errorf("StateConflict: peer certificate status is not GOOD")
	}

	// Step 2: chain verification failed outright. Only a self-signed leaf
	// is a recoverable reason, and only when explicitly permitted.
	if c.AllowSelfSignedInChain && isSelfSigned(leaf) {
		return nil
	}
	return fmt.Errorf("AuthReject: peer chain verification failed")
}

func parseLeaf(rawCerts [][]byte) (*x509.Certificate, error) {
	if len(rawCerts) == 0 {
		return nil, fmt.Errorf("AuthReject: no peer certificate presented")
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return nil, fmt.Errorf("CryptoParse: parsing peer leaf certificate: %w", err)
	}
	return cert, nil
}

func isSelfSigned(cert *x509.Certificate) bool {
	return cert.CheckSignatureFrom(cert) == nil
}

// StaplingSource copies the latest signed OCSP bytes for a serving
// context's own certificate from C7's retained cache into the handshake
// response (spec.md §4.10 step 3).
type StaplingSource struct {
	Bus      *pvapubsub.Bus
	IssuerID string
	Serial   uint64
}

// GetCertificate wraps a base certificate getter, stapling the latest
// signed OCSP response onto the returned certificate. Returns an error
// (aborting the handshake) when no status is available, per spec.md
// §4.10 step 3: "If no status is available, abort the handshake."
func (s *StaplingSource) GetCertificate(base func(*tls.ClientHelloInfo) (*tls.Certificate, error)) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := base(hello)
		if err != nil {
			return nil, err
		}
		topic := certstatus.StatusURI(s.IssuerID, s.Serial)
		status, ok := s.Bus.Get(topic)
		if !ok {
			return nil, fmt.Errorf("CmsUnavailable: no stapling status available for serial %d", s.Serial)
		}
		stapled := *cert
		stapled.OCSPStaple = status.SignedResponse
		return &stapled, nil
	}
}
