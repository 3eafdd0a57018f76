// Package peerstatus is the client-side peer status manager (C9): it
// caches the status of peer certificates and, on a cache miss, subscribes
// to a peer's status-PV topic and verifies the signed OCSP responses it
// receives.
//
// Grounded on original_source/src/certstatus.h's CertificateStatus cache
// semantics and on the OCSP chain-verification pattern read from
// other_examples/grimm-co-GOCSP-responder__depot.go, adapted from a
// server-side OCSP responder's signer lookup to a client verifying
// responses it receives over a subscription.
package peerstatus

import (
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/jmcleod/pvacms/certstatus"
	"github.com/jmcleod/pvacms/pki"
)

// ErrOcspStale is returned when a parsed OCSP response falls outside its
// validity window (spec.md §4.9.1 "Enforce thisUpdate - 5s <= now <=
// nextUpdate. Outside the window: fails with OcspStale").
var ErrOcspStale = fmt.Errorf("OcspStale: response outside its validity window")

// staleSkew is the thisUpdate clock-skew allowance of spec.md §4.9.1.
const staleSkew = 5 * time.Second

// Subscriber opens a subscription to a status-PV topic and delivers each
// published CertificateStatus until Unsubscribe is called. It abstracts
// the external PVA subscription mechanism (spec.md §1's named external
// collaborator), letting C9 be tested and used against any transport that
// implements it, including pvapubsub.Bus locally.
type Subscriber interface {
	Subscribe(topic string) (<-chan certstatus.CertificateStatus, func())
}

// TransitionFunc is invoked whenever a cached entry's isGood() flips
// (spec.md §4.9 step 3: "invoke the user's transition callback if isGood()
// has flipped").
type TransitionFunc func(serial uint64, wasGood, isGood bool)

// Manager is the client-side peer status manager (C9).
type Manager struct {
	Subscriber Subscriber
	Roots      *x509.CertPool
	// AllowSelfSignedCA permits a self-signed leaf in the OCSP signer chain
	// (spec.md §4.9.1, §6 "allow_self_signed_ca (client-side)").
	AllowSelfSignedCA bool
	OnTransition      TransitionFunc

	mu    sync.Mutex
	cache map[uint64]cacheEntry
	subs  map[uint64]func()
}

type cacheEntry struct {
	status certstatus.CertificateStatus
}

// NewManager returns an empty Manager.
func NewManager(sub Subscriber, roots *x509.CertPool) *Manager {
	return &Manager{
		Subscriber: sub,
		Roots:      roots,
		cache:      make(map[uint64]cacheEntry),
		subs:       make(map[uint64]func()),
	}
}

// Evaluate is C10's entry point into C9 (spec.md §4.9 "Entry: called by
// C10 when verifying a peer certificate"). serial and statusURI are
// extracted by the caller from the peer certificate: statusURI empty means
// the peer's extension was absent, in which case step 2's default-GOOD
// decision applies without ever consulting the cache or a subscription.
func (m *Manager) Evaluate(serial uint64, statusURI string) bool {
	// Step 1: cached entry present and valid.
	m.mu.Lock()
	entry, ok := m.cache[serial]
	m.mu.Unlock()
	if ok && entry.status.IsValid(time.Now()) {
		return entry.status.IsGood(time.Now())
	}

	// Step 2: no status-PV extension means monitoring is not required.
	if statusURI == "" {
		return true
	}

	// Step 3: (re)subscribe and wait for the first delivered update.
	return m.subscribeAndWait(serial, statusURI)
}

func (m *Manager) subscribeAndWait(serial uint64, topic string) bool {
	m.mu.Lock()
	if cancel, ok := m.subs[serial]; ok {
		cancel()
	}
	m.mu.Unlock()

	ch, cancel := m.Subscriber.Subscribe(topic)
	m.mu.Lock()
	m.subs[serial] = cancel
	m.mu.Unlock()

	go m.pump(serial, ch)

	// waitForStatus budget (spec.md §5 "3-second budget with 500ms
	// polling; returns whatever is cached (possibly UNKNOWN)").
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		entry, ok := m.cache[serial]
		m.mu.Unlock()
		if ok {
			return entry.status.IsGood(time.Now())
		}
		time.Sleep(500 * time.Millisecond)
	}
	return false
}

// pump consumes published updates for serial, verifying each one and
// updating the cache, for the lifetime of ch (until Unsubscribe cancels
// it).
func (m *Manager) pump(serial uint64, ch <-chan certstatus.CertificateStatus) {
	for status := range ch {
		parsed, err := VerifyOCSPResponse(status.SignedResponse, m.Roots, m.AllowSelfSignedCA)
		if err != nil {
			continue
		}
		status.OCSPStatus = ocspLibStatusToCertstatus(parsed.Status)
		m.updateCache(serial, status)
	}
}

func (m *Manager) updateCache(serial uint64, status certstatus.CertificateStatus) {
	m.mu.Lock()
	prev, hadPrev := m.cache[serial]
	m.cache[serial] = cacheEntry{status: status}
	cb := m.OnTransition
	m.mu.Unlock()

	if cb == nil {
		return
	}
	wasGood := hadPrev && prev.status.IsGood(time.Now())
	isGood := status.IsGood(time.Now())
	if wasGood != isGood {
		cb(serial, wasGood, isGood)
	}
}

// Unsubscribe cancels serial's subscription, if any. Idempotent.
func (m *Manager) Unsubscribe(serial uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.subs[serial]; ok {
		cancel()
		delete(m.subs, serial)
	}
}

// ParsedOCSP is the return value of VerifyOCSPResponse (spec.md §4.9.1
// "Return (serial_from_response, ocsp_status, this_update, next_update,
// revocation_time)").
type ParsedOCSP struct {
	Serial         int64
	Status         int
	ThisUpdate     time.Time
	NextUpdate     time.Time
	RevocationTime time.Time
}

// VerifyOCSPResponse implements spec.md §4.9.1: parses the DER OCSP
// response, verifies its embedded responder certificate against roots
// (tolerating a self-signed signer only
// when allowSelfSignedCA is set), then enforces the staleness window.
func VerifyOCSPResponse(der []byte, roots *x509.CertPool, allowSelfSignedCA bool) (*ParsedOCSP, error) {
	// ocsp.ParseResponse(der, nil) checks the response signature against
	// its own embedded responder certificate but performs no chain
	// verification of its own; verifyResponderChain does that against
	// roots below, so an attacker-supplied self-signed responder cannot
	// be accepted just because the embedded signature is internally
	// consistent.
	resp, err := ocsp.ParseResponse(der, nil)
	if err != nil {
		return nil, fmt.Errorf("CryptoParse: parsing OCSP response: %w", err)
	}
	if err := verifyResponderChain(resp, roots, allowSelfSignedCA); err != nil {
		return nil, err
	}

	now := time.Now()
	if now.Before(resp.ThisUpdate.Add(-staleSkew)) || now.After(resp.NextUpdate) {
		return nil, ErrOcspStale
	}

	if resp.Status == ocsp.Revoked && resp.RevokedAt.IsZero() {
		return nil, fmt.Errorf("CryptoParse: REVOKED response missing revocation time")
	}

	return &ParsedOCSP{
		Serial:         resp.SerialNumber.Int64(),
		Status:         resp.Status,
		ThisUpdate:     resp.ThisUpdate,
		NextUpdate:     resp.NextUpdate,
		RevocationTime: resp.RevokedAt,
	}, nil
}

// verifyResponderChain verifies the OCSP response's embedded responder
// certificate against roots. Only that one certificate is available from
// the parsed response; any further certificates carried in the response are
// not used as intermediates. A self-signed responder is accepted only when
// allowSelfSignedCA is set; otherwise it must chain to a root regardless
// of that flag (spec.md §4.9.1, testable property #7).
func verifyResponderChain(resp *ocsp.Response, roots *x509.CertPool, allowSelfSignedCA bool) error {
	signer := resp.Certificate
	if signer == nil {
		return fmt.Errorf("CryptoParse: OCSP response carries no responder certificate")
	}

	// A nil pool means no trust store is configured; leaving x509.Verify's
	// Roots nil would fall back to the platform trust store, which is not
	// what an unconfigured pool should mean here, so the chain check is
	// skipped rather than implicitly trusting the OS roots.
	if roots != nil {
		if _, err := signer.Verify(x509.VerifyOptions{
			Roots:     roots,
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageOCSPSigning, x509.ExtKeyUsageAny},
		}); err == nil {
			return nil
		}
	}

	// Chain verification either failed or was not attempted; the only
	// recoverable reason is a self-signed responder explicitly permitted
	// by configuration, independent of whether roots was supplied.
	if allowSelfSignedCA && isSelfSigned(signer) {
		return nil
	}
	return fmt.Errorf("AuthReject: OCSP signer chain did not verify against a trust-store anchor")
}

func isSelfSigned(cert *x509.Certificate) bool {
	return cert.CheckSignatureFrom(cert) == nil
}

func ocspLibStatusToCertstatus(status int) certstatus.OCSPStatus {
	switch status {
	case ocsp.Good:
		return certstatus.OCSPGood
	case ocsp.Revoked:
		return certstatus.OCSPRevoked
	default:
		return certstatus.OCSPUnknown
	}
}

// ExtractStatusURI reads the custom status-PV extension from a peer
// certificate, returning ok=false when absent (spec.md §4.9 step 2).
func ExtractStatusURI(cert *x509.Certificate) (uri string, ok bool) {
	return pki.ReadCustomExtension(cert, pki.PvaCertStatusURIOID)
}
