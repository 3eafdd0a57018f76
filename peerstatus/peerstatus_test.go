package peerstatus

import (
	"crypto/x509"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/pvacms/certfactory"
	"github.com/jmcleod/pvacms/certstatus"
	"github.com/jmcleod/pvacms/pki"
	"github.com/jmcleod/pvacms/pvapubsub"
	"github.com/jmcleod/pvacms/statusfactory"
)

func TestEvaluateNoStatusURIDefaultsGood(t *testing.T) {
	m := NewManager(pvapubsub.NewBus(), x509.NewCertPool())
	assert.True(t, m.Evaluate(1, ""))
}

func TestEvaluateUsesCachedValidEntry(t *testing.T) {
	bus := pvapubsub.NewBus()
	m := NewManager(bus, x509.NewCertPool())

	m.updateCache(7, certstatus.CertificateStatus{
		Status: certstatus.Valid, OCSPStatus: certstatus.OCSPGood,
		ValidUntilDate: certstatus.NewStatusDate(time.Now().Add(time.Hour).Unix()),
	})
	assert.True(t, m.Evaluate(7, "CERT:STATUS:deadbeef:0000000000000007"))
}

func TestEvaluateSubscribesAndVerifies(t *testing.T) {
	caKey, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	now := time.Now().UTC()
	caResult, err := certfactory.Create(certfactory.Request{
		Serial:    1,
		PublicKey: caKey.Public(),
		Subject:   certfactory.Subject{CN: "Test Root CA"},
		NotBefore: now,
		NotAfter:  now.AddDate(10, 0, 0),
		Usage:     certfactory.UsageCA,
		Issuer:    certfactory.Issuer{Signer: caKey},
	})
	require.NoError(t, err)

	cs, err := statusfactory.Create(statusfactory.Request{
		Serial:     99,
		Status:     certstatus.Valid,
		StatusDate: certstatus.NewStatusDate(now.Unix()),
		CACert:     caResult.Cert,
		CASigner:   caKey,
	})
	require.NoError(t, err)

	bus := pvapubsub.NewBus()
	topic := certstatus.StatusURI("deadbeef", 99)
	bus.Publish(topic, *cs)

	roots := x509.NewCertPool()
	roots.AddCert(caResult.Cert)
	m := NewManager(bus, roots)
	m.AllowSelfSignedCA = true

	assert.True(t, m.Evaluate(99, topic))
}

func TestOnTransitionFiresOnFlip(t *testing.T) {
	bus := pvapubsub.NewBus()
	m := NewManager(bus, x509.NewCertPool())

	var mu sync.Mutex
	var calls []bool
	m.OnTransition = func(serial uint64, wasGood, isGood bool) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, isGood)
	}

	m.updateCache(5, certstatus.CertificateStatus{
		Status: certstatus.Valid, OCSPStatus: certstatus.OCSPGood,
		ValidUntilDate: certstatus.NewStatusDate(time.Now().Add(time.Hour).Unix()),
	})
	m.updateCache(5, certstatus.CertificateStatus{
		Status: certstatus.Revoked, OCSPStatus: certstatus.OCSPRevoked,
		ValidUntilDate: certstatus.NewStatusDate(time.Now().Add(time.Hour).Unix()),
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 2)
	assert.True(t, calls[0])
	assert.False(t, calls[1])
}

func TestVerifyOCSPResponseRejectsSelfSignedWithoutFlag(t *testing.T) {
	caKey, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	now := time.Now().UTC()
	caResult, err := certfactory.Create(certfactory.Request{
		Serial:    1,
		PublicKey: caKey.Public(),
		Subject:   certfactory.Subject{CN: "Attacker Self-Signed CA"},
		NotBefore: now,
		NotAfter:  now.AddDate(10, 0, 0),
		Usage:     certfactory.UsageCA,
		Issuer:    certfactory.Issuer{Signer: caKey},
	})
	require.NoError(t, err)

	cs, err := statusfactory.Create(statusfactory.Request{
		Serial:     101,
		Status:     certstatus.Valid,
		StatusDate: certstatus.NewStatusDate(now.Unix()),
		CACert:     caResult.Cert,
		CASigner:   caKey,
	})
	require.NoError(t, err)

	// No roots configured and self-signed responders not permitted: the
	// embedded signature being internally consistent must not be enough.
	_, err = VerifyOCSPResponse(cs.SignedResponse, nil, false)
	require.Error(t, err)

	// A non-nil but unrelated trust store must not help either.
	unrelatedRoots := x509.NewCertPool()
	_, err = VerifyOCSPResponse(cs.SignedResponse, unrelatedRoots, false)
	require.Error(t, err)
}

func TestVerifyOCSPResponseRejectsStale(t *testing.T) {
	caKey, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	now := time.Now().UTC()
	caResult, err := certfactory.Create(certfactory.Request{
		Serial:    1,
		PublicKey: caKey.Public(),
		Subject:   certfactory.Subject{CN: "Test Root CA"},
		NotBefore: now,
		NotAfter:  now.AddDate(10, 0, 0),
		Usage:     certfactory.UsageCA,
		Issuer:    certfactory.Issuer{Signer: caKey},
	})
	require.NoError(t, err)

	stale := certstatus.NewStatusDate(now.Add(-time.Hour).Unix())
	cs, err := statusfactory.Create(statusfactory.Request{
		Serial:          100,
		Status:          certstatus.Valid,
		StatusDate:      stale,
		ValidityMinutes: 1,
		CACert:          caResult.Cert,
		CASigner:        caKey,
	})
	require.NoError(t, err)

	_, err = VerifyOCSPResponse(cs.SignedResponse, nil, true)
	require.ErrorIs(t, err, ErrOcspStale)
}
