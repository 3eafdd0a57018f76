package authn

import (
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/pvacms/certfactory"
	"github.com/jmcleod/pvacms/pki"
)

func TestRegistryVerifyUnknownMethod(t *testing.T) {
	r := NewRegistry()
	_, err := r.Verify(CCR{Type: "nope"})
	require.ErrorIs(t, err, ErrUnknownMethod)
}

func TestSharedSecretVerify(t *testing.T) {
	r := NewRegistry()
	r.Register(NewSharedSecret(map[string]string{"cli1": "s3cr3t"}))

	creds, err := r.Verify(CCR{
		Name:           "cli1",
		Type:           "sharedsecret",
		VerifierFields: map[string]string{"token": "s3cr3t"},
	})
	require.NoError(t, err)
	assert.Equal(t, Basic, creds.Class)
	assert.Equal(t, "cli1", creds.Name)

	_, err = r.Verify(CCR{
		Name:           "cli1",
		Type:           "sharedsecret",
		VerifierFields: map[string]string{"token": "wrong"},
	})
	require.ErrorIs(t, err, ErrAuthReject)
}

func TestSharedSecretMissingVerifierField(t *testing.T) {
	r := NewRegistry()
	r.Register(NewSharedSecret(map[string]string{"cli1": "s3cr3t"}))

	_, err := r.Verify(CCR{Name: "cli1", Type: "sharedsecret", VerifierFields: map[string]string{}})
	require.ErrorIs(t, err, ErrAuthReject)
}

func buildTestChain(t *testing.T) (*x509.Certificate, *x509.CertPool) {
	t.Helper()
	caKey, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	now := time.Now().UTC()
	caResult, err := certfactory.Create(certfactory.Request{
		Serial:    1,
		PublicKey: caKey.Public(),
		Subject:   certfactory.Subject{CN: "Bootstrap Root"},
		NotBefore: now,
		NotAfter:  now.AddDate(10, 0, 0),
		Usage:     certfactory.UsageCA,
		Issuer:    certfactory.Issuer{Signer: caKey},
	})
	require.NoError(t, err)

	leafKey, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	leafResult, err := certfactory.Create(certfactory.Request{
		Serial:    2,
		PublicKey: leafKey.Public(),
		Subject:   certfactory.Subject{CN: "device1"},
		NotBefore: now,
		NotAfter:  now.AddDate(0, 0, 1),
		Usage:     certfactory.UsageClient,
		Issuer:    certfactory.Issuer{Cert: caResult.Cert, Signer: caKey},
	})
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(caResult.Cert)
	return leafResult.Cert, roots
}

func TestX509BootstrapVerify(t *testing.T) {
	leaf, roots := buildTestChain(t)

	r := NewRegistry()
	r.Register(NewX509Bootstrap(roots))

	creds, err := r.Verify(CCR{
		Name:      "device1",
		Type:      "x509bootstrap",
		PeerChain: []*x509.Certificate{leaf},
	})
	require.NoError(t, err)
	assert.Equal(t, Strong, creds.Class)
}

func TestX509BootstrapRejectsUntrustedChain(t *testing.T) {
	leaf, _ := buildTestChain(t)

	r := NewRegistry()
	r.Register(NewX509Bootstrap(x509.NewCertPool())) // empty trust store

	_, err := r.Verify(CCR{
		Name:      "device1",
		Type:      "x509bootstrap",
		PeerChain: []*x509.Certificate{leaf},
	})
	require.ErrorIs(t, err, ErrAuthReject)
}

func TestX509BootstrapRejectsNoPeerChain(t *testing.T) {
	r := NewRegistry()
	r.Register(NewX509Bootstrap(x509.NewCertPool()))

	_, err := r.Verify(CCR{Name: "device1", Type: "x509bootstrap"})
	require.ErrorIs(t, err, ErrAuthReject)
}
