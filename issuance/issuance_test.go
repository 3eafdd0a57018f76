package issuance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/pvacms/authn"
	"github.com/jmcleod/pvacms/certfactory"
	"github.com/jmcleod/pvacms/certstatus"
	"github.com/jmcleod/pvacms/certstore"
	"github.com/jmcleod/pvacms/pki"
	"github.com/jmcleod/pvacms/pvapubsub"
)

func newTestPipeline(t *testing.T) (*Pipeline, *authn.Registry) {
	t.Helper()
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

	store, err := certstore.Open(t.TempDir() + "/certs.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := authn.NewRegistry()
	reg.Register(authn.NewSharedSecret(map[string]string{"cli1": "s3cr3t"}))

	p := &Pipeline{
		Auth:                  reg,
		Store:                 store,
		Bus:                   pvapubsub.NewBus(),
		CA:                    CA{Cert: caResult.Cert, Signer: caKey},
		RequireApproval:       DefaultRequireApproval(),
		IssuerID:              "deadbeef",
		StatusValidityMinutes: 30,
	}
	return p, reg
}

func TestSubmitBasicAuthRequiresApproval(t *testing.T) {
	p, _ := newTestPipeline(t)
	leafKey, err := pki.GenerateKeyPair()
	require.NoError(t, err)

	now := time.Now().UTC()
	result, err := p.Submit(Request{
		PublicKey: leafKey.Public(),
		CCR: authn.CCR{
			Name: "cli1", Type: "sharedsecret",
			Usage:          uint16(certfactory.UsageClient),
			NotBefore:      now.Unix(),
			NotAfter:       now.AddDate(0, 0, 30).Unix(),
			VerifierFields: map[string]string{"token": "s3cr3t"},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, result.CertPEM)
	assert.NotEmpty(t, result.StatusPVURI)

	status, ok := p.Bus.Get(result.StatusPVURI)
	require.True(t, ok)
	assert.Equal(t, certstatus.PendingApproval, status.Status)
}

type alwaysStrong struct{}

func (alwaysStrong) TypeName() string             { return "alwaysstrong" }
func (alwaysStrong) VerifierFieldNames() []string { return nil }
func (alwaysStrong) Verify(ccr authn.CCR) (authn.Credentials, error) {
	return authn.Credentials{Name: ccr.Name, Class: authn.Strong}, nil
}

func TestSubmitStrongAuthIssuesImmediately(t *testing.T) {
	p, reg := newTestPipeline(t)
	reg.Register(alwaysStrong{})

	leafKey, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	now := time.Now().UTC()
	result, err := p.Submit(Request{
		PublicKey: leafKey.Public(),
		CCR: authn.CCR{
			Name:      "srv1",
			Type:      "alwaysstrong",
			Usage:     uint16(certfactory.UsageServer),
			NotBefore: now.Unix(),
			NotAfter:  now.AddDate(0, 0, 30).Unix(),
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.CertPEM)

	status, ok := p.Bus.Get(result.StatusPVURI)
	require.True(t, ok)
	assert.Equal(t, certstatus.Valid, status.Status)
	assert.Equal(t, certstatus.OCSPGood, status.OCSPStatus)
	assert.Equal(t, result.CertPEM, status.CertPEM, "published status must carry the signed certificate too")
}

func TestSubmitRejectsAuthFailure(t *testing.T) {
	p, _ := newTestPipeline(t)
	leafKey, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	now := time.Now().UTC()

	_, err = p.Submit(Request{
		PublicKey: leafKey.Public(),
		CCR: authn.CCR{
			Name: "cli1", Type: "sharedsecret",
			Usage:          uint16(certfactory.UsageClient),
			NotBefore:      now.Unix(),
			NotAfter:       now.AddDate(0, 0, 30).Unix(),
			VerifierFields: map[string]string{"token": "wrong"},
		},
	})
	require.ErrorIs(t, err, authn.ErrAuthReject)
}

func TestSubmitRejectsDuplicateLiveSubject(t *testing.T) {
	p, reg := newTestPipeline(t)
	reg.Register(alwaysStrong{})

	now := time.Now().UTC()
	for i := 0; i < 2; i++ {
		leafKey, err := pki.GenerateKeyPair()
		require.NoError(t, err)
		_, err = p.Submit(Request{
			PublicKey: leafKey.Public(),
			CCR: authn.CCR{
				Name:      "srv1",
				Type:      "alwaysstrong",
				Usage:     uint16(certfactory.UsageServer),
				NotBefore: now.Unix(),
				NotAfter:  now.AddDate(0, 0, 30).Unix(),
			},
		})
		if i == 0 {
			require.NoError(t, err)
		} else {
			require.Error(t, err)
		}
	}
}
