package pvapubsub_test

import (
	"crypto/ecdsa"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/pvacms/certfactory"
	"github.com/jmcleod/pvacms/certstatus"
	"github.com/jmcleod/pvacms/certstore"
	"github.com/jmcleod/pvacms/pki"
	"github.com/jmcleod/pvacms/pvapubsub"
)

func pubKeyDER(key *ecdsa.PrivateKey) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(key.Public())
}

func TestBusPublishAndGetRetainsLastValue(t *testing.T) {
	bus := pvapubsub.NewBus()
	_, ok := bus.Get("CERT:STATUS:deadbeef:0000000000000001")
	assert.False(t, ok)

	bus.Publish("CERT:STATUS:deadbeef:0000000000000001", certstatus.CertificateStatus{
		Serial: 1, Status: certstatus.Valid, OCSPStatus: certstatus.OCSPGood,
	})
	cs, ok := bus.Get("CERT:STATUS:deadbeef:0000000000000001")
	require.True(t, ok)
	assert.Equal(t, certstatus.Valid, cs.Status)
}

func TestBusSubscribeReceivesRetainedValueThenUpdates(t *testing.T) {
	bus := pvapubsub.NewBus()
	topic := "CERT:STATUS:deadbeef:0000000000000002"
	bus.Publish(topic, certstatus.CertificateStatus{Serial: 2, Status: certstatus.Pending})

	ch, unsubscribe := bus.Subscribe(topic)
	defer unsubscribe()

	select {
	case cs := <-ch:
		assert.Equal(t, certstatus.Pending, cs.Status)
	case <-time.After(time.Second):
		t.Fatal("expected retained value on subscribe")
	}

	bus.Publish(topic, certstatus.CertificateStatus{Serial: 2, Status: certstatus.Valid})
	select {
	case cs := <-ch:
		assert.Equal(t, certstatus.Valid, cs.Status)
	case <-time.After(time.Second):
		t.Fatal("expected update after publish")
	}
}

func newTestServer(t *testing.T) (*pvapubsub.Server, certstore.Record) {
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

	leafKey, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	pubDER, err := pubKeyDER(leafKey)
	require.NoError(t, err)

	record := certstore.Record{
		Serial: 42, CN: "cli1",
		NotBefore: now.Add(-time.Hour).Unix(), NotAfter: now.AddDate(0, 0, 30).Unix(),
		Status: certstatus.PendingApproval, StatusDate: now.Unix(),
		PublicKeyDER: pubDER, Usage: uint16(certfactory.UsageClient),
		StatusSubscriptionRequired: true,
	}
	require.NoError(t, store.Insert(record))

	srv := pvapubsub.NewServer(store, pvapubsub.NewBus(), pvapubsub.CA{Cert: caResult.Cert, Signer: caKey}, "deadbeef", []string{"admin1"}, 30)
	return srv, record
}

func TestTransitionApprovedMovesToValidWhenNotBeforePassed(t *testing.T) {
	srv, record := newTestServer(t)
	cs, err := srv.Transition(record.Serial, "APPROVED")
	require.NoError(t, err)
	assert.Equal(t, certstatus.Valid, cs.Status)
	assert.Equal(t, certstatus.OCSPGood, cs.OCSPStatus)
	assert.NotEmpty(t, cs.CertPEM, "signed certificate must ride along with the APPROVED status")

	published, ok := srv.Bus.Get(certstatus.StatusURI("deadbeef", record.Serial))
	require.True(t, ok)
	assert.Equal(t, cs.CertPEM, published.CertPEM, "published topic value must carry the signed certificate too")

	stored, err := srv.Store.Get(record.Serial)
	require.NoError(t, err)
	assert.Equal(t, cs.CertPEM, stored.CertPEM, "signed certificate must be persisted in the store")
}

func TestTransitionDeniedIsTerminal(t *testing.T) {
	srv, record := newTestServer(t)
	cs, err := srv.Transition(record.Serial, "DENIED")
	require.NoError(t, err)
	assert.Equal(t, certstatus.Revoked, cs.Status)

	_, err = srv.Transition(record.Serial, "APPROVED")
	require.Error(t, err)
}

func TestTransitionUnrecognizedState(t *testing.T) {
	srv, record := newTestServer(t)
	_, err := srv.Transition(record.Serial, "BOGUS")
	require.Error(t, err)
}
