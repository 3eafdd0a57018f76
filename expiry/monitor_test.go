package expiry

import (
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

func newTestMonitor(t *testing.T) *Monitor {
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

	return &Monitor{
		Store:                 store,
		Bus:                   pvapubsub.NewBus(),
		CA:                    CA{Cert: caResult.Cert, Signer: caKey},
		IssuerID:              "deadbeef",
		StatusValidityMinutes: 30,
	}
}

func TestSweepMovesPendingToValid(t *testing.T) {
	m := newTestMonitor(t)
	now := time.Now().UTC()
	require.NoError(t, m.Store.Insert(certstore.Record{
		Serial: 10, NotBefore: now.Add(-time.Hour).Unix(), NotAfter: now.Add(time.Hour).Unix(),
		Status: certstatus.Pending,
	}))

	m.sweep(testLogger())

	status, _, err := m.Store.GetStatus(10)
	require.NoError(t, err)
	assert.Equal(t, certstatus.Valid, status)

	topic := certstatus.StatusURI("deadbeef", 10)
	cs, ok := m.Bus.Get(topic)
	require.True(t, ok)
	assert.Equal(t, certstatus.OCSPGood, cs.OCSPStatus)
}

func TestSweepMovesValidToExpired(t *testing.T) {
	m := newTestMonitor(t)
	now := time.Now().UTC()
	require.NoError(t, m.Store.Insert(certstore.Record{
		Serial: 11, NotBefore: now.Add(-2 * time.Hour).Unix(), NotAfter: now.Add(-time.Hour).Unix(),
		Status: certstatus.Valid,
	}))

	m.sweep(testLogger())

	status, _, err := m.Store.GetStatus(11)
	require.NoError(t, err)
	assert.Equal(t, certstatus.Expired, status)

	topic := certstatus.StatusURI("deadbeef", 11)
	cs, ok := m.Bus.Get(topic)
	require.True(t, ok)
	assert.Equal(t, certstatus.OCSPUnknown, cs.OCSPStatus)
}

func TestSweepLeavesUnaffectedRecords(t *testing.T) {
	m := newTestMonitor(t)
	now := time.Now().UTC()
	require.NoError(t, m.Store.Insert(certstore.Record{
		Serial: 12, NotBefore: now.Add(time.Hour).Unix(), NotAfter: now.Add(2 * time.Hour).Unix(),
		Status: certstatus.Pending,
	}))

	m.sweep(testLogger())

	status, _, err := m.Store.GetStatus(12)
	require.NoError(t, err)
	assert.Equal(t, certstatus.Pending, status)
}
