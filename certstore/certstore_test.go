package certstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/pvacms/certstatus"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "certs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestInsertAndGetStatus(t *testing.T) {
	store := openTestStore(t)

	err := store.Insert(Record{
		Serial: 1, SKID: []byte{0x01}, CN: "srv1",
		NotBefore: 100, NotAfter: 200, Status: certstatus.Valid, StatusDate: 100,
	})
	require.NoError(t, err)

	status, statusDate, err := store.GetStatus(1)
	require.NoError(t, err)
	assert.Equal(t, certstatus.Valid, status)
	assert.Equal(t, int64(100), statusDate)
}

func TestInsertRejectsDuplicateSerial(t *testing.T) {
	store := openTestStore(t)
	rec := Record{Serial: 1, CN: "srv1", NotBefore: 100, NotAfter: 200, Status: certstatus.Pending}
	require.NoError(t, store.Insert(rec))
	err := store.Insert(rec)
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestInsertRejectsDuplicateLiveSubject(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Insert(Record{
		Serial: 1, CN: "srv1", O: "Org", NotBefore: 100, NotAfter: 200, Status: certstatus.Valid,
	}))
	err := store.Insert(Record{
		Serial: 2, CN: "srv1", O: "Org", NotBefore: 100, NotAfter: 200, Status: certstatus.Pending,
	})
	require.ErrorIs(t, err, ErrDuplicate)

	// An EXPIRED duplicate is not live, so it does not block a new insert.
	store2 := openTestStore(t)
	require.NoError(t, store2.Insert(Record{
		Serial: 1, CN: "srv1", O: "Org", NotBefore: 100, NotAfter: 200, Status: certstatus.Expired,
	}))
	err = store2.Insert(Record{
		Serial: 2, CN: "srv1", O: "Org", NotBefore: 100, NotAfter: 200, Status: certstatus.Pending,
	})
	require.NoError(t, err)
}

func TestInsertRejectsDuplicateLiveSKID(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Insert(Record{
		Serial: 1, SKID: []byte{0xaa, 0xbb}, CN: "a", NotBefore: 100, NotAfter: 200, Status: certstatus.PendingApproval,
	}))
	err := store.Insert(Record{
		Serial: 2, SKID: []byte{0xaa, 0xbb}, CN: "b", NotBefore: 100, NotAfter: 200, Status: certstatus.Pending,
	})
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestSetStatusGuardsAllowedPrev(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Insert(Record{Serial: 1, CN: "a", NotBefore: 100, NotAfter: 200, Status: certstatus.Pending}))

	err := store.SetStatus(1, certstatus.Valid, []certstatus.PVAStatus{certstatus.Revoked}, 150)
	require.ErrorIs(t, err, ErrStateConflict)

	err = store.SetStatus(1, certstatus.Valid, []certstatus.PVAStatus{certstatus.Pending}, 150)
	require.NoError(t, err)

	status, statusDate, err := store.GetStatus(1)
	require.NoError(t, err)
	assert.Equal(t, certstatus.Valid, status)
	assert.Equal(t, int64(150), statusDate)
}

func TestScanToValidAndExpired(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()
	nowUnix := now.Unix()

	require.NoError(t, store.Insert(Record{
		Serial: 1, CN: "a", NotBefore: nowUnix - 10, NotAfter: nowUnix + 1000, Status: certstatus.Pending,
	}))
	require.NoError(t, store.Insert(Record{
		Serial: 2, CN: "b", NotBefore: nowUnix + 1000, NotAfter: nowUnix + 2000, Status: certstatus.Pending,
	}))
	require.NoError(t, store.Insert(Record{
		Serial: 3, CN: "c", NotBefore: nowUnix - 2000, NotAfter: nowUnix - 10, Status: certstatus.Valid,
	}))

	toValid, err := store.ScanToValid(now)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, toValid)

	toExpired, err := store.ScanToExpired(now)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, toExpired)
}

func TestCountDupSubjectAndSKID(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Insert(Record{
		Serial: 1, SKID: []byte{0x01}, CN: "a", O: "Org", NotBefore: 100, NotAfter: 200, Status: certstatus.Valid,
	}))
	require.NoError(t, store.Insert(Record{
		Serial: 2, SKID: []byte{0x02}, CN: "b", O: "Org", NotBefore: 100, NotAfter: 200, Status: certstatus.Expired,
	}))

	n, err := store.CountDupSubject("a", "Org", "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.CountDupSubject("b", "Org", "", "")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = store.CountDupSKID([]byte{0x01})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGetStatusNotFound(t *testing.T) {
	store := openTestStore(t)
	_, _, err := store.GetStatus(999)
	require.ErrorIs(t, err, ErrNotFound)
}
