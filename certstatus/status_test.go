package certstatus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToOCSPMapping(t *testing.T) {
	assert.Equal(t, OCSPGood, ToOCSP(Valid))
	assert.Equal(t, OCSPRevoked, ToOCSP(Revoked))
	for _, s := range []PVAStatus{Unknown, PendingApproval, Pending, Expired} {
		assert.Equal(t, OCSPUnknown, ToOCSP(s), "status %s should map to OCSP_UNKNOWN", s)
	}
}

func TestStatusDateRoundTrip(t *testing.T) {
	for unixSec := int64(0); unixSec < int64(2_147_483_648); unixSec += 104_729 * 9973 {
		d := NewStatusDate(unixSec)
		parsed, err := ParseStatusDate(d.String())
		require.NoError(t, err)
		assert.Equal(t, d.Unix(), parsed.Unix())
	}
}

func TestStatusDateEmptyString(t *testing.T) {
	d, err := ParseStatusDate("")
	require.NoError(t, err)
	assert.Equal(t, int64(0), d.Unix())
	assert.Equal(t, "", d.String())
}

func TestCertificateStatusIsGood(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cs := CertificateStatus{
		Status:         Valid,
		OCSPStatus:     OCSPGood,
		ValidUntilDate: NewStatusDate(now.Add(time.Hour).Unix()),
	}
	assert.True(t, cs.IsGood(now))

	expired := cs
	expired.ValidUntilDate = NewStatusDate(now.Add(-time.Hour).Unix())
	assert.False(t, expired.IsGood(now))

	revoked := cs
	revoked.OCSPStatus = OCSPRevoked
	assert.False(t, revoked.IsGood(now))
}

func TestIssuerID(t *testing.T) {
	ski := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03, 0x04, 0x05}
	id, err := IssuerID(ski)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", id)
}

func TestStatusURI(t *testing.T) {
	uri := StatusURI("deadbeef", 42)
	assert.Equal(t, "CERT:STATUS:deadbeef:000000000000002a", uri)
}
