// Package certstatus is the status model (C3): the PVA and OCSP status
// enums, the StatusDate time/string pair, and the CertificateStatus value
// used throughout issuance, publishing, and peer verification.
//
// Grounded on original_source/src/certstatus.h (PVACertStatus, OCSPCertStatus,
// StatusDate, CertificateStatus) and on the teacher's certificate-status
// constants in pki/pki.go (StatusActive/StatusExpired/StatusRevoked),
// generalized to the full PVA state machine of spec.md §3.
package certstatus

import (
	"encoding/hex"
	"fmt"
	"time"
)

// PVAStatus is the certificate lifecycle state (spec.md §3).
type PVAStatus uint32

const (
	Unknown PVAStatus = iota
	PendingApproval
	Pending
	Valid
	Expired
	Revoked
)

var pvaStatusNames = [...]string{
	Unknown:         "UNKNOWN",
	PendingApproval: "PENDING_APPROVAL",
	Pending:         "PENDING",
	Valid:           "VALID",
	Expired:         "EXPIRED",
	Revoked:         "REVOKED",
}

// String returns the spec's enum name, e.g. "PENDING_APPROVAL".
func (s PVAStatus) String() string {
	if int(s) < len(pvaStatusNames) {
		return pvaStatusNames[s]
	}
	return fmt.Sprintf("PVAStatus(%d)", uint32(s))
}

// IsLive reports whether s is one of the "live set" states to which the
// uniqueness invariants of spec.md §3 apply: PENDING_APPROVAL, PENDING, VALID.
func (s PVAStatus) IsLive() bool {
	return s == PendingApproval || s == Pending || s == Valid
}

// OCSPStatus is the OCSP-shaped status (spec.md §3).
type OCSPStatus uint32

const (
	OCSPGood OCSPStatus = iota
	OCSPRevoked
	OCSPUnknown
)

var ocspStatusNames = [...]string{
	OCSPGood:    "OCSP_GOOD",
	OCSPRevoked: "OCSP_REVOKED",
	OCSPUnknown: "OCSP_UNKNOWN",
}

func (s OCSPStatus) String() string {
	if int(s) < len(ocspStatusNames) {
		return ocspStatusNames[s]
	}
	return fmt.Sprintf("OCSPStatus(%d)", uint32(s))
}

// ToOCSP maps a PVAStatus to its OCSP-shaped counterpart for the purpose of
// constructing a status response (spec.md §4.3): VALID -> GOOD,
// REVOKED -> REVOKED, everything else -> UNKNOWN.
func ToOCSP(s PVAStatus) OCSPStatus {
	switch s {
	case Valid:
		return OCSPGood
	case Revoked:
		return OCSPRevoked
	default:
		return OCSPUnknown
	}
}

// certTimeFormat is CERT_TIME_FORMAT from original_source/src/certstatus.h:
// "%a %b %d %H:%M:%S %Y UTC", used only for human display and for equality
// checks in a published structure. Internally all comparisons use the
// Unix-seconds form.
const certTimeFormat = "Mon Jan 02 15:04:05 2006 UTC"

// StatusDate carries both a Unix-seconds instant and its canonical string
// form. Comparisons (==, <, etc.) must use Time/Unix, never the string.
type StatusDate struct {
	t time.Time
}

// NewStatusDate builds a StatusDate from Unix seconds (UTC).
func NewStatusDate(unixSec int64) StatusDate {
	return StatusDate{t: time.Unix(unixSec, 0).UTC()}
}

// ParseStatusDate parses the canonical string form back into a StatusDate.
// An empty string parses to the zero instant (mirrors the original's
// toTimeT("") == 0 special case for "no date").
func ParseStatusDate(s string) (StatusDate, error) {
	if s == "" {
		return StatusDate{t: time.Unix(0, 0).UTC()}, nil
	}
	t, err := time.Parse(certTimeFormat, s)
	if err != nil {
		return StatusDate{}, fmt.Errorf("CryptoParse: parsing status date %q: %w", s, err)
	}
	return StatusDate{t: t.UTC()}, nil
}

// Unix returns the Unix-seconds instant.
func (d StatusDate) Unix() int64 { return d.t.Unix() }

// Time returns the underlying time.Time (UTC).
func (d StatusDate) Time() time.Time { return d.t }

// String renders the canonical "%a %b %d %H:%M:%S %Y UTC" form. Empty
// instant (Unix 0) renders as "" to round-trip with ParseStatusDate("").
func (d StatusDate) String() string {
	if d.t.Unix() == 0 {
		return ""
	}
	return d.t.Format(certTimeFormat)
}

// Equal compares two StatusDates by instant, never by string.
func (d StatusDate) Equal(o StatusDate) bool { return d.t.Equal(o.t) }

// Before reports whether d occurs strictly before o.
func (d StatusDate) Before(o StatusDate) bool { return d.t.Before(o.t) }

// CertificateStatus is the full status value carried on the wire and
// cached client-side (spec.md §3, §6): PVA status, the OCSP-shaped
// mirror, the three dates, and the signed OCSP response bytes.
type CertificateStatus struct {
	Serial         uint64
	Status         PVAStatus
	OCSPStatus     OCSPStatus
	StatusDate     StatusDate
	ValidUntilDate StatusDate
	RevocationDate StatusDate
	SignedResponse []byte // DER-encoded signed OCSP response
	// CertPEM carries the freshly signed certificate bundle alongside the
	// status whenever the publish follows a signing: immediate issuance at
	// VALID and an APPROVED transition to VALID (spec.md §4.7 "sign the
	// certificate via C2 and post it to the topic alongside the status").
	// Empty on every other publish.
	CertPEM string
}

// IsValid reports whether the cached status has not yet expired:
// now < ValidUntilDate.
func (cs CertificateStatus) IsValid(now time.Time) bool {
	return now.Before(cs.ValidUntilDate.Time())
}

// IsGood reports whether the status is both unexpired and OCSP-GOOD,
// the acceptance condition consulted by the TLS verify callback (C10).
func (cs CertificateStatus) IsGood(now time.Time) bool {
	return cs.IsValid(now) && cs.OCSPStatus == OCSPGood
}

// IssuerID returns the first 8 hex digits of a CA's Subject Key
// Identifier, the short handle used in status-PV paths (spec.md §3, §6).
func IssuerID(caSKI []byte) (string, error) {
	full := hex.EncodeToString(caSKI)
	if len(full) < 8 {
		return "", fmt.Errorf("CryptoParse: SKI too short to derive issuer id: %q", full)
	}
	return full[:8], nil
}

// StatusURI builds the status-PV URI "CERT:STATUS:<issuer_id>:<serial, 16
// hex digits>" embedded in the certificate's custom extension and used as
// the pub/sub topic name (spec.md §4.2 step 10, §4.7).
func StatusURI(issuerID string, serial uint64) string {
	return fmt.Sprintf("CERT:STATUS:%s:%016x", issuerID, serial)
}
