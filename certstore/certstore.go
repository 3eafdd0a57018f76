// Package certstore is the certificate store (C5): a durable, single-writer
// record of every certificate ever issued, with the duplicate and
// expiry-sweep queries the issuance pipeline and expiry monitor depend on.
//
// Grounded on the teacher's storage/bbolt/bbolt.go (bucket-per-namespace,
// CAS-guarded Put, transactional Update/View) generalized from ironhand's
// generic vault-envelope KV shape to the single `certs` table of spec.md §6,
// realized as a bbolt bucket of JSON-encoded rows keyed by serial rather
// than as literal SQL (see DESIGN.md's Open Question resolution).
package certstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/pvacms/certstatus"
)

// ErrDuplicate is returned by Insert when the (CN,O,OU,C) or SKID
// uniqueness invariant over the "live" status set would be violated
// (spec.md §4.5 "insert").
var ErrDuplicate = errors.New("Duplicate: subject or SKID already live")

// ErrStateConflict is returned by SetStatus when the row's current status
// is not a member of allowedPrev (spec.md §4.5 "set_status").
var ErrStateConflict = errors.New("StateConflict: current status not in allowed set")

// ErrNotFound is returned when a serial has no record.
var ErrNotFound = errors.New("StoreIO: no record for serial")

var certsBucket = []byte("certs")

// Record is one row of the `certs` table (spec.md §6 "Durable schema"):
// serial, SKID, subject components, validity window, and current status.
// PublicKeyDER, Usage, IssuerID and StatusSubscriptionRequired carry enough
// of the original certificate-creation request to let C7 re-invoke C2 when
// an approval transition moves a record to VALID.
type Record struct {
	Serial       uint64
	SKID         []byte
	CN, O, OU, C string
	NotBefore    int64
	NotAfter     int64
	Status       certstatus.PVAStatus
	StatusDate   int64

	PublicKeyDER               []byte
	Usage                      uint16
	IssuerID                   string
	StatusSubscriptionRequired bool

	// CertPEM holds the signed leaf-plus-chain bundle once it has been
	// issued (either immediately at insert, spec.md §4.6, or on an
	// APPROVED transition, spec.md §4.7). Empty until then.
	CertPEM string
}

// Store is a bbolt-backed Certificate Store. A single *Store may be shared
// by multiple goroutines; bbolt serializes writers internally and allows
// concurrent readers (spec.md §5 "Certificate store: single writer
// serialized by the store itself; multiple concurrent readers").
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the bbolt database at path and ensures the certs
// bucket exists, tolerating a freshly-created file with no schema yet
// (spec.md §4.5 "must tolerate schema absence: initialize on first start").
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("StoreIO: opening %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(certsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("StoreIO: initializing schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func serialKey(serial uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], serial)
	return key[:]
}

func encodeRecord(r Record) ([]byte, error) {
	return json.Marshal(r)
}

func decodeRecord(data []byte) (Record, error) {
	var r Record
	err := json.Unmarshal(data, &r)
	return r, err
}

func subjectKey(cn, o, ou, c string) string {
	return cn + "\x00" + o + "\x00" + ou + "\x00" + c
}

// Insert adds a new record, rejecting it with ErrDuplicate if the
// (CN,O,OU,C) subject or the SKID is already held by a record in the live
// set {PENDING_APPROVAL, PENDING, VALID} (spec.md §3, §4.5).
func (s *Store) Insert(r Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(certsBucket)
		if b.Get(serialKey(r.Serial)) != nil {
			return fmt.Errorf("%w: serial %d already present", ErrDuplicate, r.Serial)
		}

		dup, err := scanLive(b, func(existing Record) bool {
			if subjectKey(existing.CN, existing.O, existing.OU, existing.C) == subjectKey(r.CN, r.O, r.OU, r.C) {
				return true
			}
			if len(r.SKID) > 0 && bytes.Equal(existing.SKID, r.SKID) {
				return true
			}
			return false
		})
		if err != nil {
			return err
		}
		if dup {
			return ErrDuplicate
		}

		data, err := encodeRecord(r)
		if err != nil {
			return fmt.Errorf("StoreIO: encoding record: %w", err)
		}
		return b.Put(serialKey(r.Serial), data)
	})
}

// GetStatus returns a record's current status and status_date
// (spec.md §4.5 "get_status(serial) → (status, status_date)").
func (s *Store) GetStatus(serial uint64) (certstatus.PVAStatus, int64, error) {
	var status certstatus.PVAStatus
	var statusDate int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(certsBucket)
		data := b.Get(serialKey(serial))
		if data == nil {
			return fmt.Errorf("%w: serial %d", ErrNotFound, serial)
		}
		r, err := decodeRecord(data)
		if err != nil {
			return fmt.Errorf("StoreIO: decoding record: %w", err)
		}
		status, statusDate = r.Status, r.StatusDate
		return nil
	})
	return status, statusDate, err
}

// Get returns the full record for serial.
func (s *Store) Get(serial uint64) (Record, error) {
	var r Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(certsBucket)
		data := b.Get(serialKey(serial))
		if data == nil {
			return fmt.Errorf("%w: serial %d", ErrNotFound, serial)
		}
		var decErr error
		r, decErr = decodeRecord(data)
		return decErr
	})
	return r, err
}

// SetStatus atomically transitions serial to newStatus, failing with
// ErrStateConflict if the row's current status is not in allowedPrev
// (spec.md §4.5 "set_status(serial, new_status, allowed_prev ⊆ all)").
func (s *Store) SetStatus(serial uint64, newStatus certstatus.PVAStatus, allowedPrev []certstatus.PVAStatus, statusDate int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(certsBucket)
		data := b.Get(serialKey(serial))
		if data == nil {
			return fmt.Errorf("%w: serial %d", ErrNotFound, serial)
		}
		r, err := decodeRecord(data)
		if err != nil {
			return fmt.Errorf("StoreIO: decoding record: %w", err)
		}

		allowed := false
		for _, prev := range allowedPrev {
			if r.Status == prev {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: serial %d is %s, not in allowed set", ErrStateConflict, serial, r.Status)
		}

		r.Status = newStatus
		r.StatusDate = statusDate
		newData, err := encodeRecord(r)
		if err != nil {
			return fmt.Errorf("StoreIO: encoding record: %w", err)
		}
		return b.Put(serialKey(serial), newData)
	})
}

// SetCertPEM persists the signed certificate bundle produced for serial,
// leaving its status and every other field untouched. Used by the status
// publisher (C7) once an APPROVED transition has re-signed the leaf.
func (s *Store) SetCertPEM(serial uint64, certPEM string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(certsBucket)
		data := b.Get(serialKey(serial))
		if data == nil {
			return fmt.Errorf("%w: serial %d", ErrNotFound, serial)
		}
		r, err := decodeRecord(data)
		if err != nil {
			return fmt.Errorf("StoreIO: decoding record: %w", err)
		}
		r.CertPEM = certPEM
		newData, err := encodeRecord(r)
		if err != nil {
			return fmt.Errorf("StoreIO: encoding record: %w", err)
		}
		return b.Put(serialKey(serial), newData)
	})
}

// ScanToValid returns serials whose not_before <= now < not_after and whose
// status is PENDING (spec.md §4.5 "scan_to_valid").
func (s *Store) ScanToValid(now time.Time) ([]uint64, error) {
	nowUnix := now.Unix()
	return s.scanSerials(func(r Record) bool {
		return r.Status == certstatus.Pending && r.NotBefore <= nowUnix && nowUnix < r.NotAfter
	})
}

// ScanToExpired returns serials whose not_after <= now and whose status is
// VALID (spec.md §4.5 "scan_to_expired").
func (s *Store) ScanToExpired(now time.Time) ([]uint64, error) {
	nowUnix := now.Unix()
	return s.scanSerials(func(r Record) bool {
		return r.Status == certstatus.Valid && r.NotAfter <= nowUnix
	})
}

func (s *Store) scanSerials(match func(Record) bool) ([]uint64, error) {
	var serials []uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(certsBucket)
		return b.ForEach(func(_, data []byte) error {
			r, err := decodeRecord(data)
			if err != nil {
				return fmt.Errorf("StoreIO: decoding record: %w", err)
			}
			if match(r) {
				serials = append(serials, r.Serial)
			}
			return nil
		})
	})
	return serials, err
}

// CountDupSubject counts live-set records ({PENDING_APPROVAL, PENDING,
// VALID}) sharing the given (CN,O,OU,C) subject (spec.md §4.5
// "count_dup_subject").
func (s *Store) CountDupSubject(cn, o, ou, c string) (int, error) {
	want := subjectKey(cn, o, ou, c)
	return s.countLive(func(r Record) bool {
		return subjectKey(r.CN, r.O, r.OU, r.C) == want
	})
}

// CountDupSKID counts live-set records sharing the given SKID (spec.md
// §4.5 "count_dup_skid").
func (s *Store) CountDupSKID(skid []byte) (int, error) {
	return s.countLive(func(r Record) bool {
		return bytes.Equal(r.SKID, skid)
	})
}

func (s *Store) countLive(match func(Record) bool) (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(certsBucket)
		return b.ForEach(func(_, data []byte) error {
			r, err := decodeRecord(data)
			if err != nil {
				return fmt.Errorf("StoreIO: decoding record: %w", err)
			}
			if r.Status.IsLive() && match(r) {
				count++
			}
			return nil
		})
	})
	return count, err
}

// scanLive reports whether any live-set record satisfies match, for use
// inside an already-open transaction (Insert's duplicate check).
func scanLive(b *bbolt.Bucket, match func(Record) bool) (bool, error) {
	found := false
	err := b.ForEach(func(_, data []byte) error {
		if found {
			return nil
		}
		r, err := decodeRecord(data)
		if err != nil {
			return fmt.Errorf("StoreIO: decoding record: %w", err)
		}
		if r.Status.IsLive() && match(r) {
			found = true
		}
		return nil
	})
	return found, err
}
