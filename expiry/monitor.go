// Package expiry is the expiry monitor (C8): a periodic sweep driving the
// time-based PENDING->VALID and VALID->EXPIRED transitions.
//
// Grounded on the teacher's cmd/ironhand/cmd/server.go run-loop shape
// (ticker/signal select over a cancellable context) adapted from a single
// HTTP server's graceful-shutdown loop to a recurring background sweep,
// using log/slog for retry logging the way api/api.go's audit logger does.
package expiry

import (
	"context"
	"crypto"
	"crypto/x509"
	"log/slog"
	"time"

	"github.com/jmcleod/pvacms/certstatus"
	"github.com/jmcleod/pvacms/certstore"
	"github.com/jmcleod/pvacms/pvapubsub"
	"github.com/jmcleod/pvacms/statusfactory"
)

// DefaultInterval is spec.md §4.8's "Runs a periodic task (default every
// minute)".
const DefaultInterval = time.Minute

// CA bundles the signing material used to re-sign a status response after
// a time-driven transition.
type CA struct {
	Cert   *x509.Certificate
	Signer crypto.Signer
}

// Monitor drives certstore's scan_to_valid/scan_to_expired queries on a
// timer and publishes the resulting transitions via C4/C7.
type Monitor struct {
	Store                 *certstore.Store
	Bus                   *pvapubsub.Bus
	CA                    CA
	IssuerID              string
	StatusValidityMinutes int
	Interval              time.Duration
	Logger                *slog.Logger
}

// Run blocks, sweeping every m.Interval (or DefaultInterval) until ctx is
// canceled.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(logger)
		}
	}
}

// sweep runs one pass: scan_to_valid then scan_to_expired, each serial
// transitioned independently so a failure on one does not block the rest
// (spec.md §4.8 "on transient store errors, logs and retries on the next
// tick").
func (m *Monitor) sweep(logger *slog.Logger) {
	now := time.Now().UTC()

	toValid, err := m.Store.ScanToValid(now)
	if err != nil {
		logger.Error("expiry monitor: scan_to_valid failed", "error", err)
	}
	for _, serial := range toValid {
		if err := m.transition(serial, certstatus.Valid, []certstatus.PVAStatus{certstatus.Pending}, now); err != nil {
			logger.Error("expiry monitor: PENDING->VALID transition failed", "serial", serial, "error", err)
		}
	}

	toExpired, err := m.Store.ScanToExpired(now)
	if err != nil {
		logger.Error("expiry monitor: scan_to_expired failed", "error", err)
	}
	for _, serial := range toExpired {
		if err := m.transition(serial, certstatus.Expired, []certstatus.PVAStatus{certstatus.Valid}, now); err != nil {
			logger.Error("expiry monitor: VALID->EXPIRED transition failed", "serial", serial, "error", err)
		}
	}
}

func (m *Monitor) transition(serial uint64, newStatus certstatus.PVAStatus, allowedPrev []certstatus.PVAStatus, now time.Time) error {
	if err := m.Store.SetStatus(serial, newStatus, allowedPrev, now.Unix()); err != nil {
		return err
	}
	cs, err := statusfactory.Create(statusfactory.Request{
		Serial:          serial,
		Status:          newStatus,
		StatusDate:      certstatus.NewStatusDate(now.Unix()),
		RevocationDate:  certstatus.NewStatusDate(0),
		ValidityMinutes: m.StatusValidityMinutes,
		CACert:          m.CA.Cert,
		CASigner:        m.CA.Signer,
	})
	if err != nil {
		return err
	}
	topic := certstatus.StatusURI(m.IssuerID, serial)
	m.Bus.Publish(topic, *cs)
	return nil
}
