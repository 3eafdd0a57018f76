package pvapubsub

import (
	"crypto"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/pvacms/certfactory"
	"github.com/jmcleod/pvacms/certstatus"
	"github.com/jmcleod/pvacms/certstore"
	"github.com/jmcleod/pvacms/statusfactory"
)

// CA bundles the signing material the server uses to re-sign a certificate
// or status response after a transition.
type CA struct {
	Cert   *x509.Certificate
	Signer crypto.Signer
	Chain  []string
}

// Server is the request/response side of C7: GET returns the latest
// published status, PUT drives the APPROVED/DENIED/REVOKED transitions of
// spec.md §4.7, each one going through certstore's guarded SetStatus and
// then statusfactory before publishing on Bus.
//
// Grounded on the teacher's api/api.go chi.Router construction
// (r.Route("/vaults/{vaultID}", ...) with an auth middleware guarding
// mutating routes), adapted to a single admin-only PUT route guarded by
// mTLS peer certificate CN instead of a bearer-token session.
type Server struct {
	Store                 *certstore.Store
	Bus                   *Bus
	CA                    CA
	IssuerID              string
	AdminCNs              map[string]bool
	StatusValidityMinutes int
}

// NewServer returns a Server. adminCNs lists the CNs of certificates
// authorized to PUT transitions (spec.md §4.7 "subject to ACL (admin
// authority required)").
func NewServer(store *certstore.Store, bus *Bus, ca CA, issuerID string, adminCNs []string, statusValidityMinutes int) *Server {
	cns := make(map[string]bool, len(adminCNs))
	for _, cn := range adminCNs {
		cns[cn] = true
	}
	return &Server{
		Store: store, Bus: bus, CA: ca, IssuerID: issuerID,
		AdminCNs: cns, StatusValidityMinutes: statusValidityMinutes,
	}
}

// Router mounts the status endpoint at GET/PUT /status/{serial}.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/status/{serial}", s.handleGet)
	r.Put("/status/{serial}", s.handlePut)
	return r
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	serial, err := parseSerial(chi.URLParam(r, "serial"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	topic := certstatus.StatusURI(s.IssuerID, serial)
	status, ok := s.Bus.Get(topic)
	if !ok {
		http.Error(w, "no published status for serial", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// putRequest is the PUT body: {"state": "APPROVED"|"DENIED"|"REVOKED"}.
type putRequest struct {
	State string `json:"state"`
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if !s.isAdmin(r) {
		http.Error(w, "AuthReject: admin authority required", http.StatusForbidden)
		return
	}
	serial, err := parseSerial(chi.URLParam(r, "serial"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var body putRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "CryptoParse: malformed request body", http.StatusBadRequest)
		return
	}

	status, err := s.Transition(serial, body.State)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) isAdmin(r *http.Request) bool {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return false
	}
	return s.AdminCNs[r.TLS.PeerCertificates[0].Subject.CommonName]
}

// Transition applies one of spec.md §4.7's PUT transitions: APPROVED,
// DENIED, or REVOKED. Every branch goes through certstore's guarded
// SetStatus and then statusfactory to regenerate a signed response before
// publishing on the bus.
func (s *Server) Transition(serial uint64, state string) (*certstatus.CertificateStatus, error) {
	record, err := s.Store.Get(serial)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	switch state {
	case "APPROVED":
		return s.transitionApproved(record, now)
	case "DENIED":
		return s.transitionTerminal(record, now, certstatus.Revoked, []certstatus.PVAStatus{certstatus.PendingApproval})
	case "REVOKED":
		return s.transitionTerminal(record, now, certstatus.Revoked,
			[]certstatus.PVAStatus{certstatus.PendingApproval, certstatus.Pending, certstatus.Valid})
	default:
		return nil, fmt.Errorf("StateConflict: unrecognized target state %q", state)
	}
}

// transitionApproved moves PENDING_APPROVAL to PENDING, or directly to
// VALID when not_before <= now, then signs the certificate via certfactory
// when the new status is VALID, persisting and publishing the signed
// bundle alongside the status (spec.md §4.7 "APPROVED: ... sign the
// certificate via C2 and post it to the topic alongside the status").
func (s *Server) transitionApproved(record certstore.Record, now time.Time) (*certstatus.CertificateStatus, error) {
	newStatus := certstatus.Pending
	if record.NotBefore <= now.Unix() {
		newStatus = certstatus.Valid
	}

	if err := s.Store.SetStatus(record.Serial, newStatus, []certstatus.PVAStatus{certstatus.PendingApproval}, now.Unix()); err != nil {
		return nil, err
	}

	var certPEM string
	if newStatus == certstatus.Valid {
		pub, err := x509.ParsePKIXPublicKey(record.PublicKeyDER)
		if err != nil {
			return nil, fmt.Errorf("CryptoParse: parsing stored public key: %w", err)
		}
		result, err := certfactory.Create(certfactory.Request{
			Serial:                     record.Serial,
			PublicKey:                  pub,
			Subject:                    certfactory.Subject{CN: record.CN, O: record.O, OU: record.OU, C: record.C},
			NotBefore:                  time.Unix(record.NotBefore, 0).UTC(),
			NotAfter:                   time.Unix(record.NotAfter, 0).UTC(),
			Usage:                      certfactory.Usage(record.Usage),
			Issuer:                     certfactory.Issuer{Cert: s.CA.Cert, Signer: s.CA.Signer, Chain: s.CA.Chain},
			StatusSubscriptionRequired: record.StatusSubscriptionRequired,
			IssuerID:                   s.IssuerID,
		})
		if err != nil {
			return nil, err
		}
		certPEM = result.PEM
		if err := s.Store.SetCertPEM(record.Serial, certPEM); err != nil {
			return nil, err
		}
	}

	return s.signAndPublish(record.Serial, newStatus, now, certstatus.NewStatusDate(0), certPEM)
}

// transitionTerminal moves record to Revoked from one of allowedPrev,
// setting RevocationDate as required for REVOKED/DENIED entries
// (spec.md §4.4 "revocation_date is mandatory").
func (s *Server) transitionTerminal(record certstore.Record, now time.Time, target certstatus.PVAStatus, allowedPrev []certstatus.PVAStatus) (*certstatus.CertificateStatus, error) {
	if err := s.Store.SetStatus(record.Serial, target, allowedPrev, now.Unix()); err != nil {
		return nil, err
	}
	return s.signAndPublish(record.Serial, target, now, certstatus.NewStatusDate(now.Unix()), "")
}

// signAndPublish signs a status response via C4 and publishes it via C7.
// certPEM, when non-empty, rides along on the same published status value
// (spec.md §4.7 "post it to the topic alongside the status").
func (s *Server) signAndPublish(serial uint64, status certstatus.PVAStatus, statusDate time.Time, revocationDate certstatus.StatusDate, certPEM string) (*certstatus.CertificateStatus, error) {
	cs, err := statusfactory.Create(statusfactory.Request{
		Serial:          serial,
		Status:          status,
		StatusDate:      certstatus.NewStatusDate(statusDate.Unix()),
		RevocationDate:  revocationDate,
		ValidityMinutes: s.StatusValidityMinutes,
		CACert:          s.CA.Cert,
		CASigner:        s.CA.Signer,
	})
	if err != nil {
		return nil, err
	}
	cs.CertPEM = certPEM
	topic := certstatus.StatusURI(s.IssuerID, serial)
	s.Bus.Publish(topic, *cs)
	return cs, nil
}

func parseSerial(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("CryptoParse: invalid serial %q: %w", s, err)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
