// Package issuance is the approval policy and issuance pipeline (C6): it
// turns a validated certificate-creation request into a persisted record,
// an initial status, and, when policy allows it immediately, a signed
// certificate.
//
// Grounded on the teacher's vault package's request-validation-then-mutate
// shape (vault/session.go's Put: validate, authorize, persist) generalized
// from a single vault item write to spec.md §4.6's eight-step CCR
// procedure, composing the authn, certstore, certfactory, statusfactory
// and pvapubsub packages built for C1-C5 and C7.
package issuance

import (
	"crypto"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jmcleod/pvacms/authn"
	"github.com/jmcleod/pvacms/certfactory"
	"github.com/jmcleod/pvacms/certstatus"
	"github.com/jmcleod/pvacms/certstore"
	"github.com/jmcleod/pvacms/internal/util"
	"github.com/jmcleod/pvacms/pki"
	"github.com/jmcleod/pvacms/pvapubsub"
	"github.com/jmcleod/pvacms/statusfactory"
)

// RequireApproval holds the per-role require_approval configuration flags
// (spec.md §6 "per-role require_approval booleans (default true for all)").
type RequireApproval struct {
	Client, Server, Gateway bool
}

// DefaultRequireApproval matches spec.md §6's stated default.
func DefaultRequireApproval() RequireApproval {
	return RequireApproval{Client: true, Server: true, Gateway: true}
}

// CA bundles the Certificate Authority material the pipeline signs with.
type CA struct {
	Cert   *x509.Certificate
	Signer crypto.Signer
	// Chain holds the PEM-encoded issuer chain appended after a signed leaf.
	Chain []string
}

// Pipeline implements spec.md §4.6's Procedure.
type Pipeline struct {
	Auth                  *authn.Registry
	Store                 *certstore.Store
	Bus                   *pvapubsub.Bus
	CA                    CA
	RequireApproval       RequireApproval
	IssuerID              string
	StatusValidityMinutes int
}

// Request is the issuance pipeline's input: a CCR plus the raw public key
// bytes it will SKI and embed (spec.md §6 "Certificate-creation RPC").
type Request struct {
	CCR       authn.CCR
	PublicKey crypto.PublicKey
}

// Result is the pipeline's output: a signed PEM bundle when issuance
// completed immediately, or a status-PV URI to watch for approval
// otherwise (spec.md §4.6 "Output").
type Result struct {
	RequestID   string // fresh UUID identifying this submission
	StatusPVURI string
	CertPEM     string // empty when deferred
}

const (
	minValidityPast   = -24 * time.Hour
	maxValidityFuture = 10 * 365 * 24 * time.Hour
)

// Submit runs spec.md §4.6's eight-step procedure end to end.
func (p *Pipeline) Submit(req Request) (*Result, error) {
	ccr := req.CCR

	// Step 1: validate.
	if ccr.Name == "" {
		return nil, fmt.Errorf("CryptoParse: CCR subject CN must not be empty")
	}
	now := time.Now().UTC()
	notBefore := time.Unix(ccr.NotBefore, 0).UTC()
	notAfter := time.Unix(ccr.NotAfter, 0).UTC()
	if notBefore.Before(now.Add(minValidityPast)) || notAfter.After(now.Add(maxValidityFuture)) {
		return nil, fmt.Errorf("CryptoParse: validity window outside [now-1d, now+10y]")
	}
	usage := certfactory.Usage(ccr.Usage)
	if err := certfactory.ValidateUsage(usage); err != nil {
		return nil, err
	}

	// Step 2: dispatch to the authentication method.
	creds, err := p.Auth.Verify(ccr)
	if err != nil {
		return nil, err
	}

	// Step 3: compute initial status by usage x method_class x config.
	status := p.initialStatus(usage, creds.Class)

	// Step 4: assign serial and SKID.
	serial, err := randomNonzeroSerial()
	if err != nil {
		return nil, fmt.Errorf("CryptoParse: generating serial: %w", err)
	}
	ski, err := pki.SubjectKeyIdentifier(req.PublicKey)
	if err != nil {
		return nil, err
	}

	// Step 5: duplicate check (Insert performs this transactionally).
	pubDER, err := x509.MarshalPKIXPublicKey(req.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("CryptoParse: marshaling public key: %w", err)
	}
	record := certstore.Record{
		Serial: serial, SKID: ski,
		CN: creds.Name, O: creds.Organization, OU: creds.OrganizationUnit, C: creds.Country,
		NotBefore: notBefore.Unix(), NotAfter: notAfter.Unix(),
		Status: status, StatusDate: now.Unix(),
		PublicKeyDER: pubDER, Usage: ccr.Usage, IssuerID: p.IssuerID,
		StatusSubscriptionRequired: true,
	}

	// Step 6: persist.
	if err := p.Store.Insert(record); err != nil {
		return nil, err
	}

	result := &Result{
		RequestID:   uuid.NewString(),
		StatusPVURI: certstatus.StatusURI(p.IssuerID, serial),
	}

	// Step 7: sign immediately if VALID.
	if status == certstatus.Valid {
		pem, err := p.signAndPublish(record, req.PublicKey, status, now)
		if err != nil {
			return nil, err
		}
		result.CertPEM = pem
		return result, nil
	}

	// Step 8: publish initial status regardless of branch.
	if err := p.publishStatus(record, status, now, certstatus.NewStatusDate(0), ""); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Pipeline) initialStatus(usage certfactory.Usage, class authn.Class) certstatus.PVAStatus {
	if class == authn.Strong {
		return certstatus.Valid
	}
	if p.requireApprovalFor(usage) {
		return certstatus.PendingApproval
	}
	return certstatus.Valid
}

func (p *Pipeline) requireApprovalFor(usage certfactory.Usage) bool {
	if usage&certfactory.UsageClient != 0 && p.RequireApproval.Client {
		return true
	}
	if usage&certfactory.UsageServer != 0 && p.RequireApproval.Server {
		return true
	}
	if usage&certfactory.UsageGateway != 0 && p.RequireApproval.Gateway {
		return true
	}
	return false
}

// signAndPublish signs record via C2, builds and publishes the signed
// status response via C4/C7, and returns the PEM bundle.
func (p *Pipeline) signAndPublish(record certstore.Record, pub crypto.PublicKey, status certstatus.PVAStatus, now time.Time) (string, error) {
	result, err := certfactory.Create(certfactory.Request{
		Serial:                     record.Serial,
		PublicKey:                  pub,
		Subject:                    certfactory.Subject{CN: record.CN, O: record.O, OU: record.OU, C: record.C},
		NotBefore:                  time.Unix(record.NotBefore, 0).UTC(),
		NotAfter:                   time.Unix(record.NotAfter, 0).UTC(),
		Usage:                      certfactory.Usage(record.Usage),
		Issuer:                     certfactory.Issuer{Cert: p.CA.Cert, Signer: p.CA.Signer, Chain: p.CA.Chain},
		StatusSubscriptionRequired: record.StatusSubscriptionRequired,
		IssuerID:                   p.IssuerID,
	})
	if err != nil {
		return "", err
	}
	if err := p.Store.SetCertPEM(record.Serial, result.PEM); err != nil {
		return "", err
	}
	if err := p.publishStatus(record, status, now, certstatus.NewStatusDate(0), result.PEM); err != nil {
		return "", err
	}
	return result.PEM, nil
}

// publishStatus signs a status response via C4 and publishes it via C7.
// certPEM, when non-empty, rides along on the same published status value.
func (p *Pipeline) publishStatus(record certstore.Record, status certstatus.PVAStatus, statusDate time.Time, revocationDate certstatus.StatusDate, certPEM string) error {
	cs, err := statusfactory.Create(statusfactory.Request{
		Serial:          record.Serial,
		Status:          status,
		StatusDate:      certstatus.NewStatusDate(statusDate.Unix()),
		RevocationDate:  revocationDate,
		ValidityMinutes: p.StatusValidityMinutes,
		CACert:          p.CA.Cert,
		CASigner:        p.CA.Signer,
	})
	if err != nil {
		return err
	}
	cs.CertPEM = certPEM
	topic := certstatus.StatusURI(p.IssuerID, record.Serial)
	p.Bus.Publish(topic, *cs)
	return nil
}

func randomNonzeroSerial() (uint64, error) {
	for {
		buf, err := util.RandomBytes(8)
		if err != nil {
			return 0, err
		}
		v := binary.BigEndian.Uint64(buf)
		if v != 0 {
			return v, nil
		}
	}
}
