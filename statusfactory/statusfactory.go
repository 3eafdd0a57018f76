// Package statusfactory is the status factory (C4): it builds a signed
// OCSP-shaped status response for a single certificate serial, the
// counterpart to certfactory's certificate issuance.
//
// Grounded on the teacher pack's OCSP usage
// (other_examples/trevor-vaughan-golang-puppet-ca__ocsp.go's OCSPResponse,
// which builds an ocsp.Response template and signs it with
// golang.org/x/crypto/ocsp.CreateResponse) and on
// original_source/src/certstatus.h's CertificateStatus/OCSPStatus
// constructors, generalized from a request-scoped OCSP responder to a
// standalone factory invoked by the issuance pipeline and the expiry
// monitor alike.
package statusfactory

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/jmcleod/pvacms/certstatus"
)

// DefaultValidityMinutes is cert_status_validity_mins' default (spec.md §6):
// the span added to status_date to compute valid_until_date when the caller
// does not override it.
const DefaultValidityMinutes = 30

// Request is the input to Create (spec.md §4.4 "Inputs").
type Request struct {
	Serial          uint64
	Status          certstatus.PVAStatus
	StatusDate      certstatus.StatusDate
	ValidUntilDate  certstatus.StatusDate // zero value: computed from StatusDate + ValidityMinutes
	RevocationDate  certstatus.StatusDate // required when Status == Revoked
	ValidityMinutes int                   // 0: DefaultValidityMinutes

	CACert   *x509.Certificate
	CASigner crypto.Signer
}

// Create builds and signs the OCSP-shaped response for a single serial,
// per spec.md §4.4: "Given (serial, pva_status, status_date,
// valid_until_date, revocation_date?) and the CA key+cert, produces a
// signed OCSP-shaped response whose single entry carries the corresponding
// OCSP status... valid_until_date = status_date + cert_status_validity_mins
// ... The response's thisUpdate/nextUpdate equal status_date/valid_until_date.
// For REVOKED entries, revocation_date is mandatory."
func Create(req Request) (*certstatus.CertificateStatus, error) {
	if req.Serial == 0 {
		return nil, fmt.Errorf("CryptoParse: serial must be positive")
	}
	if req.CACert == nil || req.CASigner == nil {
		return nil, fmt.Errorf("fatal logic error: status factory requires a CA certificate and signer")
	}

	ocspStatus := certstatus.ToOCSP(req.Status)
	if ocspStatus == certstatus.OCSPRevoked && (req.RevocationDate.Time().IsZero() || req.RevocationDate.Unix() == 0) {
		return nil, fmt.Errorf("StateConflict: revocation_date is mandatory for REVOKED status")
	}

	validityMinutes := req.ValidityMinutes
	if validityMinutes == 0 {
		validityMinutes = DefaultValidityMinutes
	}
	validUntil := req.ValidUntilDate
	if validUntil.Time().IsZero() || validUntil.Unix() == 0 {
		validUntil = certstatus.NewStatusDate(req.StatusDate.Time().Add(time.Duration(validityMinutes) * time.Minute).Unix())
	}

	template := ocsp.Response{
		SerialNumber: new(big.Int).SetUint64(req.Serial),
		ThisUpdate:   req.StatusDate.Time(),
		NextUpdate:   validUntil.Time(),
		// Embedded so a peer can verify the signature against the
		// responder certificate carried in the response itself.
		Certificate: req.CACert,
	}

	switch ocspStatus {
	case certstatus.OCSPGood:
		template.Status = ocsp.Good
	case certstatus.OCSPRevoked:
		template.Status = ocsp.Revoked
		template.RevokedAt = req.RevocationDate.Time()
	default:
		template.Status = ocsp.Unknown
	}

	der, err := ocsp.CreateResponse(req.CACert, req.CACert, template, req.CASigner)
	if err != nil {
		return nil, fmt.Errorf("CryptoParse: creating OCSP response: %w", err)
	}

	return &certstatus.CertificateStatus{
		Serial:         req.Serial,
		Status:         req.Status,
		OCSPStatus:     ocspStatus,
		StatusDate:     req.StatusDate,
		ValidUntilDate: validUntil,
		RevocationDate: req.RevocationDate,
		SignedResponse: der,
	}, nil
}

// Parse decodes a signed OCSP response (as produced by Create or received
// from a peer) back into its constituent fields, without verifying the
// signature chain; chain verification is C9/C10's responsibility since it
// requires knowledge of the trusted issuer set.
func Parse(der []byte) (*ocsp.Response, error) {
	resp, err := ocsp.ParseResponse(der, nil)
	if err != nil {
		return nil, fmt.Errorf("CryptoParse: parsing OCSP response: %w", err)
	}
	return resp, nil
}
