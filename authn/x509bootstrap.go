package authn

import (
	"crypto/x509"
	"fmt"
)

// X509Bootstrap is the "strong" authentication method: it accepts a CCR
// only when the connection's peer chain verifies against a trusted
// bootstrap root, then derives credentials from the leaf certificate's
// subject. Modeled on original_source/certs/authn/auth.cpp's Auth, whose
// createCertCreationRequest fills subject fields from already-established
// Credentials rather than re-deriving them from a bearer token.
type X509Bootstrap struct {
	Roots *x509.CertPool
}

// NewX509Bootstrap returns a method that trusts peer chains rooted in roots.
func NewX509Bootstrap(roots *x509.CertPool) *X509Bootstrap {
	return &X509Bootstrap{Roots: roots}
}

func (X509Bootstrap) TypeName() string { return "x509bootstrap" }

func (X509Bootstrap) VerifierFieldNames() []string { return nil }

// Verify requires a non-empty peer chain whose leaf verifies against the
// trusted bootstrap roots, and returns Strong-class credentials taken from
// the leaf's subject (falling back to the CCR's own subject fields, which
// the caller is expected to have copied from the same certificate).
func (m X509Bootstrap) Verify(ccr CCR) (Credentials, error) {
	if len(ccr.PeerChain) == 0 {
		return Credentials{}, fmt.Errorf("%w: no peer certificate presented", ErrAuthReject)
	}
	leaf := ccr.PeerChain[0]

	intermediates := x509.NewCertPool()
	for _, c := range ccr.PeerChain[1:] {
		intermediates.AddCert(c)
	}
	opts := x509.VerifyOptions{
		Roots:         m.Roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := leaf.Verify(opts); err != nil {
		return Credentials{}, fmt.Errorf("%w: bootstrap chain verification: %v", ErrAuthReject, err)
	}

	creds := Credentials{
		Name:             ccr.Name,
		Country:          ccr.Country,
		Organization:     ccr.Organization,
		OrganizationUnit: ccr.OrganizationUnit,
		Class:            Strong,
	}
	if leaf.Subject.CommonName != "" {
		creds.Name = leaf.Subject.CommonName
	}
	if len(leaf.Subject.Country) > 0 {
		creds.Country = leaf.Subject.Country[0]
	}
	if len(leaf.Subject.Organization) > 0 {
		creds.Organization = leaf.Subject.Organization[0]
	}
	if len(leaf.Subject.OrganizationalUnit) > 0 {
		creds.OrganizationUnit = leaf.Subject.OrganizationalUnit[0]
	}
	return creds, nil
}
