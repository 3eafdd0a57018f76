package authn

import (
	"crypto/subtle"
	"fmt"
)

// SharedSecret is the "basic" authentication method: it accepts a CCR
// whose "token" verifier field matches a pre-provisioned enrollment secret
// for the requested CN. Stands in for the original's JWT/LDAP/Kerberos
// methods (original_source/certs/authn/jwt/authnjwt.cpp and siblings)
// without requiring an external identity-provider dependency.
type SharedSecret struct {
	// Secrets maps a CN to its provisioned enrollment token.
	Secrets map[string]string
}

// NewSharedSecret returns a method backed by the given CN-to-token map.
func NewSharedSecret(secrets map[string]string) *SharedSecret {
	return &SharedSecret{Secrets: secrets}
}

func (SharedSecret) TypeName() string { return "sharedsecret" }

func (SharedSecret) VerifierFieldNames() []string { return []string{"token"} }

// Verify compares the CCR's "token" field against the provisioned secret
// for ccr.Name using a constant-time comparison, and returns Basic-class
// credentials on match.
func (m SharedSecret) Verify(ccr CCR) (Credentials, error) {
	want, ok := m.Secrets[ccr.Name]
	if !ok {
		return Credentials{}, fmt.Errorf("%w: no enrollment token provisioned for %q", ErrAuthReject, ccr.Name)
	}
	got := ccr.VerifierFields["token"]
	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return Credentials{}, fmt.Errorf("%w: enrollment token mismatch for %q", ErrAuthReject, ccr.Name)
	}

	return Credentials{
		Name:             ccr.Name,
		Country:          ccr.Country,
		Organization:     ccr.Organization,
		OrganizationUnit: ccr.OrganizationUnit,
		Class:            Basic,
	}, nil
}
