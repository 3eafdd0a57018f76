// Package authn is the pluggable authentication method registry consulted
// by the issuance pipeline (C6): spec.md §9's design note, "Auth method
// plug-points should be an interface with: {type_name, verifier_field_names,
// verify(ccr) -> credentials|reject}. The core knows only the interface;
// concrete methods ... live behind it."
//
// Grounded on original_source/certs/authn/auth.cpp's Auth base class
// (type_, verifier_fields_, the credentials/method-class split) and on the
// teacher's vault/session.go credential-verification shape, generalized
// from a single hard-coded vault session check to a registry of named,
// pluggable methods.
package authn

import (
	"crypto/x509"
	"fmt"
	"sync"
)

// Class is the trust tier a verified credential carries (spec.md §4.6
// step 2): "method_class ∈ {basic, strong}".
type Class int

const (
	Basic Class = iota
	Strong
)

func (c Class) String() string {
	if c == Strong {
		return "strong"
	}
	return "basic"
}

// Credentials is the verified identity a Method hands back to the issuance
// pipeline on success.
type Credentials struct {
	Name             string
	Country          string
	Organization     string
	OrganizationUnit string
	Class            Class
}

// CCR is a certificate-creation request as seen by an authentication
// method: the subject/usage/validity fields every method receives plus its
// own declared verifier fields (spec.md §6 "Certificate-creation RPC").
type CCR struct {
	Name             string
	Country          string
	Organization     string
	OrganizationUnit string
	Type             string
	Usage            uint16
	NotBefore        int64
	NotAfter         int64
	PubKey           []byte

	// VerifierFields holds the method-specific fields named by the
	// registered Method's VerifierFieldNames, keyed by field name.
	VerifierFields map[string]string

	// PeerChain is the TLS peer certificate chain presented on the
	// connection the CCR arrived on, when any (x509bootstrap's input).
	PeerChain []*x509.Certificate
}

// Method is an authentication plug-in (spec.md §9): a named verifier that
// either returns Credentials or rejects with AuthReject.
type Method interface {
	// TypeName is the CCR "type" tag this method handles, e.g. "x509bootstrap".
	TypeName() string
	// VerifierFieldNames lists the CCR.VerifierFields keys this method requires.
	VerifierFieldNames() []string
	// Verify checks ccr and returns the credentials it establishes, or an
	// error wrapping ErrAuthReject on failure.
	Verify(ccr CCR) (Credentials, error)
}

// ErrAuthReject is returned (wrapped) when a method's verification fails.
// Per spec.md §4.6 step 2: "Failure of verification: fails with AuthReject
// and no record is written."
var ErrAuthReject = fmt.Errorf("AuthReject: credential verification failed")

// ErrUnknownMethod is returned when a CCR names a "type" with no registered
// Method (spec.md §4.6 step 1: "authentication type is registered").
var ErrUnknownMethod = fmt.Errorf("AuthReject: authentication type not registered")

// Registry holds the set of known authentication methods, keyed by
// TypeName. A process normally has one Registry, populated at startup.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]Method
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]Method)}
}

// Register adds a Method under its TypeName, replacing any prior method of
// the same name.
func (r *Registry) Register(m Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[m.TypeName()] = m
}

// Lookup returns the Method registered for typeName, or ErrUnknownMethod.
func (r *Registry) Lookup(typeName string) (Method, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, typeName)
	}
	return m, nil
}

// Verify validates ccr's required verifier fields are present, looks up
// its authentication method, and dispatches to the method's Verify
// (spec.md §4.6 steps 1-2).
func (r *Registry) Verify(ccr CCR) (Credentials, error) {
	m, err := r.Lookup(ccr.Type)
	if err != nil {
		return Credentials{}, err
	}
	for _, field := range m.VerifierFieldNames() {
		if _, ok := ccr.VerifierFields[field]; !ok {
			return Credentials{}, fmt.Errorf("%w: missing verifier field %q for method %q", ErrAuthReject, field, ccr.Type)
		}
	}
	return m.Verify(ccr)
}
