// Package certfactory is the certificate factory (C2): it assembles a
// signed X.509 certificate from validated subject data and issuer
// material, stamping the extensions spec.md §4.2 requires.
//
// Grounded on the teacher's pki.IssueCertificate/pki.InitCA (certificate
// template construction, SKI/AKI, PEM encoding) and on
// original_source/certs/certfactory.h's algorithm (steps 1-12 of §4.2),
// generalized from the teacher's single "leaf cert signed by vault CA"
// case to arbitrary client/server/gateway/CA usage combinations and the
// optional status-subscription extension.
package certfactory

import (
	"crypto"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/jmcleod/pvacms/certstatus"
	"github.com/jmcleod/pvacms/pki"
)

// Usage is the certificate-role bitmask of spec.md §6.
type Usage uint16

const (
	UsageClient  Usage = 1 << 0
	UsageServer  Usage = 1 << 1
	UsageGateway Usage = 1 << 2
	UsageCA      Usage = 1 << 3
)

// ErrInvalidUsage is returned when a usage bitmask is not one of the
// recognized single-role or {client|server} combinations.
var ErrInvalidUsage = errors.New("usage bitmask is not a recognized combination")

// ValidateUsage enforces spec.md §6: "Combinations other than single-role
// or {client|server} fail validation."
func ValidateUsage(u Usage) error {
	switch u {
	case UsageClient, UsageServer, UsageGateway, UsageCA, UsageClient | UsageServer:
		return nil
	default:
		return fmt.Errorf("%w: %#x", ErrInvalidUsage, uint16(u))
	}
}

// Subject holds the X.509 subject components of spec.md §3. CN is
// required; O, OU, C may be empty and are skipped when building the name.
type Subject struct {
	CN, O, OU, C string
}

// Name builds a pkix.Name, skipping empty attributes (§4.2 step 1).
func (s Subject) Name() pkix.Name {
	name := pkix.Name{CommonName: s.CN}
	if s.O != "" {
		name.Organization = []string{s.O}
	}
	if s.OU != "" {
		name.OrganizationalUnit = []string{s.OU}
	}
	if s.C != "" {
		name.Country = []string{s.C}
	}
	return name
}

// Issuer bundles the material needed to sign: the issuer certificate (nil
// for a self-signed root), its private-key signer, and its PEM chain to
// append to issued leaf certificates.
type Issuer struct {
	Cert   *x509.Certificate // nil for self-signed
	Signer crypto.Signer
	Chain  []string // PEM-encoded, appended in order after the leaf
}

// Request is the validated input to Create (spec.md §4.2 "Inputs").
type Request struct {
	Serial                      uint64
	PublicKey                   crypto.PublicKey
	Subject                     Subject
	NotBefore, NotAfter         time.Time
	Usage                       Usage
	Issuer                      Issuer
	StatusSubscriptionRequired  bool
	IssuerID                    string // required when StatusSubscriptionRequired
}

// Result is the output of Create: the signed DER plus a PEM bundle of the
// leaf certificate followed by the issuer chain (§4.2 step 12).
type Result struct {
	DER  []byte
	PEM  string // leaf + issuer chain, concatenated
	SKI  []byte
	Cert *x509.Certificate
}

// Create assembles and signs a certificate per spec.md §4.2's 12-step
// algorithm.
func Create(req Request) (*Result, error) {
	if err := ValidateUsage(req.Usage); err != nil {
		return nil, err
	}
	if req.Serial == 0 {
		return nil, fmt.Errorf("CryptoParse: serial must be positive")
	}
	if req.NotBefore.After(req.NotAfter) {
		return nil, fmt.Errorf("CryptoParse: not_before must not be after not_after")
	}

	isCA := req.Usage&UsageCA != 0
	selfSigned := req.Issuer.Cert == nil

	template := &x509.Certificate{
		SerialNumber:          new(big.Int).SetUint64(req.Serial),
		Subject:               req.Subject.Name(),
		NotBefore:             req.NotBefore,
		NotAfter:              req.NotAfter,
		BasicConstraintsValid: true,
	}

	// Step 5: key usage from the usage bitmask.
	if isCA {
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
		template.IsCA = true
		template.MaxPathLen = 1
		template.MaxPathLenZero = false
	} else {
		template.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
	}

	// Step 6: extended key usage from usage flags.
	var ekus []x509.ExtKeyUsage
	if req.Usage&UsageClient != 0 || req.Usage&UsageGateway != 0 {
		ekus = append(ekus, x509.ExtKeyUsageClientAuth)
	}
	if req.Usage&UsageServer != 0 || req.Usage&UsageGateway != 0 {
		ekus = append(ekus, x509.ExtKeyUsageServerAuth)
	}
	template.ExtKeyUsage = ekus

	// Step 2: issuer name.
	issuerCert := req.Issuer.Cert
	if selfSigned {
		issuerCert = template // self-signed: issuer == subject
	}

	// Step 8: SKI from the subject public key.
	ski, err := pki.SubjectKeyIdentifier(req.PublicKey)
	if err != nil {
		return nil, err
	}
	template.SubjectKeyId = ski

	// Step 9: AKI referencing issuer SKI, when not self-signed.
	if !selfSigned {
		if aki, ok := pki.ExtractAKI(req.Issuer.Cert); ok {
			template.AuthorityKeyId = aki
		} else if issuerSKI, ok := pki.ExtractSKI(req.Issuer.Cert); ok {
			template.AuthorityKeyId = issuerSKI
		}
	}

	// Step 10: custom status-PV extension.
	if req.StatusSubscriptionRequired {
		if req.IssuerID == "" {
			return nil, fmt.Errorf("fatal logic error: status subscription required but no issuer id supplied")
		}
		uri := certstatus.StatusURI(req.IssuerID, req.Serial)
		ext, err := pki.AddCustomExtension(pki.PvaCertStatusURIOID, uri)
		if err != nil {
			return nil, err
		}
		template.ExtraExtensions = append(template.ExtraExtensions, ext)
	}

	signer := req.Issuer.Signer
	parentForSigning := issuerCert
	if selfSigned {
		parentForSigning = template
	}

	// Step 11: sign with SHA-256 (x509.CreateCertificate selects the
	// signature algorithm from the signer's key type; ECDSA keys sign
	// with ECDSA-SHA256 by default for P-256 keys, matching §4.2 step 11).
	der, err := x509.CreateCertificate(rand.Reader, template, parentForSigning, req.PublicKey, signer)
	if err != nil {
		return nil, fmt.Errorf("CryptoParse: signing certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("CryptoParse: %w", err)
	}

	// Step 12: DER + PEM bundle (leaf, then issuer chain in order).
	leafPEM := pki.EncodeCertPEM(der)
	bundle := pki.EncodeChainPEM(leafPEM, req.Issuer.Chain...)

	return &Result{DER: der, PEM: bundle, SKI: ski, Cert: cert}, nil
}

// subjectNameHash computes a subject-name hash in the shape of OpenSSL's
// X509_NAME_hash: the first 32 bits of a SHA-1 digest, read back
// little-endian. The digest is taken over cert.RawSubject exactly as
// encoded, including its outer SEQUENCE header. OpenSSL's canonical name
// encoding (lower-cased UTF8String values, collapsed whitespace, no outer
// SEQUENCE) is not applied, so the result differs from the value OpenSSL
// computes for the same name.
func subjectNameHash(cert *x509.Certificate) uint32 {
	sum := sha1.Sum(cert.RawSubject)
	return binary.LittleEndian.Uint32(sum[:4])
}

// CreateCertSymlink computes the hash-named "<hash>.0" helper file for a
// PEM certificate and creates it as a sibling of certPath, pointing at
// certPath (spec.md §4.2 "Symlink/hash helper"). On platforms without
// symlink support (Windows), a hard link is created instead, per
// spec.md's Open Question on whether that fallback is operationally
// equivalent; it is not for directories that are later modified in
// place, since a hard link shares inode content rather than re-resolving
// a path, but it satisfies the common case of a static trust directory.
func CreateCertSymlink(certPath string) (string, error) {
	data, err := os.ReadFile(certPath)
	if err != nil {
		return "", fmt.Errorf("CryptoParse: reading %s: %w", certPath, err)
	}
	cert, err := parseFirstPEMCert(data)
	if err != nil {
		return "", err
	}

	hashName := fmt.Sprintf("%08x.0", subjectNameHash(cert))
	dir := filepath.Dir(certPath)
	symlinkPath := filepath.Join(dir, hashName)
	_ = os.Remove(symlinkPath)

	target := filepath.Base(certPath)
	if runtime.GOOS == "windows" {
		if err := os.Link(certPath, symlinkPath); err != nil {
			return "", fmt.Errorf("creating hard link: %w", err)
		}
		return hashName, nil
	}
	if err := os.Symlink(target, symlinkPath); err != nil {
		return "", fmt.Errorf("creating symlink: %w", err)
	}
	return hashName, nil
}

func parseFirstPEMCert(data []byte) (*x509.Certificate, error) {
	cert, err := pki.DecodeCertPEM(string(data))
	if err != nil {
		return nil, err
	}
	return cert, nil
}
