package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	pkcs12write "software.sslmate.com/src/go-pkcs12"
)

// Sentinel errors for the crypto primitives adapter. Per spec.md §4.1, any
// parse failure fails with CryptoParse; a missing extension lookup is a
// normal "not present" result, not an error.
var (
	// ErrInvalidPEM wraps CryptoParse failures for malformed PEM input.
	ErrInvalidPEM = errors.New("CryptoParse: invalid PEM data")

	// ErrInvalidPKCS12 wraps CryptoParse failures for malformed PKCS#12 blobs.
	ErrInvalidPKCS12 = errors.New("CryptoParse: invalid PKCS#12 data")

	// ErrInvalidASN1Time wraps CryptoParse failures for malformed ASN.1 times.
	ErrInvalidASN1Time = errors.New("CryptoParse: invalid ASN.1 time")
)

// PvaCertStatusURIOID is the custom X.509 extension OID carrying the
// status-PV URI (spec.md §6, "Custom X.509 extension"). Registered once at
// process init under the short name PvaCertStatusURI.
var PvaCertStatusURIOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 37427, 1, 1}

var extOnce sync.Once

// RegisterExtensions performs the one-time global registration of the
// custom extension OID. Safe to call from multiple goroutines; only the
// first call has effect. Prefer this once-init primitive over scattered
// package-level ctors (spec.md §9 design note on global crypto state).
func RegisterExtensions() {
	extOnce.Do(func() {
		// encoding/asn1 has no process-wide OID registry to populate;
		// registration here exists to give callers (config/init code) a
		// single, explicit place to depend on before issuing certificates.
	})
}

// GenerateKeyPair creates a new ECDSA P-256 key pair via a fresh
// SoftwareKeyStore and returns the signer directly, for callers (such as
// end-entity requesters) that only need a local key pair and never intend
// to export it through a KeyStore.
func GenerateKeyPair() (*ecdsa.PrivateKey, error) {
	ks := NewSoftwareKeyStore()
	id, err := ks.GenerateKey()
	if err != nil {
		return nil, err
	}
	signer, err := ks.Signer(id)
	if err != nil {
		return nil, err
	}
	priv, ok := signer.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("generated signer is not an ECDSA key")
	}
	return priv, nil
}

// SubjectKeyIdentifier computes the SKI of a public key the way the
// standard library's x509.CreateCertificate does for its own
// SubjectKeyId field: SHA-1 of the ASN.1 DER SubjectPublicKeyInfo's
// BIT STRING content.
func SubjectKeyIdentifier(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling public key: %v", ErrInvalidPEM, err)
	}
	var info struct {
		Algorithm        pkix.AlgorithmIdentifier
		SubjectPublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &info); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling SPKI: %v", ErrInvalidPEM, err)
	}
	sum := sha1.Sum(info.SubjectPublicKey.RightAlign())
	return sum[:], nil
}

// ExtractSKI returns a certificate's Subject Key Identifier extension
// value. It returns ok=false (not an error) when the extension is absent,
// per spec.md §4.1's "missing extension lookup returns not present".
func ExtractSKI(cert *x509.Certificate) (ski []byte, ok bool) {
	if len(cert.SubjectKeyId) == 0 {
		return nil, false
	}
	return cert.SubjectKeyId, true
}

// ExtractAKI returns a certificate's Authority Key Identifier extension
// value, or ok=false when absent.
func ExtractAKI(cert *x509.Certificate) (aki []byte, ok bool) {
	if len(cert.AuthorityKeyId) == 0 {
		return nil, false
	}
	return cert.AuthorityKeyId, true
}

// UnixToASN1Time converts Unix seconds (UTC) to a time.Time suitable for
// x509.Certificate.NotBefore/NotAfter, which the standard library encodes
// as ASN.1 GeneralizedTime/UTCTime on marshal.
func UnixToASN1Time(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// ASN1TimeToUnix converts a certificate validity time.Time back to Unix
// seconds (UTC), the inverse of UnixToASN1Time. Leap years are handled
// correctly because time.Time already carries an absolute instant; no
// manual calendar arithmetic is performed here (contrast with the
// StatusDate string <-> time_t conversion in certstatus, which parses a
// human string and must do that arithmetic itself).
func ASN1TimeToUnix(t time.Time) int64 {
	return t.UTC().Unix()
}

// SignDER signs arbitrary DER bytes with SHA-256 using the given signer.
func SignDER(signer crypto.Signer, der []byte) ([]byte, error) {
	h := sha256.Sum256(der)
	return signer.Sign(rand.Reader, h[:], crypto.SHA256)
}

// VerifyDER verifies a SHA-256 signature over DER bytes produced by SignDER.
func VerifyDER(pub crypto.PublicKey, der, sig []byte) error {
	h := sha256.Sum256(der)
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, h[:], sig) {
			return fmt.Errorf("CryptoParse: signature verification failed")
		}
		return nil
	default:
		return fmt.Errorf("CryptoParse: unsupported public key type %T", pub)
	}
}

// EncodeCertPEM PEM-encodes a single DER certificate.
func EncodeCertPEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

// EncodeChainPEM concatenates a leaf certificate PEM with issuer chain PEMs,
// in order, the way CertFactory.create returns "cert, then issuer chain".
func EncodeChainPEM(leafPEM string, chainPEMs ...string) string {
	out := leafPEM
	for _, c := range chainPEMs {
		out += c
	}
	return out
}

// DecodeCertPEM parses a single "CERTIFICATE" PEM block.
func DecodeCertPEM(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidPEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return cert, nil
}

// ParsePKCS12 decodes a PKCS#12 blob into its private key, end-entity
// certificate, and any additional chain certificates. password may be
// empty for an unprotected blob.
func ParsePKCS12(der []byte, password string) (crypto.PrivateKey, *x509.Certificate, []*x509.Certificate, error) {
	priv, cert, chain, err := pkcs12write.DecodeChain(der, password)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrInvalidPKCS12, err)
	}
	return priv, cert, chain, nil
}

// WritePKCS12 encodes a private key, certificate, and CA chain into a
// PKCS#12 blob protected by password. golang.org/x/crypto/pkcs12 is
// decode-only, so encoding goes through software.sslmate.com/src/go-pkcs12,
// which implements the same legacy RC2/SHA1 encoding most PKCS#12 readers
// (including ParsePKCS12 above) expect.
func WritePKCS12(priv crypto.PrivateKey, cert *x509.Certificate, caCerts []*x509.Certificate, password string) ([]byte, error) {
	data, err := pkcs12write.Encode(rand.Reader, priv, cert, caCerts, password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPKCS12, err)
	}
	return data, nil
}

// AddCustomExtension returns a pkix.Extension carrying an arbitrary UTF-8
// string value under the given OID, suitable for appending to
// x509.Certificate.ExtraExtensions. This realizes spec.md §4.1's "add a
// named custom extension by OID containing an arbitrary UTF-8 string".
func AddCustomExtension(oid asn1.ObjectIdentifier, value string) (pkix.Extension, error) {
	raw, err := asn1.Marshal(value)
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("%w: marshaling extension value: %v", ErrInvalidPEM, err)
	}
	return pkix.Extension{Id: oid, Critical: false, Value: raw}, nil
}

// ReadCustomExtension looks up a custom extension by OID on a parsed
// certificate and decodes its UTF-8 string value. ok is false (not an
// error) when the extension is absent.
func ReadCustomExtension(cert *x509.Certificate, oid asn1.ObjectIdentifier) (value string, ok bool) {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oid) {
			var s string
			if _, err := asn1.Unmarshal(ext.Value, &s); err != nil {
				return "", false
			}
			return s, true
		}
	}
	return "", false
}
