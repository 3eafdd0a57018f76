// Package pki is the crypto primitives adapter (C1): key-pair generation,
// PKCS#12/PEM I/O, SKI/AKI extraction, ASN.1 time conversion, and the custom
// status-PV extension used by the certificate factory and status factory.
package pki

import (
	"crypto"
	"fmt"
)

// KeyStore abstracts private-key operations so that the CA can generate and
// sign with the CA key and with leaf end-entity keys without changing
// calling code, whether the key is software-backed or (in a future
// deployment) backed by an external signer.
//
// Each KeyStore implementation is responsible for generating, storing, and
// signing with private keys. A KeyID uniquely identifies a key managed by
// the store; its format is implementation-defined.
type KeyStore interface {
	// GenerateKey creates a new signing key and returns an opaque identifier.
	// The caller must not assume anything about the key material; for HSM/KMS
	// backends the private key never leaves the hardware.
	GenerateKey() (keyID string, err error)

	// Signer returns a [crypto.Signer] for the key identified by keyID.
	// The returned Signer is used by x509.CreateCertificate and
	// x509.CreateRevocationList, which only need the Sign method and
	// Public() for embedding the public key in certificates.
	//
	// For software keys this wraps the *ecdsa.PrivateKey; for HSM/KMS
	// implementations it delegates signing to the external device.
	Signer(keyID string) (crypto.Signer, error)

	// ExportPEM returns the private key in PEM-encoded PKCS8 or SEC1 format.
	// HSM/KMS implementations may return ErrKeyNotExportable, or a reference
	// string (e.g. "PKCS11:<label>") that ImportPEM can later interpret.
	ExportPEM(keyID string) (string, error)

	// ImportPEM loads a PEM-encoded private key into the store and returns
	// its key ID.
	// HSM/KMS implementations may return ErrKeyNotExportable for real PEM data,
	// or interpret reference strings produced by their own ExportPEM.
	ImportPEM(pemData string) (keyID string, err error)

	// Delete removes the key identified by keyID from the store.
	// For software stores this drops the in-memory key.
	// For HSM/KMS this might schedule key destruction.
	Delete(keyID string) error
}

// ErrKeyNotExportable is returned by KeyStore.ExportPEM when the backing
// store does not allow private key material to leave the device (e.g. HSM).
var ErrKeyNotExportable = fmt.Errorf("private key is not exportable")

// ErrKeyNotFound is returned when the referenced key ID does not exist.
var ErrKeyNotFound = fmt.Errorf("key not found")
