package ca

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"reflect"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/zero-trust/vehicle-registration/pkg/certstore"
)

// Signer signs a certificate request under the registration policy.
type Signer interface {
	Sign(csr *x509.CertificateRequest, now time.Time) (*Certificate, error)
}

// Certificate is a certificate issued by an Issuer.
type Certificate struct {
	DER  []byte
	Leaf *x509.Certificate
}

// PEM encodes the certificate as a single CERTIFICATE block.
func (c *Certificate) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.DER})
}

// Issuer holds the signing CA. It is loaded once and shared read-only by
// every request.
type Issuer struct {
	cert *x509.Certificate
	key  crypto.Signer
}

var _ Signer = (*Issuer)(nil)

// LoadIssuer reads the signing CA from the certificate layout.
func LoadIssuer(layout certstore.Layout) (*Issuer, error) {
	cert, key, err := layout.ReadSigningCA()
	if err != nil {
		return nil, err
	}
	return NewIssuer(cert, key)
}

// NewIssuer checks that cert is a CA certificate matching key.
func NewIssuer(cert *x509.Certificate, key crypto.Signer) (*Issuer, error) {
	if !cert.IsCA {
		return nil, errors.Newf("certificate %q is not a CA", cert.Subject)
	}
	if !publicKeysEqual(cert.PublicKey, key.Public()) {
		return nil, errors.Newf("private key does not match CA certificate %q", cert.Subject)
	}
	return &Issuer{cert: cert, key: key}, nil
}

// Certificate returns the CA certificate.
func (i *Issuer) Certificate() *x509.Certificate {
	return i.cert
}

// Sign normalizes csr and signs it with the CA key.
func (i *Issuer) Sign(csr *x509.CertificateRequest, now time.Time) (*Certificate, error) {
	tmpl, err := Normalize(csr, now)
	if err != nil {
		return nil, err
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, i.cert, csr.PublicKey, i.key)
	if err != nil {
		return nil, errors.Wrap(err, "signing the CSR")
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "parsing issued certificate")
	}
	return &Certificate{DER: der, Leaf: leaf}, nil
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	if e, ok := a.(equaler); ok {
		return e.Equal(b)
	}
	return reflect.DeepEqual(a, b)
}
