// Package certstore reads the PEM material of the registration service from
// its fixed on-disk layout. Nothing is cached: every call goes back to disk,
// which is what makes reloading after a rotation possible.
package certstore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	DefaultDir = "certificates"

	ServerCertFile        = "server/server.crt.pem"
	ServerKeyFile         = "server/server.key.pem"
	TrustedClientCAFile   = "trusted-factory-ca.crt.pem"
	SigningCACertFile     = "ca/ca.crt.pem"
	SigningCAKeyFile      = "ca/ca.key.pem"
	CertificateExtension  = ".pem"
	certificateBlockType  = "CERTIFICATE"
	privateKeyBlockSuffix = "PRIVATE KEY"
)

var (
	// ErrCertificateNotFound is returned when a certificate file is missing.
	ErrCertificateNotFound = errors.New("certificate file not found")
	// ErrPrivateKeyNotFound is returned when a private key file is missing.
	ErrPrivateKeyNotFound = errors.New("private key file not found")
	// ErrNoPEMData is returned when a file holds no usable PEM block.
	ErrNoPEMData = errors.New("no PEM data found")
)

// Layout locates the certificate files below a root directory.
type Layout struct {
	Dir string
}

// NewLayout returns a Layout rooted at dir, or at DefaultDir when dir is empty.
func NewLayout(dir string) Layout {
	if dir == "" {
		dir = DefaultDir
	}
	return Layout{Dir: dir}
}

// Path joins name onto the layout root.
func (l Layout) Path(name string) string {
	return filepath.Join(l.Dir, filepath.FromSlash(name))
}

// ReadServerCertificate loads the server certificate chain and its key as a
// tls.Certificate. The key pair is validated, so a certificate rotated
// without its key fails here.
func (l Layout) ReadServerCertificate() (tls.Certificate, error) {
	certPEM, err := l.readCertificateFile(ServerCertFile)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "reading server certificate")
	}
	keyPEM, err := l.readKeyFile(ServerKeyFile)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "reading server private key")
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "building server key pair")
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "parsing server certificate")
	}
	pair.Leaf = leaf
	return pair, nil
}

// ReadTrustedClientCAs loads the roots that client (factory) certificates
// must chain to.
func (l Layout) ReadTrustedClientCAs() (*x509.CertPool, error) {
	contents, err := l.readCertificateFile(TrustedClientCAFile)
	if err != nil {
		return nil, errors.Wrap(err, "reading trusted client CA")
	}
	certs, err := ParseCertificates(contents)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", TrustedClientCAFile)
	}
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool, nil
}

// ReadSigningCA loads the CA certificate and key used to sign registrations.
func (l Layout) ReadSigningCA() (*x509.Certificate, crypto.Signer, error) {
	contents, err := l.readCertificateFile(SigningCACertFile)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading signing CA certificate")
	}
	certs, err := ParseCertificates(contents)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "parsing %s", SigningCACertFile)
	}
	keyPEM, err := l.readKeyFile(SigningCAKeyFile)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading signing CA private key")
	}
	key, err := ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "parsing %s", SigningCAKeyFile)
	}
	return certs[0], key, nil
}

// ReadCACertificatePEM returns the signing CA certificate exactly as stored.
func (l Layout) ReadCACertificatePEM() ([]byte, error) {
	contents, err := l.readCertificateFile(SigningCACertFile)
	if err != nil {
		return nil, errors.Wrap(err, "reading signing CA certificate")
	}
	if _, err := ParseCertificates(contents); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", SigningCACertFile)
	}
	return contents, nil
}

func (l Layout) readCertificateFile(name string) ([]byte, error) {
	contents, err := os.ReadFile(l.Path(name)) // #nosec G304 -- fixed layout below an operator-chosen root
	if errors.Is(err, os.ErrNotExist) {
		return nil, errors.Mark(errors.Wrapf(err, "%s", name), ErrCertificateNotFound)
	}
	return contents, err
}

func (l Layout) readKeyFile(name string) ([]byte, error) {
	contents, err := os.ReadFile(l.Path(name)) // #nosec G304
	if errors.Is(err, os.ErrNotExist) {
		return nil, errors.Mark(errors.Wrapf(err, "%s", name), ErrPrivateKeyNotFound)
	}
	return contents, err
}

// ParseCertificates decodes every PEM block in contents. All blocks must be
// certificates and there must be at least one.
func ParseCertificates(contents []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, contents = pem.Decode(contents)
		if block == nil {
			break
		}
		if block.Type != certificateBlockType {
			return nil, errors.Newf("block #%d is of type %s, not CERTIFICATE", len(certs), block.Type)
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errors.Wrapf(err, "block #%d", len(certs))
		}
		certs = append(certs, c)
	}
	if len(certs) == 0 {
		return nil, ErrNoPEMData
	}
	return certs, nil
}

// ParsePrivateKey decodes the first private key block in contents.
func ParsePrivateKey(contents []byte) (crypto.Signer, error) {
	for {
		var block *pem.Block
		block, contents = pem.Decode(contents)
		if block == nil {
			return nil, ErrNoPEMData
		}
		if strings.HasSuffix(block.Type, privateKeyBlockSuffix) {
			return parsePrivateKey(block.Bytes)
		}
	}
}

// PKCS#1, then PKCS#8, then SEC1, as crypto/tls does.
func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		switch key := key.(type) {
		case *rsa.PrivateKey:
			return key, nil
		case *ecdsa.PrivateKey:
			return key, nil
		case ed25519.PrivateKey:
			return key, nil
		default:
			return nil, errors.New("found unknown private key type in PKCS#8 wrapping")
		}
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("failed to parse private key")
}
