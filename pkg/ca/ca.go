// Package ca holds the signing side of the registration service: CSR
// parsing and policy normalization, the CA issuer, and the bootstrap used
// by operators and tests to lay out a working certificate directory.
package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/zero-trust/vehicle-registration/pkg/certstore"
	"github.com/zero-trust/vehicle-registration/pkg/identity"
)

const (
	DefaultValidityRoot    = 10 * 365 * 24 * time.Hour
	DefaultValidityServer  = 365 * 24 * time.Hour
	DefaultValidityFactory = 5 * 365 * 24 * time.Hour

	FactoryCACertFile = "factory-ca.crt.pem"
	FactoryCAKeyFile  = "factory-ca.key.pem"

	organization = "Vehicle Registration"
)

// Config describes where bootstrap material is written. The factory CA key
// lives outside the server's certificate directory; the server only ever
// needs the factory CA certificate.
type Config struct {
	Layout      certstore.Layout
	FactoryDir  string
	ServerHosts []string
}

// Init creates the signing CA, the factory CA and a server certificate.
func (c *Config) Init() error {
	for _, dir := range []string{
		c.Layout.Path("ca"),
		c.Layout.Path("server"),
		c.FactoryDir,
	} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return errors.Wrapf(err, "creating %s", dir)
		}
	}

	signingKey, signingCert, err := createRootCA("Registration Signing CA")
	if err != nil {
		return err
	}
	if err := writeKeyCert(c.Layout.Path(certstore.SigningCACertFile), c.Layout.Path(certstore.SigningCAKeyFile), signingKey, signingCert); err != nil {
		return err
	}

	factoryKey, factoryCert, err := createRootCA("Factory CA")
	if err != nil {
		return err
	}
	if err := writeKeyCert(filepath.Join(c.FactoryDir, FactoryCACertFile), filepath.Join(c.FactoryDir, FactoryCAKeyFile), factoryKey, factoryCert); err != nil {
		return err
	}
	if err := WriteFileAtomic(c.Layout.Path(certstore.TrustedClientCAFile), encodeCertificate(factoryCert.Raw), 0o644); err != nil {
		return err
	}

	return c.IssueServer(DefaultValidityServer)
}

// IssueServer writes a fresh server key pair signed by the signing CA. The
// files are replaced atomically, so a running server picks them up through
// its certificate watcher.
func (c *Config) IssueServer(validity time.Duration) error {
	if validity == 0 {
		validity = DefaultValidityServer
	}
	caCert, caKey, err := c.Layout.ReadSigningCA()
	if err != nil {
		return err
	}
	key, err := newKey()
	if err != nil {
		return err
	}
	serial, err := newSerial()
	if err != nil {
		return err
	}
	hosts := c.ServerHosts
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   hosts[0],
		},
		NotBefore:   now.Add(-clockSkew),
		NotAfter:    now.Add(validity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, template, caCert, key.Public(), caKey)
	if err != nil {
		return errors.Wrap(err, "creating server certificate")
	}
	keyPEM, err := EncodeKey(key)
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(c.Layout.Path(certstore.ServerKeyFile), keyPEM, 0o600); err != nil {
		return err
	}
	return WriteFileAtomic(c.Layout.Path(certstore.ServerCertFile), encodeCertificate(der), 0o644)
}

// IssueFactory creates a factory certificate for a vehicle device, signed by
// the factory CA. It returns the certificate and key PEM.
func (c *Config) IssueFactory(id identity.VehicleIdentity, validity time.Duration) (certPEM, keyPEM []byte, err error) {
	factoryCertPEM, err := os.ReadFile(filepath.Join(c.FactoryDir, FactoryCACertFile))
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading factory CA certificate")
	}
	factoryKeyPEM, err := os.ReadFile(filepath.Join(c.FactoryDir, FactoryCAKeyFile))
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading factory CA key")
	}
	factoryCerts, err := certstore.ParseCertificates(factoryCertPEM)
	if err != nil {
		return nil, nil, err
	}
	factoryKey, err := certstore.ParsePrivateKey(factoryKeyPEM)
	if err != nil {
		return nil, nil, err
	}
	if validity == 0 {
		validity = DefaultValidityFactory
	}
	key, err := newKey()
	if err != nil {
		return nil, nil, err
	}
	serial, err := newSerial()
	if err != nil {
		return nil, nil, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Vehicle Manufacturer"},
			CommonName:   id.CommonName(),
		},
		NotBefore:   now.Add(-clockSkew),
		NotAfter:    now.Add(validity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, factoryCerts[0], key.Public(), factoryKey)
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating factory certificate")
	}
	keyPEM, err = EncodeKey(key)
	if err != nil {
		return nil, nil, err
	}
	return encodeCertificate(der), keyPEM, nil
}

func createRootCA(commonName string) (crypto.Signer, *x509.Certificate, error) {
	key, err := newKey()
	if err != nil {
		return nil, nil, err
	}
	serial, err := newSerial()
	if err != nil {
		return nil, nil, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   commonName,
		},
		NotBefore:             now.Add(-clockSkew),
		NotAfter:              now.Add(DefaultValidityRoot),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "creating %s", commonName)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return key, cert, nil
}

func newKey() (crypto.Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generating key")
	}
	return key, nil
}

func writeKeyCert(certPath, keyPath string, key crypto.Signer, cert *x509.Certificate) error {
	keyPEM, err := EncodeKey(key)
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(keyPath, keyPEM, 0o600); err != nil {
		return err
	}
	return WriteFileAtomic(certPath, encodeCertificate(cert.Raw), 0o644)
}

func encodeCertificate(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// EncodeKey marshals key as a PKCS#8 PEM block.
func EncodeKey(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling private key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// WriteFileAtomic writes to a temp file next to path and renames it into
// place, so readers never see a half written file.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "renaming %s", tmp)
	}
	return nil
}
