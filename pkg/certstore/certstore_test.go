package certstore_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-trust/vehicle-registration/pkg/ca"
	"github.com/zero-trust/vehicle-registration/pkg/certstore"
)

func bootstrap(t *testing.T) certstore.Layout {
	t.Helper()
	root := t.TempDir()
	cfg := &ca.Config{
		Layout:     certstore.NewLayout(filepath.Join(root, "certificates")),
		FactoryDir: filepath.Join(root, "factory"),
	}
	require.NoError(t, cfg.Init())
	return cfg.Layout
}

func TestNewLayoutDefault(t *testing.T) {
	assert.Equal(t, certstore.DefaultDir, certstore.NewLayout("").Dir)
	assert.Equal(t,
		filepath.Join("certificates", "server", "server.crt.pem"),
		certstore.NewLayout("").Path(certstore.ServerCertFile))
}

func TestReadAll(t *testing.T) {
	layout := bootstrap(t)

	pair, err := layout.ReadServerCertificate()
	require.NoError(t, err)
	require.NotNil(t, pair.Leaf)

	pool, err := layout.ReadTrustedClientCAs()
	require.NoError(t, err)
	assert.NotNil(t, pool)

	cert, key, err := layout.ReadSigningCA()
	require.NoError(t, err)
	assert.True(t, cert.IsCA)
	assert.NotNil(t, key)

	caPEM, err := layout.ReadCACertificatePEM()
	require.NoError(t, err)
	onDisk, err := os.ReadFile(layout.Path(certstore.SigningCACertFile))
	require.NoError(t, err)
	assert.Equal(t, onDisk, caPEM)
}

func TestMissingFiles(t *testing.T) {
	t.Run("certificate", func(t *testing.T) {
		layout := bootstrap(t)
		require.NoError(t, os.Remove(layout.Path(certstore.ServerCertFile)))
		_, err := layout.ReadServerCertificate()
		require.True(t, errors.Is(err, certstore.ErrCertificateNotFound), "%+v", err)
		assert.False(t, errors.Is(err, certstore.ErrPrivateKeyNotFound))
	})

	t.Run("key", func(t *testing.T) {
		layout := bootstrap(t)
		require.NoError(t, os.Remove(layout.Path(certstore.ServerKeyFile)))
		_, err := layout.ReadServerCertificate()
		require.True(t, errors.Is(err, certstore.ErrPrivateKeyNotFound), "%+v", err)
	})

	t.Run("trust anchors", func(t *testing.T) {
		layout := bootstrap(t)
		require.NoError(t, os.Remove(layout.Path(certstore.TrustedClientCAFile)))
		_, err := layout.ReadTrustedClientCAs()
		require.True(t, errors.Is(err, certstore.ErrCertificateNotFound), "%+v", err)
	})

	t.Run("signing key", func(t *testing.T) {
		layout := bootstrap(t)
		require.NoError(t, os.Remove(layout.Path(certstore.SigningCAKeyFile)))
		_, _, err := layout.ReadSigningCA()
		require.True(t, errors.Is(err, certstore.ErrPrivateKeyNotFound), "%+v", err)
	})
}

func TestMismatchedServerKey(t *testing.T) {
	layout := bootstrap(t)
	key, err := ca.NewKey()
	require.NoError(t, err)
	keyPEM, err := ca.EncodeKey(key)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(layout.Path(certstore.ServerKeyFile), keyPEM, 0o600))

	_, err = layout.ReadServerCertificate()
	require.ErrorContains(t, err, "building server key pair")
}

func TestEmptyTrustAnchors(t *testing.T) {
	layout := bootstrap(t)
	require.NoError(t, os.WriteFile(layout.Path(certstore.TrustedClientCAFile), []byte("# empty\n"), 0o644))

	_, err := layout.ReadTrustedClientCAs()
	require.True(t, errors.Is(err, certstore.ErrNoPEMData), "%+v", err)
}

func TestParseCertificatesRejectsForeignBlocks(t *testing.T) {
	layout := bootstrap(t)
	certPEM, err := os.ReadFile(layout.Path(certstore.SigningCACertFile))
	require.NoError(t, err)
	keyPEM, err := os.ReadFile(layout.Path(certstore.SigningCAKeyFile))
	require.NoError(t, err)

	certs, err := certstore.ParseCertificates(append(append([]byte{}, certPEM...), certPEM...))
	require.NoError(t, err)
	assert.Len(t, certs, 2)

	_, err = certstore.ParseCertificates(append(append([]byte{}, certPEM...), keyPEM...))
	require.ErrorContains(t, err, "not CERTIFICATE")
}

func TestParsePrivateKeyFormats(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	sec1, err := x509.MarshalECPrivateKey(ecKey)
	require.NoError(t, err)
	pkcs8, err := x509.MarshalPKCS8PrivateKey(ecKey)
	require.NoError(t, err)

	for name, block := range map[string]*pem.Block{
		"pkcs1": {Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey)},
		"sec1":  {Type: "EC PRIVATE KEY", Bytes: sec1},
		"pkcs8": {Type: "PRIVATE KEY", Bytes: pkcs8},
	} {
		t.Run(name, func(t *testing.T) {
			key, err := certstore.ParsePrivateKey(pem.EncodeToMemory(block))
			require.NoError(t, err)
			assert.NotNil(t, key.Public())
		})
	}

	_, err = certstore.ParsePrivateKey([]byte("nothing here"))
	require.True(t, errors.Is(err, certstore.ErrNoPEMData))

	_, err = certstore.ParsePrivateKey(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1, 2, 3}}))
	require.ErrorContains(t, err, "failed to parse private key")
}
