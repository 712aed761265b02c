package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zero-trust/vehicle-registration/pkg/ca"
	"github.com/zero-trust/vehicle-registration/pkg/certstore"
	"github.com/zero-trust/vehicle-registration/pkg/config"
	"github.com/zero-trust/vehicle-registration/pkg/health"
	"github.com/zero-trust/vehicle-registration/pkg/identity"
	"github.com/zero-trust/vehicle-registration/pkg/models"
	"github.com/zero-trust/vehicle-registration/pkg/registration"
)

// The device id needs RFC 2253 escaping in the subject string.
var vehicle = identity.VehicleIdentity{VIN: "WVWZZZ1JZXW000001", DeviceID: "ecu+1,rear"}

func testConfig(t *testing.T) (*config.Config, *ca.Config) {
	t.Helper()
	root := t.TempDir()
	pki := &ca.Config{
		Layout:     certstore.NewLayout(filepath.Join(root, "certificates")),
		FactoryDir: filepath.Join(root, "factory"),
	}
	require.NoError(t, pki.Init())
	return &config.Config{
		KeycloakURL:      "https://keycloak.example.com/realms/vehicles",
		NATSURL:          "nats://nats.example.com:4222",
		CertificatesDir:  pki.Layout.Dir,
		RegistrationAddr: "127.0.0.1:0",
		HealthAddr:       "127.0.0.1:0",
		ReloadTick:       50 * time.Millisecond,
		ReloadDebounce:   time.Second,
		HandshakeTimeout: 5 * time.Second,
	}, pki
}

// freeAddr returns an address nothing is listening on.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func occupiedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().String()
}

type harness struct {
	srv     *server
	pki     *ca.Config
	cfg     *config.Config
	cancel  context.CancelFunc
	stopped chan error
}

func start(t *testing.T) *harness {
	t.Helper()
	cfg, pki := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	srv, err := newServer(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	h := &harness{srv: srv, pki: pki, cfg: cfg, cancel: cancel, stopped: make(chan error, 1)}
	go func() { h.stopped <- srv.run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.stopped:
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
	})
	return h
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.stopped:
		h.stopped <- err
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
		return nil
	}
}

func (h *harness) clientTLS(t *testing.T, certs ...tls.Certificate) *tls.Config {
	t.Helper()
	caCert, _, err := h.pki.Layout.ReadSigningCA()
	require.NoError(t, err)
	roots := x509.NewCertPool()
	roots.AddCert(caCert)
	return &tls.Config{RootCAs: roots, Certificates: certs}
}

func (h *harness) factory(t *testing.T) tls.Certificate {
	t.Helper()
	certPEM, keyPEM, err := h.pki.IssueFactory(vehicle, 0)
	require.NoError(t, err)
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)
	return pair
}

func csrFor(t *testing.T, id identity.VehicleIdentity) []byte {
	t.Helper()
	key, err := ca.NewKey()
	require.NoError(t, err)
	csr, err := ca.NewCSR(id, key)
	require.NoError(t, err)
	return csr
}

func TestNewServerMissingCertificates(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.CertificatesDir = t.TempDir()

	_, err := newServer(context.Background(), cfg, zaptest.NewLogger(t))
	require.ErrorContains(t, err, "loading server certificates")
}

func TestNewServerMissingSigningCA(t *testing.T) {
	cfg, pki := testConfig(t)
	require.NoError(t, os.Remove(pki.Layout.Path(certstore.SigningCAKeyFile)))

	_, err := newServer(context.Background(), cfg, zaptest.NewLogger(t))
	require.ErrorContains(t, err, "loading signing CA")
}

func TestNewServerRegistrationAddrInUse(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.RegistrationAddr = occupiedAddr(t)
	cfg.HealthAddr = freeAddr(t)

	_, err := newServer(context.Background(), cfg, zaptest.NewLogger(t))
	require.ErrorContains(t, err, "binding "+cfg.RegistrationAddr)

	ln, err := net.Listen("tcp", cfg.HealthAddr)
	require.NoError(t, err, "health address should not have been bound")
	_ = ln.Close()
}

func TestNewServerHealthAddrInUse(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.RegistrationAddr = freeAddr(t)
	cfg.HealthAddr = occupiedAddr(t)

	_, err := newServer(context.Background(), cfg, zaptest.NewLogger(t))
	require.ErrorContains(t, err, "binding "+cfg.HealthAddr)

	ln, err := net.Listen("tcp", cfg.RegistrationAddr)
	require.NoError(t, err, "registration address should have been released")
	_ = ln.Close()
}

func TestServeHealthAndRegistration(t *testing.T) {
	h := start(t)

	resp, err := http.Get("http://" + h.srv.healthListener.Addr().String() + health.Path)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", string(body))

	url := "https://" + h.srv.tlsListener.Addr().String() + registration.Path
	post := func(certs ...tls.Certificate) (int, []byte) {
		transport := &http.Transport{TLSClientConfig: h.clientTLS(t, certs...)}
		defer transport.CloseIdleConnections()
		client := &http.Client{Timeout: 10 * time.Second, Transport: transport}
		resp, err := client.Post(url, "application/x-pem-file", bytes.NewReader(csrFor(t, vehicle)))
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, body
	}

	code, body := post(h.factory(t))
	require.Equal(t, http.StatusOK, code, string(body))
	var reg models.RegistrationResponse
	require.NoError(t, json.Unmarshal(body, &reg))
	assert.Equal(t, h.cfg.KeycloakURL, reg.KeycloakURL)
	assert.Equal(t, h.cfg.NATSURL, reg.NATSURL)
	certs, err := certstore.ParseCertificates([]byte(reg.Certificate))
	require.NoError(t, err)
	id, err := identity.ParseDN(certs[0].Subject.String())
	require.NoError(t, err)
	assert.Equal(t, vehicle, id)

	code, _ = post()
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestRunDrainsOpenRequests(t *testing.T) {
	h := start(t)
	addr := h.srv.tlsListener.Addr().String()

	conn, err := tls.Dial("tcp", addr, h.clientTLS(t, h.factory(t)))
	require.NoError(t, err)
	defer conn.Close()

	csr := csrFor(t, vehicle)
	half := len(csr) / 2
	_, err = fmt.Fprintf(conn, "POST %s HTTP/1.1\r\nHost: registration\r\nContent-Type: application/x-pem-file\r\nContent-Length: %d\r\n\r\n",
		registration.Path, len(csr))
	require.NoError(t, err)
	_, err = conn.Write(csr[:half])
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	h.cancel()
	// New connections are refused while the open request is still pending.
	require.Eventually(t, func() bool {
		c, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return true
		}
		_ = c.Close()
		return false
	}, 5*time.Second, 20*time.Millisecond)
	select {
	case err := <-h.stopped:
		t.Fatalf("server stopped before the open request finished: %v", err)
	default:
	}

	_, err = conn.Write(csr[half:])
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	require.NoError(t, h.wait(t))
}
