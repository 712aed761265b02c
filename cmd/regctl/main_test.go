package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-trust/vehicle-registration/pkg/ca"
	"github.com/zero-trust/vehicle-registration/pkg/certstore"
	"github.com/zero-trust/vehicle-registration/pkg/identity"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestLifecycle(t *testing.T) {
	root := t.TempDir()
	certs := filepath.Join(root, "certificates")
	factory := filepath.Join(root, "factory")
	device := filepath.Join(root, "device")
	dirs := []string{"--certificates-dir", certs, "--factory-dir", factory}

	out, err := execute(t, append([]string{"init", "--host", "registration.local"}, dirs...)...)
	require.NoError(t, err, out)
	layout := certstore.NewLayout(certs)
	pair, err := layout.ReadServerCertificate()
	require.NoError(t, err)
	assert.Equal(t, []string{"registration.local"}, pair.Leaf.DNSNames)

	_, err = execute(t, append([]string{"init"}, dirs...)...)
	require.ErrorContains(t, err, "already exists")

	out, err = execute(t, append([]string{"rotate-server", "--validity", "30d"}, dirs...)...)
	require.NoError(t, err, out)
	rotated, err := layout.ReadServerCertificate()
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), rotated.Leaf.NotAfter, time.Minute)

	out, err = execute(t, append([]string{"factory", "--vin", "VIN123", "--device", "ecu", "--out", device}, dirs...)...)
	require.NoError(t, err, out)
	certPEM, err := os.ReadFile(filepath.Join(device, "factory.crt.pem"))
	require.NoError(t, err)
	parsed, err := certstore.ParseCertificates(certPEM)
	require.NoError(t, err)
	id, err := identity.ParseDN(parsed[0].Subject.String())
	require.NoError(t, err)
	assert.Equal(t, identity.VehicleIdentity{VIN: "VIN123", DeviceID: "ecu"}, id)

	out, err = execute(t, "csr", "--vin", "VIN123", "--device", "ecu", "--out", device)
	require.NoError(t, err, out)
	csrPEM, err := os.ReadFile(filepath.Join(device, "device.csr.pem"))
	require.NoError(t, err)
	csr, err := ca.ParseCSR(csrPEM)
	require.NoError(t, err)
	cn, err := ca.CommonNameUTF8(csr)
	require.NoError(t, err)
	assert.Equal(t, "VIN:VIN123 DEVICE:ecu", cn)
}

func TestIdentityFlagsValidated(t *testing.T) {
	_, err := execute(t, "csr", "--vin", "VIN123", "--out", t.TempDir())
	require.ErrorContains(t, err, "required")

	_, err = execute(t, "csr", "--vin", "VIN 123", "--device", "ecu", "--out", t.TempDir())
	require.ErrorContains(t, err, "whitespace")
}

func TestParseDays(t *testing.T) {
	for in, want := range map[string]time.Duration{
		"":     0,
		"90d":  90 * 24 * time.Hour,
		"720h": 720 * time.Hour,
	} {
		got, err := parseDays(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"0d", "-1d", "xd", "soon", "-5h"} {
		_, err := parseDays(in)
		assert.Error(t, err, in)
	}
}
