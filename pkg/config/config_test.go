package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load(env(map[string]string{
		EnvKeycloakURL: "https://keycloak.example.com",
		EnvNATSURL:     "nats://nats.example.com:4222",
	}))
	require.NoError(t, err)
	assert.Equal(t, "https://keycloak.example.com", c.KeycloakURL)
	assert.Equal(t, "nats://nats.example.com:4222", c.NATSURL)
	assert.Equal(t, "certificates", c.CertificatesDir)
	assert.Equal(t, ":8080", c.RegistrationAddr)
	assert.Equal(t, ":8888", c.HealthAddr)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, 2*time.Second, c.ReloadDebounce)
	assert.Equal(t, 500*time.Millisecond, c.ReloadTick)
	assert.Equal(t, 10*time.Second, c.HandshakeTimeout)
	assert.Equal(t, "certificates", c.Layout().Dir)
}

func TestLoadOverrides(t *testing.T) {
	c, err := Load(env(map[string]string{
		EnvKeycloakURL:      "k",
		EnvNATSURL:          "n",
		EnvCertificatesDir:  "/etc/registration",
		EnvRegistrationAddr: "127.0.0.1:9443",
		EnvReloadDebounce:   "5s",
		EnvReloadTick:       "100ms",
		EnvHandshakeTimeout: "0",
	}))
	require.NoError(t, err)
	assert.Equal(t, "/etc/registration", c.CertificatesDir)
	assert.Equal(t, "127.0.0.1:9443", c.RegistrationAddr)
	assert.Equal(t, 5*time.Second, c.ReloadDebounce)
	assert.Equal(t, 100*time.Millisecond, c.ReloadTick)
	assert.Zero(t, c.HandshakeTimeout)
}

func TestLoadReportsAllMissing(t *testing.T) {
	_, err := Load(env(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KEYCLOAK_URL")
	assert.Contains(t, err.Error(), "NATS_URL")
}

func TestLoadRejectsBadDurations(t *testing.T) {
	_, err := Load(env(map[string]string{
		EnvKeycloakURL:    "k",
		EnvNATSURL:        "n",
		EnvReloadDebounce: "soon",
		EnvReloadTick:     "-1s",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELOAD_DEBOUNCE")
	assert.Contains(t, err.Error(), "tick > 0")
}
