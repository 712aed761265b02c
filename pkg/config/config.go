// Package config reads the registration server settings from the
// environment.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/zero-trust/vehicle-registration/pkg/certstore"
)

// Environment variable names.
const (
	EnvKeycloakURL      = "KEYCLOAK_URL"
	EnvNATSURL          = "NATS_URL"
	EnvCertificatesDir  = "CERTIFICATES_DIR"
	EnvRegistrationAddr = "REGISTRATION_ADDR"
	EnvHealthAddr       = "HEALTH_ADDR"
	EnvLogLevel         = "LOG_LEVEL"
	EnvLogFormat        = "LOG_FORMAT"
	EnvReloadDebounce   = "RELOAD_DEBOUNCE"
	EnvReloadTick       = "RELOAD_TICK"
	EnvHandshakeTimeout = "HANDSHAKE_TIMEOUT"
)

const (
	defaultRegistrationAddr = ":8080"
	defaultHealthAddr       = ":8888"
	defaultLogLevel         = "debug"
	defaultLogFormat        = "json"
	defaultReloadDebounce   = 2 * time.Second
	defaultReloadTick       = 500 * time.Millisecond
	defaultHandshakeTimeout = 10 * time.Second
)

// Config is the server configuration. KeycloakURL and NATSURL are handed to
// every registered device and are required.
type Config struct {
	KeycloakURL      string
	NATSURL          string
	CertificatesDir  string
	RegistrationAddr string
	HealthAddr       string
	LogLevel         string
	LogFormat        string
	ReloadDebounce   time.Duration
	ReloadTick       time.Duration
	HandshakeTimeout time.Duration
}

// Load builds a Config from getenv (usually os.Getenv) and validates it.
func Load(getenv func(string) string) (*Config, error) {
	get := func(k, d string) string {
		if v := strings.TrimSpace(getenv(k)); v != "" {
			return v
		}
		return d
	}

	c := &Config{
		KeycloakURL:      get(EnvKeycloakURL, ""),
		NATSURL:          get(EnvNATSURL, ""),
		CertificatesDir:  get(EnvCertificatesDir, certstore.DefaultDir),
		RegistrationAddr: get(EnvRegistrationAddr, defaultRegistrationAddr),
		HealthAddr:       get(EnvHealthAddr, defaultHealthAddr),
		LogLevel:         get(EnvLogLevel, defaultLogLevel),
		LogFormat:        get(EnvLogFormat, defaultLogFormat),
	}

	var errs []error
	duration := func(k string, d time.Duration) time.Duration {
		v := get(k, "")
		if v == "" {
			return d
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "%s", k))
			return d
		}
		return parsed
	}
	c.ReloadDebounce = duration(EnvReloadDebounce, defaultReloadDebounce)
	c.ReloadTick = duration(EnvReloadTick, defaultReloadTick)
	c.HandshakeTimeout = duration(EnvHandshakeTimeout, defaultHandshakeTimeout)

	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

// Validate reports every missing or invalid setting at once.
func (c *Config) Validate() error {
	var missing []string
	if c.KeycloakURL == "" {
		missing = append(missing, EnvKeycloakURL)
	}
	if c.NATSURL == "" {
		missing = append(missing, EnvNATSURL)
	}
	var errs []error
	if len(missing) > 0 {
		errs = append(errs, errors.Newf("missing required environment variables: %s", strings.Join(missing, ", ")))
	}
	if c.ReloadDebounce < 0 || c.ReloadTick <= 0 {
		errs = append(errs, errors.Newf("reload debounce must be >= 0 and tick > 0, got %s and %s", c.ReloadDebounce, c.ReloadTick))
	}
	if c.HandshakeTimeout < 0 {
		errs = append(errs, errors.Newf("handshake timeout must be >= 0, got %s", c.HandshakeTimeout))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Layout returns the certificate layout below CertificatesDir.
func (c *Config) Layout() certstore.Layout {
	return certstore.NewLayout(c.CertificatesDir)
}
