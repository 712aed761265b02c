package main

import (
	"bytes"
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/zero-trust/vehicle-registration/pkg/ca"
	"github.com/zero-trust/vehicle-registration/pkg/certstore"
	"github.com/zero-trust/vehicle-registration/pkg/identity"
	"github.com/zero-trust/vehicle-registration/pkg/models"
	"github.com/zero-trust/vehicle-registration/pkg/registration"
)

const (
	certFile = "vehicle.crt.pem"
	keyFile  = "vehicle.key.pem"
)

type options struct {
	ServerURL   string
	ServerCA    string
	FactoryCert string
	FactoryKey  string
	OutDir      string
	Timeout     time.Duration
}

func register(ctx context.Context, opts options, log *zap.Logger) (*models.RegistrationResponse, error) {
	factory, err := tls.LoadX509KeyPair(opts.FactoryCert, opts.FactoryKey)
	if err != nil {
		return nil, errors.Wrap(err, "loading factory certificate")
	}
	leaf, err := x509.ParseCertificate(factory.Certificate[0])
	if err != nil {
		return nil, errors.Wrap(err, "parsing factory certificate")
	}
	id, err := identity.ParseDN(leaf.Subject.String())
	if err != nil {
		return nil, errors.Wrap(err, "factory certificate")
	}
	log = log.With(zap.Stringer("vehicle", id))

	caPEM, err := os.ReadFile(opts.ServerCA)
	if err != nil {
		return nil, errors.Wrap(err, "reading server CA")
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(caPEM) {
		return nil, errors.Newf("no certificates in %s", opts.ServerCA)
	}

	key, err := ca.NewKey()
	if err != nil {
		return nil, err
	}
	csrPEM, err := ca.NewCSR(id, key)
	if err != nil {
		return nil, err
	}

	client := &http.Client{
		Timeout: opts.Timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion:   tls.VersionTLS12,
				RootCAs:      roots,
				Certificates: []tls.Certificate{factory},
			},
		},
	}
	defer client.CloseIdleConnections()

	url := strings.TrimSuffix(opts.ServerURL, "/") + registration.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(csrPEM))
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/x-pem-file")

	log.Info("registering", zap.String("url", url))
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "posting CSR")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading response")
	}

	if resp.StatusCode != http.StatusOK {
		var envelope models.ErrorEnvelope
		if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
			return nil, errors.Newf("registration rejected: %s (%s)", envelope.Error.Message, envelope.Error.Code)
		}
		return nil, errors.Newf("registration rejected: %s", resp.Status)
	}

	var result models.RegistrationResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, errors.Wrap(err, "decoding response")
	}
	issued, err := certstore.ParseCertificates([]byte(result.Certificate))
	if err != nil {
		return nil, errors.Wrap(err, "response certificate")
	}
	pub, ok := issued[0].PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(key.Public()) {
		return nil, errors.New("issued certificate does not match the generated key")
	}

	keyPEM, err := ca.EncodeKey(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.OutDir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "creating %s", opts.OutDir)
	}
	if err := ca.WriteFileAtomic(filepath.Join(opts.OutDir, keyFile), keyPEM, 0o600); err != nil {
		return nil, err
	}
	if err := ca.WriteFileAtomic(filepath.Join(opts.OutDir, certFile), []byte(result.Certificate), 0o644); err != nil {
		return nil, err
	}
	log.Info("stored operational certificate",
		zap.String("dir", opts.OutDir),
		zap.Time("not_after", issued[0].NotAfter))
	return &result, nil
}
