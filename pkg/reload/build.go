// Package reload keeps the TLS configuration of the registration listener in
// step with the certificate files on disk.
package reload

import (
	"crypto/tls"

	"github.com/zero-trust/vehicle-registration/pkg/certstore"
	"github.com/zero-trust/vehicle-registration/pkg/metrics"
)

// BuildServerConfig reads the server key pair and the trusted factory CAs
// and returns a new TLS configuration. Client certificates are verified when
// presented but not required; the registration handler enforces them.
func BuildServerConfig(layout certstore.Layout) (*tls.Config, error) {
	pair, err := layout.ReadServerCertificate()
	if err != nil {
		return nil, err
	}
	clientCAs, err := layout.ReadTrustedClientCAs()
	if err != nil {
		return nil, err
	}
	if pair.Leaf != nil {
		metrics.ServerCertificateExpiry.Set(float64(pair.Leaf.NotAfter.Unix()))
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{pair},
		ClientAuth:   tls.VerifyClientCertIfGiven,
		ClientCAs:    clientCAs,
	}, nil
}
