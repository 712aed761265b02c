// Package metrics holds the Prometheus collectors of the registration
// service. They register with the default registry and are exposed on the
// health listener under /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "registration"

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

var (
	CertificateReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "certificate_reloads_total",
		Help:      "Server TLS configuration reload attempts by result",
	}, []string{"result"})

	ServerCertificateExpiry = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_certificate_expiry_seconds",
		Help:      "Unix time at which the currently loaded server certificate expires",
	})

	HandshakeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tls_handshake_failures_total",
		Help:      "Connections dropped by the TLS listener, by the stage that failed",
	}, []string{"stage"})

	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Registration requests by result",
	}, []string{"result"})

	SigningDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "signing_duration_seconds",
		Help:      "Time spent signing a registration CSR",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	})
)
