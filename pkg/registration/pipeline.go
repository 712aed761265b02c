// Package registration exchanges a device CSR for a client certificate,
// provided the identity in the CSR matches the identity of the mTLS peer.
package registration

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/zero-trust/vehicle-registration/pkg/ca"
	"github.com/zero-trust/vehicle-registration/pkg/identity"
	"github.com/zero-trust/vehicle-registration/pkg/listener"
	"github.com/zero-trust/vehicle-registration/pkg/logging"
	"github.com/zero-trust/vehicle-registration/pkg/metrics"
)

// CACertificateSource returns the CA certificate appended to every issued
// certificate. certstore.Layout reads it from disk on each call.
type CACertificateSource interface {
	ReadCACertificatePEM() ([]byte, error)
}

// Pipeline validates and signs registration requests. It is safe for
// concurrent use.
type Pipeline struct {
	signer ca.Signer
	caPEM  CACertificateSource
	log    *zap.Logger
	now    func() time.Time
}

// NewPipeline returns a pipeline signing with signer.
func NewPipeline(signer ca.Signer, caPEM CACertificateSource, log *zap.Logger) *Pipeline {
	return &Pipeline{
		signer: signer,
		caPEM:  caPEM,
		log:    logging.OrNop(log),
		now:    time.Now,
	}
}

// Handle signs csrPEM for peer and returns the issued certificate followed
// by the CA certificate. Errors are *Error.
func (p *Pipeline) Handle(ctx context.Context, csrPEM []byte, peer *listener.ClientCertificate) ([]byte, error) {
	log := loggerFrom(ctx, p.log)

	if peer == nil {
		return nil, newError(KindUnauthorized, errors.New("client certificate is missing"))
	}
	peerID, err := identity.ParseDN(peer.Subject)
	if err != nil {
		return nil, newError(KindUnauthorized, errors.Wrap(err, "client certificate"))
	}

	csr, err := ca.ParseCSR(csrPEM)
	if err != nil {
		return nil, newError(KindMalformedCSR, err)
	}
	cn, err := ca.CommonNameUTF8(csr)
	if err != nil {
		return nil, newError(KindMalformedCSR, err)
	}
	csrID, err := identity.ParseCN(cn)
	if err != nil {
		return nil, newError(KindMalformedCSR, errors.Wrap(err, "CSR"))
	}
	if !csrID.Equal(peerID) {
		return nil, newError(KindIdentityMismatch,
			errors.Newf("csr and client certificate CN not matching: %s != %s", csrID, peerID))
	}
	log.Debug("CSR matches client certificate", zap.Stringer("vehicle", csrID))

	start := time.Now()
	issued, err := p.signer.Sign(csr, p.now())
	metrics.SigningDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, newError(KindSigning, err)
	}

	caPEM, err := p.caPEM.ReadCACertificatePEM()
	if err != nil {
		return nil, newError(KindSigning, errors.Wrap(err, "reading CA certificate for chain"))
	}
	log.Info("issued certificate",
		zap.Stringer("vehicle", csrID),
		zap.String("serial", issued.Leaf.SerialNumber.Text(16)),
		zap.Time("not_after", issued.Leaf.NotAfter))

	chain := issued.PEM()
	chain = append(chain, caPEM...)
	return chain, nil
}
