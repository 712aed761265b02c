package listener

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// ClientCertificate describes the leaf certificate a client presented
// during the handshake. Subject and Issuer use the RFC 2253 style produced
// by pkix.Name.String.
type ClientCertificate struct {
	Subject      string
	Issuer       string
	SerialNumber string
	NotBefore    string
	NotAfter     string
	Raw          []byte
	PeerAddr     net.Addr
}

func clientCertificate(state tls.ConnectionState, peer net.Addr) *ClientCertificate {
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	leaf := state.PeerCertificates[0]
	return &ClientCertificate{
		Subject:      leaf.Subject.String(),
		Issuer:       leaf.Issuer.String(),
		SerialNumber: leaf.SerialNumber.Text(16),
		NotBefore:    leaf.NotBefore.UTC().Format(time.RFC3339),
		NotAfter:     leaf.NotAfter.UTC().Format(time.RFC3339),
		Raw:          leaf.Raw,
		PeerAddr:     peer,
	}
}

type clientCertificateKey struct{}

// ConnContext is meant for http.Server.ConnContext. It copies the client
// certificate of a *Conn into the connection's base context.
func ConnContext(ctx context.Context, c net.Conn) context.Context {
	conn, ok := c.(*Conn)
	if !ok {
		return ctx
	}
	if cert, ok := conn.ClientCertificate(); ok {
		return WithClientCertificate(ctx, cert)
	}
	return ctx
}

// WithClientCertificate returns a context carrying cert.
func WithClientCertificate(ctx context.Context, cert *ClientCertificate) context.Context {
	return context.WithValue(ctx, clientCertificateKey{}, cert)
}

// ClientCertificateFromContext returns the certificate stored by
// ConnContext, if any.
func ClientCertificateFromContext(ctx context.Context) (*ClientCertificate, bool) {
	cert, ok := ctx.Value(clientCertificateKey{}).(*ClientCertificate)
	return cert, ok && cert != nil
}
