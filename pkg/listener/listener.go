// Package listener provides a TLS net.Listener that completes handshakes in
// the background, using whatever configuration is current when each one
// starts, and annotates each connection with the client certificate the peer
// presented.
package listener

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/zero-trust/vehicle-registration/pkg/logging"
	"github.com/zero-trust/vehicle-registration/pkg/metrics"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultMaxHandshakes caps handshakes in flight, including finished
	// ones still waiting for Accept.
	DefaultMaxHandshakes = 128
)

// ConfigSource supplies the TLS configuration for the next handshake.
// *reload.Cell satisfies it.
type ConfigSource interface {
	Get() *tls.Config
}

// StaticConfig is a ConfigSource that never changes.
type StaticConfig struct {
	Config *tls.Config
}

func (s StaticConfig) Get() *tls.Config { return s.Config }

// Option configures a Listener.
type Option func(*Listener)

// WithHandshakeTimeout bounds each handshake. Zero disables the bound.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(l *Listener) { l.handshakeTimeout = d }
}

// WithMaxHandshakes caps concurrent handshakes. Values below one mean one.
func WithMaxHandshakes(n int) Option {
	return func(l *Listener) { l.maxHandshakes = max(int64(n), 1) }
}

// WithLogger sets the logger used for dropped connections.
func WithLogger(log *zap.Logger) Option {
	return func(l *Listener) { l.log = logging.OrNop(log) }
}

// Listener wraps a raw listener. Raw connections are accepted by a
// background loop and handshaken concurrently, so a slow or silent peer only
// holds its own slot. A connection that fails to accept or to complete the
// handshake is closed and skipped; Accept only returns an error once the
// listener is closed.
type Listener struct {
	inner            net.Listener
	src              ConfigSource
	handshakeTimeout time.Duration
	maxHandshakes    int64
	log              *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	conns  chan *Conn
	done   chan struct{}
	err    error // set before done is closed
}

var _ net.Listener = (*Listener)(nil)

// Listen binds addr and wraps it.
func Listen(network, addr string, src ConfigSource, opts ...Option) (*Listener, error) {
	inner, err := net.Listen(network, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "binding %s", addr)
	}
	return New(inner, src, opts...), nil
}

// New wraps an already bound listener and starts accepting on it.
func New(inner net.Listener, src ConfigSource, opts ...Option) *Listener {
	l := &Listener{
		inner:            inner,
		src:              src,
		handshakeTimeout: DefaultHandshakeTimeout,
		maxHandshakes:    DefaultMaxHandshakes,
		log:              zap.NewNop(),
		conns:            make(chan *Conn),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.wg.Add(1)
	go l.serve()
	return l
}

// Accept returns the next connection whose handshake succeeded. The
// returned net.Conn is a *Conn.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, l.err
	}
}

func (l *Listener) serve() {
	defer l.wg.Done()
	defer close(l.done)
	defer l.cancel()

	sem := semaphore.NewWeighted(l.maxHandshakes)
	var backoff time.Duration
	for {
		raw, err := l.inner.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || l.ctx.Err() != nil {
				l.err = net.ErrClosed
				return
			}
			metrics.HandshakeFailures.WithLabelValues("accept").Inc()
			l.log.Debug("accept failed", zap.Error(err))
			// Same pacing as net/http for errors such as EMFILE.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			select {
			case <-time.After(backoff):
			case <-l.ctx.Done():
				l.err = net.ErrClosed
				return
			}
			continue
		}
		backoff = 0

		if err := sem.Acquire(l.ctx, 1); err != nil {
			_ = raw.Close()
			l.err = net.ErrClosed
			return
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer sem.Release(1)
			l.deliver(raw)
		}()
	}
}

func (l *Listener) deliver(raw net.Conn) {
	conn, err := l.handshake(raw)
	if err != nil {
		_ = raw.Close()
		if l.ctx.Err() == nil {
			metrics.HandshakeFailures.WithLabelValues("handshake").Inc()
			l.log.Debug("dropping connection",
				zap.Stringer("remote_addr", raw.RemoteAddr()), zap.Error(err))
		}
		return
	}
	select {
	case l.conns <- conn:
	case <-l.ctx.Done():
		_ = conn.Close()
	}
}

func (l *Listener) handshake(raw net.Conn) (*Conn, error) {
	cfg := l.src.Get()
	if cfg == nil {
		return nil, errors.New("no TLS configuration available")
	}
	ctx := l.ctx
	if l.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.handshakeTimeout)
		defer cancel()
	}
	tlsConn := tls.Server(raw, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, errors.Wrap(err, "tls handshake")
	}
	return &Conn{
		Conn:   tlsConn,
		client: clientCertificate(tlsConn.ConnectionState(), raw.RemoteAddr()),
	}, nil
}

// Close stops accepting, aborts handshakes in flight and closes connections
// not yet returned by Accept. A blocked Accept returns net.ErrClosed.
func (l *Listener) Close() error {
	l.cancel()
	err := l.inner.Close()
	l.wg.Wait()
	return err
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.inner.Addr()
}

// Conn is an established TLS connection and the identity of its peer.
type Conn struct {
	*tls.Conn
	client *ClientCertificate
}

// ClientCertificate returns the peer certificate, if one was presented.
func (c *Conn) ClientCertificate() (*ClientCertificate, bool) {
	return c.client, c.client != nil
}
