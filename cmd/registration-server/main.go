package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zero-trust/vehicle-registration/pkg/ca"
	"github.com/zero-trust/vehicle-registration/pkg/config"
	"github.com/zero-trust/vehicle-registration/pkg/health"
	"github.com/zero-trust/vehicle-registration/pkg/listener"
	"github.com/zero-trust/vehicle-registration/pkg/logging"
	"github.com/zero-trust/vehicle-registration/pkg/registration"
	"github.com/zero-trust/vehicle-registration/pkg/reload"
)

const readHeaderTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "registration-server",
		Short: "Issue vehicle client certificates over mutual TLS",
		Long: `Serves POST /registration on the TLS listener and GET /health on the
plaintext listener. Settings come from the environment; KEYCLOAK_URL and
NATS_URL are required.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(os.Getenv)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			srv, err := newServer(ctx, cfg, logger)
			if err != nil {
				logger.Error("server failed to start", zap.Error(err))
				return err
			}
			if err := srv.run(ctx); err != nil {
				logger.Error("server stopped", zap.Error(err))
				return err
			}
			return nil
		},
	}
}

// server owns both listeners and the certificate watcher from a successful
// startup until run returns.
type server struct {
	log            *zap.Logger
	watcher        *reload.Watcher
	tlsListener    *listener.Listener
	healthListener net.Listener
	registration   *http.Server
	health         *http.Server
}

// newServer loads the certificates and binds both addresses. Any failure is
// fatal and leaves nothing running.
func newServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *server, err error) {
	layout := cfg.Layout()

	tlsConfig, err := reload.BuildServerConfig(layout)
	if err != nil {
		return nil, errors.Wrap(err, "loading server certificates")
	}
	issuer, err := ca.LoadIssuer(layout)
	if err != nil {
		return nil, errors.Wrap(err, "loading signing CA")
	}

	s := &server{log: logger}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	cell := reload.NewCell(tlsConfig)
	s.watcher, err = reload.StartWatcher(ctx, cell.Shared(), layout.Dir, reload.WatcherOptions{
		Tick:     cfg.ReloadTick,
		Debounce: cfg.ReloadDebounce,
		Logger:   logger,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "watching %s", layout.Dir)
	}
	s.tlsListener, err = listener.Listen("tcp", cfg.RegistrationAddr, cell,
		listener.WithHandshakeTimeout(cfg.HandshakeTimeout),
		listener.WithLogger(logger.Named("tls")))
	if err != nil {
		return nil, err
	}
	s.healthListener, err = net.Listen("tcp", cfg.HealthAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "binding %s", cfg.HealthAddr)
	}

	pipeline := registration.NewPipeline(issuer, layout, logger)
	handler := registration.NewHandler(pipeline, cfg.KeycloakURL, cfg.NATSURL, logger)

	s.registration = &http.Server{
		Handler:           handler.Router(),
		ConnContext:       listener.ConnContext,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	}
	s.health = &http.Server{
		Handler:           health.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          zap.NewStdLog(logger.Named("health")),
	}
	return s, nil
}

// close releases whatever startup acquired.
func (s *server) close() {
	if s.healthListener != nil {
		_ = s.healthListener.Close()
	}
	if s.tlsListener != nil {
		_ = s.tlsListener.Close()
	}
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
}

// run serves until ctx is cancelled or a listener fails, then stops
// accepting and waits for open requests to finish.
func (s *server) run(ctx context.Context) error {
	defer func() { _ = s.watcher.Close() }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("registration listener started", zap.Stringer("addr", s.tlsListener.Addr()))
		return serve(s.registration, s.tlsListener)
	})
	g.Go(func() error {
		s.log.Info("health listener started", zap.Stringer("addr", s.healthListener.Addr()))
		return serve(s.health, s.healthListener)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("shutting down, draining open requests")
		// In-flight requests are allowed to finish.
		shutdownCtx := context.WithoutCancel(gctx)
		return errors.CombineErrors(
			s.registration.Shutdown(shutdownCtx),
			s.health.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

func serve(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
