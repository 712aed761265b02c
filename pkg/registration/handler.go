package registration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/zero-trust/vehicle-registration/pkg/listener"
	"github.com/zero-trust/vehicle-registration/pkg/logging"
	"github.com/zero-trust/vehicle-registration/pkg/metrics"
	"github.com/zero-trust/vehicle-registration/pkg/models"
)

const (
	// Path of the registration endpoint.
	Path = "/registration"
	// MaxRequestBody caps the CSR upload.
	MaxRequestBody = 64 << 10

	requestIDHeader = "X-Request-ID"
)

// Handler serves POST /registration.
type Handler struct {
	pipeline    *Pipeline
	keycloakURL string
	natsURL     string
	log         *zap.Logger
}

// NewHandler returns a handler that hands keycloakURL and natsURL to every
// successfully registered device.
func NewHandler(pipeline *Pipeline, keycloakURL, natsURL string, log *zap.Logger) *Handler {
	return &Handler{
		pipeline:    pipeline,
		keycloakURL: keycloakURL,
		natsURL:     natsURL,
		log:         logging.OrNop(log),
	}
}

// Router mounts the handler with request logging.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLogger(h.log))
	r.HandleFunc(Path, h.register).Methods(http.MethodPost)
	return r
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := loggerFrom(ctx, h.log)

	peer, _ := listener.ClientCertificateFromContext(ctx)
	var body []byte
	if peer != nil {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBody))
		if err != nil {
			h.fail(w, log, newError(KindMalformedCSR, errors.Wrap(err, "reading request body")))
			return
		}
	}

	chain, err := h.pipeline.Handle(ctx, body, peer)
	if err != nil {
		h.fail(w, log, err)
		return
	}
	metrics.Requests.WithLabelValues(metrics.ResultSuccess).Inc()
	writeJSON(w, log, http.StatusOK, models.RegistrationResponse{
		Certificate: string(chain),
		KeycloakURL: h.keycloakURL,
		NATSURL:     h.natsURL,
	})
}

func (h *Handler) fail(w http.ResponseWriter, log *zap.Logger, err error) {
	kind := KindOf(err)
	metrics.Requests.WithLabelValues(kind.String()).Inc()
	log.Error("registration failed", zap.Stringer("kind", kind), zap.Error(err))
	writeJSON(w, log, kind.Status(), models.ErrorEnvelope{Error: models.ErrorBody{
		Code:    strconv.Itoa(kind.Status()),
		Message: kind.Message(),
	}})
}

func writeJSON(w http.ResponseWriter, log *zap.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("writing response", zap.Error(err))
	}
}

type loggerKey struct{}

func loggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return l
	}
	return fallback
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// requestLogger tags each request with an ID and logs its outcome.
func requestLogger(base *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(requestIDHeader)
			if _, err := uuid.Parse(id); err != nil {
				id = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, id)

			fields := []zap.Field{zap.String("request_id", id), zap.String("remote_addr", r.RemoteAddr)}
			if peer, ok := listener.ClientCertificateFromContext(r.Context()); ok {
				fields = append(fields, zap.String("client_subject", peer.Subject))
			}
			log := base.With(fields...)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), loggerKey{}, log)))
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)))
		})
	}
}
