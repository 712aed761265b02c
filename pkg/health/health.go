package health

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	Path        = "/health"
	MetricsPath = "/metrics"
)

// HealthHandler reports that the process is up.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("healthy"))
}

// Router serves the health check and the Prometheus metrics on the
// plaintext listener.
func Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc(Path, HealthHandler).Methods(http.MethodGet)
	r.Handle(MetricsPath, promhttp.Handler()).Methods(http.MethodGet)
	return r
}
