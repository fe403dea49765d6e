package monitor

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewServer builds the ops HTTP surface: liveness, readiness, and metrics.
// It serves operators only; the daemon answers no external data queries.
func NewServer(app *App) *http.Server {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	router.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := app.Store.Ping(ctx); err != nil {
			http.Error(w, "store unavailable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		for _, o := range app.Orchestrators {
			if err := o.Healthy(ctx); err != nil {
				http.Error(w, o.Network()+" gateway unavailable: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.HandlerFor(app.Metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return &http.Server{
		Addr:              app.Config.OpsAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
