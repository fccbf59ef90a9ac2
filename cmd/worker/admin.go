package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/basketsync/internal/auth"
	"github.com/austindbirch/basketsync/internal/health"
	"github.com/austindbirch/basketsync/internal/logging"
	"github.com/austindbirch/basketsync/internal/maintenance"
)

type maintenanceState struct {
	Enabled bool `json:"enabled"`
}

// newRouter serves health, metrics and, when validator is set, the admin API
func newRouter(reg *prometheus.Registry, gate *maintenance.Gate, validator *auth.JWTValidator, logger *logging.Logger, checks ...health.Check) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", health.HTTPHandler(gate.Enabled, checks...))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	if validator == nil {
		return r
	}
	r.Route("/admin", func(r chi.Router) {
		r.Use(validator.HTTPMiddleware)
		r.Get("/maintenance", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, maintenanceState{Enabled: gate.Enabled()})
		})
		r.Put("/maintenance", func(w http.ResponseWriter, req *http.Request) {
			var st maintenanceState
			if err := json.NewDecoder(req.Body).Decode(&st); err != nil {
				http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
				return
			}
			gate.SetEnabled(st.Enabled)
			op, _ := auth.OperatorFromContext(req.Context())
			logger.WithContext(req.Context()).WithFields(map[string]any{
				"operator": op,
				"enabled":  st.Enabled,
			}).Warn("maintenance mode changed")
			writeJSON(w, http.StatusOK, st)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
