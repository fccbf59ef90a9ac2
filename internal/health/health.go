package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is a dependency the worker needs to make progress
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Check is one named dependency probed on every request
type Check struct {
	Name   string
	Pinger Pinger
}

type Status struct {
	OK          bool            `json:"ok"`
	Message     string          `json:"message,omitempty"`
	Checks      map[string]bool `json:"checks,omitempty"`
	Maintenance bool            `json:"maintenance"`
}

// HTTPHandler returns an HTTP handler that reports the health status of the
// worker. A nil maintenance func reports false.
func HTTPHandler(maintenance func() bool, checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok"}
		if maintenance != nil {
			st.Maintenance = maintenance()
		}

		if len(checks) > 0 {
			st.Checks = make(map[string]bool, len(checks))
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			for _, c := range checks {
				err := c.Pinger.Ping(ctx)
				st.Checks[c.Name] = err == nil
				if err != nil && st.OK {
					st.OK = false
					st.Message = c.Name + " ping failed"
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
