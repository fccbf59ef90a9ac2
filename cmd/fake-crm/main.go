package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/austindbirch/basketsync/internal/logging"
)

// fakeCRM stands in for both the contact store and the marketing cloud so
// the worker can run end to end without vendor credentials
type fakeCRM struct {
	mu sync.Mutex

	failFirstN  int
	reqCount    int
	invalidKeys map[string]bool

	sessions map[string]bool
	contacts map[string]map[string]any
	rows     map[string][]map[string]any
	sends    []sendRecord

	logger *logging.Logger
}

type sendRecord struct {
	Kind      string         `json:"kind"`
	MessageID string         `json:"message_id"`
	Body      map[string]any `json:"body"`
}

func newFakeCRM(logger *logging.Logger, failFirstN int, invalidKeys []string) *fakeCRM {
	f := &fakeCRM{
		failFirstN:  failFirstN,
		invalidKeys: make(map[string]bool, len(invalidKeys)),
		sessions:    make(map[string]bool),
		contacts:    make(map[string]map[string]any),
		rows:        make(map[string][]map[string]any),
		logger:      logger,
	}
	for _, k := range invalidKeys {
		f.invalidKeys[k] = true
	}
	return f
}

func (f *fakeCRM) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	r.Get("/_state", f.handleState)
	r.Post("/_sessions/reset", f.handleResetSessions)

	r.Post("/services/oauth2/token", f.handleSFDCToken)
	r.Route("/services/data/{version}/sobjects/Contact", func(r chi.Router) {
		r.Use(f.flaky, f.sfdcSession)
		r.Post("/", f.handleContactCreate)
		r.Patch("/{field}", f.handleContactUpdate)
		r.Delete("/{field}", f.handleContactDelete)
		r.Get("/{field}/{value}", f.handleContactGet)
		r.Patch("/{field}/{value}", f.handleContactUpdate)
		r.Delete("/{field}/{value}", f.handleContactDelete)
	})

	r.Post("/v2/token", f.handleSFMCToken)
	r.Group(func(r chi.Router) {
		r.Use(f.flaky, f.sfmcSession)
		r.Get("/data/v1/customobjectdata/key/{de}/rowset", f.handleRowsetGet)
		r.Delete("/data/v1/customobjectdata/key/{de}/rowset", f.handleRowsetDelete)
		r.Post("/data/v1/async/dataextensions/key:{de}/rows", f.handleRows)
		r.Patch("/data/v1/async/dataextensions/key:{de}/rows", f.handleRows)
		r.Put("/data/v1/async/dataextensions/key:{de}/rows", f.handleRows)
		r.Post("/messaging/v1/messageDefinitionSends/key:{id}/send", f.handleSendMail)
		r.Post("/sms/v1/messageContact/{id}/send", f.handleSendSMS)
	})
	return r
}

// flaky fails the first N API requests with a 503
func (f *fakeCRM) flaky(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.reqCount++
		n := f.reqCount
		f.mu.Unlock()

		if n <= f.failFirstN {
			f.logger.Plain().WithFields(map[string]any{
				"path":    r.URL.Path,
				"attempt": n,
			}).Warnf("FAILING (%d/%d)", n, f.failFirstN)
			http.Error(w, "temporary failure", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *fakeCRM) newSession(prefix string) string {
	tok := prefix + "-" + uuid.NewString()
	f.mu.Lock()
	f.sessions[tok] = true
	f.mu.Unlock()
	return tok
}

func (f *fakeCRM) validSession(r *http.Request) bool {
	tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[tok]
}

// handleResetSessions expires every issued token so clients have to log in again
func (f *fakeCRM) handleResetSessions(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	n := len(f.sessions)
	f.sessions = make(map[string]bool)
	f.mu.Unlock()
	f.logger.Plain().WithField("sessions", n).Info("sessions reset")
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeCRM) handleState(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"contacts": f.contacts,
		"rows":     f.rows,
		"sends":    f.sends,
		"requests": f.reqCount,
	})
}

func baseURL(r *http.Request) string {
	return "http://" + r.Host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}

func main() {
	logging.SetDefaultService("fake-crm")
	logger := logging.New("fake-crm")

	failFirstN := 0
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			failFirstN = n
		}
	}
	var invalid []string
	for _, k := range strings.Split(os.Getenv("INVALID_MESSAGE_KEYS"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			invalid = append(invalid, k)
		}
	}
	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8081"
	}

	crm := newFakeCRM(logger, failFirstN, invalid)
	logger.Plain().WithFields(map[string]any{
		"addr":         addr,
		"fail_first_n": failFirstN,
	}).Info("fake-crm listening")
	if err := http.ListenAndServe(addr, crm.routes()); err != nil {
		logger.Plain().WithError(err).Fatal("fake-crm stopped")
	}
}
