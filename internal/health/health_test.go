package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

type mockPinger struct {
	pingError error
	calls     int
}

func (m *mockPinger) Ping(ctx context.Context) error {
	m.calls++
	return m.pingError
}

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name               string
		maintenance        func() bool
		checks             []Check
		expectedStatusCode int
		expectedStatus     Status
	}{
		{
			name:               "no checks",
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok"},
		},
		{
			name: "all dependencies healthy",
			checks: []Check{
				{Name: "database", Pinger: &mockPinger{}},
				{Name: "redis", Pinger: &mockPinger{}},
			},
			expectedStatusCode: http.StatusOK,
			expectedStatus: Status{
				OK:      true,
				Message: "ok",
				Checks:  map[string]bool{"database": true, "redis": true},
			},
		},
		{
			name: "database ping failure",
			checks: []Check{
				{Name: "database", Pinger: &mockPinger{pingError: context.DeadlineExceeded}},
				{Name: "redis", Pinger: &mockPinger{}},
			},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus: Status{
				Message: "database ping failed",
				Checks:  map[string]bool{"database": false, "redis": true},
			},
		},
		{
			name: "first failure is reported",
			checks: []Check{
				{Name: "database", Pinger: &mockPinger{}},
				{Name: "redis", Pinger: PingFunc(func(context.Context) error { return errors.New("dial tcp: refused") })},
				{Name: "nsqd", Pinger: PingFunc(func(context.Context) error { return errors.New("timeout") })},
			},
			expectedStatusCode: http.StatusServiceUnavailable,
			expectedStatus: Status{
				Message: "redis ping failed",
				Checks:  map[string]bool{"database": true, "redis": false, "nsqd": false},
			},
		},
		{
			name:               "maintenance is reported but healthy",
			maintenance:        func() bool { return true },
			expectedStatusCode: http.StatusOK,
			expectedStatus:     Status{OK: true, Message: "ok", Maintenance: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := HTTPHandler(tt.maintenance, tt.checks...)

			req := httptest.NewRequest("GET", "/healthz", nil)
			w := httptest.NewRecorder()
			handler(w, req)

			if w.Code != tt.expectedStatusCode {
				t.Errorf("HTTPHandler() status code = %d, want %d", w.Code, tt.expectedStatusCode)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("HTTPHandler() Content-Type = %q, want %q", ct, "application/json")
			}

			var status Status
			if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
				t.Fatalf("HTTPHandler() response JSON parse error: %v", err)
			}
			if !reflect.DeepEqual(status, tt.expectedStatus) {
				t.Errorf("HTTPHandler() = %+v, want %+v", status, tt.expectedStatus)
			}
		})
	}
}

func TestHTTPHandler_PingsEveryRequest(t *testing.T) {
	p := &mockPinger{}
	handler := HTTPHandler(nil, Check{Name: "database", Pinger: p})
	for i := 0; i < 3; i++ {
		handler(httptest.NewRecorder(), httptest.NewRequest("GET", "/healthz", nil))
	}
	if p.calls != 3 {
		t.Errorf("ping calls = %d, want 3", p.calls)
	}
}

func TestHTTPHandler_CancelledRequest(t *testing.T) {
	handler := HTTPHandler(nil, Check{Name: "database", Pinger: PingFunc(func(ctx context.Context) error {
		return ctx.Err()
	})})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("GET", "/healthz", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}
