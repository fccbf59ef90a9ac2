package sfdc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/austindbirch/basketsync/internal/metrics"
)

const limitInfoHeader = "Sforce-Limit-Info"

// ErrSessionExpired matches an APIError reporting an invalid or expired session
var ErrSessionExpired = errors.New("sfdc session expired")

// APIError is a non-success response from the contact store
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sfdc %d %s: %s", e.Status, e.Code, e.Message)
}

// Transient is true for every store error; the job wrapper retries them
func (e *APIError) Transient() bool { return true }

func (e *APIError) Is(target error) bool {
	return target == ErrSessionExpired && (e.Code == "INVALID_SESSION_ID" || e.Status == http.StatusUnauthorized)
}

// Client performs authenticated REST calls against the contact store
type Client struct {
	auth       Authenticator
	http       *http.Client
	apiVersion string

	mu      sync.Mutex
	session *Session

	sample func() bool // gates the API usage gauge
}

func NewClient(auth Authenticator, apiVersion string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		auth:       auth,
		http:       httpClient,
		apiVersion: apiVersion,
		sample:     func() bool { return rand.Float64() < 0.5 },
	}
}

// Do calls path (relative to /services/data/<version>/) and decodes the
// response into out when non-nil. An expired session is refreshed and the
// call retried exactly once.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode sfdc request: %w", err)
		}
	}

	sess, err := c.currentSession(ctx)
	if err != nil {
		return err
	}
	err = c.call(ctx, sess, method, path, payload, out)
	if !errors.Is(err, ErrSessionExpired) {
		return err
	}

	sess, err = c.refresh(ctx, sess)
	if err != nil {
		return err
	}
	metrics.RecordSessionRefresh()
	return c.call(ctx, sess, method, path, payload, out)
}

func (c *Client) currentSession(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session, nil
	}
	sess, err := c.auth.Login(ctx)
	if err != nil {
		return nil, err
	}
	c.session = sess
	return sess, nil
}

// refresh replaces stale unless another caller already has
func (c *Client) refresh(ctx context.Context, stale *Session) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil && c.session != stale {
		return c.session, nil
	}
	sess, err := c.auth.Login(ctx)
	if err != nil {
		return nil, err
	}
	c.session = sess
	return sess, nil
}

func (c *Client) call(ctx context.Context, sess *Session, method, path string, payload []byte, out any) error {
	endpoint := fmt.Sprintf("%s/services/data/%s/%s", sess.InstanceURL, c.apiVersion, strings.TrimPrefix(path, "/"))

	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sfdc %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.recordLimitInfo(resp.Header.Get(limitInfoHeader))

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read sfdc response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseAPIError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode sfdc response: %w", err)
	}
	return nil
}

// parseAPIError reads the store's [{"errorCode":..., "message":...}] error body
func parseAPIError(status int, data []byte) *APIError {
	var errs []struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(data, &errs); err == nil && len(errs) > 0 {
		return &APIError{Status: status, Code: errs[0].ErrorCode, Message: errs[0].Message}
	}
	return &APIError{Status: status, Code: http.StatusText(status), Message: strings.TrimSpace(string(data))}
}

func (c *Client) recordLimitInfo(header string) {
	if header == "" || !c.sample() {
		return
	}
	if pct, ok := parseLimitInfo(header); ok {
		metrics.SetSFDCAPIUsage(pct)
	}
}

// parseLimitInfo turns "api-usage=18/5000" into the percentage used
func parseLimitInfo(header string) (float64, bool) {
	header, _, _ = strings.Cut(header, ";")
	_, value, ok := strings.Cut(header, "=")
	if !ok {
		return 0, false
	}
	usageStr, limitStr, ok := strings.Cut(strings.TrimSpace(value), "/")
	if !ok {
		return 0, false
	}
	usage, err := strconv.ParseFloat(usageStr, 64)
	if err != nil {
		return 0, false
	}
	limit, err := strconv.ParseFloat(limitStr, 64)
	if err != nil || limit <= 0 {
		return 0, false
	}
	return usage / limit * 100, true
}
