// Package sfmc is the client for the message backend: data extension rows,
// triggered email sends and SMS sends.
package sfmc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/austindbirch/basketsync/internal/metrics"
)

// ErrNoResults is returned by GetRow when no row matches
var ErrNoResults = errors.New("sfmc: no results")

const invalidCustomerKey = "Invalid Customer Key"

// Error is a non-success response from the message backend
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("sfmc %d: %s", e.Status, e.Message)
}

// Transient is true for every backend error; the job wrapper retries them
func (e *Error) Transient() bool { return true }

// IsInvalidCustomerKey reports whether err says the message id does not exist
func IsInvalidCustomerKey(err error) bool {
	var e *Error
	return errors.As(err, &e) && strings.Contains(e.Message, invalidCustomerKey)
}

type token struct {
	access    string
	restURL   string
	expiresAt time.Time
}

// Client authenticates with client credentials and caches the token until
// shortly before it expires.
type Client struct {
	authURL      string
	clientID     string
	clientSecret string
	http         *http.Client
	now          func() time.Time

	mu  sync.Mutex
	tok *token
}

func NewClient(authURL, clientID, clientSecret string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		authURL:      strings.TrimSuffix(authURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		http:         httpClient,
		now:          time.Now,
	}
}

func observe(op string, start time.Time) {
	metrics.ObserveBackendRequest("sfmc", op, time.Since(start))
}

func (c *Client) token(ctx context.Context) (*token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tok != nil && c.now().Before(c.tok.expiresAt) {
		return c.tok, nil
	}

	body, _ := json.Marshal(map[string]string{
		"grant_type":    "client_credentials",
		"client_id":     c.clientID,
		"client_secret": c.clientSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL+"/v2/token", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sfmc auth: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp.StatusCode, data)
	}
	var tr struct {
		AccessToken     string `json:"access_token"`
		ExpiresIn       int    `json:"expires_in"`
		RestInstanceURL string `json:"rest_instance_url"`
	}
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("decode sfmc token: %w", err)
	}
	if tr.AccessToken == "" || tr.RestInstanceURL == "" {
		return nil, &Error{Status: resp.StatusCode, Message: "token response missing access_token or rest_instance_url"}
	}

	// renew a minute early so in-flight calls never carry an expired token
	ttl := time.Duration(tr.ExpiresIn)*time.Second - time.Minute
	c.tok = &token{
		access:    tr.AccessToken,
		restURL:   strings.TrimSuffix(tr.RestInstanceURL, "/"),
		expiresAt: c.now().Add(ttl),
	}
	return c.tok, nil
}

func (c *Client) invalidate(stale *token) {
	c.mu.Lock()
	if c.tok == stale {
		c.tok = nil
	}
	c.mu.Unlock()
}

// do calls path on the REST instance. A 401 drops the cached token and the
// call is made once more with a new one.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode sfmc request: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		tok, err := c.token(ctx)
		if err != nil {
			return err
		}
		err = c.call(ctx, tok, method, path, payload, out)
		var e *Error
		if attempt == 0 && errors.As(err, &e) && e.Status == http.StatusUnauthorized {
			c.invalidate(tok)
			continue
		}
		return err
	}
}

func (c *Client) call(ctx context.Context, tok *token, method, path string, payload []byte, out any) error {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, tok.restURL+"/"+strings.TrimPrefix(path, "/"), rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok.access)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sfmc %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read sfmc response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode sfmc response: %w", err)
	}
	return nil
}

func parseError(status int, data []byte) *Error {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Message != "" {
		return &Error{Status: status, Message: body.Message}
	}
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &Error{Status: status, Message: msg}
}
