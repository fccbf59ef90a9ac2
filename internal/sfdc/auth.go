// Package sfdc is the client for the upstream contact store. It owns the
// session credential and refreshes it when the store reports it expired.
package sfdc

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session is an access token bound to the instance that issued it
type Session struct {
	AccessToken string
	InstanceURL string
}

// Authenticator obtains a fresh session
type Authenticator interface {
	Login(ctx context.Context) (*Session, error)
}

// JWTBearer logs in with the OAuth 2.0 JWT bearer flow: a short-lived RS256
// assertion signed with the connected app's key is exchanged for a token.
type JWTBearer struct {
	LoginURL   string
	ClientID   string
	Username   string
	Key        *rsa.PrivateKey
	HTTPClient *http.Client
	TTL        time.Duration
}

// LoadPrivateKey reads a PEM encoded RSA private key
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (a *JWTBearer) assertion(now time.Time) (string, error) {
	ttl := a.TTL
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	claims := jwt.RegisteredClaims{
		Issuer:    a.ClientID,
		Subject:   a.Username,
		Audience:  jwt.ClaimStrings{strings.TrimSuffix(a.LoginURL, "/")},
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.Key)
}

func (a *JWTBearer) Login(ctx context.Context) (*Session, error) {
	assertion, err := a.assertion(time.Now())
	if err != nil {
		return nil, fmt.Errorf("sign assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	endpoint := strings.TrimSuffix(a.LoginURL, "/") + "/services/oauth2/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := a.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sfdc login: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Code: "AUTHENTICATION_FAILED", Message: strings.TrimSpace(string(body))}
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		InstanceURL string `json:"instance_url"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("decode sfdc token: %w", err)
	}
	if tok.AccessToken == "" || tok.InstanceURL == "" {
		return nil, &APIError{Status: resp.StatusCode, Code: "AUTHENTICATION_FAILED", Message: "token response missing access_token or instance_url"}
	}
	return &Session{AccessToken: tok.AccessToken, InstanceURL: strings.TrimSuffix(tok.InstanceURL, "/")}, nil
}
