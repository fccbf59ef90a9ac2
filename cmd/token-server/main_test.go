package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/basketsync/internal/auth"
	"github.com/austindbirch/basketsync/internal/logging"
)

func newTestIssuer(t *testing.T) *issuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return &issuer{
		key:      key,
		issuer:   "basket",
		audience: "basket-admin",
		now:      time.Now,
		logger:   logging.NewWithWriter("token-server", io.Discard),
	}
}

func TestLoadOrGenerateKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		pem     string
		wantErr bool
	}{
		{name: "generate", pem: ""},
		{name: "pkcs1", pem: string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))},
		{name: "pkcs8", pem: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}))},
		{name: "not pem", pem: "garbage", wantErr: true},
		{name: "bad der", pem: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte("nope")})), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := loadOrGenerateKey(tt.pem)
			if (err != nil) != tt.wantErr {
				t.Fatalf("loadOrGenerateKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got == nil {
				t.Error("loadOrGenerateKey() returned nil key")
			}
		})
	}
}

func TestSign(t *testing.T) {
	s := newTestIssuer(t)
	pub, err := publicKeyPEM(s.key)
	if err != nil {
		t.Fatal(err)
	}
	validator, err := auth.NewJWTValidator(string(pub), "basket", "basket-admin")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name         string
		req          tokenRequest
		wantTTL      time.Duration
		wantSignErr  bool
		wantValidErr bool
	}{
		{name: "defaults", req: tokenRequest{Operator: "alice"}, wantTTL: defaultTTL},
		{name: "custom ttl", req: tokenRequest{Operator: "alice", TTL: 60}, wantTTL: time.Minute},
		{name: "ttl capped", req: tokenRequest{Operator: "alice", TTL: 7 * 24 * 3600}, wantTTL: maxTTL},
		{name: "read only scope", req: tokenRequest{Operator: "alice", Scope: "basket:read"}, wantTTL: defaultTTL, wantValidErr: true},
		{name: "no operator", req: tokenRequest{}, wantSignErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signed, ttl, err := s.sign(tt.req)
			if (err != nil) != tt.wantSignErr {
				t.Fatalf("sign() error = %v, wantErr %v", err, tt.wantSignErr)
			}
			if tt.wantSignErr {
				return
			}
			if ttl != tt.wantTTL {
				t.Errorf("ttl = %v, want %v", ttl, tt.wantTTL)
			}
			claims, err := validator.ValidateToken(signed)
			if (err != nil) != tt.wantValidErr {
				t.Fatalf("ValidateToken() error = %v, wantErr %v", err, tt.wantValidErr)
			}
			if !tt.wantValidErr && claims.Subject != tt.req.Operator {
				t.Errorf("subject = %q, want %q", claims.Subject, tt.req.Operator)
			}
		})
	}
}

func TestRoutes(t *testing.T) {
	s := newTestIssuer(t)
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/public-key.pem")
	if err != nil {
		t.Fatal(err)
	}
	pub, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	validator, err := auth.NewJWTValidator(string(pub), "basket", "basket-admin")
	if err != nil {
		t.Fatalf("served key rejected: %v", err)
	}

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "issue", body: `{"operator":"alice","ttl_seconds":120}`, wantStatus: http.StatusOK},
		{name: "missing operator", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "invalid json", body: `{`, wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/token", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var out struct {
				Token     string `json:"token"`
				ExpiresIn int    `json:"expires_in"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				t.Fatal(err)
			}
			if out.ExpiresIn != 120 {
				t.Errorf("expires_in = %d, want 120", out.ExpiresIn)
			}
			if _, err := validator.ValidateToken(out.Token); err != nil {
				t.Errorf("issued token rejected: %v", err)
			}
		})
	}

	health, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", health.StatusCode)
	}
}
