package sfdc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func TestJWTBearer_Login(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/services/oauth2/token" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if gt := r.Form.Get("grant_type"); gt != "urn:ietf:params:oauth:grant-type:jwt-bearer" {
			t.Errorf("grant_type = %q", gt)
		}

		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(r.Form.Get("assertion"), claims, func(tok *jwt.Token) (any, error) {
			return &key.PublicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithAudience(srvURL), jwt.WithIssuer("client-id"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		if claims.Subject != "basket@example.com" {
			t.Errorf("sub = %q", claims.Subject)
		}
		_, _ = w.Write([]byte(`{"access_token":"00Dxx","instance_url":"https://na1.example.com/"}`))
	}))
	defer srv.Close()
	srvURL = srv.URL

	tests := []struct {
		name     string
		clientID string
		wantErr  bool
	}{
		{name: "valid assertion", clientID: "client-id"},
		{name: "rejected assertion", clientID: "other-client", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &JWTBearer{
				LoginURL:   srv.URL,
				ClientID:   tt.clientID,
				Username:   "basket@example.com",
				Key:        key,
				HTTPClient: srv.Client(),
			}
			sess, err := a.Login(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Login() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if sess.AccessToken != "00Dxx" || sess.InstanceURL != "https://na1.example.com" {
				t.Errorf("session = %+v", sess)
			}
		})
	}
}

func TestLoadPrivateKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	good := filepath.Join(dir, "key.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(good, pemBytes, 0o600); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(dir, "bad.pem")
	if err := os.WriteFile(bad, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "valid key", path: good},
		{name: "invalid pem", path: bad, wantErr: true},
		{name: "missing file", path: filepath.Join(dir, "missing.pem"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LoadPrivateKey(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadPrivateKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(key) {
				t.Error("loaded key does not match")
			}
		})
	}
}
