package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"

	"github.com/austindbirch/basketsync/internal/auth"
	"github.com/austindbirch/basketsync/internal/config"
	"github.com/austindbirch/basketsync/internal/logging"
)

const (
	keyID      = "basket-admin-1"
	defaultTTL = time.Hour
	maxTTL     = 24 * time.Hour
)

// issuer mints operator tokens for the worker admin API
type issuer struct {
	key      *rsa.PrivateKey
	issuer   string
	audience string
	now      func() time.Time
	logger   *logging.Logger
}

// loadOrGenerateKey parses a PEM private key, or generates one when pemData is empty
func loadOrGenerateKey(pemData string) (*rsa.PrivateKey, error) {
	if pemData == "" {
		return rsa.GenerateKey(rand.Reader, 2048)
	}
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return key, nil
}

// publicKeyPEM is the PKIX PEM the worker loads from ADMIN_JWT_PUBLIC_KEY_PATH
func publicKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

type tokenRequest struct {
	Operator string `json:"operator"`
	Scope    string `json:"scope,omitempty"`
	TTL      int    `json:"ttl_seconds,omitempty"`
}

func (s *issuer) sign(req tokenRequest) (string, time.Duration, error) {
	if req.Operator == "" {
		return "", 0, errors.New("operator is required")
	}
	ttl := time.Duration(req.TTL) * time.Second
	switch {
	case ttl <= 0:
		ttl = defaultTTL
	case ttl > maxTTL:
		ttl = maxTTL
	}
	scope := strings.TrimSpace(req.Scope)
	if scope == "" {
		scope = auth.AdminScope
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, auth.Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   req.Operator,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	token.Header["kid"] = keyID

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, ttl, nil
}

func (s *issuer) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	signed, ttl, err := s.sign(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logger.WithContext(r.Context()).WithFields(map[string]any{
		"operator": req.Operator,
		"ttl":      ttl.String(),
	}).Info("operator token issued")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":      signed,
		"expires_in": int(ttl.Seconds()),
		"token_type": "Bearer",
	})
}

func (s *issuer) handlePublicKey(w http.ResponseWriter, _ *http.Request) {
	data, err := publicKeyPEM(s.key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_, _ = w.Write(data)
}

func (s *issuer) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/public-key.pem", s.handlePublicKey)
	r.Post("/token", s.handleToken)
	return r
}

func main() {
	_ = godotenv.Load()
	logging.SetDefaultService("token-server")
	logger := logging.New("token-server")
	cfg := config.FromEnv()

	key, err := loadOrGenerateKey(os.Getenv("ADMIN_JWT_PRIVATE_KEY"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to load signing key")
	}

	// the worker reads the public half from ADMIN_JWT_PUBLIC_KEY_PATH
	if path := cfg.Admin.JWTPublicKeyPath; path != "" {
		data, err := publicKeyPEM(key)
		if err == nil {
			err = os.WriteFile(path, data, 0o644)
		}
		if err != nil {
			logger.Plain().WithError(err).WithField("path", path).Fatal("failed to write public key")
		}
		logger.Plain().WithField("path", path).Info("public key written")
	}

	s := &issuer{
		key:      key,
		issuer:   cfg.Admin.JWTIssuer,
		audience: cfg.Admin.JWTAudience,
		now:      time.Now,
		logger:   logger,
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}
	logger.Plain().WithField("port", port).Info("token server starting")
	if err := http.ListenAndServe(":"+port, s.routes()); err != nil {
		logger.Plain().WithError(err).Fatal("token server stopped")
	}
}
