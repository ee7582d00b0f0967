package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

const (
	currentKey  = "sig_current_key"
	nextKey     = "sig_next_key"
	callbackURL = "https://copytrader.example.com/api/copy-trade/execute"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestBasicAuth(t *testing.T) {
	r := gin.New()
	r.GET("/ops", BasicAuth("admin", "hunter2"), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	tests := []struct {
		name     string
		user     string
		pass     string
		withAuth bool
		want     int
	}{
		{"no credentials", "", "", false, http.StatusUnauthorized},
		{"wrong password", "admin", "nope", true, http.StatusUnauthorized},
		{"valid", "admin", "hunter2", true, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ops", nil)
			if tt.withAuth {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestBasicAuth_DisabledWithoutCredentials(t *testing.T) {
	r := gin.New()
	r.GET("/ops", BasicAuth("", ""), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ops", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestValidateQueryParams(t *testing.T) {
	r := gin.New()
	r.GET("/stale", ValidateQueryParams(), func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		query string
		want  int
	}{
		{"", http.StatusOK},
		{"?older_than=15m", http.StatusOK},
		{"?older_than=banana", http.StatusBadRequest},
		{"?older_than=-5m", http.StatusBadRequest},
		{"?limit=0", http.StatusBadRequest},
		{"?limit=50", http.StatusOK},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stale"+tt.query, nil))
		if w.Code != tt.want {
			t.Errorf("%q: status = %d, want %d", tt.query, w.Code, tt.want)
		}
	}
}

func TestIsValidID(t *testing.T) {
	for _, id := range []string{"trade-1", "cm1x2y3z", "user_42", "a:b.c"} {
		if !IsValidID(id) {
			t.Errorf("IsValidID(%q) = false", id)
		}
	}
	for _, id := range []string{"", "has space", "semi;colon", strings.Repeat("x", 129)} {
		if IsValidID(id) {
			t.Errorf("IsValidID(%q) = true", id)
		}
	}
}

func TestVerifier(t *testing.T) {
	body := []byte(`{"leaderTradeId":"trade-1","followerId":"follower-1"}`)
	v, err := NewVerifier(currentKey, nextKey)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	sign := func(key, subject string, b []byte, ttl time.Duration) string {
		token, err := SignJob(key, subject, b, ttl)
		if err != nil {
			t.Fatalf("SignJob: %v", err)
		}
		return token
	}

	expired := func() string {
		claims := jobClaims{
			Body: bodyHash(body),
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    signatureIssuer,
				Subject:   callbackURL,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			},
		}
		token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(currentKey))
		return token
	}

	wrongIssuer := func() string {
		claims := jobClaims{
			Body: bodyHash(body),
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "Someone",
				Subject:   callbackURL,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(currentKey))
		return token
	}

	tests := []struct {
		name    string
		token   string
		body    []byte
		subject string
		wantErr bool
	}{
		{"current key", sign(currentKey, callbackURL, body, time.Minute), body, callbackURL, false},
		{"next key", sign(nextKey, callbackURL, body, time.Minute), body, callbackURL, false},
		{"unknown key", sign("other", callbackURL, body, time.Minute), body, callbackURL, true},
		{"tampered body", sign(currentKey, callbackURL, body, time.Minute), []byte(`{"leaderTradeId":"trade-2"}`), callbackURL, true},
		{"wrong subject", sign(currentKey, "https://evil.example.com", body, time.Minute), body, callbackURL, true},
		{"subject not checked", sign(currentKey, "copy-jobs", body, time.Minute), body, "", false},
		{"expired", expired(), body, callbackURL, true},
		{"wrong issuer", wrongIssuer(), body, callbackURL, true},
		{"empty token", "", body, callbackURL, true},
		{"garbage", "not.a.jwt", body, callbackURL, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.token, tt.body, tt.subject)
			if (err != nil) != tt.wantErr {
				t.Errorf("Verify err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewVerifier_RequiresKey(t *testing.T) {
	if _, err := NewVerifier("", ""); err == nil {
		t.Error("expected error without keys")
	}
	if _, err := NewVerifier("", nextKey); err != nil {
		t.Errorf("next key alone should be accepted: %v", err)
	}
}

func TestJobSignatureMiddleware(t *testing.T) {
	v, _ := NewVerifier(currentKey, nextKey)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	var seenBody string
	r := gin.New()
	r.POST("/api/copy-trade/execute", JobSignature(v, callbackURL, logger), func(c *gin.Context) {
		b, _ := c.GetRawData()
		seenBody = string(b)
		c.Status(http.StatusOK)
	})

	body := `{"leaderTradeId":"trade-1","followerId":"follower-1"}`
	token, _ := SignJob(currentKey, callbackURL, []byte(body), time.Minute)

	req := httptest.NewRequest(http.MethodPost, "/api/copy-trade/execute", strings.NewReader(body))
	req.Header.Set(SignatureHeader, token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if seenBody != body {
		t.Errorf("handler saw body %q, want %q", seenBody, body)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/copy-trade/execute", strings.NewReader(body))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unsigned status = %d, want 401", w.Code)
	}
}

func TestJobSignatureMiddleware_BodyTooLarge(t *testing.T) {
	v, _ := NewVerifier(currentKey, nextKey)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	called := false
	r := gin.New()
	r.POST("/api/copy-trade/execute", JobSignature(v, callbackURL, logger), func(c *gin.Context) {
		called = true
		c.Status(http.StatusOK)
	})

	// Correctly signed, but over the cap
	body := `{"leaderTradeId":"` + strings.Repeat("a", MaxJobBodyBytes) + `","followerId":"follower-1"}`
	token, _ := SignJob(currentKey, callbackURL, []byte(body), time.Minute)

	req := httptest.NewRequest(http.MethodPost, "/api/copy-trade/execute", strings.NewReader(body))
	req.Header.Set(SignatureHeader, token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
	if called {
		t.Error("handler should not run for an oversized body")
	}
}
