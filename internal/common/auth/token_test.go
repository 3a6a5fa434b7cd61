package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var secret = []byte("test-secret")

func TestGenerateAndParse(t *testing.T) {
	tok, err := GenerateToken("agent-1", "courier", time.Minute, secret)
	if err != nil {
		t.Fatal(err)
	}
	c, err := ParseToken(tok, secret)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if c.ClientID != "agent-1" || c.Role != "courier" {
		t.Errorf("claims = %+v", c)
	}

	if _, err := ParseToken(tok, []byte("other")); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong secret: err = %v, want ErrInvalidToken", err)
	}
	expired, _ := GenerateToken("agent-1", "courier", -time.Minute, secret)
	if _, err := ParseToken(expired, secret); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired: err = %v, want ErrInvalidToken", err)
	}
}

func TestTokenSourceRotate(t *testing.T) {
	ts, err := NewTokenSource(secret, "agent-1", "courier", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	first := ts.Token()
	// iat has second resolution
	time.Sleep(1100 * time.Millisecond)
	if err := ts.Rotate(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ts.Rotated():
	default:
		t.Fatal("rotation not signalled")
	}
	if ts.Token() == first {
		t.Error("token unchanged after rotation")
	}
}

func TestMiddleware(t *testing.T) {
	h := Middleware(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := FromContext(r.Context())
		if !ok || c.ClientID != "svc" {
			t.Errorf("claims missing from context")
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	good, _ := GenerateToken("svc", "service", time.Minute, secret)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer abc", http.StatusUnauthorized},
		{"valid", "Bearer " + good, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("code = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
