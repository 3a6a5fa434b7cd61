package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	ClientID string `json:"client_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

func GenerateToken(clientID, role string, ttl time.Duration, secret []byte) (string, error) {
	now := time.Now()
	claims := &Claims{
		ClientID: clientID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func ParseToken(tokenStr string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// TokenSource mints short-lived tokens for one client and rotates them
// before they expire. Each rotation is signalled on Rotated.
type TokenSource struct {
	secret   []byte
	clientID string
	role     string
	ttl      time.Duration

	mu      sync.RWMutex
	current string
	rotated chan struct{}
}

func NewTokenSource(secret []byte, clientID, role string, ttl time.Duration) (*TokenSource, error) {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	ts := &TokenSource{
		secret:   secret,
		clientID: clientID,
		role:     role,
		ttl:      ttl,
		rotated:  make(chan struct{}, 1),
	}
	tok, err := GenerateToken(clientID, role, ttl, secret)
	if err != nil {
		return nil, err
	}
	ts.current = tok
	return ts, nil
}

func (ts *TokenSource) Token() string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.current
}

func (ts *TokenSource) ClientID() string { return ts.clientID }

func (ts *TokenSource) Rotated() <-chan struct{} { return ts.rotated }

func (ts *TokenSource) Rotate() error {
	tok, err := GenerateToken(ts.clientID, ts.role, ts.ttl, ts.secret)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	ts.current = tok
	ts.mu.Unlock()
	select {
	case ts.rotated <- struct{}{}:
	default:
	}
	return nil
}

// Run rotates the token at 80% of its lifetime until ctx is done.
func (ts *TokenSource) Run(ctx context.Context) {
	t := time.NewTicker(ts.ttl * 4 / 5)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = ts.Rotate()
		}
	}
}
