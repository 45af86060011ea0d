// Package auth manages the backend bearer credential for the agent.
//
// The token is issued by the clinic backend at login and stored in a 0600
// file. Claims are extracted locally without signature verification; the
// backend verifies every request itself, the agent only needs the ids and
// the expiry for routing and bookkeeping.
package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNotLoggedIn means no usable credential is available.
var ErrNotLoggedIn = errors.New("not logged in: run `clinivoice login` first")

// Claims are the token fields the pipeline needs.
type Claims struct {
	UserID    string
	ClinicID  string
	ExpiresAt time.Time
}

type tokenClaims struct {
	UserID   string `json:"user_id"`
	ClinicID string `json:"clinic_id"`
	jwt.RegisteredClaims
}

// Provider loads, stores and inspects the bearer token.
type Provider struct {
	tokenFile string

	mutex  sync.RWMutex
	token  string
	claims *Claims
}

// New creates a provider backed by the given token file.
func New(tokenFile string) *Provider {
	return &Provider{tokenFile: tokenFile}
}

// Login validates the token's shape, extracts claims and persists it.
func (p *Provider) Login(token string) (*Claims, error) {
	claims, err := parseClaims(token)
	if err != nil {
		return nil, err
	}
	if !claims.ExpiresAt.IsZero() && time.Now().After(claims.ExpiresAt) {
		return nil, fmt.Errorf("token is already expired (expired %s)", claims.ExpiresAt.Format(time.RFC3339))
	}

	if err := os.MkdirAll(filepath.Dir(p.tokenFile), 0700); err != nil {
		return nil, fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := os.WriteFile(p.tokenFile, []byte(token), 0600); err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}

	p.mutex.Lock()
	p.token = token
	p.claims = claims
	p.mutex.Unlock()

	return claims, nil
}

// Logout removes the stored credential.
func (p *Provider) Logout() error {
	p.mutex.Lock()
	p.token = ""
	p.claims = nil
	p.mutex.Unlock()

	if err := os.Remove(p.tokenFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove token: %w", err)
	}
	return nil
}

// Token returns the bearer credential, loading it from disk on first use.
func (p *Provider) Token() (string, error) {
	p.mutex.RLock()
	if p.token != "" {
		tok := p.token
		p.mutex.RUnlock()
		return tok, nil
	}
	p.mutex.RUnlock()

	data, err := os.ReadFile(p.tokenFile)
	if os.IsNotExist(err) {
		return "", ErrNotLoggedIn
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}

	token := strings.TrimSpace(string(data))
	claims, err := parseClaims(token)
	if err != nil {
		return "", fmt.Errorf("stored token is invalid: %w", err)
	}

	p.mutex.Lock()
	p.token = token
	p.claims = claims
	p.mutex.Unlock()

	return token, nil
}

// Claims returns the current user's token claims.
func (p *Provider) Claims() (*Claims, error) {
	if _, err := p.Token(); err != nil {
		return nil, err
	}
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	c := *p.claims
	return &c, nil
}

func parseClaims(token string) (*Claims, error) {
	var tc tokenClaims
	// Signature verification is the backend's job on every request; locally
	// we only need the claim values.
	if _, _, err := jwt.NewParser().ParseUnverified(token, &tc); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if tc.UserID == "" {
		return nil, fmt.Errorf("token has no user_id claim")
	}

	claims := &Claims{UserID: tc.UserID, ClinicID: tc.ClinicID}
	if tc.ExpiresAt != nil {
		claims.ExpiresAt = tc.ExpiresAt.Time
	}
	return claims, nil
}
