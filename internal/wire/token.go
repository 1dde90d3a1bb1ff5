// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package wire

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tomtom215/meridian/internal/logging"
)

// TokenSource supplies the bearer token attached to wire requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed token. Used when the deployment
// provisions long-lived credentials.
type StaticTokenSource string

// Token implements TokenSource.
func (s StaticTokenSource) Token(context.Context) (string, error) {
	return string(s), nil
}

// RefreshFunc acquires a fresh token from the external auth provider.
type RefreshFunc func(ctx context.Context) (string, error)

// refreshSkew refreshes tokens this long before their exp claim.
const refreshSkew = 30 * time.Second

// CachingTokenSource caches a JWT and refreshes it before the exp claim
// elapses. Tokens without a parsable exp claim are treated as
// non-expiring and served until Invalidate is called.
type CachingTokenSource struct {
	refresh RefreshFunc

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewCachingTokenSource wraps refresh with exp-aware caching.
func NewCachingTokenSource(refresh RefreshFunc) *CachingTokenSource {
	return &CachingTokenSource{refresh: refresh}
}

// Token implements TokenSource.
func (c *CachingTokenSource) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && (c.expiry.IsZero() || time.Until(c.expiry) > refreshSkew) {
		return c.token, nil
	}

	token, err := c.refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh auth token: %w", err)
	}

	c.token = token
	c.expiry = tokenExpiry(token)
	if !c.expiry.IsZero() {
		logging.Debug().Time("expiry", c.expiry).Msg("auth token refreshed")
	}
	return c.token, nil
}

// Invalidate drops the cached token so the next request refreshes.
func (c *CachingTokenSource) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.expiry = time.Time{}
}

// tokenExpiry extracts the exp claim without verifying the signature.
// Verification is the backend's job; the client only needs the expiry
// to schedule refreshes.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
