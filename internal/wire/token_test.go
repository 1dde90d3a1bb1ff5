// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package wire

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "meridian-test",
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestCachingTokenSourceCachesUntilExpiry(t *testing.T) {
	calls := 0
	token := signedToken(t, time.Now().Add(time.Hour))
	src := NewCachingTokenSource(func(ctx context.Context) (string, error) {
		calls++
		return token, nil
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		got, err := src.Token(ctx)
		if err != nil {
			t.Fatalf("Token failed: %v", err)
		}
		if got != token {
			t.Fatalf("unexpected token %q", got)
		}
	}
	if calls != 1 {
		t.Errorf("expected 1 refresh call, got %d", calls)
	}
}

func TestCachingTokenSourceRefreshesExpiredToken(t *testing.T) {
	calls := 0
	src := NewCachingTokenSource(func(ctx context.Context) (string, error) {
		calls++
		// Already inside the refresh skew; every call refreshes.
		return signedToken(t, time.Now().Add(10*time.Second)), nil
	})

	ctx := context.Background()
	if _, err := src.Token(ctx); err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if _, err := src.Token(ctx); err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected expired token to refresh each call, got %d calls", calls)
	}
}

func TestCachingTokenSourceInvalidate(t *testing.T) {
	calls := 0
	src := NewCachingTokenSource(func(ctx context.Context) (string, error) {
		calls++
		return signedToken(t, time.Now().Add(time.Hour)), nil
	})

	ctx := context.Background()
	if _, err := src.Token(ctx); err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	src.Invalidate()
	if _, err := src.Token(ctx); err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected refresh after Invalidate, got %d calls", calls)
	}
}

func TestOpaqueTokenNeverExpires(t *testing.T) {
	calls := 0
	src := NewCachingTokenSource(func(ctx context.Context) (string, error) {
		calls++
		return "opaque-api-key", nil
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := src.Token(ctx); err != nil {
			t.Fatalf("Token failed: %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("opaque token should be cached indefinitely, got %d calls", calls)
	}
}
