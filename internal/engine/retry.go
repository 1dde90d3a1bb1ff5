// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package engine

import (
	"math"
	"time"

	"github.com/tomtom215/meridian/internal/config"
	"github.com/tomtom215/meridian/internal/syncerr"
)

// Advice is the retry policy's verdict for one failure.
type Advice struct {
	Retry bool
	Delay time.Duration
}

// Policy decides whether a whole-engine restart should follow a
// terminal failure, and after what delay.
type Policy interface {
	Advice(err error, attempt int) Advice
}

// ExponentialPolicy retries recoverable failures with exponential
// backoff: Base * 2^attempt, capped at Max. MaxAttempts zero means
// unlimited.
type ExponentialPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// NewExponentialPolicy builds the policy from engine configuration.
func NewExponentialPolicy(cfg config.EngineConfig) *ExponentialPolicy {
	return &ExponentialPolicy{
		Base:        cfg.RetryBase,
		Max:         cfg.RetryMax,
		MaxAttempts: cfg.RetryAttempts,
	}
}

// Advice implements Policy.
func (p *ExponentialPolicy) Advice(err error, attempt int) Advice {
	if !syncerr.Retryable(err) {
		return Advice{}
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return Advice{}
	}
	return Advice{Retry: true, Delay: p.backoff(attempt)}
}

// backoff computes Base * 2^attempt, capped at Max.
func (p *ExponentialPolicy) backoff(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	maxDelay := p.Max
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}

	// Cap the exponent to prevent overflow; at 50 doublings any sane
	// base has long exceeded the cap.
	if attempt > 50 {
		return maxDelay
	}

	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if delay < 0 || delay > maxDelay {
		return maxDelay
	}
	return delay
}
