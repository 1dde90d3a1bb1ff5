// Meridian - Offline-First Record Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package wire

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/meridian/internal/config"
	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/metrics"
	"github.com/tomtom215/meridian/internal/syncerr"
)

// HTTPClient implements Client against a GraphQL endpoint: one-shot
// operations over HTTP POST, subscriptions over websocket.
//
// One-shot calls pass through a rate limiter and an optional circuit
// breaker. The breaker protects the backend from hammering while it is
// down; an open breaker surfaces as a retryable transport error so the
// engine's own retry policy stays in charge of pacing.
type HTTPClient struct {
	cfg    config.WireConfig
	subURL string

	httpc   *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*GraphQLResponse]
	tokens  TokenSource
}

// NewHTTPClient builds a wire client from configuration.
func NewHTTPClient(cfg config.WireConfig, tokens TokenSource) (*HTTPClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("wire: endpoint is required")
	}
	if tokens == nil {
		tokens = StaticTokenSource(cfg.AuthToken)
	}

	subURL := cfg.SubscriptionEndpoint
	if subURL == "" {
		derived, err := deriveSubscriptionURL(cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		subURL = derived
	}

	c := &HTTPClient{
		cfg:    cfg,
		subURL: subURL,
		httpc:  &http.Client{Timeout: cfg.RequestTimeout},
		tokens: tokens,
	}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	if cfg.BreakerEnabled {
		c.breaker = gobreaker.NewCircuitBreaker[*GraphQLResponse](gobreaker.Settings{
			Name:        "meridian-wire",
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < 10 {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("wire breaker state change")
			},
		})
	}

	return c, nil
}

// deriveSubscriptionURL converts the HTTP endpoint into its websocket
// counterpart (http -> ws, https -> wss).
func deriveSubscriptionURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("wire: parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("wire: unsupported endpoint scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Query implements Client.
func (c *HTTPClient) Query(ctx context.Context, req *GraphQLRequest) (*GraphQLResponse, error) {
	return c.do(ctx, "query", req)
}

// Mutate implements Client.
func (c *HTTPClient) Mutate(ctx context.Context, req *GraphQLRequest) (*GraphQLResponse, error) {
	return c.do(ctx, "mutate", req)
}

// do runs one HTTP round trip through the limiter and breaker.
func (c *HTTPClient) do(ctx context.Context, op string, req *GraphQLRequest) (resp *GraphQLResponse, err error) {
	defer func() { metrics.RecordWireRequest(op, err) }()

	if c.limiter != nil {
		if err = c.limiter.Wait(ctx); err != nil {
			return nil, syncerr.E(syncerr.KindCancelled, "wire."+op, err)
		}
	}

	if c.breaker != nil {
		resp, err = c.breaker.Execute(func() (*GraphQLResponse, error) {
			return c.post(ctx, op, req)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, syncerr.E(syncerr.KindTransportRetryable, "wire."+op, err)
		}
		return resp, err
	}

	return c.post(ctx, op, req)
}

// post performs the HTTP POST and classifies transport failures.
func (c *HTTPClient) post(ctx context.Context, op string, req *GraphQLRequest) (*GraphQLResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, syncerr.E(syncerr.KindInvariant, "wire."+op, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, syncerr.E(syncerr.KindInvariant, "wire."+op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, httpReq.Header); err != nil {
		return nil, err
	}

	httpResp, err := c.httpc.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, syncerr.E(syncerr.KindCancelled, "wire."+op, ctx.Err())
		}
		return nil, syncerr.E(syncerr.KindTransportRetryable, "wire."+op, err)
	}
	defer httpResp.Body.Close()

	if kind, bad := classifyStatus(httpResp.StatusCode); bad {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(httpResp.Body, 4096))
		return nil, syncerr.E(kind, "wire."+op, fmt.Errorf("backend returned HTTP %d", httpResp.StatusCode))
	}

	var resp GraphQLResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, syncerr.E(syncerr.KindTransportRetryable, "wire."+op, fmt.Errorf("decode response: %w", err))
	}
	return &resp, nil
}

// classifyStatus maps an HTTP status onto an error kind. Server-side
// and throttling statuses are retryable; client-side statuses are not.
func classifyStatus(status int) (syncerr.Kind, bool) {
	switch {
	case status >= 200 && status < 300:
		return syncerr.KindUnknown, false
	case status == http.StatusTooManyRequests || status >= 500:
		return syncerr.KindTransportRetryable, true
	default:
		return syncerr.KindTransportFatal, true
	}
}

// authorize attaches the bearer token.
func (c *HTTPClient) authorize(ctx context.Context, h http.Header) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return syncerr.E(syncerr.KindTransportFatal, "wire.auth", err)
	}
	if token != "" {
		if !strings.HasPrefix(token, "Bearer ") {
			token = "Bearer " + token
		}
		h.Set("Authorization", token)
	}
	return nil
}

// Subscribe implements Client: it dials the websocket endpoint and
// speaks the graphql-ws protocol for one subscription.
func (c *HTTPClient) Subscribe(ctx context.Context, req *GraphQLRequest) (Subscription, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, syncerr.E(syncerr.KindTransportFatal, "wire.subscribe", err)
	}
	return dialSubscription(ctx, c.subURL, token, req, c.cfg)
}
