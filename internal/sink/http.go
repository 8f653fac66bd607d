// Package sink delivers security events and reports to external systems.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/coal/shieldwall/internal/monitor"
)

// ErrThrottled is returned when a delivery is dropped by the outbound limit.
var ErrThrottled = errors.New("outbound delivery throttled")

// HTTPConfig configures an HTTP sink.
type HTTPConfig struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string

	// RatePerSecond caps outbound posts. Zero disables the cap.
	RatePerSecond float64
	Burst         int

	MaxFailures    uint32
	BreakerTimeout time.Duration
}

func (c *HTTPConfig) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
}

// HTTP posts payloads to a single endpoint behind a circuit breaker and an
// outbound rate limit.
type HTTP struct {
	url     string
	headers map[string]string
	client  *http.Client
	breaker CircuitBreaker
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewHTTP creates an HTTP sink.
func NewHTTP(cfg HTTPConfig, logger zerolog.Logger) *HTTP {
	cfg.setDefaults()
	h := &HTTP{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: NewCircuitBreaker("sink:"+cfg.URL, cfg.BreakerTimeout, cfg.MaxFailures),
		logger:  logger,
	}
	if cfg.RatePerSecond > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	}
	return h
}

// URL returns the endpoint.
func (h *HTTP) URL() string {
	return h.url
}

// Deliver posts event as JSON.
func (h *HTTP) Deliver(ctx context.Context, event monitor.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", event.ID, err)
	}
	return h.Post(ctx, "application/json", body)
}

// Post sends body with the given content type. Non-2xx responses are errors.
func (h *HTTP) Post(ctx context.Context, contentType string, body []byte) error {
	if h.limiter != nil && !h.limiter.Allow() {
		return ErrThrottled
	}

	err := h.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)
		for k, v := range h.headers {
			req.Header.Set(k, v)
		}

		resp, err := h.client.Do(req)
		if err != nil {
			return fmt.Errorf("posting to %s: %w", h.url, err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("posting to %s: unexpected status %d", h.url, resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		return err
	}

	h.logger.Debug().Str("url", h.url).Int("bytes", len(body)).Msg("delivered")
	return nil
}
