package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// HTTPConfig configures an HTTP metric provider.
type HTTPConfig struct {
	Name               string
	BaseURL            string
	APIKey             string
	RateLimitPerSecond float64
	Burst              int
	Timeout            time.Duration
	MaxRetries         int
	BackoffBase        time.Duration
}

// HTTPProvider resolves metrics from a JSON endpoint:
//
//	GET {base}/{asset}/{metric} -> {"value": 28.4}
type HTTPProvider struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPProvider applies defaults and builds the provider.
func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("http provider %s: base url is required", cfg.Name)
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("http provider %s: %w", cfg.Name, err)
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	return &HTTPProvider{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.Burst),
	}, nil
}

type valueResponse struct {
	Value *float64 `json:"value"`
}

func (p *HTTPProvider) Resolve(ctx context.Context, asset, metric string) (float64, error) {
	var v float64
	err := Retry(ctx, p.cfg.MaxRetries+1, p.cfg.BackoffBase, func(ctx context.Context) error {
		var err error
		v, err = p.fetch(ctx, asset, metric)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrTransient) {
			// Retries exhausted: the caller sees it as unavailable.
			return 0, fmt.Errorf("%w: %s/%s via %s: %v", ErrUnavailable, asset, metric, p.cfg.Name, err)
		}
		return 0, err
	}
	return v, nil
}

func (p *HTTPProvider) fetch(ctx context.Context, asset, metric string) (float64, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limiter: %w", err)
	}

	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/" + url.PathEscape(asset) + "/" + url.PathEscape(metric)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return 0, fmt.Errorf("%w: %s/%s not found", ErrUnavailable, asset, metric)
	case resp.StatusCode != http.StatusOK:
		return 0, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var body valueResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return 0, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if body.Value == nil {
		return 0, fmt.Errorf("%w: %s/%s has no value", ErrUnavailable, asset, metric)
	}
	if err := checkValue(*body.Value); err != nil {
		return 0, err
	}
	return *body.Value, nil
}

// Retry runs fn up to attempts times while it returns ErrTransient, sleeping
// base*2^n between tries. Any other error, or context cancellation, stops it.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := base * time.Duration(1<<(attempt-1))
			log.Debug().Int("attempt", attempt+1).Dur("backoff", backoff).Err(err).Msg("Retrying metric fetch")
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		err = fn(ctx)
		if err == nil || !errors.Is(err, ErrTransient) {
			return err
		}
	}
	return err
}
