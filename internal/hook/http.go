// Package hook provides the network egress scripts use: an HTTP
// implementation of fetch.Hook with pacing, a circuit breaker and optional
// proxy settings.
package hook

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"scriptcage/internal/cage/fetch"
)

// ErrCircuitOpen is returned while the breaker rejects requests after
// repeated transport failures.
var ErrCircuitOpen = errors.New("fetch hook circuit open")

const (
	defaultTimeout         = 30 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second
	maxRedirects           = 10
)

// Config tunes the HTTP hook. The zero value is usable.
type Config struct {
	Timeout time.Duration `yaml:"timeout"`
	// Proxy is an http(s) proxy URL applied to every request.
	Proxy       string `yaml:"proxy"`
	InsecureTLS bool   `yaml:"insecure_tls" split_words:"true"`
	// RateLimit is requests per second across all runs; zero is unlimited.
	RateLimit float64 `yaml:"rate_limit" split_words:"true"`
	Burst     int     `yaml:"burst"`
	// BreakerFailures is the number of consecutive transport failures that
	// open the circuit.
	BreakerFailures uint32        `yaml:"breaker_failures" split_words:"true"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout" split_words:"true"`
	UserAgent       string        `yaml:"user_agent" split_words:"true"`
}

// HTTP sends script requests over the network. It is shared by every run and
// safe for concurrent use. HTTP status codes never count as failures; only
// transport errors trip the breaker.
type HTTP struct {
	client  *resty.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*resty.Response]
	log     zerolog.Logger
}

var _ fetch.Hook = (*HTTP)(nil)

// New builds the client described by cfg.
func New(cfg Config, log zerolog.Logger) (*HTTP, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = defaultBreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaultBreakerTimeout
	}
	log = log.With().Str("component", "hook").Logger()

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(maxRedirects))
	if cfg.Proxy != "" {
		client.SetProxy(cfg.Proxy)
	}
	if cfg.InsecureTLS {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(1, int(cfg.RateLimit))
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	failures := cfg.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:        "fetch-hook",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
		IsSuccessful: func(err error) bool {
			// A cancelled request says nothing about the remote side.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &HTTP{client: client, limiter: limiter, breaker: breaker, log: log}, nil
}

// Fetch performs req. The request context is cancelled when the script
// aborts req.Signal. The body is handed back unread; closing it releases the
// request.
func (h *HTTP) Fetch(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	if req.Signal.Aborted() {
		return nil, abortErr(req.Signal)
	}

	ctx, cancel := context.WithCancel(ctx)
	stop := make(chan struct{})
	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			cancel()
		})
	}
	go func() {
		select {
		case <-req.Signal.Done():
			cancel()
		case <-stop:
		}
	}()

	if err := h.limiter.Wait(ctx); err != nil {
		release()
		return nil, h.failure(req, fmt.Errorf("rate limit: %w", err))
	}

	begin := time.Now()
	resp, err := h.breaker.Execute(func() (*resty.Response, error) {
		r := h.client.R().
			SetContext(ctx).
			SetHeaders(req.Headers).
			SetDoNotParseResponse(true)
		if len(req.Body) > 0 {
			r.SetBody(req.Body)
		}
		return r.Execute(req.Method, req.URL)
	})
	if err != nil {
		release()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		return nil, h.failure(req, err)
	}

	raw := resp.RawResponse
	h.log.Debug().Str("method", req.Method).Str("url", req.URL).Int("status", raw.StatusCode).
		Dur("elapsed", time.Since(begin)).Msg("hook request")

	final := req.URL
	if raw.Request != nil && raw.Request.URL != nil {
		final = raw.Request.URL.String()
	}
	return &fetch.Response{
		Status:     raw.StatusCode,
		StatusText: http.StatusText(raw.StatusCode),
		URL:        final,
		Redirected: final != req.URL,
		Header:     raw.Header,
		Body:       &releasingBody{ReadCloser: resp.RawBody(), release: release},
	}, nil
}

// failure maps a context cancelled by the signal to ErrAborted.
func (h *HTTP) failure(req *fetch.Request, err error) error {
	if req.Signal.Aborted() {
		return abortErr(req.Signal)
	}
	h.log.Debug().Err(err).Str("method", req.Method).Str("url", req.URL).Msg("hook request failed")
	return err
}

func abortErr(s *fetch.Signal) error {
	if r := s.Reason(); r != "" {
		return fmt.Errorf("%w: %s", fetch.ErrAborted, r)
	}
	return fetch.ErrAborted
}

// State reports the breaker state for health endpoints.
func (h *HTTP) State() gobreaker.State { return h.breaker.State() }

type releasingBody struct {
	io.ReadCloser
	release func()
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.release()
	return err
}
