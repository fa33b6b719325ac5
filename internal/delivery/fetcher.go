package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"
)

var (
	ErrFetchFailed  = errors.New("fetch failed")
	ErrClientStatus = errors.New("asset rejected by route")
)

// StatusError is a non-2xx response
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d", e.URL, e.StatusCode)
}

// Is maps 4xx responses to ErrClientStatus and everything else to
// ErrFetchFailed. 408 and 429 describe the route, not the asset, so they stay
// retryable fetch failures.
func (e *StatusError) Is(target error) bool {
	if target == ErrClientStatus {
		switch e.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return false
		}
		return e.StatusCode >= 400 && e.StatusCode < 500
	}
	return target == ErrFetchFailed
}

// FetchResult is the outcome of one asset download.
type FetchResult struct {
	URL        string        `json:"url"`
	StatusCode int           `json:"statusCode"`
	Bytes      int64         `json:"bytes"`
	Latency    time.Duration `json:"latency"`
	Attempts   int           `json:"attempts"`
}

// Fetcher downloads a rewritten asset URL. Implementations own their timeout
// and retry policy; the orchestrator only classifies the outcome.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResult, error)
}

// FetcherConfig is the retry policy of an HTTPFetcher
type FetcherConfig struct {
	Attempts   uint          `mapstructure:"attempts"`
	Delay      time.Duration `mapstructure:"delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxBodyLen int64         `mapstructure:"max_body_bytes"`
}

func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		Attempts:   3,
		Delay:      100 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Timeout:    10 * time.Second,
		MaxBodyLen: 64 << 20,
	}
}

// HTTPFetcher downloads assets with net/http, retrying server errors and
// network failures. Client errors are never retried.
type HTTPFetcher struct {
	client *http.Client
	config FetcherConfig
	logger zerolog.Logger
}

// NewHTTPFetcher uses client, or a client with the configured timeout when nil
func NewHTTPFetcher(cfg FetcherConfig, client *http.Client, logger zerolog.Logger) *HTTPFetcher {
	def := DefaultFetcherConfig()
	if cfg.Attempts == 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.Delay <= 0 {
		cfg.Delay = def.Delay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxBodyLen <= 0 {
		cfg.MaxBodyLen = def.MaxBodyLen
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPFetcher{
		client: client,
		config: cfg,
		logger: logger.With().Str("component", "http-fetcher").Logger(),
	}
}

// Fetch downloads url and discards the body, counting its bytes. Latency
// covers the successful attempt only.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (FetchResult, error) {
	result := FetchResult{URL: url}

	err := retry.Do(
		func() error {
			result.Attempts++
			start := time.Now()
			status, n, err := f.get(ctx, url)
			result.StatusCode = status
			result.Bytes = n
			result.Latency = time.Since(start)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(f.config.Attempts),
		retry.Delay(f.config.Delay),
		retry.MaxDelay(f.config.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return retry.IsRecoverable(err) && !errors.Is(err, ErrClientStatus) && !errors.Is(err, context.Canceled)
		}),
		retry.OnRetry(func(n uint, err error) {
			f.logger.Debug().Uint("attempt", n+1).Str("url", url).Err(err).Msg("retrying fetch")
		}),
	)
	if err != nil {
		return result, fmt.Errorf("%w: %s: %w", ErrFetchFailed, url, err)
	}
	return result, nil
}

func (f *HTTPFetcher) get(ctx context.Context, url string) (int, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, retry.Unrecoverable(err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, f.config.MaxBodyLen))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, n, &StatusError{StatusCode: resp.StatusCode, URL: url}
	}
	if err != nil {
		return resp.StatusCode, n, fmt.Errorf("reading body: %w", err)
	}
	return resp.StatusCode, n, nil
}
