package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/WessleyAI/castmatch/engine/domain"
	"github.com/WessleyAI/castmatch/pkg/fn"
	"github.com/WessleyAI/castmatch/pkg/resilience"
)

// ErrTooLarge is returned when a photo exceeds the configured size limit.
var ErrTooLarge = errors.New("catalog: photo too large")

// DefaultMaxPhotoBytes bounds a downloaded photo.
const DefaultMaxPhotoBytes = 10 << 20

// FetcherOptions configures an HTTPFetcher.
type FetcherOptions struct {
	MaxBytes int64
	// RequestsPerSecond bounds downloads across the fetcher. <= 0 disables limiting.
	RequestsPerSecond float64
	Retry             fn.RetryOpts
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// HTTPFetcher downloads photos with a plain GET, status validation, a size
// limit and retries on transient failures.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
	limiter  *rate.Limiter
	retry    fn.RetryOpts
	log      *slog.Logger
}

// NewHTTPFetcher creates an HTTPFetcher.
func NewHTTPFetcher(opts FetcherOptions) *HTTPFetcher {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxPhotoBytes
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = fn.DefaultRetry
	}
	f := &HTTPFetcher{
		client:   opts.HTTPClient,
		maxBytes: opts.MaxBytes,
		limiter:  resilience.NewLimiter(opts.RequestsPerSecond, 1),
		retry:    opts.Retry,
		log:      opts.Logger,
	}
	if f.retry.RetryIf == nil {
		f.retry.RetryIf = transient
	}
	if f.retry.OnRetry == nil {
		f.retry.OnRetry = func(attempt int, err error) {
			f.log.Warn("catalog: retrying photo download", "attempt", attempt, "error", err)
		}
	}
	return f
}

// Fetch downloads url. Failures are domain.ErrTransport, except a 404 which
// is domain.ErrNotFound.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	get := resilience.LimitStage(f.limiter, fn.Lift(f.get))
	data, err := fn.Retry(ctx, f.retry, func(ctx context.Context) fn.Result[[]byte] {
		return get(ctx, url)
	}).Unwrap()
	if err == nil {
		return data, nil
	}
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil, domain.NotFound("catalog: fetch "+url, err)
	}
	return nil, domain.Transport("catalog: fetch "+url, err)
}

func (f *HTTPFetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, &StatusError{Code: resp.StatusCode}
	}
	if resp.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	var buf bytes.Buffer
	n, err := buf.ReadFrom(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if n > f.maxBytes {
		return nil, fmt.Errorf("%w: over %d bytes", ErrTooLarge, f.maxBytes)
	}
	if n == 0 {
		return nil, errors.New("empty body")
	}
	return buf.Bytes(), nil
}

// transient reports whether a download failure is worth retrying.
func transient(err error) bool {
	if errors.Is(err, ErrTooLarge) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}
