// Package faceembed is an HTTP client for the face embedding model service.
// The service takes raw image bytes and answers {"embedding": [...]}.
package faceembed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/WessleyAI/castmatch/pkg/resilience"
)

// ErrRejected is returned when the model refuses an image (4xx), e.g. when
// no face is found. It does not count against the circuit breaker.
var ErrRejected = errors.New("faceembed: image rejected")

// StatusError carries a non-2xx answer from the model service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("faceembed: status %d: %s", e.Code, e.Body)
}

// Is makes 4xx answers match ErrRejected.
func (e *StatusError) Is(target error) bool {
	return target == ErrRejected && e.Code >= 400 && e.Code < 500
}

// Options configures a Client.
type Options struct {
	Timeout          time.Duration
	BreakerThreshold int
	BreakerTimeout   time.Duration
	Logger           *slog.Logger
	HTTPClient       *http.Client
}

// Client calls the model service through a circuit breaker.
type Client struct {
	url     string
	client  *http.Client
	breaker *resilience.Breaker
}

// New creates a Client posting to url.
func New(url string, opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		url:    url,
		client: hc,
		breaker: resilience.NewBreaker(resilience.BreakerOpts{
			FailThreshold: opts.BreakerThreshold,
			Timeout:       opts.BreakerTimeout,
			IsFailure:     func(err error) bool { return !errors.Is(err, ErrRejected) },
			OnStateChange: func(from, to resilience.State) {
				log.Warn("faceembed: circuit breaker", "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Breaker exposes the circuit breaker state for health reporting.
func (c *Client) Breaker() *resilience.Breaker { return c.breaker }

type embedResp struct {
	Embedding []float64 `json:"embedding"`
}

// Extract returns the embedding the model computes for image.
func (c *Client) Extract(ctx context.Context, image []byte) ([]float32, error) {
	var out []float32
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		v, err := c.embed(ctx, image)
		out = v
		return err
	})
	return out, err
}

func (c *Client) embed(ctx context.Context, image []byte) ([]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("faceembed: %w", err)
	}
	req.Header.Set("Content-Type", http.DetectContentType(image))
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("faceembed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}

	var result embedResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("faceembed: decode: %w", err)
	}
	if len(result.Embedding) == 0 {
		return nil, &StatusError{Code: http.StatusUnprocessableEntity, Body: "empty embedding"}
	}

	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}
