// Package catalog reads the external people catalog (TMDB "popular people")
// page by page and downloads reference photos.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/WessleyAI/castmatch/engine/domain"
	"github.com/WessleyAI/castmatch/pkg/fn"
	"github.com/WessleyAI/castmatch/pkg/resilience"
)

const (
	DefaultBaseURL   = "https://api.themoviedb.org/3"
	DefaultImageBase = "https://image.tmdb.org/t/p/w500"
)

// TMDBOptions configures a TMDB source.
type TMDBOptions struct {
	BaseURL   string
	APIKey    string
	ImageBase string
	// RequestsPerSecond bounds page fetches. <= 0 disables limiting.
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// TMDB pages through /person/popular.
type TMDB struct {
	baseURL   string
	apiKey    string
	imageBase string
	client    *http.Client
	limiter   *rate.Limiter
	log       *slog.Logger
	fetch     fn.Stage[int, domain.Page]
}

// NewTMDB creates a TMDB catalog source.
func NewTMDB(opts TMDBOptions) *TMDB {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.ImageBase == "" {
		opts.ImageBase = DefaultImageBase
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	t := &TMDB{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		apiKey:    opts.APIKey,
		imageBase: strings.TrimRight(opts.ImageBase, "/"),
		client:    opts.HTTPClient,
		limiter:   resilience.NewLimiter(opts.RequestsPerSecond, 1),
		log:       opts.Logger,
	}
	t.fetch = resilience.LimitStage(t.limiter, fn.Lift(t.fetchPage))
	return t
}

type popularResponse struct {
	Page       int `json:"page"`
	TotalPages int `json:"total_pages"`
	Results    []struct {
		ID          int64   `json:"id"`
		Name        string  `json:"name"`
		ProfilePath *string `json:"profile_path"`
	} `json:"results"`
}

// FetchPage returns catalog page n (1-based). Any transport, status or parse
// failure is a domain.ErrTransport.
func (t *TMDB) FetchPage(ctx context.Context, n int) (domain.Page, error) {
	if n < 1 {
		return domain.Page{}, domain.NewValidationError("page", strconv.Itoa(n), domain.ErrInvalidArgument)
	}
	return t.fetch(ctx, n).Unwrap()
}

func (t *TMDB) fetchPage(ctx context.Context, n int) (domain.Page, error) {
	op := "catalog: fetch page " + strconv.Itoa(n)

	q := url.Values{}
	q.Set("page", strconv.Itoa(n))
	q.Set("api_key", t.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/person/popular?"+q.Encode(), nil)
	if err != nil {
		return domain.Page{}, domain.Transport(op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return domain.Page{}, domain.Transport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return domain.Page{}, domain.Transport(op, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))})
	}

	var pr popularResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return domain.Page{}, domain.Transport(op, fmt.Errorf("decode: %w", err))
	}

	page := domain.Page{Number: n, TotalPages: pr.TotalPages, Entities: make([]domain.Entity, 0, len(pr.Results))}
	for _, r := range pr.Results {
		e := domain.Entity{ID: r.ID, DisplayName: r.Name}
		if r.ProfilePath != nil && *r.ProfilePath != "" {
			e.PhotoURL = t.photoURL(*r.ProfilePath)
		}
		page.Entities = append(page.Entities, e)
	}
	t.log.Debug("catalog: page fetched", "page", n, "entities", len(page.Entities), "total_pages", pr.TotalPages)
	return page, nil
}

func (t *TMDB) photoURL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return t.imageBase + path
}

// StatusError is a non-2xx answer from a catalog or image host.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return "status " + strconv.Itoa(e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}
