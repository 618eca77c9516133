package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WessleyAI/castmatch/engine/domain"
	"github.com/WessleyAI/castmatch/engine/identify"
	"github.com/WessleyAI/castmatch/engine/index"
	"github.com/WessleyAI/castmatch/engine/ingest"
	"github.com/WessleyAI/castmatch/engine/persist"
	"github.com/WessleyAI/castmatch/pkg/resilience"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type stubExtractor struct {
	vec []float32
	err error
}

func (s *stubExtractor) Extract(context.Context, []byte) ([]float32, error) { return s.vec, s.err }

type fakePipeline struct {
	mu       sync.Mutex
	sum      ingest.Summary
	err      error
	enrolled []ingest.EnrollRequest
	enrollFn func(ingest.EnrollRequest) error
	runs     chan struct{}
}

func (f *fakePipeline) Run(context.Context) (ingest.Summary, error) {
	if f.runs != nil {
		defer func() { f.runs <- struct{}{} }()
	}
	return f.sum, f.err
}

func (f *fakePipeline) Start(ctx context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	go f.Run(ctx)
	return f.sum.RunID, nil
}

func (f *fakePipeline) Enroll(_ context.Context, req ingest.EnrollRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enrolled = append(f.enrolled, req)
	if f.enrollFn != nil {
		return f.enrollFn(req)
	}
	return nil
}

type fixture struct {
	store *persist.Memory
	idx   *index.Index
	ext   *stubExtractor
	pipe  *fakePipeline
	srv   *server
	h     http.Handler
}

func newFixture(t *testing.T, seed bool) *fixture {
	t.Helper()
	ctx := context.Background()
	store := persist.NewMemory()
	f := &fixture{
		store: store,
		idx:   index.New(store, index.Options{Dimension: 2}),
		ext:   &stubExtractor{vec: []float32{1, 0}},
		pipe:  &fakePipeline{},
	}
	if seed {
		require.NoError(t, f.idx.Upsert(ctx, 1, "Alice", "http://img/1", []float32{1, 0}))
		require.NoError(t, f.idx.Upsert(ctx, 2, "Bob", "http://img/2", []float32{0, 1}))
	}
	f.srv = &server{
		ident:     identify.New(f.idx, f.ext, identify.Config{}),
		pipeline:  f.pipe,
		idx:       f.idx,
		reindex:   f.idx.Rebuild,
		breaker:   resilience.NewBreaker(resilience.DefaultBreakerOpts),
		log:       slog.Default(),
		maxUpload: 1 << 20,
		baseCtx:   ctx,
	}
	f.h = f.srv.routes()
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func multipartBody(t *testing.T, fields map[string]string, image []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if image != nil {
		fw, err := mw.CreateFormFile("image", "probe.png")
		require.NoError(t, err)
		_, err = fw.Write(image)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestHealth(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "not_ready", resp["catalog"])
	assert.Equal(t, "closed", resp["model"])
}

func TestCatalogStatus(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/catalog/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var st CatalogStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, CatalogStatus{Status: identify.StatusReady, Entries: 2, Dimension: 2}, st)
}

func TestCatalogStatus_ReportsStoreCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.srv.storeCount = f.store.Count
	require.NoError(t, f.store.Save(ctx, domain.StoredRecord{ID: 3, Vector: []byte("[0,1]")}))

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/catalog/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready","entries":2,"dimension":2,"stored":3}`, rec.Body.String())

	f.srv.storeCount = func(context.Context) (int64, error) { return 0, errors.New("store down") }
	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/catalog/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready","entries":2,"dimension":2}`, rec.Body.String())
}

func TestIdentify_Multipart(t *testing.T) {
	f := newFixture(t, true)
	body, ct := multipartBody(t, nil, pngHeader)
	req := httptest.NewRequest(http.MethodPost, "/api/face/identify", body)
	req.Header.Set("Content-Type", ct)

	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res identify.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, identify.StatusReady, res.Status)
	require.Len(t, res.Matches, 2)
	assert.Equal(t, "Alice", res.Matches[0].DisplayName)
	assert.InDelta(t, 1.0, res.Matches[0].Similarity, 1e-6)
}

func TestIdentify_RawBodyNotReady(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/face/identify", bytes.NewReader(pngHeader)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"not_ready","matches":[]}`, rec.Body.String())
}

func TestIdentify_ErrorMapping(t *testing.T) {
	f := newFixture(t, true)

	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/face/identify", strings.NewReader("not an image")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, ct := multipartBody(t, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/face/identify", body)
	req.Header.Set("Content-Type", ct)
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)

	f.ext.err = errors.New("no face detected")
	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/face/identify", bytes.NewReader(pngHeader)))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "no face detected")

	f.ext.err = resilience.ErrCircuitOpen
	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/face/identify", bytes.NewReader(pngHeader)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	f.ext.err = nil
	f.ext.vec = []float32{1, 0, 0}
	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/face/identify", bytes.NewReader(pngHeader)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "dimension mismatch")
}

func TestIdentify_TooLarge(t *testing.T) {
	f := newFixture(t, true)
	f.srv.maxUpload = 8
	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/face/identify", bytes.NewReader(pngHeader)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "too large")
}

func TestRecast_BestMatchOnly(t *testing.T) {
	f := newFixture(t, true)
	f.ext.vec = []float32{0.1, 1}
	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/face/recast", bytes.NewReader(pngHeader)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp RecastResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, identify.StatusReady, resp.Status)
	require.NotNil(t, resp.Match)
	assert.Equal(t, int64(2), resp.Match.ID)

	f = newFixture(t, false)
	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/face/recast", bytes.NewReader(pngHeader)))
	assert.JSONEq(t, `{"status":"not_ready"}`, rec.Body.String())
}

func TestIngest_ReturnsSummaryText(t *testing.T) {
	f := newFixture(t, false)
	f.pipe.sum = ingest.Summary{RunID: "r1", Ingested: 3}

	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/admin/catalog/ingest", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Batch completed. Saved 3 actors.\n", rec.Body.String())
	assert.Equal(t, "r1", rec.Header().Get("X-Run-ID"))
}

func TestIngest_AbortedAndInProgress(t *testing.T) {
	f := newFixture(t, false)
	f.pipe.sum = ingest.Summary{RunID: "r2", Pages: 1, Ingested: 2, Aborted: true}
	f.pipe.err = domain.Transport("fetch page", errors.New("reset"))

	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/admin/catalog/ingest", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "Saved 2 actors.")

	f.pipe.sum, f.pipe.err = ingest.Summary{}, domain.ErrRunInProgress
	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/admin/catalog/ingest", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestIngest_Async(t *testing.T) {
	f := newFixture(t, false)
	f.pipe.runs = make(chan struct{}, 1)
	f.pipe.sum = ingest.Summary{RunID: "r3"}

	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/admin/catalog/ingest?async=true", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "r3", rec.Header().Get("X-Run-ID"))
	assert.Equal(t, "Batch started.\n", rec.Body.String())
	<-f.pipe.runs
}

func TestIngest_AsyncWhileRunInProgress(t *testing.T) {
	f := newFixture(t, false)
	f.pipe.err = domain.ErrRunInProgress

	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/admin/catalog/ingest?async=true", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.NotContains(t, rec.Body.String(), "Batch started.")
}

func TestReindex(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/admin/catalog/reindex", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"loaded":2,"skipped":0}`, rec.Body.String())
}

func TestEnroll(t *testing.T) {
	f := newFixture(t, false)
	body, ct := multipartBody(t, map[string]string{"id": "42", "name": " Ada ", "image_url": "http://img/42"}, pngHeader)
	req := httptest.NewRequest(http.MethodPost, "/api/admin/embeddings", body)
	req.Header.Set("Content-Type", ct)

	rec := f.do(req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, f.pipe.enrolled, 1)
	got := f.pipe.enrolled[0]
	assert.Equal(t, int64(42), got.ID)
	assert.Equal(t, "Ada", got.DisplayName)
	assert.Equal(t, "http://img/42", got.ImageURL)
	assert.Equal(t, pngHeader, got.Image)
}

func TestEnroll_Errors(t *testing.T) {
	f := newFixture(t, false)

	body, ct := multipartBody(t, map[string]string{"id": "abc"}, pngHeader)
	req := httptest.NewRequest(http.MethodPost, "/api/admin/embeddings", body)
	req.Header.Set("Content-Type", ct)
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)

	f.pipe.enrollFn = func(ingest.EnrollRequest) error {
		return domain.Persistence("index: save 7", errors.New("disk full"))
	}
	body, ct = multipartBody(t, map[string]string{"id": "7"}, pngHeader)
	req = httptest.NewRequest(http.MethodPost, "/api/admin/embeddings", body)
	req.Header.Set("Content-Type", ct)
	rec := f.do(req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk full")
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		domain.NewValidationError("k", "0", domain.ErrInvalidArgument): http.StatusBadRequest,
		domain.ErrRunInProgress:                   http.StatusConflict,
		domain.Extraction("x", errors.New("bad")): http.StatusUnprocessableEntity,
		domain.NotFound("x", nil):                 http.StatusNotFound,
		domain.Transport("x", errors.New("eof")):  http.StatusBadGateway,
		errors.New("boom"):                        http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}
