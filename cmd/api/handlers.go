package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/WessleyAI/castmatch/engine/domain"
	"github.com/WessleyAI/castmatch/engine/identify"
	"github.com/WessleyAI/castmatch/engine/index"
	"github.com/WessleyAI/castmatch/engine/ingest"
	"github.com/WessleyAI/castmatch/pkg/resilience"
)

type identifier interface {
	IdentifyImage(ctx context.Context, image []byte) (identify.Result, error)
	BestMatch(ctx context.Context, image []byte) (identify.Result, error)
}

type pipeline interface {
	Run(ctx context.Context) (ingest.Summary, error)
	Start(ctx context.Context) (string, error)
	Enroll(ctx context.Context, req ingest.EnrollRequest) error
}

type catalogIndex interface {
	Len() int
	Dimension() int
}

type server struct {
	ident    identifier
	pipeline pipeline
	idx      catalogIndex
	reindex  func(context.Context) (index.LoadStats, error)
	// storeCount, when set, reports the durable record count on the status route.
	storeCount func(context.Context) (int64, error)
	breaker    *resilience.Breaker
	log        *slog.Logger
	maxUpload  int64
	// baseCtx outlives requests; asynchronous runs are bound to it.
	baseCtx context.Context
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/catalog/status", s.handleCatalogStatus)
	mux.HandleFunc("POST /api/face/identify", s.handleIdentify)
	mux.HandleFunc("POST /api/face/recast", s.handleRecast)
	mux.HandleFunc("POST /api/admin/catalog/ingest", s.handleIngest)
	mux.HandleFunc("POST /api/admin/catalog/reindex", s.handleReindex)
	mux.HandleFunc("POST /api/admin/embeddings", s.handleEnroll)
	return mux
}

func (s *server) catalogStatus() identify.Status {
	if s.idx.Len() == 0 {
		return identify.StatusNotReady
	}
	return identify.StatusReady
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok", "catalog": s.catalogStatus()}
	if s.breaker != nil {
		resp["model"] = s.breaker.State().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// CatalogStatus is the response of GET /api/catalog/status.
type CatalogStatus struct {
	Status    identify.Status `json:"status"`
	Entries   int             `json:"entries"`
	Dimension int             `json:"dimension"`
	// Stored is the store's record count; it differs from Entries when the
	// index needs a reindex.
	Stored *int64 `json:"stored,omitempty"`
}

func (s *server) handleCatalogStatus(w http.ResponseWriter, r *http.Request) {
	out := CatalogStatus{Status: s.catalogStatus(), Entries: s.idx.Len(), Dimension: s.idx.Dimension()}
	if s.storeCount != nil {
		if n, err := s.storeCount(r.Context()); err != nil {
			s.log.Warn("catalog status: count store", "error", err)
		} else {
			out.Stored = &n
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	img, err := s.readImage(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.ident.IdentifyImage(r.Context(), img)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RecastResponse is the response of POST /api/face/recast.
type RecastResponse struct {
	Status identify.Status `json:"status"`
	Match  *domain.Match   `json:"match,omitempty"`
}

func (s *server) handleRecast(w http.ResponseWriter, r *http.Request) {
	img, err := s.readImage(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.ident.BestMatch(r.Context(), img)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := RecastResponse{Status: res.Status}
	if best, ok := res.Best(); ok {
		out.Match = &best
	}
	writeJSON(w, http.StatusOK, out)
}

// handleIngest runs the pipeline and answers with the text summary. With
// ?async=true the lease is taken, the run continues in the background and 202
// is returned.
func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		runID, err := s.pipeline.Start(s.baseCtx)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Run-ID", runID)
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, "Batch started.\n")
		return
	}

	sum, err := s.pipeline.Run(r.Context())
	if errors.Is(err, domain.ErrRunInProgress) {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Run-ID", sum.RunID)
	w.WriteHeader(status)
	fmt.Fprintln(w, sum.String())
}

func (s *server) handleReindex(w http.ResponseWriter, r *http.Request) {
	stats, err := s.reindex(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		s.writeError(w, r, domain.NewValidationError("form", err.Error(), domain.ErrInvalidArgument))
		return
	}
	id, err := strconv.ParseInt(r.FormValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, r, domain.NewValidationError("id", r.FormValue("id"), domain.ErrInvalidArgument))
		return
	}
	req := ingest.EnrollRequest{
		ID:          id,
		DisplayName: strings.TrimSpace(r.FormValue("name")),
		ImageURL:    strings.TrimSpace(r.FormValue("image_url")),
	}
	if f, _, err := r.FormFile("image"); err == nil {
		req.Image, err = io.ReadAll(f)
		f.Close()
		if err != nil {
			s.writeError(w, r, domain.NewValidationError("image", err.Error(), domain.ErrInvalidArgument))
			return
		}
	}
	if err := s.pipeline.Enroll(r.Context(), req); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "status": "enrolled"})
}

// readImage takes the probe from the multipart field "image", or from the raw
// body when the request is not multipart.
func (s *server) readImage(r *http.Request) ([]byte, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(s.maxUpload); err != nil {
			return nil, domain.NewValidationError("form", err.Error(), domain.ErrInvalidArgument)
		}
		f, _, err := r.FormFile("image")
		if err != nil {
			return nil, domain.NewValidationError("image", "", domain.ErrEmptyProbe)
		}
		defer f.Close()
		return readAll(f, s.maxUpload)
	}
	return readAll(r.Body, s.maxUpload)
}

func readAll(r io.Reader, limit int64) ([]byte, error) {
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, domain.NewValidationError("image", err.Error(), domain.ErrInvalidArgument)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, domain.NewValidationError("image", strconv.Itoa(len(data))+" bytes", domain.ErrProbeTooLarge)
	}
	return data, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrExtraction):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "error", err)
		msg = "internal server error"
	} else {
		s.log.Warn("request rejected", "path", r.URL.Path, "status", code, "error", err)
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
