package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WessleyAI/castmatch/engine/ingest"
	"github.com/WessleyAI/castmatch/pkg/natsutil"
	"github.com/WessleyAI/castmatch/pkg/natsutil/natstest"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestIdentify(t *testing.T) {
	var gotPath string
	var gotImage []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		f, _, err := r.FormFile("image")
		require.NoError(t, err)
		gotImage, _ = io.ReadAll(f)
		w.Write([]byte(`{"status":"ready","matches":[]}`))
	}))
	defer srv.Close()

	img := filepath.Join(t.TempDir(), "probe.jpg")
	require.NoError(t, os.WriteFile(img, []byte("jpeg"), 0o644))

	out, err := execute(t, "--server", srv.URL, "identify", img)
	require.NoError(t, err)
	assert.Equal(t, "/api/face/identify", gotPath)
	assert.Equal(t, "jpeg", string(gotImage))
	assert.Contains(t, out, `"status":"ready"`)

	_, err = execute(t, "--server", srv.URL, "identify", "--best", img)
	require.NoError(t, err)
	assert.Equal(t, "/api/face/recast", gotPath)
}

func TestIngest_ServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"ingestion run already in progress"}`))
	}))
	defer srv.Close()

	_, err := execute(t, "--server", srv.URL, "ingest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "already in progress")
}

func TestIngest_PrintsSummary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("async"))
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("Batch started.\n"))
	}))
	defer srv.Close()

	out, err := execute(t, "--server", srv.URL, "ingest", "--async")
	require.NoError(t, err)
	assert.Equal(t, "Batch started.", out)
}

func TestIngest_ViaNATS(t *testing.T) {
	nc := natstest.Connect(t)
	_, err := natsutil.Handle(nc, ingest.RunSubject, "", nil, func(_ context.Context, req ingest.RunRequest) (ingest.Summary, error) {
		assert.Contains(t, req.Requester, "castmatch@")
		return ingest.Summary{Ingested: 4}, nil
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	out, err := execute(t, "ingest", "--nats", nc.ConnectedUrl(), "--timeout", (5 * time.Second).String())
	require.NoError(t, err)
	assert.Equal(t, "Batch completed. Saved 4 actors.\n", out)
}

func TestEnroll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/admin/embeddings", r.URL.Path)
		assert.Equal(t, "12", r.FormValue("id"))
		assert.Equal(t, "Ada", r.FormValue("name"))
		assert.Equal(t, "http://img/12.jpg", r.FormValue("image_url"))
		_, _, err := r.FormFile("image")
		assert.Error(t, err, "no file was given")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":12,"status":"enrolled"}`))
	}))
	defer srv.Close()

	out, err := execute(t, "--server", srv.URL, "enroll", "12", "--name", "Ada", "--image-url", "http://img/12.jpg")
	require.NoError(t, err)
	assert.Contains(t, out, "enrolled")

	_, err = execute(t, "--server", srv.URL, "enroll", "12")
	assert.Error(t, err)
	_, err = execute(t, "--server", srv.URL, "enroll", "x", "--image-url", "u")
	assert.Error(t, err)
}

func TestStatusAndReindex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/catalog/status":
			w.Write([]byte(`{"status":"not_ready","entries":0,"dimension":512}`))
		case "/api/admin/catalog/reindex":
			w.Write([]byte(`{"loaded":0,"skipped":0}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	out, err := execute(t, "--server", srv.URL, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "not_ready")

	out, err = execute(t, "--server", srv.URL, "reindex")
	require.NoError(t, err)
	assert.Contains(t, out, `"loaded":0`)
}
