package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type client struct {
	base string
	http *http.Client
}

func newClient(base string, timeout time.Duration) *client {
	return &client{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: timeout}}
}

func (c *client) get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, "", nil)
}

func (c *client) post(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, "", nil)
}

func (c *client) postImage(ctx context.Context, path string, img []byte) ([]byte, error) {
	body, ct, err := form(nil, img)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, path, ct, body)
}

func (c *client) enroll(ctx context.Context, id int64, name, imageURL string, img []byte) ([]byte, error) {
	body, ct, err := form(map[string]string{
		"id":        strconv.FormatInt(id, 10),
		"name":      name,
		"image_url": imageURL,
	}, img)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, "/api/admin/embeddings", ct, body)
}

func form(fields map[string]string, img []byte) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if img != nil {
		fw, err := mw.CreateFormFile("image", "image")
		if err != nil {
			return nil, "", err
		}
		if _, err := fw.Write(img); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// apiError is the JSON error body the server answers with.
type apiError struct {
	Error string `json:"error"`
}

func (c *client) do(ctx context.Context, method, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		var ae apiError
		if json.Unmarshal(data, &ae) == nil && ae.Error != "" {
			return nil, fmt.Errorf("%s %s: %d: %s", method, path, resp.StatusCode, ae.Error)
		}
		return nil, fmt.Errorf("%s %s: %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return bytes.TrimSpace(data), nil
}
