package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxBlobResponseBytes = 64 << 20

// HTTPStore talks to a remote blob side-channel service over HTTP:
// POST /upload/{folder} stores bytes and returns the opaque path,
// GET /upload?path= reads them back, DELETE /upload?path= removes them.
type HTTPStore struct {
	baseURL    string
	httpClient *http.Client
}

type HTTPOption func(*HTTPStore)

func WithHTTPClient(client *http.Client) HTTPOption {
	return func(s *HTTPStore) {
		if client != nil {
			s.httpClient = client
		}
	}
}

func NewHTTPStore(baseURL string, opts ...HTTPOption) (*HTTPStore, error) {
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("blob base url is required")
	}
	s := &HTTPStore{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

type uploadResponse struct {
	Path string `json:"path"`
}

type deleteResponse struct {
	Deleted bool `json:"deleted"`
}

func (s *HTTPStore) Upload(ctx context.Context, data []byte, name, folder string) (string, error) {
	folder = strings.TrimSpace(folder)
	if folder == "" {
		return "", fmt.Errorf("blob folder is required")
	}
	uploadURL := s.baseURL + "/upload/" + url.PathEscape(folder)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("content-type", "application/octet-stream")
	req.Header.Set("x-blob-name", strings.TrimSpace(name))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload blob: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upload blob: %s", readErrorBody(resp))
	}

	var parsed uploadResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if strings.TrimSpace(parsed.Path) == "" {
		return "", fmt.Errorf("upload response missing path")
	}
	return parsed.Path, nil
}

func (s *HTTPStore) Read(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.pathURL(path), nil)
	if err != nil {
		return nil, fmt.Errorf("build read request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("read blob: %s", readErrorBody(resp))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBlobResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read blob body: %w", err)
	}
	return data, nil
}

func (s *HTTPStore) Delete(ctx context.Context, path string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.pathURL(path), nil)
	if err != nil {
		return false, fmt.Errorf("build delete request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("delete blob: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("delete blob: %s", readErrorBody(resp))
	}
	var parsed deleteResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return false, fmt.Errorf("decode delete response: %w", err)
	}
	return parsed.Deleted, nil
}

func (s *HTTPStore) pathURL(path string) string {
	return s.baseURL + "/upload?path=" + url.QueryEscape(path)
}

func readErrorBody(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return fmt.Sprintf("status %d: %s", resp.StatusCode, message)
}
