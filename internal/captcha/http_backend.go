package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPBackend runs the model on an inference server that exposes
// /v1/models/load, /v1/models/unload and /v1/infer.
type HTTPBackend struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPBackend creates a backend for the inference server at baseURL.
func NewHTTPBackend(baseURL string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPBackend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Load asks the server to load modelPath and returns a session bound to it.
func (b *HTTPBackend) Load(ctx context.Context, modelPath string) (Session, error) {
	var resp struct {
		Handle string `json:"handle"`
	}
	if err := b.call(ctx, "/v1/models/load", map[string]any{"model": modelPath}, &resp); err != nil {
		return nil, err
	}
	if resp.Handle == "" {
		resp.Handle = modelPath
	}
	return &httpSession{backend: b, handle: resp.Handle}, nil
}

type httpSession struct {
	backend *HTTPBackend
	handle  string
	closed  bool
}

func (s *httpSession) Run(ctx context.Context, input []float32, shape []int) ([][]float32, error) {
	if s.closed {
		return nil, ErrNotLoaded
	}
	var resp struct {
		Outputs [][]float32 `json:"outputs"`
	}
	req := map[string]any{"handle": s.handle, "shape": shape, "input": input}
	if err := s.backend.call(ctx, "/v1/infer", req, &resp); err != nil {
		return nil, err
	}
	return resp.Outputs, nil
}

func (s *httpSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.backend.call(context.Background(), "/v1/models/unload", map[string]any{"handle": s.handle}, nil)
}

func (b *HTTPBackend) call(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("inference %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference %s: http %d: %s", path, resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
