package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeSession struct {
	mu      sync.Mutex
	outputs [][]float32
	err     error
	runs    int
	closed  bool
	shape   []int
	inputs  int
}

func (s *fakeSession) Run(ctx context.Context, input []float32, shape []int) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs++
	s.shape = shape
	s.inputs = len(input)
	return s.outputs, s.err
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeBackend struct {
	mu       sync.Mutex
	loads    int
	sessions []*fakeSession
	outputs  [][]float32
	err      error
}

func (b *fakeBackend) Load(ctx context.Context, modelPath string) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	b.loads++
	s := &fakeSession{outputs: b.outputs}
	b.sessions = append(b.sessions, s)
	return s, nil
}

type fakeTimer struct {
	stopped bool
	fire    func()
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

// ============================================================================
// Helpers
// ============================================================================

func testMeta() *Metadata {
	return &Metadata{
		InputShape:     []int{1, 1, 8, 16},
		Mean:           []float64{0.5},
		Std:            []float64{0.5},
		Charset:        "0123456789ABCDEF",
		OutputIsLogits: false,
	}
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func onehot(idx, n int, p float32) []float32 {
	out := make([]float32, n)
	rest := (1 - p) / float32(n-1)
	for i := range out {
		out[i] = rest
	}
	out[idx] = p
	return out
}

func newTestSolver(b Backend) (*Solver, *[]*fakeTimer) {
	s := NewSolver(Config{ModelPath: "model.onnx", MetadataPath: "meta.json", IdleTimeout: time.Minute}, b)
	s.loadMeta = func(string) (*Metadata, error) { return testMeta(), nil }
	timers := &[]*fakeTimer{}
	s.afterFunc = func(d time.Duration, f func()) stopper {
		t := &fakeTimer{fire: f}
		*timers = append(*timers, t)
		return t
	}
	return s, timers
}

// ============================================================================
// Tests
// ============================================================================

func TestSolver_LazyLoadAndReuse(t *testing.T) {
	backend := &fakeBackend{outputs: [][]float32{onehot(10, 16, 0.9), onehot(1, 16, 0.7)}}
	s, _ := newTestSolver(backend)

	if s.Loaded() {
		t.Fatal("expected solver to start unloaded")
	}

	img := testPNG(t)
	for i := 0; i < 3; i++ {
		res, err := s.Solve(context.Background(), img)
		if err != nil {
			t.Fatalf("solve: %v", err)
		}
		if res.Text != "A1" {
			t.Errorf("expected text A1, got %s", res.Text)
		}
		if res.Confidence < 0.79 || res.Confidence > 0.81 {
			t.Errorf("expected confidence 0.8, got %f", res.Confidence)
		}
	}

	if backend.loads != 1 {
		t.Errorf("expected 1 load, got %d", backend.loads)
	}
	sess := backend.sessions[0]
	if sess.runs != 3 {
		t.Errorf("expected 3 runs, got %d", sess.runs)
	}
	if sess.inputs != 8*16 {
		t.Errorf("expected input length %d, got %d", 8*16, sess.inputs)
	}
}

func TestSolver_IdleUnload(t *testing.T) {
	backend := &fakeBackend{outputs: [][]float32{onehot(0, 16, 1)}}
	s, timers := newTestSolver(backend)
	img := testPNG(t)

	if _, err := s.Solve(context.Background(), img); err != nil {
		t.Fatalf("solve: %v", err)
	}
	if _, err := s.Solve(context.Background(), img); err != nil {
		t.Fatalf("solve: %v", err)
	}
	if len(*timers) != 2 {
		t.Fatalf("expected 2 timers, got %d", len(*timers))
	}
	if !(*timers)[0].stopped {
		t.Error("expected first idle timer to be reset")
	}

	// A stale timer firing must not unload.
	(*timers)[0].fire()
	if !s.Loaded() {
		t.Fatal("expected stale timer to be ignored")
	}

	(*timers)[1].fire()
	if s.Loaded() {
		t.Fatal("expected idle timer to unload")
	}
	if !backend.sessions[0].closed {
		t.Error("expected session to be closed")
	}

	// Next call reloads.
	if _, err := s.Solve(context.Background(), img); err != nil {
		t.Fatalf("solve: %v", err)
	}
	if backend.loads != 2 {
		t.Errorf("expected reload, got %d loads", backend.loads)
	}
}

func TestSolver_ForcedUnload(t *testing.T) {
	backend := &fakeBackend{outputs: [][]float32{onehot(0, 16, 1)}}
	s, timers := newTestSolver(backend)

	s.Unload() // no-op while unloaded

	if _, err := s.Solve(context.Background(), testPNG(t)); err != nil {
		t.Fatalf("solve: %v", err)
	}
	s.Unload()
	if s.Loaded() {
		t.Fatal("expected unloaded")
	}
	if !(*timers)[0].stopped {
		t.Error("expected idle timer stopped on forced unload")
	}
}

func TestSolver_Errors(t *testing.T) {
	t.Run("load failure", func(t *testing.T) {
		s, _ := newTestSolver(&fakeBackend{err: errors.New("no model")})
		if _, err := s.Solve(context.Background(), testPNG(t)); err == nil {
			t.Fatal("expected error")
		}
		if s.Loaded() {
			t.Error("expected solver to remain unloaded")
		}
	})

	t.Run("bad image", func(t *testing.T) {
		s, _ := newTestSolver(&fakeBackend{outputs: [][]float32{onehot(0, 16, 1)}})
		if _, err := s.Solve(context.Background(), []byte("not an image")); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("class outside charset", func(t *testing.T) {
		s, _ := newTestSolver(&fakeBackend{outputs: [][]float32{onehot(20, 21, 1)}})
		if _, err := s.Solve(context.Background(), testPNG(t)); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestPreprocess_Normalizes(t *testing.T) {
	meta := testMeta()
	out, err := Preprocess(testPNG(t), meta)
	if err != nil {
		t.Fatalf("preprocess: %v", err)
	}
	if len(out) != 8*16 {
		t.Fatalf("expected %d values, got %d", 8*16, len(out))
	}
	// White pixels: (1 - 0.5) / 0.5 = 1
	for i, v := range out {
		if v < 0.99 || v > 1.01 {
			t.Fatalf("value %d: expected 1, got %f", i, v)
		}
	}
}

func TestDecode_Logits(t *testing.T) {
	meta := testMeta()
	meta.OutputIsLogits = true
	logits := make([]float32, 16)
	logits[3] = 10
	text, conf, err := Decode([][]float32{logits}, meta)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if text != "3" {
		t.Errorf("expected 3, got %s", text)
	}
	if conf < 0.99 {
		t.Errorf("expected confidence near 1, got %f", conf)
	}
}

func TestMetadata_Validate(t *testing.T) {
	good := *testMeta()
	if err := good.Validate(); err != nil {
		t.Fatalf("expected valid metadata, got %v", err)
	}

	bad := good
	bad.Mean = []float64{0.5, 0.5}
	if err := bad.Validate(); err == nil {
		t.Error("expected mean length mismatch to fail")
	}

	bad = good
	bad.InputShape = []int{1, 8, 16}
	if err := bad.Validate(); err == nil {
		t.Error("expected 3-d shape to fail")
	}
}

func TestHTTPBackend(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/v1/models/load":
			_ = json.NewEncoder(w).Encode(map[string]any{"handle": "h1"})
		case "/v1/infer":
			var req map[string]any
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req["handle"] != "h1" {
				t.Errorf("expected handle h1, got %v", req["handle"])
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"outputs": [][]float32{{0.1, 0.9}}})
		case "/v1/models/unload":
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	b := NewHTTPBackend(server.URL, time.Second)
	sess, err := b.Load(context.Background(), "model.onnx")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	out, err := sess.Run(context.Background(), []float32{1}, []int{1, 1, 1, 1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(out) != 1 || out[0][1] != 0.9 {
		t.Errorf("unexpected outputs: %v", out)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := sess.Run(context.Background(), nil, nil); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("expected ErrNotLoaded after close, got %v", err)
	}
	if len(paths) != 3 {
		t.Errorf("expected 3 calls, got %v", paths)
	}
}
