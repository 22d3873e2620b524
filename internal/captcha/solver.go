// Package captcha solves the game's image captchas with a lazily loaded
// inference session.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/redeemer/internal/metrics"
)

// ErrNotLoaded is returned by a session used after it was closed.
var ErrNotLoaded = errors.New("captcha model not loaded")

// Result is a recognized captcha.
type Result struct {
	Text       string
	Confidence float64
}

// Session runs the model. Run returns one score vector per output position.
type Session interface {
	Run(ctx context.Context, input []float32, shape []int) ([][]float32, error)
	Close() error
}

// Backend loads inference sessions.
type Backend interface {
	Load(ctx context.Context, modelPath string) (Session, error)
}

// Config configures the solver.
type Config struct {
	ModelPath    string
	MetadataPath string
	IdleTimeout  time.Duration
}

type stopper interface{ Stop() bool }

// Solver loads its session on first use and drops it after IdleTimeout
// without calls.
type Solver struct {
	cfg     Config
	backend Backend
	logger  *slog.Logger

	loadMeta  func(path string) (*Metadata, error)
	afterFunc func(d time.Duration, f func()) stopper

	mu      sync.Mutex
	session Session
	meta    *Metadata
	idle    stopper
	gen     uint64
}

// NewSolver creates a solver. Nothing is loaded until the first Solve.
func NewSolver(cfg Config, backend Backend) *Solver {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	return &Solver{
		cfg:      cfg,
		backend:  backend,
		logger:   slog.Default().With("component", "captcha"),
		loadMeta: LoadMetadata,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

// Solve recognizes the captcha in img.
func (s *Solver) Solve(ctx context.Context, img []byte) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLoaded(ctx); err != nil {
		metrics.CaptchaSolves.WithLabelValues("error").Inc()
		return Result{}, err
	}
	s.resetIdle()

	input, err := Preprocess(img, s.meta)
	if err != nil {
		metrics.CaptchaSolves.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("preprocess: %w", err)
	}

	outputs, err := s.session.Run(ctx, input, s.meta.InputShape)
	if err != nil {
		metrics.CaptchaSolves.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("inference: %w", err)
	}

	text, conf, err := Decode(outputs, s.meta)
	if err != nil {
		metrics.CaptchaSolves.WithLabelValues("error").Inc()
		return Result{}, err
	}

	metrics.CaptchaSolves.WithLabelValues("ok").Inc()
	return Result{Text: text, Confidence: conf}, nil
}

// Loaded reports whether a session is resident.
func (s *Solver) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil
}

// Unload releases the session immediately. Safe to call when not loaded.
func (s *Solver) Unload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unloadLocked("forced")
}

func (s *Solver) ensureLoaded(ctx context.Context) error {
	if s.session != nil {
		return nil
	}

	start := time.Now()
	meta, err := s.loadMeta(s.cfg.MetadataPath)
	if err != nil {
		return fmt.Errorf("load metadata: %w", err)
	}
	session, err := s.backend.Load(ctx, s.cfg.ModelPath)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}

	s.session = session
	s.meta = meta
	metrics.CaptchaModelLoaded.Set(1)
	s.logger.Info("Captcha model loaded",
		"model", s.cfg.ModelPath,
		"shape", meta.InputShape,
		"duration", time.Since(start),
	)
	return nil
}

func (s *Solver) resetIdle() {
	if s.idle != nil {
		s.idle.Stop()
	}
	s.gen++
	gen := s.gen
	s.idle = s.afterFunc(s.cfg.IdleTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		// A newer call rescheduled the timer.
		if gen != s.gen {
			return
		}
		s.unloadLocked("idle")
	})
}

func (s *Solver) unloadLocked(reason string) {
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
	if s.session == nil {
		return
	}
	if err := s.session.Close(); err != nil {
		s.logger.Warn("Failed to close captcha session", "error", err)
	}
	s.session = nil
	s.meta = nil
	metrics.CaptchaModelLoaded.Set(0)
	s.logger.Info("Captcha model unloaded", "reason", reason)
}
