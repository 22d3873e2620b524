// Package feed keeps the local code store and the shared remote code feed in
// step.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/redeemer/internal/batch"
	"github.com/vietddude/redeemer/internal/core/domain"
	"github.com/vietddude/redeemer/internal/infra/feedapi"
	"github.com/vietddude/redeemer/internal/infra/storage"
	"github.com/vietddude/redeemer/internal/metrics"
	"github.com/vietddude/redeemer/internal/queue"
	"github.com/vietddude/redeemer/internal/redeem"
)

// Client is the remote feed.
type Client interface {
	List(ctx context.Context) ([]feedapi.Entry, []string, error)
	Add(ctx context.Context, code string, expiresOn *time.Time) error
	Remove(ctx context.Context, code string) error
	Exists(ctx context.Context, code string) (bool, error)
}

// Planner builds processes.
type Planner interface {
	Validation(ctx context.Context, code, createdBy string) (*domain.Process, error)
	Redeem(ctx context.Context, code string, allianceID int64, createdBy string, priority int) (*domain.Process, error)
}

// Scheduler runs processes.
type Scheduler interface {
	Submit(ctx context.Context, proc *domain.Process) (queue.Decision, error)
	SubmitAndWait(ctx context.Context, proc *domain.Process) (batch.Summary, error)
}

// Config tunes the sync cadence.
type Config struct {
	MinInterval        time.Duration
	MaxInterval        time.Duration
	RevalidateInterval time.Duration
	MaxParallel        int
	Backoff            BackoffConfig
}

// DefaultConfig syncs every 5-10 minutes and revalidates daily.
func DefaultConfig() Config {
	return Config{
		MinInterval:        5 * time.Minute,
		MaxInterval:        10 * time.Minute,
		RevalidateInterval: 24 * time.Hour,
		MaxParallel:        4,
		Backoff:            DefaultBackoffConfig(),
	}
}

// Verdict is what a validation run says about a code.
type Verdict int

const (
	VerdictUnknown Verdict = iota
	VerdictValid
	VerdictInvalid
)

func (v Verdict) String() string {
	switch v {
	case VerdictValid:
		return "valid"
	case VerdictInvalid:
		return "invalid"
	}
	return "unknown"
}

// Report summarizes one SyncOnce.
type Report struct {
	Fetched       int
	Malformed     int
	Added         []string
	Rejected      []string
	Inconclusive  []string
	Pushed        []string
	Revalidated   int
	AutoRedeemErr error
}

// Synchronizer reconciles the remote feed with the local store.
type Synchronizer struct {
	feed      Client
	codes     storage.GiftCodeRepository
	alliances storage.AllianceRepository
	planner   Planner
	scheduler Scheduler
	backoff   *Backoff
	cfg       Config
	logger    *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64

	delay atomic.Int64

	mu             sync.Mutex
	lastRevalidate time.Time
}

// NewSynchronizer creates a synchronizer.
func NewSynchronizer(feed Client, codes storage.GiftCodeRepository, alliances storage.AllianceRepository, planner Planner, scheduler Scheduler, cfg Config) *Synchronizer {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 5 * time.Minute
	}
	if cfg.MaxInterval < cfg.MinInterval {
		cfg.MaxInterval = cfg.MinInterval
	}
	if cfg.RevalidateInterval <= 0 {
		cfg.RevalidateInterval = 24 * time.Hour
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	return &Synchronizer{
		feed:      feed,
		codes:     codes,
		alliances: alliances,
		planner:   planner,
		scheduler: scheduler,
		backoff:   NewBackoff(cfg.Backoff, rand.Float64),
		cfg:       cfg,
		logger:    slog.Default().With("component", "feed"),
		now:       time.Now,
		sleep:     redeem.Sleep,
		rand:      rand.Float64,
	}
}

// Backoff returns the delay applied after the last sync, or zero when that
// sync succeeded.
func (s *Synchronizer) Backoff() time.Duration {
	return time.Duration(s.delay.Load())
}

// Run syncs until ctx is done. Failures are logged and delay the next cycle;
// they never stop the loop.
func (s *Synchronizer) Run(ctx context.Context) error {
	s.logger.Info("Feed synchronizer started",
		"min_interval", s.cfg.MinInterval,
		"max_interval", s.cfg.MaxInterval,
	)
	for {
		wait := s.cycle(ctx)
		if err := s.sleep(ctx, wait); err != nil {
			s.logger.Info("Feed synchronizer stopped")
			return nil
		}
	}
}

// cycle runs one sync and returns how long to wait before the next.
func (s *Synchronizer) cycle(ctx context.Context) time.Duration {
	report, err := s.SyncOnce(ctx)
	if err == nil {
		s.backoff.Reset()
		metrics.FeedSyncs.WithLabelValues("ok").Inc()
		metrics.FeedBackoff.Set(0)
		s.delay.Store(0)
		s.logger.Info("Feed sync finished",
			"fetched", report.Fetched,
			"added", len(report.Added),
			"rejected", len(report.Rejected),
			"pushed", len(report.Pushed),
			"revalidated", report.Revalidated,
		)
		return s.interval()
	}
	if ctx.Err() != nil {
		return 0
	}

	var delay time.Duration
	var httpErr *feedapi.HTTPError
	switch {
	case errors.Is(err, feedapi.ErrRateLimited):
		delay = s.backoff.OnRateLimited()
		if errors.As(err, &httpErr) && httpErr.RetryAfter > delay {
			delay = httpErr.RetryAfter
		}
		metrics.FeedSyncs.WithLabelValues("rate_limited").Inc()
	case errors.Is(err, feedapi.ErrServer):
		delay = s.backoff.OnServerError()
		metrics.FeedSyncs.WithLabelValues("server_error").Inc()
	default:
		delay = s.backoff.OnServerError()
		metrics.FeedSyncs.WithLabelValues("error").Inc()
	}
	metrics.FeedBackoff.Set(delay.Seconds())
	s.delay.Store(int64(delay))
	s.logger.Warn("Feed sync failed", "error", err, "retry_in", delay)
	return delay
}

func (s *Synchronizer) interval() time.Duration {
	span := s.cfg.MaxInterval - s.cfg.MinInterval
	return s.cfg.MinInterval + time.Duration(float64(span)*s.rand())
}

// SyncOnce runs one reconciliation. Only failures talking to the feed itself
// are returned; per-code problems land in the report.
func (s *Synchronizer) SyncOnce(ctx context.Context) (*Report, error) {
	report := &Report{}

	entries, malformed, err := s.feed.List(ctx)
	if err != nil {
		return report, fmt.Errorf("list feed: %w", err)
	}
	report.Fetched = len(entries)
	report.Malformed = len(malformed)

	for _, line := range malformed {
		code := strings.Fields(line)
		if len(code) == 0 {
			continue
		}
		s.logger.Warn("Removing malformed feed entry", "entry", line)
		if err := s.feed.Remove(ctx, code[0]); err != nil {
			s.logger.Warn("Failed to remove malformed entry", "entry", line, "error", err)
		}
	}

	var fresh []string
	for _, e := range entries {
		_, err := s.codes.Get(ctx, e.Code)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrCodeNotFound) {
			return report, fmt.Errorf("lookup %s: %w", e.Code, err)
		}

		verdict, vip := s.validate(ctx, e.Code, domain.ActorFeedSync)
		switch verdict {
		case VerdictUnknown:
			report.Inconclusive = append(report.Inconclusive, e.Code)
			continue
		case VerdictInvalid:
			report.Rejected = append(report.Rejected, e.Code)
		case VerdictValid:
			report.Added = append(report.Added, e.Code)
			fresh = append(fresh, e.Code)
		}
		if err := s.store(ctx, e, verdict, vip); err != nil {
			s.logger.Warn("Failed to store feed code", "code", e.Code, "error", err)
		}
	}

	if len(fresh) > 0 {
		report.AutoRedeemErr = s.autoRedeem(ctx, fresh)
		if report.AutoRedeemErr != nil {
			s.logger.Warn("Some auto-redeem batches failed to start", "error", report.AutoRedeemErr)
		}
	}

	pushed, err := s.push(ctx)
	report.Pushed = pushed
	if err != nil {
		return report, err
	}

	report.Revalidated = s.revalidate(ctx)
	return report, nil
}

// validate runs a validation-only process and waits for it.
func (s *Synchronizer) validate(ctx context.Context, code, actor string) (Verdict, bool) {
	proc, err := s.planner.Validation(ctx, code, actor)
	if err != nil {
		s.logger.Warn("Cannot validate code", "code", code, "error", err)
		return VerdictUnknown, false
	}
	summary, err := s.scheduler.SubmitAndWait(ctx, proc)
	if err != nil {
		s.logger.Warn("Validation run failed", "code", code, "error", err)
		return VerdictUnknown, false
	}
	if len(summary.Results) == 0 {
		return VerdictUnknown, false
	}
	res := summary.Results[0]
	active := res.Status.CodeActive()
	switch {
	case active == nil:
		s.logger.Info("Validation inconclusive", "code", code, "status", res.Status)
		return VerdictUnknown, false
	case *active:
		return VerdictValid, res.Status.IsVIPRestriction()
	default:
		return VerdictInvalid, false
	}
}

func (s *Synchronizer) store(ctx context.Context, e feedapi.Entry, verdict Verdict, vip bool) error {
	now := s.now()
	status := domain.CodeStatusActive
	if verdict == VerdictInvalid {
		status = domain.CodeStatusInvalid
	}
	exp := e.ExpiresOn
	err := s.codes.Create(ctx, &domain.GiftCode{
		Code:        e.Code,
		ExpiresOn:   &exp,
		Status:      status,
		IsVIP:       vip,
		Source:      domain.CodeSourceFeed,
		Pushed:      true,
		ValidatedAt: &now,
	})
	if errors.Is(err, storage.ErrCodeExists) {
		return nil
	}
	return err
}

// autoRedeem starts a batch per (code, auto-redeem alliance). A failure for
// one alliance does not stop the others.
func (s *Synchronizer) autoRedeem(ctx context.Context, codes []string) error {
	alliances, err := s.alliances.ListAutoRedeem(ctx)
	if err != nil {
		return fmt.Errorf("list auto-redeem alliances: %w", err)
	}

	var (
		mu   sync.Mutex
		errs error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxParallel)
	for _, code := range codes {
		for _, a := range alliances {
			g.Go(func() error {
				if err := s.startRedeem(gctx, code, a); err != nil {
					mu.Lock()
					errs = multierr.Append(errs, err)
					mu.Unlock()
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	return errs
}

func (s *Synchronizer) startRedeem(ctx context.Context, code string, a *domain.Alliance) error {
	priority := domain.PriorityAuto + a.RedeemPriority
	proc, err := s.planner.Redeem(ctx, code, a.ID, domain.ActorAutoRedeem, priority)
	if err != nil {
		if errors.Is(err, batch.ErrNoPlayers) {
			return nil
		}
		return fmt.Errorf("plan %s for alliance %d: %w", code, a.ID, err)
	}
	decision, err := s.scheduler.Submit(ctx, proc)
	if err != nil {
		return fmt.Errorf("submit %s for alliance %d: %w", code, a.ID, err)
	}
	s.logger.Info("Auto-redeem scheduled",
		"code", code,
		"alliance", strconv.FormatInt(a.ID, 10),
		"process", proc.ID,
		"decision", decision,
	)
	return nil
}

// push publishes validated manual codes the feed does not carry yet.
func (s *Synchronizer) push(ctx context.Context) ([]string, error) {
	codes, err := s.codes.ListUnpushed(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unpushed codes: %w", err)
	}

	var pushed []string
	for _, c := range codes {
		if c.ValidatedAt == nil {
			continue
		}
		exists, err := s.feed.Exists(ctx, c.Code)
		if err != nil {
			return pushed, fmt.Errorf("check %s: %w", c.Code, err)
		}
		if !exists {
			if err := s.feed.Add(ctx, c.Code, c.ExpiresOn); err != nil {
				return pushed, fmt.Errorf("push %s: %w", c.Code, err)
			}
			pushed = append(pushed, c.Code)
		}
		if err := s.codes.MarkPushed(ctx, c.Code); err != nil {
			s.logger.Warn("Failed to mark code pushed", "code", c.Code, "error", err)
		}
	}
	return pushed, nil
}

// revalidate re-runs validation for active codes once per RevalidateInterval.
// Dead codes are invalidated by the validation batch itself.
func (s *Synchronizer) revalidate(ctx context.Context) int {
	s.mu.Lock()
	now := s.now()
	due := now.Sub(s.lastRevalidate) >= s.cfg.RevalidateInterval
	if due {
		s.lastRevalidate = now
	}
	s.mu.Unlock()
	if !due {
		return 0
	}

	codes, err := s.codes.ListActive(ctx)
	if err != nil {
		s.logger.Warn("Failed to list active codes", "error", err)
		return 0
	}

	n := 0
	for _, c := range codes {
		if c.ValidatedAt != nil && now.Sub(*c.ValidatedAt) < s.cfg.RevalidateInterval {
			continue
		}
		if c.ExpiresOn != nil && now.After(c.ExpiresOn.Add(24*time.Hour)) {
			if err := s.codes.MarkInvalid(ctx, c.Code); err != nil {
				s.logger.Warn("Failed to invalidate expired code", "code", c.Code, "error", err)
			}
			n++
			continue
		}
		verdict, _ := s.validate(ctx, c.Code, domain.ActorRevalidate)
		s.logger.Info("Code revalidated", "code", c.Code, "verdict", verdict)
		n++
	}
	return n
}
