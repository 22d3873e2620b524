// Package batch runs redemption processes item by item, checkpointing after
// every item.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/redeemer/internal/core/domain"
	"github.com/vietddude/redeemer/internal/infra/storage"
	"github.com/vietddude/redeemer/internal/metrics"
	"github.com/vietddude/redeemer/internal/redeem"
)

// Machine redeems one item.
type Machine interface {
	Run(ctx context.Context, item domain.RedeemItem) domain.RedeemOutcome
}

// Preemptor is polled between items.
type Preemptor interface {
	CheckForPreemption(processID string) bool
}

// Releaser frees the captcha solver.
type Releaser interface {
	Unload()
}

// Config tunes pacing and bookkeeping.
type Config struct {
	ValidationCooldown time.Duration
	MinRedeemInterval  time.Duration
	VIPThreshold       int
	NotFoundThreshold  int
	AutoDeleteNotFound bool
}

// DefaultConfig returns production pacing.
func DefaultConfig() Config {
	return Config{
		ValidationCooldown: 3 * time.Second,
		MinRedeemInterval:  2 * time.Second,
		VIPThreshold:       DefaultVIPThreshold,
		NotFoundThreshold:  3,
	}
}

// Deps are the collaborators of an Executor.
type Deps struct {
	Processes storage.ProcessRepository
	Players   storage.PlayerRepository
	Alliances storage.AllianceRepository
	Codes     storage.GiftCodeRepository
	Machine   Machine
	Solver    Releaser
	Reporter  ProgressReporter
}

// Summary is the result of one Run.
type Summary struct {
	ProcessID   string
	Success     bool
	Results     []domain.ItemResult
	Preempted   bool
	Aborted     bool
	AbortReason string
	Err         error
}

// Executor runs processes. Only one Run should be active at a time.
type Executor struct {
	deps      Deps
	preemptor Preemptor
	cfg       Config
	rule      EligibilityRule
	logger    *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor.
func NewExecutor(deps Deps, cfg Config) *Executor {
	if deps.Reporter == nil {
		deps.Reporter = Reporters{}
	}
	if cfg.NotFoundThreshold <= 0 {
		cfg.NotFoundThreshold = 3
	}
	return &Executor{
		deps:   deps,
		cfg:    cfg,
		rule:   EligibilityRule{VIPThreshold: cfg.VIPThreshold},
		logger: slog.Default().With("component", "executor"),
		now:    time.Now,
		sleep:  redeem.Sleep,
	}
}

// SetPreemptor wires the preemption check. Set before the first Run.
func (e *Executor) SetPreemptor(p Preemptor) {
	e.preemptor = p
}

// Run executes the pending items of a process. Item failures are recorded in
// the results; only persistence or orchestration failures set Summary.Err and
// mark the process failed. Context cancellation leaves the process active.
func (e *Executor) Run(ctx context.Context, processID string) (summary Summary) {
	summary.ProcessID = processID
	log := e.logger.With("process", processID)

	if e.deps.Solver != nil {
		defer e.deps.Solver.Unload()
	}

	defer func() {
		if rec := recover(); rec != nil {
			summary.Err = fmt.Errorf("batch panicked: %v", rec)
			summary.Success = false
			log.Error("Batch panicked", "panic", rec)
			e.markFailed(processID)
		}
	}()

	proc, err := e.deps.Processes.GetByID(ctx, processID)
	if err != nil {
		summary.Err = fmt.Errorf("load process: %w", err)
		return summary
	}

	r := &run{
		e:        e,
		proc:     proc,
		progress: &proc.Progress,
		log:      log.With("code", proc.Details.Code),
	}

	summary, err = r.execute(ctx)
	summary.ProcessID = processID
	if err == nil {
		return summary
	}

	summary = r.summary()
	summary.Err = err
	summary.Success = false
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		log.Info("Batch interrupted, progress kept for recovery", "pending", len(r.progress.Pending))
		return summary
	}

	log.Error("Batch failed", "error", err)
	e.markFailed(processID)
	e.deps.Reporter.Report(ctx, TakeSnapshot(processID, *r.progress), true)
	return summary
}

func (e *Executor) markFailed(processID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.deps.Processes.UpdateStatus(ctx, processID, domain.ProcessStatusFailed); err != nil {
		e.logger.Error("Failed to mark process failed", "process", processID, "error", err)
	}
	metrics.ProcessesFinished.WithLabelValues(string(domain.ProcessStatusFailed)).Inc()
}

// run holds the state of one Executor.Run.
type run struct {
	e        *Executor
	proc     *domain.Process
	progress *domain.Progress
	code     *domain.GiftCode
	log      *slog.Logger

	vipMode     bool
	aborted     bool
	abortReason string
}

func (r *run) execute(ctx context.Context) (Summary, error) {
	e := r.e

	if r.proc.Status.IsTerminal() {
		r.log.Info("Process already finished", "status", r.proc.Status)
		return r.summary(), nil
	}

	if len(r.progress.Pending) == 0 {
		return r.finish(ctx)
	}

	if r.proc.Status != domain.ProcessStatusActive {
		if err := e.deps.Processes.UpdateStatus(ctx, r.proc.ID, domain.ProcessStatusActive); err != nil {
			return Summary{}, fmt.Errorf("activate process: %w", err)
		}
	}

	code, err := e.deps.Codes.Get(ctx, r.proc.Details.Code)
	switch {
	case errors.Is(err, storage.ErrCodeNotFound):
		// Feed codes are validated before they are stored.
	case err != nil:
		return Summary{}, fmt.Errorf("load code: %w", err)
	default:
		r.code = code
	}

	items := r.remainingItems()
	r.log.Info("Starting batch",
		"pending", len(items),
		"done", len(r.progress.Done),
		"failed", len(r.progress.Failed),
		"existing", len(r.progress.Existing),
	)

	if err := r.preFilter(ctx, items); err != nil {
		return Summary{}, err
	}

	if r.code != nil && r.code.IsVIP {
		r.vipMode = true
		if err := r.skipIneligible(ctx, items, ""); err != nil {
			return Summary{}, err
		}
	}

	var prev *domain.RedeemItem
	for i := range items {
		item := items[i]
		if !isPending(r.progress, item.Key()) {
			continue
		}
		stepStart := e.now()

		if prev != nil && prev.Operation == domain.OperationValidation && item.Operation == domain.OperationRedeem {
			if err := e.sleep(ctx, e.cfg.ValidationCooldown); err != nil {
				return Summary{}, err
			}
		}

		if e.preemptor != nil && e.preemptor.CheckForPreemption(r.proc.ID) {
			return r.preempt(ctx)
		}

		out := r.invoke(ctx, item)
		if ctx.Err() != nil {
			return Summary{}, ctx.Err()
		}

		if err := r.apply(ctx, items, item, out); err != nil {
			return Summary{}, err
		}

		if r.aborted {
			break
		}

		next := r.nextPending(items, i)
		if next == nil {
			break
		}
		if out.Retry != nil && out.Retry.Delay > 0 {
			r.log.Debug("Honoring retry hint", "type", out.Retry.Type, "delay", out.Retry.Delay)
			if err := e.sleep(ctx, out.Retry.Delay); err != nil {
				return Summary{}, err
			}
		}
		if item.Operation == domain.OperationRedeem && next.Operation == domain.OperationRedeem {
			if wait := e.cfg.MinRedeemInterval - e.now().Sub(stepStart); wait > 0 {
				if err := e.sleep(ctx, wait); err != nil {
					return Summary{}, err
				}
			}
		}
		prev = &items[i]
	}

	return r.finish(ctx)
}

// apply records one outcome: VIP detection, bookkeeping, bucket move,
// checkpoint, and the abort check.
func (r *run) apply(ctx context.Context, items []domain.RedeemItem, item domain.RedeemItem, out domain.RedeemOutcome) error {
	e := r.e
	log := r.log.With("player", item.PlayerID, "operation", item.Operation)

	if out.Status.IsVIPRestriction() {
		if r.code != nil && !r.code.IsVIP {
			r.markCode(ctx, "vip", e.deps.Codes.MarkVIP)
			r.code.IsVIP = true
		}
		if item.Operation == domain.OperationRedeem && !r.vipMode {
			r.vipMode = true
			log.Info("Code is VIP-restricted, filtering remaining players")
			if err := r.skipIneligible(ctx, items, item.Key()); err != nil {
				return err
			}
		}
	}

	r.bookkeep(ctx, item, out)

	res := domain.ItemResult{
		ItemID:    item.Key(),
		PlayerID:  item.PlayerID,
		Operation: item.Operation,
		Success:   out.Success,
		Status:    out.Status,
		Message:   out.Message,
		At:        e.now(),
	}
	if out.Status.IsAbort() {
		res.Reason = string(out.Status)
	}
	complete(r.progress, item.Key(), res)
	metrics.ItemsProcessed.WithLabelValues(string(item.Operation), string(out.Status)).Inc()

	if out.Success {
		log.Debug("Item finished", "status", out.Status)
	} else {
		log.Warn("Item failed", "status", out.Status, "message", out.Message)
	}

	if out.Status.IsAbort() {
		r.aborted = true
		r.abortReason = string(out.Status)
		log.Warn("Code is no longer redeemable, aborting batch", "reason", r.abortReason)
		r.markCode(ctx, "invalid", e.deps.Codes.MarkInvalid)

		msg := fmt.Sprintf("Skipped: code %s reported %s", r.proc.Details.Code, r.abortReason)
		for _, it := range r.pendingItems(items, "") {
			complete(r.progress, it.Key(), skippedResult(it, r.abortReason, msg, e.now()))
		}
	}

	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	e.deps.Reporter.Report(ctx, TakeSnapshot(r.proc.ID, *r.progress), false)
	return nil
}

// bookkeep updates players, usages and the code after an outcome. Failures
// here are logged and never fail the batch.
func (r *run) bookkeep(ctx context.Context, item domain.RedeemItem, out domain.RedeemOutcome) {
	e := r.e

	if item.Operation == domain.OperationValidation {
		if active := out.GiftCodeActive; active != nil && *active {
			r.markCode(ctx, "validated", e.deps.Codes.MarkValidated)
		}
		return
	}

	if out.PlayerNotExist {
		r.handleNotFound(ctx, item.PlayerID)
		return
	}

	if out.Success {
		if err := e.deps.Codes.RecordUsage(ctx, domain.Usage{
			PlayerID:   item.PlayerID,
			Code:       item.Code,
			Status:     out.Status,
			RedeemedAt: e.now(),
		}); err != nil {
			r.log.Warn("Failed to record usage", "player", item.PlayerID, "error", err)
		}
	}

	if !out.Success && !out.Status.IsRestriction() {
		return
	}

	p, err := e.deps.Players.GetByID(ctx, item.PlayerID)
	if err != nil {
		if !errors.Is(err, storage.ErrPlayerNotFound) {
			r.log.Warn("Failed to load player", "player", item.PlayerID, "error", err)
		}
		return
	}
	switch {
	case out.Success:
		e.rule.ApplySuccess(p, r.vipMode)
	case out.Status.IsVIPRestriction():
		e.rule.ApplyRestriction(p)
	case out.Status == domain.StatusLevelRestricted:
		p.Poor = true
	}
	if err := e.deps.Players.Save(ctx, p); err != nil {
		r.log.Warn("Failed to save player", "player", item.PlayerID, "error", err)
	}
}

func (r *run) handleNotFound(ctx context.Context, playerID string) {
	e := r.e
	n, err := e.deps.Players.IncrementNotFound(ctx, playerID)
	if err != nil {
		if !errors.Is(err, storage.ErrPlayerNotFound) {
			r.log.Warn("Failed to count not-found player", "player", playerID, "error", err)
		}
		return
	}
	if n < e.cfg.NotFoundThreshold {
		return
	}

	autoDelete := e.cfg.AutoDeleteNotFound
	if !autoDelete {
		p, err := e.deps.Players.GetByID(ctx, playerID)
		if err == nil && p.AllianceID != 0 {
			if a, err := e.deps.Alliances.GetByID(ctx, p.AllianceID); err == nil {
				autoDelete = a.AutoDeleteNotFound
			}
		}
	}
	if !autoDelete {
		r.log.Info("Player keeps failing lookup", "player", playerID, "count", n)
		return
	}
	if err := e.deps.Players.Delete(ctx, playerID); err != nil {
		r.log.Warn("Failed to delete missing player", "player", playerID, "error", err)
		return
	}
	r.log.Info("Deleted player not found by the game", "player", playerID, "count", n)
}

// skipIneligible fails every pending redeem item whose player may not
// attempt a VIP code.
func (r *run) skipIneligible(ctx context.Context, items []domain.RedeemItem, exclude string) error {
	e := r.e
	remaining := r.pendingItems(items, exclude)
	if len(remaining) == 0 {
		return nil
	}

	ids := make([]string, 0, len(remaining))
	for _, it := range remaining {
		ids = append(ids, it.PlayerID)
	}
	players, err := e.deps.Players.GetByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("load players for vip filter: %w", err)
	}

	_, ineligible := Partition(remaining, players, e.rule)
	if len(ineligible) == 0 {
		return nil
	}

	for _, it := range ineligible {
		p := players[it.PlayerID]
		e.rule.ApplySkip(p)
		if err := e.deps.Players.Save(ctx, p); err != nil {
			r.log.Warn("Failed to save player", "player", it.PlayerID, "error", err)
		}
		complete(r.progress, it.Key(), skippedResult(it, "vip_restricted",
			"Skipped: VIP code and player is not VIP-eligible", e.now()))
	}
	r.log.Info("Skipped players not eligible for VIP code",
		"skipped", len(ineligible),
		"remaining", len(remaining)-len(ineligible),
	)
	return r.checkpoint(ctx)
}

// preFilter moves players with a usage row for the code to existing.
func (r *run) preFilter(ctx context.Context, items []domain.RedeemItem) error {
	e := r.e
	var ids []string
	for _, it := range items {
		if it.Operation == domain.OperationRedeem {
			ids = append(ids, it.PlayerID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	used, err := e.deps.Codes.UsedBy(ctx, r.proc.Details.Code, ids)
	if err != nil {
		return fmt.Errorf("load usages: %w", err)
	}
	if len(used) == 0 {
		return nil
	}

	moved := 0
	for _, it := range items {
		if it.Operation != domain.OperationRedeem || !used[it.PlayerID] {
			continue
		}
		if markExisting(r.progress, it.Key(), preFilteredResult(it, e.now())) {
			moved++
		}
	}
	if moved == 0 {
		return nil
	}
	r.log.Info("Pre-filtered players who already redeemed", "count", moved)
	return r.checkpoint(ctx)
}

func (r *run) preempt(ctx context.Context) (Summary, error) {
	e := r.e
	if err := r.checkpoint(ctx); err != nil {
		return Summary{}, err
	}
	if err := e.deps.Processes.UpdateStatus(ctx, r.proc.ID, domain.ProcessStatusPreempted); err != nil {
		return Summary{}, fmt.Errorf("mark preempted: %w", err)
	}
	metrics.ProcessesFinished.WithLabelValues(string(domain.ProcessStatusPreempted)).Inc()
	r.log.Info("Batch preempted", "pending", len(r.progress.Pending))
	e.deps.Reporter.Report(ctx, TakeSnapshot(r.proc.ID, *r.progress), false)

	s := r.summary()
	s.Preempted = true
	s.Success = false
	return s, nil
}

func (r *run) finish(ctx context.Context) (Summary, error) {
	e := r.e
	if err := r.checkpoint(ctx); err != nil {
		return Summary{}, err
	}
	if err := e.deps.Processes.UpdateStatus(ctx, r.proc.ID, domain.ProcessStatusCompleted); err != nil {
		return Summary{}, fmt.Errorf("mark completed: %w", err)
	}
	metrics.ProcessesFinished.WithLabelValues(string(domain.ProcessStatusCompleted)).Inc()

	s := r.summary()
	snap := TakeSnapshot(r.proc.ID, *r.progress)
	r.log.Info("Batch completed",
		"success", s.Success,
		"aborted", s.Aborted,
		"processed", snap.Processed,
		"total", snap.Total,
	)
	e.deps.Reporter.Report(ctx, snap, true)
	return s, nil
}

func (r *run) summary() Summary {
	success := !r.aborted
	for _, res := range r.progress.Results {
		if !res.Success {
			success = false
			break
		}
	}
	results := make([]domain.ItemResult, len(r.progress.Results))
	copy(results, r.progress.Results)
	return Summary{
		ProcessID:   r.proc.ID,
		Success:     success,
		Results:     results,
		Aborted:     r.aborted,
		AbortReason: r.abortReason,
	}
}

func (r *run) checkpoint(ctx context.Context) error {
	if err := r.e.deps.Processes.UpdateProgress(ctx, r.proc.ID, *r.progress); err != nil {
		return fmt.Errorf("checkpoint progress: %w", err)
	}
	return nil
}

func (r *run) markCode(ctx context.Context, what string, mark func(context.Context, string) error) {
	if r.code == nil {
		return
	}
	if err := mark(ctx, r.proc.Details.Code); err != nil {
		r.log.Warn("Failed to update code", "update", what, "error", err)
	}
}

// invoke runs the machine, converting a panic into an item failure.
func (r *run) invoke(ctx context.Context, item domain.RedeemItem) (out domain.RedeemOutcome) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("Item panicked", "player", item.PlayerID, "panic", rec)
			out = domain.NewOutcome(domain.StatusException, fmt.Sprint(rec))
		}
	}()
	return r.e.deps.Machine.Run(ctx, item)
}

// remainingItems returns the process items whose keys are still pending, in
// item order, without duplicates.
func (r *run) remainingItems() []domain.RedeemItem {
	pending := make(map[string]bool, len(r.progress.Pending))
	for _, k := range r.progress.Pending {
		pending[k] = true
	}
	out := make([]domain.RedeemItem, 0, len(r.progress.Pending))
	for _, it := range r.proc.Details.Items {
		if pending[it.Key()] {
			out = append(out, it)
			delete(pending, it.Key())
		}
	}
	return out
}

func (r *run) pendingItems(items []domain.RedeemItem, exclude string) []domain.RedeemItem {
	var out []domain.RedeemItem
	for _, it := range items {
		if it.Key() != exclude && isPending(r.progress, it.Key()) {
			out = append(out, it)
		}
	}
	return out
}

func (r *run) nextPending(items []domain.RedeemItem, after int) *domain.RedeemItem {
	for j := after + 1; j < len(items); j++ {
		if isPending(r.progress, items[j].Key()) {
			return &items[j]
		}
	}
	return nil
}

func preFilteredResult(item domain.RedeemItem, at time.Time) domain.ItemResult {
	return domain.ItemResult{
		ItemID:    item.Key(),
		PlayerID:  item.PlayerID,
		Operation: item.Operation,
		Success:   true,
		Status:    domain.StatusAlreadyReceived,
		Message:   "Already redeemed according to usage records",
		At:        at,
	}
}
