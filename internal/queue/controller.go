// Package queue schedules processes: at most one runs at a time, the rest
// wait in a priority queue, and validation-only processes preempt bulk runs.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/redeemer/internal/batch"
	"github.com/vietddude/redeemer/internal/core/domain"
	"github.com/vietddude/redeemer/internal/infra/storage"
	"github.com/vietddude/redeemer/internal/metrics"
)

var (
	// ErrClosed is returned after Stop.
	ErrClosed = errors.New("controller closed")
	// ErrFinished is returned when requeueing a completed process.
	ErrFinished = errors.New("process already completed")
	// ErrDiscarded is delivered to waiters of a queued process that will
	// not run.
	ErrDiscarded = errors.New("queued process discarded")
)

// Decision tells the submitter what happened to its process.
type Decision int

const (
	DecisionRunNow Decision = iota
	DecisionEnqueue
)

func (d Decision) String() string {
	if d == DecisionRunNow {
		return "run_now"
	}
	return "enqueue"
}

// Runner executes one process.
type Runner interface {
	Run(ctx context.Context, processID string) batch.Summary
}

// Config tunes the controller.
type Config struct {
	// PollInterval picks up processes queued by other instances or the CLI.
	PollInterval time.Duration
}

type activeRun struct {
	id             string
	priority       int
	submitted      time.Time
	validationOnly bool
	preempt        bool
}

// Controller owns the single execution slot.
type Controller struct {
	processes storage.ProcessRepository
	store     Store
	runner    Runner
	cfg       Config
	logger    *slog.Logger

	mu      sync.Mutex
	active  *activeRun
	waiters map[string][]chan batch.Summary
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewController creates a controller. Call Start before submitting.
func NewController(processes storage.ProcessRepository, store Store, runner Runner, cfg Config) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		processes: processes,
		store:     store,
		runner:    runner,
		cfg:       cfg,
		logger:    slog.Default().With("component", "queue"),
		waiters:   make(map[string][]chan batch.Summary),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
	}
}

// Start recovers unfinished processes and begins polling the store.
func (c *Controller) Start(ctx context.Context) error {
	n, err := c.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		c.logger.Info("Recovered unfinished processes", "count", n)
	}

	c.wg.Add(1)
	go c.poll()
	return nil
}

// Stop cancels the running process at its next suspension point and waits
// for it to return. Its progress stays resumable.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// Submit runs proc now if the slot is free, otherwise queues it. A queued
// validation-only process asks a running bulk process to stop at its next
// item boundary.
func (c *Controller) Submit(ctx context.Context, proc *domain.Process) (Decision, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return DecisionEnqueue, ErrClosed
	}
	if c.active == nil {
		c.active = c.newRun(proc)
		c.mu.Unlock()
		c.launch(proc.ID)
		c.logger.Info("Process started", "process", proc.ID, "code", proc.Details.Code)
		return DecisionRunNow, nil
	}

	if proc.IsValidationOnly() && !c.active.validationOnly && !c.active.preempt {
		c.active.preempt = true
		c.logger.Info("Requesting preemption for validation",
			"running", c.active.id,
			"validation", proc.ID,
		)
	}
	c.mu.Unlock()

	if err := c.enqueue(ctx, proc); err != nil {
		return DecisionEnqueue, err
	}
	c.logger.Info("Process queued", "process", proc.ID, "priority", priorityOf(proc))
	return DecisionEnqueue, nil
}

// SubmitAndWait submits proc and blocks until it finishes. A preempted run
// keeps the caller waiting until the process completes.
func (c *Controller) SubmitAndWait(ctx context.Context, proc *domain.Process) (batch.Summary, error) {
	ch := make(chan batch.Summary, 1)
	c.mu.Lock()
	c.waiters[proc.ID] = append(c.waiters[proc.ID], ch)
	c.mu.Unlock()

	if _, err := c.Submit(ctx, proc); err != nil {
		c.dropWaiter(proc.ID, ch)
		return batch.Summary{}, err
	}

	select {
	case s := <-ch:
		return s, s.Err
	case <-ctx.Done():
		c.dropWaiter(proc.ID, ch)
		return batch.Summary{}, ctx.Err()
	}
}

// CheckForPreemption is polled by the executor between items.
func (c *Controller) CheckForPreemption(processID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil && c.active.id == processID && c.active.preempt
}

// Active returns the id of the running process.
func (c *Controller) Active() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return "", false
	}
	return c.active.id, true
}

// QueueLen returns the number of waiting processes.
func (c *Controller) QueueLen(ctx context.Context) int {
	n, err := c.store.Len(ctx)
	if err != nil {
		c.logger.Warn("Failed to read queue length", "error", err)
		return 0
	}
	return n
}

// Recover queues every active or preempted process and starts the first
// when idle. Queued ids already in the store keep their position.
func (c *Controller) Recover(ctx context.Context) (int, error) {
	procs, err := c.processes.ListByStatus(ctx, domain.ProcessStatusActive, domain.ProcessStatusPreempted)
	if err != nil {
		return 0, fmt.Errorf("list unfinished processes: %w", err)
	}
	for _, p := range procs {
		if id, ok := c.Active(); ok && id == p.ID {
			continue
		}
		if err := c.enqueue(ctx, p); err != nil {
			return 0, err
		}
	}
	c.startNext()
	return len(procs), nil
}

// Requeue puts a stopped or failed process back on the queue.
func (c *Controller) Requeue(ctx context.Context, id string) error {
	proc, err := c.processes.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if proc.Status == domain.ProcessStatusCompleted {
		return ErrFinished
	}
	if proc.Status == domain.ProcessStatusFailed {
		if err := c.processes.UpdateStatus(ctx, id, domain.ProcessStatusPreempted); err != nil {
			return fmt.Errorf("reset status: %w", err)
		}
	}
	if err := c.enqueue(ctx, proc); err != nil {
		return err
	}
	c.startNext()
	return nil
}

func (c *Controller) newRun(proc *domain.Process) *activeRun {
	return &activeRun{
		id:             proc.ID,
		priority:       priorityOf(proc),
		submitted:      c.submittedAt(proc),
		validationOnly: proc.IsValidationOnly(),
	}
}

func (c *Controller) submittedAt(proc *domain.Process) time.Time {
	if proc.CreatedAt.IsZero() {
		return c.now()
	}
	return proc.CreatedAt
}

func (c *Controller) enqueue(ctx context.Context, proc *domain.Process) error {
	return c.push(ctx, proc.ID, priorityOf(proc), c.submittedAt(proc))
}

func (c *Controller) push(ctx context.Context, id string, priority int, submitted time.Time) error {
	if err := c.store.Push(ctx, id, priority, submitted); err != nil {
		return fmt.Errorf("enqueue %s: %w", id, err)
	}
	metrics.QueueLength.Set(float64(c.QueueLen(ctx)))
	return nil
}

func (c *Controller) launch(id string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		summary := c.runner.Run(c.ctx, id)
		c.finish(id, summary)
	}()
}

func (c *Controller) finish(id string, summary batch.Summary) {
	log := c.logger.With("process", id)

	c.mu.Lock()
	run := c.active
	c.mu.Unlock()

	requeued := false
	if summary.Preempted && run != nil {
		// Requeue even when the service context is already cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.push(ctx, id, run.priority, run.submitted)
		cancel()
		if err != nil {
			log.Error("Failed to requeue preempted process", "error", err)
			summary.Err = fmt.Errorf("requeue preempted process: %w", err)
		} else {
			log.Info("Preempted process requeued")
			requeued = true
		}
	}

	c.mu.Lock()
	c.active = nil
	var waiters []chan batch.Summary
	if !requeued {
		waiters = c.waiters[id]
		delete(c.waiters, id)
	}
	closed := c.closed
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- summary
	}

	if !closed {
		c.startNext()
	}
}

// startNext pops until it finds a runnable process, if the slot is free.
func (c *Controller) startNext() {
	for {
		c.mu.Lock()
		busy := c.active != nil || c.closed
		c.mu.Unlock()
		if busy {
			return
		}

		next, ok, err := c.store.Pop(c.ctx)
		if err != nil {
			c.logger.Warn("Failed to pop queue", "error", err)
			return
		}
		if !ok {
			metrics.QueueLength.Set(0)
			return
		}
		id := next.ProcessID

		proc, err := c.processes.GetByID(c.ctx, id)
		if errors.Is(err, storage.ErrProcessNotFound) {
			c.logger.Warn("Dropping unknown queued process", "process", id)
			c.discard(id, fmt.Errorf("%w: %w", ErrDiscarded, err))
			continue
		}
		if err != nil {
			c.logger.Warn("Failed to load queued process, will retry", "process", id, "error", err)
			if perr := c.push(c.ctx, id, next.Priority, next.Submitted); perr != nil {
				c.logger.Error("Failed to return process to queue", "process", id, "error", perr)
				c.discard(id, fmt.Errorf("load process: %w", err))
			}
			return
		}
		if proc.Status.IsTerminal() {
			c.logger.Info("Skipping finished queued process", "process", id, "status", proc.Status)
			c.discard(id, fmt.Errorf("process %s is %s: %w", id, proc.Status, ErrDiscarded))
			continue
		}

		c.mu.Lock()
		if c.active != nil || c.closed {
			c.mu.Unlock()
			if err := c.enqueue(c.ctx, proc); err != nil {
				c.logger.Error("Failed to return process to queue", "process", id, "error", err)
			}
			return
		}
		c.active = c.newRun(proc)
		c.mu.Unlock()

		metrics.QueueLength.Set(float64(c.QueueLen(c.ctx)))
		c.logger.Info("Process dequeued", "process", id, "status", proc.Status)
		c.launch(id)
		return
	}
}

func (c *Controller) poll() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.startNext()
		}
	}
}

// discard wakes every waiter of a process that left the queue without
// running.
func (c *Controller) discard(id string, err error) {
	c.mu.Lock()
	waiters := c.waiters[id]
	delete(c.waiters, id)
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- batch.Summary{ProcessID: id, Err: err}
	}
}

func (c *Controller) dropWaiter(id string, ch chan batch.Summary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.waiters[id]
	for i, w := range list {
		if w == ch {
			c.waiters[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(c.waiters[id]) == 0 {
		delete(c.waiters, id)
	}
}

func priorityOf(p *domain.Process) int {
	if p.IsValidationOnly() {
		return domain.PriorityValidation
	}
	return p.Priority
}
