package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/redeemer/internal/infra/gameapi"
)

// Scheduler exposes the execution slot and the waiting queue.
type Scheduler interface {
	Active() (string, bool)
	QueueLen(ctx context.Context) int
}

// APIStatus reports game API client health.
type APIStatus interface {
	GetHealth() gameapi.HealthStatus
}

// FeedStatus reports the synchronizer's failure backoff.
type FeedStatus interface {
	Backoff() time.Duration
}

// CaptchaStatus reports whether the model is resident.
type CaptchaStatus interface {
	Loaded() bool
}

// Probe checks one backend connection.
type Probe func(ctx context.Context) error

// Monitor aggregates health status from various system components.
type Monitor struct {
	scheduler Scheduler
	api       APIStatus
	feed      FeedStatus
	captcha   CaptchaStatus
	probes    map[string]Probe
	cacheTTL  time.Duration
	now       func() time.Time

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *Report
}

// NewMonitor creates a new health monitor. feed and captcha may be nil.
func NewMonitor(scheduler Scheduler, api APIStatus, feed FeedStatus, captcha CaptchaStatus) *Monitor {
	return &Monitor{
		scheduler: scheduler,
		api:       api,
		feed:      feed,
		captcha:   captcha,
		probes:    make(map[string]Probe),
		cacheTTL:  10 * time.Second,
		now:       time.Now,
	}
}

// AddProbe registers a backend whose failure makes the system critical.
func (m *Monitor) AddProbe(name string, p Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[name] = p
}

// CheckHealth builds a report, reusing the previous one for cacheTTL.
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.lastReport != nil && now.Sub(m.lastCheck) < m.cacheTTL {
		return *m.lastReport
	}

	report := Report{SystemStatus: StatusHealthy, CheckedAt: now}

	if id, ok := m.scheduler.Active(); ok {
		report.ActiveProcess = id
	}
	report.QueueLength = m.scheduler.QueueLen(ctx)

	if m.api != nil {
		h := m.api.GetHealth()
		report.GameAPI = APIHealth{
			Status:    StatusHealthy,
			Available: h.Available,
			ErrorRate: h.ErrorRate,
			LatencyMs: h.Latency.Milliseconds(),
		}
		switch {
		case !h.Available:
			report.GameAPI.Status = StatusCritical
		case h.ErrorRate > 0.2:
			report.GameAPI.Status = StatusDegraded
		}
		report.SystemStatus = worst(report.SystemStatus, report.GameAPI.Status)
	}

	if m.feed != nil {
		if d := m.feed.Backoff(); d > 0 {
			report.FeedBackoff = d.String()
			report.SystemStatus = worst(report.SystemStatus, StatusDegraded)
		}
	}

	if m.captcha != nil {
		report.CaptchaLoaded = m.captcha.Loaded()
	}

	if len(m.probes) > 0 {
		report.Dependencies = make(map[string]string, len(m.probes))
		for name, probe := range m.probes {
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := probe(pctx)
			cancel()
			if err != nil {
				report.Dependencies[name] = err.Error()
				report.SystemStatus = StatusCritical
				continue
			}
			report.Dependencies[name] = "ok"
		}
	}

	m.lastCheck = now
	m.lastReport = &report
	return report
}

func worst(a, b SystemStatus) SystemStatus {
	rank := func(s SystemStatus) int {
		switch s {
		case StatusCritical:
			return 2
		case StatusDegraded:
			return 1
		}
		return 0
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
