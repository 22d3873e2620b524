package redeem

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/redeemer/internal/captcha"
	"github.com/vietddude/redeemer/internal/core/domain"
	"github.com/vietddude/redeemer/internal/infra/gameapi"
)

// ============================================================================
// Fakes
// ============================================================================

// scriptedAPI replays redeem statuses (or errors) in order.
type scriptedAPI struct {
	mu sync.Mutex

	authErrs []error
	redeems  []any // domain.RedeemStatus or error
	fetchErr []error

	authCalls   int
	fetchCalls  int
	redeemCalls int
	lastCaptcha string
}

func (a *scriptedAPI) Authenticate(ctx context.Context, playerID string) (*gameapi.Player, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.authCalls++
	if len(a.authErrs) > 0 {
		err := a.authErrs[0]
		a.authErrs = a.authErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &gameapi.Player{ID: playerID}, nil
}

func (a *scriptedAPI) FetchCaptcha(ctx context.Context, playerID string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetchCalls++
	if len(a.fetchErr) > 0 {
		err := a.fetchErr[0]
		a.fetchErr = a.fetchErr[1:]
		if err != nil {
			return nil, err
		}
	}
	return []byte("img"), nil
}

func (a *scriptedAPI) Redeem(ctx context.Context, playerID, code, text string) (*gameapi.RedeemResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.redeemCalls++
	a.lastCaptcha = text
	if len(a.redeems) == 0 {
		return &gameapi.RedeemResult{Status: domain.StatusSuccess, Message: "SUCCESS"}, nil
	}
	next := a.redeems[0]
	a.redeems = a.redeems[1:]
	switch v := next.(type) {
	case error:
		return nil, v
	case domain.RedeemStatus:
		return &gameapi.RedeemResult{Status: v, Message: string(v)}, nil
	}
	return nil, errors.New("bad script")
}

type fakeSolver struct {
	results []captcha.Result
	err     error
	calls   int
}

func (s *fakeSolver) Solve(ctx context.Context, img []byte) (captcha.Result, error) {
	s.calls++
	if s.err != nil {
		return captcha.Result{}, s.err
	}
	if len(s.results) > 0 {
		r := s.results[0]
		s.results = s.results[1:]
		return r, nil
	}
	return captcha.Result{Text: "AB12", Confidence: 0.95}, nil
}

type countingThrottle struct{ n int }

func (t *countingThrottle) Acquire(ctx context.Context) error { t.n++; return nil }
func (t *countingThrottle) LastAcquired() time.Time          { return time.Time{} }

// ============================================================================
// Helpers
// ============================================================================

type harness struct {
	machine  *Machine
	api      *scriptedAPI
	solver   *fakeSolver
	throttle *countingThrottle
	sleeps   []time.Duration
}

func newHarness(api *scriptedAPI) *harness {
	h := &harness{api: api, solver: &fakeSolver{}, throttle: &countingThrottle{}}
	h.machine = NewMachine(api, h.solver, h.throttle, DefaultConfig())
	h.machine.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	h.machine.rand = func() float64 { return 0.5 } // jitter factor 1.0
	return h
}

func redeemItem() domain.RedeemItem {
	return domain.RedeemItem{PlayerID: "1001", Code: "GIFT", Operation: domain.OperationRedeem}
}

func rateLimitErr() error {
	return &gameapi.APIError{Endpoint: gameapi.EndpointGiftCode, HTTPStatus: 429, Status: domain.StatusRateLimited}
}

// ============================================================================
// Tests
// ============================================================================

func TestMachine_Success(t *testing.T) {
	h := newHarness(&scriptedAPI{})
	out := h.machine.Run(context.Background(), redeemItem())

	if !out.Success || out.Status != domain.StatusSuccess {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.GiftCodeActive == nil || !*out.GiftCodeActive {
		t.Error("expected code to be reported active")
	}
	if h.api.authCalls != 1 || h.api.fetchCalls != 1 || h.api.redeemCalls != 1 {
		t.Errorf("expected 1/1/1 calls, got %d/%d/%d", h.api.authCalls, h.api.fetchCalls, h.api.redeemCalls)
	}
	if h.throttle.n != 1 {
		t.Errorf("expected throttle acquired once, got %d", h.throttle.n)
	}
	if h.api.lastCaptcha != "AB12" {
		t.Errorf("expected solved text submitted, got %q", h.api.lastCaptcha)
	}
	if len(h.sleeps) != 0 {
		t.Errorf("expected no sleeps, got %v", h.sleeps)
	}
}

func TestMachine_TerminalStatuses(t *testing.T) {
	tests := []struct {
		status  domain.RedeemStatus
		success bool
		active  *bool
		vip     bool
	}{
		{domain.StatusAlreadyReceived, true, boolPtr(true), false},
		{domain.StatusUsed, false, boolPtr(false), false},
		{domain.StatusExpired, false, boolPtr(false), false},
		{domain.StatusVIPRestricted, false, boolPtr(true), true},
		{domain.StatusUnknown, false, nil, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			h := newHarness(&scriptedAPI{redeems: []any{tt.status}})
			out := h.machine.Run(context.Background(), redeemItem())

			if out.Status != tt.status || out.Success != tt.success || out.IsVIP != tt.vip {
				t.Errorf("unexpected outcome %+v", out)
			}
			if (out.GiftCodeActive == nil) != (tt.active == nil) ||
				(tt.active != nil && *out.GiftCodeActive != *tt.active) {
				t.Errorf("expected active %v, got %v", tt.active, out.GiftCodeActive)
			}
			if h.api.redeemCalls != 1 {
				t.Errorf("expected terminal after 1 call, got %d", h.api.redeemCalls)
			}
		})
	}
}

func TestMachine_CaptchaErrorRetriesImmediately(t *testing.T) {
	h := newHarness(&scriptedAPI{redeems: []any{domain.StatusCaptchaError, domain.StatusCaptchaExpired}})
	out := h.machine.Run(context.Background(), redeemItem())

	if !out.Success {
		t.Fatalf("expected success after captcha retries, got %+v", out)
	}
	if h.api.redeemCalls != 3 || h.api.fetchCalls != 3 {
		t.Errorf("expected 3 fetch/redeem, got %d/%d", h.api.fetchCalls, h.api.redeemCalls)
	}
	// Only the standard attempt delay between attempts.
	want := []time.Duration{time.Second, time.Second}
	if len(h.sleeps) != len(want) || h.sleeps[0] != want[0] || h.sleeps[1] != want[1] {
		t.Errorf("expected sleeps %v, got %v", want, h.sleeps)
	}
}

func TestMachine_AttemptsExhausted(t *testing.T) {
	api := &scriptedAPI{redeems: []any{
		domain.StatusCaptchaError, domain.StatusCaptchaError,
		domain.StatusCaptchaError, domain.StatusCaptchaError,
		domain.StatusSuccess,
	}}
	h := newHarness(api)
	out := h.machine.Run(context.Background(), redeemItem())

	if out.Success || out.Status != domain.StatusCaptchaError {
		t.Fatalf("expected CAPTCHA_CHECK_ERROR after exhaustion, got %+v", out)
	}
	if api.redeemCalls != 4 {
		t.Errorf("expected 4 attempts, got %d", api.redeemCalls)
	}
	if api.authCalls != 1 {
		t.Errorf("expected authentication once per item, got %d", api.authCalls)
	}
}

func TestMachine_RateLimitBackoffThenSuccess(t *testing.T) {
	h := newHarness(&scriptedAPI{redeems: []any{rateLimitErr(), rateLimitErr()}})
	out := h.machine.Run(context.Background(), redeemItem())

	if !out.Success {
		t.Fatalf("expected success, got %+v", out)
	}
	// backoff(0)=2s, attempt delay, backoff(1)=4s, attempt delay
	want := []time.Duration{2 * time.Second, time.Second, 4 * time.Second, time.Second}
	if len(h.sleeps) != len(want) {
		t.Fatalf("expected sleeps %v, got %v", want, h.sleeps)
	}
	for i := range want {
		if h.sleeps[i] != want[i] {
			t.Errorf("sleep %d: expected %v, got %v", i, want[i], h.sleeps[i])
		}
	}
}

func TestMachine_ConsecutiveRateLimitsGiveUp(t *testing.T) {
	api := &scriptedAPI{
		fetchErr: []error{
			&gameapi.APIError{Endpoint: gameapi.EndpointCaptcha, Status: domain.StatusCaptchaGetLimited},
		},
		redeems: []any{rateLimitErr(), rateLimitErr(), domain.StatusSuccess},
	}
	h := newHarness(api)
	out := h.machine.Run(context.Background(), redeemItem())

	if out.Success {
		t.Fatalf("expected give up, got success")
	}
	if out.Retry == nil || out.Retry.Type != "rate_limited" {
		t.Fatalf("expected rate_limited retry hint, got %+v", out.Retry)
	}
	if out.Retry.Delay != 8*time.Second {
		t.Errorf("expected hint delay 8s, got %v", out.Retry.Delay)
	}
	// Third consecutive hit stops before the attempt budget (4) is spent.
	if api.fetchCalls != 3 {
		t.Errorf("expected 3 fetches, got %d", api.fetchCalls)
	}
}

func TestMachine_RateLimitCounterResetsOnOtherError(t *testing.T) {
	api := &scriptedAPI{redeems: []any{
		rateLimitErr(), rateLimitErr(), domain.StatusCaptchaError, rateLimitErr(),
	}}
	h := newHarness(api)
	out := h.machine.Run(context.Background(), redeemItem())

	if out.Retry != nil {
		t.Errorf("expected no give-up hint, got %+v", out.Retry)
	}
	if api.redeemCalls != 4 {
		t.Errorf("expected full attempt budget used, got %d", api.redeemCalls)
	}
}

func TestMachine_ReauthDoesNotConsumeAttempt(t *testing.T) {
	api := &scriptedAPI{redeems: []any{
		domain.StatusNotLogin,
		domain.StatusCaptchaError, domain.StatusCaptchaError, domain.StatusCaptchaError,
	}}
	h := newHarness(api)
	out := h.machine.Run(context.Background(), redeemItem())

	// 1 not-login (free) + 3 captcha errors + 1 success = 5 redeem calls.
	if !out.Success {
		t.Fatalf("expected success, got %+v", out)
	}
	if api.redeemCalls != 5 {
		t.Errorf("expected 5 redeem calls, got %d", api.redeemCalls)
	}
	if api.authCalls != 2 {
		t.Errorf("expected re-authentication, got %d auth calls", api.authCalls)
	}
}

func TestMachine_ReauthBounded(t *testing.T) {
	api := &scriptedAPI{redeems: []any{
		domain.StatusNotLogin, domain.StatusNotLogin, domain.StatusNotLogin,
	}}
	h := newHarness(api)
	out := h.machine.Run(context.Background(), redeemItem())

	if out.Status != domain.StatusNotLogin {
		t.Fatalf("expected NOT_LOGIN, got %s", out.Status)
	}
	if api.authCalls != 3 {
		t.Errorf("expected 1 login + 2 re-auths, got %d", api.authCalls)
	}
}

func TestMachine_TransientRetryDelay(t *testing.T) {
	api := &scriptedAPI{redeems: []any{
		&gameapi.APIError{Endpoint: gameapi.EndpointGiftCode, HTTPStatus: 503, Status: domain.StatusServerError},
		errors.New("connection reset"),
	}}
	h := newHarness(api)
	out := h.machine.Run(context.Background(), redeemItem())

	if !out.Success {
		t.Fatalf("expected success, got %+v", out)
	}
	want := []time.Duration{2 * time.Second, time.Second, 2 * time.Second, time.Second}
	if len(h.sleeps) != len(want) {
		t.Fatalf("expected sleeps %v, got %v", want, h.sleeps)
	}
}

func TestMachine_PlayerNotExist(t *testing.T) {
	api := &scriptedAPI{authErrs: []error{
		&gameapi.APIError{Endpoint: gameapi.EndpointPlayer, Status: domain.StatusPlayerNotExist},
	}}
	h := newHarness(api)
	out := h.machine.Run(context.Background(), redeemItem())

	if !out.PlayerNotExist || out.Status != domain.StatusPlayerNotExist {
		t.Fatalf("expected playerNotExist, got %+v", out)
	}
	if api.fetchCalls != 0 {
		t.Errorf("expected no captcha fetch, got %d", api.fetchCalls)
	}
}

func TestMachine_LoginFailedIsTerminal(t *testing.T) {
	api := &scriptedAPI{authErrs: []error{rateLimitErr()}}
	h := newHarness(api)
	out := h.machine.Run(context.Background(), redeemItem())

	if out.Status != domain.StatusLoginFailed {
		t.Fatalf("expected LOGIN_FAILED, got %s", out.Status)
	}
	if out.Retry == nil {
		t.Error("expected retry hint for rate-limited login")
	}
	if api.fetchCalls != 0 {
		t.Errorf("expected no captcha fetch, got %d", api.fetchCalls)
	}
}

func TestMachine_LowConfidenceRefetches(t *testing.T) {
	h := newHarness(&scriptedAPI{})
	h.solver.results = []captcha.Result{{Text: "??", Confidence: 0.1}}
	out := h.machine.Run(context.Background(), redeemItem())

	if !out.Success {
		t.Fatalf("expected success, got %+v", out)
	}
	if h.api.fetchCalls != 2 || h.api.redeemCalls != 1 {
		t.Errorf("expected 2 fetches and 1 submit, got %d/%d", h.api.fetchCalls, h.api.redeemCalls)
	}
}

func TestMachine_SolverErrorIsRetryable(t *testing.T) {
	h := newHarness(&scriptedAPI{})
	h.solver.err = errors.New("model missing")
	out := h.machine.Run(context.Background(), redeemItem())

	if out.Status != domain.StatusCaptchaUnsolved {
		t.Fatalf("expected CAPTCHA_UNSOLVED, got %s", out.Status)
	}
	if h.solver.calls != 4 {
		t.Errorf("expected solver tried each attempt, got %d", h.solver.calls)
	}
	if h.api.redeemCalls != 0 {
		t.Errorf("expected no submits, got %d", h.api.redeemCalls)
	}
}

func TestMachine_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := newHarness(&scriptedAPI{redeems: []any{domain.StatusCaptchaError}})
	out := h.machine.Run(ctx, redeemItem())
	if out.Status != domain.StatusException {
		t.Errorf("expected EXCEPTION on cancellation, got %s", out.Status)
	}
}

func TestBackoff_GetDelay(t *testing.T) {
	b := DefaultRateLimitBackoff()
	half := func() float64 { return 0.5 }

	if d := b.GetDelay(0, half); d != 2*time.Second {
		t.Errorf("expected 2s, got %v", d)
	}
	if d := b.GetDelay(10, half); d != 60*time.Second {
		t.Errorf("expected cap 60s, got %v", d)
	}
	low := b.GetDelay(1, func() float64 { return 0 })
	high := b.GetDelay(1, func() float64 { return 0.999 })
	if low >= 4*time.Second || high <= 4*time.Second {
		t.Errorf("expected jitter around 4s, got %v..%v", low, high)
	}
}

func TestPolicyFor(t *testing.T) {
	tests := map[domain.RedeemStatus]Action{
		domain.StatusCaptchaExpired:    ActionRetryNow,
		domain.StatusCaptchaGetLimited: ActionBackoff,
		domain.StatusNotLogin:          ActionReauth,
		domain.StatusNetworkError:      ActionRetryLater,
		domain.StatusSuccess:           ActionTerminal,
		domain.StatusNotFound:          ActionTerminal,
		domain.StatusErrorCode:         ActionTerminal,
	}
	for status, want := range tests {
		if got := PolicyFor(status); got != want {
			t.Errorf("%s: expected %v, got %v", status, want, got)
		}
	}
}

func TestMemoryThrottle_SpacesAcquisitions(t *testing.T) {
	now := time.Unix(1000, 0)
	var slept []time.Duration
	th := NewMemoryThrottle(time.Second)
	th.now = func() time.Time { return now }
	th.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		now = now.Add(d)
		return nil
	}

	_ = th.Acquire(context.Background())
	now = now.Add(300 * time.Millisecond)
	_ = th.Acquire(context.Background())

	if len(slept) != 1 || slept[0] != 700*time.Millisecond {
		t.Errorf("expected one 700ms wait, got %v", slept)
	}
	if !th.LastAcquired().Equal(now) {
		t.Errorf("expected last acquired %v, got %v", now, th.LastAcquired())
	}
}

func boolPtr(b bool) *bool { return &b }
