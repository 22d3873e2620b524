package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vietddude/redeemer/internal/core/domain"
	"github.com/vietddude/redeemer/internal/infra/storage"
)

// MemoryStorage keeps every repository in process memory. Records are
// deep-copied on the way in and out so callers never share mutable state.
type MemoryStorage struct {
	processes map[string]*domain.Process
	players   map[string]*domain.Player
	alliances map[int64]*domain.Alliance
	codes     map[string]*domain.GiftCode
	usages    map[string]map[string]domain.Usage // code -> player -> usage
	mu        sync.RWMutex
	now       func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		processes: make(map[string]*domain.Process),
		players:   make(map[string]*domain.Player),
		alliances: make(map[int64]*domain.Alliance),
		codes:     make(map[string]*domain.GiftCode),
		usages:    make(map[string]map[string]domain.Usage),
		now:       time.Now,
	}
}

func cloneProcess(p *domain.Process) *domain.Process {
	data, _ := json.Marshal(p)
	var out domain.Process
	_ = json.Unmarshal(data, &out)
	return &out
}

func cloneProgress(p domain.Progress) domain.Progress {
	data, _ := json.Marshal(p)
	var out domain.Progress
	_ = json.Unmarshal(data, &out)
	return out
}

// -----------------------------------------------------------------------------
// Process Repository
// -----------------------------------------------------------------------------

type ProcessRepo struct {
	store *MemoryStorage
}

func NewProcessRepo(store *MemoryStorage) *ProcessRepo {
	return &ProcessRepo{store: store}
}

func (r *ProcessRepo) Create(ctx context.Context, p *domain.Process) (string, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := cloneProcess(p)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = domain.ProcessStatusActive
	}
	now := r.store.now()
	c.CreatedAt = now
	c.UpdatedAt = now
	r.store.processes[c.ID] = c
	return c.ID, nil
}

func (r *ProcessRepo) GetByID(ctx context.Context, id string) (*domain.Process, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	p, ok := r.store.processes[id]
	if !ok {
		return nil, storage.ErrProcessNotFound
	}
	return cloneProcess(p), nil
}

func (r *ProcessRepo) UpdateProgress(ctx context.Context, id string, progress domain.Progress) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	p, ok := r.store.processes[id]
	if !ok {
		return storage.ErrProcessNotFound
	}
	p.Progress = cloneProgress(progress)
	p.UpdatedAt = r.store.now()
	return nil
}

func (r *ProcessRepo) UpdateStatus(ctx context.Context, id string, status domain.ProcessStatus) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	p, ok := r.store.processes[id]
	if !ok {
		return storage.ErrProcessNotFound
	}
	p.Status = status
	p.UpdatedAt = r.store.now()
	return nil
}

func (r *ProcessRepo) ListByStatus(ctx context.Context, statuses ...domain.ProcessStatus) ([]*domain.Process, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	want := make(map[domain.ProcessStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*domain.Process
	for _, p := range r.store.processes {
		if want[p.Status] {
			out = append(out, cloneProcess(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *ProcessRepo) ListRecent(ctx context.Context, limit int) ([]*domain.Process, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.Process, 0, len(r.store.processes))
	for _, p := range r.store.processes {
		out = append(out, cloneProcess(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *ProcessRepo) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	n := 0
	for id, p := range r.store.processes {
		if p.Status.IsTerminal() && p.UpdatedAt.Before(cutoff) {
			delete(r.store.processes, id)
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Player Repository
// -----------------------------------------------------------------------------

type PlayerRepo struct {
	store *MemoryStorage
}

func NewPlayerRepo(store *MemoryStorage) *PlayerRepo {
	return &PlayerRepo{store: store}
}

func (r *PlayerRepo) GetByID(ctx context.Context, id string) (*domain.Player, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	p, ok := r.store.players[id]
	if !ok {
		return nil, storage.ErrPlayerNotFound
	}
	c := *p
	return &c, nil
}

func (r *PlayerRepo) GetByIDs(ctx context.Context, ids []string) (map[string]*domain.Player, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make(map[string]*domain.Player, len(ids))
	for _, id := range ids {
		if p, ok := r.store.players[id]; ok {
			c := *p
			out[id] = &c
		}
	}
	return out, nil
}

func (r *PlayerRepo) ListByAlliance(ctx context.Context, allianceID int64) ([]*domain.Player, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Player
	for _, p := range r.store.players {
		if p.AllianceID == allianceID {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *PlayerRepo) Save(ctx context.Context, player *domain.Player) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *player
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.store.now()
	}
	r.store.players[c.ID] = &c
	return nil
}

func (r *PlayerRepo) IncrementNotFound(ctx context.Context, id string) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	p, ok := r.store.players[id]
	if !ok {
		return 0, storage.ErrPlayerNotFound
	}
	p.NotFoundCount++
	return p.NotFoundCount, nil
}

func (r *PlayerRepo) Delete(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.players, id)
	return nil
}

// -----------------------------------------------------------------------------
// Alliance Repository
// -----------------------------------------------------------------------------

type AllianceRepo struct {
	store *MemoryStorage
}

func NewAllianceRepo(store *MemoryStorage) *AllianceRepo {
	return &AllianceRepo{store: store}
}

func (r *AllianceRepo) GetByID(ctx context.Context, id int64) (*domain.Alliance, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	a, ok := r.store.alliances[id]
	if !ok {
		return nil, storage.ErrAllianceNotFound
	}
	c := *a
	return &c, nil
}

func (r *AllianceRepo) ListAutoRedeem(ctx context.Context) ([]*domain.Alliance, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Alliance
	for _, a := range r.store.alliances {
		if a.AutoRedeem {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RedeemPriority != out[j].RedeemPriority {
			return out[i].RedeemPriority < out[j].RedeemPriority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *AllianceRepo) Save(ctx context.Context, alliance *domain.Alliance) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *alliance
	r.store.alliances[c.ID] = &c
	return nil
}

// -----------------------------------------------------------------------------
// Gift Code Repository
// -----------------------------------------------------------------------------

type GiftCodeRepo struct {
	store *MemoryStorage
}

func NewGiftCodeRepo(store *MemoryStorage) *GiftCodeRepo {
	return &GiftCodeRepo{store: store}
}

func (r *GiftCodeRepo) Get(ctx context.Context, code string) (*domain.GiftCode, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	c, ok := r.store.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *GiftCodeRepo) Create(ctx context.Context, code *domain.GiftCode) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.codes[code.Code]; ok {
		return fmt.Errorf("%w: %s", storage.ErrCodeExists, code.Code)
	}
	c := *code
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.store.now()
	}
	if c.Status == "" {
		c.Status = domain.CodeStatusActive
	}
	r.store.codes[c.Code] = &c
	return nil
}

func (r *GiftCodeRepo) ListActive(ctx context.Context) ([]*domain.GiftCode, error) {
	return r.list(func(c *domain.GiftCode) bool { return c.Status == domain.CodeStatusActive })
}

func (r *GiftCodeRepo) ListUnpushed(ctx context.Context) ([]*domain.GiftCode, error) {
	return r.list(func(c *domain.GiftCode) bool {
		return c.Source == domain.CodeSourceManual && !c.Pushed && c.Status == domain.CodeStatusActive
	})
}

func (r *GiftCodeRepo) list(keep func(*domain.GiftCode) bool) ([]*domain.GiftCode, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.GiftCode
	for _, c := range r.store.codes {
		if keep(c) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (r *GiftCodeRepo) update(code string, fn func(*domain.GiftCode)) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c, ok := r.store.codes[code]
	if !ok {
		return storage.ErrCodeNotFound
	}
	fn(c)
	return nil
}

func (r *GiftCodeRepo) MarkInvalid(ctx context.Context, code string) error {
	return r.update(code, func(c *domain.GiftCode) { c.Status = domain.CodeStatusInvalid })
}

func (r *GiftCodeRepo) MarkVIP(ctx context.Context, code string) error {
	return r.update(code, func(c *domain.GiftCode) { c.IsVIP = true })
}

func (r *GiftCodeRepo) MarkValidated(ctx context.Context, code string) error {
	now := r.store.now()
	return r.update(code, func(c *domain.GiftCode) { c.ValidatedAt = &now })
}

func (r *GiftCodeRepo) MarkPushed(ctx context.Context, code string) error {
	return r.update(code, func(c *domain.GiftCode) { c.Pushed = true })
}

func (r *GiftCodeRepo) RecordUsage(ctx context.Context, usage domain.Usage) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	byPlayer, ok := r.store.usages[usage.Code]
	if !ok {
		byPlayer = make(map[string]domain.Usage)
		r.store.usages[usage.Code] = byPlayer
	}
	if _, exists := byPlayer[usage.PlayerID]; exists {
		return nil
	}
	if usage.RedeemedAt.IsZero() {
		usage.RedeemedAt = r.store.now()
	}
	byPlayer[usage.PlayerID] = usage
	return nil
}

func (r *GiftCodeRepo) UsedBy(ctx context.Context, code string, ids []string) (map[string]bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make(map[string]bool)
	byPlayer := r.store.usages[code]
	for _, id := range ids {
		if _, ok := byPlayer[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}
