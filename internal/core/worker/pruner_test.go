package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/redeemer/internal/core/domain"
	"github.com/vietddude/redeemer/internal/infra/storage"
	"github.com/vietddude/redeemer/internal/infra/storage/memory"
)

func TestPruner_RemovesOnlyOldFinishedProcesses(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewProcessRepo(memory.NewMemoryStorage())

	create := func(status domain.ProcessStatus) string {
		id, err := repo.Create(ctx, &domain.Process{Status: domain.ProcessStatusActive})
		if err != nil {
			t.Fatal(err)
		}
		if err := repo.UpdateStatus(ctx, id, status); err != nil {
			t.Fatal(err)
		}
		return id
	}
	completed := create(domain.ProcessStatusCompleted)
	failed := create(domain.ProcessStatusFailed)
	active := create(domain.ProcessStatusActive)
	preempted := create(domain.ProcessStatusPreempted)

	p := NewPruner(24*time.Hour, repo)
	p.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	if n := p.Prune(ctx); n != 2 {
		t.Errorf("pruned = %d, want 2", n)
	}
	for _, id := range []string{completed, failed} {
		if _, err := repo.GetByID(ctx, id); !errors.Is(err, storage.ErrProcessNotFound) {
			t.Errorf("process %s should be pruned, err = %v", id, err)
		}
	}
	for _, id := range []string{active, preempted} {
		if _, err := repo.GetByID(ctx, id); err != nil {
			t.Errorf("unfinished process %s must survive: %v", id, err)
		}
	}
}

func TestPruner_KeepsRecentProcesses(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewProcessRepo(memory.NewMemoryStorage())
	id, err := repo.Create(ctx, &domain.Process{Status: domain.ProcessStatusActive})
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.UpdateStatus(ctx, id, domain.ProcessStatusCompleted); err != nil {
		t.Fatal(err)
	}

	if n := NewPruner(24*time.Hour, repo).Prune(ctx); n != 0 {
		t.Errorf("pruned = %d, want 0", n)
	}
}

func TestPruner_DisabledWithoutRetention(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		NewPruner(0, nil).Start(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start should return immediately when retention is zero")
	}
}
