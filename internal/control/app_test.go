package control

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vietddude/redeemer/internal/core/config"
	"github.com/vietddude/redeemer/internal/core/domain"
	"github.com/vietddude/redeemer/internal/infra/storage/postgres"
)

func memoryConfig(gameURL string) *config.AppConfig {
	return &config.AppConfig{
		Server:  config.ServerConfig{Port: 0},
		GameAPI: config.GameAPIConfig{BaseURL: gameURL, Timeout: time.Second},
		Captcha: config.CaptchaConfig{IdleTimeout: time.Minute, MinConfidence: 0.4},
		Redeem: config.RedeemConfig{
			MaxAttempts:              2,
			MaxConsecutiveRateLimits: 1,
			MaxReauth:                1,
			CaptchaFetchInterval:     time.Millisecond,
			RateLimitBase:            time.Millisecond,
			RateLimitMax:             time.Millisecond,
		},
		Batch: config.BatchConfig{
			VIPThreshold:      5,
			NotFoundThreshold: 3,
			QueuePollInterval: time.Hour,
		},
	}
}

func TestOpenStores_MemoryFallback(t *testing.T) {
	stores, err := OpenStores(context.Background(), postgres.Config{}, true)
	if err != nil {
		t.Fatalf("OpenStores: %v", err)
	}
	defer func() {
		_ = stores.Close()
	}()

	ctx := context.Background()
	id, err := stores.Processes.Create(ctx, &domain.Process{CreatedBy: "test"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := stores.Processes.GetByID(ctx, id); err != nil {
		t.Errorf("GetByID: %v", err)
	}
}

func TestApp_StartStop(t *testing.T) {
	game := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer game.Close()

	ctx := context.Background()
	app, err := NewApp(ctx, memoryConfig(game.URL))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if app.synchronizer != nil {
		t.Error("feed synchronizer should be disabled")
	}
	if app.grpcServer != nil {
		t.Error("gRPC server should be disabled without a port")
	}

	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestApp_RecoversUnfinishedProcesses(t *testing.T) {
	game := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer game.Close()

	ctx := context.Background()
	app, err := NewApp(ctx, memoryConfig(game.URL))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}

	// A finished process must not be picked up again.
	id, err := app.stores.Processes.Create(ctx, &domain.Process{Status: domain.ProcessStatusCompleted})
	if err != nil {
		t.Fatal(err)
	}

	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if active, ok := app.controller.Active(); ok && active == id {
		t.Errorf("completed process %s was restarted", id)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
