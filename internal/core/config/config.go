package config

import (
	"time"

	redisclient "github.com/vietddude/redeemer/internal/infra/redis"
	"github.com/vietddude/redeemer/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database postgres.Config    `yaml:"database"`
	Redis    redisclient.Config `yaml:"redis"`
	GameAPI  GameAPIConfig      `yaml:"game_api"`
	Captcha  CaptchaConfig      `yaml:"captcha"`
	Redeem   RedeemConfig       `yaml:"redeem"`
	Batch    BatchConfig        `yaml:"batch"`
	Feed     FeedConfig         `yaml:"feed"`
}

// ServerConfig holds HTTP and gRPC listener settings.
type ServerConfig struct {
	Port     int `yaml:"port"`
	GRPCPort int `yaml:"grpc_port"` // 0 = disabled
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// GameAPIConfig points at the gift-code endpoint.
type GameAPIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

// CaptchaConfig locates the recognition model and the inference runtime.
type CaptchaConfig struct {
	ModelPath     string        `yaml:"model_path"`
	MetadataPath  string        `yaml:"metadata_path"`
	InferenceURL  string        `yaml:"inference_url"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	MinConfidence float64       `yaml:"min_confidence"`
}

// RedeemConfig bounds the per-item state machine.
type RedeemConfig struct {
	MaxAttempts              int           `yaml:"max_attempts"`
	MaxConsecutiveRateLimits int           `yaml:"max_consecutive_rate_limits"`
	MaxReauth                int           `yaml:"max_reauth"`
	CaptchaFetchInterval     time.Duration `yaml:"captcha_fetch_interval"`
	AttemptDelay             time.Duration `yaml:"attempt_delay"`
	RetryDelay               time.Duration `yaml:"retry_delay"`
	RateLimitBase            time.Duration `yaml:"rate_limit_base"`
	RateLimitMax             time.Duration `yaml:"rate_limit_max"`
}

// BatchConfig tunes batch pacing and roster bookkeeping.
type BatchConfig struct {
	ValidationCooldown time.Duration `yaml:"validation_cooldown"`
	MinRedeemInterval  time.Duration `yaml:"min_redeem_interval"`
	ValidationPlayerID string        `yaml:"validation_player_id"`
	VIPThreshold       int           `yaml:"vip_threshold"`
	NotFoundThreshold  int           `yaml:"not_found_threshold"`
	AutoDeleteNotFound bool          `yaml:"auto_delete_not_found"`
	QueuePollInterval  time.Duration `yaml:"queue_poll_interval"`
	ProcessRetention   time.Duration `yaml:"process_retention"` // 0 = keep forever
}

// FeedConfig configures the shared code feed synchronizer.
type FeedConfig struct {
	Enabled            bool          `yaml:"enabled"`
	BaseURL            string        `yaml:"base_url"`
	APIKey             string        `yaml:"api_key"`
	Timeout            time.Duration `yaml:"timeout"`
	MinInterval        time.Duration `yaml:"min_interval"`
	MaxInterval        time.Duration `yaml:"max_interval"`
	RevalidateInterval time.Duration `yaml:"revalidate_interval"`
	BackoffFloor       time.Duration `yaml:"backoff_floor"`
	BackoffCeiling     time.Duration `yaml:"backoff_ceiling"`
	RateLimitFloor     time.Duration `yaml:"rate_limit_floor"`
	BackoffMultiplier  float64       `yaml:"backoff_multiplier"`
}
