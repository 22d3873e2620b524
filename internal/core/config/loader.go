package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.GameAPI.Timeout == 0 {
		cfg.GameAPI.Timeout = 15 * time.Second
	}

	c := &cfg.Captcha
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.MinConfidence == 0 {
		c.MinConfidence = 0.4
	}

	r := &cfg.Redeem
	setInt(&r.MaxAttempts, 4)
	setInt(&r.MaxConsecutiveRateLimits, 3)
	setInt(&r.MaxReauth, 2)
	setDuration(&r.CaptchaFetchInterval, 60*time.Second)
	setDuration(&r.AttemptDelay, time.Second)
	setDuration(&r.RetryDelay, 2*time.Second)
	setDuration(&r.RateLimitBase, 2*time.Second)
	setDuration(&r.RateLimitMax, 60*time.Second)

	b := &cfg.Batch
	setDuration(&b.ValidationCooldown, 3*time.Second)
	setDuration(&b.MinRedeemInterval, 2*time.Second)
	setInt(&b.VIPThreshold, 5)
	setInt(&b.NotFoundThreshold, 3)
	setDuration(&b.QueuePollInterval, 30*time.Second)

	f := &cfg.Feed
	setDuration(&f.Timeout, 30*time.Second)
	setDuration(&f.MinInterval, 5*time.Minute)
	setDuration(&f.MaxInterval, 10*time.Minute)
	setDuration(&f.RevalidateInterval, 24*time.Hour)
	setDuration(&f.BackoffFloor, time.Minute)
	setDuration(&f.BackoffCeiling, time.Hour)
	setDuration(&f.RateLimitFloor, 5*time.Minute)
	if f.BackoffMultiplier == 0 {
		f.BackoffMultiplier = 2
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}

// Validate rejects settings the service cannot start with.
func (c *AppConfig) Validate() error {
	if c.GameAPI.BaseURL == "" {
		return errors.New("game_api.base_url is required")
	}
	if c.Captcha.MinConfidence < 0 || c.Captcha.MinConfidence > 1 {
		return fmt.Errorf("captcha.min_confidence must be within [0,1], got %v", c.Captcha.MinConfidence)
	}
	if c.Feed.Enabled && c.Feed.BaseURL == "" {
		return errors.New("feed.base_url is required when the feed is enabled")
	}
	if c.Feed.MaxInterval < c.Feed.MinInterval {
		return fmt.Errorf("feed.max_interval (%s) is below feed.min_interval (%s)", c.Feed.MaxInterval, c.Feed.MinInterval)
	}
	if c.Redeem.RateLimitMax < c.Redeem.RateLimitBase {
		return fmt.Errorf("redeem.rate_limit_max (%s) is below redeem.rate_limit_base (%s)", c.Redeem.RateLimitMax, c.Redeem.RateLimitBase)
	}
	return nil
}
