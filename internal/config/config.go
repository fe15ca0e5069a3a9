// Package config loads the process configuration once at startup.
// Defaults are overlaid with SUBMISSION_API_* environment variables and the
// merged result is validated; a bad configuration is a startup failure, the
// process never runs in a degraded state.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "SUBMISSION_API_"

// Config is the single configuration struct handed by reference into each
// component constructor. Nothing reads the environment after Load returns.
type Config struct {
	// Database
	DatabaseURL string `koanf:"database_url" validate:"required"`

	// Object storage
	Bucket               string        `koanf:"bucket" validate:"required"`
	StagingPrefix        string        `koanf:"staging_prefix" validate:"required"`
	LoadedPrefix         string        `koanf:"loaded_prefix" validate:"required"`
	SignedURLTTL         time.Duration `koanf:"signed_url_ttl" validate:"gt=0"`
	GCSSigningEmail      string        `koanf:"gcs_signing_email" validate:"required"`
	GCSSigningPrivateKey string        `koanf:"gcs_signing_private_key" validate:"required"`

	// Queues
	SubmissionQueue   string        `koanf:"submission_queue" validate:"required"`
	SaveAndExitQueue  string        `koanf:"save_and_exit_queue" validate:"required"`
	PollInterval      time.Duration `koanf:"poll_interval" validate:"gt=0"`
	MaxBatch          int           `koanf:"max_batch" validate:"gte=1,lte=10"`
	VisibilityTimeout time.Duration `koanf:"visibility_timeout" validate:"gt=0"`

	// Expiry notification scheduler
	NotifyCronSchedule string        `koanf:"notify_cron_schedule" validate:"required"`
	ExpiryLookahead    time.Duration `koanf:"expiry_lookahead" validate:"gt=0"`
	ExpiryMinRemaining time.Duration `koanf:"expiry_min_remaining" validate:"gte=0"`
	NotifyLockTimeout  time.Duration `koanf:"notify_lock_timeout" validate:"gt=0"`

	// Record retention
	RetentionMonths int           `koanf:"retention_months" validate:"gte=1"`
	JanitorInterval time.Duration `koanf:"janitor_interval" validate:"gt=0"`

	// External services
	NotifierURL        string `koanf:"notifier_url" validate:"required,url"`
	NotifierAPIKey     string `koanf:"notifier_api_key" validate:"required"`
	NotifierTemplateID string `koanf:"notifier_template_id" validate:"required"`
	FormsManagerURL    string `koanf:"forms_manager_url" validate:"required,url"`

	// HTTP surface
	Port   string `koanf:"port" validate:"required"`
	APIKey string `koanf:"api_key" validate:"required"`

	// Logging
	LogLevel string `koanf:"log_level" validate:"oneof=debug info warn error"`
}

// Defaults returns the baseline configuration before the environment overlay.
// Secrets and endpoints have no defaults on purpose.
func Defaults() Config {
	return Config{
		StagingPrefix:      "staging/",
		LoadedPrefix:       "loaded/",
		SignedURLTTL:       time.Hour,
		SubmissionQueue:    "forms_submissions",
		SaveAndExitQueue:   "forms_save_and_exit",
		PollInterval:       5 * time.Second,
		MaxBatch:           10,
		VisibilityTimeout:  5 * time.Minute,
		NotifyCronSchedule: "0 * * * *",
		ExpiryLookahead:    24 * time.Hour,
		ExpiryMinRemaining: time.Hour,
		NotifyLockTimeout:  30 * time.Minute,
		RetentionMonths:    12,
		JanitorInterval:    10 * time.Minute,
		Port:               "8080",
		LogLevel:           "info",
	}
}

// Load merges Defaults with the environment and validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
			return key, value
		},
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}
