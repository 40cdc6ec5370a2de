// Package config loads linkdigest settings from linkdigest.yaml, LINKDIGEST_*
// environment variables and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"linkdigest/internal/jobstore"
	"linkdigest/internal/logger"
	"linkdigest/internal/quota"
	"linkdigest/internal/stage"
)

const (
	EnvPrefix          = "LINKDIGEST"
	DefaultConfigName  = "linkdigest"
	DefaultConcurrency = 2
	DefaultStateDir    = ".linkdigest"
	DefaultOutputDir   = "downloads"
	DefaultAPIAddr     = ":8080"
	DefaultGeminiURL   = "https://generativelanguage.googleapis.com/v1beta"
)

type Config struct {
	State      StateConfig      `mapstructure:"state"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Quota      QuotaConfig      `mapstructure:"quota"`
	AI         AIConfig         `mapstructure:"ai"`
	Transcribe TranscribeConfig `mapstructure:"transcribe"`
	Download   DownloadConfig   `mapstructure:"download"`
	Resolve    ResolveConfig    `mapstructure:"resolve"`
	API        APIConfig        `mapstructure:"api"`
	Watch      WatchConfig      `mapstructure:"watch"`
	Log        logger.Config    `mapstructure:"log"`
}

type StateConfig struct {
	Backend     string        `mapstructure:"backend" validate:"oneof=fs redis postgres"`
	Dir         string        `mapstructure:"dir" validate:"required"`
	RedisURL    string        `mapstructure:"redis_url" validate:"required_if=Backend redis"`
	RedisPrefix string        `mapstructure:"redis_prefix"`
	PostgresDSN string        `mapstructure:"postgres_dsn" validate:"required_if=Backend postgres"`
	LockWait    time.Duration `mapstructure:"lock_wait"`
}

type StageConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=0"`
	Timeout     time.Duration `mapstructure:"timeout"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

type PipelineConfig struct {
	Concurrency    int                    `mapstructure:"concurrency" validate:"gte=1,lte=64"`
	RetryPermanent bool                   `mapstructure:"retry_permanent"`
	Defaults       StageConfig            `mapstructure:"defaults"`
	Stages         map[string]StageConfig `mapstructure:"stages"`
}

type QuotaConfig struct {
	Tiers    []quota.Tier `mapstructure:"tiers" validate:"min=1,dive"`
	Fallback []string     `mapstructure:"fallback"`
	// Persist keeps daily counters in <state.dir>/quota.json across restarts.
	Persist bool `mapstructure:"persist"`
}

type AIConfig struct {
	Endpoint       string        `mapstructure:"endpoint" validate:"required,url"`
	APIKey         string        `mapstructure:"api_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
	OptimizePrompt string        `mapstructure:"optimize_prompt"`
	AnalyzePrompt  string        `mapstructure:"analyze_prompt"`
	// OptimizeTiers and AnalyzeTiers are the preferred tier orders per stage.
	OptimizeTiers []string `mapstructure:"optimize_tiers"`
	AnalyzeTiers  []string `mapstructure:"analyze_tiers"`
}

type TranscribeConfig struct {
	Binary    string `mapstructure:"binary" validate:"required"`
	ModelSize string `mapstructure:"model_size" validate:"oneof=tiny base small medium large large-v3 turbo"`
	Language  string `mapstructure:"language"`
}

type DownloadConfig struct {
	Binary      string `mapstructure:"binary" validate:"required"`
	OutputDir   string `mapstructure:"output_dir" validate:"required"`
	CookiesFile string `mapstructure:"cookies_file"`
	Quality     string `mapstructure:"quality" validate:"oneof=best 1080p 720p 480p audio"`
	Subtitles   bool   `mapstructure:"subtitles"`
}

type ResolveConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	PerHostInterval time.Duration `mapstructure:"per_host_interval"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

type APIConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

type WatchConfig struct {
	Schedule string `mapstructure:"schedule"`
	File     string `mapstructure:"file"`
}

// Load reads cfgFile when given, otherwise searches ./linkdigest.yaml and
// $HOME/.config/linkdigest. A missing config file is not an error.
func Load(cfgFile string) (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, err
	}

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "linkdigest"))
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.AI.APIKey == "" {
		cfg.AI.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadEnvFiles loads ENV_FILE when set, otherwise .env.local then .env.
// Variables already in the environment win.
func loadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state.backend", "fs")
	v.SetDefault("state.dir", DefaultStateDir)
	v.SetDefault("state.redis_prefix", "linkdigest")
	v.SetDefault("state.lock_wait", "10s")
	v.SetDefault("state.redis_url", "")
	v.SetDefault("state.postgres_dsn", "")

	v.SetDefault("pipeline.concurrency", DefaultConcurrency)
	v.SetDefault("pipeline.retry_permanent", false)
	v.SetDefault("pipeline.defaults.max_attempts", 3)
	v.SetDefault("pipeline.defaults.timeout", "10m")
	v.SetDefault("pipeline.defaults.backoff_base", "2s")
	v.SetDefault("pipeline.defaults.backoff_max", "60s")

	tiers := make([]map[string]any, 0, 3)
	for _, t := range quota.DefaultTiers() {
		tiers = append(tiers, map[string]any{
			"name":       t.Name,
			"model":      t.Model,
			"per_minute": t.PerMinute,
			"per_day":    t.PerDay,
		})
	}
	v.SetDefault("quota.tiers", tiers)
	v.SetDefault("quota.fallback", []string{"flash-lite", "flash", "pro"})
	v.SetDefault("quota.persist", true)

	v.SetDefault("ai.endpoint", DefaultGeminiURL)
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.timeout", "2m")
	v.SetDefault("ai.optimize_prompt", "")
	v.SetDefault("ai.analyze_prompt", "")
	v.SetDefault("ai.optimize_tiers", []string{"flash-lite", "flash"})
	v.SetDefault("ai.analyze_tiers", []string{"pro", "flash", "flash-lite"})

	v.SetDefault("transcribe.binary", "whisper")
	v.SetDefault("transcribe.model_size", "turbo")
	v.SetDefault("transcribe.language", "")

	v.SetDefault("download.binary", "yt-dlp")
	v.SetDefault("download.output_dir", DefaultOutputDir)
	v.SetDefault("download.quality", "best")
	v.SetDefault("download.cookies_file", "")
	v.SetDefault("download.subtitles", true)

	v.SetDefault("resolve.enabled", false)
	v.SetDefault("resolve.per_host_interval", "500ms")
	v.SetDefault("resolve.timeout", "10s")

	v.SetDefault("api.addr", DefaultAPIAddr)

	v.SetDefault("watch.schedule", "@every 30m")
	v.SetDefault("watch.file", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func (c *Config) normalize() {
	c.State.Backend = strings.ToLower(strings.TrimSpace(c.State.Backend))
	if c.State.Backend == "" || c.State.Backend == "file" {
		c.State.Backend = "fs"
	}
	c.Pipeline.Concurrency = firstPositive(c.Pipeline.Concurrency, DefaultConcurrency)
	c.Quota.Fallback = normalizeNames(c.Quota.Fallback)
	c.AI.OptimizeTiers = normalizeNames(c.AI.OptimizeTiers)
	c.AI.AnalyzeTiers = normalizeNames(c.AI.AnalyzeTiers)
	c.Transcribe.ModelSize = strings.ToLower(strings.TrimSpace(c.Transcribe.ModelSize))
	c.Download.Quality = strings.ToLower(strings.TrimSpace(c.Download.Quality))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and that every tier name the config refers to
// is defined.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	known := make(map[string]bool, len(c.Quota.Tiers))
	for _, t := range c.Quota.Tiers {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("invalid config: quota tier without name")
		}
		if known[t.Name] {
			return fmt.Errorf("invalid config: duplicate quota tier %q", t.Name)
		}
		if t.PerMinute < 0 || t.PerDay < 0 {
			return fmt.Errorf("invalid config: quota tier %q has negative limits", t.Name)
		}
		known[t.Name] = true
	}
	for field, names := range map[string][]string{
		"quota.fallback":    c.Quota.Fallback,
		"ai.optimize_tiers": c.AI.OptimizeTiers,
		"ai.analyze_tiers":  c.AI.AnalyzeTiers,
	} {
		for _, n := range names {
			if !known[n] {
				return fmt.Errorf("invalid config: %s references unknown tier %q", field, n)
			}
		}
	}
	return nil
}

func (c *Config) JobStoreOptions() jobstore.Options {
	return jobstore.Options{
		Backend:     c.State.Backend,
		Dir:         c.State.Dir,
		RedisURL:    c.State.RedisURL,
		RedisPrefix: c.State.RedisPrefix,
		PostgresDSN: c.State.PostgresDSN,
		LockWait:    c.State.LockWait,
	}
}

// Stage merges the per-stage override for name over the pipeline defaults.
func (c *Config) Stage(name string) StageConfig {
	out := c.Pipeline.Defaults
	o, ok := c.Pipeline.Stages[name]
	if !ok {
		return out
	}
	out.MaxAttempts = firstPositive(o.MaxAttempts, out.MaxAttempts)
	if o.Timeout > 0 {
		out.Timeout = o.Timeout
	}
	if o.BackoffBase > 0 {
		out.BackoffBase = o.BackoffBase
	}
	if o.BackoffMax > 0 {
		out.BackoffMax = o.BackoffMax
	}
	return out
}

// Definition fills the retry policy of a stage definition from config.
func (s StageConfig) Definition(name string, fn stage.Func) stage.Definition {
	backoff := stage.DefaultBackoff()
	if s.BackoffBase > 0 {
		backoff.Base = s.BackoffBase
	}
	if s.BackoffMax > 0 {
		backoff.Max = s.BackoffMax
	}
	return stage.Definition{
		Name:        name,
		Fn:          fn,
		MaxAttempts: s.MaxAttempts,
		Backoff:     backoff,
		Timeout:     s.Timeout,
	}
}

func normalizeNames(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, n := range raw {
		v := strings.TrimSpace(n)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
