// Package config loads and validates service configuration via Viper.
package config

import (
	"encoding/base64"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/mention-monitor/internal/monitor"
	"github.com/JakeFAU/mention-monitor/internal/search"
)

// EnvPrefix namespaces environment overrides, e.g. MONITOR_DB_DSN.
const EnvPrefix = "MONITOR"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	DB         DBConfig         `mapstructure:"db"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	OAuth      OAuthConfig      `mapstructure:"oauth"`
	API        APIConfig        `mapstructure:"api"`
	Search     SearchConfig     `mapstructure:"search"`
	Render     RenderConfig     `mapstructure:"render"`
	Analysis   AnalysisConfig   `mapstructure:"analysis"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	DeadLetter DeadLetterConfig `mapstructure:"deadletter"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	APIKey          string        `mapstructure:"api_key"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DBConfig controls access to Postgres. An empty DSN selects the in-memory store.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// SecretsConfig holds the at-rest token key, base64 encoded.
type SecretsConfig struct {
	Key string `mapstructure:"key"`
}

// OAuthConfig configures token refresh against the provider.
type OAuthConfig struct {
	ClientID      string        `mapstructure:"client_id"`
	ClientSecret  string        `mapstructure:"client_secret"`
	TokenURL      string        `mapstructure:"token_url"`
	RevokeURL     string        `mapstructure:"revoke_url"`
	UserAgent     string        `mapstructure:"user_agent"`
	RefreshWindow time.Duration `mapstructure:"refresh_window"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// APIConfig configures the authoritative item lookup API.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	RPS     float64       `mapstructure:"rps"`
	Burst   int           `mapstructure:"burst"`
}

// SearchConfig configures the public search fetch.
type SearchConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	TimeFilter    string        `mapstructure:"time_filter"`
	Sort          string        `mapstructure:"sort"`
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RPS           float64       `mapstructure:"rps"`
	Burst         int           `mapstructure:"burst"`
	RespectRobots bool          `mapstructure:"respect_robots"`
}

// RenderConfig configures the headless renderer and its middleware.
type RenderConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	ExecPath         string        `mapstructure:"exec_path"`
	MaxParallel      int           `mapstructure:"max_parallel"`
	Width            int           `mapstructure:"width"`
	Height           int           `mapstructure:"height"`
	Timeout          time.Duration `mapstructure:"timeout"`
	NetworkIdle      bool          `mapstructure:"network_idle"`
	ScrollEnabled    bool          `mapstructure:"scroll_enabled"`
	MaxScrolls       int           `mapstructure:"max_scrolls"`
	ScrollDelay      time.Duration `mapstructure:"scroll_delay"`
	InitialDelay     time.Duration `mapstructure:"initial_delay"`
	UserAgent        string        `mapstructure:"user_agent"`
	RotateUserAgents bool          `mapstructure:"rotate_user_agents"`
	UserAgents       []string      `mapstructure:"user_agents"`
}

// AnalysisConfig selects and tunes the analysis model.
type AnalysisConfig struct {
	Provider        string  `mapstructure:"provider"`
	APIKey          string  `mapstructure:"api_key"`
	Model           string  `mapstructure:"model"`
	Temperature     float32 `mapstructure:"temperature"`
	TopP            float32 `mapstructure:"top_p"`
	TopK            float32 `mapstructure:"top_k"`
	MaxOutputTokens int32   `mapstructure:"max_output_tokens"`
}

// Analysis providers.
const (
	ProviderGemini = "gemini"
	ProviderNone   = "none"
)

// QueueConfig configures the lanes and their retry backoff.
type QueueConfig struct {
	DefaultDepth int                   `mapstructure:"default_depth"`
	BackoffBase  time.Duration         `mapstructure:"backoff_base"`
	BackoffMax   time.Duration         `mapstructure:"backoff_max"`
	Lanes        map[string]LaneConfig `mapstructure:"lanes"`
}

// LaneConfig sizes one lane.
type LaneConfig struct {
	Workers     int           `mapstructure:"workers"`
	Depth       int           `mapstructure:"depth"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// Lane returns the settings for lane. Missing lanes get zero values, which
// Validate rejects.
func (q QueueConfig) Lane(lane monitor.Lane) LaneConfig {
	return q.Lanes[string(lane)]
}

// Depths returns per-lane channel depths for lanes that override the default.
func (q QueueConfig) Depths() map[monitor.Lane]int {
	out := make(map[monitor.Lane]int, len(q.Lanes))
	for name, lane := range q.Lanes {
		if lane.Depth > 0 {
			out[monitor.Lane(name)] = lane.Depth
		}
	}
	return out
}

// SchedulerConfig configures the periodic trigger. An empty Cron disables it.
type SchedulerConfig struct {
	Cron        string `mapstructure:"cron"`
	BatchSize   int    `mapstructure:"batch_size"`
	Parallelism int    `mapstructure:"parallelism"`
}

// ArchiveConfig selects where rendered snapshots are written.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// Archive backends.
const (
	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// DeadLetterConfig selects where exhausted jobs are published.
type DeadLetterConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Dead-letter backends.
const (
	DeadLetterLog    = "log"
	DeadLetterMemory = "memory"
	DeadLetterPubSub = "pubsub"
)

// Load builds a Config from an optional file plus the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Secrets and endpoints default to empty so AutomaticEnv can bind them.
	for _, key := range []string{
		"server.api_key", "db.dsn", "secrets.key", "oauth.client_id", "oauth.client_secret",
		"search.user_agent", "render.exec_path", "render.user_agent", "analysis.api_key",
		"archive.base_dir", "archive.bucket", "deadletter.project_id", "deadletter.topic",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("oauth.token_url", "https://www.reddit.com/api/v1/access_token")
	v.SetDefault("oauth.revoke_url", "https://www.reddit.com/api/v1/revoke_token")
	v.SetDefault("oauth.user_agent", "mention-monitor/1.0")
	v.SetDefault("oauth.refresh_window", 5*time.Minute)
	v.SetDefault("oauth.timeout", 30*time.Second)
	v.SetDefault("api.base_url", "https://oauth.reddit.com")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.rps", 1.0)
	v.SetDefault("api.burst", 5)
	v.SetDefault("search.base_url", search.DefaultBaseURL)
	v.SetDefault("search.time_filter", "week")
	v.SetDefault("search.sort", "relevance")
	v.SetDefault("search.timeout", 60*time.Second)
	v.SetDefault("search.rps", 0.5)
	v.SetDefault("search.burst", 1)
	v.SetDefault("search.respect_robots", false)
	v.SetDefault("render.enabled", true)
	v.SetDefault("render.max_parallel", 2)
	v.SetDefault("render.width", 1920)
	v.SetDefault("render.height", 1080)
	v.SetDefault("render.timeout", 300*time.Second)
	v.SetDefault("render.network_idle", true)
	v.SetDefault("render.scroll_enabled", true)
	v.SetDefault("render.max_scrolls", 10)
	v.SetDefault("render.scroll_delay", 3*time.Second)
	v.SetDefault("render.initial_delay", 3*time.Second)
	v.SetDefault("render.rotate_user_agents", true)
	v.SetDefault("analysis.provider", ProviderGemini)
	v.SetDefault("analysis.model", "gemini-2.0-flash")
	v.SetDefault("analysis.temperature", 0.3)
	v.SetDefault("analysis.top_p", 0.8)
	v.SetDefault("analysis.top_k", 40)
	v.SetDefault("analysis.max_output_tokens", 200)
	v.SetDefault("queue.default_depth", 256)
	v.SetDefault("queue.backoff_base", 5*time.Second)
	v.SetDefault("queue.backoff_max", 5*time.Minute)
	laneDefaults := map[monitor.Lane]struct {
		workers int
		timeout time.Duration
	}{
		monitor.LaneMonitoring:     {workers: 2, timeout: 300 * time.Second},
		monitor.LaneSearch:         {workers: 2, timeout: 600 * time.Second},
		monitor.LanePostProcessing: {workers: 4, timeout: 60 * time.Second},
		monitor.LaneEnrichment:     {workers: 4, timeout: 240 * time.Second},
	}
	for lane, d := range laneDefaults {
		prefix := "queue.lanes." + string(lane) + "."
		v.SetDefault(prefix+"workers", d.workers)
		v.SetDefault(prefix+"max_attempts", 3)
		v.SetDefault(prefix+"timeout", d.timeout)
	}
	v.SetDefault("scheduler.cron", "@every 15m")
	v.SetDefault("scheduler.batch_size", 50)
	v.SetDefault("scheduler.parallelism", 4)
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.prefix", "snapshots")
	v.SetDefault("deadletter.backend", DeadLetterLog)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Secrets.Key != "" {
		key, err := base64.StdEncoding.DecodeString(c.Secrets.Key)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("secrets.key must be 32 base64 encoded bytes")
		}
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be > 0")
	}
	urls := search.URLConfig{BaseURL: c.Search.BaseURL, Sort: c.Search.Sort, TimeFilter: c.Search.TimeFilter}
	if err := urls.Validate(); err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if c.Render.Enabled && c.Render.MaxParallel <= 0 {
		return fmt.Errorf("render.max_parallel must be > 0 when rendering is enabled")
	}
	if c.Render.Timeout <= 0 {
		return fmt.Errorf("render.timeout must be > 0")
	}
	switch c.Analysis.Provider {
	case ProviderGemini:
		// The key is checked when the model is built so scrape runs without it.
	case ProviderNone:
	default:
		return fmt.Errorf("analysis.provider %q is not one of gemini, none", c.Analysis.Provider)
	}
	for _, lane := range monitor.Lanes() {
		l := c.Queue.Lane(lane)
		if l.Workers <= 0 {
			return fmt.Errorf("queue.lanes.%s.workers must be > 0", lane)
		}
		if l.MaxAttempts <= 0 {
			return fmt.Errorf("queue.lanes.%s.max_attempts must be > 0", lane)
		}
		if l.Timeout <= 0 {
			return fmt.Errorf("queue.lanes.%s.timeout must be > 0", lane)
		}
	}
	for name := range c.Queue.Lanes {
		if !slices.Contains(monitor.Lanes(), monitor.Lane(name)) {
			return fmt.Errorf("queue.lanes.%s is not a known lane", name)
		}
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler.batch_size must be > 0")
	}
	switch c.Archive.Backend {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local backend")
		}
	case ArchiveGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend %q is not one of none, memory, local, gcs", c.Archive.Backend)
	}
	switch c.DeadLetter.Backend {
	case DeadLetterLog, DeadLetterMemory:
	case DeadLetterPubSub:
		if c.DeadLetter.ProjectID == "" || c.DeadLetter.Topic == "" {
			return fmt.Errorf("deadletter.project_id and deadletter.topic must be set for the pubsub backend")
		}
	default:
		return fmt.Errorf("deadletter.backend %q is not one of log, memory, pubsub", c.DeadLetter.Backend)
	}
	return nil
}
