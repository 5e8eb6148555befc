package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/anthropics/feishu-relay/internal/biz/domain"
)

// Config represents application configuration
type Config struct {
	// StateDir holds PID files, logs, the lock file, the emergency-stop marker and the SQLite database
	StateDir string `yaml:"state_dir"`
	Debug    bool   `yaml:"debug"`

	Platform  PlatformConfig  `yaml:"platform"`
	Generator GeneratorConfig `yaml:"generator"`
	Store     StoreConfig     `yaml:"store"`
	Lock      LockConfig      `yaml:"lock"`
	Trigger   TriggerConfig   `yaml:"trigger"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Guard     GuardConfig     `yaml:"guard"`
	Sender    SenderConfig    `yaml:"sender"`
	Retention RetentionConfig `yaml:"retention"`
	HTTP      HTTPConfig      `yaml:"http"`

	// Prompts configuration (loaded from YAML)
	Prompts     *PromptsConfig `yaml:"-"`
	PromptsPath string         `yaml:"prompts_path"`
}

// PlatformConfig selects and configures the chat platform
type PlatformConfig struct {
	Kind   string       `yaml:"kind"` // feishu, slack
	Feishu FeishuConfig `yaml:"feishu"`
	Slack  SlackConfig  `yaml:"slack"`
}

// FeishuConfig contains Feishu configuration
type FeishuConfig struct {
	AppID     string `yaml:"app_id"`
	AppSecret string `yaml:"app_secret"`
	BaseURL   string `yaml:"base_url"`
}

// SlackConfig contains Slack configuration
type SlackConfig struct {
	Token  string `yaml:"token"`
	APIURL string `yaml:"api_url"`
}

// GeneratorConfig selects and configures the generation backend
type GeneratorConfig struct {
	Backend   string        `yaml:"backend"` // openai, anthropic, command
	OpenAI    ModelConfig   `yaml:"openai"`
	Anthropic ModelConfig   `yaml:"anthropic"`
	Command   CommandConfig `yaml:"command"`
}

// ModelConfig configures an HTTP model API
type ModelConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// CommandConfig configures a CLI generation backend
type CommandConfig struct {
	Path      string   `yaml:"path"`
	Args      []string `yaml:"args"`
	WorkDir   string   `yaml:"work_dir"`
	ImageFlag string   `yaml:"image_flag"`
}

// StoreConfig selects the queue store
type StoreConfig struct {
	Driver      string `yaml:"driver"` // sqlite, postgres
	Path        string `yaml:"path"`
	DatabaseURL string `yaml:"database_url"`
}

// LockConfig selects the mutual-exclusion lock
type LockConfig struct {
	Backend     string        `yaml:"backend"` // file, redis
	Path        string        `yaml:"path"`
	RedisURL    string        `yaml:"redis_url"`
	RedisKey    string        `yaml:"redis_key"`
	MaxHold     time.Duration `yaml:"max_hold"`
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// TriggerConfig decides which messages are processed
type TriggerConfig struct {
	Channels      []string `yaml:"channels"` // ids or names
	Keywords      []string `yaml:"keywords"`
	Mode          string   `yaml:"mode"`           // all, mentions
	MentionTokens []string `yaml:"mention_tokens"` // text tokens that count as a mention, e.g. "@relay"
}

// SchedulerConfig contains control loop settings
type SchedulerConfig struct {
	Tick                 time.Duration `yaml:"tick"`
	FetchCooldown        time.Duration `yaml:"fetch_cooldown"`
	FetchWindow          time.Duration `yaml:"fetch_window"`
	SendBatch            int           `yaml:"send_batch"`
	ProcessBatch         int           `yaml:"process_batch"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
	MonitorEvery         int           `yaml:"monitor_every"`
}

// TimeoutConfig contains per-phase ceilings
type TimeoutConfig struct {
	Fetch      time.Duration `yaml:"fetch"`
	Generation time.Duration `yaml:"generation"`
	Send       time.Duration `yaml:"send"`
	KillGrace  time.Duration `yaml:"kill_grace"`
}

// GuardConfig contains loop-prevention policy
type GuardConfig struct {
	RateLimit    int           `yaml:"rate_limit"`
	RateWindow   time.Duration `yaml:"rate_window"`
	SeenTTL      time.Duration `yaml:"seen_ttl"`
	SelfLookback time.Duration `yaml:"self_lookback"`
}

// SenderConfig contains delivery settings
type SenderConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

// RetentionConfig contains maintenance job settings
type RetentionConfig struct {
	Keep          time.Duration `yaml:"keep"`
	Schedule      string        `yaml:"schedule"`
	PruneSchedule string        `yaml:"prune_schedule"`
}

// HTTPConfig contains the status surface settings
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		StateDir:  filepath.Join(homeDir, ".feishu-relay"),
		Platform:  PlatformConfig{Kind: "feishu"},
		Generator: GeneratorConfig{Backend: "openai"},
		Store:     StoreConfig{Driver: "sqlite"},
		Lock: LockConfig{
			Backend:     "file",
			RedisKey:    "feishu-relay:lock",
			MaxHold:     10 * time.Minute,
			WaitTimeout: 30 * time.Second,
		},
		Trigger: TriggerConfig{Mode: string(domain.ModeAll)},
		Scheduler: SchedulerConfig{
			Tick:                 60 * time.Second,
			FetchCooldown:        5 * time.Minute,
			FetchWindow:          time.Hour,
			SendBatch:            5,
			ProcessBatch:         5,
			MaxConsecutiveErrors: 10,
			MonitorEvery:         5,
		},
		Timeouts: TimeoutConfig{
			Fetch:      2 * time.Minute,
			Generation: 5 * time.Minute,
			Send:       2 * time.Minute,
			KillGrace:  10 * time.Second,
		},
		Guard: GuardConfig{
			RateLimit:    5,
			RateWindow:   10 * time.Minute,
			SeenTTL:      time.Hour,
			SelfLookback: 24 * time.Hour,
		},
		Sender: SenderConfig{MaxRetries: 3},
		Retention: RetentionConfig{
			Keep:          30 * 24 * time.Hour,
			Schedule:      "0 30 3 * * *",
			PruneSchedule: "0 */10 * * * *",
		},
		HTTP: HTTPConfig{Addr: "127.0.0.1:8090"},
	}
}

// LoadFromEnv loads configuration from .env, the optional RELAY_CONFIG YAML file and environment
// variables, in increasing order of precedence
func LoadFromEnv() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("RELAY_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.fillPaths()

	prompts, err := LoadPromptsConfig(cfg.PromptsPath)
	if err != nil {
		return nil, err
	}
	cfg.Prompts = prompts
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	envString("RELAY_STATE_DIR", &c.StateDir)
	envBool("RELAY_DEBUG", &c.Debug)
	envString("RELAY_PROMPTS", &c.PromptsPath)

	envString("RELAY_PLATFORM", &c.Platform.Kind)
	envString("FEISHU_APP_ID", &c.Platform.Feishu.AppID)
	envString("FEISHU_APP_SECRET", &c.Platform.Feishu.AppSecret)
	envString("FEISHU_BASE_URL", &c.Platform.Feishu.BaseURL)
	envString("SLACK_BOT_TOKEN", &c.Platform.Slack.Token)
	envString("SLACK_API_URL", &c.Platform.Slack.APIURL)

	envString("RELAY_GENERATOR", &c.Generator.Backend)
	envString("MOONSHOT_API_KEY", &c.Generator.OpenAI.APIKey)
	envString("OPENAI_API_KEY", &c.Generator.OpenAI.APIKey)
	envString("OPENAI_BASE_URL", &c.Generator.OpenAI.BaseURL)
	envString("MOONSHOT_MODEL", &c.Generator.OpenAI.Model)
	envString("OPENAI_MODEL", &c.Generator.OpenAI.Model)
	envString("ANTHROPIC_API_KEY", &c.Generator.Anthropic.APIKey)
	envString("ANTHROPIC_BASE_URL", &c.Generator.Anthropic.BaseURL)
	envString("ANTHROPIC_MODEL", &c.Generator.Anthropic.Model)
	if v := os.Getenv("RELAY_COMMAND"); v != "" {
		fields := strings.Fields(v)
		c.Generator.Command.Path = fields[0]
		c.Generator.Command.Args = fields[1:]
	}
	envString("WORKING_DIR", &c.Generator.Command.WorkDir)
	envString("RELAY_COMMAND_IMAGE_FLAG", &c.Generator.Command.ImageFlag)

	envString("RELAY_STORE", &c.Store.Driver)
	envString("RELAY_DB_PATH", &c.Store.Path)
	envString("DATABASE_URL", &c.Store.DatabaseURL)

	envString("RELAY_LOCK", &c.Lock.Backend)
	envString("RELAY_LOCK_PATH", &c.Lock.Path)
	envString("REDIS_URL", &c.Lock.RedisURL)
	envDuration("RELAY_LOCK_MAX_HOLD", &c.Lock.MaxHold)
	envDuration("RELAY_LOCK_WAIT", &c.Lock.WaitTimeout)

	envList("RELAY_CHANNELS", &c.Trigger.Channels)
	envList("RELAY_KEYWORDS", &c.Trigger.Keywords)
	envString("RELAY_MODE", &c.Trigger.Mode)
	envList("RELAY_MENTION_TOKENS", &c.Trigger.MentionTokens)

	envDuration("RELAY_TICK", &c.Scheduler.Tick)
	envDuration("RELAY_FETCH_COOLDOWN", &c.Scheduler.FetchCooldown)
	envDuration("RELAY_FETCH_WINDOW", &c.Scheduler.FetchWindow)
	envInt("RELAY_SEND_BATCH", &c.Scheduler.SendBatch)
	envInt("RELAY_PROCESS_BATCH", &c.Scheduler.ProcessBatch)
	envInt("RELAY_MAX_ERRORS", &c.Scheduler.MaxConsecutiveErrors)
	envInt("RELAY_MONITOR_EVERY", &c.Scheduler.MonitorEvery)

	envDuration("RELAY_FETCH_TIMEOUT", &c.Timeouts.Fetch)
	envDuration("RELAY_GENERATION_TIMEOUT", &c.Timeouts.Generation)
	envDuration("RELAY_SEND_TIMEOUT", &c.Timeouts.Send)
	envDuration("RELAY_KILL_GRACE", &c.Timeouts.KillGrace)

	envInt("RELAY_RATE_LIMIT", &c.Guard.RateLimit)
	envDuration("RELAY_RATE_WINDOW", &c.Guard.RateWindow)
	envDuration("RELAY_SEEN_TTL", &c.Guard.SeenTTL)
	envDuration("RELAY_SELF_LOOKBACK", &c.Guard.SelfLookback)

	envInt("RELAY_MAX_RETRIES", &c.Sender.MaxRetries)

	envDuration("RELAY_RETENTION", &c.Retention.Keep)
	envString("RELAY_RETENTION_SCHEDULE", &c.Retention.Schedule)

	envString("RELAY_HTTP_ADDR", &c.HTTP.Addr)
}

// fillPaths places unset file paths under the state directory
func (c *Config) fillPaths() {
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.StateDir, "relay.db")
	}
	if c.Lock.Path == "" {
		c.Lock.Path = filepath.Join(c.StateDir, "platform.lock")
	}
}

// LogDir is where per-role log files are written
func (c *Config) LogDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// Mode returns the trigger mode as a domain value
func (c *Config) Mode() domain.ResponseMode {
	return domain.ResponseMode(c.Trigger.Mode)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Platform.Kind {
	case "feishu":
		if c.Platform.Feishu.AppID == "" || c.Platform.Feishu.AppSecret == "" {
			return &ConfigError{Field: "FEISHU_APP_ID/FEISHU_APP_SECRET", Message: "required"}
		}
	case "slack":
		if c.Platform.Slack.Token == "" {
			return &ConfigError{Field: "SLACK_BOT_TOKEN", Message: "required"}
		}
	default:
		return &ConfigError{Field: "RELAY_PLATFORM", Message: fmt.Sprintf("unknown platform %q", c.Platform.Kind)}
	}

	switch c.Generator.Backend {
	case "openai":
		if c.Generator.OpenAI.APIKey == "" {
			return &ConfigError{Field: "MOONSHOT_API_KEY/OPENAI_API_KEY", Message: "required"}
		}
	case "anthropic":
		if c.Generator.Anthropic.APIKey == "" {
			return &ConfigError{Field: "ANTHROPIC_API_KEY", Message: "required"}
		}
		if c.Generator.Anthropic.Model == "" {
			return &ConfigError{Field: "ANTHROPIC_MODEL", Message: "required"}
		}
	case "command":
		if c.Generator.Command.Path == "" {
			return &ConfigError{Field: "RELAY_COMMAND", Message: "required"}
		}
	default:
		return &ConfigError{Field: "RELAY_GENERATOR", Message: fmt.Sprintf("unknown backend %q", c.Generator.Backend)}
	}

	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return &ConfigError{Field: "DATABASE_URL", Message: "required for postgres"}
		}
	default:
		return &ConfigError{Field: "RELAY_STORE", Message: fmt.Sprintf("unknown driver %q", c.Store.Driver)}
	}

	switch c.Lock.Backend {
	case "file":
	case "redis":
		if c.Lock.RedisURL == "" {
			return &ConfigError{Field: "REDIS_URL", Message: "required for redis lock"}
		}
	default:
		return &ConfigError{Field: "RELAY_LOCK", Message: fmt.Sprintf("unknown backend %q", c.Lock.Backend)}
	}

	if !c.Mode().Valid() {
		return &ConfigError{Field: "RELAY_MODE", Message: fmt.Sprintf("must be %q or %q", domain.ModeAll, domain.ModeMentions)}
	}

	durations := map[string]time.Duration{
		"RELAY_TICK":               c.Scheduler.Tick,
		"RELAY_FETCH_COOLDOWN":     c.Scheduler.FetchCooldown,
		"RELAY_FETCH_WINDOW":       c.Scheduler.FetchWindow,
		"RELAY_FETCH_TIMEOUT":      c.Timeouts.Fetch,
		"RELAY_GENERATION_TIMEOUT": c.Timeouts.Generation,
		"RELAY_SEND_TIMEOUT":       c.Timeouts.Send,
		"RELAY_LOCK_MAX_HOLD":      c.Lock.MaxHold,
		"RELAY_LOCK_WAIT":          c.Lock.WaitTimeout,
		"RELAY_RATE_WINDOW":        c.Guard.RateWindow,
	}
	for field, d := range durations {
		if d <= 0 {
			return &ConfigError{Field: field, Message: "must be positive"}
		}
	}

	counts := map[string]int{
		"RELAY_SEND_BATCH":    c.Scheduler.SendBatch,
		"RELAY_PROCESS_BATCH": c.Scheduler.ProcessBatch,
		"RELAY_MAX_ERRORS":    c.Scheduler.MaxConsecutiveErrors,
		"RELAY_MAX_RETRIES":   c.Sender.MaxRetries,
		"RELAY_RATE_LIMIT":    c.Guard.RateLimit,
	}
	for field, n := range counts {
		if n <= 0 {
			return &ConfigError{Field: field, Message: "must be positive"}
		}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			*dst = parsed
		}
	}
}

func envList(key string, dst *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}
