package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"calsync/internal/fileutil"
	"calsync/internal/model"
	"calsync/internal/retry"
)

// NOTE: the YAML file is the source of truth. CALSYNC_* environment
// variables override a small set of fields after loading.

const (
	DefaultListen      = "127.0.0.1:8080"
	DefaultTimezone    = "Asia/Tokyo"
	DefaultTitle       = "母出勤"
	DefaultDescription = "カレンダー画像から自動検出された勤務日"
	DefaultSchedule    = "*/5 * * * *"
	DefaultLedgerPath  = "processed_files.json"
	DefaultConcurrency = 4
	DefaultLogLevel    = "info"
	EnvPrefix          = "CALSYNC"
)

// WorkflowConfig controls what a pass registers and when it runs.
type WorkflowConfig struct {
	EventTitle       string `yaml:"event_title" json:"event_title"`
	EventDescription string `yaml:"event_description" json:"event_description"`
	DryRun           bool   `yaml:"dry_run" json:"dry_run"`

	// MonitorPath is the folder scanned for calendar photos.
	MonitorPath string `yaml:"monitor_path" json:"monitor_path"`

	// Schedule is a cron expression for the watch command.
	Schedule string `yaml:"schedule" json:"schedule"`
}

type LedgerConfig struct {
	// Driver is "json" (default) or "sqlite".
	Driver string `yaml:"driver" json:"driver"`
	Path   string `yaml:"path" json:"path"`
}

type RetryConfig struct {
	Attempts  int           `yaml:"attempts" json:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay" json:"max_delay"`
}

type SyncConfig struct {
	// Policy is "global" (default) or "claim". Claim alone is only
	// idempotent across runs through the ledger.
	Policy      model.Policy `yaml:"policy" json:"policy"`
	Concurrency int          `yaml:"concurrency" json:"concurrency"`
	Retry       RetryConfig  `yaml:"retry" json:"retry"`
}

type GmailConfig struct {
	Enabled          bool   `yaml:"enabled" json:"enabled"`
	CredentialsFile  string `yaml:"credentials_file" json:"credentials_file"`
	TokenFile        string `yaml:"token_file" json:"token_file"`
	From             string `yaml:"from_email" json:"from_email"`
	DefaultRecipient string `yaml:"default_recipient" json:"default_recipient"`
	DefaultSubject   string `yaml:"default_subject" json:"default_subject"`
}

type VisionConfig struct {
	APIKey    string        `yaml:"api_key" json:"-"`
	APIBase   string        `yaml:"api_base" json:"api_base"`
	Model     string        `yaml:"model" json:"model"`
	Marker    string        `yaml:"marker" json:"marker"`
	MaxTokens int           `yaml:"max_tokens" json:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the operator API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the operator API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone used for accounts without their own.
	Timezone string `yaml:"timezone" json:"timezone"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	// ICSCacheDir holds conditional-GET caches for remote ICS calendars.
	ICSCacheDir string `yaml:"ics_cache_dir" json:"ics_cache_dir"`

	Workflow WorkflowConfig          `yaml:"workflow" json:"workflow"`
	Ledger   LedgerConfig            `yaml:"ledger" json:"ledger"`
	Sync     SyncConfig              `yaml:"sync" json:"sync"`
	Accounts []model.CalendarAccount `yaml:"accounts" json:"accounts"`
	Gmail    GmailConfig             `yaml:"gmail" json:"gmail"`
	Vision   VisionConfig            `yaml:"vision" json:"vision"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      DefaultListen,
		Timezone:    DefaultTimezone,
		LogLevel:    DefaultLogLevel,
		ICSCacheDir: "ics-cache",
		Workflow: WorkflowConfig{
			EventTitle:       DefaultTitle,
			EventDescription: DefaultDescription,
			Schedule:         DefaultSchedule,
		},
		Ledger: LedgerConfig{Driver: "json", Path: DefaultLedgerPath},
		Sync: SyncConfig{
			Policy:      model.PolicyGlobal,
			Concurrency: DefaultConcurrency,
			Retry: RetryConfig{
				Attempts:  retry.Calendar.MaxAttempts,
				BaseDelay: retry.Calendar.BaseDelay,
				MaxDelay:  retry.Calendar.MaxDelay,
			},
		},
		Accounts: []model.CalendarAccount{},
		Gmail:    GmailConfig{DefaultSubject: "カレンダー自動登録通知"},
	}
}

// Normalize fills in missing/zero values with defaults so that partially
// filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.ICSCacheDir == "" {
		c.ICSCacheDir = def.ICSCacheDir
	}
	if c.Workflow.EventTitle == "" {
		c.Workflow.EventTitle = def.Workflow.EventTitle
	}
	if c.Workflow.Schedule == "" {
		c.Workflow.Schedule = def.Workflow.Schedule
	}
	if c.Ledger.Driver == "" {
		c.Ledger.Driver = def.Ledger.Driver
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = def.Ledger.Path
	}
	if c.Sync.Policy == "" {
		c.Sync.Policy = def.Sync.Policy
	}
	if c.Sync.Concurrency <= 0 {
		c.Sync.Concurrency = def.Sync.Concurrency
	}
	if c.Sync.Retry.Attempts <= 0 {
		c.Sync.Retry.Attempts = def.Sync.Retry.Attempts
	}
	if c.Sync.Retry.BaseDelay <= 0 {
		c.Sync.Retry.BaseDelay = def.Sync.Retry.BaseDelay
	}
	if c.Sync.Retry.MaxDelay <= 0 {
		c.Sync.Retry.MaxDelay = def.Sync.Retry.MaxDelay
	}
	if c.Accounts == nil {
		c.Accounts = []model.CalendarAccount{}
	}
	if c.Gmail.DefaultSubject == "" {
		c.Gmail.DefaultSubject = def.Gmail.DefaultSubject
	}
}

// Validate reports settings that would make every run fail.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("%w: timezone %q: %v", model.ErrConfiguration, c.Timezone, err)
	}
	switch c.Sync.Policy {
	case model.PolicyClaim, model.PolicyGlobal:
	default:
		return fmt.Errorf("%w: unknown sync policy %q", model.ErrConfiguration, c.Sync.Policy)
	}
	for i, a := range c.Accounts {
		if a.Timezone == "" {
			continue
		}
		if _, err := time.LoadLocation(a.Timezone); err != nil {
			return fmt.Errorf("%w: accounts[%d] timezone %q: %v", model.ErrConfiguration, i, a.Timezone, err)
		}
	}
	return nil
}

// Location returns the default timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RetryPolicy is the calendar retry policy described by Sync.Retry.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Sync.Retry.Attempts,
		BaseDelay:   c.Sync.Retry.BaseDelay,
		MaxDelay:    c.Sync.Retry.MaxDelay,
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is read, unmarshalled and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: config path is empty", model.ErrConfiguration)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", model.ErrConfiguration, path, err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// envOverrides lists the fields that can be set from the environment.
// Nil pointers mean "not set".
type envOverrides struct {
	DryRun       *bool   `split_words:"true"`
	LedgerPath   *string `split_words:"true"`
	LedgerDriver *string `split_words:"true"`
	Timezone     *string
	LogLevel     *string `split_words:"true"`
	MonitorPath  *string `split_words:"true"`
	Listen       *string
	OpenAIKey    *string `envconfig:"OPENAI_API_KEY"`
	OpenAIBase   *string `envconfig:"OPENAI_API_BASE"`
	OpenAIModel  *string `envconfig:"OPENAI_MODEL"`
}

// ApplyEnv overrides fields from CALSYNC_* variables. The OpenAI
// settings also honor the unprefixed OPENAI_API_KEY style names.
func (c *Config) ApplyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("%w: environment: %v", model.ErrConfiguration, err)
	}
	if env.DryRun != nil {
		c.Workflow.DryRun = *env.DryRun
	}
	setString(&c.Ledger.Path, env.LedgerPath)
	setString(&c.Ledger.Driver, env.LedgerDriver)
	setString(&c.Timezone, env.Timezone)
	setString(&c.LogLevel, env.LogLevel)
	setString(&c.Workflow.MonitorPath, env.MonitorPath)
	setString(&c.Listen, env.Listen)
	setString(&c.Vision.APIKey, env.OpenAIKey)
	setString(&c.Vision.APIBase, env.OpenAIBase)
	setString(&c.Vision.Model, env.OpenAIModel)
	return nil
}

func setString(dst *string, v *string) {
	if v != nil && *v != "" {
		*dst = *v
	}
}

// Save writes the configuration atomically via a temp file + rename and
// leaves the final file with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return fmt.Errorf("%w: config path is empty", model.ErrConfiguration)
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return fileutil.WriteFileAtomic(path, data, 0o600)
}

// Save delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
