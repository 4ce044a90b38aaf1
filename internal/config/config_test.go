package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/model"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, model.PolicyGlobal, cfg.Sync.Policy)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
timezone: Europe/Berlin
workflow:
  event_title: 出勤
  monitor_path: /photos
sync:
  policy: claim
  retry:
    attempts: 5
    base_delay: 250ms
accounts:
  - id: mother
    name: Mother
    email: mother@example.com
    enabled: true
    provider: google
    credentials_file: creds.json
    token_file: token.json
    calendar_id: primary
  - id: family
    enabled: false
    provider: ics
    calendar_id: family.ics
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", cfg.Timezone)
	assert.Equal(t, "出勤", cfg.Workflow.EventTitle)
	assert.Equal(t, DefaultSchedule, cfg.Workflow.Schedule)
	assert.Equal(t, "json", cfg.Ledger.Driver)
	assert.Equal(t, model.PolicyClaim, cfg.Sync.Policy)
	assert.Equal(t, DefaultConcurrency, cfg.Sync.Concurrency)
	assert.Equal(t, 5, cfg.Sync.Retry.Attempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.Retry.BaseDelay)
	assert.Equal(t, 8*time.Second, cfg.Sync.Retry.MaxDelay)

	require.Len(t, cfg.Accounts, 2)
	assert.Equal(t, model.CalendarAccount{
		AccountID:       "mother",
		DisplayName:     "Mother",
		NotifyEmail:     "mother@example.com",
		Enabled:         true,
		Provider:        model.ProviderGoogle,
		CredentialsFile: "creds.json",
		TokenFile:       "token.json",
		CalendarID:      "primary",
	}, cfg.Accounts[0])
	assert.False(t, cfg.Accounts[1].Enabled)

	p := cfg.RetryPolicy()
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, p.BaseDelay)
	assert.Equal(t, "Europe/Berlin", cfg.Location().String())
	assert.NoError(t, cfg.Validate())
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("accounts: [unterminated"), 0o600))
	_, err := Load(path)
	assert.ErrorIs(t, err, model.ErrConfiguration)

	_, err = Load("")
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Sync.Retry.MaxDelay = 3 * time.Second
	cfg.BasicAuth = &BasicAuthConfig{Username: "admin", Password: "secret"}
	cfg.Accounts = append(cfg.Accounts, model.CalendarAccount{AccountID: "a", CalendarID: "a.ics", Provider: model.ProviderICS, Enabled: true})
	require.NoError(t, cfg.Save(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "max_delay: 3s")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Timezone = "Mars/Olympus"
	assert.ErrorIs(t, cfg.Validate(), model.ErrConfiguration)
	assert.Equal(t, time.UTC, cfg.Location())

	cfg = DefaultConfig()
	cfg.Sync.Policy = "everyone"
	assert.ErrorIs(t, cfg.Validate(), model.ErrConfiguration)

	cfg = DefaultConfig()
	cfg.Accounts = []model.CalendarAccount{{AccountID: "a", Timezone: "Nowhere/Land"}}
	assert.ErrorIs(t, cfg.Validate(), model.ErrConfiguration)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CALSYNC_DRY_RUN", "true")
	t.Setenv("CALSYNC_LEDGER_PATH", "/var/lib/calsync/ledger.db")
	t.Setenv("CALSYNC_LEDGER_DRIVER", "sqlite")
	t.Setenv("CALSYNC_TIMEZONE", "UTC")
	t.Setenv("CALSYNC_LOG_LEVEL", "debug")
	t.Setenv("OPENAI_API_KEY", "sk-fallback")
	t.Setenv("CALSYNC_OPENAI_MODEL", "gpt-4o-mini")

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv())
	assert.True(t, cfg.Workflow.DryRun)
	assert.Equal(t, "/var/lib/calsync/ledger.db", cfg.Ledger.Path)
	assert.Equal(t, "sqlite", cfg.Ledger.Driver)
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "sk-fallback", cfg.Vision.APIKey)
	assert.Equal(t, "gpt-4o-mini", cfg.Vision.Model)
	assert.Equal(t, DefaultListen, cfg.Listen, "unset variables leave fields alone")
}

func TestApplyEnvInvalid(t *testing.T) {
	t.Setenv("CALSYNC_DRY_RUN", "sometimes")
	cfg := DefaultConfig()
	assert.ErrorIs(t, cfg.ApplyEnv(), model.ErrConfiguration)
}
