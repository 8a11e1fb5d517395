package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unsetEnv clears key for the duration of the test.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "STATUS_STORE", "FAILURE_THRESHOLD", "COOLDOWN_DURATION",
		"INTER_JOB_DELAY", "RETRY_DELAY", "MAX_BATCH_FAILURES", "REQUEST_TIMEOUT", "IMAGE_MODEL",
		"SENDGRID_API_KEY", "NOTIFY_TO_ADDRESS"} {
		unsetEnv(t, key)
	}
	t.Setenv("TOGETHER_AI_KEYS", "k1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, StorePostgres, cfg.StatusStore)
	assert.Equal(t, []string{"k1"}, cfg.Credentials.Keys)
	assert.Equal(t, 3, cfg.Credentials.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Credentials.Cooldown)
	assert.Equal(t, 20*time.Second, cfg.Pacing.InterJobDelay)
	assert.Equal(t, 60*time.Second, cfg.Pacing.RetryDelay)
	assert.Equal(t, 3, cfg.Pacing.MaxBatchFailures)
	assert.Equal(t, 60*time.Second, cfg.Generation.Timeout)
	assert.Equal(t, "black-forest-labs/FLUX.1-schnell-Free", cfg.Generation.Model)
	assert.False(t, cfg.NotifyEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("TOGETHER_AI_KEYS", " a , ,b,c ")
	t.Setenv("PORT", "9000")
	t.Setenv("STATUS_STORE", "Redis")
	t.Setenv("COOLDOWN_DURATION", "2m")
	t.Setenv("INTER_JOB_DELAY", "5")
	t.Setenv("RETRY_DELAY", "not-a-duration")
	t.Setenv("MAX_BATCH_FAILURES", "5")
	t.Setenv("SENDGRID_API_KEY", "sg")
	t.Setenv("NOTIFY_TO_ADDRESS", "ops@example.com")
	t.Setenv("NOTIFY_FROM_ADDRESS", "pixq@example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, StoreRedis, cfg.StatusStore)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Credentials.Keys)
	assert.Equal(t, 2*time.Minute, cfg.Credentials.Cooldown)
	assert.Equal(t, 5*time.Second, cfg.Pacing.InterJobDelay)
	assert.Equal(t, 60*time.Second, cfg.Pacing.RetryDelay, "invalid values fall back to the default")
	assert.Equal(t, 5, cfg.Pacing.MaxBatchFailures)
	assert.True(t, cfg.NotifyEnabled())
}

func TestLoad_NumberedKeys(t *testing.T) {
	unsetEnv(t, "TOGETHER_AI_KEYS")
	t.Setenv("TOGETHER_AI_KEY_1", "first")
	t.Setenv("TOGETHER_AI_KEY_2", "second")
	unsetEnv(t, "TOGETHER_AI_KEY_3")
	t.Setenv("TOGETHER_AI_KEY_4", "ignored after a gap")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, cfg.Credentials.Keys)
}

func TestLoad_NoKeys(t *testing.T) {
	unsetEnv(t, "TOGETHER_AI_KEYS")
	unsetEnv(t, "TOGETHER_AI_KEY_1")

	_, err := Load()

	assert.ErrorContains(t, err, "API key")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:        "8080",
			RedisAddr:   "localhost:6379",
			PostgresDSN: "postgres://localhost/pixq",
			StatusStore: StorePostgres,
			Credentials: CredentialConfig{Keys: []string{"k"}, FailureThreshold: 3, Cooldown: time.Minute},
			Generation:  GenerationConfig{Timeout: time.Minute},
			Pacing:      PacingConfig{InterJobDelay: 0, RetryDelay: time.Minute, MaxBatchFailures: 3},
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"valid", func(c *Config) {}, ""},
		{"empty port", func(c *Config) { c.Port = "" }, "PORT"},
		{"unknown store", func(c *Config) { c.StatusStore = "sqlite" }, "STATUS_STORE"},
		{"zero threshold", func(c *Config) { c.Credentials.FailureThreshold = 0 }, "FAILURE_THRESHOLD"},
		{"zero cooldown", func(c *Config) { c.Credentials.Cooldown = 0 }, "COOLDOWN_DURATION"},
		{"zero timeout", func(c *Config) { c.Generation.Timeout = 0 }, "REQUEST_TIMEOUT"},
		{"negative delay", func(c *Config) { c.Pacing.RetryDelay = -time.Second }, "cannot be negative"},
		{"zero failure cap", func(c *Config) { c.Pacing.MaxBatchFailures = 0 }, "MAX_BATCH_FAILURES"},
		{"notify without sender", func(c *Config) {
			c.Notify = NotifyConfig{APIKey: "sg", ToAddress: "ops@example.com"}
		}, "NOTIFY_FROM_ADDRESS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)

			err := c.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}
