package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/randalmurphal/eventrail/pkg/eventrail/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAccessors verifies typed extraction with defaults.
func TestAccessors(t *testing.T) {
	cfg := config.New(map[string]any{
		"name":     "orders",
		"poll":     "100ms",
		"attempts": 5,
		"ttl":      int64(3600),
		"rate":     0.5,
		"durable":  true,
		"topics":   []any{"order.created", "order.cancelled"},
	})

	assert.Equal(t, "orders", cfg.String("name", "fallback"))
	assert.Equal(t, "fallback", cfg.String("missing", "fallback"))
	assert.Equal(t, 100*time.Millisecond, cfg.Duration("poll", time.Second))
	assert.Equal(t, time.Second, cfg.Duration("missing", time.Second))
	assert.Equal(t, 5, cfg.Int("attempts", 1))
	assert.Equal(t, int64(3600), cfg.Int64("ttl", 0))
	assert.Equal(t, 0.5, cfg.Float("rate", 1.0))
	assert.True(t, cfg.Bool("durable", false))
	assert.Equal(t, []string{"order.created", "order.cancelled"}, cfg.StringSlice("topics", nil))
	assert.True(t, cfg.Has("name"))
	assert.False(t, cfg.Has("missing"))
}

// TestTypeMismatch verifies defaults win when the stored type can't convert.
func TestTypeMismatch(t *testing.T) {
	cfg := config.New(map[string]any{
		"attempts": "five",
		"rate":     true,
		"fraction": 2.5,
	})

	assert.Equal(t, 3, cfg.Int("attempts", 3))
	assert.Equal(t, 1.0, cfg.Float("rate", 1.0))
	assert.Equal(t, 9, cfg.Int("fraction", 9), "fractional float must not truncate")
	assert.Equal(t, int64(9), cfg.Int64("fraction", 9))
}

// TestDurationCoercion verifies the accepted duration spellings.
func TestDurationCoercion(t *testing.T) {
	tests := []struct {
		name string
		val  any
		want time.Duration
	}{
		{"string", "30s", 30 * time.Second},
		{"int seconds", 30, 30 * time.Second},
		{"int64 seconds", int64(30), 30 * time.Second},
		{"float seconds", 0.5, 500 * time.Millisecond},
		{"native", 42 * time.Millisecond, 42 * time.Millisecond},
		{"garbage string", "soon", time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.New(map[string]any{"d": tt.val})
			assert.Equal(t, tt.want, cfg.Duration("d", time.Minute))
		})
	}
}

// TestSub verifies nested section extraction.
func TestSub(t *testing.T) {
	cfg := config.New(map[string]any{
		"orders": map[string]any{
			"outbox_max_attempts": 7,
		},
		"plain": "value",
	})

	orders := cfg.Sub("orders")
	assert.Equal(t, 7, orders.Int("outbox_max_attempts", 5))

	assert.False(t, cfg.Sub("missing").Has("anything"))
	assert.False(t, cfg.Sub("plain").Has("anything"))
}

// TestMerge verifies overlay precedence.
func TestMerge(t *testing.T) {
	base := config.New(map[string]any{"a": 1, "b": 2})
	over := config.New(map[string]any{"b": 20, "c": 30})

	merged := base.Merge(over)
	assert.Equal(t, 1, merged.Int("a", 0))
	assert.Equal(t, 20, merged.Int("b", 0))
	assert.Equal(t, 30, merged.Int("c", 0))

	// Originals untouched.
	assert.Equal(t, 2, base.Int("b", 0))
}

// TestFromEnv verifies the recognized environment overrides.
func TestFromEnv(t *testing.T) {
	t.Setenv(config.EnvOutboxPollIntervalMS, "250")
	t.Setenv(config.EnvOutboxMaxAttempts, "9")
	t.Setenv(config.EnvCompletionTTLSeconds, "60")
	t.Setenv(config.EnvSagaStepTimeoutMS, "15000")

	cfg := config.FromEnv()
	assert.Equal(t, 250*time.Millisecond, cfg.Duration(config.KeyOutboxPollInterval, 0))
	assert.Equal(t, 9, cfg.Int(config.KeyOutboxMaxAttempts, 0))
	assert.Equal(t, time.Minute, cfg.Duration(config.KeyCompletionTTL, 0))
	assert.Equal(t, 15*time.Second, cfg.Duration(config.KeySagaStepTimeout, 0))
}

// TestFromEnvSkipsBadValues verifies malformed variables are ignored.
func TestFromEnvSkipsBadValues(t *testing.T) {
	t.Setenv(config.EnvOutboxPollIntervalMS, "fast")
	t.Setenv(config.EnvOutboxMaxAttempts, "-2")
	os.Unsetenv(config.EnvCompletionTTLSeconds)

	cfg := config.FromEnv()
	assert.False(t, cfg.Has(config.KeyOutboxPollInterval))
	assert.False(t, cfg.Has(config.KeyOutboxMaxAttempts))
	assert.False(t, cfg.Has(config.KeyCompletionTTL))
}

// TestFromFile verifies format auto-detection.
func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("yaml", func(t *testing.T) {
		path := filepath.Join(dir, "engine.yaml")
		require.NoError(t, os.WriteFile(path, []byte("outbox_max_attempts: 4\ndurable: true\n"), 0o644))

		cfg, err := config.FromFile(path)
		require.NoError(t, err)
		assert.Equal(t, 4, cfg.Int("outbox_max_attempts", 0))
		assert.True(t, cfg.Bool("durable", false))
	})

	t.Run("json", func(t *testing.T) {
		path := filepath.Join(dir, "engine.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"outbox_max_attempts": 4}`), 0o644))

		cfg, err := config.FromFile(path)
		require.NoError(t, err)
		assert.Equal(t, 4, cfg.Int("outbox_max_attempts", 0))
	})

	t.Run("unsupported extension", func(t *testing.T) {
		path := filepath.Join(dir, "engine.toml")
		require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0o644))

		_, err := config.FromFile(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := config.FromFile(filepath.Join(dir, "nope.yaml"))
		assert.Error(t, err)
	})
}

// TestLoad overlays env variables on file values; env wins.
func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path,
		[]byte("outbox_max_attempts: 4\ndurable: true\n"), 0o644))
	t.Setenv(config.EnvOutboxMaxAttempts, "7")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Int(config.KeyOutboxMaxAttempts, 0), "env overrides the file")
	assert.True(t, cfg.Bool("durable", false), "file keys without overrides survive")
}
