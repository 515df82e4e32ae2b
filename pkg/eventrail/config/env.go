package config

import (
	"os"
	"strconv"
	"time"
)

// Environment variables recognized by FromEnv. Millisecond and second
// suffixes in the variable names describe the raw numeric unit; the
// resulting config keys hold time.Duration values.
const (
	EnvOutboxPollIntervalMS = "OUTBOX_POLL_INTERVAL_MS"
	EnvOutboxMaxAttempts    = "OUTBOX_MAX_ATTEMPTS"
	EnvCompletionTTLSeconds = "COMPLETION_TTL_SECONDS"
	EnvSagaStepTimeoutMS    = "SAGA_DEFAULT_STEP_TIMEOUT_MS"
)

// Config keys populated by FromEnv and read by the runtime components.
const (
	KeyOutboxPollInterval = "outbox_poll_interval"
	KeyOutboxMaxAttempts  = "outbox_max_attempts"
	KeyCompletionTTL      = "completion_ttl"
	KeySagaStepTimeout    = "saga_step_timeout"
)

// FromEnv reads the recognized environment variables into a Config.
// Unset or malformed variables are skipped, so the result only carries
// explicit operator overrides. Overlay it on file config with Merge:
//
//	cfg, _ := config.FromFile("engine.yaml")
//	cfg = cfg.Merge(config.FromEnv())
func FromEnv() Config {
	data := make(map[string]any)

	if ms, ok := envInt64(EnvOutboxPollIntervalMS); ok {
		data[KeyOutboxPollInterval] = time.Duration(ms) * time.Millisecond
	}
	if n, ok := envInt64(EnvOutboxMaxAttempts); ok {
		data[KeyOutboxMaxAttempts] = int(n)
	}
	if secs, ok := envInt64(EnvCompletionTTLSeconds); ok {
		data[KeyCompletionTTL] = time.Duration(secs) * time.Second
	}
	if ms, ok := envInt64(EnvSagaStepTimeoutMS); ok {
		data[KeySagaStepTimeout] = time.Duration(ms) * time.Millisecond
	}

	return New(data)
}

func envInt64(name string) (int64, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
