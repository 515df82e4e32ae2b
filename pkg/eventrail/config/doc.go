/*
Package config provides type-safe configuration extraction for engine
components from map[string]any, files, and the process environment.

# Overview

config wraps a map[string]any and provides typed accessor methods that handle
missing keys and type mismatches gracefully by returning default values.
Engine, outbox, completion tracker, and saga components all take their
tunables through it, so a single YAML file or a handful of environment
variables configures a whole deployment.

# Basic Usage

Create a Config from any map and extract values with defaults:

	cfg := config.New(map[string]any{
	    "outbox_poll_interval": "100ms",
	    "outbox_max_attempts":  5,
	    "durable":              true,
	})

	poll := cfg.Duration("outbox_poll_interval", 100*time.Millisecond)
	tries := cfg.Int("outbox_max_attempts", 5)
	durable := cfg.Bool("durable", false)

# Type Coercion

Duration handles multiple input types:
  - string: parsed with time.ParseDuration ("100ms", "1h30m")
  - int/float64: interpreted as seconds
  - time.Duration: used directly

Numeric types handle reasonable conversions:
  - int from float64 (truncated, only when exact)
  - float64 from int

All methods return the default value if:
  - The key is missing
  - The value cannot be converted to the requested type
  - The conversion would lose precision (e.g., float to int with fraction)

# Layering

Load a file, then overlay operator overrides from the environment:

	cfg, err := config.FromFile("engine.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	cfg = cfg.Merge(config.FromEnv())

FromEnv recognizes OUTBOX_POLL_INTERVAL_MS, OUTBOX_MAX_ATTEMPTS,
COMPLETION_TTL_SECONDS, and SAGA_DEFAULT_STEP_TIMEOUT_MS. Per-domain
sections nest under the domain name and come out with Sub:

	orders := cfg.Sub("orders")

# Thread Safety

Config is safe for concurrent read access. The underlying map is not
modified after creation. However, if the original map is modified
externally, behavior is undefined.
*/
package config
