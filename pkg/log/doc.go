/*
Package log provides structured logging for p8 using zerolog.

The log package wraps zerolog to give every component — the dialect
executor, the task queue, the dreaming handler, the embeddings worker,
the encryption service — JSON-structured logs with a consistent set of
scoping fields, without each of them reaching for zerolog directly.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout or a custom io.Writer     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Scoped Loggers                      │          │
	│  │  - WithComponent("dialect"/"embeddings"/…)  │          │
	│  │  - WithTenantID(tenantID)                   │          │
	│  │  - WithSessionID(sessionID)                 │          │
	│  │  - WithTaskID(taskID)                       │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "dialect",                  │          │
	│  │    "tenant_id": "t-123",                    │          │
	│  │    "time": "2026-07-30T10:30:00Z",          │          │
	│  │    "message": "executing query"             │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  2026-07-30T10:30:00Z INF executing query component=dialect tenant_id=t-123 │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init(), from internal/bootstrap.New
  - Accessible from every p8 package that imports pkg/log
  - Thread-safe concurrent writes

Config:
  - Level: one of DebugLevel, InfoLevel, WarnLevel, ErrorLevel (defaults to info)
  - JSONOutput: true for structured JSON (production), false for a
    human-readable console writer (local development)
  - Output: an io.Writer; nil defaults to os.Stdout

Scoped loggers:

	log.WithComponent("queue").Info().Str("task_id", id).Msg("claimed batch")
	log.WithTenantID(tenantID).Warn().Msg("quota exceeded")
	log.WithSessionID(sessionID).Debug().Msg("persisting turn")

Each With* helper returns a zerolog.Logger carrying one extra field,
chainable with zerolog's usual Str/Int/Err/Msg builder calls.

# Log Levels

  - DebugLevel — verbose internals: dialect statement parsing, SQL timing
  - InfoLevel — normal operation: task claimed, moment built, schema upserted
  - WarnLevel — recoverable problems: quota near limit, stale task recovered
  - ErrorLevel — operation failed and was not retried

# Usage

Initializing at startup (internal/bootstrap.New calls this):

	log.Init(log.Config{
	    Level:      log.Level(cfg.LogLevel),
	    JSONOutput: cfg.LogJSON,
	})

Component loggers, one per package that logs (dialect, queue, dreaming,
embeddings, encryption, cron):

	logger := log.WithComponent("dialect")
	logger.Debug().Str("verb", verb).Str("tenant_id", tenantID).Msg("executing query")

Plain package-level helpers for call sites that don't need a scoped logger:

	log.Info("server starting")
	log.Debug("cache miss")
	log.Warn("retrying after backoff")
	log.Error("failed to connect")
	log.Errorf("failed to process task %s", err)
	log.Fatal("unrecoverable startup error")

# Integration Points

  - internal/bootstrap.New calls log.Init once, before constructing any
    other service, so every downstream component logs through the same
    configured instance.
  - internal/dialect, internal/queue, and internal/dreaming all call
    log.WithComponent to scope their logs.
  - cmd/p8 commands set log.Level/JSONOutput from internal/config.Config,
    itself populated by envconfig from environment variables.

# Log Output Examples

JSON (production):

	{"level":"info","component":"queue","tier":"small","time":"2026-07-30T10:30:00Z","message":"claimed batch"}

Console (development):

	2026-07-30T10:30:00Z INF claimed batch component=queue tier=small

# Design Patterns

Component scoping: every background subsystem logs through
log.WithComponent(name) rather than the bare global logger, so operators
can filter by component in aggregated log output.

Fail-open defaults: an unset or unrecognized Level falls back to
InfoLevel rather than erroring — logging configuration should never be
the reason a binary fails to start.

# Performance Characteristics

zerolog avoids reflection and allocates minimally per log line; adding a
scoped field (WithComponent, WithTenantID, …) builds one small child
logger, not a new formatter, so scoping is effectively free relative to
the write itself.

# Security

Do not log ciphertext-adjacent fields verbatim — email and content
columns are encrypted at rest (internal/encryption) specifically so they
never appear in plaintext outside the database; logging them defeats
that. content_summary fields already exclude them for the same reason
(see the kv_sync_users trigger in internal/store/migrations).

# See Also

  - internal/config for how Level/JSONOutput are populated from environment
  - internal/bootstrap for where Init is called
  - github.com/rs/zerolog for the underlying logger this package wraps
*/
package log
