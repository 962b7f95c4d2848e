package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// SchemaVersion is written to dlgate_meta by EnsureSchema. Minor and patch
// bumps must stay readable by older binaries of the same major.
const SchemaVersion = "1.0.0"

const metaVersionKey = "schema_version"

// sqliteSchema is shared by the local SQLite binding and the remote HTTP
// query API, which fronts the same engine.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS dlgate_rate_limits (
		subject_key  TEXT PRIMARY KEY,
		access_count INTEGER NOT NULL,
		window_start INTEGER NOT NULL,
		block_until  INTEGER,
		last_allowed INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dlgate_rate_limits_window ON dlgate_rate_limits (window_start)`,
	`CREATE TABLE IF NOT EXISTS dlgate_cache (
		resource_key TEXT PRIMARY KEY,
		value        INTEGER NOT NULL,
		written_at   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dlgate_cache_written ON dlgate_cache (written_at)`,
	`CREATE TABLE IF NOT EXISTS dlgate_difficulty (
		state_key       TEXT PRIMARY KEY,
		level           INTEGER NOT NULL,
		last_success_at INTEGER NOT NULL,
		block_until     INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS dlgate_tokens (
		token_hash    TEXT PRIMARY KEY,
		subject_hash  TEXT NOT NULL,
		resource_hash TEXT NOT NULL,
		use_count     INTEGER NOT NULL,
		expires_at    INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dlgate_tokens_expires ON dlgate_tokens (expires_at)`,
	`CREATE TABLE IF NOT EXISTS dlgate_meta (
		name  TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`INSERT INTO dlgate_meta (name, value) VALUES ('` + metaVersionKey + `', '` + SchemaVersion + `')
		ON CONFLICT (name) DO UPDATE SET value = excluded.value`,
}

const selectSchemaVersion = `SELECT value FROM dlgate_meta WHERE name = '` + metaVersionKey + `'`

// CheckSchemaVersion accepts any stored version with the same major as
// SchemaVersion.
func CheckSchemaVersion(found string) error {
	if found == "" {
		return fmt.Errorf("%w: schema not initialised; enable backend.ensure_schema or run migrations", ErrConfiguration)
	}
	v, err := semver.NewVersion(found)
	if err != nil {
		return fmt.Errorf("%w: unparseable schema version %q", ErrConfiguration, found)
	}
	want := semver.MustParse(SchemaVersion)
	c, err := semver.NewConstraint(fmt.Sprintf("^%d", want.Major()))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: schema version %s incompatible with %s", ErrConfiguration, found, SchemaVersion)
	}
	return nil
}

// Prepare readies b for traffic. With ensure set the schema is created;
// either way the recorded version must be compatible.
func Prepare(ctx context.Context, b Backend, ensure bool) error {
	if ensure {
		if err := b.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
		slog.Info("Backend schema ensured", "backend", b.Name(), "schema_version", SchemaVersion)
	}

	found, err := b.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to read schema version: %w", ErrConfiguration, err)
	}
	return CheckSchemaVersion(found)
}

// deletePredicates defines expiry per table for a single cutoff parameter.
// Rows whose block is still running are never removed.
var deletePredicates = map[Table]string{
	TableRateLimits: "window_start < ?1 AND (block_until IS NULL OR block_until < ?1)",
	TableCache:      "written_at < ?1",
	TableDifficulty: "last_success_at < ?1 AND (block_until IS NULL OR block_until < ?1)",
	TableTokens:     "expires_at < ?1",
}

// deleteSQL renders the cleanup statement for table. placeholder replaces
// the "?1" marker for dialects using a different style.
func deleteSQL(table Table, placeholder string) (string, error) {
	pred, ok := deletePredicates[table]
	if !ok {
		return "", fmt.Errorf("%w: unknown table %q", ErrConfiguration, table)
	}
	return "DELETE FROM " + string(table) + " WHERE " + strings.ReplaceAll(pred, "?1", placeholder), nil
}
