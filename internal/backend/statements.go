package backend

import (
	"strconv"
	"strings"
)

// SQLite dialect statements, shared by the local binding and the HTTP query
// API. Numbered parameters let one value appear several times.

// upsertRateLimit mirrors ratelimit.Step in one statement.
// ?1 key, ?2 now, ?3 window, ?4 limit, ?5 block. SET expressions read the
// row as it was before the update.
var upsertRateLimit = expand(`
INSERT INTO dlgate_rate_limits (subject_key, access_count, window_start, block_until, last_allowed)
VALUES (?1, 1, ?2, NULL, 1)
ON CONFLICT (subject_key) DO UPDATE SET
	access_count = CASE
		WHEN {blocked} THEN access_count
		WHEN {fresh} THEN 1
		WHEN access_count >= ?4 THEN access_count
		ELSE access_count + 1 END,
	window_start = CASE
		WHEN {blocked} THEN window_start
		WHEN {fresh} THEN ?2
		ELSE window_start END,
	block_until = CASE
		WHEN {blocked} THEN block_until
		WHEN {fresh} THEN NULL
		WHEN access_count >= ?4 AND ?5 > 0 THEN ?2 + ?5
		ELSE NULL END,
	last_allowed = CASE
		WHEN {blocked} THEN 0
		WHEN {fresh} THEN 1
		WHEN access_count >= ?4 THEN 0
		ELSE 1 END
RETURNING access_count, window_start, block_until, last_allowed`, map[string]string{
	"blocked": "(block_until IS NOT NULL AND block_until > ?2)",
	"fresh":   "(?2 - window_start >= ?3 OR (block_until IS NOT NULL AND block_until <= ?2))",
})

// upsertDifficulty mirrors challenge.Advance in one statement.
// ?1 key, ?2 now, ?3 window, ?4 reset, ?5 block, ?6 max level.
var upsertDifficulty = expand(`
INSERT INTO dlgate_difficulty (state_key, level, last_success_at, block_until)
VALUES (?1, 0, ?2, NULL)
ON CONFLICT (state_key) DO UPDATE SET
	level = CASE
		WHEN {blocked} THEN level
		WHEN {expired} THEN 0
		ELSE {next} END,
	last_success_at = CASE
		WHEN {blocked} THEN last_success_at
		ELSE ?2 END,
	block_until = CASE
		WHEN {blocked} THEN block_until
		WHEN {expired} THEN NULL
		WHEN {next} >= ?6 AND ?5 > 0 THEN ?2 + ?5
		ELSE NULL END
RETURNING level, last_success_at, block_until`, map[string]string{
	"blocked": "(block_until IS NOT NULL AND block_until > ?2)",
	"expired": "(block_until IS NOT NULL AND block_until <= ?2)",
	"next": `MIN(?6, CASE
			WHEN ?2 - last_success_at < ?3 THEN level + 1
			WHEN ?2 - last_success_at < ?4 THEN MAX(level - 1, 0)
			ELSE 0 END)`,
})

// upsertToken redeems a token in one statement; no returned row means the
// redemption was refused and the row must be read back to classify it.
// ?1 hash, ?2 bound subject, ?3 bound resource, ?4 expires at, ?5 subject,
// ?6 resource, ?7 now, ?8 max uses.
const upsertToken = `
INSERT INTO dlgate_tokens (token_hash, subject_hash, resource_hash, use_count, expires_at)
SELECT ?1, ?2, ?3, 1, ?4 WHERE ?2 = ?5 AND ?4 > ?7 AND ?8 >= 1 AND ?3 = ?6
ON CONFLICT (token_hash) DO UPDATE SET use_count = use_count + 1
WHERE subject_hash = ?5 AND expires_at > ?7 AND use_count < ?8 AND resource_hash = ?6
RETURNING use_count`

const (
	selectRateLimit = `SELECT access_count, window_start, block_until FROM dlgate_rate_limits WHERE subject_key = ?1`
	selectCache     = `SELECT value, written_at FROM dlgate_cache WHERE resource_key = ?1`
	selectToken     = `SELECT subject_hash, resource_hash, use_count, expires_at FROM dlgate_tokens WHERE token_hash = ?1`

	upsertCache = `
INSERT INTO dlgate_cache (resource_key, value, written_at) VALUES (?1, ?2, ?3)
ON CONFLICT (resource_key) DO UPDATE SET value = excluded.value, written_at = excluded.written_at`
)

// Compare-and-set statements for the optimistic adapter.
const (
	insertRateLimitIfAbsent = `
INSERT INTO dlgate_rate_limits (subject_key, access_count, window_start, block_until, last_allowed)
VALUES (?1, ?2, ?3, ?4, ?5) ON CONFLICT (subject_key) DO NOTHING`

	casRateLimit = `
UPDATE dlgate_rate_limits SET access_count = ?2, window_start = ?3, block_until = ?4, last_allowed = ?5
WHERE subject_key = ?1 AND access_count = ?6 AND window_start = ?7 AND block_until IS ?8`

	insertDifficultyIfAbsent = `
INSERT INTO dlgate_difficulty (state_key, level, last_success_at, block_until)
VALUES (?1, ?2, ?3, ?4) ON CONFLICT (state_key) DO NOTHING`

	casDifficulty = `
UPDATE dlgate_difficulty SET level = ?2, last_success_at = ?3, block_until = ?4
WHERE state_key = ?1 AND level = ?5 AND last_success_at = ?6 AND block_until IS ?7`

	insertTokenIfAbsent = `
INSERT INTO dlgate_tokens (token_hash, subject_hash, resource_hash, use_count, expires_at)
VALUES (?1, ?2, ?3, ?4, ?5) ON CONFLICT (token_hash) DO NOTHING`

	casToken = `UPDATE dlgate_tokens SET use_count = ?2 WHERE token_hash = ?1 AND use_count = ?3`
)

// selectDifficulty renders a lookup for n keys bound as ?1..?n.
func selectDifficulty(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = "?" + strconv.Itoa(i+1)
	}
	return "SELECT state_key, level, last_success_at, block_until FROM dlgate_difficulty WHERE state_key IN (" +
		strings.Join(ph, ", ") + ")"
}

// expand substitutes {name} fragments so repeated predicates are written
// once.
func expand(stmt string, fragments map[string]string) string {
	for name, frag := range fragments {
		stmt = strings.ReplaceAll(stmt, "{"+name+"}", frag)
	}
	return strings.TrimSpace(stmt)
}

// nullable maps the zero "unset" time to SQL NULL.
func nullable(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
