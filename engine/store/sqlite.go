package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the primary durable ArtifactStore backend.
//
// It stores every artifact in a single "artifacts" table in a single-file
// SQLite database. Designed for:
//   - Local development and CI with zero external setup
//   - Single-process workflow engines
//   - Prototyping before migrating to MySQLStore for shared access
//
// SQLiteStore uses WAL mode for concurrent reads and a single write
// connection. Store wraps its check-then-write sequence in a transaction so
// the optimistic-concurrency check and the write are atomic; Delete and
// SweepExpired are single UPDATE statements.
type SQLiteStore struct {
	db          *sql.DB
	mu          sync.Mutex // serializes the check-then-write sequence
	closed      bool
	clock       Clock
	lastSweepMs int64 // nowMs() at the last opportunistic sweep
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed ArtifactStore.
//
// path may be a file path (e.g. "./artifacts.db") or ":memory:" for a
// process-local database that disappears on Close.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports a single writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, clock: defaultClock}
	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// WithClock overrides the store's notion of "now", for deterministic TTL
// tests.
func (s *SQLiteStore) WithClock(c Clock) *SQLiteStore {
	s.clock = c
	return s
}

func (s *SQLiteStore) nowMs() int64 { return s.clock().UnixMilli() }

func (s *SQLiteStore) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS artifacts (
			id              TEXT PRIMARY KEY,
			kind            TEXT NOT NULL,
			workspace       TEXT NOT NULL,
			workspace_norm  TEXT NOT NULL,
			name            TEXT NOT NULL DEFAULT '',
			name_norm       TEXT NOT NULL DEFAULT '',
			data            TEXT NOT NULL,
			text            TEXT NOT NULL DEFAULT '',
			run_id          TEXT NOT NULL DEFAULT '',
			phase           TEXT NOT NULL DEFAULT '',
			role            TEXT NOT NULL DEFAULT '',
			tags            TEXT NOT NULL DEFAULT '[]',
			schema_version  TEXT NOT NULL DEFAULT '',
			version         INTEGER NOT NULL,
			ttl_seconds     INTEGER,
			expires_at      INTEGER,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL,
			deleted_at      INTEGER
		)
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: create artifacts table: %w", err)
	}

	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_artifacts_active_name
			ON artifacts(workspace_norm, name_norm)
			WHERE deleted_at IS NULL AND name_norm != ''`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_workspace ON artifacts(workspace_norm)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_run_id ON artifacts(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_expires_at ON artifacts(expires_at)`,
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("store: create index: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) checkOpen() error {
	if s.closed {
		return fmt.Errorf("store: closed")
	}
	return nil
}

// Store implements ArtifactStore.Store. See memory.go's documentation of the
// same policy; this backend applies it transactionally against SQLite.
func (s *SQLiteStore) Store(ctx context.Context, opts StoreOptions) (Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return Artifact{}, err
	}
	if opts.Kind == "" {
		return Artifact{}, fmt.Errorf("%w: kind is required", ErrInvalidRequest)
	}

	dataLen, err := serializedLen(opts.Data)
	if err != nil {
		return Artifact{}, err
	}
	if err := checkDataSize(opts.Kind, dataLen); err != nil {
		return Artifact{}, err
	}
	if opts.Text != nil {
		if err := checkTextSize(len(*opts.Text)); err != nil {
			return Artifact{}, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Artifact{}, fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	wsDisplay, wsNorm := resolveWorkspace(opts.Workspace)
	nameNorm := Normalize(opts.Name)
	now := s.nowMs()

	var result Artifact
	if opts.ExpectedVersion != nil {
		result, err = s.storeUpdate(ctx, tx, opts, wsDisplay, wsNorm, nameNorm, now)
	} else {
		result, err = s.storeCreateOrCollide(ctx, tx, opts, wsDisplay, wsNorm, nameNorm, now)
	}
	if err != nil {
		return Artifact{}, err
	}

	if err := tx.Commit(); err != nil {
		return Artifact{}, fmt.Errorf("store: commit: %w", err)
	}

	s.maybeSweepLocked(ctx, now)
	return result, nil
}

// maybeSweepLocked runs an opportunistic expired-sweep if one hasn't run in
// the last sweepInterval (spec: background maintenance, at most once per 5
// minutes on store paths). Caller must hold s.mu; failures are swallowed
// since this is advisory maintenance, not part of Store's contract.
func (s *SQLiteStore) maybeSweepLocked(ctx context.Context, now int64) {
	if now-s.lastSweepMs < sweepIntervalMs {
		return
	}
	s.lastSweepMs = now
	_, _ = s.sweepExpiredLocked(ctx, now, sweepBatchLimit)
}

func (s *SQLiteStore) sweepExpiredLocked(ctx context.Context, now int64, limit int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE artifacts SET deleted_at = ?
		WHERE id IN (
			SELECT id FROM artifacts
			WHERE deleted_at IS NULL AND expires_at IS NOT NULL AND expires_at <= ?
			LIMIT ?
		)
	`, now, now, limit)
	if err != nil {
		return 0, fmt.Errorf("store: sweep expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: sweep rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) findActiveByName(ctx context.Context, tx *sql.Tx, wsNorm, nameNorm string, now int64) (*Artifact, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+artifactColumns+`
		FROM artifacts
		WHERE workspace_norm = ? AND name_norm = ? AND deleted_at IS NULL
	`, wsNorm, nameNorm)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: query active by name: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) storeUpdate(ctx context.Context, tx *sql.Tx, opts StoreOptions, wsDisplay, wsNorm, nameNorm string, now int64) (Artifact, error) {
	if opts.Name == "" {
		return Artifact{}, fmt.Errorf("%w: expected_version requires name", ErrInvalidRequest)
	}

	existing, err := s.findActiveByName(ctx, tx, wsNorm, nameNorm, now)
	if err != nil {
		return Artifact{}, err
	}
	if existing == nil || existing.IsExpired(now) {
		return Artifact{}, ErrNotFound
	}
	if existing.Version != *opts.ExpectedVersion {
		return Artifact{}, ErrVersionMismatch
	}

	ttl := resolveTTL(opts, wsNorm, true)
	if err := validateRequiredTTL(opts.Kind, ttl); err != nil {
		return Artifact{}, err
	}

	updated := *existing
	updated.Kind = opts.Kind
	updated.Data = opts.Data
	updated.Text = ""
	if opts.Text != nil {
		updated.Text = *opts.Text
	}
	updated.RunID = opts.RunID
	updated.Phase = opts.Phase
	updated.Role = opts.Role
	updated.Tags = opts.Tags
	updated.SchemaVersion = opts.SchemaVersion
	updated.Version = existing.Version + 1
	updated.TTLSeconds = ttl
	updated.ExpiresAtMs = computeExpiresAt(ttl, now)
	updated.UpdatedAtMs = now
	updated.Workspace = wsDisplay
	updated.WorkspaceNorm = wsNorm
	updated.Name = opts.Name
	updated.NameNorm = nameNorm

	if err := s.updateRow(ctx, tx, updated); err != nil {
		return Artifact{}, err
	}
	return updated, nil
}

func (s *SQLiteStore) storeCreateOrCollide(ctx context.Context, tx *sql.Tx, opts StoreOptions, wsDisplay, wsNorm, nameNorm string, now int64) (Artifact, error) {
	if opts.Name != "" {
		existing, err := s.findActiveByName(ctx, tx, wsNorm, nameNorm, now)
		if err != nil {
			return Artifact{}, err
		}
		if existing != nil {
			if existing.IsExpired(now) {
				if err := s.softDeleteRow(ctx, tx, existing.ID, now); err != nil {
					return Artifact{}, err
				}
				return s.insertFresh(ctx, tx, opts, wsDisplay, wsNorm, nameNorm, now)
			}
			if opts.Mode == ModeReplace {
				return s.replaceInPlace(ctx, tx, opts, existing, wsDisplay, wsNorm, nameNorm, now)
			}
			return Artifact{}, ErrNameExists
		}
	}
	return s.insertFresh(ctx, tx, opts, wsDisplay, wsNorm, nameNorm, now)
}

func (s *SQLiteStore) replaceInPlace(ctx context.Context, tx *sql.Tx, opts StoreOptions, existing *Artifact, wsDisplay, wsNorm, nameNorm string, now int64) (Artifact, error) {
	ttl := resolveTTL(opts, wsNorm, false)
	if err := validateRequiredTTL(opts.Kind, ttl); err != nil {
		return Artifact{}, err
	}

	updated := *existing
	updated.Kind = opts.Kind
	updated.Data = opts.Data
	updated.Text = ""
	if opts.Text != nil {
		updated.Text = *opts.Text
	}
	updated.RunID = opts.RunID
	updated.Phase = opts.Phase
	updated.Role = opts.Role
	updated.Tags = opts.Tags
	updated.SchemaVersion = opts.SchemaVersion
	updated.Version = existing.Version + 1
	updated.TTLSeconds = ttl
	updated.ExpiresAtMs = computeExpiresAt(ttl, now)
	updated.UpdatedAtMs = now
	updated.Workspace = wsDisplay
	updated.WorkspaceNorm = wsNorm

	if err := s.updateRow(ctx, tx, updated); err != nil {
		return Artifact{}, err
	}
	return updated, nil
}

func (s *SQLiteStore) insertFresh(ctx context.Context, tx *sql.Tx, opts StoreOptions, wsDisplay, wsNorm, nameNorm string, now int64) (Artifact, error) {
	ttl := resolveTTL(opts, wsNorm, false)
	if err := validateRequiredTTL(opts.Kind, ttl); err != nil {
		return Artifact{}, err
	}

	a := Artifact{
		ID:            NewArtifactID(),
		Kind:          opts.Kind,
		Workspace:     wsDisplay,
		WorkspaceNorm: wsNorm,
		Data:          opts.Data,
		RunID:         opts.RunID,
		Phase:         opts.Phase,
		Role:          opts.Role,
		Tags:          opts.Tags,
		SchemaVersion: opts.SchemaVersion,
		Version:       1,
		TTLSeconds:    ttl,
		ExpiresAtMs:   computeExpiresAt(ttl, now),
		CreatedAtMs:   now,
		UpdatedAtMs:   now,
	}
	if opts.Text != nil {
		a.Text = *opts.Text
	}
	if opts.Name != "" {
		a.Name = opts.Name
		a.NameNorm = nameNorm
	}

	if err := s.insertRow(ctx, tx, a); err != nil {
		return Artifact{}, err
	}
	return a, nil
}

const artifactColumns = `
	id, kind, workspace, workspace_norm, name, name_norm, data, text,
	run_id, phase, role, tags, schema_version,
	version, ttl_seconds, expires_at, created_at, updated_at, deleted_at
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanArtifact(row rowScanner) (*Artifact, error) {
	var a Artifact
	var dataRaw, tagsRaw string
	var ttl, expiresAt, deletedAt sql.NullInt64

	err := row.Scan(
		&a.ID, &a.Kind, &a.Workspace, &a.WorkspaceNorm, &a.Name, &a.NameNorm, &dataRaw, &a.Text,
		&a.RunID, &a.Phase, &a.Role, &tagsRaw, &a.SchemaVersion,
		&a.Version, &ttl, &expiresAt, &a.CreatedAtMs, &a.UpdatedAtMs, &deletedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(dataRaw), &a.Data); err != nil {
		return nil, fmt.Errorf("store: unmarshal data: %w", err)
	}
	if tagsRaw != "" {
		if err := json.Unmarshal([]byte(tagsRaw), &a.Tags); err != nil {
			return nil, fmt.Errorf("store: unmarshal tags: %w", err)
		}
	}
	if ttl.Valid {
		v := ttl.Int64
		a.TTLSeconds = &v
	}
	if expiresAt.Valid {
		v := expiresAt.Int64
		a.ExpiresAtMs = &v
	}
	if deletedAt.Valid {
		v := deletedAt.Int64
		a.DeletedAtMs = &v
	}
	return &a, nil
}

func (s *SQLiteStore) insertRow(ctx context.Context, tx *sql.Tx, a Artifact) error {
	dataRaw, err := json.Marshal(a.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	tagsRaw, err := json.Marshal(a.Tags)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO artifacts (`+artifactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID, a.Kind, a.Workspace, a.WorkspaceNorm, a.Name, a.NameNorm, string(dataRaw), a.Text,
		a.RunID, a.Phase, a.Role, string(tagsRaw), a.SchemaVersion,
		a.Version, a.TTLSeconds, a.ExpiresAtMs, a.CreatedAtMs, a.UpdatedAtMs, a.DeletedAtMs,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrNameExists
		}
		return fmt.Errorf("store: insert artifact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) updateRow(ctx context.Context, tx *sql.Tx, a Artifact) error {
	dataRaw, err := json.Marshal(a.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	tagsRaw, err := json.Marshal(a.Tags)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE artifacts SET
			kind = ?, workspace = ?, workspace_norm = ?, name = ?, name_norm = ?,
			data = ?, text = ?, run_id = ?, phase = ?, role = ?, tags = ?, schema_version = ?,
			version = ?, ttl_seconds = ?, expires_at = ?, updated_at = ?
		WHERE id = ?
	`,
		a.Kind, a.Workspace, a.WorkspaceNorm, a.Name, a.NameNorm,
		string(dataRaw), a.Text, a.RunID, a.Phase, a.Role, string(tagsRaw), a.SchemaVersion,
		a.Version, a.TTLSeconds, a.ExpiresAtMs, a.UpdatedAtMs, a.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update artifact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) softDeleteRow(ctx context.Context, tx *sql.Tx, id string, deletedAtMs int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE artifacts SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, deletedAtMs, id)
	if err != nil {
		return fmt.Errorf("store: soft delete: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Fetch implements ArtifactStore.Fetch.
func (s *SQLiteStore) Fetch(ctx context.Context, opts FetchOptions) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	byID := opts.ID != ""
	byName := opts.Name != ""
	if byID && byName {
		return nil, ErrAmbiguousAddressing
	}
	if !byID && !byName {
		return nil, ErrInvalidRequest
	}
	if byName && opts.Workspace == "" {
		return nil, ErrInvalidRequest
	}

	now := s.nowMs()

	if byID {
		row := s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, opts.ID)
		a, err := scanArtifact(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("store: fetch by id: %w", err)
		}
		if a.IsDeleted() && !opts.IncludeDeleted {
			return nil, nil
		}
		if a.IsExpired(now) && !opts.IncludeExpired {
			return nil, nil
		}
		return a, nil
	}

	_, wsNorm := resolveWorkspace(opts.Workspace)
	nameNorm := Normalize(opts.Name)

	query := `
		SELECT ` + artifactColumns + `
		FROM artifacts
		WHERE workspace_norm = ? AND name_norm = ?
	`
	var conds []string
	if !opts.IncludeDeleted {
		conds = append(conds, "deleted_at IS NULL")
	}
	if len(conds) > 0 {
		query += " AND " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY (deleted_at IS NULL) DESC, updated_at DESC, id DESC LIMIT 1"

	row := s.db.QueryRowContext(ctx, query, wsNorm, nameNorm)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: fetch by name: %w", err)
	}
	if a.IsExpired(now) && !opts.IncludeExpired {
		return nil, nil
	}
	return a, nil
}

// List implements ArtifactStore.List.
func (s *SQLiteStore) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return ListResult{}, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	now := s.nowMs()

	var where []string
	var args []interface{}
	if opts.Workspace != "" {
		where = append(where, "workspace_norm = ?")
		args = append(args, Normalize(opts.Workspace))
	}
	if opts.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, opts.Kind)
	}
	if opts.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, opts.RunID)
	}
	if opts.Phase != "" {
		where = append(where, "phase = ?")
		args = append(args, opts.Phase)
	}
	if opts.Role != "" {
		where = append(where, "role = ?")
		args = append(args, opts.Role)
	}
	if !opts.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if !opts.IncludeExpired {
		where = append(where, "(expires_at IS NULL OR expires_at > ?)")
		args = append(args, now)
	}

	orderCol := "updated_at"
	if opts.OrderBy == OrderByCreatedAt {
		orderCol = "created_at"
	}

	query := "SELECT " + artifactColumns + " FROM artifacts"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY %s DESC, id DESC LIMIT ? OFFSET ?", orderCol)
	args = append(args, limit+1, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return ListResult{}, fmt.Errorf("store: list query: %w", err)
	}
	defer rows.Close()

	var items []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return ListResult{}, fmt.Errorf("store: list scan: %w", err)
		}
		a.Text = ""
		items = append(items, *a)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("store: list rows: %w", err)
	}

	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	return ListResult{Items: items, HasMore: hasMore}, nil
}

// Compose implements ArtifactStore.Compose.
func (s *SQLiteStore) Compose(ctx context.Context, opts ComposeOptions) (ComposeResult, error) {
	format := opts.Format
	if format == "" {
		format = ComposeMarkdown
	}

	resolved := make([]Artifact, 0, len(opts.Refs))
	for _, ref := range opts.Refs {
		a, err := s.Fetch(ctx, FetchOptions{ID: ref.ID, Workspace: ref.Workspace, Name: ref.Name})
		if err != nil {
			return ComposeResult{}, err
		}
		if a == nil {
			return ComposeResult{}, ErrNotFound
		}
		resolved = append(resolved, *a)
	}

	if format == ComposeJSON {
		parts := make([]ComposePart, len(resolved))
		for i, a := range resolved {
			parts[i] = ComposePart{ID: a.ID, Name: a.Name, Data: a.Data}
		}
		return ComposeResult{Format: ComposeJSON, Parts: parts}, nil
	}

	var sections []string
	for _, a := range resolved {
		if a.Text == "" {
			return ComposeResult{}, ErrComposeMissingText
		}
		sections = append(sections, composeHeader(a)+"\n\n"+a.Text+"\n---")
	}
	return ComposeResult{Format: ComposeMarkdown, Markdown: joinSections(sections)}, nil
}

// Delete implements ArtifactStore.Delete: idempotent soft delete.
func (s *SQLiteStore) Delete(ctx context.Context, opts DeleteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	byID := opts.ID != ""
	byName := opts.Name != ""
	if byID && byName {
		return ErrAmbiguousAddressing
	}
	if !byID && !byName {
		return ErrInvalidRequest
	}
	if byName && opts.Workspace == "" {
		return ErrInvalidRequest
	}

	now := s.nowMs()

	if byID {
		_, err := s.db.ExecContext(ctx, `UPDATE artifacts SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, now, opts.ID)
		if err != nil {
			return fmt.Errorf("store: delete by id: %w", err)
		}
		return nil
	}

	_, wsNorm := resolveWorkspace(opts.Workspace)
	nameNorm := Normalize(opts.Name)
	_, err := s.db.ExecContext(ctx, `
		UPDATE artifacts SET deleted_at = ?
		WHERE workspace_norm = ? AND name_norm = ? AND deleted_at IS NULL
	`, now, wsNorm, nameNorm)
	if err != nil {
		return fmt.Errorf("store: delete by name: %w", err)
	}
	return nil
}

// SweepExpired implements ArtifactStore.SweepExpired.
func (s *SQLiteStore) SweepExpired(ctx context.Context, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return s.sweepExpiredLocked(ctx, s.nowMs(), limit)
}
