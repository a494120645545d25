package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is an alternate durable ArtifactStore backend for deployments
// that already run MySQL/MariaDB for shared, multi-process access.
//
// Designed for:
//   - Production workflow engines with several concurrent writer processes
//   - Long-running runs that must survive process restarts
//   - Environments with existing MySQL operational tooling (backups, HA)
//
// MySQL has no partial unique index, so the active-name uniqueness rule
// (unique among non-deleted rows only) cannot be expressed as a plain
// UNIQUE constraint the way SQLiteStore does it. MySQLStore instead takes a
// row lock with SELECT ... FOR UPDATE inside the same transaction that
// performs the collision check and the write, so concurrent writers
// serialize on that lock rather than racing.
type MySQLStore struct {
	db          *sql.DB
	mu          sync.Mutex
	closed      bool
	clock       Clock
	lastSweepMs int64 // nowMs() at the last opportunistic sweep
}

// NewMySQLStore opens a MySQL-backed ArtifactStore.
//
// The DSN format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Example:
//
//	user:pass@tcp(localhost:3306)/artifacts?parseTime=true
//
// Credentials should come from the environment, never be hardcoded.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open mysql connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping mysql: %w", err)
	}

	s := &MySQLStore{db: db, clock: defaultClock}
	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// WithClock overrides the store's notion of "now", for deterministic TTL
// tests.
func (s *MySQLStore) WithClock(c Clock) *MySQLStore {
	s.clock = c
	return s
}

func (s *MySQLStore) nowMs() int64 { return s.clock().UnixMilli() }

func (s *MySQLStore) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS artifacts (
			id              VARCHAR(32) PRIMARY KEY,
			kind            VARCHAR(128) NOT NULL,
			workspace       VARCHAR(256) NOT NULL,
			workspace_norm  VARCHAR(256) NOT NULL,
			name            VARCHAR(256) NOT NULL DEFAULT '',
			name_norm       VARCHAR(256) NOT NULL DEFAULT '',
			data            LONGTEXT NOT NULL,
			text            LONGTEXT NOT NULL,
			run_id          VARCHAR(64) NOT NULL DEFAULT '',
			phase           VARCHAR(64) NOT NULL DEFAULT '',
			role            VARCHAR(64) NOT NULL DEFAULT '',
			tags            TEXT NOT NULL,
			schema_version  VARCHAR(32) NOT NULL DEFAULT '',
			version         INT NOT NULL,
			ttl_seconds     BIGINT NULL,
			expires_at      BIGINT NULL,
			created_at      BIGINT NOT NULL,
			updated_at      BIGINT NOT NULL,
			deleted_at      BIGINT NULL,
			INDEX idx_artifacts_workspace_name (workspace_norm, name_norm),
			INDEX idx_artifacts_run_id (run_id),
			INDEX idx_artifacts_expires_at (expires_at)
		) ENGINE=InnoDB
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: create artifacts table: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *MySQLStore) checkOpen() error {
	if s.closed {
		return fmt.Errorf("store: closed")
	}
	return nil
}

// Store implements ArtifactStore.Store. Mirrors SQLiteStore's policy; see
// that file for the shared walk-through. Differences here are MySQL-specific
// plumbing: row locking in place of a partial unique index, and
// ON DUPLICATE KEY UPDATE in place of SQLite's ON CONFLICT.
func (s *MySQLStore) Store(ctx context.Context, opts StoreOptions) (Artifact, error) {
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
func (s *MySQLStore) maybeSweepLocked(ctx context.Context, now int64) {
	if now-s.lastSweepMs < sweepIntervalMs {
		return
	}
	s.lastSweepMs = now
	_, _ = s.sweepExpiredLocked(ctx, now, sweepBatchLimit)
}

func (s *MySQLStore) sweepExpiredLocked(ctx context.Context, now int64, limit int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE artifacts SET deleted_at = ?
		WHERE deleted_at IS NULL AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at ASC
		LIMIT ?
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

// findActiveByNameLocked takes a row lock (SELECT ... FOR UPDATE) on the
// active row for (wsNorm, nameNorm), serializing concurrent writers against
// the same name the way a partial unique index would on SQLite.
func (s *MySQLStore) findActiveByNameLocked(ctx context.Context, tx *sql.Tx, wsNorm, nameNorm string) (*Artifact, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+artifactColumns+`
		FROM artifacts
		WHERE workspace_norm = ? AND name_norm = ? AND deleted_at IS NULL
		FOR UPDATE
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

func (s *MySQLStore) storeUpdate(ctx context.Context, tx *sql.Tx, opts StoreOptions, wsDisplay, wsNorm, nameNorm string, now int64) (Artifact, error) {
	if opts.Name == "" {
		return Artifact{}, fmt.Errorf("%w: expected_version requires name", ErrInvalidRequest)
	}

	existing, err := s.findActiveByNameLocked(ctx, tx, wsNorm, nameNorm)
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

func (s *MySQLStore) storeCreateOrCollide(ctx context.Context, tx *sql.Tx, opts StoreOptions, wsDisplay, wsNorm, nameNorm string, now int64) (Artifact, error) {
	if opts.Name != "" {
		existing, err := s.findActiveByNameLocked(ctx, tx, wsNorm, nameNorm)
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

func (s *MySQLStore) replaceInPlace(ctx context.Context, tx *sql.Tx, opts StoreOptions, existing *Artifact, wsDisplay, wsNorm, nameNorm string, now int64) (Artifact, error) {
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

func (s *MySQLStore) insertFresh(ctx context.Context, tx *sql.Tx, opts StoreOptions, wsDisplay, wsNorm, nameNorm string, now int64) (Artifact, error) {
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

func (s *MySQLStore) insertRow(ctx context.Context, tx *sql.Tx, a Artifact) error {
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
		return fmt.Errorf("store: insert artifact: %w", err)
	}
	return nil
}

func (s *MySQLStore) updateRow(ctx context.Context, tx *sql.Tx, a Artifact) error {
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

func (s *MySQLStore) softDeleteRow(ctx context.Context, tx *sql.Tx, id string, deletedAtMs int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE artifacts SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, deletedAtMs, id)
	if err != nil {
		return fmt.Errorf("store: soft delete: %w", err)
	}
	return nil
}

// Fetch implements ArtifactStore.Fetch.
func (s *MySQLStore) Fetch(ctx context.Context, opts FetchOptions) (*Artifact, error) {
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

	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE workspace_norm = ? AND name_norm = ?`
	if !opts.IncludeDeleted {
		query += " AND deleted_at IS NULL"
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
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) (ListResult, error) {
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
func (s *MySQLStore) Compose(ctx context.Context, opts ComposeOptions) (ComposeResult, error) {
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
func (s *MySQLStore) Delete(ctx context.Context, opts DeleteOptions) error {
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
func (s *MySQLStore) SweepExpired(ctx context.Context, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return s.sweepExpiredLocked(ctx, s.nowMs(), limit)
}
