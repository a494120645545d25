package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory ArtifactStore implementation.
//
// It is designed for:
//   - Unit tests that exercise ArtifactStore semantics without a database.
//   - Short-lived processes where durability is not required.
//
// MemoryStore is thread-safe and implements the exact same optimistic-
// concurrency, soft-delete, and uniqueness semantics as the durable backends;
// only the storage medium differs.
type MemoryStore struct {
	mu          sync.Mutex
	rows        map[string]*Artifact // id -> row (includes soft-deleted rows)
	clock       Clock
	lastID      int   // not read or written; ids come from NewArtifactID
	lastSweepMs int64 // nowMs() at the last opportunistic sweep
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:  make(map[string]*Artifact),
		clock: defaultClock,
	}
}

// WithClock overrides the store's notion of "now", for deterministic TTL
// tests.
func (m *MemoryStore) WithClock(c Clock) *MemoryStore {
	m.clock = c
	return m
}

func (m *MemoryStore) nowMs() int64 {
	return m.clock().UnixMilli()
}

// activeByName finds the active (non-deleted) row for (workspaceNorm,
// nameNorm), if any. Caller must hold m.mu.
func (m *MemoryStore) activeByName(workspaceNorm, nameNorm string) *Artifact {
	for _, a := range m.rows {
		if a.IsDeleted() {
			continue
		}
		if a.NameNorm == "" {
			continue
		}
		if a.WorkspaceNorm == workspaceNorm && a.NameNorm == nameNorm {
			return a
		}
	}
	return nil
}

func serializedLen(v interface{}) (int, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return len(raw), nil
}

func resolveTTL(opts StoreOptions, workspaceNorm string, isUpdate bool) *int64 {
	if opts.TTLExplicitNull {
		return nil
	}
	if opts.TTLSeconds != nil {
		v := *opts.TTLSeconds
		return &v
	}
	if isUpdate {
		// Omitting ttl_seconds on a full-replace update clears expiry.
		return nil
	}
	return workspaceDefaultTTL(workspaceNorm)
}

func computeExpiresAt(ttl *int64, atMs int64) *int64 {
	if ttl == nil {
		return nil
	}
	v := atMs + *ttl*1000
	return &v
}

// Store implements ArtifactStore.Store. See spec §4.1 for the full policy.
func (m *MemoryStore) Store(_ context.Context, opts StoreOptions) (Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

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

	wsDisplay, wsNorm := resolveWorkspace(opts.Workspace)
	nameNorm := Normalize(opts.Name)
	now := m.nowMs()

	var result Artifact
	if opts.ExpectedVersion != nil {
		result, err = m.storeUpdate(opts, wsDisplay, wsNorm, nameNorm, now)
	} else {
		result, err = m.storeCreateOrCollide(opts, wsDisplay, wsNorm, nameNorm, now)
	}

	m.maybeSweepLocked(now)
	return result, err
}

// maybeSweepLocked runs an opportunistic expired-sweep if one hasn't run in
// the last sweepInterval (spec: background maintenance, at most once per 5
// minutes on store paths). Caller must hold m.mu.
func (m *MemoryStore) maybeSweepLocked(now int64) {
	if now-m.lastSweepMs < sweepIntervalMs {
		return
	}
	m.lastSweepMs = now
	m.sweepExpiredLocked(now, sweepBatchLimit)
}

func (m *MemoryStore) sweepExpiredLocked(now int64, limit int) int {
	swept := 0
	for _, a := range m.rows {
		if swept >= limit {
			break
		}
		if a.IsDeleted() {
			continue
		}
		if a.IsExpired(now) {
			deletedAt := now
			a.DeletedAtMs = &deletedAt
			swept++
		}
	}
	return swept
}

func (m *MemoryStore) storeUpdate(opts StoreOptions, wsDisplay, wsNorm, nameNorm string, now int64) (Artifact, error) {
	if opts.Name == "" {
		return Artifact{}, fmt.Errorf("%w: expected_version requires name", ErrInvalidRequest)
	}

	existing := m.activeByName(wsNorm, nameNorm)
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

	m.rows[updated.ID] = &updated
	return updated, nil
}

func (m *MemoryStore) storeCreateOrCollide(opts StoreOptions, wsDisplay, wsNorm, nameNorm string, now int64) (Artifact, error) {
	if opts.Name != "" {
		if existing := m.activeByName(wsNorm, nameNorm); existing != nil {
			if existing.IsExpired(now) {
				deletedAt := now
				existing.DeletedAtMs = &deletedAt
				return m.insertFresh(opts, wsDisplay, wsNorm, nameNorm, now)
			}
			if opts.Mode == ModeReplace {
				return m.replaceInPlace(opts, existing, wsDisplay, wsNorm, nameNorm, now)
			}
			return Artifact{}, ErrNameExists
		}
	}
	return m.insertFresh(opts, wsDisplay, wsNorm, nameNorm, now)
}

func (m *MemoryStore) replaceInPlace(opts StoreOptions, existing *Artifact, wsDisplay, wsNorm, nameNorm string, now int64) (Artifact, error) {
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

	m.rows[updated.ID] = &updated
	return updated, nil
}

func (m *MemoryStore) insertFresh(opts StoreOptions, wsDisplay, wsNorm, nameNorm string, now int64) (Artifact, error) {
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

	m.rows[a.ID] = &a
	return a, nil
}

// Fetch implements ArtifactStore.Fetch.
func (m *MemoryStore) Fetch(_ context.Context, opts FetchOptions) (*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

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

	now := m.nowMs()

	if byID {
		a, ok := m.rows[opts.ID]
		if !ok {
			return nil, nil
		}
		if a.IsDeleted() && !opts.IncludeDeleted {
			return nil, nil
		}
		if a.IsExpired(now) && !opts.IncludeExpired {
			return nil, nil
		}
		cp := *a
		return &cp, nil
	}

	_, wsNorm := resolveWorkspace(opts.Workspace)
	nameNorm := Normalize(opts.Name)

	var candidates []*Artifact
	for _, a := range m.rows {
		if a.WorkspaceNorm != wsNorm || a.NameNorm != nameNorm {
			continue
		}
		if a.IsDeleted() && !opts.IncludeDeleted {
			continue
		}
		if a.IsExpired(now) && !opts.IncludeExpired {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	// Prefer non-deleted, then higher updated_at, then higher id.
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if ci.IsDeleted() != cj.IsDeleted() {
			return !ci.IsDeleted()
		}
		if ci.UpdatedAtMs != cj.UpdatedAtMs {
			return ci.UpdatedAtMs > cj.UpdatedAtMs
		}
		return ci.ID > cj.ID
	})
	cp := *candidates[0]
	return &cp, nil
}

// List implements ArtifactStore.List.
func (m *MemoryStore) List(_ context.Context, opts ListOptions) (ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowMs()
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	var filtered []*Artifact
	for _, a := range m.rows {
		if opts.Workspace != "" && a.WorkspaceNorm != Normalize(opts.Workspace) {
			continue
		}
		if opts.Kind != "" && a.Kind != opts.Kind {
			continue
		}
		if opts.RunID != "" && a.RunID != opts.RunID {
			continue
		}
		if opts.Phase != "" && a.Phase != opts.Phase {
			continue
		}
		if opts.Role != "" && a.Role != opts.Role {
			continue
		}
		if a.IsDeleted() && !opts.IncludeDeleted {
			continue
		}
		if a.IsExpired(now) && !opts.IncludeExpired {
			continue
		}
		filtered = append(filtered, a)
	}

	orderBy := opts.OrderBy
	if orderBy == "" {
		orderBy = OrderByUpdatedAt
	}
	sort.Slice(filtered, func(i, j int) bool {
		ti, tj := filtered[i].UpdatedAtMs, filtered[j].UpdatedAtMs
		if orderBy == OrderByCreatedAt {
			ti, tj = filtered[i].CreatedAtMs, filtered[j].CreatedAtMs
		}
		if ti != tj {
			return ti > tj
		}
		return filtered[i].ID > filtered[j].ID
	})

	start := opts.Offset
	if start > len(filtered) {
		start = len(filtered)
	}
	end := start + limit + 1
	if end > len(filtered) {
		end = len(filtered)
	}
	page := filtered[start:end]

	hasMore := len(page) > limit
	if hasMore {
		page = page[:limit]
	}

	items := make([]Artifact, len(page))
	for i, a := range page {
		cp := *a
		cp.Text = "" // list excludes text for bandwidth
		items[i] = cp
	}

	return ListResult{Items: items, HasMore: hasMore}, nil
}

// Compose implements ArtifactStore.Compose.
func (m *MemoryStore) Compose(ctx context.Context, opts ComposeOptions) (ComposeResult, error) {
	format := opts.Format
	if format == "" {
		format = ComposeMarkdown
	}

	resolved := make([]Artifact, 0, len(opts.Refs))
	for _, ref := range opts.Refs {
		a, err := m.Fetch(ctx, FetchOptions{ID: ref.ID, Workspace: ref.Workspace, Name: ref.Name})
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
		header := composeHeader(a)
		sections = append(sections, header+"\n\n"+a.Text+"\n---")
	}
	return ComposeResult{Format: ComposeMarkdown, Markdown: joinSections(sections)}, nil
}

func composeHeader(a Artifact) string {
	switch {
	case a.Role != "" && a.Name != "":
		return fmt.Sprintf("## %s: %s (%s)", a.Kind, a.Role, a.Name)
	case a.Role != "" && a.Name == "":
		return fmt.Sprintf("## %s: %s (%s)", a.Kind, a.Role, a.ID)
	case a.Role == "" && a.Name != "":
		return fmt.Sprintf("## %s (%s)", a.Kind, a.Name)
	default:
		return fmt.Sprintf("## %s (%s)", a.Kind, a.ID)
	}
}

func joinSections(sections []string) string {
	out := ""
	for i, s := range sections {
		if i > 0 {
			out += "\n\n"
		}
		out += s
	}
	return out
}

// Delete implements ArtifactStore.Delete: idempotent soft delete.
func (m *MemoryStore) Delete(_ context.Context, opts DeleteOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

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

	now := m.nowMs()

	var target *Artifact
	if byID {
		target = m.rows[opts.ID]
	} else {
		_, wsNorm := resolveWorkspace(opts.Workspace)
		nameNorm := Normalize(opts.Name)
		target = m.activeByName(wsNorm, nameNorm)
		if target == nil {
			// fall back to any row (deleted or not) for idempotent re-delete
			for _, a := range m.rows {
				if a.WorkspaceNorm == wsNorm && a.NameNorm == nameNorm {
					target = a
					break
				}
			}
		}
	}
	if target == nil {
		return nil // idempotent: silent success on not-found
	}
	if target.IsDeleted() {
		return nil // preserve existing deleted_at
	}
	target.DeletedAtMs = &now
	return nil
}

// SweepExpired implements ArtifactStore.SweepExpired.
func (m *MemoryStore) SweepExpired(_ context.Context, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepExpiredLocked(m.nowMs(), limit), nil
}

// Close implements ArtifactStore.Close; a no-op for MemoryStore.
func (m *MemoryStore) Close() error { return nil }
