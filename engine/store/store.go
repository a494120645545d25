// Package store implements the content-addressed Artifact Store: a durable,
// optimistic-concurrency-controlled key/value-plus-metadata store with soft
// deletion, TTL-based expiry, workspace/name uniqueness, and multi-artifact
// composition.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by ArtifactStore operations. Callers should use
// errors.Is against these values; implementations must never wrap them in a
// way that breaks that comparison.
var (
	ErrVersionMismatch     = errors.New("store: version mismatch")
	ErrNameExists          = errors.New("store: name already exists")
	ErrNotFound            = errors.New("store: not found")
	ErrInvalidRequest      = errors.New("store: invalid request")
	ErrAmbiguousAddressing = errors.New("store: ambiguous addressing")
	ErrDataTooLarge        = errors.New("store: data too large")
	ErrTextTooLarge        = errors.New("store: text too large")
	ErrComposeMissingText  = errors.New("store: compose missing text")
)

// Mode controls the create-or-collide behavior of Store when a name
// collides with an existing active row.
type Mode string

const (
	// ModeError fails with ErrNameExists on an active-row collision. Default.
	ModeError Mode = "error"
	// ModeReplace overwrites the existing row in place, bumping its version.
	ModeReplace Mode = "replace"
)

// OrderBy selects the sort column for List.
type OrderBy string

const (
	OrderByUpdatedAt OrderBy = "updated_at"
	OrderByCreatedAt OrderBy = "created_at"
)

// ComposeFormat selects Compose's output shape.
type ComposeFormat string

const (
	ComposeMarkdown ComposeFormat = "markdown"
	ComposeJSON     ComposeFormat = "json"
)

// Artifact is a durable, versioned value with optional name, tags, TTL, and
// text view. See spec §3 for the full invariants.
type Artifact struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`

	Workspace     string `json:"workspace"`
	WorkspaceNorm string `json:"workspace_norm"`
	Name          string `json:"name,omitempty"`
	NameNorm      string `json:"name_norm,omitempty"`

	Data interface{} `json:"data"`
	Text string      `json:"text,omitempty"`

	RunID         string   `json:"run_id,omitempty"`
	Phase         string   `json:"phase,omitempty"`
	Role          string   `json:"role,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	SchemaVersion string   `json:"schema_version,omitempty"`

	Version     int    `json:"version"`
	TTLSeconds  *int64 `json:"ttl_seconds,omitempty"`
	ExpiresAtMs *int64 `json:"expires_at,omitempty"`
	CreatedAtMs int64  `json:"created_at"`
	UpdatedAtMs int64  `json:"updated_at"`
	DeletedAtMs *int64 `json:"deleted_at,omitempty"`
}

// IsDeleted reports whether the artifact has been soft-deleted.
func (a *Artifact) IsDeleted() bool { return a.DeletedAtMs != nil }

// IsExpired reports whether the artifact's TTL has elapsed as of nowMs.
func (a *Artifact) IsExpired(nowMs int64) bool {
	return a.ExpiresAtMs != nil && *a.ExpiresAtMs <= nowMs
}

// StoreOptions are the inputs to Store. See spec §4.1.
type StoreOptions struct {
	Workspace string
	Name      string
	Kind      string
	Data      interface{}
	Text      *string

	RunID         string
	Phase         string
	Role          string
	Tags          []string
	SchemaVersion string

	// TTLSeconds nil means "absent": the workspace default on create, no
	// expiry on an expected_version update. TTLExplicitNull is the
	// "explicit null" (no expiry) and takes precedence over TTLSeconds.
	TTLSeconds      *int64
	TTLExplicitNull bool

	ExpectedVersion *int
	Mode            Mode
}

// FetchOptions address a single artifact by ID or by (Workspace, Name).
// Exactly one addressing mode may be used.
type FetchOptions struct {
	ID             string
	Workspace      string
	Name           string
	IncludeExpired bool
	IncludeDeleted bool
}

// ListOptions filters and paginates List results.
type ListOptions struct {
	Workspace string
	Kind      string
	RunID     string
	Phase     string
	Role      string

	IncludeExpired bool
	IncludeDeleted bool

	OrderBy OrderBy
	Limit   int
	Offset  int
}

// ListResult is the paginated output of List.
type ListResult struct {
	Items   []Artifact
	HasMore bool
}

// ComposeRef identifies one artifact to resolve in Compose, in input order.
type ComposeRef struct {
	ID        string
	Workspace string
	Name      string
}

// ComposeOptions controls Compose.
type ComposeOptions struct {
	Refs   []ComposeRef
	Format ComposeFormat
}

// ComposePart is one resolved item in a ComposeFormat == json result.
type ComposePart struct {
	ID   string      `json:"id"`
	Name string      `json:"name,omitempty"`
	Data interface{} `json:"data"`
}

// ComposeResult is Compose's output.
type ComposeResult struct {
	Format   ComposeFormat
	Parts    []ComposePart // populated when Format == ComposeJSON
	Markdown string        // populated when Format == ComposeMarkdown
}

// DeleteOptions address a single artifact by ID or by (Workspace, Name) for
// soft deletion.
type DeleteOptions struct {
	ID        string
	Workspace string
	Name      string
}

// ArtifactStore is the durable CRUD-plus-compose interface every backend
// (SQLite, MySQL, in-memory) implements identically per spec §4.1.
type ArtifactStore interface {
	Store(ctx context.Context, opts StoreOptions) (Artifact, error)
	Fetch(ctx context.Context, opts FetchOptions) (*Artifact, error)
	List(ctx context.Context, opts ListOptions) (ListResult, error)
	Compose(ctx context.Context, opts ComposeOptions) (ComposeResult, error)
	Delete(ctx context.Context, opts DeleteOptions) error

	// SweepExpired is the best-effort expired-sweep maintenance operation
	// (spec §4.1): soft-deletes up to limit rows whose expires_at <= now.
	// Advisory only; correctness never depends on it being called.
	SweepExpired(ctx context.Context, limit int) (int, error)

	Close() error
}

// Clock abstracts wall-clock time so tests can control expiry and
// last-sweep bookkeeping deterministically.
type Clock func() time.Time

func defaultClock() time.Time { return time.Now().UTC() }

// Background maintenance: each backend's Store path opportunistically
// triggers SweepExpired at most once per sweepIntervalMs, sweeping up to
// sweepBatchLimit rows per trigger, rather than requiring a separate
// periodic task (spec: background maintenance).
const (
	sweepIntervalMs = int64(5 * 60 * 1000)
	sweepBatchLimit = 100
)
