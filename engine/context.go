package engine

import (
	"sync"

	"github.com/duskrun/duskrun/engine/store"
)

// ArtifactRefSet is what the driver records per step in ExecContext.Artifacts:
// the ids a step produced and their versions at time of recording, so later
// steps and resumed runs can read back prior output without refetching by
// name.
type ArtifactRefSet struct {
	ArtifactIDs []string
	Versions    map[string]int // artifact id -> version
}

// ExecContext is the shared, mutex-guarded execution context threaded
// through every step invocation in a run (spec §4.6, §5).
type ExecContext struct {
	RunID    string
	Store    store.ArtifactStore
	Config   RunConfig
	RepoHash string

	mu        sync.Mutex
	artifacts map[string]ArtifactRefSet
}

// NewExecContext builds an ExecContext ready for a fresh or resumed run.
func NewExecContext(runID string, st store.ArtifactStore, cfg RunConfig, repoHash string) *ExecContext {
	return &ExecContext{
		RunID:     runID,
		Store:     st,
		Config:    cfg,
		RepoHash:  repoHash,
		artifacts: make(map[string]ArtifactRefSet),
	}
}

// SetArtifacts records step_id's resolved artifact output. Called by the
// executor driver, including from the per-step goroutines of a batch;
// access is serialized by the context's mutex.
func (c *ExecContext) SetArtifacts(stepID string, refs ArtifactRefSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.artifacts[stepID] = refs
}

// Artifacts returns step_id's recorded artifact output, if any.
func (c *ExecContext) Artifacts(stepID string) (ArtifactRefSet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	refs, ok := c.artifacts[stepID]
	return refs, ok
}
