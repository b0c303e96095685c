// Package checkpoint persists per-stage snapshots of a pipeline run so a
// failed or degraded run can be inspected after the fact.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store persists checkpoints.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save stores a checkpoint for a run at a specific stage.
	// Overwrites if a checkpoint for (runID, stage) already exists.
	Save(ctx context.Context, runID, stage string, data []byte) error

	// Load retrieves a checkpoint.
	// Returns ErrNotFound if checkpoint doesn't exist.
	Load(ctx context.Context, runID, stage string) ([]byte, error)

	// List returns all checkpoints for a run, ordered by sequence.
	// Returns empty slice (not error) if run has no checkpoints.
	List(ctx context.Context, runID string) ([]Info, error)

	// DeleteRun removes all checkpoints for a run.
	DeleteRun(ctx context.Context, runID string) error

	// Close releases any resources (connections, files).
	Close() error
}

// Info provides metadata without loading full state.
type Info struct {
	RunID     string
	Stage     string
	Sequence  int
	Timestamp time.Time
	Size      int64
}

// Sentinel errors for checkpoint operations.
var (
	// ErrNotFound indicates a checkpoint doesn't exist.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("checkpoint store closed")
)

// Latest loads and decodes the most recent checkpoint of a run.
func Latest(ctx context.Context, store Store, runID string) (*Checkpoint, error) {
	infos, err := store.List(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, ErrNotFound
	}
	last := infos[len(infos)-1]
	data, err := store.Load(ctx, runID, last.Stage)
	if err != nil {
		return nil, err
	}
	cp, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint %s/%s: %w", runID, last.Stage, err)
	}
	return cp, nil
}
