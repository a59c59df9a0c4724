package job

import (
	"context"
)

// Store persists and retrieves jobs.
type Store interface {
	Create(ctx context.Context, j *Job) error
	// Get returns (nil, nil) when no job exists for id.
	Get(ctx context.Context, id string) (*Job, error)
	// Patch merges the non-nil fields of p into the record and bumps
	// updated_at. Omitted fields keep their prior values.
	Patch(ctx context.Context, id string, p Patch) error
	Delete(ctx context.Context, id string) error
	// ResetStuck returns the IDs of all non-terminal jobs, for startup
	// recovery after a crash mid-pipeline.
	ResetStuck(ctx context.Context) ([]string, error)
	// List returns a page of jobs ordered by created_at DESC, plus the total count.
	List(ctx context.Context, limit, offset int) ([]*Job, int, error)
}
