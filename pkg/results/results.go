package results

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/IDSIA/Ferdelance/pkg/config"
	"github.com/IDSIA/Ferdelance/pkg/storage"
	"github.com/IDSIA/Ferdelance/pkg/types"
)

// Store tracks every partial and aggregated blob produced for an
// artifact. Rows live in the repository; blobs live under the workdir
// at a path assigned once and never rewritten.
type Store struct {
	cfg *config.Config
}

// NewStore creates a result store rooted at the configured workdir.
func NewStore(cfg *config.Config) *Store {
	return &Store{cfg: cfg}
}

// Spec describes the result being recorded.
type Spec struct {
	JobID      string
	ArtifactID string
	ProducerID string
	Iteration  int

	IsModel       bool
	IsEstimation  bool
	IsAggregation bool
	IsError       bool
}

func (s Spec) tag() string {
	switch {
	case s.IsError:
		return "ERROR"
	case s.IsAggregation:
		return "AGGREGATED"
	default:
		return "PARTIAL"
	}
}

func (s Spec) suffix() string {
	switch {
	case s.IsModel:
		return ".model"
	case s.IsEstimation:
		return ".estimator"
	default:
		return ""
	}
}

// Create records a result row and returns it with a writable blob
// path. The uniqueness invariants (one aggregation per iteration, one
// partial per producer per iteration) are enforced by the repository.
func (st *Store) Create(tx storage.Tx, spec Spec, now time.Time) (*types.Result, error) {
	// A job re-dispatched after a lease reclaim may find the row its
	// late first upload already recorded. Reuse it so the retry can
	// still land and complete the job.
	if !spec.IsError {
		var existing *types.Result
		var err error
		if spec.IsAggregation {
			existing, err = tx.GetAggregatedResult(spec.ArtifactID, spec.Iteration)
		} else {
			existing, err = tx.GetPartialResult(spec.ArtifactID, spec.ProducerID, spec.Iteration)
		}
		if err == nil && existing.JobID == spec.JobID {
			return existing, nil
		}
	}

	dir := st.cfg.ArtifactDir(spec.ArtifactID, spec.Iteration)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create result directory: %w", err)
	}

	result := &types.Result{
		ID:            uuid.New().String(),
		JobID:         spec.JobID,
		ArtifactID:    spec.ArtifactID,
		ProducerID:    spec.ProducerID,
		Iteration:     spec.Iteration,
		IsModel:       spec.IsModel,
		IsEstimation:  spec.IsEstimation,
		IsAggregation: spec.IsAggregation,
		IsError:       spec.IsError,
		Path:          filepath.Join(dir, spec.JobID+"."+spec.tag()+spec.suffix()),
		CreatedAt:     now,
	}

	if err := tx.CreateResult(result); err != nil {
		return nil, err
	}
	return result, nil
}

// MetricsPath is where an optional metrics document uploaded with a
// result is kept, next to the blob.
func (st *Store) MetricsPath(r *types.Result) string {
	return r.Path + ".metrics.json"
}

// Open returns a reader over the blob of a stored result.
func (st *Store) Open(r *types.Result) (*os.File, error) {
	f, err := os.Open(r.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("result blob %s: %w", r.ID, types.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open result blob: %w", err)
	}
	return f, nil
}
