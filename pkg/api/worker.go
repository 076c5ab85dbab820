package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/IDSIA/Ferdelance/pkg/exchange"
	"github.com/IDSIA/Ferdelance/pkg/log"
	"github.com/IDSIA/Ferdelance/pkg/results"
	"github.com/IDSIA/Ferdelance/pkg/storage"
	"github.com/IDSIA/Ferdelance/pkg/types"
)

// taskParameters assembles everything a component needs to run a
// leased job.
func taskParameters(tx storage.Tx, job *types.Job) (*types.TaskParameters, error) {
	artifact, err := tx.GetArtifact(job.ArtifactID)
	if err != nil {
		return nil, err
	}
	return &types.TaskParameters{
		JobID:      job.ID,
		JobKind:    job.Kind,
		Artifact:   *artifact,
		Iteration:  job.Iteration,
		ContentIDs: append([]string(nil), job.ContentIDs...),
		IssuedAt:   time.Now().UTC(),
	}, nil
}

// handleWorkerTask serves the parameters of a job already leased to
// the caller.
func (s *Server) handleWorkerTask(w http.ResponseWriter, r *http.Request) {
	component := componentFrom(r.Context())
	jobID := chi.URLParam(r, "job_id")

	var params *types.TaskParameters
	err := s.store.View(func(tx storage.Tx) error {
		job, err := tx.GetJob(jobID)
		if err != nil {
			return err
		}
		if job.ComponentID != component.ID {
			return fmt.Errorf("%w: job %s belongs to another component", types.ErrAccessDenied, job.ID)
		}
		if job.Status != types.JobRunning {
			return fmt.Errorf("%w: job %s is not leased", types.ErrConflict, job.ID)
		}
		params, err = taskParameters(tx, job)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeEncryptedTo(w, r, params)
}

// handleWorkerResultUpload receives the encrypted result blob of a
// job. The blob is decrypted to its final path and the row, the DONE
// transition and any triggered successor all commit together.
func (s *Server) handleWorkerResultUpload(w http.ResponseWriter, r *http.Request) {
	component := componentFrom(r.Context())
	jobID := chi.URLParam(r, "job_id")
	now := time.Now().UTC()

	var blobPath string
	err := s.store.Update(func(tx storage.Tx) error {
		job, err := tx.GetJob(jobID)
		if err != nil {
			return err
		}
		if job.ComponentID != component.ID {
			return fmt.Errorf("%w: job %s belongs to another component", types.ErrAccessDenied, job.ID)
		}

		artifact, err := tx.GetArtifact(job.ArtifactID)
		if err != nil {
			return err
		}

		result, err := s.results.Create(tx, results.Spec{
			JobID:         job.ID,
			ArtifactID:    job.ArtifactID,
			ProducerID:    component.ID,
			Iteration:     job.Iteration,
			IsModel:       artifact.IsModel(),
			IsEstimation:  artifact.IsEstimation(),
			IsAggregation: job.Kind == types.JobAggregation,
		}, now)
		if err != nil {
			return err
		}

		f, err := os.Create(result.Path)
		if err != nil {
			return fmt.Errorf("failed to create blob: %w", err)
		}
		if _, err := exchange.DecryptStream(s.key, f, r.Body); err != nil {
			f.Close()
			os.Remove(result.Path)
			return err
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to close blob: %w", err)
		}
		blobPath = result.Path

		return s.scheduler.CompleteJob(tx, job.ID, result, now)
	})
	if err != nil {
		if blobPath != "" {
			os.Remove(blobPath)
		}
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleWorkerResultDownload streams a stored result blob, encrypted
// to the caller. Aggregation workers use it to pull the partials named
// by their content ids.
func (s *Server) handleWorkerResultDownload(w http.ResponseWriter, r *http.Request) {
	resultID := chi.URLParam(r, "result_id")

	var result *types.Result
	err := s.store.View(func(tx storage.Tx) error {
		var err error
		result, err = tx.GetResult(resultID)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.streamResult(w, r, result)
}

// handleWorkerError absorbs a TaskError: the report is stored as an
// error result and the artifact aborted.
func (s *Server) handleWorkerError(w http.ResponseWriter, r *http.Request) {
	component := componentFrom(r.Context())
	now := time.Now().UTC()

	var taskErr types.TaskError
	if err := s.readEncrypted(r, &taskErr); err != nil {
		s.writeError(w, r, err)
		return
	}
	if taskErr.JobID == "" {
		s.writeError(w, r, fmt.Errorf("%w: error report names no job", types.ErrNotFound))
		return
	}

	err := s.store.Update(func(tx storage.Tx) error {
		job, err := tx.GetJob(taskErr.JobID)
		if err != nil {
			return err
		}
		if job.ComponentID != component.ID {
			return fmt.Errorf("%w: job %s belongs to another component", types.ErrAccessDenied, job.ID)
		}

		result, err := s.results.Create(tx, results.Spec{
			JobID:      job.ID,
			ArtifactID: job.ArtifactID,
			ProducerID: component.ID,
			Iteration:  job.Iteration,
			IsError:    true,
		}, now)
		if err != nil {
			return err
		}

		report, err := json.Marshal(&taskErr)
		if err != nil {
			return err
		}
		if err := os.WriteFile(result.Path, report, 0644); err != nil {
			return fmt.Errorf("failed to write error report: %w", err)
		}

		return s.scheduler.FailJob(tx, job.ID, now)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleWorkerMetrics stores an optional metrics document next to the
// result blob it describes. Metrics never influence the job state
// machine.
func (s *Server) handleWorkerMetrics(w http.ResponseWriter, r *http.Request) {
	component := componentFrom(r.Context())

	var m types.TaskMetrics
	if err := s.readEncrypted(r, &m); err != nil {
		s.writeError(w, r, err)
		return
	}
	if m.JobID == "" {
		s.writeError(w, r, fmt.Errorf("%w: metrics name no job", types.ErrNotFound))
		return
	}

	err := s.store.View(func(tx storage.Tx) error {
		job, err := tx.GetJob(m.JobID)
		if err != nil {
			return err
		}
		if job.ComponentID != component.ID {
			return fmt.Errorf("%w: job %s belongs to another component", types.ErrAccessDenied, job.ID)
		}

		rows, err := tx.ListResultsByArtifact(job.ArtifactID, job.Iteration)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if row.JobID != job.ID || row.IsError {
				continue
			}
			doc, err := json.Marshal(&m)
			if err != nil {
				return err
			}
			return os.WriteFile(s.results.MetricsPath(row), doc, 0644)
		}
		return fmt.Errorf("%w: no result recorded for job %s", types.ErrNotFound, job.ID)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// streamResult encrypts a blob from disk to the authenticated caller.
func (s *Server) streamResult(w http.ResponseWriter, r *http.Request, result *types.Result) {
	component := componentFrom(r.Context())
	pub, err := exchange.PublicKeyFromTransfer(component.PublicKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	f, err := s.results.Open(result)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	// Headers are gone at this point; a mid-stream failure can only
	// be logged, the truncated envelope fails the client's checksum.
	if _, err := exchange.EncryptStream(pub, w, f); err != nil {
		log.WithComponent("api").Error().Err(err).
			Str("result_id", result.ID).
			Msg("result stream aborted")
	}
}
