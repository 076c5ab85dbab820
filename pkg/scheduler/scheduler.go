package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/IDSIA/Ferdelance/pkg/config"
	"github.com/IDSIA/Ferdelance/pkg/events"
	"github.com/IDSIA/Ferdelance/pkg/log"
	"github.com/IDSIA/Ferdelance/pkg/metrics"
	"github.com/IDSIA/Ferdelance/pkg/storage"
	"github.com/IDSIA/Ferdelance/pkg/types"
)

// Scheduler drives jobs through their lifecycle. Dispatch and
// completion run inside the caller's transaction; the reclaim loop
// owns its own transactions.
type Scheduler struct {
	store  storage.Store
	cfg    *config.Config
	broker *events.Broker

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a scheduler. The broker may be nil.
func New(store storage.Store, cfg *config.Config, broker *events.Broker) *Scheduler {
	return &Scheduler{
		store:  store,
		cfg:    cfg,
		broker: broker,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// NextJob hands out the oldest SCHEDULED job assigned to the component
// and marks it RUNNING. ErrNotFound means nothing is available.
func (s *Scheduler) NextJob(tx storage.Tx, componentID string, now time.Time) (*types.Job, error) {
	candidates, err := tx.ListJobsByComponent(componentID, types.JobScheduled)
	if err != nil {
		return nil, err
	}

	for _, candidate := range candidates {
		job, err := tx.CompareAndSwapJobStatus(candidate.ID, types.JobScheduled, types.JobRunning, now)
		if errors.Is(err, types.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		metrics.JobsRunning.Inc()
		s.publish(&events.Event{
			Type:        events.EventJobStarted,
			ComponentID: componentID,
			ArtifactID:  job.ArtifactID,
			JobID:       job.ID,
		})
		return job, nil
	}
	return nil, fmt.Errorf("no job for component %s: %w", componentID, types.ErrNotFound)
}

// CompleteJob settles a job whose result row has already been written.
// A job that is no longer RUNNING has been reclaimed or settled by
// someone else; the late result stays on record but moves nothing.
func (s *Scheduler) CompleteJob(tx storage.Tx, jobID string, result *types.Result, now time.Time) error {
	job, err := tx.CompareAndSwapJobStatus(jobID, types.JobRunning, types.JobDone, now)
	if errors.Is(err, types.ErrConflict) {
		log.WithJobID(jobID).Warn().Msg("late result accepted, job already settled")
		return nil
	}
	if err != nil {
		return err
	}

	metrics.JobsRunning.Dec()
	metrics.JobsFinished.WithLabelValues(string(job.Kind), string(types.JobDone)).Inc()
	s.publish(&events.Event{
		Type:        events.EventJobCompleted,
		ComponentID: job.ComponentID,
		ArtifactID:  job.ArtifactID,
		JobID:       job.ID,
	})

	switch job.Kind {
	case types.JobPartial:
		return s.onPartialDone(tx, job, result, now)
	case types.JobAggregation:
		return s.onAggregationDone(tx, job, now)
	default:
		return fmt.Errorf("job %s has unknown kind %q", job.ID, job.Kind)
	}
}

// onPartialDone feeds the result to the iteration's aggregation job
// and schedules it once every partial of the iteration is DONE.
func (s *Scheduler) onPartialDone(tx storage.Tx, job *types.Job, result *types.Result, now time.Time) error {
	siblings, err := tx.ListJobsByArtifact(job.ArtifactID, job.Iteration)
	if err != nil {
		return err
	}

	var aggregation *types.Job
	allDone := true
	for _, sibling := range siblings {
		switch sibling.Kind {
		case types.JobAggregation:
			aggregation = sibling
		case types.JobPartial:
			if sibling.Status != types.JobDone {
				allDone = false
			}
		}
	}
	if aggregation == nil {
		return fmt.Errorf("artifact %s iteration %d has no aggregation job", job.ArtifactID, job.Iteration)
	}
	if aggregation.Status.Terminal() {
		return nil
	}

	aggregation.ContentIDs = append(aggregation.ContentIDs, result.ID)
	if err := tx.UpdateJob(aggregation); err != nil {
		return err
	}

	if !allDone {
		return nil
	}
	if _, err := tx.CompareAndSwapJobStatus(aggregation.ID, types.JobCreated, types.JobScheduled, now); err != nil {
		return err
	}
	s.publish(&events.Event{
		Type:        events.EventJobScheduled,
		ComponentID: aggregation.ComponentID,
		ArtifactID:  aggregation.ArtifactID,
		JobID:       aggregation.ID,
	})
	return nil
}

// onAggregationDone either rolls the artifact over to the next
// iteration or completes it.
func (s *Scheduler) onAggregationDone(tx storage.Tx, job *types.Job, now time.Time) error {
	artifact, err := tx.GetArtifact(job.ArtifactID)
	if err != nil {
		return err
	}

	s.publish(&events.Event{
		Type:       events.EventIterationCompleted,
		ArtifactID: artifact.ID,
		Message:    fmt.Sprintf("iteration %d", job.Iteration),
	})

	next := job.Iteration + 1
	if next >= artifact.Plan.Iterations {
		artifact.Status = types.ArtifactCompleted
		if err := tx.UpdateArtifact(artifact); err != nil {
			return err
		}
		metrics.ArtifactsFinished.WithLabelValues(string(types.ArtifactCompleted)).Inc()
		s.publish(&events.Event{Type: events.EventArtifactCompleted, ArtifactID: artifact.ID})
		log.WithArtifactID(artifact.ID).Info().Int("iterations", artifact.Plan.Iterations).Msg("artifact completed")
		return nil
	}

	if err := s.planNextIteration(tx, artifact, job, next, now); err != nil {
		return err
	}
	artifact.Iteration = next
	return tx.UpdateArtifact(artifact)
}

// planNextIteration clones the finished iteration's partial jobs. The
// partial set is stable across iterations; only the aggregated input
// each partial consumes changes, and that travels by result id.
func (s *Scheduler) planNextIteration(tx storage.Tx, artifact *types.Artifact, aggregation *types.Job, next int, now time.Time) error {
	previous, err := tx.ListJobsByArtifact(artifact.ID, aggregation.Iteration)
	if err != nil {
		return err
	}

	for _, prev := range previous {
		if prev.Kind != types.JobPartial {
			continue
		}
		clone := &types.Job{
			ID:          uuid.New().String(),
			ArtifactID:  artifact.ID,
			ComponentID: prev.ComponentID,
			Iteration:   next,
			Kind:        types.JobPartial,
			Status:      types.JobScheduled,
			ContentIDs:  append([]string(nil), prev.ContentIDs...),
			CreatedAt:   now,
		}
		if err := tx.CreateJob(clone); err != nil {
			return err
		}
		metrics.JobsCreated.WithLabelValues(string(types.JobPartial)).Inc()
	}

	nextAggregation := &types.Job{
		ID:          uuid.New().String(),
		ArtifactID:  artifact.ID,
		ComponentID: aggregation.ComponentID,
		Iteration:   next,
		Kind:        types.JobAggregation,
		Status:      types.JobCreated,
		ContentIDs:  []string{},
		CreatedAt:   now,
	}
	if err := tx.CreateJob(nextAggregation); err != nil {
		return err
	}
	metrics.JobsCreated.WithLabelValues(string(types.JobAggregation)).Inc()
	return nil
}

// FailJob settles a failed job and aborts the artifact: pending
// sibling jobs are cancelled and the artifact goes to ERROR. Jobs
// already RUNNING elsewhere are left alone; their uploads land as
// late results.
func (s *Scheduler) FailJob(tx storage.Tx, jobID string, now time.Time) error {
	job, err := tx.CompareAndSwapJobStatus(jobID, types.JobRunning, types.JobError, now)
	if errors.Is(err, types.ErrConflict) {
		log.WithJobID(jobID).Warn().Msg("late error accepted, job already settled")
		return nil
	}
	if err != nil {
		return err
	}

	metrics.JobsRunning.Dec()
	metrics.JobsFinished.WithLabelValues(string(job.Kind), string(types.JobError)).Inc()
	s.publish(&events.Event{
		Type:        events.EventJobFailed,
		ComponentID: job.ComponentID,
		ArtifactID:  job.ArtifactID,
		JobID:       job.ID,
	})

	siblings, err := tx.ListJobsByArtifact(job.ArtifactID, job.Iteration)
	if err != nil {
		return err
	}
	for _, sibling := range siblings {
		if sibling.ID == job.ID {
			continue
		}
		if sibling.Status != types.JobCreated && sibling.Status != types.JobScheduled {
			continue
		}
		if _, err := tx.CompareAndSwapJobStatus(sibling.ID, sibling.Status, types.JobError, now); err != nil {
			return err
		}
		metrics.JobsFinished.WithLabelValues(string(sibling.Kind), string(types.JobError)).Inc()
	}

	artifact, err := tx.GetArtifact(job.ArtifactID)
	if err != nil {
		return err
	}
	artifact.Status = types.ArtifactError
	if err := tx.UpdateArtifact(artifact); err != nil {
		return err
	}
	metrics.ArtifactsFinished.WithLabelValues(string(types.ArtifactError)).Inc()
	s.publish(&events.Event{Type: events.EventArtifactFailed, ArtifactID: artifact.ID})
	log.WithArtifactID(artifact.ID).Warn().Str("job_id", job.ID).Msg("artifact failed")
	return nil
}

// Start launches the reclaim loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop terminates the reclaim loop and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.Node.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.ReclaimExpired(time.Now().UTC()); err != nil {
				log.WithComponent("scheduler").Error().Err(err).Msg("reclaim pass failed")
			}
		}
	}
}

// ReclaimExpired returns RUNNING jobs whose lease ran out to the
// SCHEDULED pool so another dispatch can pick them up.
func (s *Scheduler) ReclaimExpired(now time.Time) error {
	lease := s.cfg.JobLease()

	return s.store.Update(func(tx storage.Tx) error {
		running, err := tx.ListJobsByStatus(types.JobRunning)
		if err != nil {
			return err
		}

		for _, job := range running {
			if now.Sub(job.StartedAt) < lease {
				continue
			}
			if _, err := tx.CompareAndSwapJobStatus(job.ID, types.JobRunning, types.JobScheduled, now); err != nil {
				if errors.Is(err, types.ErrConflict) {
					continue
				}
				return err
			}
			metrics.JobsRunning.Dec()
			metrics.JobsReclaimed.Inc()
			s.publish(&events.Event{
				Type:        events.EventJobReclaimed,
				ComponentID: job.ComponentID,
				ArtifactID:  job.ArtifactID,
				JobID:       job.ID,
			})
			log.WithJobID(job.ID).Warn().
				Str("component_id", job.ComponentID).
				Dur("lease", lease).
				Msg("job lease expired, rescheduling")
		}
		return nil
	})
}

func (s *Scheduler) publish(event *events.Event) {
	if s.broker != nil {
		s.broker.Publish(event)
	}
}
