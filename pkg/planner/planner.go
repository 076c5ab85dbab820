package planner

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/IDSIA/Ferdelance/pkg/events"
	"github.com/IDSIA/Ferdelance/pkg/log"
	"github.com/IDSIA/Ferdelance/pkg/metrics"
	"github.com/IDSIA/Ferdelance/pkg/storage"
	"github.com/IDSIA/Ferdelance/pkg/types"
)

// Planner expands an accepted artifact into its iteration-0 job set:
// one PARTIAL job per component holding visible datasources plus one
// AGGREGATION job on a deterministically chosen aggregator.
type Planner struct {
	broker *events.Broker
}

// NewPlanner creates a planner. The broker may be nil.
func NewPlanner(broker *events.Broker) *Planner {
	return &Planner{broker: broker}
}

// EnsureDefaultProject creates the bootstrap project at node startup
// if no project carries the token yet, so a fresh coordinator can
// accept artifacts.
func EnsureDefaultProject(tx storage.Tx, token string, now time.Time) (*types.Project, error) {
	project, err := tx.GetProjectByToken(token)
	if err == nil {
		return project, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	project = &types.Project{
		ID:        uuid.New().String(),
		Name:      "default",
		Token:     token,
		CreatedAt: now,
	}
	if err := tx.CreateProject(project); err != nil {
		return nil, err
	}
	return project, nil
}

// partialSet groups the datasource hashes visible through a project by
// their owning component.
type partialSet struct {
	componentID string
	hashes      []string
}

// SubmitArtifact validates the artifact, assigns its id and writes the
// iteration-0 jobs. Everything happens in the caller's transaction.
func (p *Planner) SubmitArtifact(tx storage.Tx, artifact *types.Artifact, now time.Time) (*types.ArtifactStatusReply, error) {
	logger := log.WithComponent("planner")

	if err := validate(artifact); err != nil {
		return nil, err
	}

	partials, err := resolvePartials(tx, artifact.ProjectToken)
	if err != nil {
		return nil, err
	}
	if len(partials) == 0 {
		return nil, fmt.Errorf("%w: project resolves to zero datasources", types.ErrInvalidArtifact)
	}

	aggregator, err := SelectAggregator(tx)
	if err != nil {
		return nil, err
	}

	artifact.ID = uuid.New().String()
	artifact.Status = types.ArtifactScheduled
	artifact.Iteration = 0
	artifact.CreatedAt = now
	if err := tx.CreateArtifact(artifact); err != nil {
		return nil, err
	}

	for _, part := range partials {
		job := &types.Job{
			ID:          uuid.New().String(),
			ArtifactID:  artifact.ID,
			ComponentID: part.componentID,
			Iteration:   0,
			Kind:        types.JobPartial,
			Status:      types.JobScheduled,
			ContentIDs:  part.hashes,
			CreatedAt:   now,
		}
		if err := tx.CreateJob(job); err != nil {
			return nil, err
		}
		metrics.JobsCreated.WithLabelValues(string(types.JobPartial)).Inc()
	}

	// Aggregation starts dormant; completion of the last partial of
	// the iteration makes it schedulable.
	aggregation := &types.Job{
		ID:          uuid.New().String(),
		ArtifactID:  artifact.ID,
		ComponentID: aggregator.ID,
		Iteration:   0,
		Kind:        types.JobAggregation,
		Status:      types.JobCreated,
		ContentIDs:  []string{},
		CreatedAt:   now,
	}
	if err := tx.CreateJob(aggregation); err != nil {
		return nil, err
	}
	metrics.JobsCreated.WithLabelValues(string(types.JobAggregation)).Inc()
	metrics.ArtifactsSubmitted.Inc()

	logger.Info().
		Str("artifact_id", artifact.ID).
		Int("partials", len(partials)).
		Int("iterations", artifact.Plan.Iterations).
		Str("aggregator", aggregator.ID).
		Msg("artifact planned")

	if p.broker != nil {
		p.broker.Publish(&events.Event{
			Type:       events.EventArtifactSubmitted,
			ArtifactID: artifact.ID,
		})
	}

	return &types.ArtifactStatusReply{
		ArtifactID: artifact.ID,
		Status:     artifact.Status,
		Iteration:  0,
	}, nil
}

func validate(artifact *types.Artifact) error {
	if artifact.ProjectToken == "" {
		return fmt.Errorf("%w: missing project token", types.ErrInvalidArtifact)
	}
	if (artifact.Model == nil) == (artifact.Estimator == nil) {
		return fmt.Errorf("%w: exactly one of model, estimator must be set", types.ErrInvalidArtifact)
	}
	if artifact.Plan.Iterations < 1 {
		return fmt.Errorf("%w: iterations must be at least 1", types.ErrInvalidArtifact)
	}
	return nil
}

func resolvePartials(tx storage.Tx, projectToken string) ([]partialSet, error) {
	if _, err := tx.GetProjectByToken(projectToken); err != nil {
		return nil, fmt.Errorf("%w: unknown project", types.ErrInvalidArtifact)
	}

	datasources, err := tx.ListDataSourcesByToken(projectToken)
	if err != nil {
		return nil, err
	}

	byOwner := make(map[string][]string)
	for _, ds := range datasources {
		byOwner[ds.ComponentID] = append(byOwner[ds.ComponentID], ds.Hash)
	}

	partials := make([]partialSet, 0, len(byOwner))
	for componentID, hashes := range byOwner {
		sort.Strings(hashes)
		partials = append(partials, partialSet{componentID: componentID, hashes: hashes})
	}
	sort.Slice(partials, func(i, k int) bool {
		return partials[i].componentID < partials[k].componentID
	})
	return partials, nil
}

// SelectAggregator picks the aggregation component for an artifact:
// any active NODE or WORKER, lowest id wins. The deterministic
// tie-break keeps planning reproducible.
func SelectAggregator(tx storage.Tx) (*types.Component, error) {
	components, err := tx.ListComponents()
	if err != nil {
		return nil, err
	}

	var chosen *types.Component
	for _, c := range components {
		if c.Type != types.ComponentNode && c.Type != types.ComponentWorker {
			continue
		}
		if !c.Active || c.Left {
			continue
		}
		if chosen == nil || c.ID < chosen.ID {
			chosen = c
		}
	}
	if chosen == nil {
		return nil, fmt.Errorf("%w: no aggregation component available", types.ErrInvalidArtifact)
	}
	return chosen, nil
}
