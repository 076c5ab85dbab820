package tasks

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/IDSIA/Ferdelance/pkg/types"
)

// Capability implements one model or estimator family. The core never
// interprets the blobs; a capability is the only code that does.
type Capability interface {
	// Run executes the per-datasource step. data holds the raw local
	// datasource material; prior is the aggregated blob of the
	// previous iteration, nil on iteration 0.
	Run(ctx context.Context, params *types.TaskParameters, data [][]byte, prior []byte) ([]byte, error)

	// Aggregate merges the partial blobs of one iteration.
	Aggregate(ctx context.Context, params *types.TaskParameters, partials [][]byte) ([]byte, error)
}

// Registry maps descriptor tags to capabilities. Registration happens
// at startup; lookups are concurrent.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{capabilities: make(map[string]Capability)}
}

// Register binds a capability to a descriptor tag, replacing any
// previous binding.
func (r *Registry) Register(tag string, c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[tag] = c
}

// Get resolves a descriptor tag.
func (r *Registry) Get(tag string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capabilities[tag]
	if !ok {
		return nil, fmt.Errorf("capability %q: %w", tag, types.ErrNotFound)
	}
	return c, nil
}

// Tags lists the registered descriptor tags.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.capabilities))
	for tag := range r.capabilities {
		tags = append(tags, tag)
	}
	return tags
}

// Executor turns task parameters plus input blobs into a result blob.
type Executor interface {
	Execute(ctx context.Context, params *types.TaskParameters, inputs [][]byte, prior []byte) ([]byte, error)
}

// LocalExecutor runs tasks in-process through a capability registry.
type LocalExecutor struct {
	registry *Registry
}

// NewLocalExecutor creates an executor backed by the registry.
func NewLocalExecutor(registry *Registry) *LocalExecutor {
	return &LocalExecutor{registry: registry}
}

// Execute dispatches on the job kind carried by the parameters:
// partial jobs run the capability over local data, aggregation jobs
// merge partial blobs.
func (e *LocalExecutor) Execute(ctx context.Context, params *types.TaskParameters, inputs [][]byte, prior []byte) ([]byte, error) {
	tag, err := descriptorTag(&params.Artifact)
	if err != nil {
		return nil, err
	}
	capability, err := e.registry.Get(tag)
	if err != nil {
		return nil, err
	}

	switch params.JobKind {
	case types.JobPartial:
		return capability.Run(ctx, params, inputs, prior)
	case types.JobAggregation:
		return capability.Aggregate(ctx, params, inputs)
	default:
		return nil, fmt.Errorf("task %s has unknown kind %q", params.JobID, params.JobKind)
	}
}

func descriptorTag(artifact *types.Artifact) (string, error) {
	switch {
	case artifact.IsModel():
		return artifact.Model.Tag, nil
	case artifact.IsEstimation():
		return artifact.Estimator.Tag, nil
	default:
		return "", fmt.Errorf("artifact %s: %w", artifact.ID, types.ErrInvalidArtifact)
	}
}

// ConcatCapability is the trivial built-in: partial runs emit their
// inputs unchanged and aggregation joins partials with a separator.
// It exists so a federation can be exercised end to end before any
// real capability is registered.
type ConcatCapability struct {
	Separator []byte
}

// Tag is the descriptor tag the built-in registers under.
const ConcatTag = "builtin/concat"

func (c *ConcatCapability) Run(_ context.Context, _ *types.TaskParameters, data [][]byte, prior []byte) ([]byte, error) {
	var out bytes.Buffer
	if len(prior) > 0 {
		out.Write(prior)
		out.Write(c.Separator)
	}
	for i, d := range data {
		if i > 0 {
			out.Write(c.Separator)
		}
		out.Write(d)
	}
	return out.Bytes(), nil
}

func (c *ConcatCapability) Aggregate(_ context.Context, _ *types.TaskParameters, partials [][]byte) ([]byte, error) {
	if len(partials) == 0 {
		return nil, fmt.Errorf("aggregation over zero partials")
	}
	return bytes.Join(partials, c.Separator), nil
}

// DefaultRegistry returns a registry with the built-in capability
// already bound.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(ConcatTag, &ConcatCapability{Separator: []byte("\n")})
	return r
}
