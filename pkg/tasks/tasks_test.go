package tasks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IDSIA/Ferdelance/pkg/types"
)

func concatParams(kind types.JobKind) *types.TaskParameters {
	return &types.TaskParameters{
		JobID:   "j-1",
		JobKind: kind,
		Artifact: types.Artifact{
			ID:    "a-1",
			Model: &types.Descriptor{Tag: ConcatTag},
		},
	}
}

// TestRegistryLookup tests registration and tag resolution
func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	r.Register("custom/avg", &ConcatCapability{})

	c, err := r.Get("custom/avg")
	require.NoError(t, err)
	assert.NotNil(t, c)

	_, err = r.Get("unknown")
	assert.ErrorIs(t, err, types.ErrNotFound)

	assert.Contains(t, r.Tags(), "custom/avg")
}

// TestExecutorPartial tests a partial run through the built-in
// capability
func TestExecutorPartial(t *testing.T) {
	e := NewLocalExecutor(DefaultRegistry())

	out, err := e.Execute(context.Background(), concatParams(types.JobPartial),
		[][]byte{[]byte("alpha"), []byte("beta")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "alpha\nbeta", string(out))
}

// TestExecutorPartialWithPrior tests that a prior aggregate is
// prepended
func TestExecutorPartialWithPrior(t *testing.T) {
	e := NewLocalExecutor(DefaultRegistry())

	out, err := e.Execute(context.Background(), concatParams(types.JobPartial),
		[][]byte{[]byte("beta")}, []byte("alpha"))
	require.NoError(t, err)
	assert.Equal(t, "alpha\nbeta", string(out))
}

// TestExecutorAggregation tests the merge path
func TestExecutorAggregation(t *testing.T) {
	e := NewLocalExecutor(DefaultRegistry())

	out, err := e.Execute(context.Background(), concatParams(types.JobAggregation),
		[][]byte{[]byte("p1"), []byte("p2"), []byte("p3")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "p1\np2\np3", string(out))
}

// TestExecutorAggregationEmpty tests that zero partials is an error
func TestExecutorAggregationEmpty(t *testing.T) {
	e := NewLocalExecutor(DefaultRegistry())

	_, err := e.Execute(context.Background(), concatParams(types.JobAggregation), nil, nil)
	assert.Error(t, err)
}

// TestExecutorUnknownTag tests dispatch on a capability that is not
// registered
func TestExecutorUnknownTag(t *testing.T) {
	e := NewLocalExecutor(NewRegistry())

	_, err := e.Execute(context.Background(), concatParams(types.JobPartial),
		[][]byte{[]byte("x")}, nil)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

// TestExecutorEstimatorTag tests tag resolution through the estimator
// descriptor
func TestExecutorEstimatorTag(t *testing.T) {
	e := NewLocalExecutor(DefaultRegistry())

	params := &types.TaskParameters{
		JobID:   "j-1",
		JobKind: types.JobPartial,
		Artifact: types.Artifact{
			ID:        "a-1",
			Estimator: &types.Descriptor{Tag: ConcatTag},
		},
	}
	out, err := e.Execute(context.Background(), params, [][]byte{[]byte("x")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "x", string(out))
}
