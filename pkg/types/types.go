package types

import (
	"time"
)

// ComponentType identifies the kind of participant in the federation.
type ComponentType string

const (
	ComponentClient ComponentType = "CLIENT"
	ComponentNode   ComponentType = "NODE"
	ComponentWorker ComponentType = "WORKER"
	ComponentUser   ComponentType = "USER"
)

// Component is the identity of a participant. Components are never
// physically deleted: a component that leaves keeps its row with
// Left=true so past results stay attributable.
type Component struct {
	ID        string
	Type      ComponentType
	PublicKey string // transfer-encoded
	Version   string
	Address   string

	// Machine identity, set for CLIENT components only.
	MachineSystem string
	MachineMAC    string
	MachineNode   string

	Active    bool
	Left      bool
	Blacklist bool
	CreatedAt time.Time
}

// Token is a bearer credential bound to a component. A component may
// accumulate many tokens over its lifetime but at most one is valid.
type Token struct {
	Token       string
	ComponentID string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Valid       bool
}

// Expired reports whether the token is past its expiration.
func (t *Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Project is a named capability scope. A workbench submits artifacts
// against exactly one project, identified by its opaque token.
type Project struct {
	ID            string
	Name          string
	Token         string
	DataSourceIDs []string
	CreatedAt     time.Time
}

// DataSource describes a dataset owned by a single client component.
// The hash is content-derived and doubles as the identifier.
type DataSource struct {
	Hash        string
	Name        string
	ComponentID string
	NRows       int64
	NFeatures   int
	Features    []Feature
	Tokens      []string // project tokens this datasource is visible through
	Removed     bool
	CreatedAt   time.Time
}

// Feature carries the per-column summary used by the planner.
type Feature struct {
	Name    string
	DType   string
	VMin    float64
	VMax    float64
	VMean   float64
	VStd    float64
	Missing int64
}

// ArtifactStatus tracks the lifecycle of a submitted artifact.
type ArtifactStatus string

const (
	ArtifactScheduled ArtifactStatus = "SCHEDULED"
	ArtifactCompleted ArtifactStatus = "COMPLETED"
	ArtifactError     ArtifactStatus = "ERROR"
)

// Artifact is an immutable user submission: an extract/transform query
// plan, a model or estimator descriptor, and an execution plan.
// Exactly one of Model, Estimator is set.
type Artifact struct {
	ID           string
	ProjectToken string
	Label        string
	Transform    QueryPlan
	Model        *Descriptor
	Estimator    *Descriptor
	Plan         ExecutionPlan

	Status    ArtifactStatus
	Iteration int // current iteration, maintained by the scheduler
	CreatedAt time.Time
}

// IsModel reports whether the artifact trains a model.
func (a *Artifact) IsModel() bool { return a.Model != nil }

// IsEstimation reports whether the artifact runs an estimator.
func (a *Artifact) IsEstimation() bool { return a.Estimator != nil }

// QueryPlan is the extract/transform part of an artifact. Stages are
// opaque to the core; only the datasource selection matters here.
type QueryPlan struct {
	Stages []QueryStage
}

// QueryStage is one transformation step. The payload is an opaque
// descriptor interpreted by the executing component.
type QueryStage struct {
	Transformer string
	Params      []byte
}

// Descriptor names a model or estimator implementation by tag plus an
// opaque parameter blob. The core never inspects Params.
type Descriptor struct {
	Tag    string
	Params []byte
}

// ExecutionPlan declares how many aggregation rounds an artifact runs
// and which strategy combines the partial results.
type ExecutionPlan struct {
	Iterations int
	Strategy   string
	RandomSeed int64
}

// JobKind separates per-datasource work from cross-component
// aggregation.
type JobKind string

const (
	JobPartial     JobKind = "PARTIAL"
	JobAggregation JobKind = "AGGREGATION"
)

// JobStatus is the scheduler state of a job.
type JobStatus string

const (
	JobCreated   JobStatus = "CREATED"
	JobScheduled JobStatus = "SCHEDULED"
	JobRunning   JobStatus = "RUNNING"
	JobDone      JobStatus = "DONE"
	JobError     JobStatus = "ERROR"
)

// Terminal reports whether the status is absorbing.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobError
}

// Job is one scheduled unit of work. ContentIDs holds datasource
// hashes for PARTIAL jobs and result ids for AGGREGATION jobs.
type Job struct {
	ID          string
	ArtifactID  string
	ComponentID string
	Iteration   int
	Kind        JobKind
	Status      JobStatus
	ContentIDs  []string
	CreatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Result points to an opaque blob on disk plus its provenance.
type Result struct {
	ID         string
	JobID      string
	ArtifactID string
	ProducerID string
	Iteration  int

	IsModel       bool
	IsEstimation  bool
	IsAggregation bool
	IsError       bool

	Path      string
	CreatedAt time.Time
}
