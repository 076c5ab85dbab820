package storage

import (
	"time"

	"github.com/IDSIA/Ferdelance/pkg/types"
)

// Tx exposes every repository inside one storage transaction. Reads
// observe earlier writes of the same transaction; mutations commit or
// roll back together.
type Tx interface {
	// Components
	CreateComponent(c *types.Component) error
	GetComponent(id string) (*types.Component, error)
	GetComponentByKey(publicKey string) (*types.Component, error)
	ListComponents() ([]*types.Component, error)
	UpdateComponent(c *types.Component) error

	// Tokens
	CreateToken(t *types.Token) error
	GetToken(token string) (*types.Token, error)
	ListTokensByComponent(componentID string) ([]*types.Token, error)
	InvalidateTokens(componentID string) error

	// Projects
	CreateProject(p *types.Project) error
	GetProjectByToken(token string) (*types.Project, error)
	UpdateProject(p *types.Project) error

	// DataSources
	UpsertDataSource(ds *types.DataSource) error
	GetDataSource(hash string) (*types.DataSource, error)
	ListDataSourcesByToken(projectToken string) ([]*types.DataSource, error)

	// Artifacts
	CreateArtifact(a *types.Artifact) error
	GetArtifact(id string) (*types.Artifact, error)
	UpdateArtifact(a *types.Artifact) error

	// Jobs
	CreateJob(j *types.Job) error
	GetJob(id string) (*types.Job, error)
	UpdateJob(j *types.Job) error
	ListJobsByArtifact(artifactID string, iteration int) ([]*types.Job, error)
	ListJobsByComponent(componentID string, status types.JobStatus) ([]*types.Job, error)
	ListJobsByStatus(status types.JobStatus) ([]*types.Job, error)
	// CompareAndSwapJobStatus transitions a job only when its stored
	// status equals from; otherwise it fails with ErrConflict.
	CompareAndSwapJobStatus(id string, from, to types.JobStatus, at time.Time) (*types.Job, error)

	// Results
	CreateResult(r *types.Result) error
	GetResult(id string) (*types.Result, error)
	GetPartialResult(artifactID, producerID string, iteration int) (*types.Result, error)
	GetAggregatedResult(artifactID string, iteration int) (*types.Result, error)
	ListResultsByArtifact(artifactID string, iteration int) ([]*types.Result, error)

	// Key/value settings
	PutSetting(key, value string) error
	GetSetting(key string) (string, error)
}

// Store is the persistence boundary of the node. Every incoming
// request runs inside exactly one Update or View.
type Store interface {
	Update(fn func(Tx) error) error
	View(fn func(Tx) error) error
	Close() error
}
