package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/IDSIA/Ferdelance/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketComponents  = []byte("components")
	bucketTokens      = []byte("tokens")
	bucketProjects    = []byte("projects")
	bucketDataSources = []byte("datasources")
	bucketArtifacts   = []byte("artifacts")
	bucketJobs        = []byte("jobs")
	bucketResults     = []byte("results")
	bucketSettings    = []byte("settings")
)

// BoltStore implements Store using BoltDB. BoltDB serializes writers,
// so an Update transaction gives the read-your-writes and atomic CAS
// guarantees the scheduler relies on.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the node database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "ferdelance.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketComponents,
			bucketTokens,
			bucketProjects,
			bucketDataSources,
			bucketArtifacts,
			bucketJobs,
			bucketResults,
			bucketSettings,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Update runs fn inside a read-write transaction.
func (s *BoltStore) Update(fn func(Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// View runs fn inside a read-only transaction.
func (s *BoltStore) View(fn func(Tx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

type boltTx struct {
	tx *bolt.Tx
}

func put(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func get(b *bolt.Bucket, key string, v any) error {
	data := b.Get([]byte(key))
	if data == nil {
		return types.ErrNotFound
	}
	return json.Unmarshal(data, v)
}

// Component operations

func (t *boltTx) CreateComponent(c *types.Component) error {
	b := t.tx.Bucket(bucketComponents)

	if b.Get([]byte(c.ID)) != nil {
		return fmt.Errorf("%w: component %s already exists", types.ErrConflict, c.ID)
	}

	// Uniqueness: public key across all components, machine identity
	// across clients.
	err := b.ForEach(func(k, v []byte) error {
		var existing types.Component
		if err := json.Unmarshal(v, &existing); err != nil {
			return err
		}
		if existing.PublicKey == c.PublicKey {
			return fmt.Errorf("%w: public key already registered to %s", types.ErrConflict, existing.ID)
		}
		if c.Type == types.ComponentClient && existing.Type == types.ComponentClient &&
			existing.MachineMAC == c.MachineMAC && existing.MachineNode == c.MachineNode && !existing.Left {
			return fmt.Errorf("%w: machine already registered as %s", types.ErrConflict, existing.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return put(b, c.ID, c)
}

func (t *boltTx) GetComponent(id string) (*types.Component, error) {
	var c types.Component
	if err := get(t.tx.Bucket(bucketComponents), id, &c); err != nil {
		return nil, fmt.Errorf("component %s: %w", id, err)
	}
	return &c, nil
}

func (t *boltTx) GetComponentByKey(publicKey string) (*types.Component, error) {
	var found *types.Component
	err := t.tx.Bucket(bucketComponents).ForEach(func(k, v []byte) error {
		var c types.Component
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}
		if c.PublicKey == publicKey {
			found = &c
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, types.ErrNotFound
	}
	return found, nil
}

func (t *boltTx) ListComponents() ([]*types.Component, error) {
	var components []*types.Component
	err := t.tx.Bucket(bucketComponents).ForEach(func(k, v []byte) error {
		var c types.Component
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}
		components = append(components, &c)
		return nil
	})
	return components, err
}

func (t *boltTx) UpdateComponent(c *types.Component) error {
	b := t.tx.Bucket(bucketComponents)
	if b.Get([]byte(c.ID)) == nil {
		return fmt.Errorf("component %s: %w", c.ID, types.ErrNotFound)
	}
	return put(b, c.ID, c)
}

// Token operations

func (t *boltTx) CreateToken(tok *types.Token) error {
	b := t.tx.Bucket(bucketTokens)
	if b.Get([]byte(tok.Token)) != nil {
		return fmt.Errorf("%w: token already exists", types.ErrConflict)
	}
	return put(b, tok.Token, tok)
}

func (t *boltTx) GetToken(token string) (*types.Token, error) {
	var tok types.Token
	if err := get(t.tx.Bucket(bucketTokens), token, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

func (t *boltTx) ListTokensByComponent(componentID string) ([]*types.Token, error) {
	var tokens []*types.Token
	err := t.tx.Bucket(bucketTokens).ForEach(func(k, v []byte) error {
		var tok types.Token
		if err := json.Unmarshal(v, &tok); err != nil {
			return err
		}
		if tok.ComponentID == componentID {
			tokens = append(tokens, &tok)
		}
		return nil
	})
	return tokens, err
}

func (t *boltTx) InvalidateTokens(componentID string) error {
	b := t.tx.Bucket(bucketTokens)

	// Collect first: bbolt forbids Put during ForEach.
	tokens, err := t.ListTokensByComponent(componentID)
	if err != nil {
		return err
	}
	for _, tok := range tokens {
		if !tok.Valid {
			continue
		}
		tok.Valid = false
		if err := put(b, tok.Token, tok); err != nil {
			return err
		}
	}
	return nil
}

// Project operations

func (t *boltTx) CreateProject(p *types.Project) error {
	b := t.tx.Bucket(bucketProjects)
	if b.Get([]byte(p.ID)) != nil {
		return fmt.Errorf("%w: project %s already exists", types.ErrConflict, p.ID)
	}
	existing, err := t.GetProjectByToken(p.Token)
	if err == nil && existing != nil {
		return fmt.Errorf("%w: project token already in use", types.ErrConflict)
	}
	return put(b, p.ID, p)
}

func (t *boltTx) GetProjectByToken(token string) (*types.Project, error) {
	var found *types.Project
	err := t.tx.Bucket(bucketProjects).ForEach(func(k, v []byte) error {
		var p types.Project
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		if p.Token == token {
			found = &p
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("project: %w", types.ErrNotFound)
	}
	return found, nil
}

func (t *boltTx) UpdateProject(p *types.Project) error {
	b := t.tx.Bucket(bucketProjects)
	if b.Get([]byte(p.ID)) == nil {
		return fmt.Errorf("project %s: %w", p.ID, types.ErrNotFound)
	}
	return put(b, p.ID, p)
}

// DataSource operations

func (t *boltTx) UpsertDataSource(ds *types.DataSource) error {
	return put(t.tx.Bucket(bucketDataSources), ds.Hash, ds)
}

func (t *boltTx) GetDataSource(hash string) (*types.DataSource, error) {
	var ds types.DataSource
	if err := get(t.tx.Bucket(bucketDataSources), hash, &ds); err != nil {
		return nil, fmt.Errorf("datasource %s: %w", hash, err)
	}
	return &ds, nil
}

func (t *boltTx) ListDataSourcesByToken(projectToken string) ([]*types.DataSource, error) {
	var datasources []*types.DataSource
	err := t.tx.Bucket(bucketDataSources).ForEach(func(k, v []byte) error {
		var ds types.DataSource
		if err := json.Unmarshal(v, &ds); err != nil {
			return err
		}
		if ds.Removed {
			return nil
		}
		for _, tok := range ds.Tokens {
			if tok == projectToken {
				datasources = append(datasources, &ds)
				break
			}
		}
		return nil
	})
	return datasources, err
}

// Artifact operations

func (t *boltTx) CreateArtifact(a *types.Artifact) error {
	b := t.tx.Bucket(bucketArtifacts)
	if b.Get([]byte(a.ID)) != nil {
		return fmt.Errorf("%w: artifact %s already exists", types.ErrConflict, a.ID)
	}
	return put(b, a.ID, a)
}

func (t *boltTx) GetArtifact(id string) (*types.Artifact, error) {
	var a types.Artifact
	if err := get(t.tx.Bucket(bucketArtifacts), id, &a); err != nil {
		return nil, fmt.Errorf("artifact %s: %w", id, err)
	}
	return &a, nil
}

func (t *boltTx) UpdateArtifact(a *types.Artifact) error {
	b := t.tx.Bucket(bucketArtifacts)
	if b.Get([]byte(a.ID)) == nil {
		return fmt.Errorf("artifact %s: %w", a.ID, types.ErrNotFound)
	}
	return put(b, a.ID, a)
}

// Job operations

func (t *boltTx) CreateJob(j *types.Job) error {
	b := t.tx.Bucket(bucketJobs)
	if b.Get([]byte(j.ID)) != nil {
		return fmt.Errorf("%w: job %s already exists", types.ErrConflict, j.ID)
	}
	return put(b, j.ID, j)
}

func (t *boltTx) GetJob(id string) (*types.Job, error) {
	var j types.Job
	if err := get(t.tx.Bucket(bucketJobs), id, &j); err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	return &j, nil
}

func (t *boltTx) UpdateJob(j *types.Job) error {
	b := t.tx.Bucket(bucketJobs)
	if b.Get([]byte(j.ID)) == nil {
		return fmt.Errorf("job %s: %w", j.ID, types.ErrNotFound)
	}
	return put(b, j.ID, j)
}

func (t *boltTx) listJobs(match func(*types.Job) bool) ([]*types.Job, error) {
	var jobs []*types.Job
	err := t.tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
		var j types.Job
		if err := json.Unmarshal(v, &j); err != nil {
			return err
		}
		if match(&j) {
			jobs = append(jobs, &j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Oldest first; id as deterministic tie-break.
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID < jobs[k].ID
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
	return jobs, nil
}

func (t *boltTx) ListJobsByArtifact(artifactID string, iteration int) ([]*types.Job, error) {
	return t.listJobs(func(j *types.Job) bool {
		return j.ArtifactID == artifactID && (iteration < 0 || j.Iteration == iteration)
	})
}

func (t *boltTx) ListJobsByComponent(componentID string, status types.JobStatus) ([]*types.Job, error) {
	return t.listJobs(func(j *types.Job) bool {
		return j.ComponentID == componentID && (status == "" || j.Status == status)
	})
}

func (t *boltTx) ListJobsByStatus(status types.JobStatus) ([]*types.Job, error) {
	return t.listJobs(func(j *types.Job) bool {
		return j.Status == status
	})
}

func (t *boltTx) CompareAndSwapJobStatus(id string, from, to types.JobStatus, at time.Time) (*types.Job, error) {
	j, err := t.GetJob(id)
	if err != nil {
		return nil, err
	}
	if j.Status != from {
		return nil, fmt.Errorf("%w: job %s is %s, expected %s", types.ErrConflict, id, j.Status, from)
	}
	j.Status = to
	switch to {
	case types.JobRunning:
		j.StartedAt = at
	case types.JobDone, types.JobError:
		j.FinishedAt = at
	}
	if err := put(t.tx.Bucket(bucketJobs), j.ID, j); err != nil {
		return nil, err
	}
	return j, nil
}

// Result operations

func (t *boltTx) CreateResult(r *types.Result) error {
	b := t.tx.Bucket(bucketResults)
	if b.Get([]byte(r.ID)) != nil {
		return fmt.Errorf("%w: result %s already exists", types.ErrConflict, r.ID)
	}

	// Invariants: one aggregation per (artifact, iteration), one
	// non-aggregation per (artifact, producer, iteration). Error rows
	// are exempt so late uploads can still be recorded.
	if !r.IsError {
		err := b.ForEach(func(k, v []byte) error {
			var existing types.Result
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.IsError || existing.ArtifactID != r.ArtifactID || existing.Iteration != r.Iteration {
				return nil
			}
			if r.IsAggregation && existing.IsAggregation {
				return fmt.Errorf("%w: aggregated result for artifact %s iteration %d already exists",
					types.ErrConflict, r.ArtifactID, r.Iteration)
			}
			if !r.IsAggregation && !existing.IsAggregation && existing.ProducerID == r.ProducerID {
				return fmt.Errorf("%w: partial result for artifact %s producer %s iteration %d already exists",
					types.ErrConflict, r.ArtifactID, r.ProducerID, r.Iteration)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return put(b, r.ID, r)
}

func (t *boltTx) GetResult(id string) (*types.Result, error) {
	var r types.Result
	if err := get(t.tx.Bucket(bucketResults), id, &r); err != nil {
		return nil, fmt.Errorf("result %s: %w", id, err)
	}
	return &r, nil
}

func (t *boltTx) listResults(match func(*types.Result) bool) ([]*types.Result, error) {
	var results []*types.Result
	err := t.tx.Bucket(bucketResults).ForEach(func(k, v []byte) error {
		var r types.Result
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		if match(&r) {
			results = append(results, &r)
		}
		return nil
	})
	return results, err
}

func (t *boltTx) GetPartialResult(artifactID, producerID string, iteration int) (*types.Result, error) {
	results, err := t.listResults(func(r *types.Result) bool {
		return r.ArtifactID == artifactID && r.ProducerID == producerID &&
			r.Iteration == iteration && !r.IsAggregation && !r.IsError
	})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("partial result: %w", types.ErrNotFound)
	}
	return results[0], nil
}

func (t *boltTx) GetAggregatedResult(artifactID string, iteration int) (*types.Result, error) {
	results, err := t.listResults(func(r *types.Result) bool {
		return r.ArtifactID == artifactID && r.Iteration == iteration && r.IsAggregation && !r.IsError
	})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("aggregated result: %w", types.ErrNotFound)
	}
	return results[0], nil
}

func (t *boltTx) ListResultsByArtifact(artifactID string, iteration int) ([]*types.Result, error) {
	return t.listResults(func(r *types.Result) bool {
		return r.ArtifactID == artifactID && (iteration < 0 || r.Iteration == iteration)
	})
}

// Settings operations

func (t *boltTx) PutSetting(key, value string) error {
	return t.tx.Bucket(bucketSettings).Put([]byte(key), []byte(value))
}

func (t *boltTx) GetSetting(key string) (string, error) {
	data := t.tx.Bucket(bucketSettings).Get([]byte(key))
	if data == nil {
		return "", fmt.Errorf("setting %s: %w", key, types.ErrNotFound)
	}
	return string(data), nil
}
