package client

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IDSIA/Ferdelance/pkg/api"
	"github.com/IDSIA/Ferdelance/pkg/config"
	"github.com/IDSIA/Ferdelance/pkg/exchange"
	"github.com/IDSIA/Ferdelance/pkg/log"
	"github.com/IDSIA/Ferdelance/pkg/planner"
	"github.com/IDSIA/Ferdelance/pkg/results"
	"github.com/IDSIA/Ferdelance/pkg/scheduler"
	"github.com/IDSIA/Ferdelance/pkg/session"
	"github.com/IDSIA/Ferdelance/pkg/storage"
	"github.com/IDSIA/Ferdelance/pkg/tasks"
	"github.com/IDSIA/Ferdelance/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

// TestScanDataSources tests hashing of file and dir datasources
func TestScanDataSources(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.csv"), []byte("1,2,3"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two.csv"), []byte("4,5,6"), 0644))

	single := filepath.Join(t.TempDir(), "solo.csv")
	require.NoError(t, os.WriteFile(single, []byte("7,8,9"), 0644))

	cfg := config.Default()
	cfg.Workdir = t.TempDir()
	cfg.DataSources = []config.DataSourceConfig{
		{Name: "solo", Kind: "file", Path: single, Tokens: []string{"p-1"}},
		{Name: "batch", Kind: "dir", Path: dir, Tokens: []string{"p-1"}},
	}

	c, err := New(cfg, tasks.NewLocalExecutor(tasks.DefaultRegistry()))
	require.NoError(t, err)

	require.Len(t, c.datasources, 3)
	seen := map[string]bool{}
	for _, ds := range c.datasources {
		assert.Len(t, ds.hash, 64)
		assert.False(t, seen[ds.hash], "duplicate hash")
		seen[ds.hash] = true
	}
}

// TestIdentityPersistence tests the save/load cycle
func TestIdentityPersistence(t *testing.T) {
	cfg := config.Default()
	cfg.Workdir = t.TempDir()

	c, err := New(cfg, nil)
	require.NoError(t, err)

	c.id = identity{ComponentID: "c-1", Token: "tok", ServerKey: "sk"}
	require.NoError(t, c.saveIdentity())

	reloaded, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, reloaded.loadIdentity())
	assert.Equal(t, c.id, reloaded.id)
}

// startCoordinator brings up a coordinator for loop tests.
func startCoordinator(t *testing.T) (*httptest.Server, storage.Store) {
	t.Helper()

	cfg := config.Default()
	cfg.Workdir = t.TempDir()
	require.NoError(t, cfg.EnsureWorkdir())

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	store, err := storage.NewBoltStore(cfg.Workdir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	server, err := api.NewServer(
		cfg, store, key,
		session.NewService(cfg.Node.TokenExpiration),
		planner.NewPlanner(nil),
		scheduler.New(store, cfg, nil),
		results.NewStore(cfg),
		nil,
	)
	require.NoError(t, err)

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	err = store.Update(func(tx storage.Tx) error {
		return tx.CreateProject(&types.Project{ID: "p-1", Token: "project-token"})
	})
	require.NoError(t, err)
	return ts, store
}

func loopConfig(t *testing.T, url, kind string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Workdir = t.TempDir()
	cfg.Node.Heartbeat = 30 * time.Millisecond
	cfg.Join.URL = url
	cfg.Join.Type = kind
	return cfg
}

// stallCapability blocks until the run context ends, standing in for
// a task that outlives its lease.
type stallCapability struct{}

func (stallCapability) Run(ctx context.Context, _ *types.TaskParameters, _ [][]byte, _ []byte) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stallCapability) Aggregate(ctx context.Context, _ *types.TaskParameters, _ [][]byte) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// TestLoopResponsiveDuringTask tests that a long-running job does not
// stall the heartbeat loop: cancellation is honoured while the task is
// still in flight
func TestLoopResponsiveDuringTask(t *testing.T) {
	if testing.Short() {
		t.Skip("slow: generates RSA-4096 keys")
	}

	ts, store := startCoordinator(t)

	dataFile := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(dataFile, []byte("rows"), 0644))

	registry := tasks.NewRegistry()
	registry.Register("test/stall", stallCapability{})

	cfg := loopConfig(t, ts.URL, "CLIENT")
	cfg.DataSources = []config.DataSourceConfig{
		{Name: "data", Kind: "file", Path: dataFile, Tokens: []string{"project-token"}},
	}
	c, err := New(cfg, tasks.NewLocalExecutor(registry))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	codes := make(chan int, 1)
	go func() {
		code, _ := c.Run(ctx)
		codes <- code
	}()

	require.Eventually(t, func() bool {
		count := 0
		_ = store.View(func(tx storage.Tx) error {
			components, err := tx.ListComponents()
			if err != nil {
				return err
			}
			count = len(components)
			return nil
		})
		return count == 1
	}, 30*time.Second, 50*time.Millisecond)

	userKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	workbench := NewRemote(ts.URL, userKey)
	require.NoError(t, workbench.FetchServerKey())

	transfer, err := exchange.PublicKeyToTransfer(&userKey.PublicKey)
	require.NoError(t, err)
	claim := exchange.JoinClaim("user-1", transfer)
	signature, err := exchange.Sign(userKey, claim)
	require.NoError(t, err)
	_, err = workbench.Join(&types.NodeJoinRequest{
		ID: "user-1", Type: types.ComponentUser, PublicKey: transfer,
		Signature: signature, Checksum: exchange.StrChecksum(claim),
	})
	require.NoError(t, err)

	// A dormant aggregator so the submission plans cleanly.
	err = store.Update(func(tx storage.Tx) error {
		return tx.CreateComponent(&types.Component{
			ID: "node-1", Type: types.ComponentNode, PublicKey: "nk", Active: true,
		})
	})
	require.NoError(t, err)

	_, err = workbench.SubmitArtifact(&types.Artifact{
		ProjectToken: "project-token",
		Model:        &types.Descriptor{Tag: "test/stall"},
		Plan:         types.ExecutionPlan{Iterations: 1},
	})
	require.NoError(t, err)

	// Give the loop time to lease the job and park in the capability.
	jobLeased := func() bool {
		running := false
		_ = store.View(func(tx storage.Tx) error {
			jobs, err := tx.ListJobsByStatus(types.JobRunning)
			if err != nil {
				return err
			}
			running = len(jobs) > 0
			return nil
		})
		return running
	}
	require.Eventually(t, jobLeased, 10*time.Second, 20*time.Millisecond)

	// A stalled loop would sit in the capability and miss the cancel.
	cancel()
	select {
	case code := <-codes:
		assert.Equal(t, ExitNormal, code)
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat loop blocked behind the running task")
	}
}

// TestLoopEndToEnd tests a full federation through two heartbeat
// loops: one data-holding client and one aggregating node
func TestLoopEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("slow: generates RSA-4096 keys")
	}

	ts, store := startCoordinator(t)

	dataFile := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(dataFile, []byte("rows"), 0644))

	clientCfg := loopConfig(t, ts.URL, "CLIENT")
	clientCfg.DataSources = []config.DataSourceConfig{
		{Name: "data", Kind: "file", Path: dataFile, Tokens: []string{"project-token"}},
	}
	nodeCfg := loopConfig(t, ts.URL, "NODE")

	executor := tasks.NewLocalExecutor(tasks.DefaultRegistry())
	dataClient, err := New(clientCfg, executor)
	require.NoError(t, err)
	aggNode, err := New(nodeCfg, executor)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	codes := make(chan int, 2)
	for _, c := range []*Client{dataClient, aggNode} {
		go func(c *Client) {
			code, _ := c.Run(ctx)
			codes <- code
		}(c)
	}

	// Wait for both loops to register and advertise.
	require.Eventually(t, func() bool {
		count := 0
		_ = store.View(func(tx storage.Tx) error {
			components, err := tx.ListComponents()
			if err != nil {
				return err
			}
			count = len(components)
			return nil
		})
		return count == 2
	}, 30*time.Second, 50*time.Millisecond)

	// Submit through a workbench remote.
	userKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	workbench := NewRemote(ts.URL, userKey)
	require.NoError(t, workbench.FetchServerKey())

	transfer, err := exchange.PublicKeyToTransfer(&userKey.PublicKey)
	require.NoError(t, err)
	claim := exchange.JoinClaim("user-1", transfer)
	signature, err := exchange.Sign(userKey, claim)
	require.NoError(t, err)
	_, err = workbench.Join(&types.NodeJoinRequest{
		ID: "user-1", Type: types.ComponentUser, PublicKey: transfer,
		Signature: signature, Checksum: exchange.StrChecksum(claim),
	})
	require.NoError(t, err)

	reply, err := workbench.SubmitArtifact(&types.Artifact{
		ProjectToken: "project-token",
		Model:        &types.Descriptor{Tag: tasks.ConcatTag},
		Plan:         types.ExecutionPlan{Iterations: 2},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := workbench.ArtifactStatus(reply.ArtifactID)
		return err == nil && status.Status == types.ArtifactCompleted
	}, 30*time.Second, 100*time.Millisecond)

	cancel()
	for i := 0; i < 2; i++ {
		select {
		case code := <-codes:
			assert.Equal(t, ExitNormal, code)
		case <-time.After(5 * time.Second):
			t.Fatal("loop did not stop")
		}
	}
}
