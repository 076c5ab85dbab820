package client

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/IDSIA/Ferdelance/pkg/config"
	"github.com/IDSIA/Ferdelance/pkg/exchange"
	"github.com/IDSIA/Ferdelance/pkg/log"
	"github.com/IDSIA/Ferdelance/pkg/tasks"
	"github.com/IDSIA/Ferdelance/pkg/types"
)

// Exit codes of the heartbeat loop.
const (
	ExitNormal = 0
	ExitUpdate = 1
	ExitFatal  = 2
)

// identity is the persisted registration state, kept next to the
// private key so a restarted client reuses its component row.
type identity struct {
	ComponentID string `yaml:"component_id"`
	Token       string `yaml:"token"`
	ServerKey   string `yaml:"server_key"`
}

// localDataSource is one dataset offered to the federation. Data
// stays on disk; only hash and summary ever leave the machine.
type localDataSource struct {
	hash   string
	name   string
	path   string
	tokens []string
}

// Client is the pull side of the federation: it joins a coordinator,
// advertises its datasources and executes jobs handed out on
// heartbeats.
type Client struct {
	cfg      *config.Config
	key      *rsa.PrivateKey
	remote   *Remote
	executor tasks.Executor

	id          identity
	datasources []localDataSource
}

// New prepares a client: workdir, keypair and datasource inventory.
func New(cfg *config.Config, executor tasks.Executor) (*Client, error) {
	if err := cfg.EnsureWorkdir(); err != nil {
		return nil, err
	}
	key, err := exchange.LoadOrCreatePrivateKey(cfg.PrivateKeyPath())
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		key:      key,
		remote:   NewRemote(cfg.Join.URL, key),
		executor: executor,
	}
	if err := c.scanDataSources(); err != nil {
		return nil, err
	}
	return c, nil
}

// scanDataSources hashes every configured dataset. A "dir" entry
// contributes each regular file inside it as its own datasource.
func (c *Client) scanDataSources() error {
	for _, dsc := range c.cfg.DataSources {
		switch dsc.Kind {
		case "", "file":
			ds, err := hashDataSource(dsc.Name, dsc.Path, dsc.Tokens)
			if err != nil {
				return err
			}
			c.datasources = append(c.datasources, ds)
		case "dir":
			entries, err := os.ReadDir(dsc.Path)
			if err != nil {
				return fmt.Errorf("failed to read datasource dir %s: %w", dsc.Path, err)
			}
			for _, entry := range entries {
				if !entry.Type().IsRegular() {
					continue
				}
				ds, err := hashDataSource(
					dsc.Name+"/"+entry.Name(),
					filepath.Join(dsc.Path, entry.Name()),
					dsc.Tokens,
				)
				if err != nil {
					return err
				}
				c.datasources = append(c.datasources, ds)
			}
		default:
			return fmt.Errorf("datasource %q has unknown kind %q", dsc.Name, dsc.Kind)
		}
	}
	return nil
}

func hashDataSource(name, path string, tokens []string) (localDataSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return localDataSource{}, fmt.Errorf("failed to read datasource %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return localDataSource{
		hash:   hex.EncodeToString(sum[:]),
		name:   name,
		path:   path,
		tokens: tokens,
	}, nil
}

// Run joins the federation and drives the heartbeat loop until the
// context ends or the coordinator orders an exit. The returned code
// is the process exit status.
func (c *Client) Run(ctx context.Context) (int, error) {
	logger := log.WithComponent("client")

	if err := c.bootstrap(); err != nil {
		return ExitFatal, err
	}
	if err := c.sendMetadata(); err != nil {
		return ExitFatal, err
	}

	ticker := time.NewTicker(c.cfg.Node.Heartbeat)
	defer ticker.Stop()

	// Jobs run off the loop so heartbeats keep flowing while a task
	// is busy; a stalled loop would let the lease expire mid-flight.
	outcomes := make(chan taskOutcome, 8)

	current := types.ClientUpdate{
		Action:            types.ActionInit,
		ServerKeyChecksum: exchange.StrChecksum(c.id.ServerKey),
	}
	for {
		select {
		case <-ctx.Done():
			return ExitNormal, nil
		case out := <-outcomes:
			if out.err != nil {
				log.WithJobID(out.jobID).Error().Err(out.err).Msg("task failed")
			} else {
				log.WithJobID(out.jobID).Info().Msg("job completed")
			}
			continue
		case <-ticker.C:
		}

		data, err := c.remote.Update(&current)
		if err != nil {
			logger.Warn().Err(err).Msg("heartbeat failed, retrying next tick")
			continue
		}
		current.Action = data.Action

		switch data.Action {
		case types.ActionDoNothing, types.ActionInit:
			// idle

		case types.ActionExecute:
			go func(data *types.UpdateData) {
				outcomes <- taskOutcome{jobID: data.JobID, err: c.executeJob(ctx, data)}
			}(data)

		case types.ActionUpdateServerKey:
			if err := c.remote.SetServerKey(data.PublicKey); err != nil {
				logger.Error().Err(err).Msg("rejected new server key")
				continue
			}
			c.id.ServerKey = data.PublicKey
			current.ServerKeyChecksum = exchange.StrChecksum(data.PublicKey)
			if err := c.saveIdentity(); err != nil {
				logger.Error().Err(err).Msg("failed to persist server key")
			}

		case types.ActionUpdateClient:
			logger.Info().Msg("coordinator requested client update")
			return ExitUpdate, nil

		case types.ActionClientExit:
			logger.Info().Msg("coordinator requested exit")
			if err := c.remote.Leave(); err != nil {
				logger.Warn().Err(err).Msg("leave failed")
			}
			return ExitNormal, nil

		default:
			logger.Warn().Str("action", string(data.Action)).Msg("unknown action ignored")
		}
	}
}

// bootstrap fetches the server key and either reuses the persisted
// identity or runs the join protocol.
func (c *Client) bootstrap() error {
	logger := log.WithComponent("client")

	if err := c.remote.FetchServerKey(); err != nil {
		return err
	}

	if err := c.loadIdentity(); err == nil && c.id.Token != "" {
		c.remote.SetToken(c.id.Token)
		logger.Info().Str("component_id", c.id.ComponentID).Msg("reusing stored identity")
		return nil
	}

	transfer, err := exchange.PublicKeyToTransfer(&c.key.PublicKey)
	if err != nil {
		return err
	}

	id := uuid.New().String()
	claim := exchange.JoinClaim(id, transfer)
	signature, err := exchange.Sign(c.key, claim)
	if err != nil {
		return err
	}

	kind := types.ComponentType(c.cfg.Join.Type)
	if kind == "" {
		kind = types.ComponentClient
	}

	hostname, _ := os.Hostname()
	data, err := c.remote.Join(&types.NodeJoinRequest{
		ID:          id,
		Type:        kind,
		PublicKey:   transfer,
		Signature:   signature,
		Checksum:    exchange.StrChecksum(claim),
		MachineNode: hostname,
	})
	if err != nil {
		return err
	}

	c.id = identity{
		ComponentID: data.ID,
		Token:       data.Token,
		ServerKey:   data.PublicKey,
	}
	logger.Info().Str("component_id", data.ID).Str("type", string(kind)).Msg("joined federation")
	return c.saveIdentity()
}

func (c *Client) sendMetadata() error {
	meta := &types.Metadata{}
	for _, ds := range c.datasources {
		meta.DataSources = append(meta.DataSources, types.DataSource{
			Hash:   ds.hash,
			Name:   ds.name,
			Tokens: ds.tokens,
		})
	}
	return c.remote.SendMetadata(meta)
}

// taskOutcome reports one finished job back to the heartbeat loop.
type taskOutcome struct {
	jobID string
	err   error
}

// executeJob runs one leased job and uploads its outcome. Failures
// become TaskError reports, never loop aborts.
func (c *Client) executeJob(ctx context.Context, data *types.UpdateData) error {
	logger := log.WithJobID(data.JobID)

	if data.Parameters == nil {
		return fmt.Errorf("execute action carried no parameters")
	}
	params := data.Parameters

	started := time.Now()
	blob, err := c.runTask(ctx, params)
	if err != nil {
		if rerr := c.remote.ReportError(&types.TaskError{
			JobID:   params.JobID,
			Message: err.Error(),
		}); rerr != nil {
			logger.Warn().Err(rerr).Msg("error report failed")
		}
		return err
	}

	if err := c.remote.UploadResult(params.JobID, bytes.NewReader(blob)); err != nil {
		return fmt.Errorf("result upload failed: %w", err)
	}

	// Metrics are best effort; the result already landed.
	if err := c.remote.UploadMetrics(&types.TaskMetrics{
		JobID:  params.JobID,
		Source: c.id.ComponentID,
		Scores: map[string]float64{
			"execution_seconds": time.Since(started).Seconds(),
			"input_count":       float64(len(params.ContentIDs)),
		},
	}); err != nil {
		logger.Warn().Err(err).Msg("metrics upload failed")
	}
	return nil
}

// runTask gathers the job's inputs and hands them to the executor.
// Partial jobs read local datasource files; aggregation jobs download
// the partial blobs named by their content ids.
func (c *Client) runTask(ctx context.Context, params *types.TaskParameters) ([]byte, error) {
	var inputs [][]byte

	switch params.JobKind {
	case types.JobPartial:
		for _, hash := range params.ContentIDs {
			ds, ok := c.findDataSource(hash)
			if !ok {
				return nil, fmt.Errorf("unknown datasource %s", hash)
			}
			data, err := os.ReadFile(ds.path)
			if err != nil {
				return nil, fmt.Errorf("failed to read datasource %s: %w", ds.name, err)
			}
			inputs = append(inputs, data)
		}

	case types.JobAggregation:
		for _, resultID := range params.ContentIDs {
			blob, err := c.remote.DownloadResult(resultID)
			if err != nil {
				return nil, fmt.Errorf("failed to fetch partial %s: %w", resultID, err)
			}
			inputs = append(inputs, blob)
		}

	default:
		return nil, fmt.Errorf("unknown job kind %q", params.JobKind)
	}

	return c.executor.Execute(ctx, params, inputs, nil)
}

func (c *Client) findDataSource(hash string) (localDataSource, bool) {
	for _, ds := range c.datasources {
		if ds.hash == hash {
			return ds, true
		}
	}
	return localDataSource{}, false
}

func (c *Client) identityPath() string {
	return filepath.Join(c.cfg.Workdir, "identity.yaml")
}

func (c *Client) loadIdentity() error {
	data, err := os.ReadFile(c.identityPath())
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, &c.id)
}

func (c *Client) saveIdentity() error {
	data, err := yaml.Marshal(&c.id)
	if err != nil {
		return err
	}
	return os.WriteFile(c.identityPath(), data, 0600)
}
