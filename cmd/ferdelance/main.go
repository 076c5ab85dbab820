package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/IDSIA/Ferdelance/pkg/api"
	"github.com/IDSIA/Ferdelance/pkg/client"
	"github.com/IDSIA/Ferdelance/pkg/config"
	"github.com/IDSIA/Ferdelance/pkg/events"
	"github.com/IDSIA/Ferdelance/pkg/exchange"
	"github.com/IDSIA/Ferdelance/pkg/log"
	"github.com/IDSIA/Ferdelance/pkg/planner"
	"github.com/IDSIA/Ferdelance/pkg/results"
	"github.com/IDSIA/Ferdelance/pkg/scheduler"
	"github.com/IDSIA/Ferdelance/pkg/session"
	"github.com/IDSIA/Ferdelance/pkg/storage"
	"github.com/IDSIA/Ferdelance/pkg/tasks"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ferdelance",
	Short: "Ferdelance - Federated computation platform",
	Long: `Ferdelance coordinates federated machine learning workloads:
artifacts are planned into per-datasource partial jobs plus aggregation
rounds, and data never leaves the node that owns it.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Ferdelance version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")

	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(keygenCmd)
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run the coordinator node",
	Long: `Start a coordinator: HTTP surface, job scheduler with lease
reclaim, and the bbolt-backed repository under the workdir.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		if err := cfg.EnsureWorkdir(); err != nil {
			return err
		}
		key, err := exchange.LoadOrCreatePrivateKey(cfg.PrivateKeyPath())
		if err != nil {
			return fmt.Errorf("failed to load node key: %v", err)
		}

		store, err := storage.NewBoltStore(cfg.Workdir)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		projectToken, err := defaultProjectToken(cfg)
		if err != nil {
			return err
		}
		err = store.Update(func(tx storage.Tx) error {
			_, err := planner.EnsureDefaultProject(tx, projectToken, time.Now().UTC())
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to bootstrap default project: %v", err)
		}
		log.WithComponent("main").Info().Str("project_token", projectToken).Msg("default project ready")

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()
		go logEvents(broker)

		sched := scheduler.New(store, cfg, broker)
		sched.Start()
		defer sched.Stop()

		server, err := api.NewServer(
			cfg,
			store,
			key,
			session.NewService(cfg.Node.TokenExpiration),
			planner.NewPlanner(broker),
			sched,
			results.NewStore(cfg),
			broker,
		)
		if err != nil {
			return err
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			log.WithComponent("main").Info().Str("signal", sig.String()).Msg("shutting down")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	},
}

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Run the heartbeat client loop",
	Long: `Join a coordinator, advertise the configured datasources and
execute jobs handed out on heartbeats. Exit codes: 0 normal, 1 update
requested, 2 fatal.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		if cfg.Join.URL == "" {
			return fmt.Errorf("join.url is required for client mode")
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		c, err := client.New(cfg, tasks.NewLocalExecutor(tasks.DefaultRegistry()))
		if err != nil {
			return err
		}

		code, err := c.Run(ctx)
		if err != nil {
			log.WithComponent("client").Error().Err(err).Msg("client loop failed")
		}
		os.Exit(code)
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the node keypair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.EnsureWorkdir(); err != nil {
			return err
		}

		path := cfg.PrivateKeyPath()
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("key already exists at %s", path)
		}

		key, err := exchange.GenerateKeyPair()
		if err != nil {
			return err
		}
		if err := exchange.SavePrivateKey(key, path); err != nil {
			return err
		}

		transfer, err := exchange.PublicKeyToTransfer(&key.PublicKey)
		if err != nil {
			return err
		}
		fmt.Printf("Private key written to %s\n", path)
		fmt.Printf("Public key (transfer encoding):\n%s\n", transfer)
		return nil
	},
}

// defaultProjectToken resolves the bootstrap project token: the
// configured one, or a generated token persisted in the workdir so it
// survives restarts.
func defaultProjectToken(cfg *config.Config) (string, error) {
	if cfg.Node.DefaultProjectToken != "" {
		return cfg.Node.DefaultProjectToken, nil
	}

	path := cfg.ProjectTokenPath()
	if data, err := os.ReadFile(path); err == nil {
		return strings.TrimSpace(string(data)), nil
	}

	token := uuid.New().String()
	if err := os.WriteFile(path, []byte(token+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to persist project token: %v", err)
	}
	return token, nil
}

// logEvents drains the broker into the structured log so lifecycle
// transitions are visible without a subscriber.
func logEvents(broker *events.Broker) {
	sub := broker.Subscribe()
	for event := range sub {
		log.WithComponent("events").Info().
			Str("type", string(event.Type)).
			Str("component_id", event.ComponentID).
			Str("artifact_id", event.ArtifactID).
			Str("job_id", event.JobID).
			Str("message", event.Message).
			Msg("event")
	}
}
