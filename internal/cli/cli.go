// Package cli provides the command line interface for the shuffle
// executor, built on Cobra.
//
// Command Structure:
//
//	shuffled                         # Root command
//	├── serve                        # Start the executor
//	│   └── --config, -c            # Specify config file
//	├── status                       # Dump in-memory application/stage state
//	│   └── --config, -c
//	└── simulate-write                # Drive one write cycle against a running config, for smoke testing
//	    └── --config, -c
//
// Configuration Management:
//
//	Uses YAML format config file (default: configs/default.yaml).
//	Configuration sections: storage (root dir, fsync), quota (app
//	retention, max write bytes), recovery (startup budget, expiry
//	sweep interval), scheduler (worker count, queue size), metrics
//	(enabled, port).
//
// serve Command:
//
//	Starts the executor:
//	  1. Load config file
//	  2. Open the state store and construct the executor
//	  3. Start the Metrics HTTP server (if enabled)
//	  4. Recover prior state (LoadStateStore)
//	  5. Start the background scheduler
//	  6. Listen for SIGINT/SIGTERM and shut down gracefully
package cli

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shuffle-svc/executor/internal/buffer"
	"github.com/shuffle-svc/executor/internal/executor"
	"github.com/shuffle-svc/executor/internal/metrics"
	"github.com/shuffle-svc/executor/internal/statestore"
	"github.com/shuffle-svc/executor/internal/storagefacade"
	"github.com/shuffle-svc/executor/pkg/shuffleid"
	"github.com/shuffle-svc/executor/pkg/shuffletypes"
)

// Config is the on-disk YAML shape. Every field maps onto
// executor.Config; durations are given in the config file as
// milliseconds or seconds (matching spec.md §6's naming) and converted
// in toExecutorConfig.
type Config struct {
	Storage struct {
		RootDir      string `yaml:"root_dir"`
		FsyncEnabled bool   `yaml:"fsync_enabled"`
		StateLogPath string `yaml:"state_log_path"`
	} `yaml:"storage"`

	Quota struct {
		AppRetentionSeconds     int   `yaml:"app_retention_seconds"`
		AppFileRetentionSeconds int   `yaml:"app_file_retention_seconds"`
		AppMaxWriteBytes        int64 `yaml:"app_max_write_bytes"`
	} `yaml:"quota"`

	Recovery struct {
		StartupLoadBudgetSeconds int `yaml:"startup_load_budget_seconds"`
		ExpirySweepSeconds       int `yaml:"expiry_sweep_seconds"`
		StateCommitIntervalMs    int `yaml:"state_commit_interval_ms"`
		CompactIntervalSeconds   int `yaml:"compact_interval_seconds"`
	} `yaml:"recovery"`

	Scheduler struct {
		Workers        int `yaml:"workers"`
		QueueSize      int `yaml:"queue_size"`
		ShutdownGraceS int `yaml:"shutdown_grace_seconds"`
	} `yaml:"scheduler"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// DefaultConfig mirrors executor.DefaultConfig in the on-disk shape,
// for configs/default.yaml and for serve when no file is given.
func DefaultConfig() Config {
	var c Config
	d := executor.DefaultConfig()
	c.Storage.RootDir = "./data/shuffle"
	c.Storage.FsyncEnabled = d.FsyncEnabled
	c.Storage.StateLogPath = "./data/state.log"
	c.Quota.AppRetentionSeconds = int(d.AppRetention.Seconds())
	c.Quota.AppFileRetentionSeconds = int(d.AppFileRetention.Seconds())
	c.Quota.AppMaxWriteBytes = d.AppMaxWriteBytes
	c.Recovery.StartupLoadBudgetSeconds = int(d.StartupLoadBudget.Seconds())
	c.Recovery.ExpirySweepSeconds = int(d.ExpirySweepInterval.Seconds())
	c.Recovery.StateCommitIntervalMs = int(d.StateCommitInterval.Milliseconds())
	c.Recovery.CompactIntervalSeconds = int(d.CompactInterval.Seconds())
	c.Scheduler.Workers = d.SchedulerWorkers
	c.Scheduler.QueueSize = d.SchedulerQueueSize
	c.Scheduler.ShutdownGraceS = int(d.ShutdownGrace.Seconds())
	c.Metrics.Enabled = true
	c.Metrics.Port = 9090
	return c
}

func (c Config) toExecutorConfig() executor.Config {
	d := executor.DefaultConfig()
	d.RootDir = c.Storage.RootDir
	d.FsyncEnabled = c.Storage.FsyncEnabled
	d.AppRetention = time.Duration(c.Quota.AppRetentionSeconds) * time.Second
	d.AppFileRetention = time.Duration(c.Quota.AppFileRetentionSeconds) * time.Second
	d.AppMaxWriteBytes = c.Quota.AppMaxWriteBytes
	d.StartupLoadBudget = time.Duration(c.Recovery.StartupLoadBudgetSeconds) * time.Second
	d.ExpirySweepInterval = time.Duration(c.Recovery.ExpirySweepSeconds) * time.Second
	d.StateCommitInterval = time.Duration(c.Recovery.StateCommitIntervalMs) * time.Millisecond
	d.CompactInterval = time.Duration(c.Recovery.CompactIntervalSeconds) * time.Second
	d.SchedulerWorkers = c.Scheduler.Workers
	d.SchedulerQueueSize = c.Scheduler.QueueSize
	d.ShutdownGrace = time.Duration(c.Scheduler.ShutdownGraceS) * time.Second
	return d
}

var configFile string

// BuildCLI assembles the root command and its subcommands.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "shuffled",
		Short: "shuffled: the remote shuffle service's write-side executor",
		Long: `shuffled accepts streamed map task output, writes it to partition
files, and tracks commit state durably so a restart can resume without
losing finalized data.`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildSimulateWriteCommand())

	return rootCmd
}

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the shuffle executor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Printf("Starting shuffled, root=%s state=%s\n", cfg.Storage.RootDir, cfg.Storage.StateLogPath)

	exec, _, err := buildExecutor(cfg)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			log.Printf("Starting metrics server on %s\n", addr)
			if err := metrics.Serve(addr); err != nil {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	log.Println("Recovering state store...")
	if err := exec.LoadStateStore(); err != nil {
		return fmt.Errorf("failed to recover state store: %w", err)
	}

	exec.Start()
	log.Println("shuffled started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("Received shutdown signal, stopping gracefully...")

	if err := exec.Stop(true); err != nil {
		log.Printf("Error during shutdown: %v\n", err)
	}
	log.Println("shuffled stopped. Goodbye!")
	return nil
}

func buildExecutor(cfg *Config) (*executor.Executor, *statestore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.StateLogPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create state log directory: %w", err)
	}
	store, err := statestore.Open(cfg.Storage.StateLogPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open state store: %w", err)
	}

	var sink metrics.Sink = metrics.NoopSink{}
	if cfg.Metrics.Enabled {
		sink = metrics.NewCollector()
	}

	exec := executor.New(cfg.toExecutorConfig(), storagefacade.NewLocal(), store, sink)
	return exec, store, nil
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the executor's configuration and recovered state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
}

func showStatus() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println("shuffled status")
	fmt.Println("================")
	fmt.Printf("config file:        %s\n", configFile)
	fmt.Printf("root dir:           %s\n", cfg.Storage.RootDir)
	fmt.Printf("state log:          %s\n", cfg.Storage.StateLogPath)
	fmt.Printf("fsync enabled:      %v\n", cfg.Storage.FsyncEnabled)
	fmt.Printf("app retention:      %ds\n", cfg.Quota.AppRetentionSeconds)
	fmt.Printf("app max write bytes: %d\n", cfg.Quota.AppMaxWriteBytes)
	fmt.Printf("scheduler workers:  %d\n", cfg.Scheduler.Workers)
	fmt.Println()

	exec, store, err := buildExecutor(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := exec.LoadStateStore(); err != nil {
		return fmt.Errorf("failed to load state store: %w", err)
	}
	fmt.Print(exec.DebugString())
	return nil
}

func buildSimulateWriteCommand() *cobra.Command {
	var appID string
	var numMaps int
	var numPartitions int
	var payload string

	cmd := &cobra.Command{
		Use:   "simulate-write",
		Short: "Register one stage and drive a single map attempt's write/finish cycle, for smoke testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulateWrite(appID, numMaps, numPartitions, payload)
		},
	}
	cmd.Flags().StringVar(&appID, "app-id", "smoke-test-app", "application id to register")
	cmd.Flags().IntVar(&numMaps, "num-maps", 1, "number of map tasks")
	cmd.Flags().IntVar(&numPartitions, "num-partitions", 1, "number of partitions")
	cmd.Flags().StringVar(&payload, "payload", "hello shuffle", "bytes to write for map 0, partition 0")
	return cmd
}

func runSimulateWrite(appID string, numMaps, numPartitions int, payload string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	exec, store, err := buildExecutor(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := exec.LoadStateStore(); err != nil {
		return fmt.Errorf("failed to load state store: %w", err)
	}
	exec.Start()
	defer exec.Stop(true)

	id := shuffleid.AppShuffleId{AppId: shuffleid.AppId(appID), ShuffleId: 1}
	if err := exec.RegisterShuffle(id, int32(numMaps), int32(numPartitions), shuffletypes.WriteConfig{NumSplits: int32(numPartitions)}); err != nil {
		return fmt.Errorf("failed to register shuffle stage: %w", err)
	}

	attempt := shuffleid.AppTaskAttemptId{AppMapId: shuffleid.AppMapId{AppShuffleId: id, MapId: 0}, TaskAttemptId: 1}
	if err := exec.StartUpload(attempt); err != nil {
		return fmt.Errorf("failed to start upload: %w", err)
	}

	pool := buffer.NewPool()
	if err := exec.WriteData(executor.WriteOp{
		AppShuffleID:  id,
		MapID:         0,
		TaskAttemptID: 1,
		Partition:     0,
		Buf:           pool.Get([]byte(payload)),
	}); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := exec.FinishUpload(attempt); err != nil {
		return fmt.Errorf("failed to finish upload: %w", err)
	}

	time.Sleep(100 * time.Millisecond) // let the async flush task run before we print results
	files, err := exec.GetPersistedBytes(shuffleid.AppShufflePartitionId{AppShuffleId: id, PartitionId: 0})
	if err != nil {
		return fmt.Errorf("failed to read back persisted bytes: %w", err)
	}
	for _, f := range files {
		fmt.Printf("partition 0: %s (%d bytes)\n", f.Path, f.Length)
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return &cfg, nil
}
