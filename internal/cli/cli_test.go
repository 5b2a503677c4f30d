package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "shuffled", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Use] = true
	}
	assert.True(t, commandNames["serve"])
	assert.True(t, commandNames["status"])
	assert.True(t, commandNames["simulate-write"])

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildServeCommand(t *testing.T) {
	cmd := buildServeCommand()
	assert.Equal(t, "serve", cmd.Use)
	assert.NotNil(t, cmd.RunE)
}

func TestBuildStatusCommand(t *testing.T) {
	cmd := buildStatusCommand()
	assert.Equal(t, "status", cmd.Use)
	assert.Contains(t, cmd.Short, "executor")
	assert.NotNil(t, cmd.RunE)
}

func TestBuildSimulateWriteCommand_HasExpectedFlags(t *testing.T) {
	cmd := buildSimulateWriteCommand()
	assert.Equal(t, "simulate-write", cmd.Use)
	for _, name := range []string{"app-id", "num-maps", "num-partitions", "payload"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "missing flag %q", name)
	}
}

func TestDefaultConfig_RoundTripsThroughExecutorConfig(t *testing.T) {
	cfg := DefaultConfig()
	ec := cfg.toExecutorConfig()

	assert.Equal(t, cfg.Storage.RootDir, ec.RootDir)
	assert.Equal(t, cfg.Storage.FsyncEnabled, ec.FsyncEnabled)
	assert.Equal(t, time.Duration(cfg.Quota.AppRetentionSeconds)*time.Second, ec.AppRetention)
	assert.Equal(t, cfg.Quota.AppMaxWriteBytes, ec.AppMaxWriteBytes)
	assert.Equal(t, cfg.Scheduler.Workers, ec.SchedulerWorkers)
}

func TestLoadConfig_MissingFile_FallsBackToDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Storage.RootDir, cfg.Storage.RootDir)
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "test_config.yaml")
	configContent := `
storage:
  root_dir: "./test_shuffle"
  fsync_enabled: true
  state_log_path: "./test_shuffle/state.log"

quota:
  app_retention_seconds: 3600
  app_max_write_bytes: 1048576

scheduler:
  workers: 4
  queue_size: 64

metrics:
  enabled: true
  port: 8080
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))

	cfg, err := loadConfig(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "./test_shuffle", cfg.Storage.RootDir)
	assert.True(t, cfg.Storage.FsyncEnabled)
	assert.Equal(t, 3600, cfg.Quota.AppRetentionSeconds)
	assert.EqualValues(t, 1048576, cfg.Quota.AppMaxWriteBytes)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 8080, cfg.Metrics.Port)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid.yaml")
	invalidYAML := "storage:\n  root_dir: \"x\"\n    broken indentation\n"
	require.NoError(t, os.WriteFile(configPath, []byte(invalidYAML), 0o644))

	cfg, err := loadConfig(configPath)
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoadConfig_PartialConfig_KeepsDefaultsForUnsetFields(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "partial.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("quota:\n  app_max_write_bytes: 5\n"), 0o644))

	cfg, err := loadConfig(configPath)
	require.NoError(t, err)
	assert.EqualValues(t, 5, cfg.Quota.AppMaxWriteBytes)
	assert.Equal(t, DefaultConfig().Storage.RootDir, cfg.Storage.RootDir)
	assert.Equal(t, DefaultConfig().Scheduler.Workers, cfg.Scheduler.Workers)
}

func TestShowStatus_RunsAgainstAFreshRootDir(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	root := t.TempDir()
	require.NoError(t, os.WriteFile(configPath, []byte(`
storage:
  root_dir: "`+root+`"
  state_log_path: "`+filepath.Join(root, "state.log")+`"
metrics:
  enabled: false
`), 0o644))

	configFile = configPath
	defer func() { configFile = "configs/default.yaml" }()

	assert.NoError(t, showStatus())
}
