// File: cmd/root_test.go
package cmd

import (
	"errors"
	"os"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/autoqa-cli/internal/config"
)

// probeRoot returns a root command with an extra subcommand that captures
// the loaded configuration.
func probeRoot(captured **config.Config) *cobra.Command {
	root := newRootCommand(failingFactory{err: errors.New("unused")})
	root.AddCommand(&cobra.Command{
		Use: "probe",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromContext(cmd.Context())
			*captured = cfg
			return err
		},
	})
	return root
}

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := executeCommand(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestRootCmd_VersionSubcommand(t *testing.T) {
	out, err := executeCommand(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "autoqa "+Version)
}

func TestRootCmd_NoArgs(t *testing.T) {
	out, err := executeCommand(t)
	require.NoError(t, err)
	assert.Contains(t, out, "AutoQA turns a plain-language test intent")
	for _, sub := range []string{"run", "serve", "console", "cases", "status", "logs"} {
		assert.Contains(t, out, sub)
	}
}

func TestConfigFlagOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "autoqa.yaml", `
runner:
  stop_loss_threshold: 7
  max_steps_per_case: 12
server:
  listen_addr: 127.0.0.1:9999
`)
	// Environment beats the file.
	t.Setenv("AUTOQA_RUNNER_MAX_STEPS_PER_CASE", "30")

	var cfg *config.Config
	_, err := executeRoot(t, probeRoot(&cfg), "--config", path, "probe")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 7, cfg.Runner.StopLossThreshold)
	assert.Equal(t, 30, cfg.Runner.MaxStepsPerCase)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.ListenAddr)
	// Untouched keys keep their defaults.
	assert.Equal(t, config.StoreMemory, cfg.Database.Driver)
}

func TestConfigDiscoveryAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", "runner:\n  history_window: 3\n")
	writeFile(t, dir, ".env", "AUTOQA_RUNNER_STOP_LOSS_THRESHOLD=5\n")
	t.Chdir(dir)
	// godotenv sets the variable process-wide.
	t.Cleanup(func() { os.Unsetenv("AUTOQA_RUNNER_STOP_LOSS_THRESHOLD") })

	var cfg *config.Config
	_, err := executeRoot(t, probeRoot(&cfg), "probe")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 3, cfg.Runner.HistoryWindow, "./config.yaml is discovered")
	assert.Equal(t, 5, cfg.Runner.StopLossThreshold, ".env feeds the environment")
}

func TestConfigErrors(t *testing.T) {
	t.Run("MissingExplicitFile", func(t *testing.T) {
		_, err := executeCommand(t, "--config", "/nonexistent/autoqa.yaml", "status")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to initialize configuration")
	})

	t.Run("InvalidValues", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "bad.yaml", "runner:\n  stop_loss_threshold: 0\n")
		_, err := executeCommand(t, "--config", path, "status")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load or validate config")
	})
}

func TestRunCmd_Validation(t *testing.T) {
	t.Run("RequiresIntent", func(t *testing.T) {
		_, err := executeCommand(t, "run")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "requires at least 1 arg(s)")
	})

	t.Run("UnknownFormat", func(t *testing.T) {
		_, err := executeCommand(t, "run", "--format", "xml", "check https://app.test")
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unsupported output format "xml"`)
	})

	t.Run("FactoryFailure", func(t *testing.T) {
		_, err := executeCommand(t, "run", "--yes", "check https://app.test")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to initialize components")
	})
}

func TestServeAndConsole_FactoryFailure(t *testing.T) {
	for _, name := range []string{"serve", "console"} {
		_, err := executeCommand(t, name)
		require.Error(t, err, name)
		assert.Contains(t, err.Error(), "failed to initialize components", name)
	}
}
