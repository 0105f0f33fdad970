package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnvOr_Set(t *testing.T) {
	t.Setenv("TEST_ENV_OR", "custom")
	require.Equal(t, "custom", envOr("TEST_ENV_OR", "default"))
}

func TestEnvOr_Unset(t *testing.T) {
	os.Unsetenv("TEST_ENV_OR_UNSET")
	require.Equal(t, "fallback", envOr("TEST_ENV_OR_UNSET", "fallback"))
}

func TestEnvOr_Empty(t *testing.T) {
	t.Setenv("TEST_ENV_OR_EMPTY", "")
	require.Equal(t, "fallback", envOr("TEST_ENV_OR_EMPTY", "fallback"))
}

func TestEnvIntOr_ValidInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	require.Equal(t, 42, envIntOr("TEST_INT", 0))
}

func TestEnvIntOr_InvalidInt(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "notanumber")
	require.Equal(t, 5, envIntOr("TEST_INT_BAD", 5))
}

func TestEnvIntOr_Unset(t *testing.T) {
	os.Unsetenv("TEST_INT_UNSET")
	require.Equal(t, 10, envIntOr("TEST_INT_UNSET", 10))
}

func TestEnvBoolOr_True(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	require.True(t, envBoolOr("TEST_BOOL", false))
}

func TestEnvBoolOr_Invalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "yes")
	require.True(t, envBoolOr("TEST_BOOL_BAD", true))
}

func TestEnvDurationOr_Valid(t *testing.T) {
	t.Setenv("TEST_DUR", "30s")
	require.Equal(t, 30*time.Second, envDurationOr("TEST_DUR", time.Minute))
}

func TestEnvDurationOr_Invalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "notaduration")
	require.Equal(t, 2*time.Minute, envDurationOr("TEST_DUR_BAD", 2*time.Minute))
}

func TestParse_Defaults(t *testing.T) {
	for _, key := range []string{
		"FORGE_ROOT", "FORGE_LAUNCHER_PATH", "FORGE_SESSION_PATTERN",
		"FORGE_MAX_WORKERS", "FORGE_MAX_SPAWNS_PER_PASS",
		"FORGE_STALE_THRESHOLD_SECS", "FORGE_TASK_STUCK_THRESHOLD_SECS",
		"FORGE_LOG_LEVEL", "FORGE_API_MAX_RETRIES",
	} {
		os.Unsetenv(key)
	}

	cfg := Parse()

	require.Equal(t, "forge-launcher", cfg.LauncherPath)
	require.Equal(t, 0, cfg.MaxConcurrentWorkers)
	require.Equal(t, 3, cfg.MaxSpawnsPerPass)
	require.Equal(t, 900, cfg.StaleThresholdSecs)
	require.Equal(t, 1800, cfg.TaskStuckThresholdSecs)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 3, cfg.APIMaxRetries)
	require.Equal(t, [5]int{40, 30, 20, 10, 5}, cfg.PriorityWeights)
	require.Equal(t, []string{"critical", "urgent", "blocker", "hotfix"}, cfg.CriticalLabels)
}

func TestParse_CustomValues(t *testing.T) {
	t.Setenv("FORGE_ROOT", "/tmp/forge-test")
	t.Setenv("FORGE_MAX_WORKERS", "8")
	t.Setenv("FORGE_STALE_THRESHOLD_SECS", "120")
	t.Setenv("FORGE_LOG_LEVEL", "debug")

	cfg := Parse()

	require.Equal(t, "/tmp/forge-test", cfg.Root)
	require.Equal(t, 8, cfg.MaxConcurrentWorkers)
	require.Equal(t, 120, cfg.StaleThresholdSecs)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "/tmp/forge-test/costs.db", cfg.LedgerPath)
}

func TestLoadYAML_OverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	content := "root: /custom/root\nlog_level: warn\nmax_concurrent_workers: 12\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadYAML(path)
	require.NoError(t, err)
	require.Equal(t, "/custom/root", cfg.Root)
	require.Equal(t, "warn", cfg.LogLevel)
	require.Equal(t, 12, cfg.MaxConcurrentWorkers)
	// Unset fields keep their env-derived default.
	require.Equal(t, "forge-launcher", cfg.LauncherPath)
}

func TestLoadYAML_MissingFile(t *testing.T) {
	_, err := LoadYAML("/nonexistent/config.yaml")
	require.Error(t, err)
}
