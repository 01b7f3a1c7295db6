package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "console", cfg.Logging.Output)
	assert.Equal(t, 3, cfg.Analysis.Concurrency)
	assert.Equal(t, 1, cfg.Analysis.MaxConcurrentRuns)
	assert.Equal(t, 3, cfg.Gateway.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Gateway.Retry.InitialDelay)
	assert.True(t, cfg.Storage.Enabled)
	assert.Equal(t, "none", cfg.Telemetry.TraceExporter)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr())
}

func TestLoadLayersFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
server:
  port: 9000
gateway:
  base_url: https://reporting.example.com
  timeout: 10s
  retry:
    max_attempts: 5
analysis:
  concurrency: 6
logging:
  level: debug
`)

	t.Setenv("VARIANCE_ANALYSIS_CONCURRENCY", "2")
	t.Setenv("VARIANCE_GATEWAY_CLIENT_SECRET", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port, "file value")
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout, "default kept when file omits it")
	assert.Equal(t, "https://reporting.example.com", cfg.Gateway.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, 5, cfg.Gateway.Retry.MaxAttempts)
	assert.Equal(t, 15*time.Second, cfg.Gateway.Retry.MaxDelay)
	assert.Equal(t, 2, cfg.Analysis.Concurrency, "env overrides file")
	assert.Equal(t, "s3cret", cfg.Gateway.ClientSecret)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFindsConfigInWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", "server:\n  port: 9100\n")
	chdir(t, dir)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		env     map[string]string
		wantErr string
	}{
		{name: "bad port", content: "server:\n  port: 70000\n", wantErr: "invalid server port"},
		{name: "bad yaml", content: "server: [\n", wantErr: "failed to load config from file"},
		{name: "zero concurrency", content: "analysis:\n  concurrency: 0\n", wantErr: "analysis concurrency"},
		{name: "bad base url", content: "gateway:\n  base_url: ftp://x\n", wantErr: "invalid gateway base url"},
		{name: "client id without token url", content: "gateway:\n  base_url: https://x\n  client_id: app\n", wantErr: "token url"},
		{name: "bad log output", content: "logging:\n  output: syslog\n", wantErr: "invalid logging output"},
		{name: "bad trace exporter", content: "telemetry:\n  trace_exporter: otlp\n", wantErr: "invalid trace exporter"},
		{name: "bad env value", env: map[string]string{"VARIANCE_SERVER_PORT": "abc"}, wantErr: "failed to load config from env"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeFile(t, dir, filepath.Base(t.Name())+".yaml", tt.content)

			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestRequireGateway(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.RequireGateway())

	cfg.Gateway.BaseURL = "https://reporting.example.com"
	assert.NoError(t, cfg.RequireGateway())
}

func TestResolvePaths(t *testing.T) {
	base := t.TempDir()
	cfg := Default()
	cfg.Paths.BaseDir = base
	cfg.Paths.LogsDir = "/var/log/varianceiq"

	paths, err := cfg.ResolvePaths()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(base, "data"), paths.DataDir)
	assert.Equal(t, filepath.Join(base, "data", "reports"), paths.ReportsDir)
	assert.Equal(t, "/var/log/varianceiq", paths.LogsDir)
	assert.Equal(t, filepath.Join(base, "data", "varianceiq.db"), paths.DatabaseFile)
	assert.Equal(t, filepath.Join(base, "returns.yaml"), paths.ReturnsFile)

	runDir := paths.GetRunReportDir("2025-06-30", "0f8fad5b-d9cb-469f-a165-70867728950e")
	assert.Equal(t, filepath.Join(base, "data", "reports", "2025-06-30_0f8fad5b"), runDir)
	assert.Equal(t, filepath.Join(runDir, "variance_2025-06-30.xlsx"),
		paths.GetWorkbookPath("2025-06-30", "0f8fad5b-d9cb-469f-a165-70867728950e"))
}

func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()
	cfg := Default()
	cfg.Paths.BaseDir = base

	paths, err := cfg.ResolvePaths()
	require.NoError(t, err)
	require.NoError(t, paths.EnsureDirectories())

	for _, dir := range []string{paths.DataDir, paths.ReportsDir, paths.LogsDir} {
		assert.DirExists(t, dir)
	}
	assert.False(t, FileExists(paths.DatabaseFile))
}

func TestGetWorkbookPathAt(t *testing.T) {
	at := time.Date(2025, 7, 1, 9, 30, 0, 0, time.UTC)
	assert.Equal(t, filepath.Join("out", "variance_2025-06-30_20250701T093000.xlsx"),
		GetWorkbookPathAt("out", "2025-06-30", at))
}
