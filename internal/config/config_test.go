package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 3, cfg.Engine.DefaultMaxRetries)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 5*time.Minute, Duration(cfg.Worker.VisibilityTimeout, 0))
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "eventchain.toml")
	content := `
[database]
driver = "sqlite"
sqlite_path = "/tmp/chains.db"

[worker]
concurrency = 2
poll_interval = "250ms"

[engine]
default_max_retries = 5

[modules.finance]
url = "http://finance:8080"
headers = { "X-Api-Key" = "secret" }
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("WORKER_CONCURRENCY", "4")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("EVENTCHAIN_MODULES", "notifications=http://notify:8080")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/tmp/chains.db", cfg.Database.SQLitePath)
	assert.Equal(t, 4, cfg.Worker.Concurrency, "env overrides file")
	assert.Equal(t, 250*time.Millisecond, Duration(cfg.Worker.PollInterval, time.Second))
	assert.Equal(t, 5, cfg.Engine.DefaultMaxRetries)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "http://finance:8080", cfg.Modules["finance"].URL)
	assert.Equal(t, "secret", cfg.Modules["finance"].Headers["X-Api-Key"])
	assert.Equal(t, "http://notify:8080", cfg.Modules["notifications"].URL)
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()

	tests := map[string]string{
		"bad driver":                   "[database]\ndriver = \"mysql\"\n",
		"bad duration":                 "[worker]\npoll_interval = \"soon\"\n",
		"bad toml":                     "[worker\n",
		"no module url":                "[modules.finance]\nurl = \"\"\n",
		"step timeout over visibility": "[engine]\ndefault_step_timeout = \"10m\"\n[worker]\nvisibility_timeout = \"5m\"\n",
		"compensation over stall":      "[engine]\ncompensation_timeout = \"2m\"\n[scheduler]\nstall_timeout = \"2m\"\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".toml")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

			_, err := Load(path)
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)
}

func TestValidate_TimeoutOrdering(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Engine.DefaultStepTimeout = "5m"
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "worker.visibility_timeout")

	cfg = NewDefaultConfig()
	cfg.Engine.CompensationTimeout = "3m"
	err = cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "scheduler.stall_timeout")

	cfg = NewDefaultConfig()
	cfg.Engine.DefaultStepTimeout = "4m"
	cfg.Engine.CompensationTimeout = "1m"
	assert.NoError(t, cfg.Validate())
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 2*time.Second, Duration("2s", time.Minute))
	assert.Equal(t, time.Minute, Duration("", time.Minute))
	assert.Equal(t, time.Minute, Duration("nope", time.Minute))
	assert.Equal(t, time.Minute, Duration("-1s", time.Minute))
}
