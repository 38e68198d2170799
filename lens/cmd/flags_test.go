package cmd

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PatchLens/go-step-lens/lens"
)

// setArgs installs a fresh flag set and command line for a single ParseFlags call.
func setArgs(t *testing.T, args ...string) {
	t.Helper()

	oldArgs := os.Args
	oldCommandLine := flag.CommandLine
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	os.Args = append([]string{os.Args[0]}, args...)
	t.Setenv("PORT", "")
	t.Cleanup(func() {
		os.Args = oldArgs
		flag.CommandLine = oldCommandLine
	})
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "steplens.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParseFlags(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		setArgs(t)

		cfg, err := ParseFlags(nil)
		require.NoError(t, err)

		defaults := lens.DefaultConfig()
		assert.Equal(t, defaults.Host, cfg.Host)
		assert.Equal(t, lens.DefaultPort, cfg.Port)
		assert.Equal(t, defaults.Trace, cfg.Trace)
		assert.Equal(t, defaults.ExecTimeout, cfg.ExecTimeout)
		assert.Empty(t, cfg.StorageDir)
		// validation happens in Config.Prepare(), not ParseFlags
		require.NoError(t, cfg.Prepare())
	})

	t.Run("explicit_flags", func(t *testing.T) {
		storage := t.TempDir()
		setArgs(t, "-host", "127.0.0.1", "-port", "9000", "-steps", "50", "-preview", "80",
			"-maxdepth", "200", "-timeout", "3s", "-concurrency", "2", "-maxcode", "2048",
			"-storage", storage, "-maxruns", "10", "-cachemb", "32", "-runttl", "1h",
			"-loglevel", "debug", "-logconsole")

		cfg, err := ParseFlags(nil)
		require.NoError(t, err)

		assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr())
		assert.Equal(t, 50, cfg.Trace.StepCap)
		assert.Equal(t, 80, cfg.Trace.PreviewLimit)
		assert.Equal(t, 200, cfg.Trace.MaxCallDepth)
		assert.Equal(t, 3*time.Second, cfg.ExecTimeout)
		assert.Equal(t, 2, cfg.MaxConcurrentRuns)
		assert.Equal(t, int64(2048), cfg.MaxCodeBytes)
		assert.Equal(t, storage, cfg.StorageDir)
		assert.Equal(t, 10, cfg.StorageMaxRuns)
		assert.Equal(t, 32, cfg.StorageCacheMB)
		assert.Equal(t, time.Hour, cfg.RunTTL)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.True(t, cfg.LogConsole)
	})

	t.Run("port_env", func(t *testing.T) {
		setArgs(t)
		t.Setenv("PORT", "8123")

		cfg, err := ParseFlags(nil)
		require.NoError(t, err)
		assert.Equal(t, 8123, cfg.Port)
	})

	t.Run("port_flag_over_env", func(t *testing.T) {
		setArgs(t, "-port", "9001")
		t.Setenv("PORT", "8123")

		cfg, err := ParseFlags(nil)
		require.NoError(t, err)
		assert.Equal(t, 9001, cfg.Port)
	})

	t.Run("invalid_port_env", func(t *testing.T) {
		setArgs(t)
		t.Setenv("PORT", "http")

		_, err := ParseFlags(nil)
		require.Error(t, err)
	})

	t.Run("config_file", func(t *testing.T) {
		path := writeConfigFile(t, `
host: 127.0.0.1
port: 8500
exec_timeout: 2s
trace:
  step_cap: 25
  preview_limit: 60
run_ttl: 30m
`)
		setArgs(t, "-config", path)

		cfg, err := ParseFlags(nil)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", cfg.Host)
		assert.Equal(t, 8500, cfg.Port)
		assert.Equal(t, 2*time.Second, cfg.ExecTimeout)
		assert.Equal(t, 25, cfg.Trace.StepCap)
		assert.Equal(t, 60, cfg.Trace.PreviewLimit)
		// unset file values keep their defaults
		assert.Equal(t, lens.DefaultMaxCallDepth, cfg.Trace.MaxCallDepth)
		assert.Equal(t, 30*time.Minute, cfg.RunTTL)
	})

	t.Run("config_file_layering", func(t *testing.T) {
		path := writeConfigFile(t, "port: 8500\ntrace:\n  step_cap: 25\n")
		setArgs(t, "-config", path, "-steps", "40")
		t.Setenv("PORT", "8600")

		cfg, err := ParseFlags(nil)
		require.NoError(t, err)
		assert.Equal(t, 8600, cfg.Port) // env over file
		assert.Equal(t, 40, cfg.Trace.StepCap)
	})

	t.Run("config_file_empty", func(t *testing.T) {
		path := writeConfigFile(t, "")
		setArgs(t, "-config", path)

		cfg, err := ParseFlags(nil)
		require.NoError(t, err)
		assert.Equal(t, lens.DefaultPort, cfg.Port)
	})

	t.Run("config_file_unknown_field", func(t *testing.T) {
		path := writeConfigFile(t, "project: /tmp\n")
		setArgs(t, "-config", path)

		_, err := ParseFlags(nil)
		require.Error(t, err)
	})

	t.Run("config_file_missing", func(t *testing.T) {
		setArgs(t, "-config", filepath.Join(t.TempDir(), "missing.yaml"))

		_, err := ParseFlags(nil)
		require.Error(t, err)
	})

	t.Run("custom_flags", func(t *testing.T) {
		setArgs(t, "-script", "main.star", "-num", "2", "-echo")
		cfs := []CustomFlag{
			{Name: "script", DefaultValue: "", Usage: "", Type: "string"},
			{Name: "num", DefaultValue: 0, Usage: "", Type: "int"},
			{Name: "echo", DefaultValue: false, Usage: "", Type: "bool"},
		}

		cfg, err := ParseFlags(cfs)
		require.NoError(t, err)

		assert.Equal(t, "main.star", cfg.CustomFlags["script"])
		assert.Equal(t, "2", cfg.CustomFlags["num"])
		assert.Equal(t, "true", cfg.CustomFlags["echo"])
	})

	t.Run("custom_flags_with_defaults", func(t *testing.T) {
		setArgs(t)
		cfs := []CustomFlag{
			{Name: "defaultstr", DefaultValue: "default", Usage: "test string", Type: "string"},
			{Name: "defaultnum", DefaultValue: 42, Usage: "test int", Type: "int"},
			{Name: "defaultbool", DefaultValue: true, Usage: "test bool", Type: "bool"},
		}

		cfg, err := ParseFlags(cfs)
		require.NoError(t, err)

		assert.Equal(t, "default", cfg.CustomFlags["defaultstr"])
		assert.Equal(t, "42", cfg.CustomFlags["defaultnum"])
		assert.Equal(t, "true", cfg.CustomFlags["defaultbool"])
	})

	t.Run("custom_flags_overriding_defaults", func(t *testing.T) {
		setArgs(t, "-overridestr", "overridden", "-overridenum", "100", "-overridebool=false")
		cfs := []CustomFlag{
			{Name: "overridestr", DefaultValue: "default", Usage: "test string", Type: "string"},
			{Name: "overridenum", DefaultValue: 42, Usage: "test int", Type: "int"},
			{Name: "overridebool", DefaultValue: true, Usage: "test bool", Type: "bool"},
		}

		cfg, err := ParseFlags(cfs)
		require.NoError(t, err)

		assert.Equal(t, "overridden", cfg.CustomFlags["overridestr"])
		assert.Equal(t, "100", cfg.CustomFlags["overridenum"])
		assert.Equal(t, "false", cfg.CustomFlags["overridebool"])
	})

	t.Run("nil_custom_flags", func(t *testing.T) {
		setArgs(t)

		cfg, err := ParseFlags(nil)
		require.NoError(t, err)

		assert.NotNil(t, cfg.CustomFlags)
		assert.Empty(t, cfg.CustomFlags)
	})
}
