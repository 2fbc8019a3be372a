package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelget/modelget/pkg/optname"
)

func TestSetLogLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	testCases := []struct {
		name     string
		logLevel string
		expected string
	}{
		{"trace", "trace", "trace"},
		{"debug", "debug", "debug"},
		{"info", "info", "info"},
		{"warn", "warn", "warn"},
		{"error", "error", "error"},
		{"unknown", "loud", "info"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			setLogLevel(tc.logLevel)
			assert.Equal(t, tc.expected, zerolog.GlobalLevel().String())
		})
	}
}

func TestResolveOverrides(t *testing.T) {
	testCases := []struct {
		name     string
		resolve  []string
		expected map[string]string
		err      bool
	}{
		{"empty", []string{}, nil, false},
		{"single", []string{"example.com:80:127.0.0.1"}, map[string]string{"example.com:80": "127.0.0.1:80"}, false},
		{"multiple", []string{"example.com:80:127.0.0.1", "example.com:443:127.0.0.1"}, map[string]string{"example.com:80": "127.0.0.1:80", "example.com:443": "127.0.0.1:443"}, false},
		{"invalid ip", []string{"example.com:80:InvalidIPAddr"}, nil, true},
		{"duplicate host different target", []string{"example.com:80:127.0.0.1", "example.com:80:127.0.0.2"}, nil, true},
		{"duplicate host same target", []string{"example.com:80:127.0.0.1", "example.com:80:127.0.0.1"}, map[string]string{"example.com:80": "127.0.0.1:80"}, false},
		{"invalid format", []string{"example.com:80"}, nil, true},
		{"invalid hostname format, is IP Addr", []string{"127.0.0.1:443:127.0.0.2"}, nil, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resolveOverrides, err := ResolveOverridesToMap(tc.resolve)
			assert.Equal(t, tc.err, err != nil)
			assert.Equal(t, tc.expected, resolveOverrides)
		})
	}
}

func newRootCommand(t *testing.T) *cobra.Command {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	cmd := &cobra.Command{Use: "modelget", RunE: func(*cobra.Command, []string) error { return nil }}
	require.NoError(t, AddRootPersistentFlags(cmd))
	return cmd
}

func TestClientConfigDefaults(t *testing.T) {
	newRootCommand(t)

	cfg, err := ClientConfig()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Nil(t, cfg.ResolveOverrides)
	assert.Empty(t, cfg.APIKey)

	opts, err := DownloadOptions()
	require.NoError(t, err)
	assert.Equal(t, 4, opts.MaxConcurrency)
	assert.Equal(t, int64(16_000_000), opts.MinChunkSize)
	assert.Equal(t, 8, MaxWorkers())
}

func TestFlagsAndEnvironment(t *testing.T) {
	cmd := newRootCommand(t)
	t.Setenv("MODELGET_API_KEY", "secret")
	t.Setenv("MODELGET_RETRY_MAX_DELAY", "2s")

	require.NoError(t, cmd.ParseFlags([]string{"-r", "2", "--timeout", "5s", "-c", "16", "-m", "1MiB", "--resolve", "example.com:443:127.0.0.1"}))

	cfg, err := ClientConfig()
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.APIKey)
	assert.Equal(t, 2, cfg.Retry.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, map[string]string{"example.com:443": "127.0.0.1:443"}, cfg.ResolveOverrides)

	opts, err := DownloadOptions()
	require.NoError(t, err)
	assert.Equal(t, 16, opts.MaxConcurrency)
	assert.Equal(t, int64(1<<20), opts.MinChunkSize)
}

func TestInvalidSettings(t *testing.T) {
	cmd := newRootCommand(t)
	require.NoError(t, cmd.ParseFlags([]string{"--retries=-1"}))
	_, err := ClientConfig()
	assert.ErrorContains(t, err, "retries")

	viper.Set(optname.Retries, 1)
	viper.Set(optname.MinimumChunkSize, "lots")
	_, err = DownloadOptions()
	assert.ErrorContains(t, err, optname.MinimumChunkSize)

	viper.Set(optname.MinimumChunkSize, "1M")
	viper.Set(optname.Concurrency, 0)
	_, err = DownloadOptions()
	assert.ErrorContains(t, err, optname.Concurrency)
}

func TestConfigFile(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	cmd := newRootCommand(t)
	path := filepath.Join(t.TempDir(), "modelget.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retries: 9\nlog-level: warn\nmax-workers: 3\n"), 0o644))
	require.NoError(t, cmd.ParseFlags([]string{"--config", path}))

	require.NoError(t, PersistentStartupProcessFlags())
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
	assert.Equal(t, 3, MaxWorkers())

	cfg, err := ClientConfig()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Retry.MaxRetries)
}

func TestConfigFileMissing(t *testing.T) {
	cmd := newRootCommand(t)
	require.NoError(t, cmd.ParseFlags([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml")}))
	assert.ErrorContains(t, PersistentStartupProcessFlags(), "error reading config file")
}

func TestVerboseSetsDebug(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	cmd := newRootCommand(t)
	require.NoError(t, cmd.ParseFlags([]string{"-v"}))
	require.NoError(t, PersistentStartupProcessFlags())
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}
