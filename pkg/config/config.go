package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/modelget/modelget/pkg/client"
	"github.com/modelget/modelget/pkg/download"
	"github.com/modelget/modelget/pkg/logging"
	"github.com/modelget/modelget/pkg/optname"
)

const EnvPrefix = "MODELGET"

func AddRootPersistentFlags(cmd *cobra.Command) error {
	// Persistent Flags (applies to all commands/subcommands)
	defaults := client.DefaultConfig()
	cmd.PersistentFlags().String(optname.APIKey, "", "Bearer token sent with every request (prefer the MODELGET_API_KEY environment variable)")
	cmd.PersistentFlags().String(optname.ConfigFile, "", "Path to a YAML config file")
	cmd.PersistentFlags().IntP(optname.Concurrency, "c", 4, "Maximum number of chunks for a given file")
	cmd.PersistentFlags().StringP(optname.MinimumChunkSize, "m", "16M", "Minimum chunk size (in bytes) to use when downloading a file (e.g. 10M)")
	cmd.PersistentFlags().Int(optname.MaxWorkers, 8, "Maximum number of files to download concurrently")
	cmd.PersistentFlags().Int(optname.MaxConnPerHost, 0, "Maximum number of (global) concurrent connections per host, 0 is unlimited")
	cmd.PersistentFlags().Duration(optname.Timeout, defaults.Timeout, "Timeout for connecting, receiving headers and between body reads, format is <number><unit>, e.g. 10s")
	cmd.PersistentFlags().Duration(optname.DownloadTimeout, 0, "Wall-clock limit for a single file, 0 is unlimited")
	cmd.PersistentFlags().IntP(optname.Retries, "r", defaults.Retry.MaxRetries, "Number of retries when attempting to retrieve a file")
	cmd.PersistentFlags().Duration(optname.RetryDelayBase, defaults.Retry.BaseDelay, "Delay before the first retry, doubled on every further attempt")
	cmd.PersistentFlags().Duration(optname.RetryMaxDelay, defaults.Retry.MaxDelay, "Upper bound for the delay between retries")
	cmd.PersistentFlags().BoolP(optname.Force, "f", false, "Force download, overwriting existing file")
	cmd.PersistentFlags().StringSlice(optname.Resolve, []string{}, "Resolve hostnames to specific IPs, format is <hostname>:<port>:<ip>")
	cmd.PersistentFlags().BoolP(optname.Verbose, "v", false, "Verbose mode (equivalent to --log-level debug)")
	cmd.PersistentFlags().String(optname.LoggingLevel, "info", "Log level (debug, info, warn, error)")

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return viper.BindPFlags(cmd.PersistentFlags())
}

func PersistentStartupProcessFlags() error {
	if path := viper.GetString(optname.ConfigFile); path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}
	if viper.GetBool(optname.Verbose) {
		viper.Set(optname.LoggingLevel, "debug")
	}
	setLogLevel(viper.GetString(optname.LoggingLevel))

	overrides, err := ResolveOverridesToMap(viper.GetStringSlice(optname.Resolve))
	if err != nil {
		return err
	}
	logger := logging.GetLogger()
	for key, elem := range overrides {
		logger.Debug().Str("host_port", key).Str("resolve_target", elem).Msg("Config")
	}
	return nil
}

func setLogLevel(logLevel string) {
	switch logLevel {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// ResolveOverridesToMap turns host:port:ip entries into a host:port to
// ip:port map for the client dialer. It returns nil when there is nothing
// to override.
func ResolveOverridesToMap(resolve []string) (map[string]string, error) {
	if len(resolve) == 0 {
		return nil, nil
	}
	overrides := make(map[string]string)
	for _, resolveHost := range resolve {
		split := strings.SplitN(resolveHost, ":", 3)
		if len(split) != 3 {
			return nil, fmt.Errorf("invalid resolve host format, expected <hostname>:port:<ip>, got: %s", resolveHost)
		}
		host, port, addr := split[0], split[1], split[2]
		if net.ParseIP(host) != nil {
			return nil, fmt.Errorf("invalid hostname specified, looks like an IP address: %s", host)
		}
		if net.ParseIP(addr) == nil {
			return nil, fmt.Errorf("invalid IP address: %s", addr)
		}
		hostPort := net.JoinHostPort(host, port)
		target := net.JoinHostPort(addr, port)
		if seen, ok := overrides[hostPort]; ok && seen != target {
			return nil, fmt.Errorf("duplicate host:port specified: %s", hostPort)
		}
		overrides[hostPort] = target
	}
	return overrides, nil
}

// ClientConfig builds the client settings from flags, environment and the
// optional config file.
func ClientConfig() (client.Config, error) {
	overrides, err := ResolveOverridesToMap(viper.GetStringSlice(optname.Resolve))
	if err != nil {
		return client.Config{}, err
	}
	cfg := client.DefaultConfig()
	cfg.APIKey = viper.GetString(optname.APIKey)
	cfg.Timeout = viper.GetDuration(optname.Timeout)
	cfg.MaxConnPerHost = viper.GetInt(optname.MaxConnPerHost)
	cfg.ResolveOverrides = overrides
	cfg.Retry.MaxRetries = viper.GetInt(optname.Retries)
	cfg.Retry.BaseDelay = viper.GetDuration(optname.RetryDelayBase)
	cfg.Retry.MaxDelay = viper.GetDuration(optname.RetryMaxDelay)
	if err := cfg.Validate(); err != nil {
		return client.Config{}, err
	}
	return cfg, nil
}

func DownloadOptions() (download.Options, error) {
	minChunkSize, err := humanize.ParseBytes(viper.GetString(optname.MinimumChunkSize))
	if err != nil {
		return download.Options{}, fmt.Errorf("invalid %s: %w", optname.MinimumChunkSize, err)
	}
	concurrency := viper.GetInt(optname.Concurrency)
	if concurrency < 1 {
		return download.Options{}, fmt.Errorf("%s must be at least 1, got %d", optname.Concurrency, concurrency)
	}
	timeout := viper.GetDuration(optname.DownloadTimeout)
	if timeout < 0 {
		return download.Options{}, fmt.Errorf("%s must be >= 0, got %s", optname.DownloadTimeout, timeout)
	}
	return download.Options{
		MaxConcurrency:  concurrency,
		MinChunkSize:    int64(minChunkSize),
		DownloadTimeout: timeout,
	}, nil
}

func MaxWorkers() int {
	return viper.GetInt(optname.MaxWorkers)
}
