package optname

const (
	APIKey           = "api-key"
	Concurrency      = "concurrency"
	ConfigFile       = "config"
	DownloadTimeout  = "download-timeout"
	Force            = "force"
	LoggingLevel     = "log-level"
	MaxConnPerHost   = "max-conn-per-host"
	MaxWorkers       = "max-workers"
	MinimumChunkSize = "minimum-chunk-size"
	NoChunks         = "no-chunks"
	PIDFile          = "pid-file"
	Resolve          = "resolve"
	Retries          = "retries"
	RetryDelayBase   = "retry-delay-base"
	RetryMaxDelay    = "retry-max-delay"
	SHA256           = "sha256"
	Timeout          = "timeout"
	Verbose          = "verbose"
)
