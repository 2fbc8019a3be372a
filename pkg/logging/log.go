package logging

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func SetupLogger() {
	// TODO: Make color configurable? Disabled so we don't have to deal with ANSI escape codes in our logoutput
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339, NoColor: true}
	output.FormatLevel = func(i interface{}) string {
		return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
	}
	output.FormatMessage = func(i interface{}) string {
		return fmt.Sprintf("[ %s ]", i)
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

func GetLogger() zerolog.Logger {
	return log.Logger
}

// RetryLogger adapts a zerolog.Logger to retryablehttp.LeveledLogger so the
// per-attempt chatter of the retry loop lands in the same log stream.
type RetryLogger struct {
	Logger zerolog.Logger
}

var _ retryablehttp.LeveledLogger = RetryLogger{}

// Error is downgraded to warn: a failed attempt is not a failed request, the
// client reports the final outcome itself.
func (l RetryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.Logger.Warn().Fields(keysAndValues).Msg(msg)
}

func (l RetryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.Logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l RetryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.Logger.Trace().Fields(keysAndValues).Msg(msg)
}

func (l RetryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.Logger.Warn().Fields(keysAndValues).Msg(msg)
}
