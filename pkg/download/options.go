package download

import (
	"context"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/semaphore"
)

const (
	defaultMaxConcurrency   = 4
	defaultChunkAttempts    = 3
	defaultProgressInterval = 100 * time.Millisecond
	defaultBufferSize       = 32 * 1024
)

type Options struct {
	// Maximum number of chunks a file is split into. If set to zero, 4
	// will be used.
	MaxConcurrency int

	// Minimum number of bytes per chunk. Zero lets chunks shrink to a
	// single byte.
	MinChunkSize int64

	// ChunkAttempts bounds how many times a chunk is requested before it
	// is marked failed. If set to zero, 3 will be used.
	ChunkAttempts int

	// DownloadTimeout caps the wall-clock time of one download. Zero means
	// no limit.
	DownloadTimeout time.Duration

	// ProgressInterval is the minimum gap between progress callbacks.
	ProgressInterval time.Duration

	BufferSize int

	// Semaphore, when set, is shared across downloads to bound the total
	// number of chunk requests in flight.
	Semaphore *semaphore.Weighted

	// Fs is where partial and final files are written. Defaults to the
	// host filesystem.
	Fs afero.Fs
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = defaultMaxConcurrency
	}
	if o.MinChunkSize < 0 {
		o.MinChunkSize = 0
	}
	if o.ChunkAttempts <= 0 {
		o.ChunkAttempts = defaultChunkAttempts
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = defaultProgressInterval
	}
	if o.BufferSize <= 0 {
		o.BufferSize = defaultBufferSize
	}
	if o.Fs == nil {
		o.Fs = afero.NewOsFs()
	}
	return o
}

func (o Options) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.DownloadTimeout > 0 {
		return context.WithTimeout(ctx, o.DownloadTimeout)
	}
	return context.WithCancel(ctx)
}
