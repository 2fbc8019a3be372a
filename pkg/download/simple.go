package download

import (
	"context"
	"os"
	"time"

	"github.com/modelget/modelget/pkg/client"
)

// SimpleDownloader fetches a file with one plain GET. It suits small files
// where resuming is not worth the bookkeeping: a failure removes the
// partial file.
type SimpleDownloader struct {
	client Client
	opts   Options
}

func NewSimple(c Client, opts Options) *SimpleDownloader {
	return &SimpleDownloader{client: c, opts: opts.withDefaults()}
}

func (d *SimpleDownloader) Download(ctx context.Context, task Task, progress ProgressFunc) Result {
	task = task.withID()
	started := time.Now()
	ctx, cancel := d.opts.withTimeout(ctx)
	defer cancel()

	size, err := d.download(ctx, task, progress)
	if err != nil {
		logger := taskLogger(task)
		logger.Debug().Err(err).Msg("Download failed")
	}
	return newResult(task, started, size, err)
}

func (d *SimpleDownloader) download(ctx context.Context, task Task, progress ProgressFunc) (int64, error) {
	afs := d.opts.Fs
	if err := ensureDir(afs, task.Dest); err != nil {
		return 0, err
	}

	stream, err := d.client.GetStream(ctx, task.URL, task.Header)
	if err != nil {
		return 0, err
	}
	defer stream.Body.Close()

	part := task.PartPath()
	f, err := afs.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, client.NewFileSystemError("create "+part, err)
	}

	total := stream.ContentLength
	if total < 0 && task.ExpectedSize > 0 {
		total = task.ExpectedSize
	}
	state := NewProgressState(total, 0, d.opts.ProgressInterval, progress)
	n, err := copyWithProgress("GET "+task.URL, f, stream.Body, make([]byte, d.opts.BufferSize), state)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = client.NewFileSystemError("close "+part, cerr)
	}
	if err == nil && stream.ContentLength >= 0 && n != stream.ContentLength {
		err = client.NewIntegrityError("GET "+task.URL, "short body: expected %d bytes, got %d", stream.ContentLength, n)
	}
	if err != nil {
		_ = afs.Remove(part)
		return n, err
	}
	state.Flush()

	size, err := finalize(afs, task)
	if err != nil {
		_ = afs.Remove(part)
		return size, err
	}
	logComplete(taskLogger(task), size, time.Since(state.started))
	return size, nil
}
