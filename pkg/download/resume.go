package download

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/modelget/modelget/pkg/client"
)

// ResumeDownloader fetches a file into <dest>.part, continuing from whatever
// an earlier attempt left there. A failure mid-transfer keeps the partial
// file; calling Download again with the same task picks up where it
// stopped.
type ResumeDownloader struct {
	client Client
	opts   Options
}

func NewResume(c Client, opts Options) *ResumeDownloader {
	return &ResumeDownloader{client: c, opts: opts.withDefaults()}
}

func (d *ResumeDownloader) Download(ctx context.Context, task Task, progress ProgressFunc) Result {
	task = task.withID()
	started := time.Now()
	ctx, cancel := d.opts.withTimeout(ctx)
	defer cancel()

	logger := taskLogger(task)
	size, err := d.download(ctx, logger, task, progress)
	if err != nil {
		logger.Debug().Err(err).Msg("Download failed")
	}
	return newResult(task, started, size, err)
}

func (d *ResumeDownloader) download(ctx context.Context, logger zerolog.Logger, task Task, progress ProgressFunc) (int64, error) {
	afs := d.opts.Fs
	part := task.PartPath()
	if err := ensureDir(afs, task.Dest); err != nil {
		return 0, err
	}

	// A chunk state file means the .part has the sparse layout of a ranged
	// parallel download, so its length says nothing about what was written.
	if stateExists(afs, task.statePath()) {
		logger.Debug().Msg("Discarding chunked partial file")
		discard(afs, task)
	}

	offset, err := partSize(afs, part)
	if err != nil {
		return 0, err
	}

	header := cloneHeader(task.Header)
	if offset > 0 {
		header.Set("Range", client.RangeHeader(offset, -1))
	}
	stream, err := d.client.GetStream(ctx, task.URL, header)
	if err != nil {
		var e *client.Error
		if offset > 0 && errors.As(err, &e) && e.Status == http.StatusRequestedRangeNotSatisfiable {
			return d.rangeNotSatisfiable(ctx, logger, task, progress, e, offset)
		}
		return 0, err
	}
	defer stream.Body.Close()

	flags := os.O_WRONLY | os.O_CREATE
	total := stream.ContentLength
	remoteTotal := int64(-1)
	if stream.Partial() {
		cr, err := stream.ContentRange()
		if err != nil {
			return offset, client.NewHTTPError("GET "+task.URL, stream.StatusCode, "%w", err)
		}
		if cr.Start != offset {
			return offset, client.NewHTTPError("GET "+task.URL, stream.StatusCode,
				"requested bytes from %d, server sent %d-%d", offset, cr.Start, cr.End)
		}
		flags |= os.O_APPEND
		total = cr.Total
		remoteTotal = cr.Total
	} else {
		if offset > 0 {
			logger.Info().Int64("offset", offset).Msg("Server ignored range request, restarting")
		}
		offset = 0
		flags |= os.O_TRUNC
	}
	if total < 0 && task.ExpectedSize > 0 {
		total = task.ExpectedSize
	}

	f, err := afs.OpenFile(part, flags, 0o644)
	if err != nil {
		return offset, client.NewFileSystemError("open "+part, err)
	}
	logger.Debug().Int64("offset", offset).Int64("size", total).Int("status", stream.StatusCode).Msg("Downloading")

	state := NewProgressState(total, offset, d.opts.ProgressInterval, progress)
	n, err := copyWithProgress("GET "+task.URL, f, stream.Body, make([]byte, d.opts.BufferSize), state)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = client.NewFileSystemError("close "+part, cerr)
	}
	if err != nil {
		return offset + n, err
	}
	if expected := stream.ContentLength; expected >= 0 && n != expected {
		// Keep what arrived; the next call resumes from here.
		return offset + n, client.ClassifyError("GET "+task.URL, io.ErrUnexpectedEOF)
	}
	if remoteTotal >= 0 && offset+n != remoteTotal {
		// The server sent a shorter range than asked for. Keep it and
		// continue from the new end next time.
		return offset + n, client.NewHTTPError("GET "+task.URL, stream.StatusCode,
			"received bytes %d-%d of %d", offset, offset+n-1, remoteTotal)
	}
	state.Flush()

	size, err := finalize(afs, task)
	if err != nil {
		return size, err
	}
	logComplete(logger, n, time.Since(state.started))
	return size, nil
}

// rangeNotSatisfiable handles a 416 for a resume request. When the partial
// file already holds the whole remote file it only needs finalizing;
// otherwise the partial file is unusable and the download starts over.
func (d *ResumeDownloader) rangeNotSatisfiable(ctx context.Context, logger zerolog.Logger, task Task, progress ProgressFunc, e *client.Error, offset int64) (int64, error) {
	cr, err := client.ParseContentRange(e.Header.Get("Content-Range"))
	if err == nil && cr.Total == offset {
		logger.Debug().Int64("size", offset).Msg("Partial file already complete")
		if progress != nil {
			progress(offset, offset, 0)
		}
		return finalize(d.opts.Fs, task)
	}
	logger.Info().Int64("offset", offset).Int64("remote_size", cr.Total).Msg("Partial file does not match remote, restarting")
	if err := d.opts.Fs.Remove(task.PartPath()); err != nil {
		return 0, client.NewFileSystemError("remove "+task.PartPath(), err)
	}
	return d.download(ctx, logger, task, progress)
}

func partSize(afs afero.Fs, path string) (int64, error) {
	info, err := afs.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, client.NewFileSystemError("stat "+path, err)
	}
	return info.Size(), nil
}

func cloneHeader(header http.Header) http.Header {
	if header == nil {
		return make(http.Header)
	}
	return header.Clone()
}
