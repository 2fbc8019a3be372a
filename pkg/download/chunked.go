package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/modelget/modelget/pkg/client"
)

// chunkRetryBackoff is multiplied by the attempt number between chunk
// re-requests. Request-level retries already happen inside the client.
const chunkRetryBackoff = 100 * time.Millisecond

// ChunkedDownloader splits a file into byte ranges fetched in parallel, each
// written straight into its own window of a pre-sized partial file. Servers
// that do not support ranges are handed to a ResumeDownloader instead.
type ChunkedDownloader struct {
	client   Client
	opts     Options
	fallback *ResumeDownloader
}

func NewChunked(c Client, opts Options) *ChunkedDownloader {
	opts = opts.withDefaults()
	fallbackOpts := opts
	// The fallback runs inside this downloader's deadline.
	fallbackOpts.DownloadTimeout = 0
	return &ChunkedDownloader{
		client:   c,
		opts:     opts,
		fallback: NewResume(c, fallbackOpts),
	}
}

func (d *ChunkedDownloader) Download(ctx context.Context, task Task, progress ProgressFunc) Result {
	task = task.withID()
	started := time.Now()
	ctx, cancel := d.opts.withTimeout(ctx)
	defer cancel()

	logger := taskLogger(task)
	info, err := d.client.Head(ctx, task.URL, task.Header)
	if err != nil {
		return newResult(task, started, 0, err)
	}
	if !info.AcceptRanges || info.Size <= 0 {
		logger.Debug().
			Bool("accept_ranges", info.AcceptRanges).
			Int64("size", info.Size).
			Msg("Ranged download unavailable, falling back to a single stream")
		result := d.fallback.Download(ctx, task, progress)
		result.Elapsed = time.Since(started)
		return result
	}
	if task.ExpectedSize > 0 && info.Size != task.ExpectedSize {
		err := client.NewIntegrityError("HEAD "+task.URL, "size mismatch: expected %d bytes, remote has %d", task.ExpectedSize, info.Size)
		return newResult(task, started, 0, err)
	}

	chunks, size, err := d.download(ctx, logger, task, info, progress)
	result := newResult(task, started, size, err)
	result.Chunks = chunks
	if err != nil {
		logger.Debug().Err(err).Msg("Download failed")
	}
	return result
}

func (d *ChunkedDownloader) download(ctx context.Context, logger zerolog.Logger, task Task, info *client.RemoteInfo, progress ProgressFunc) ([]ChunkSpec, int64, error) {
	afs := d.opts.Fs
	if err := ensureDir(afs, task.Dest); err != nil {
		return nil, 0, err
	}

	chunks, fp, err := d.prepare(logger, task, info)
	if err != nil {
		return nil, 0, err
	}

	part := task.PartPath()
	f, err := afs.OpenFile(part, os.O_WRONLY, 0o644)
	if err != nil {
		return chunks, 0, client.NewFileSystemError("open "+part, err)
	}

	var pending []int
	var already int64
	for i, c := range chunks {
		if c.Status == ChunkDone {
			already += c.Size()
			continue
		}
		chunks[i].Status = ChunkPending
		pending = append(pending, i)
	}
	logger.Debug().
		Int64("size", info.Size).
		Int("chunks", len(chunks)).
		Int("pending", len(pending)).
		Msg("Downloading")

	// Chunk requests go to the final URL so redirects are followed once.
	url := task.URL
	if info.URL != "" {
		url = info.URL
	}
	state := NewProgressState(info.Size, already, d.opts.ProgressInterval, progress)
	errs := make([]error, len(chunks))

	// A plain Group: one chunk failing must not cancel the others.
	var g errgroup.Group
	g.SetLimit(d.opts.MaxConcurrency)
	for _, i := range pending {
		i := i
		g.Go(func() error {
			chunks[i].Status = ChunkInProgress
			if err := d.fetchChunk(ctx, logger, url, task.Header, f, info.Size, chunks[i], state); err != nil {
				chunks[i].Status = ChunkFailed
				errs[i] = err
				return nil
			}
			chunks[i].Status = ChunkDone
			return nil
		})
	}
	_ = g.Wait()
	state.Flush()

	if err := f.Close(); err != nil {
		return chunks, 0, client.NewFileSystemError("close "+part, err)
	}

	var failed int
	var firstErr error
	for _, err := range errs {
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if failed > 0 {
		if err := saveState(afs, task.statePath(), &chunkState{Fingerprint: fp, Size: info.Size, Chunks: chunks}); err != nil {
			logger.Warn().Err(err).Msg("Failed to save chunk state")
		}
		return chunks, 0, fmt.Errorf("%d of %d chunks failed: %w", failed, len(chunks), firstErr)
	}

	if err := removeState(afs, task.statePath()); err != nil {
		return chunks, 0, client.NewFileSystemError("remove "+task.statePath(), err)
	}
	size, err := finalize(afs, task)
	if err != nil {
		return chunks, size, err
	}
	logComplete(logger, info.Size-already, time.Since(state.started))
	return chunks, size, nil
}

// prepare returns the chunk plan, reusing finished chunks from an earlier
// attempt when the state file matches the remote file and plan.
func (d *ChunkedDownloader) prepare(logger zerolog.Logger, task Task, info *client.RemoteInfo) ([]ChunkSpec, uint64, error) {
	afs := d.opts.Fs
	chunks := planChunks(info.Size, d.opts.MaxConcurrency, d.opts.MinChunkSize)
	fp, err := fingerprint(task.URL, info.Size, info.ETag, chunks)
	if err != nil {
		return nil, 0, fmt.Errorf("fingerprinting chunk plan: %w", err)
	}

	st, err := loadState(afs, task.statePath())
	if err != nil {
		return nil, 0, client.NewFileSystemError("read "+task.statePath(), err)
	}
	if st != nil && st.Fingerprint == fp && len(st.Chunks) == len(chunks) {
		if size, err := partSize(afs, task.PartPath()); err == nil && size == info.Size {
			logger.Info().Msg("Resuming chunked download")
			return st.Chunks, fp, nil
		}
	}

	if st != nil {
		logger.Debug().Msg("Chunk state does not match, starting over")
	}
	if err := createSized(afs, task.PartPath(), info.Size); err != nil {
		return nil, 0, err
	}
	// Written up front so a crash leaves a record that the .part is sparse.
	if err := saveState(afs, task.statePath(), &chunkState{Fingerprint: fp, Size: info.Size, Chunks: chunks}); err != nil {
		return nil, 0, client.NewFileSystemError("write "+task.statePath(), err)
	}
	return chunks, fp, nil
}

func createSized(afs afero.Fs, path string, size int64) error {
	f, err := afs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return client.NewFileSystemError("create "+path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return client.NewFileSystemError("truncate "+path, err)
	}
	if err := f.Close(); err != nil {
		return client.NewFileSystemError("close "+path, err)
	}
	return nil
}

// fetchChunk fills one chunk, re-requesting only the bytes still missing
// after a failure.
func (d *ChunkedDownloader) fetchChunk(ctx context.Context, logger zerolog.Logger, url string, header http.Header, f io.WriterAt, size int64, chunk ChunkSpec, state *ProgressState) error {
	buf := make([]byte, d.opts.BufferSize)
	var written int64
	for attempt := 1; ; attempt++ {
		n, err := d.fetchRange(ctx, url, header, f, size, chunk.Start+written, chunk.End, buf, state)
		written += n
		if err == nil {
			return nil
		}
		if attempt >= d.opts.ChunkAttempts || ctx.Err() != nil || !chunkRetryable(err) {
			return fmt.Errorf("chunk %d (bytes %d-%d): %w", chunk.Index, chunk.Start, chunk.End, err)
		}
		logger.Warn().
			Err(err).
			Int("chunk", chunk.Index).
			Int("attempt", attempt).
			Int64("written", written).
			Msg("Chunk failed, retrying")

		timer := time.NewTimer(time.Duration(attempt) * chunkRetryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("chunk %d: %w", chunk.Index, client.ClassifyError("GET "+url, ctx.Err()))
		case <-timer.C:
		}
	}
}

// fetchRange writes bytes start-end of a file of the given size into f.
func (d *ChunkedDownloader) fetchRange(ctx context.Context, url string, header http.Header, f io.WriterAt, size, start, end int64, buf []byte, state *ProgressState) (int64, error) {
	if sem := d.opts.Semaphore; sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return 0, client.ClassifyError("GET "+url, err)
		}
		defer sem.Release(1)
	}

	op := "GET " + url
	header = cloneHeader(header)
	header.Set("Range", client.RangeHeader(start, end))
	stream, err := d.client.GetStream(ctx, url, header)
	if err != nil {
		return 0, err
	}
	defer stream.Body.Close()

	want := end - start + 1
	if !stream.Partial() {
		// Whole-body replies are only usable when they are exactly the range.
		if start != 0 || stream.ContentLength != want {
			return 0, client.NewHTTPError(op, stream.StatusCode, "expected partial content for bytes %d-%d", start, end)
		}
	} else {
		cr, err := stream.ContentRange()
		if err != nil {
			return 0, client.NewHTTPError(op, stream.StatusCode, "%w", err)
		}
		if cr.Start != start || cr.End != end {
			return 0, client.NewHTTPError(op, stream.StatusCode,
				"inconsistent Content-Range: requested %d-%d, got %d-%d", start, end, cr.Start, cr.End)
		}
		if cr.Total >= 0 && cr.Total != size {
			return 0, client.NewHTTPError(op, stream.StatusCode,
				"inconsistent Content-Range: file size changed from %d to %d", size, cr.Total)
		}
	}

	n, err := copyWithProgress(op, io.NewOffsetWriter(f, start), io.LimitReader(stream.Body, want), buf, state)
	if err != nil {
		return n, err
	}
	if n != want {
		return n, client.ClassifyError(op, io.ErrUnexpectedEOF)
	}
	return n, nil
}

// chunkRetryable reports whether re-requesting a chunk may help. Besides
// transient failures this covers responses with a wrong Content-Range.
func chunkRetryable(err error) bool {
	var e *client.Error
	if !errors.As(err, &e) {
		return false
	}
	if e.Kind == client.KindHTTP && e.Status == http.StatusPartialContent {
		return true
	}
	return e.Retryable()
}
