package download

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/modelget/modelget/pkg/client"
	"github.com/modelget/modelget/pkg/logging"
)

func ensureDir(afs afero.Fs, dest string) error {
	dir := filepath.Dir(dest)
	if err := afs.MkdirAll(dir, 0o755); err != nil {
		return client.NewFileSystemError("create directory "+dir, err)
	}
	return nil
}

// copyWithProgress streams src into dst. Read failures are classified as
// transfer errors, write failures as filesystem errors.
func copyWithProgress(op string, dst io.Writer, src io.Reader, buf []byte, progress *ProgressState) (int64, error) {
	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			progress.Add(int64(nw))
			if werr != nil {
				return written, client.NewFileSystemError(op, werr)
			}
			if nw != nr {
				return written, client.NewFileSystemError(op, io.ErrShortWrite)
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, client.ClassifyError(op, rerr)
		}
	}
}

// finalize verifies the partial file and renames it into place. The rename
// is the only point at which the destination appears.
func finalize(afs afero.Fs, task Task) (int64, error) {
	size, err := verify(afs, task.PartPath(), task)
	if err != nil {
		if client.KindOf(err) == client.KindIntegrity {
			// Resuming corrupt data can never succeed.
			discard(afs, task)
		}
		return size, err
	}
	if err := afs.Rename(task.PartPath(), task.Dest); err != nil {
		return size, client.NewFileSystemError("rename "+task.PartPath(), err)
	}
	return size, nil
}

func discard(afs afero.Fs, task Task) {
	_ = afs.Remove(task.PartPath())
	_ = removeState(afs, task.statePath())
}

func taskLogger(task Task) zerolog.Logger {
	return logging.GetLogger().With().
		Str("task", task.ID).
		Str("url", task.URL).
		Str("dest", task.Dest).
		Logger()
}

func logComplete(logger zerolog.Logger, size int64, elapsed time.Duration) {
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		seconds = 1e-9
	}
	throughput := fmt.Sprintf("%s/s", humanize.Bytes(uint64(float64(size)/seconds)))
	logger.Info().
		Str("size", humanize.Bytes(uint64(size))).
		Str("elapsed", fmt.Sprintf("%.3fs", seconds)).
		Str("throughput", throughput).
		Msg("Complete")
}

func newResult(task Task, started time.Time, size int64, err error) Result {
	r := Result{
		TaskID:  task.ID,
		Success: err == nil,
		Err:     err,
		Size:    size,
		Elapsed: time.Since(started),
	}
	if err == nil {
		r.FinalPath = task.Dest
	}
	return r
}
