package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/modelget/modelget/pkg/download"
	"github.com/modelget/modelget/pkg/logging"
)

const DefaultMaxWorkers = 8

// ProgressFunc is called after every finished task, successful or not.
// Calls are serialized.
type ProgressFunc func(done, total int, description string)

type FailedTask struct {
	Task download.Task
	Err  error
}

// Result summarises a batch. Tasks that were never started because the
// batch was cancelled are listed in Skipped.
type Result struct {
	Succeeded int
	Failed    []FailedTask
	Skipped   []download.Task
	Bytes     int64
	Elapsed   time.Duration
}

func (r Result) OK() bool {
	return len(r.Failed) == 0 && len(r.Skipped) == 0
}

func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	if len(r.Failed) > 0 {
		return fmt.Errorf("%d of %d files failed, first: %s: %w",
			len(r.Failed), r.total(), r.Failed[0].Task.URL, r.Failed[0].Err)
	}
	return fmt.Errorf("%d of %d files skipped", len(r.Skipped), r.total())
}

func (r Result) total() int {
	return r.Succeeded + len(r.Failed) + len(r.Skipped)
}

// Downloader fetches many small files through one shared client, one plain
// GET per file.
type Downloader struct {
	file     download.Downloader
	canceled atomic.Bool
}

func New(c download.Client, opts download.Options) *Downloader {
	return &Downloader{file: download.NewSimple(c, opts)}
}

// Cancel stops workers of the running DownloadMany from picking up new
// tasks. Tasks already running are allowed to finish. The next
// DownloadMany call starts uncanceled.
func (d *Downloader) Cancel() {
	d.canceled.Store(true)
}

// DownloadMany runs tasks on at most maxWorkers workers. A failed task never
// stops the others.
func (d *Downloader) DownloadMany(ctx context.Context, tasks []download.Task, maxWorkers int, progress ProgressFunc) Result {
	logger := logging.GetLogger()
	d.canceled.Store(false)
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	started := time.Now()

	queue := make(chan download.Task, len(tasks))
	for _, task := range tasks {
		queue <- task
	}
	close(queue)

	var (
		mu     sync.Mutex
		result Result
		done   int
	)
	record := func(task download.Task, res download.Result) {
		mu.Lock()
		defer mu.Unlock()
		done++
		if res.Success {
			result.Succeeded++
			result.Bytes += res.Size
		} else {
			result.Failed = append(result.Failed, FailedTask{Task: task, Err: res.Err})
			logger.Warn().Err(res.Err).Str("url", task.URL).Str("dest", task.Dest).Msg("Download failed")
		}
		if progress != nil {
			progress(done, len(tasks), describe(task))
		}
	}

	var eg errgroup.Group
	eg.SetLimit(maxWorkers)
	for w := 0; w < min(maxWorkers, len(tasks)); w++ {
		eg.Go(func() error {
			for {
				if ctx.Err() != nil || d.canceled.Load() {
					return nil
				}
				task, ok := <-queue
				if !ok {
					return nil
				}
				logger.Debug().Str("url", task.URL).Str("dest", task.Dest).Msg("Queueing Download")
				record(task, d.file.Download(ctx, task, nil))
			}
		})
	}
	_ = eg.Wait()

	for task := range queue {
		result.Skipped = append(result.Skipped, task)
	}
	result.Elapsed = time.Since(started)
	logMetrics(result)
	return result
}

func describe(task download.Task) string {
	if task.Description != "" {
		return task.Description
	}
	return task.Basename()
}

func logMetrics(result Result) {
	seconds := result.Elapsed.Seconds()
	if seconds <= 0 {
		seconds = 1e-9
	}
	throughput := float64(result.Bytes) / seconds
	logger := logging.GetLogger()
	logger.Info().
		Int("file_count", result.Succeeded).
		Int("failed", len(result.Failed)).
		Int("skipped", len(result.Skipped)).
		Str("total_bytes_downloaded", humanize.Bytes(uint64(result.Bytes))).
		Str("throughput", fmt.Sprintf("%s/s", humanize.Bytes(uint64(throughput)))).
		Str("elapsed_time", fmt.Sprintf("%.3fs", seconds)).
		Msg("Metrics")
}
