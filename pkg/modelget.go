package modelget

import (
	"context"
	"net/url"

	"github.com/modelget/modelget/pkg/batch"
	"github.com/modelget/modelget/pkg/client"
	"github.com/modelget/modelget/pkg/download"
)

// Getter ties the shared client to the downloaders. Every download it
// starts goes through the registry's current client.
type Getter struct {
	Registry *client.Registry
	Options  download.Options
	// MaxWorkers bounds concurrent files in DownloadFiles.
	MaxWorkers int
}

func (g *Getter) client() (*client.Client, error) {
	return g.Registry.Get()
}

// DownloadFile fetches a large file as parallel ranged chunks, or as one
// resumable stream when the server does not support ranges.
func (g *Getter) DownloadFile(ctx context.Context, task download.Task, progress download.ProgressFunc) download.Result {
	c, err := g.client()
	if err != nil {
		return download.Result{Err: err}
	}
	return download.NewChunked(c, g.Options).Download(ctx, task, progress)
}

// DownloadFileWithResume fetches a file as a single stream, continuing from
// an existing partial file.
func (g *Getter) DownloadFileWithResume(ctx context.Context, task download.Task, progress download.ProgressFunc) download.Result {
	c, err := g.client()
	if err != nil {
		return download.Result{Err: err}
	}
	return download.NewResume(c, g.Options).Download(ctx, task, progress)
}

// Batch returns a batch downloader bound to the current client, so the
// caller can cancel it.
func (g *Getter) Batch() (*batch.Downloader, error) {
	c, err := g.client()
	if err != nil {
		return nil, err
	}
	return batch.New(c, g.Options), nil
}

func (g *Getter) DownloadFiles(ctx context.Context, manifest Manifest, progress batch.ProgressFunc) batch.Result {
	b, err := g.Batch()
	if err != nil {
		failed := make([]batch.FailedTask, len(manifest))
		for i, task := range manifest.Tasks() {
			failed[i] = batch.FailedTask{Task: task, Err: err}
		}
		return batch.Result{Failed: failed}
	}
	return b.DownloadMany(ctx, manifest.Tasks(), g.MaxWorkers, progress)
}

func (g *Getter) GetJSON(ctx context.Context, rawURL string, params url.Values, out interface{}) error {
	c, err := g.client()
	if err != nil {
		return err
	}
	return c.GetJSON(ctx, rawURL, params, out)
}
