package cli

import (
	"io"
	"os"
	"sync"

	"github.com/cheggaaa/pb/v3"
	"github.com/mattn/go-isatty"

	"github.com/modelget/modelget/pkg/batch"
	"github.com/modelget/modelget/pkg/download"
)

// ProgressBar renders download progress on stderr. It stays silent when
// stderr is not a terminal so logs are not interleaved with bar redraws.
type ProgressBar struct {
	mu  sync.Mutex
	bar *pb.ProgressBar
}

func NewProgressBar(bytes bool) *ProgressBar {
	return newProgressBar(os.Stderr, bytes, isatty.IsTerminal(os.Stderr.Fd()))
}

func newProgressBar(w io.Writer, bytes, enabled bool) *ProgressBar {
	if !enabled {
		return &ProgressBar{}
	}
	bar := pb.New64(0)
	bar.SetTemplate(pb.Full)
	bar.SetWriter(w)
	bar.Set(pb.Bytes, bytes)
	bar.Start()
	return &ProgressBar{bar: bar}
}

// File is a download.ProgressFunc for a single transfer.
func (p *ProgressBar) File() download.ProgressFunc {
	return func(done, total int64, _ float64) {
		p.update(done, total)
	}
}

// Batch is a batch.ProgressFunc counting finished files.
func (p *ProgressBar) Batch() batch.ProgressFunc {
	return func(done, total int, _ string) {
		p.update(int64(done), int64(total))
	}
}

func (p *ProgressBar) update(done, total int64) {
	if p.bar == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if total > 0 {
		p.bar.SetTotal(total)
	}
	p.bar.SetCurrent(done)
}

func (p *ProgressBar) Finish() {
	if p.bar == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bar.Finish()
}
