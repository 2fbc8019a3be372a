package download

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/modelget/modelget/pkg/client"
)

const (
	partSuffix  = ".part"
	stateSuffix = ".part.state"
)

// Task is a single file to fetch. A task owns its destination path for the
// duration of a download.
type Task struct {
	// ID correlates log lines and results. One is generated when empty.
	ID   string
	URL  string
	Dest string
	// ExpectedSize is checked after the transfer when greater than zero.
	ExpectedSize int64
	// SHA256 is the hex digest the finished file must match, if set.
	SHA256      string
	Header      http.Header
	Description string
}

func (t Task) PartPath() string {
	return t.Dest + partSuffix
}

func (t Task) statePath() string {
	return t.Dest + stateSuffix
}

func (t Task) Basename() string {
	return filepath.Base(t.Dest)
}

func (t Task) withID() Task {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return t
}

// ProgressFunc receives cumulative byte counts for one file. total is -1
// when the size is unknown; rate is in bytes per second.
type ProgressFunc func(done, total int64, rate float64)

type ChunkStatus int

const (
	ChunkPending ChunkStatus = iota
	ChunkInProgress
	ChunkDone
	ChunkFailed
)

var chunkStatusNames = []string{"pending", "in_progress", "done", "failed"}

func (s ChunkStatus) String() string {
	if int(s) < len(chunkStatusNames) && s >= 0 {
		return chunkStatusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s ChunkStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ChunkStatus) UnmarshalText(text []byte) error {
	for i, name := range chunkStatusNames {
		if strings.EqualFold(name, string(text)) {
			*s = ChunkStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown chunk status %q", text)
}

// ChunkSpec is one contiguous byte range of a file. End is inclusive.
type ChunkSpec struct {
	Index  int         `json:"index"`
	Start  int64       `json:"start"`
	End    int64       `json:"end"`
	Status ChunkStatus `json:"status"`
}

func (c ChunkSpec) Size() int64 {
	return c.End - c.Start + 1
}

// Result is the outcome of one download. A failed result with a .part file
// left on disk can be retried by calling Download again with the same task.
type Result struct {
	TaskID    string
	Success   bool
	Err       error
	FinalPath string
	Size      int64
	Elapsed   time.Duration
	// Chunks is the final chunk plan of a ranged parallel download.
	Chunks []ChunkSpec
}

// Kind classifies Err.
func (r Result) Kind() client.Kind {
	return client.KindOf(r.Err)
}

// Client is the part of *client.Client the downloaders need.
type Client interface {
	GetStream(ctx context.Context, url string, header http.Header) (*client.Stream, error)
	Head(ctx context.Context, url string, header http.Header) (*client.RemoteInfo, error)
}

var _ Client = (*client.Client)(nil)

type Downloader interface {
	Download(ctx context.Context, task Task, progress ProgressFunc) Result
}
