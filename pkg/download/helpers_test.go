package download_test

import (
	"bytes"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/modelget/modelget/pkg/client"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
}

func randomContent(size int) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	return data
}

func newTestClient(t *testing.T, maxRetries int) *client.Client {
	t.Helper()
	c, err := client.New(client.Config{
		Retry: client.RetryPolicy{
			MaxRetries: maxRetries,
			BaseDelay:  5 * time.Millisecond,
			MaxDelay:   50 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	return c
}

// fileServer serves content at /model.bin with full range support.
func fileServer(content []byte) http.Handler {
	return http.FileServer(http.FS(fstest.MapFS{
		"model.bin": &fstest.MapFile{Data: content},
	}))
}

// requestLog records "METHOD Range" for every request it sees.
type requestLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *requestLog) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l.mu.Lock()
		l.entries = append(l.entries, r.Method+" "+r.Header.Get("Range"))
		l.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (l *requestLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func (l *requestLog) count(method string) int {
	n := 0
	for _, e := range l.get() {
		if len(e) >= len(method) && e[:len(method)] == method {
			n++
		}
	}
	return n
}

func (l *requestLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

func newLoggedServer(t *testing.T, handler http.Handler) (*httptest.Server, *requestLog) {
	t.Helper()
	log := &requestLog{}
	server := httptest.NewServer(log.wrap(handler))
	t.Cleanup(server.Close)
	return server, log
}

// truncatingWriter lets limit body bytes through, flushes them and then
// aborts the connection.
type truncatingWriter struct {
	http.ResponseWriter
	limit int64
}

func (w *truncatingWriter) Write(p []byte) (int, error) {
	if int64(len(p)) < w.limit {
		n, err := w.ResponseWriter.Write(p)
		w.limit -= int64(n)
		return n, err
	}
	_, _ = w.ResponseWriter.Write(p[:w.limit])
	w.limit = 0
	_ = http.NewResponseController(w.ResponseWriter).Flush()
	panic(http.ErrAbortHandler)
}

// plainServer ignores Range headers and does not advertise range support.
func plainServer(content []byte) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(content)
	})
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func requireIdentical(t *testing.T, expected []byte, path string) {
	t.Helper()
	actual := readFile(t, path)
	require.Equal(t, len(expected), len(actual), "file size")
	require.True(t, bytes.Equal(expected, actual), "file content differs")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
