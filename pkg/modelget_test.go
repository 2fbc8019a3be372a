package modelget_test

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"testing/iotest"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	modelget "github.com/modelget/modelget/pkg"
	"github.com/modelget/modelget/pkg/client"
	"github.com/modelget/modelget/pkg/download"
)

var testFS = fstest.MapFS{
	"hello.txt": {Data: []byte("hello, world!")},
}

func init() {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
}

func makeGetter(t *testing.T, opts download.Options) *modelget.Getter {
	registry := client.NewRegistry(client.DefaultConfig())
	t.Cleanup(registry.Close)
	return &modelget.Getter{Registry: registry, Options: opts}
}

// writeRandomFile creates a sparse file with the given size and
// writes some random bytes somewhere in it.  This is much faster than
// filling the whole file with random bytes would be, but it also
// gives us some confidence that the range requests are being
// reassembled correctly.
func writeRandomFile(t require.TestingT, path string, size int64) {
	file, err := os.Create(path)
	require.NoError(t, err)
	defer file.Close()

	rnd := rand.New(rand.NewSource(99))

	// under 1 MiB, just fill the whole file with random data
	if size < 1*humanize.MiByte {
		_, err = io.CopyN(file, rnd, size)
		require.NoError(t, err)
		return
	}

	err = file.Truncate(size)
	require.NoError(t, err)

	_, err = io.CopyN(file, rnd, 1*humanize.KiByte)
	require.NoError(t, err)

	_, err = file.Seek(rnd.Int63()%(size-1*humanize.KiByte), io.SeekStart)
	require.NoError(t, err)
	_, err = io.CopyN(file, rnd, 1*humanize.KiByte)
	require.NoError(t, err)
}

func assertFileHasContent(t *testing.T, expectedContent []byte, path string) {
	contentFile, err := os.Open(path)
	require.NoError(t, err)
	defer contentFile.Close()

	assert.NoError(t, iotest.TestReader(contentFile, expectedContent))
}

func TestDownloadSmallFile(t *testing.T) {
	ts := httptest.NewServer(http.FileServer(http.FS(testFS)))
	defer ts.Close()

	dest := filepath.Join(t.TempDir(), "hello.txt")
	result := makeGetter(t, download.Options{}).DownloadFile(context.Background(), download.Task{URL: ts.URL + "/hello.txt", Dest: dest}, nil)
	require.NoError(t, result.Err)

	assertFileHasContent(t, testFS["hello.txt"].Data, dest)
}

func testDownloadSingleFile(t *testing.T, resume bool, size int64) {
	dir := t.TempDir()
	srcFilename := filepath.Join(dir, "random-bytes")
	writeRandomFile(t, srcFilename, size)
	expected, err := os.ReadFile(srcFilename)
	require.NoError(t, err)

	ts := httptest.NewServer(http.FileServer(http.Dir(dir)))
	defer ts.Close()

	getter := makeGetter(t, download.Options{MaxConcurrency: 8})
	task := download.Task{URL: ts.URL + "/random-bytes", Dest: filepath.Join(t.TempDir(), "out"), ExpectedSize: size}

	var result download.Result
	if resume {
		result = getter.DownloadFileWithResume(context.Background(), task, nil)
	} else {
		result = getter.DownloadFile(context.Background(), task, nil)
	}
	require.NoError(t, result.Err)
	assert.Equal(t, size, result.Size)
	assertFileHasContent(t, expected, task.Dest)
}

func TestDownload10MChunked(t *testing.T) { testDownloadSingleFile(t, false, 10*humanize.MiByte) }
func TestDownload10MResume(t *testing.T)  { testDownloadSingleFile(t, true, 10*humanize.MiByte) }

func TestDownloadFiveFiles(t *testing.T) {
	sizes := []int64{
		10 * humanize.KiByte,
		20 * humanize.KiByte,
		30 * humanize.KiByte,
		40 * humanize.KiByte,
		50 * humanize.KiByte,
	}
	inputDir := t.TempDir()
	outputDir := t.TempDir()

	var manifest modelget.Manifest
	var expectedTotalSize int64
	for i, size := range sizes {
		name := fmt.Sprintf("random-bytes.%d", i)
		writeRandomFile(t, filepath.Join(inputDir, name), size)
		expectedTotalSize += size
		manifest = append(manifest, modelget.ManifestEntry{Dest: filepath.Join(outputDir, name), Size: size})
	}

	ts := httptest.NewServer(http.FileServer(http.Dir(inputDir)))
	defer ts.Close()
	for i := range manifest {
		manifest[i].URL = ts.URL + "/" + filepath.Base(manifest[i].Dest)
	}
	require.NoError(t, manifest.Validate())

	getter := makeGetter(t, download.Options{})
	getter.MaxWorkers = 2
	calls := 0
	result := getter.DownloadFiles(context.Background(), manifest, func(done, total int, description string) {
		calls++
		assert.Equal(t, calls, done)
		assert.Equal(t, len(sizes), total)
	})
	require.NoError(t, result.Err())
	assert.Equal(t, len(sizes), result.Succeeded)
	assert.Equal(t, expectedTotalSize, result.Bytes)
	assert.Equal(t, len(sizes), calls)

	for _, entry := range manifest {
		expected, err := os.ReadFile(filepath.Join(inputDir, filepath.Base(entry.Dest)))
		require.NoError(t, err)
		assertFileHasContent(t, expected, entry.Dest)
	}
}

func TestGetJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"id":1},{"id":2}]}`))
	}))
	defer ts.Close()

	var out struct {
		Items []struct {
			ID int `json:"id"`
		} `json:"items"`
	}
	err := makeGetter(t, download.Options{}).GetJSON(context.Background(), ts.URL+"/api/v1/models", map[string][]string{"limit": {"3"}}, &out)
	require.NoError(t, err)
	assert.Len(t, out.Items, 2)
}

func TestClosedRegistry(t *testing.T) {
	getter := makeGetter(t, download.Options{})
	getter.Registry.Close()

	result := getter.DownloadFile(context.Background(), download.Task{URL: "http://127.0.0.1/x", Dest: filepath.Join(t.TempDir(), "x")}, nil)
	assert.Error(t, result.Err)

	batchResult := getter.DownloadFiles(context.Background(), modelget.Manifest{{URL: "http://127.0.0.1/x", Dest: "x"}}, nil)
	assert.Len(t, batchResult.Failed, 1)
	assert.Error(t, batchResult.Err())
}
