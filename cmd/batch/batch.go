package batch

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	modelget "github.com/modelget/modelget/pkg"
	"github.com/modelget/modelget/pkg/cli"
	"github.com/modelget/modelget/pkg/logging"
)

const longDesc = `
'batch' mode takes a manifest file as input (can use '-' for stdin) and downloads all files listed in the manifest.

The manifest is either a newline-separated list of URLs and destination paths separated by whitespace, with an
optional third column holding the expected SHA-256:
https://example.com/preview.png /tmp/preview.png

or a YAML list (files ending in .yaml/.yml, or stdin starting with '- '):
- url: https://example.com/preview.png
  dest: /tmp/preview.png
  size: 1024

Each file is fetched with a single request. At most '--max-workers' files are downloaded concurrently. A failed file
does not stop the others; the command exits non-zero if any file failed. Interrupting the command lets running
downloads finish and skips the rest; a second interrupt exits immediately.
`

const batchExamples = `
  modelget batch manifest.txt

  modelget batch - < manifest.txt

  cat manifest.yaml | modelget batch -
`

func GetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "batch [flags] <manifest-file>",
		Short:   "download files from a manifest file in parallel",
		Long:    longDesc,
		Args:    cobra.ExactArgs(1),
		RunE:    runBatchCMD,
		Example: batchExamples,
	}
	cmd.SetUsageTemplate(cli.UsageTemplate)
	return cmd
}

func manifestFile(manifestPath string) (io.ReadCloser, error) {
	if manifestPath == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	if _, err := os.Stat(manifestPath); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("manifest file %s does not exist", manifestPath)
	}
	file, err := os.Open(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("error opening manifest file %s: %w", manifestPath, err)
	}
	return file, nil
}

func readManifest(manifestPath string) (modelget.Manifest, error) {
	file, err := manifestFile(manifestPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	manifest, err := modelget.ParseManifest(manifestPath, file)
	if err != nil {
		return nil, fmt.Errorf("error processing manifest file %s: %w", manifestPath, err)
	}
	dests := make([]string, len(manifest))
	for i, entry := range manifest {
		dests[i] = entry.Dest
	}
	if err := cli.EnsureDestinationsNotExist(dests); err != nil {
		return nil, err
	}
	return manifest, nil
}

func runBatchCMD(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	logger := logging.GetLogger()
	manifest, err := readManifest(args[0])
	if err != nil {
		return err
	}

	getter, err := cli.NewGetter()
	if err != nil {
		return err
	}
	defer getter.Registry.Close()
	downloader, err := getter.Batch()
	if err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		select {
		case <-signals:
		case <-done:
			return
		}
		logger.Warn().Msg("Interrupted, waiting for running downloads")
		downloader.Cancel()
		select {
		case <-signals:
			os.Exit(130)
		case <-done:
		}
	}()

	bar := cli.NewProgressBar(false)
	result := downloader.DownloadMany(cmd.Context(), manifest.Tasks(), getter.MaxWorkers, bar.Batch())
	bar.Finish()
	for _, failed := range result.Failed {
		logger.Error().Err(failed.Err).Str("url", failed.Task.URL).Str("dest", failed.Task.Dest).Msg("Failed")
	}
	return result.Err()
}
