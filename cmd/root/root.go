package root

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/modelget/modelget/pkg/cli"
	"github.com/modelget/modelget/pkg/config"
	"github.com/modelget/modelget/pkg/download"
	"github.com/modelget/modelget/pkg/optname"
)

const rootLongDesc = `
modelget

modelget downloads large model files over HTTP. Files are fetched as parallel byte ranges when the server supports
them and as a single resumable stream when it does not.

Data is written to <dest>.part and only renamed to <dest> after the size (and, with --sha256, the checksum) has been
verified, so a partial file is never mistaken for a complete one. Running the same command again after a failure
continues where the previous run stopped: a ranged download re-fetches only the chunks that did not finish.

Transient failures (connection errors, timeouts, 429 and 5xx responses) are retried with exponential backoff.
`

func GetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modelget [flags] <url> <dest>",
		Short: "modelget",
		Long:  rootLongDesc,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.PersistentStartupProcessFlags()
		},
		RunE:    runRootCMD,
		Args:    cobra.ExactArgs(2),
		Example: `  modelget https://example.com/model.safetensors model.safetensors`,
	}
	cmd.Flags().Bool(optname.NoChunks, false, "Download as a single resumable stream instead of parallel chunks")
	cmd.Flags().String(optname.SHA256, "", "Expected SHA-256 of the file, hex encoded")
	cmd.Flags().String(optname.PIDFile, "", "Serialise with other modelget processes using this lock file")
	cmd.SetUsageTemplate(cli.UsageTemplate)
	err := config.AddRootPersistentFlags(cmd)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	return cmd
}

func runRootCMD(cmd *cobra.Command, args []string) error {
	// After we run through the PreRun functions we want to silence usage from being printed
	// on all errors
	cmd.SilenceUsage = true

	urlString := args[0]
	dest := args[1]

	log.Info().Str("url", urlString).
		Str("dest", dest).
		Str("minimum_chunk_size", viper.GetString(optname.MinimumChunkSize)).
		Msg("Initiating")

	if err := cli.EnsureDestinationNotExist(dest); err != nil {
		return err
	}

	if path := viper.GetString(optname.PIDFile); path != "" {
		pid, err := cli.NewPIDFile(path)
		if err != nil {
			return err
		}
		if err := pid.Acquire(); err != nil {
			return err
		}
		defer func() {
			if err := pid.Release(); err != nil {
				log.Warn().Err(err).Str("pid_file", path).Msg("Releasing lock")
			}
		}()
	}

	return rootExecute(cmd.Context(), urlString, dest)
}

// rootExecute is the main function of the program and encapsulates the general logic
// returns any/all errors to the caller.
func rootExecute(ctx context.Context, urlString, dest string) error {
	getter, err := cli.NewGetter()
	if err != nil {
		return err
	}
	defer getter.Registry.Close()

	task := download.Task{
		URL:    urlString,
		Dest:   dest,
		SHA256: viper.GetString(optname.SHA256),
	}
	bar := cli.NewProgressBar(true)
	var result download.Result
	if viper.GetBool(optname.NoChunks) {
		result = getter.DownloadFileWithResume(ctx, task, bar.File())
	} else {
		result = getter.DownloadFile(ctx, task, bar.File())
	}
	bar.Finish()
	if result.Err != nil {
		return fmt.Errorf("error downloading %s: %w", urlString, result.Err)
	}
	return nil
}
