package api

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/modelget/modelget/pkg/cli"
)

const getExamples = `
  modelget api get https://example.com/api/v1/models limit=20 sort=newest

  MODELGET_API_KEY=... modelget api get https://example.com/api/v1/me`

func GetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "api",
		Short: "call a JSON API with the configured credentials and retries",
	}
	get := &cobra.Command{
		Use:     "get [flags] <url> [key=value...]",
		Short:   "GET a JSON document and print it indented",
		Args:    cobra.MinimumNArgs(1),
		RunE:    runGetCMD,
		Example: getExamples,
	}
	get.SetUsageTemplate(cli.UsageTemplate)
	cmd.AddCommand(get)
	cmd.SetUsageTemplate(cli.UsageTemplate)
	return cmd
}

func parseParams(args []string) (url.Values, error) {
	params := url.Values{}
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid query parameter %q, expected key=value", arg)
		}
		params.Add(key, value)
	}
	return params, nil
}

func runGetCMD(cmd *cobra.Command, args []string) error {
	params, err := parseParams(args[1:])
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	getter, err := cli.NewGetter()
	if err != nil {
		return err
	}
	defer getter.Registry.Close()

	var doc json.RawMessage
	if err := getter.GetJSON(cmd.Context(), args[0], params, &doc); err != nil {
		return err
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}
