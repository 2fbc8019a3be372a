package cmd

import (
	"github.com/spf13/cobra"

	"github.com/modelget/modelget/cmd/api"
	"github.com/modelget/modelget/cmd/batch"
	"github.com/modelget/modelget/cmd/root"
	"github.com/modelget/modelget/cmd/version"
)

func GetRootCommand() *cobra.Command {
	rootCMD := root.GetCommand()
	rootCMD.AddCommand(batch.GetCommand())
	rootCMD.AddCommand(api.GetCommand())
	rootCMD.AddCommand(version.VersionCMD)
	return rootCMD
}
