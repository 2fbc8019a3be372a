package main

import (
	"os"

	"github.com/modelget/modelget/cmd"
	"github.com/modelget/modelget/pkg/logging"
)

func main() {
	logging.SetupLogger()
	rootCMD := cmd.GetRootCommand()
	if err := rootCMD.Execute(); err != nil {
		os.Exit(1)
	}
}
