package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/viper"

	"github.com/modelget/modelget/pkg/optname"
)

const UsageTemplate = `
Usage:{{if .Runnable}}
{{if .HasAvailableFlags}}{{appendIfNotPresent .UseLine "[flags]"}}{{else}}{{.UseLine}}{{end}}{{end}}{{if .HasAvailableSubCommands}}
{{.CommandPath}} [command]{{end}}{{if gt .Aliases 0}}

Aliases:
{{.NameAndAliases}}{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}{{if .HasAvailableSubCommands}}

Available Commands:{{range .Commands}}{{if .IsAvailableCommand}}
{{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}

Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}

Global Flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasHelpSubCommands}}

Additional help topics:{{range .Commands}}{{if .IsAdditionalHelpTopicCommand}}
{{rpad .CommandPath .CommandPathPadding}} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableSubCommands}}

Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`

// EnsureDestinationNotExist refuses to overwrite an existing file unless
// --force is set. A leftover .part file is not a conflict; it is resumed.
func EnsureDestinationNotExist(dest string) error {
	if viper.GetBool(optname.Force) {
		return nil
	}
	if _, err := os.Stat(dest); !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("destination %s already exists", dest)
	}
	return nil
}

// EnsureDestinationsNotExist checks every destination and reports the first
// conflict.
func EnsureDestinationsNotExist(dests []string) error {
	for _, dest := range dests {
		if err := EnsureDestinationNotExist(dest); err != nil {
			return err
		}
	}
	return nil
}
