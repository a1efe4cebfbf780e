package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev" // Overridden by ldflags

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "weathermcp",
		Short: "weathermcp - session-oriented MCP weather tool server",
		Long: `weathermcp serves a single weather lookup tool over the MCP streaming
HTTP transport. Clients initialize a session, list the tool catalog, and
invoke get_weather with a city and an optional temperature unit.

Configuration is environment-driven; see "weathermcp serve --help".`,
		Version: version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	rootCmd.AddCommand(newServeCommand())

	return rootCmd
}
