// Package cli implements plugin-cli, the developer tool for scaffolding,
// selecting and validating plugin units.
package cli

import (
	"io"
	"os"

	"telenode/internal/config"
	"telenode/pkg/plugin"

	"github.com/spf13/cobra"
)

// Options wires the command tree to its collaborators
type Options struct {
	Registry *plugin.Registry
	Out      io.Writer
	Err      io.Writer
}

type app struct {
	registry    *plugin.Registry
	pluginsFile string
}

// NewRootCommand creates the plugin-cli command tree
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Registry == nil {
		opts.Registry = plugin.Default()
	}

	a := &app{registry: opts.Registry}

	rootCmd := &cobra.Command{
		Use:   "plugin-cli",
		Short: "Manage TeleNode plugin units",
		Long: `plugin-cli scaffolds new plugin units, enables or disables compiled units
through the plugin selection file and validates plugin manifests.

The running bot watches the selection file and applies changes without a restart.`,
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	if opts.Out != nil {
		rootCmd.SetOut(opts.Out)
	}
	if opts.Err != nil {
		rootCmd.SetErr(opts.Err)
	}

	defaultFile := os.Getenv("PLUGINS_FILE")
	if defaultFile == "" {
		defaultFile = config.DefaultPluginsFile
	}
	rootCmd.PersistentFlags().StringVar(&a.pluginsFile, "plugins-file", defaultFile, "plugin selection file")

	// Add subcommands
	rootCmd.AddCommand(a.newCreateCommand())
	rootCmd.AddCommand(a.newInstallCommand())
	rootCmd.AddCommand(a.newRemoveCommand())
	rootCmd.AddCommand(a.newListCommand())
	rootCmd.AddCommand(a.newCheckCommand())

	return rootCmd
}
