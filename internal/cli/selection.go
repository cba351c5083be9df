package cli

import (
	"fmt"

	"telenode/internal/config"

	"github.com/spf13/cobra"
)

func (a *app) newInstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "install <name>",
		Short: "Enable a compiled plugin",
		Long:  `Add a registered plugin to the enabled list of the selection file.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.updateSelection(cmd, args[0], true)
		},
	}
}

func (a *app) newRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Disable a compiled plugin",
		Long:  `Move a registered plugin to the disabled list of the selection file.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.updateSelection(cmd, args[0], false)
		},
	}
}

func (a *app) updateSelection(cmd *cobra.Command, id string, enable bool) error {
	if !a.registry.Has(id) {
		return fmt.Errorf("unknown plugin %q (registered: %v)", id, a.registry.Names())
	}

	sel, err := config.LoadSelection(a.pluginsFile)
	if err != nil {
		return err
	}

	verb := "disabled"
	changed := false
	if enable {
		verb = "enabled"
		changed = sel.Enable(id)
	} else {
		changed = sel.Disable(id)
	}

	if !changed {
		fmt.Fprintf(cmd.OutOrStdout(), "%s is already %s\n", id, verb)
		return nil
	}

	if err := config.SaveSelection(a.pluginsFile, sel); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s in %s\n", id, verb, a.pluginsFile)
	return nil
}
