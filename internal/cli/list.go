package cli

import (
	"fmt"
	"strings"

	"telenode/internal/config"
	"telenode/pkg/plugin"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	enabledStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	disabledStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func (a *app) newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List compiled plugins",
		Long:  `List every registered plugin with its selection state.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sel, err := config.LoadSelection(a.pluginsFile)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderList(a.registry.List(), sel))
			return nil
		},
	}
}

// selectionState describes what the selection file says about m
func selectionState(m plugin.Manifest, sel config.PluginSelection) string {
	enabled, listed := sel.Lookup(m.Descriptor.ID)
	switch {
	case listed && enabled:
		return "enabled"
	case listed:
		return "disabled"
	case m.AutoActivate:
		return "default (on)"
	default:
		return "default (off)"
	}
}

func renderList(manifests []plugin.Manifest, sel config.PluginSelection) string {
	if len(manifests) == 0 {
		return mutedStyle.Render("No plugins registered")
	}

	headers := []string{"ID", "VERSION", "VISIBILITY", "KIND", "SELECTION", "DESCRIPTION"}
	rows := make([][]string, 0, len(manifests))
	for _, m := range manifests {
		d := m.Descriptor
		rows = append(rows, []string{
			d.ID,
			d.Version,
			string(d.Visibility),
			string(d.EffectiveKind()),
			selectionState(m, sel),
			d.Description,
		})
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	cell := func(i int, s string) string {
		return lipgloss.NewStyle().Width(widths[i] + 2).Render(s)
	}

	lines := make([]string, 0, len(rows)+1)
	header := make([]string, len(headers))
	for i, h := range headers {
		header[i] = headerStyle.Render(cell(i, h))
	}
	lines = append(lines, strings.Join(header, ""))

	for _, row := range rows {
		out := make([]string, len(row))
		for i, c := range row {
			out[i] = cell(i, c)
		}
		switch row[4] {
		case "enabled", "default (on)":
			out[4] = enabledStyle.Render(out[4])
		default:
			out[4] = disabledStyle.Render(out[4])
		}
		lines = append(lines, strings.Join(out, ""))
	}

	footer := mutedStyle.Render(fmt.Sprintf("%d plugins registered", len(rows)))
	return lipgloss.JoinVertical(lipgloss.Left, append(lines, footer)...)
}
