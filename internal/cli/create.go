package cli

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
)

var unitName = regexp.MustCompile(`^[a-z][a-z0-9]*$`)

const pluginTemplate = `// Package {{.ID}} is a TeleNode plugin unit.
package {{.ID}}

import (
	"context"

	"telenode/pkg/plugin"
)

func init() {
	plugin.MustRegister(Manifest())
}

var descriptor = plugin.Descriptor{
	ID:          "{{.ID}}",
	Version:     "0.1.0",
	Name:        "{{.Name}}",
	Description: "{{.Name}} plugin",
	Help:        "/{{.ID}} - reply from {{.Name}}",
	Visibility:  plugin.VisibilityUser,
	Kind:        plugin.KindNormal,
	Author:      "{{.Author}}",
}

// Manifest describes the {{.ID}} unit to the registry
func Manifest() plugin.Manifest {
	return plugin.Manifest{
		Descriptor: descriptor,
		Priority:   plugin.PriorityDefault,
		Order:      100,
		Factory:    createPlugin,
	}
}

func createPlugin(ctx *plugin.Context) (plugin.Plugin, error) {
	return &Plugin{}, nil
}

// Plugin is the {{.ID}} unit
type Plugin struct{}

func (p *Plugin) Descriptor() plugin.Descriptor { return descriptor }

func (p *Plugin) Start(ctx context.Context) error { return nil }

func (p *Plugin) Stop(ctx context.Context) error { return nil }

func (p *Plugin) Commands() map[string]plugin.CommandFunc {
	return map[string]plugin.CommandFunc{
		"{{.ID}}": func(ctx context.Context, inv *plugin.Invocation) (any, error) {
			return "Hello from {{.Name}}", nil
		},
	}
}
`

const manifestTemplate = `{
  "id": "{{.ID}}",
  "version": "0.1.0",
  "name": "{{.Name}}",
  "description": "{{.Name}} plugin",
  "help": "/{{.ID}} - reply from {{.Name}}",
  "visibility": "USER",
  "kind": "NORMAL",
  "author": "{{.Author}}"
}
`

type scaffold struct {
	ID     string
	Name   string
	Author string
}

func (a *app) newCreateCommand() *cobra.Command {
	var dir, author string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Scaffold a new plugin unit",
		Long: `Create <dir>/<name>/plugin.go and plugin.json for a new plugin unit.

Blank-import the new package from cmd/telenode to compile it into the bot.`,
		Example: `  plugin-cli create weather
  plugin-cli create weather --dir internal/plugins --author me`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := createUnit(dir, args[0], author)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created plugin %s in %s\n", args[0], target)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", filepath.Join("internal", "plugins"), "directory holding plugin packages")
	cmd.Flags().StringVar(&author, "author", "telenode", "author recorded in the descriptor")
	return cmd
}

// createUnit writes the scaffold for name under dir and returns its directory
func createUnit(dir, name, author string) (string, error) {
	if !unitName.MatchString(name) {
		return "", fmt.Errorf("invalid plugin name %q: use lowercase letters and digits, starting with a letter", name)
	}

	target := filepath.Join(dir, name)
	if _, err := os.Stat(target); err == nil {
		return "", fmt.Errorf("%s already exists", target)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	data := scaffold{ID: name, Name: strings.ToUpper(name[:1]) + name[1:], Author: author}
	files := map[string]string{
		"plugin.go":   pluginTemplate,
		"plugin.json": manifestTemplate,
	}

	rendered := make(map[string][]byte, len(files))
	for file, text := range files {
		var buf bytes.Buffer
		if err := template.Must(template.New(file).Parse(text)).Execute(&buf, data); err != nil {
			return "", fmt.Errorf("failed to render %s: %w", file, err)
		}
		rendered[file] = buf.Bytes()
	}

	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", target, err)
	}
	for file, content := range rendered {
		if err := os.WriteFile(filepath.Join(target, file), content, 0o644); err != nil {
			return "", fmt.Errorf("failed to write %s: %w", file, err)
		}
	}
	return target, nil
}
