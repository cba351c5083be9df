package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"telenode/pkg/plugin"

	"github.com/spf13/cobra"
	"github.com/xeipuuv/gojsonschema"
)

// ManifestFile is the name of the descriptor file shipped next to each unit
const ManifestFile = "plugin.json"

// descriptorSchema mirrors the json tags of plugin.Descriptor
const descriptorSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "version", "name", "description", "visibility"],
  "properties": {
    "id":          {"type": "string", "pattern": "^[a-z][a-z0-9_-]*$"},
    "version":     {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+([-+].*)?$"},
    "name":        {"type": "string", "minLength": 1},
    "description": {"type": "string", "minLength": 1},
    "help":        {"type": "string"},
    "visibility":  {"enum": ["ROOT", "ADMIN", "USER"]},
    "kind":        {"enum": ["NORMAL", "PROXY", ""]},
    "author":      {"type": "string"}
  },
  "additionalProperties": false
}`

var schemaLoader = gojsonschema.NewStringLoader(descriptorSchema)

// Problem is one validation failure
type Problem struct {
	Source  string
	Details string
}

func (p Problem) String() string {
	return fmt.Sprintf("%s: %s", p.Source, p.Details)
}

func (a *app) newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check [dir]",
		Short: "Validate plugin manifests",
		Long: `Validate every registered descriptor and every plugin.json found under dir
(default internal/plugins) against the descriptor schema.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := filepath.Join("internal", "plugins")
			if len(args) == 1 {
				dir = args[0]
			}

			problems, checked, err := checkAll(a.registry, dir)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, p := range problems {
				fmt.Fprintf(out, "  - %s\n", p)
			}
			if len(problems) > 0 {
				return fmt.Errorf("%d problems found in %d manifests", len(problems), checked)
			}
			fmt.Fprintf(out, "%d manifests valid\n", checked)
			return nil
		},
	}
}

// checkAll validates the registry and the manifest files under dir. It returns
// the problems found and the number of manifests checked.
func checkAll(reg *plugin.Registry, dir string) ([]Problem, int, error) {
	var problems []Problem
	checked := 0

	registered := make(map[string]plugin.Descriptor)
	for _, m := range reg.List() {
		d := m.Descriptor
		registered[d.ID] = d
		checked++

		source := "registry:" + d.ID
		raw, err := json.Marshal(d)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to encode descriptor %s: %w", d.ID, err)
		}
		found, err := validateDocument(source, raw)
		if err != nil {
			return nil, 0, err
		}
		problems = append(problems, found...)
		if err := d.Validate(); err != nil {
			problems = append(problems, Problem{Source: source, Details: err.Error()})
		}
	}

	files, err := findManifests(dir)
	if err != nil {
		return nil, 0, err
	}
	for _, path := range files {
		checked++
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read %s: %w", path, err)
		}

		found, err := validateDocument(path, raw)
		if err != nil {
			return nil, 0, err
		}
		problems = append(problems, found...)
		if len(found) > 0 {
			continue
		}

		var d plugin.Descriptor
		if err := json.Unmarshal(raw, &d); err != nil {
			problems = append(problems, Problem{Source: path, Details: err.Error()})
			continue
		}
		if want, ok := registered[d.ID]; ok && want.Version != d.Version {
			problems = append(problems, Problem{
				Source:  path,
				Details: fmt.Sprintf("version %s does not match compiled descriptor %s", d.Version, want.Version),
			})
		}
	}

	return problems, checked, nil
}

func validateDocument(source string, raw []byte) ([]Problem, error) {
	if !json.Valid(raw) {
		return []Problem{{Source: source, Details: "invalid JSON"}}, nil
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to validate %s: %w", source, err)
	}

	var problems []Problem
	for _, desc := range result.Errors() {
		problems = append(problems, Problem{Source: source, Details: desc.String()})
	}
	return problems, nil
}

func findManifests(dir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == ManifestFile {
			files = append(files, path)
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	return files, nil
}
