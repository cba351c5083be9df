package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"telenode/internal/config"
	"telenode/internal/plugins/antispam"
	"telenode/internal/plugins/echo"
	"telenode/internal/plugins/hello"
	"telenode/internal/plugins/help"
	"telenode/internal/plugins/master"
	"telenode/pkg/plugin"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *plugin.Registry {
	t.Helper()
	reg := plugin.NewRegistry()
	for _, m := range []plugin.Manifest{echo.Manifest(), hello.Manifest(), help.Manifest(), antispam.Manifest(), master.Manifest()} {
		require.NoError(t, reg.Register(m))
	}
	return reg
}

func execute(t *testing.T, reg *plugin.Registry, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand(Options{Registry: reg, Out: &out, Err: &out})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestInstallAndRemoveEditSelection(t *testing.T) {
	reg := testRegistry(t)
	file := filepath.Join(t.TempDir(), "plugins.yaml")

	out, err := execute(t, reg, "install", "hello", "--plugins-file", file)
	require.NoError(t, err)
	assert.Contains(t, out, "hello enabled")

	sel, err := config.LoadSelection(file)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, sel.Enabled)

	out, err = execute(t, reg, "install", "hello", "--plugins-file", file)
	require.NoError(t, err)
	assert.Contains(t, out, "already enabled")

	_, err = execute(t, reg, "remove", "hello", "--plugins-file", file)
	require.NoError(t, err)

	sel, err = config.LoadSelection(file)
	require.NoError(t, err)
	assert.Empty(t, sel.Enabled)
	assert.Equal(t, []string{"hello"}, sel.Disabled)
}

func TestInstallUnknownPlugin(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plugins.yaml")

	_, err := execute(t, testRegistry(t), "install", "weather", "--plugins-file", file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown plugin")
	assert.NoFileExists(t, file)
}

func TestListShowsSelectionState(t *testing.T) {
	reg := testRegistry(t)
	file := filepath.Join(t.TempDir(), "plugins.yaml")
	require.NoError(t, config.SaveSelection(file, config.PluginSelection{Disabled: []string{"echo"}}))

	out, err := execute(t, reg, "list", "--plugins-file", file)
	require.NoError(t, err)

	for _, id := range []string{"echo", "hello", "help", "antispam", "master"} {
		assert.Contains(t, out, id)
	}
	assert.Contains(t, out, "disabled")
	assert.Contains(t, out, "default (off)")
	assert.Contains(t, out, "PROXY")
	assert.Contains(t, out, "5 plugins registered")
}

func TestSelectionStateDefaults(t *testing.T) {
	sel := config.PluginSelection{Enabled: []string{"hello"}}

	assert.Equal(t, "enabled", selectionState(hello.Manifest(), sel))
	assert.Equal(t, "default (on)", selectionState(echo.Manifest(), sel))
	assert.Equal(t, "default (off)", selectionState(hello.Manifest(), config.PluginSelection{}))
	assert.Equal(t, "disabled", selectionState(master.Manifest(), config.PluginSelection{Disabled: []string{"master"}}))
}

func TestCreateScaffoldPassesCheck(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, plugin.NewRegistry(), "create", "weather", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Created plugin weather")
	assert.FileExists(t, filepath.Join(dir, "weather", "plugin.go"))
	assert.FileExists(t, filepath.Join(dir, "weather", ManifestFile))

	source, err := os.ReadFile(filepath.Join(dir, "weather", "plugin.go"))
	require.NoError(t, err)
	assert.Contains(t, string(source), "package weather")
	assert.Contains(t, string(source), `ID:          "weather"`)

	out, err = execute(t, plugin.NewRegistry(), "check", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "1 manifests valid")
}

func TestCreateRejectsBadNames(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{"Weather", "9lives", "my-plugin", ""} {
		_, err := createUnit(dir, name, "me")
		assert.Error(t, err, "name %q", name)
	}

	_, err := createUnit(dir, "weather", "me")
	require.NoError(t, err)
	_, err = createUnit(dir, "weather", "me")
	assert.Error(t, err, "existing unit is not overwritten")
}

func TestCheckCompiledUnits(t *testing.T) {
	problems, checked, err := checkAll(testRegistry(t), filepath.Join("..", "plugins"))
	require.NoError(t, err)
	assert.Empty(t, problems)
	assert.Equal(t, 10, checked)
}

func TestCheckReportsProblems(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name, ManifestFile), []byte(content), 0o644))
	}

	write("broken", `{"id": "broken",`)
	write("novis", `{"id": "novis", "version": "1.0.0", "name": "N", "description": "d"}`)
	write("extra", `{"id": "extra", "version": "1.0.0", "name": "E", "description": "d", "visibility": "USER", "color": "red"}`)
	write("echo", `{"id": "echo", "version": "9.9.9", "name": "Echo", "description": "d", "visibility": "USER"}`)

	reg := plugin.NewRegistry()
	require.NoError(t, reg.Register(echo.Manifest()))

	problems, checked, err := checkAll(reg, dir)
	require.NoError(t, err)
	assert.Equal(t, 5, checked)
	assert.Len(t, problems, 4)

	_, err = execute(t, reg, "check", dir)
	assert.Error(t, err)
}
