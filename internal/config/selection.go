package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/agilira/argus"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// PluginSelection is the plugins.yaml file edited by plugin-cli install and
// remove. Units absent from both lists keep their persisted state.
type PluginSelection struct {
	Enabled  []string `yaml:"enabled"`
	Disabled []string `yaml:"disabled"`
}

// Enable moves id to the enabled list and reports whether anything changed
func (s *PluginSelection) Enable(id string) bool {
	changed := false
	if i := slices.Index(s.Disabled, id); i >= 0 {
		s.Disabled = slices.Delete(s.Disabled, i, i+1)
		changed = true
	}
	if !slices.Contains(s.Enabled, id) {
		s.Enabled = append(s.Enabled, id)
		changed = true
	}
	return changed
}

// Disable moves id to the disabled list and reports whether anything changed
func (s *PluginSelection) Disable(id string) bool {
	changed := false
	if i := slices.Index(s.Enabled, id); i >= 0 {
		s.Enabled = slices.Delete(s.Enabled, i, i+1)
		changed = true
	}
	if !slices.Contains(s.Disabled, id) {
		s.Disabled = append(s.Disabled, id)
		changed = true
	}
	return changed
}

// Lookup reports whether id is enabled and whether the selection mentions it
func (s PluginSelection) Lookup(id string) (enabled, listed bool) {
	if slices.Contains(s.Enabled, id) {
		return true, true
	}
	return false, slices.Contains(s.Disabled, id)
}

// Equal reports whether both selections list the same ids in the same order
func (s PluginSelection) Equal(other PluginSelection) bool {
	return slices.Equal(s.Enabled, other.Enabled) && slices.Equal(s.Disabled, other.Disabled)
}

// LoadSelection reads a selection file. A missing file is an empty selection.
func LoadSelection(path string) (PluginSelection, error) {
	var sel PluginSelection

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return sel, nil
	}
	if err != nil {
		return sel, fmt.Errorf("failed to read plugin selection: %w", err)
	}

	if err := yaml.Unmarshal(data, &sel); err != nil {
		return sel, fmt.Errorf("failed to parse plugin selection: %w", err)
	}
	return sel, nil
}

// SaveSelection writes sel to path atomically
func SaveSelection(path string, sel PluginSelection) error {
	data, err := yaml.Marshal(sel)
	if err != nil {
		return fmt.Errorf("failed to encode plugin selection: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create selection directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write plugin selection: %w", err)
	}
	return os.Rename(tmp, path)
}

// SelectionWatcher reloads the selection file when it changes on disk and
// hands each new selection to onChange
type SelectionWatcher struct {
	path     string
	logger   *zap.Logger
	watcher  *argus.Watcher
	onChange func(PluginSelection)

	mu      sync.Mutex
	last    PluginSelection
	loaded  bool
	running bool
}

// NewSelectionWatcher creates a watcher polling path every interval
func NewSelectionWatcher(path string, interval time.Duration, logger *zap.Logger, onChange func(PluginSelection)) (*SelectionWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve selection path: %w", err)
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &SelectionWatcher{
		path:     abs,
		logger:   logger.Named("selection"),
		onChange: onChange,
	}
	w.watcher = argus.New(argus.Config{
		PollInterval: interval,
		ErrorHandler: func(err error, file string) {
			w.logger.Error("Selection file watch error", zap.String("path", file), zap.Error(err))
		},
	})
	return w, nil
}

// Start loads the current selection, applies it and begins watching
func (w *SelectionWatcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.Reload(); err != nil {
		w.logger.Warn("Initial selection load failed", zap.Error(err))
	}

	if err := w.watcher.Watch(w.path, w.handle); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	if err := w.watcher.Start(); err != nil {
		return fmt.Errorf("failed to start selection watcher: %w", err)
	}

	w.logger.Info("Watching plugin selection", zap.String("path", w.path))
	return nil
}

// Stop ends watching
func (w *SelectionWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false
	return w.watcher.Stop()
}

func (w *SelectionWatcher) handle(ev argus.ChangeEvent) {
	if ev.IsDelete {
		w.logger.Warn("Selection file deleted, keeping current plugin state", zap.String("path", ev.Path))
		return
	}
	if err := w.Reload(); err != nil {
		w.logger.Error("Failed to reload plugin selection", zap.Error(err))
	}
}

// Reload reads the file and calls onChange when the selection differs from
// the last one applied
func (w *SelectionWatcher) Reload() error {
	sel, err := LoadSelection(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.loaded && sel.Equal(w.last) {
		w.mu.Unlock()
		return nil
	}
	w.last = sel
	w.loaded = true
	w.mu.Unlock()

	w.logger.Info("Plugin selection changed",
		zap.Strings("enabled", sel.Enabled),
		zap.Strings("disabled", sel.Disabled))
	if w.onChange != nil {
		w.onChange(sel)
	}
	return nil
}

// Current returns the last applied selection
func (w *SelectionWatcher) Current() PluginSelection {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}
