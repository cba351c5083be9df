// Package manager owns the lifecycle of plugin instances: loading units from
// the registry, persisting their activation flag, binding their outbound
// transport and detaching them again.
package manager

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"telenode/internal/clock"
	"telenode/internal/config"
	"telenode/internal/dispatcher"
	"telenode/internal/repository"
	"telenode/internal/transport"
	"telenode/pkg/plugin"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrUnknownPlugin is wrapped into the LoadError for ids the registry lacks
var ErrUnknownPlugin = errors.New("plugin is not registered")

// State is the lifecycle state of one plugin id
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateActive
	StateDeactivating
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "UNLOADED"
	case StateLoading:
		return "LOADING"
	case StateActive:
		return "ACTIVE"
	case StateDeactivating:
		return "DEACTIVATING"
	default:
		return "UNKNOWN"
	}
}

// Options configures a Manager
type Options struct {
	Registry  *plugin.Registry
	Store     *repository.Store
	Bus       *dispatcher.Dispatcher
	Transport transport.Outbound
	Auth      plugin.Moderator

	// Instance tunes the invocation pipeline of every instance
	Instance plugin.Options

	// Interceptor, when set, sees every outbound call made by plugins
	Interceptor Interceptor

	Clock  clock.Clock
	Logger *zap.Logger
}

// Report is the outcome of a bulk load
type Report struct {
	Loaded   []string         `json:"loaded"`
	Inactive []string         `json:"inactive"`
	Failed   []string         `json:"failed"`
	Removed  int              `json:"removed"`
	Errors   map[string]error `json:"-"`
}

// Total returns the number of units the report covers
func (r Report) Total() int {
	return len(r.Loaded) + len(r.Inactive) + len(r.Failed)
}

type entry struct {
	state    State
	inst     *plugin.Instance
	bound    *boundOutbound
	lastErr  error
	loadedAt time.Time
}

// Manager drives plugin ids through UNLOADED → LOADING → ACTIVE →
// DEACTIVATING → UNLOADED
type Manager struct {
	registry *plugin.Registry
	store    *repository.Store
	bus      *dispatcher.Dispatcher
	out      transport.Outbound
	auth     plugin.Moderator
	opts     Options
	clock    clock.Clock
	logger   *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	order   []string

	bulk atomic.Bool
}

// New creates a manager. Registry defaults to the global plugin registry.
func New(opts Options) *Manager {
	if opts.Registry == nil {
		opts.Registry = plugin.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Store == nil {
		opts.Store = repository.NewMemoryStore(opts.Clock)
	}

	return &Manager{
		registry: opts.Registry,
		store:    opts.Store,
		bus:      opts.Bus,
		out:      opts.Transport,
		auth:     opts.Auth,
		opts:     opts,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("manager"),
		entries:  make(map[string]*entry),
	}
}

func (m *Manager) entryLocked(id string) *entry {
	e, ok := m.entries[id]
	if !ok {
		e = &entry{}
		m.entries[id] = e
	}
	return e
}

// Load brings id to ACTIVE. It does nothing for an ACTIVE plugin and for a
// plugin whose persisted is_active flag is false.
func (m *Manager) Load(ctx context.Context, id string) error {
	m.mu.Lock()
	e := m.entryLocked(id)
	switch e.state {
	case StateActive:
		m.mu.Unlock()
		return nil
	case StateLoading, StateDeactivating:
		state := e.state
		m.mu.Unlock()
		return plugin.NewLifecycleBusyError(id, state.String())
	}
	e.state = StateLoading
	m.mu.Unlock()

	inst, bound, err := m.load(ctx, id)

	m.mu.Lock()
	defer m.mu.Unlock()

	e.lastErr = err
	if err != nil || inst == nil {
		e.state = StateUnloaded
		if err != nil {
			m.logger.Error("Plugin load failed", zap.String("plugin", id), zap.Error(err))
		}
		return err
	}

	e.state = StateActive
	e.inst = inst
	e.bound = bound
	e.loadedAt = m.clock.Now()
	m.order = append(m.order, id)

	m.logger.Info("Plugin loaded",
		zap.String("plugin", id),
		zap.Strings("commands", inst.Commands()),
		zap.Int("subscriptions", inst.Subscriptions()))
	return nil
}

func (m *Manager) load(ctx context.Context, id string) (*plugin.Instance, *boundOutbound, error) {
	man := m.registry.Get(id)
	if man == nil {
		return nil, nil, plugin.NewLoadError(id, ErrUnknownPlugin)
	}

	desc := man.Descriptor
	if err := desc.Validate(); err != nil {
		return nil, nil, err
	}

	row, err := m.syncMetadata(desc, man.AutoActivate)
	if err != nil {
		return nil, nil, err
	}
	if !row.IsActive {
		m.logger.Info("Plugin inactive, not instantiated", zap.String("plugin", id))
		return nil, nil, nil
	}

	bound := newBoundOutbound(id, m.out, m.opts.Interceptor)
	pctx := m.pluginContext(desc, bound)

	p, err := construct(man.Factory, pctx)
	if err != nil {
		return nil, nil, plugin.NewLoadError(id, err)
	}
	if got := p.Descriptor().ID; got != id {
		return nil, nil, plugin.NewLoadError(id, fmt.Errorf("plugin reports id %q", got))
	}

	inst, err := plugin.NewInstance(p, pctx, m.opts.Instance)
	if err != nil {
		return nil, nil, err
	}

	bound.activate()
	if err := inst.Start(ctx); err != nil {
		bound.deactivate()
		return nil, nil, err
	}
	return inst, bound, nil
}

func (m *Manager) pluginContext(desc plugin.Descriptor, bound *boundOutbound) *plugin.Context {
	var host plugin.Host
	if desc.Visibility == plugin.VisibilityRoot {
		host = m
	}

	var bus plugin.Bus
	if m.bus != nil {
		bus = m.bus
	}

	pctx := plugin.NewContext(
		desc.ID,
		bus,
		bound,
		m.auth,
		host,
		&pluginConfig{store: m.store, plugin: desc.ID},
		m.logger.Named("plugin").Named(desc.ID),
		m.clock,
	)
	pctx.Catalog = m
	return pctx
}

func construct(factory plugin.Factory, pctx *plugin.Context) (p plugin.Plugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			pctx.Logger.Error("Plugin factory panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			p, err = nil, fmt.Errorf("factory panic: %v", r)
		}
	}()

	p, err = factory(pctx)
	if err == nil && p == nil {
		err = errors.New("factory returned a nil plugin")
	}
	return p, err
}

// syncMetadata upserts the descriptor into the plugins table, restoring a
// soft-deleted row. The is_active flag of an existing row is kept.
func (m *Manager) syncMetadata(desc plugin.Descriptor, autoActivate bool) (repository.Plugin, error) {
	defaults := repository.Plugin{
		Name:        desc.ID,
		Version:     desc.Version,
		DisplayName: desc.Name,
		Description: desc.Description,
		Help:        desc.Help,
		Visibility:  string(desc.Visibility),
		Kind:        string(desc.EffectiveKind()),
		Author:      desc.Author,
		IsActive:    autoActivate,
	}

	row, created, err := m.store.Plugins.GetOrCreate(defaults)
	if err != nil {
		return row, plugin.NewRepositoryError("plugins.get_or_create", err)
	}
	if created {
		return row, nil
	}

	row, err = m.store.Plugins.Update(desc.ID, func(p *repository.Plugin) {
		active := p.IsActive
		*p = defaults
		p.IsActive = active
	})
	if err != nil {
		return row, plugin.NewRepositoryError("plugins.update", err)
	}
	return row, nil
}

func (m *Manager) setActive(id string, active bool) error {
	_, err := m.store.Plugins.Update(id, func(p *repository.Plugin) { p.IsActive = active })
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return plugin.NewRepositoryError("plugins.update", err)
	}
	return nil
}

// Unload stops the instance, removes it from the active set and persists
// is_active=false.
func (m *Manager) Unload(ctx context.Context, id string) error {
	err := m.unload(ctx, id)
	return multierr.Append(err, m.setActive(id, false))
}

// unload detaches id without touching the persisted flag
func (m *Manager) unload(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || e.state == StateUnloaded {
		m.mu.Unlock()
		return nil
	}
	if e.state != StateActive {
		state := e.state
		m.mu.Unlock()
		return plugin.NewLifecycleBusyError(id, state.String())
	}
	e.state = StateDeactivating
	inst, bound := e.inst, e.bound
	m.mu.Unlock()

	bound.deactivate()
	err := inst.Stop(ctx)

	m.mu.Lock()
	e.state = StateUnloaded
	e.inst = nil
	e.bound = nil
	for i, other := range m.order {
		if other == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.logger.Info("Plugin unloaded", zap.String("plugin", id))
	return err
}

// Reload detaches and re-attaches id. The persisted flag is not changed.
func (m *Manager) Reload(ctx context.Context, id string) error {
	if !m.registry.Has(id) {
		return plugin.NewLoadError(id, ErrUnknownPlugin)
	}
	if err := m.unload(ctx, id); err != nil {
		m.logger.Warn("Plugin stop failed during reload", zap.String("plugin", id), zap.Error(err))
	}
	return m.Load(ctx, id)
}

// ReloadAll detaches every active plugin and runs a bulk load
func (m *Manager) ReloadAll(ctx context.Context) (Report, error) {
	if !m.bulk.CompareAndSwap(false, true) {
		m.logger.Warn("Bulk load already in progress, reload rejected")
		return Report{}, plugin.NewLoadInProgressError()
	}
	defer m.bulk.Store(false)

	if err := m.shutdown(ctx); err != nil {
		m.logger.Warn("Errors while detaching plugins for reload", zap.Error(err))
	}
	return m.loadAll(ctx)
}

// Activate persists is_active=true and loads id
func (m *Manager) Activate(ctx context.Context, id string) error {
	man := m.registry.Get(id)
	if man == nil {
		return plugin.NewLoadError(id, ErrUnknownPlugin)
	}
	if err := man.Descriptor.Validate(); err != nil {
		return err
	}
	if _, err := m.syncMetadata(man.Descriptor, true); err != nil {
		return err
	}
	if err := m.setActive(id, true); err != nil {
		return err
	}
	return m.Load(ctx, id)
}

// Deactivate persists is_active=false and unloads id
func (m *Manager) Deactivate(ctx context.Context, id string) error {
	if !m.registry.Has(id) {
		return plugin.NewLoadError(id, ErrUnknownPlugin)
	}
	return m.Unload(ctx, id)
}

// LoadAll reconciles removed units and loads every registered unit. Only one
// bulk load runs at a time; an overlapping call is rejected, not queued.
func (m *Manager) LoadAll(ctx context.Context) (Report, error) {
	if !m.bulk.CompareAndSwap(false, true) {
		m.logger.Warn("Bulk load already in progress, request rejected")
		return Report{}, plugin.NewLoadInProgressError()
	}
	defer m.bulk.Store(false)

	return m.loadAll(ctx)
}

func (m *Manager) loadAll(ctx context.Context) (Report, error) {
	report := Report{Errors: make(map[string]error)}
	var errs error

	removed, err := m.Reconcile(ctx)
	report.Removed = removed
	errs = multierr.Append(errs, err)

	for _, man := range m.registry.List() {
		id := man.ID()
		if err := m.Load(ctx, id); err != nil {
			report.Failed = append(report.Failed, id)
			report.Errors[id] = err
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		if m.State(id) == StateActive {
			report.Loaded = append(report.Loaded, id)
		} else {
			report.Inactive = append(report.Inactive, id)
		}
	}

	m.logger.Info("Plugins loaded",
		zap.Int("loaded", len(report.Loaded)),
		zap.Int("inactive", len(report.Inactive)),
		zap.Int("failed", len(report.Failed)),
		zap.Int("removed", report.Removed))
	return report, errs
}

// Reconcile soft-deletes plugin rows whose unit is no longer registered and
// returns how many were removed.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	rows, err := m.store.Plugins.Select()
	if err != nil {
		return 0, plugin.NewRepositoryError("plugins.select", err)
	}

	var errs error
	removed := 0
	for _, row := range rows {
		if m.registry.Has(row.Name) {
			continue
		}
		errs = multierr.Append(errs, m.unload(ctx, row.Name))
		if err := m.store.Plugins.Delete(row.Name); err != nil {
			errs = multierr.Append(errs, plugin.NewRepositoryError("plugins.delete", err))
			continue
		}
		removed++
		m.logger.Info("Plugin unit removed, row soft-deleted", zap.String("plugin", row.Name))
	}
	return removed, errs
}

// Shutdown detaches every instance in reverse load order. Persisted flags are
// left alone so the next start loads the same set.
func (m *Manager) Shutdown(ctx context.Context) error {
	err := m.shutdown(ctx)
	m.logger.Info("Plugin manager stopped")
	return err
}

func (m *Manager) shutdown(ctx context.Context) error {
	m.mu.Lock()
	ids := append([]string(nil), m.order...)
	m.mu.Unlock()

	var errs error
	for i := len(ids) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, m.unload(ctx, ids[i]))
	}
	return errs
}

// ApplySelection activates the enabled ids and deactivates the disabled ones
// whose current state differs.
func (m *Manager) ApplySelection(ctx context.Context, sel config.PluginSelection) error {
	var errs error

	for _, id := range sel.Enabled {
		if !m.registry.Has(id) {
			m.logger.Warn("Selection enables unknown plugin", zap.String("plugin", id))
			errs = multierr.Append(errs, plugin.NewLoadError(id, ErrUnknownPlugin))
			continue
		}
		if m.State(id) == StateActive {
			continue
		}
		errs = multierr.Append(errs, m.Activate(ctx, id))
	}

	for _, id := range sel.Disabled {
		if !m.registry.Has(id) {
			continue
		}
		row, err := m.store.Plugins.Get(id)
		persisted := err == nil && row.IsActive
		if m.State(id) == StateUnloaded && !persisted {
			continue
		}
		errs = multierr.Append(errs, m.Deactivate(ctx, id))
	}
	return errs
}

// State returns the lifecycle state of id
func (m *Manager) State(id string) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[id]; ok {
		return e.state
	}
	return StateUnloaded
}

// LastError returns the error of the most recent load attempt of id
func (m *Manager) LastError(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[id]; ok {
		return e.lastErr
	}
	return nil
}

// Instance returns the live instance of id, or nil
func (m *Manager) Instance(id string) *plugin.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[id]; ok && e.state == StateActive {
		return e.inst
	}
	return nil
}

// Active returns the ids of active plugins in load order
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// Descriptors returns the descriptors of every registered unit
func (m *Manager) Descriptors() []plugin.Descriptor {
	list := m.registry.List()
	out := make([]plugin.Descriptor, 0, len(list))
	for _, man := range list {
		out = append(out, man.Descriptor)
	}
	return out
}

// List returns a status line for every registered unit
func (m *Manager) List() []plugin.Status {
	list := m.registry.List()
	out := make([]plugin.Status, 0, len(list))

	for _, man := range list {
		id := man.ID()
		st := plugin.Status{Descriptor: man.Descriptor, State: m.State(id).String()}

		if row, err := m.store.Plugins.Get(id); err == nil {
			st.Active = row.IsActive
		} else {
			st.Active = man.AutoActivate
		}
		if inst := m.Instance(id); inst != nil {
			st.Commands = inst.Commands()
			st.Subscriptions = inst.Subscriptions()
		}
		out = append(out, st)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Descriptor.ID < out[j].Descriptor.ID })
	return out
}

// Plugins implements plugin.Host
func (m *Manager) Plugins() []plugin.Status { return m.List() }

// Moderator implements plugin.Host
func (m *Manager) Moderator() plugin.Moderator { return m.auth }

// GetConfig implements plugin.Host
func (m *Manager) GetConfig(key string) (string, bool, error) {
	v, ok, err := m.store.GetConfig(key)
	if err != nil {
		return "", false, plugin.NewRepositoryError("configurations.get", err)
	}
	return v, ok, nil
}

// SetConfig implements plugin.Host
func (m *Manager) SetConfig(key, value, createdBy string) error {
	if err := m.store.SetConfig(key, value, createdBy); err != nil {
		return plugin.NewRepositoryError("configurations.set", err)
	}
	return nil
}

// pluginConfig scopes the configuration table to one plugin
type pluginConfig struct {
	store  *repository.Store
	plugin string
}

func (c *pluginConfig) Get(key string) (string, bool, error) {
	v, ok, err := c.store.GetConfig(repository.PluginConfigKey(c.plugin, key))
	if err != nil {
		return "", false, plugin.NewRepositoryError("configurations.get", err)
	}
	return v, ok, nil
}

func (c *pluginConfig) Set(key, value string) error {
	if err := c.store.SetConfig(repository.PluginConfigKey(c.plugin, key), value, c.plugin); err != nil {
		return plugin.NewRepositoryError("configurations.set", err)
	}
	return nil
}
