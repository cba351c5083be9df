package manager

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"telenode/internal/auth"
	"telenode/internal/clock"
	"telenode/internal/config"
	"telenode/internal/dispatcher"
	"telenode/internal/repository"
	"telenode/internal/transport"
	"telenode/pkg/plugin"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const rootID = 1

type testPlugin struct {
	desc     plugin.Descriptor
	pctx     *plugin.Context
	startErr error
	handlers map[transport.Kind]plugin.HandlerFunc

	mu     sync.Mutex
	starts int
	stops  int
}

func (p *testPlugin) Descriptor() plugin.Descriptor { return p.desc }

func (p *testPlugin) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	return p.startErr
}

func (p *testPlugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	return nil
}

func (p *testPlugin) Commands() map[string]plugin.CommandFunc {
	return map[string]plugin.CommandFunc{
		"ping": func(ctx context.Context, inv *plugin.Invocation) (any, error) {
			return "pong " + strings.Join(inv.Args, " "), nil
		},
	}
}

func (p *testPlugin) Handlers() map[transport.Kind]plugin.HandlerFunc { return p.handlers }

func descriptor(id string) plugin.Descriptor {
	return plugin.Descriptor{
		ID:          id,
		Version:     "1.0.0",
		Name:        strings.ToUpper(id),
		Description: id + " test plugin",
		Visibility:  plugin.VisibilityUser,
	}
}

type fixture struct {
	registry *plugin.Registry
	store    *repository.Store
	bus      *dispatcher.Dispatcher
	out      *transport.MockTransport
	auth     *auth.Service
	clock    *clock.MockClock
	mgr      *Manager

	mu        sync.Mutex
	built     map[string][]*testPlugin
	factories map[string]int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := clock.NewMockClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	store := repository.NewMemoryStore(clk)
	f := &fixture{
		registry:  plugin.NewRegistry(),
		store:     store,
		bus:       dispatcher.New(dispatcher.Options{Logger: zap.NewNop()}),
		out:       transport.NewMockTransport(),
		auth:      auth.New(store, auth.Options{RootUsers: []int64{rootID}, Clock: clk}),
		clock:     clk,
		built:     make(map[string][]*testPlugin),
		factories: make(map[string]int),
	}
	f.mgr = New(Options{
		Registry:  f.registry,
		Store:     f.store,
		Bus:       f.bus,
		Transport: f.out,
		Auth:      f.auth,
		Clock:     clk,
		Logger:    zap.NewNop(),
	})
	return f
}

// register adds a unit whose factory builds a testPlugin from desc
func (f *fixture) register(t *testing.T, desc plugin.Descriptor, autoActivate bool, tweak func(*testPlugin)) {
	t.Helper()
	require.NoError(t, f.registry.Register(plugin.Manifest{
		Descriptor:   desc,
		AutoActivate: autoActivate,
		Factory: func(pctx *plugin.Context) (plugin.Plugin, error) {
			p := &testPlugin{desc: desc, pctx: pctx}
			if tweak != nil {
				tweak(p)
			}
			f.mu.Lock()
			f.factories[desc.ID]++
			f.built[desc.ID] = append(f.built[desc.ID], p)
			f.mu.Unlock()
			return p, nil
		},
	}))
}

func (f *fixture) factoryCalls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.factories[id]
}

func (f *fixture) last(id string) *testPlugin {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.built[id]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (f *fixture) ping(t *testing.T, userID, chatID int64) {
	t.Helper()
	u := &transport.Update{
		ID: 10,
		Message: &transport.Message{
			ID:       20,
			From:     &transport.User{ID: userID},
			Chat:     transport.Chat{ID: chatID},
			Text:     "/ping a b",
			Entities: []transport.Entity{{Type: "bot_command", Offset: 0, Length: 5}},
		},
	}
	require.NoError(t, f.bus.Publish(context.Background(), transport.KindText, u))
}

func (f *fixture) persisted(t *testing.T, id string) repository.Plugin {
	t.Helper()
	row, err := f.store.Plugins.Get(id)
	require.NoError(t, err)
	return row
}

func TestLoadUnloadLoadIsStable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, descriptor("pinger"), true, func(p *testPlugin) {
		p.handlers = map[transport.Kind]plugin.HandlerFunc{
			transport.KindPhoto: func(ctx context.Context, inv *plugin.Invocation) (any, error) { return nil, nil },
		}
	})

	require.NoError(t, f.mgr.Load(ctx, "pinger"))
	assert.Equal(t, StateActive, f.mgr.State("pinger"))
	firstCommands := f.mgr.Instance("pinger").Commands()
	firstOwned := f.bus.CountOwner("pinger")
	assert.Equal(t, 2, firstOwned)

	f.ping(t, 5, -10)
	require.Len(t, f.out.CallsTo("sendMessage"), 1)
	assert.Equal(t, "pong a b", f.out.CallsTo("sendMessage")[0].Payload)

	require.NoError(t, f.mgr.Unload(ctx, "pinger"))
	assert.Equal(t, StateUnloaded, f.mgr.State("pinger"))
	assert.Nil(t, f.mgr.Instance("pinger"))
	assert.Equal(t, 0, f.bus.CountOwner("pinger"))
	assert.False(t, f.persisted(t, "pinger").IsActive, "unload persists the inactive flag")

	require.NoError(t, f.mgr.Activate(ctx, "pinger"))
	assert.Equal(t, firstCommands, f.mgr.Instance("pinger").Commands())
	assert.Equal(t, firstOwned, f.bus.CountOwner("pinger"))

	f.out.ClearCalls()
	f.ping(t, 5, -10)
	assert.Len(t, f.out.CallsTo("sendMessage"), 1, "no duplicate delivery after re-attach")
	assert.Equal(t, 2, f.factoryCalls("pinger"))
}

func TestLoadSkipsInactivePlugin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, descriptor("hello"), false, nil)

	require.NoError(t, f.mgr.Load(ctx, "hello"))
	assert.Equal(t, StateUnloaded, f.mgr.State("hello"))
	assert.Equal(t, 0, f.factoryCalls("hello"), "inactive units are never constructed")

	row := f.persisted(t, "hello")
	assert.False(t, row.IsActive)
	assert.Equal(t, "HELLO", row.DisplayName)
	assert.Equal(t, "USER", row.Visibility)
	assert.Equal(t, "NORMAL", row.Kind)

	require.NoError(t, f.mgr.Activate(ctx, "hello"))
	assert.Equal(t, StateActive, f.mgr.State("hello"))
	assert.True(t, f.persisted(t, "hello").IsActive)
	assert.Equal(t, 1, f.factoryCalls("hello"))
}

func TestLoadUnknownPlugin(t *testing.T) {
	f := newFixture(t)
	err := f.mgr.Load(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, plugin.HasCode(err, plugin.ErrCodeLoad))
	assert.ErrorIs(t, err, ErrUnknownPlugin)
	assert.Equal(t, err, f.mgr.LastError("ghost"))
}

func TestMetadataRefreshKeepsActiveFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, descriptor("pinger"), true, nil)

	require.NoError(t, f.mgr.Load(ctx, "pinger"))
	require.NoError(t, f.mgr.Unload(ctx, "pinger"))

	desc := descriptor("pinger")
	desc.Version = "2.0.0"
	f.register(t, desc, true, nil)

	require.NoError(t, f.mgr.Load(ctx, "pinger"))
	row := f.persisted(t, "pinger")
	assert.Equal(t, "2.0.0", row.Version, "metadata is refreshed")
	assert.False(t, row.IsActive, "an existing row keeps its flag")
	assert.Equal(t, StateUnloaded, f.mgr.State("pinger"))
}

func TestReloadKeepsFlagAndSubscriptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, descriptor("pinger"), true, nil)

	require.NoError(t, f.mgr.Load(ctx, "pinger"))
	first := f.last("pinger")

	require.NoError(t, f.mgr.Reload(ctx, "pinger"))
	assert.Equal(t, StateActive, f.mgr.State("pinger"))
	assert.True(t, f.persisted(t, "pinger").IsActive)
	assert.Equal(t, 1, f.bus.CountOwner("pinger"))
	assert.NotSame(t, first, f.last("pinger"))
	assert.Equal(t, 1, first.stops)
	assert.Equal(t, []string{"pinger"}, f.mgr.Active())

	err := f.mgr.Reload(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUnknownPlugin)
}

func TestLoadAllIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, descriptor("good"), true, nil)
	f.register(t, descriptor("sleepy"), false, nil)

	bad := descriptor("bad")
	bad.Description = ""
	f.register(t, bad, true, nil)

	f.register(t, descriptor("broken"), true, func(p *testPlugin) {
		p.startErr = errors.New("cannot start")
	})

	require.NoError(t, f.registry.Register(plugin.Manifest{
		Descriptor:   descriptor("panicky"),
		AutoActivate: true,
		Factory: func(*plugin.Context) (plugin.Plugin, error) {
			panic("boom")
		},
	}))
	require.NoError(t, f.registry.Register(plugin.Manifest{
		Descriptor:   descriptor("failing"),
		AutoActivate: true,
		Factory: func(*plugin.Context) (plugin.Plugin, error) {
			return nil, errors.New("no credentials")
		},
	}))
	require.NoError(t, f.registry.Register(plugin.Manifest{
		Descriptor:   descriptor("liar"),
		AutoActivate: true,
		Factory: func(*plugin.Context) (plugin.Plugin, error) {
			return &testPlugin{desc: descriptor("other")}, nil
		},
	}))

	report, err := f.mgr.LoadAll(ctx)
	require.Error(t, err)

	assert.Equal(t, []string{"good"}, report.Loaded)
	assert.Equal(t, []string{"sleepy"}, report.Inactive)
	assert.ElementsMatch(t, []string{"bad", "broken", "panicky", "failing", "liar"}, report.Failed)
	assert.Len(t, multierr.Errors(err), 5)
	assert.Equal(t, 7, report.Total())

	assert.True(t, plugin.HasCode(report.Errors["bad"], plugin.ErrCodeValidation))
	for _, id := range []string{"broken", "panicky", "failing", "liar"} {
		assert.True(t, plugin.HasCode(report.Errors[id], plugin.ErrCodeLoad), id)
		assert.Equal(t, StateUnloaded, f.mgr.State(id), id)
	}

	assert.Equal(t, 0, f.bus.CountOwner("broken"), "failed start leaves no subscriptions behind")
	assert.Equal(t, 1, f.bus.CountOwner("good"))
}

func TestLoadAllRejectsOverlap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	require.NoError(t, f.registry.Register(plugin.Manifest{
		Descriptor:   descriptor("slow"),
		AutoActivate: true,
		Factory: func(*plugin.Context) (plugin.Plugin, error) {
			once.Do(func() { close(entered) })
			<-release
			return &testPlugin{desc: descriptor("slow")}, nil
		},
	}))

	done := make(chan error, 1)
	go func() {
		_, err := f.mgr.LoadAll(ctx)
		done <- err
	}()
	<-entered

	_, err := f.mgr.LoadAll(ctx)
	assert.True(t, plugin.HasCode(err, plugin.ErrCodeLoadInProgress))
	_, err = f.mgr.ReloadAll(ctx)
	assert.True(t, plugin.HasCode(err, plugin.ErrCodeLoadInProgress))

	err = f.mgr.Load(ctx, "slow")
	assert.True(t, plugin.HasCode(err, plugin.ErrCodeLifecycleBusy))
	assert.Equal(t, StateLoading, f.mgr.State("slow"))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateActive, f.mgr.State("slow"))

	_, err = f.mgr.ReloadAll(ctx)
	assert.NoError(t, err, "the guard is released after the bulk load")
}

func TestReconcileSoftDeletesRemovedUnits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, descriptor("keep"), true, nil)
	f.register(t, descriptor("gone"), true, nil)

	_, err := f.mgr.LoadAll(ctx)
	require.NoError(t, err)
	require.NoError(t, f.store.SetConfig(repository.PluginConfigKey("gone", "words"), "spam", "gone"))

	f.registry.Unregister("gone")
	report, err := f.mgr.ReloadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Removed)
	assert.Equal(t, StateUnloaded, f.mgr.State("gone"))
	assert.Equal(t, 0, f.bus.CountOwner("gone"))

	_, err = f.store.Plugins.Get("gone")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	trashed, err := f.store.Plugins.Get("gone", repository.WithTrashed())
	require.NoError(t, err)
	assert.True(t, trashed.Trashed())

	f.register(t, descriptor("gone"), true, nil)
	require.NoError(t, f.mgr.Load(ctx, "gone"))
	assert.Equal(t, StateActive, f.mgr.State("gone"), "reinstall restores the row")
	assert.True(t, f.persisted(t, "gone").IsActive)

	v, ok, err := f.store.GetConfig(repository.PluginConfigKey("gone", "words"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "spam", v)
}

func TestBoundOutboundRejectsAfterUnload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, descriptor("pinger"), true, nil)

	require.NoError(t, f.mgr.Load(ctx, "pinger"))
	out := f.last("pinger").pctx.Outbound

	_, err := out.SendMessage(ctx, 7, "hi", transport.Options{})
	require.NoError(t, err)

	require.NoError(t, f.mgr.Unload(ctx, "pinger"))
	_, err = out.SendMessage(ctx, 7, "late", transport.Options{})
	assert.ErrorIs(t, err, ErrPluginInactive)
	assert.ErrorIs(t, out.SendChatAction(ctx, 7, "typing"), ErrPluginInactive)
	assert.Len(t, f.out.Calls(), 1)
}

func TestInterceptorSeesPluginCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var seen []string
	f.mgr = New(Options{
		Registry:  f.registry,
		Store:     f.store,
		Bus:       f.bus,
		Transport: f.out,
		Auth:      f.auth,
		Clock:     f.clock,
		Interceptor: func(pluginID, method string, chatID int64) error {
			seen = append(seen, pluginID+":"+method)
			if chatID == 666 {
				return errors.New("chat is muted")
			}
			return nil
		},
	})
	f.register(t, descriptor("pinger"), true, nil)
	require.NoError(t, f.mgr.Load(ctx, "pinger"))

	out := f.last("pinger").pctx.Outbound
	_, err := out.SendPhoto(ctx, 3, "file-id", transport.Options{})
	require.NoError(t, err)
	_, err = out.SendMessage(ctx, 666, "x", transport.Options{})
	assert.EqualError(t, err, "chat is muted")

	assert.Equal(t, []string{"pinger:sendPhoto", "pinger:sendMessage"}, seen)
	assert.Len(t, f.out.Calls(), 1)
}

func TestShutdownKeepsPersistedFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, descriptor("alpha"), true, nil)
	f.register(t, descriptor("beta"), true, nil)

	_, err := f.mgr.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, f.mgr.Active())

	require.NoError(t, f.mgr.Shutdown(ctx))
	assert.Empty(t, f.mgr.Active())
	assert.Equal(t, 0, f.bus.Count())
	assert.True(t, f.persisted(t, "alpha").IsActive)
	assert.True(t, f.persisted(t, "beta").IsActive)
	assert.Equal(t, 1, f.last("alpha").stops)
	assert.Equal(t, 1, f.last("beta").stops)
}

func TestApplySelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, descriptor("alpha"), true, nil)
	f.register(t, descriptor("beta"), false, nil)

	_, err := f.mgr.LoadAll(ctx)
	require.NoError(t, err)
	require.Equal(t, StateUnloaded, f.mgr.State("beta"))

	err = f.mgr.ApplySelection(ctx, config.PluginSelection{
		Enabled:  []string{"beta", "ghost"},
		Disabled: []string{"alpha"},
	})
	require.Error(t, err, "unknown ids are reported")
	assert.ErrorIs(t, err, ErrUnknownPlugin)

	assert.Equal(t, StateActive, f.mgr.State("beta"))
	assert.True(t, f.persisted(t, "beta").IsActive)
	assert.Equal(t, StateUnloaded, f.mgr.State("alpha"))
	assert.False(t, f.persisted(t, "alpha").IsActive)

	require.NoError(t, f.mgr.ApplySelection(ctx, config.PluginSelection{Enabled: []string{"beta"}}))
	assert.Equal(t, 1, f.factoryCalls("beta"), "already active units are left alone")
}

func TestHostOnlyForRootPlugins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := descriptor("master")
	root.Visibility = plugin.VisibilityRoot
	f.register(t, root, true, nil)
	f.register(t, descriptor("pinger"), true, nil)

	_, err := f.mgr.LoadAll(ctx)
	require.NoError(t, err)

	assert.Nil(t, f.last("pinger").pctx.Host)
	catalog := f.last("pinger").pctx.Catalog
	require.NotNil(t, catalog, "every plugin gets the read-only catalog")
	assert.Len(t, catalog.Plugins(), 2)

	host := f.last("master").pctx.Host
	require.NotNil(t, host)

	statuses := host.Plugins()
	require.Len(t, statuses, 2)
	assert.Equal(t, "master", statuses[0].Descriptor.ID)
	assert.Equal(t, "ACTIVE", statuses[1].State)
	assert.Equal(t, []string{"ping"}, statuses[1].Commands)

	require.NoError(t, host.SetConfig("global.greeting", "hi", "master"))
	v, ok, err := host.GetConfig("global.greeting")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hi", v)

	require.NoError(t, host.Deactivate(ctx, "pinger"))
	assert.Equal(t, StateUnloaded, f.mgr.State("pinger"))
	assert.NotNil(t, host.Moderator())
}

func TestPluginConfigIsNamespaced(t *testing.T) {
	f := newFixture(t)
	f.register(t, descriptor("pinger"), true, nil)
	require.NoError(t, f.mgr.Load(context.Background(), "pinger"))

	cfg := f.last("pinger").pctx.Config
	require.NoError(t, cfg.Set("limit", "3"))

	v, ok, err := f.store.GetConfig("plugins.pinger.limit")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "3", v)

	_, ok, err = cfg.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRootOnlyCommandGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := descriptor("pinger")
	root.Visibility = plugin.VisibilityRoot
	f.register(t, root, true, nil)
	require.NoError(t, f.mgr.Load(ctx, "pinger"))

	f.ping(t, 99, 99)
	assert.Empty(t, f.out.Calls(), "non-root callers are silently ignored")

	f.ping(t, rootID, rootID)
	assert.Len(t, f.out.CallsTo("sendMessage"), 1)
}
