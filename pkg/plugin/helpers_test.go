package plugin

import (
	"context"
	"sync"
	"testing"
	"time"

	"telenode/internal/clock"
	"telenode/internal/dispatcher"
	"telenode/internal/transport"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockPlugin implements Plugin, Commander, InlineCommander and EventHandler
type mockPlugin struct {
	desc     Descriptor
	commands map[string]CommandFunc
	inline   map[string]CommandFunc
	handlers map[transport.Kind]HandlerFunc
	startErr error

	mu     sync.Mutex
	starts int
	stops  int
}

func newMockPlugin(id string) *mockPlugin {
	return &mockPlugin{
		desc: Descriptor{
			ID:          id,
			Version:     "1.0.0",
			Name:        id,
			Description: "mock plugin",
			Visibility:  VisibilityUser,
		},
		commands: map[string]CommandFunc{},
		inline:   map[string]CommandFunc{},
		handlers: map[transport.Kind]HandlerFunc{},
	}
}

func (m *mockPlugin) Descriptor() Descriptor { return m.desc }

func (m *mockPlugin) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	return m.startErr
}

func (m *mockPlugin) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	return nil
}

func (m *mockPlugin) Commands() map[string]CommandFunc         { return m.commands }
func (m *mockPlugin) InlineCommands() map[string]CommandFunc   { return m.inline }
func (m *mockPlugin) Handlers() map[transport.Kind]HandlerFunc { return m.handlers }

func (m *mockPlugin) counts() (starts, stops int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts, m.stops
}

type proxyPlugin struct {
	*mockPlugin
	proxy dispatcher.ProxyFunc
}

func (p *proxyPlugin) Proxy(ctx context.Context, kind transport.Kind, u *transport.Update) (*transport.Update, error) {
	return p.proxy(ctx, kind, u)
}

// fakeAuth is an in-memory Authorizer
type fakeAuth struct {
	roots   map[int64]bool
	admins  map[[2]int64]bool
	blocked map[int64]bool
	err     error
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{
		roots:   map[int64]bool{},
		admins:  map[[2]int64]bool{},
		blocked: map[int64]bool{},
	}
}

func (a *fakeAuth) IsGranted(ctx context.Context, userID, chatID int64) (bool, error) {
	if a.err != nil {
		return false, a.err
	}
	return a.roots[userID] || !a.blocked[userID], nil
}

func (a *fakeAuth) IsAdmin(ctx context.Context, userID, chatID int64) (bool, error) {
	return a.admins[[2]int64{userID, chatID}], nil
}

func (a *fakeAuth) IsRoot(userID int64) bool { return a.roots[userID] }

type harness struct {
	bus   *dispatcher.Dispatcher
	out   *transport.MockTransport
	auth  *fakeAuth
	clock *clock.MockClock
}

func newHarness() *harness {
	return &harness{
		bus:   dispatcher.New(dispatcher.Options{Logger: zap.NewNop()}),
		out:   transport.NewMockTransport(),
		auth:  newFakeAuth(),
		clock: clock.NewMockClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)),
	}
}

func (h *harness) context(id string) *Context {
	return NewContext(id, h.bus, h.out, h.auth, nil, nil, zap.NewNop(), h.clock)
}

func (h *harness) start(t *testing.T, p Plugin, opts Options) *Instance {
	t.Helper()
	inst, err := NewInstance(p, h.context(p.Descriptor().ID), opts)
	require.NoError(t, err)
	require.NoError(t, inst.Start(context.Background()))
	return inst
}

func (h *harness) command(t *testing.T, userID, chatID int64, text string, cmdLen int) {
	t.Helper()
	u := &transport.Update{
		ID: 1,
		Message: &transport.Message{
			ID:       5,
			From:     &transport.User{ID: userID},
			Chat:     transport.Chat{ID: chatID},
			Text:     text,
			Entities: []transport.Entity{{Type: "bot_command", Offset: 0, Length: cmdLen}},
		},
	}
	require.NoError(t, h.bus.Publish(context.Background(), transport.KindText, u))
}

func (h *harness) text(t *testing.T, userID, chatID int64, text string) {
	t.Helper()
	u := &transport.Update{
		ID: 2,
		Message: &transport.Message{
			ID:   6,
			From: &transport.User{ID: userID},
			Chat: transport.Chat{ID: chatID},
			Text: text,
		},
	}
	require.NoError(t, h.bus.Publish(context.Background(), transport.KindText, u))
}

func (h *harness) sentTexts() []string {
	var out []string
	for _, c := range h.out.CallsTo("sendMessage") {
		out = append(out, c.Payload)
	}
	return out
}
