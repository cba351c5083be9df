// Package testutil provides testing utilities for bot plugins.
// TestEnv wires a plugin into a real dispatcher, authorization layer and
// lifecycle manager over a mock transport.
package testutil

import (
	"context"
	"strings"
	"time"
	"unicode/utf16"

	"telenode/internal/auth"
	"telenode/internal/clock"
	"telenode/internal/dispatcher"
	"telenode/internal/manager"
	"telenode/internal/repository"
	"telenode/internal/transport"
	"telenode/pkg/plugin"

	"go.uber.org/zap"
)

// Epoch is the start time of every TestEnv clock
var Epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// TestEnv provides a complete test environment for plugin tests.
type TestEnv struct {
	Registry  *plugin.Registry
	Store     *repository.Store
	Auth      *auth.Service
	Bus       *dispatcher.Dispatcher
	Transport *transport.MockTransport
	Manager   *manager.Manager
	Clock     *clock.MockClock
	Logger    *zap.Logger

	nextUpdate int64
}

// NewTestEnv creates an environment whose root users are roots.
//
// Example usage:
//
//	env := testutil.NewTestEnv(1)
//	defer env.Cleanup()
//
//	require.NoError(t, env.Install(echo.Manifest()))
//	require.NoError(t, env.Command(5, 5, "/echo hi"))
//	assert.Equal(t, []string{"hi"}, env.Replies())
func NewTestEnv(roots ...int64) *TestEnv {
	logger := zap.NewNop()
	clk := clock.NewMockClock(Epoch)
	store := repository.NewMemoryStore(clk)

	env := &TestEnv{
		Registry:  plugin.NewRegistry(),
		Store:     store,
		Auth:      auth.New(store, auth.Options{RootUsers: roots, Clock: clk, Logger: logger}),
		Bus:       dispatcher.New(dispatcher.Options{Logger: logger}),
		Transport: transport.NewMockTransport(),
		Clock:     clk,
		Logger:    logger,
	}
	env.Manager = manager.New(manager.Options{
		Registry:  env.Registry,
		Store:     env.Store,
		Bus:       env.Bus,
		Transport: env.Transport,
		Auth:      env.Auth,
		Instance:  plugin.Options{Timeout: time.Second, RateLimitMax: -1},
		Clock:     clk,
		Logger:    logger,
	})
	return env
}

// Install registers the manifests and activates each of them, regardless of
// their AutoActivate flag.
func (e *TestEnv) Install(manifests ...plugin.Manifest) error {
	ctx := context.Background()
	for _, m := range manifests {
		if err := e.Registry.Register(m); err != nil {
			return err
		}
		if err := e.Manager.Activate(ctx, m.ID()); err != nil {
			return err
		}
	}
	return nil
}

func (e *TestEnv) message(userID, chatID int64, text string) *transport.Message {
	e.nextUpdate++
	return &transport.Message{
		ID:   e.nextUpdate,
		From: &transport.User{ID: userID, FirstName: "Test"},
		Chat: transport.Chat{ID: chatID, Type: chatType(userID, chatID)},
		Date: e.Clock.Now().Unix(),
		Text: text,
	}
}

func chatType(userID, chatID int64) string {
	if userID == chatID {
		return "private"
	}
	return "group"
}

// Command publishes text as a bot command. The first word is marked with a
// bot_command entity.
func (e *TestEnv) Command(userID, chatID int64, text string) error {
	msg := e.message(userID, chatID, text)
	first, _, _ := strings.Cut(text, " ")
	msg.Entities = []transport.Entity{{
		Type:   "bot_command",
		Offset: 0,
		Length: len(utf16.Encode([]rune(first))),
	}}
	return e.Publish(transport.KindText, &transport.Update{ID: msg.ID, Message: msg})
}

// Text publishes a plain text message
func (e *TestEnv) Text(userID, chatID int64, text string) error {
	msg := e.message(userID, chatID, text)
	return e.Publish(transport.KindText, &transport.Update{ID: msg.ID, Message: msg})
}

// Publish hands u to the dispatcher and waits for every handler
func (e *TestEnv) Publish(kind transport.Kind, u *transport.Update) error {
	return e.Bus.Publish(context.Background(), kind, u)
}

// Replies returns the text of every sendMessage call so far
func (e *TestEnv) Replies() []string {
	var out []string
	for _, c := range FilterCalls(e.Transport.Calls(), "sendMessage") {
		out = append(out, c.Payload)
	}
	return out
}

// LastReply returns the most recent sendMessage text, or ""
func (e *TestEnv) LastReply() string {
	replies := e.Replies()
	if len(replies) == 0 {
		return ""
	}
	return replies[len(replies)-1]
}

// ClearCalls forgets the recorded outbound calls
func (e *TestEnv) ClearCalls() {
	e.Transport.ClearCalls()
}

// Cleanup stops all components in the correct order.
// Always call this in a defer after creating the TestEnv.
func (e *TestEnv) Cleanup() {
	_ = e.Manager.Shutdown(context.Background())
	e.Auth.Stop()
}
