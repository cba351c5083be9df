// Package plugin defines the contract between plugin units and the runtime:
// descriptors, the optional capability interfaces a plugin may implement, the
// per-invocation pipeline that wraps every handler, and the build-time
// registry that plugin packages populate from init().
package plugin

import (
	"context"

	"telenode/internal/dispatcher"
	"telenode/internal/transport"
)

// Plugin is the interface every plugin unit implements.
type Plugin interface {
	// Descriptor returns the static metadata of the plugin. It must match the
	// descriptor the unit was registered with.
	Descriptor() Descriptor

	// Start runs after the runtime has wired the plugin's commands and
	// handlers. Returning an error aborts the load.
	Start(ctx context.Context) error

	// Stop releases plugin-owned resources. The runtime detaches subscriptions
	// itself, so Stop only needs to undo what Start did.
	Stop(ctx context.Context) error
}

// Invocation is what a command or event handler receives
type Invocation struct {
	ID          string
	Plugin      string
	Kind        transport.Kind
	Command     string
	Args        []string
	Update      *transport.Update
	Message     *transport.Message
	InlineQuery *transport.InlineQuery
	UserID      int64
	ChatID      int64

	// Outbound is the plugin's bound transport
	Outbound transport.Outbound
}

// HandlerFunc handles one invocation. A non-empty return value is sent back to
// the chat automatically; see Reply for the accepted shapes.
type HandlerFunc func(ctx context.Context, inv *Invocation) (any, error)

// CommandFunc is a HandlerFunc registered under a command name
type CommandFunc = HandlerFunc

// Commander is implemented by plugins that expose slash commands. Names are
// matched case-insensitively.
type Commander interface {
	Commands() map[string]CommandFunc
}

// InlineCommander is implemented by plugins that answer inline queries
type InlineCommander interface {
	InlineCommands() map[string]CommandFunc
}

// EventHandler is implemented by plugins that react to update kinds
type EventHandler interface {
	Handlers() map[transport.Kind]HandlerFunc
}

// Proxy is implemented by PROXY-kind plugins. It sees every update before
// classification and may transform it or return dispatcher.ErrStop.
type Proxy = dispatcher.Proxy

// Factory constructs a plugin from its runtime context
type Factory func(ctx *Context) (Plugin, error)
