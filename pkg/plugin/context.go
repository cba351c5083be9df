package plugin

import (
	"context"

	"telenode/internal/clock"
	"telenode/internal/dispatcher"
	"telenode/internal/transport"

	"go.uber.org/zap"
)

// Bus is the part of the dispatcher a plugin instance uses
type Bus interface {
	Subscribe(kind transport.Kind, owner string, handler dispatcher.Handler) *dispatcher.Subscription
	RegisterProxy(name string, p dispatcher.Proxy) error
	RemoveProxy(name string) bool
	CountOwner(owner string) int
}

// Authorizer resolves permission verdicts for (user, chat) pairs
type Authorizer interface {
	IsGranted(ctx context.Context, userID, chatID int64) (bool, error)
	IsAdmin(ctx context.Context, userID, chatID int64) (bool, error)
	IsRoot(userID int64) bool
}

// Moderator is the mutating side of the authorization layer, handed to
// privileged plugins through Host.
type Moderator interface {
	Authorizer
	BlockUser(ctx context.Context, userID int64) error
	UnblockUser(ctx context.Context, userID int64) error
	BlockChat(ctx context.Context, chatID int64) error
	UnblockChat(ctx context.Context, chatID int64) error
	Ban(ctx context.Context, userID, chatID, by int64) error
	Unban(ctx context.Context, userID, chatID int64) error
	AddAdmin(ctx context.Context, userID, chatID, by int64) error
	RemoveAdmin(ctx context.Context, userID, chatID int64) error
}

// Status describes one registered plugin as seen by the lifecycle manager
type Status struct {
	Descriptor    Descriptor `json:"descriptor"`
	State         string     `json:"state"`
	Active        bool       `json:"is_active"`
	Commands      []string   `json:"commands,omitempty"`
	Subscriptions int        `json:"subscriptions"`
}

// Catalog is the read-only list of registered plugins
type Catalog interface {
	Plugins() []Status
}

// Host is the lifecycle manager view given to administrative plugins
type Host interface {
	Catalog
	Reload(ctx context.Context, id string) error
	Activate(ctx context.Context, id string) error
	Deactivate(ctx context.Context, id string) error
	Moderator() Moderator
	GetConfig(key string) (string, bool, error)
	SetConfig(key, value, createdBy string) error
}

// Config is a plugin's own key/value settings
type Config interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// Context provides dependencies to plugins during construction.
type Context struct {
	// ID is the plugin identifier the context was built for.
	ID string

	// Bus is the dispatcher the instance subscribes to.
	Bus Bus

	// Outbound is the bound transport. It only forwards the whitelisted
	// operations and stops working once the plugin is unloaded.
	Outbound transport.Outbound

	// Auth is consulted before every handler call.
	Auth Authorizer

	// Host is nil unless the plugin has ROOT visibility.
	Host Host

	// Catalog lists registered plugins. It is set for every plugin.
	Catalog Catalog

	Config Config

	// Logger is already namespaced with the plugin id.
	Logger *zap.Logger

	Clock clock.Clock
}

// NewContext creates a plugin context with all required dependencies.
func NewContext(
	id string,
	bus Bus,
	outbound transport.Outbound,
	auth Authorizer,
	host Host,
	config Config,
	logger *zap.Logger,
	clk clock.Clock,
) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &Context{
		ID:       id,
		Bus:      bus,
		Outbound: outbound,
		Auth:     auth,
		Host:     host,
		Config:   config,
		Logger:   logger,
		Clock:    clk,
	}
}
