// Package master is the root console: plugin lifecycle, moderation and
// runtime configuration from chat.
package master

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"telenode/internal/auth"
	"telenode/internal/clock"
	"telenode/pkg/plugin"

	"go.uber.org/zap"
)

var descriptor = plugin.Descriptor{
	ID:          "master",
	Version:     "1.0.0",
	Name:        "Master",
	Description: "Root console for plugins, moderation and configuration",
	Help: strings.Join([]string{
		"/me - show your ids",
		"/plugins - list plugins",
		"/plugin <reload|enable|disable> <id>",
		"/status - runtime status",
		"/cache [clear] - authorization cache",
		"/ban <user> | /unban <user> - in this chat",
		"/block <user> | /block chat <id>",
		"/unblock <user> | /unblock chat <id>",
		"/admin <user> | /unadmin <user> - in this chat",
		"/config get <key> | /config set <key> <value>",
	}, "\n"),
	Visibility: plugin.VisibilityRoot,
	Author:     "telenode",
}

// cacheAdmin is implemented by the authorization service behind the moderator
type cacheAdmin interface {
	Metrics() auth.Metrics
	ClearCache()
}

// Plugin is the master unit
type Plugin struct {
	host    plugin.Host
	auth    plugin.Authorizer
	clock   clock.Clock
	logger  *zap.Logger
	started time.Time
}

// New creates the master plugin
func New(host plugin.Host, authz plugin.Authorizer, clk clock.Clock, logger *zap.Logger) *Plugin {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Plugin{host: host, auth: authz, clock: clk, logger: logger}
}

func (p *Plugin) Descriptor() plugin.Descriptor { return descriptor }

func (p *Plugin) Start(ctx context.Context) error {
	p.started = p.clock.Now()
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error { return nil }

func (p *Plugin) Commands() map[string]plugin.CommandFunc {
	return map[string]plugin.CommandFunc{
		"me":      p.me,
		"plugins": p.plugins,
		"plugin":  p.plugin,
		"status":  p.status,
		"cache":   p.cache,
		"ban":     p.ban,
		"unban":   p.unban,
		"block":   p.block,
		"unblock": p.unblock,
		"admin":   p.admin,
		"unadmin": p.unadmin,
		"config":  p.config,
	}
}

func (p *Plugin) me(ctx context.Context, inv *plugin.Invocation) (any, error) {
	root := "no"
	if p.auth != nil && p.auth.IsRoot(inv.UserID) {
		root = "yes"
	}
	return fmt.Sprintf("User id: %d\nChat id: %d\nRoot: %s", inv.UserID, inv.ChatID, root), nil
}

func (p *Plugin) plugins(ctx context.Context, inv *plugin.Invocation) (any, error) {
	statuses := p.host.Plugins()
	if len(statuses) == 0 {
		return "No plugins registered", nil
	}

	var b strings.Builder
	for i, st := range statuses {
		if i > 0 {
			b.WriteByte('\n')
		}
		flag := "enabled"
		if !st.Active {
			flag = "disabled"
		}
		fmt.Fprintf(&b, "%s v%s [%s] %s %s", st.Descriptor.ID, st.Descriptor.Version,
			st.Descriptor.Visibility, st.State, flag)
	}
	return b.String(), nil
}

func (p *Plugin) known(id string) bool {
	for _, st := range p.host.Plugins() {
		if st.Descriptor.ID == id {
			return true
		}
	}
	return false
}

func (p *Plugin) plugin(ctx context.Context, inv *plugin.Invocation) (any, error) {
	const usage = "Usage: /plugin <reload|enable|disable> <id>"
	if len(inv.Args) != 2 {
		return usage, nil
	}
	action, id := strings.ToLower(inv.Args[0]), strings.ToLower(inv.Args[1])

	if !p.known(id) {
		return fmt.Sprintf("Unknown plugin: %s", id), nil
	}
	if id == descriptor.ID && action != "enable" {
		return "The master plugin cannot reload or disable itself", nil
	}

	var err error
	switch action {
	case "reload":
		err = p.host.Reload(ctx, id)
	case "enable":
		err = p.host.Activate(ctx, id)
	case "disable":
		err = p.host.Deactivate(ctx, id)
	default:
		return usage, nil
	}
	if err != nil {
		return nil, err
	}

	p.logger.Info("Plugin lifecycle changed from chat",
		zap.String("action", action),
		zap.String("plugin", id),
		zap.Int64("by", inv.UserID))
	return fmt.Sprintf("Plugin %s: %s done", id, action), nil
}

func (p *Plugin) status(ctx context.Context, inv *plugin.Invocation) (any, error) {
	statuses := p.host.Plugins()
	active, subs := 0, 0
	for _, st := range statuses {
		if st.State == "ACTIVE" {
			active++
		}
		subs += st.Subscriptions
	}
	uptime := p.clock.Since(p.started).Truncate(time.Second)
	return fmt.Sprintf("Plugins: %d active of %d\nSubscriptions: %d\nUptime: %s",
		active, len(statuses), subs, uptime), nil
}

func (p *Plugin) cache(ctx context.Context, inv *plugin.Invocation) (any, error) {
	admin, ok := p.host.Moderator().(cacheAdmin)
	if !ok {
		return "Cache statistics are not available", nil
	}

	if len(inv.Args) > 0 && strings.EqualFold(inv.Args[0], "clear") {
		admin.ClearCache()
		p.logger.Info("Authorization cache cleared", zap.Int64("by", inv.UserID))
		return "Authorization cache cleared", nil
	}

	m := admin.Metrics()
	return fmt.Sprintf("Entries: %d/%d\nHits: %d\nMisses: %d\nEvictions: %d\nChecks: %d (denied %d)",
		m.Cache.Size, m.Cache.MaxSize, m.Cache.Hits, m.Cache.Misses, m.Cache.Evictions,
		m.Checks, m.Denied), nil
}

// target resolves the user a moderation command applies to: the first
// argument, or the author of the replied-to message
func target(inv *plugin.Invocation) (int64, bool) {
	if len(inv.Args) > 0 {
		id, err := strconv.ParseInt(inv.Args[0], 10, 64)
		return id, err == nil
	}
	if inv.Message != nil && inv.Message.ReplyTo != nil && inv.Message.ReplyTo.From != nil {
		return inv.Message.ReplyTo.From.ID, true
	}
	return 0, false
}

func (p *Plugin) moderate(ctx context.Context, inv *plugin.Invocation, verb string, apply func(context.Context, plugin.Moderator, int64) error) (any, error) {
	userID, ok := target(inv)
	if !ok {
		return fmt.Sprintf("Usage: /%s <user id>, or reply to a message", verb), nil
	}
	if err := apply(ctx, p.host.Moderator(), userID); err != nil {
		return nil, err
	}
	p.logger.Info("Moderation applied",
		zap.String("action", verb),
		zap.Int64("user_id", userID),
		zap.Int64("chat_id", inv.ChatID),
		zap.Int64("by", inv.UserID))
	return fmt.Sprintf("%s: %d", verb, userID), nil
}

func (p *Plugin) ban(ctx context.Context, inv *plugin.Invocation) (any, error) {
	return p.moderate(ctx, inv, "ban", func(ctx context.Context, m plugin.Moderator, id int64) error {
		return m.Ban(ctx, id, inv.ChatID, inv.UserID)
	})
}

func (p *Plugin) unban(ctx context.Context, inv *plugin.Invocation) (any, error) {
	return p.moderate(ctx, inv, "unban", func(ctx context.Context, m plugin.Moderator, id int64) error {
		return m.Unban(ctx, id, inv.ChatID)
	})
}

func (p *Plugin) admin(ctx context.Context, inv *plugin.Invocation) (any, error) {
	return p.moderate(ctx, inv, "admin", func(ctx context.Context, m plugin.Moderator, id int64) error {
		return m.AddAdmin(ctx, id, inv.ChatID, inv.UserID)
	})
}

func (p *Plugin) unadmin(ctx context.Context, inv *plugin.Invocation) (any, error) {
	return p.moderate(ctx, inv, "unadmin", func(ctx context.Context, m plugin.Moderator, id int64) error {
		return m.RemoveAdmin(ctx, id, inv.ChatID)
	})
}

func (p *Plugin) block(ctx context.Context, inv *plugin.Invocation) (any, error) {
	if chatID, ok := chatArg(inv); ok {
		if err := p.host.Moderator().BlockChat(ctx, chatID); err != nil {
			return nil, err
		}
		return fmt.Sprintf("block chat: %d", chatID), nil
	}
	return p.moderate(ctx, inv, "block", func(ctx context.Context, m plugin.Moderator, id int64) error {
		return m.BlockUser(ctx, id)
	})
}

func (p *Plugin) unblock(ctx context.Context, inv *plugin.Invocation) (any, error) {
	if chatID, ok := chatArg(inv); ok {
		if err := p.host.Moderator().UnblockChat(ctx, chatID); err != nil {
			return nil, err
		}
		return fmt.Sprintf("unblock chat: %d", chatID), nil
	}
	return p.moderate(ctx, inv, "unblock", func(ctx context.Context, m plugin.Moderator, id int64) error {
		return m.UnblockUser(ctx, id)
	})
}

// chatArg parses "chat <id>"
func chatArg(inv *plugin.Invocation) (int64, bool) {
	if len(inv.Args) != 2 || !strings.EqualFold(inv.Args[0], "chat") {
		return 0, false
	}
	id, err := strconv.ParseInt(inv.Args[1], 10, 64)
	return id, err == nil
}

func (p *Plugin) config(ctx context.Context, inv *plugin.Invocation) (any, error) {
	const usage = "Usage: /config get <key> | /config set <key> <value>"
	if len(inv.Args) < 2 {
		return usage, nil
	}
	key := inv.Args[1]

	switch strings.ToLower(inv.Args[0]) {
	case "get":
		v, ok, err := p.host.GetConfig(key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return fmt.Sprintf("%s is not set", key), nil
		}
		return fmt.Sprintf("%s = %s", key, v), nil
	case "set":
		if len(inv.Args) < 3 {
			return usage, nil
		}
		value := strings.Join(inv.Args[2:], " ")
		if err := p.host.SetConfig(key, value, strconv.FormatInt(inv.UserID, 10)); err != nil {
			return nil, err
		}
		p.logger.Info("Configuration changed", zap.String("key", key), zap.Int64("by", inv.UserID))
		return fmt.Sprintf("%s = %s", key, value), nil
	default:
		return usage, nil
	}
}
