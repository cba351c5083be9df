// Package help lists the help text of every active plugin the caller may use.
package help

import (
	"context"
	"errors"
	"strings"

	"telenode/internal/transport"
	"telenode/pkg/plugin"
)

// NothingAvailable is the reply when no active plugin is visible to the caller
const NothingAvailable = "No accessible plugins available."

const (
	activeState = "ACTIVE"
	noHelp      = "No help available"
)

var errNoCatalog = errors.New("help plugin needs the plugin catalog")

var descriptor = plugin.Descriptor{
	ID:          "help",
	Version:     "1.0.0",
	Name:        "Help",
	Description: "Lists the commands of the plugins you can use",
	Help:        "/help - show this overview",
	Visibility:  plugin.VisibilityUser,
	Author:      "telenode",
}

// Plugin is the help unit
type Plugin struct {
	catalog plugin.Catalog
	auth    plugin.Authorizer
}

// New creates the help plugin
func New(catalog plugin.Catalog, auth plugin.Authorizer) *Plugin {
	return &Plugin{catalog: catalog, auth: auth}
}

func (p *Plugin) Descriptor() plugin.Descriptor { return descriptor }

func (p *Plugin) Start(ctx context.Context) error { return nil }

func (p *Plugin) Stop(ctx context.Context) error { return nil }

func (p *Plugin) Commands() map[string]plugin.CommandFunc {
	return map[string]plugin.CommandFunc{
		"help": p.help,
	}
}

type section struct {
	title   string
	entries []plugin.Descriptor
}

func (p *Plugin) help(ctx context.Context, inv *plugin.Invocation) (any, error) {
	root := p.auth != nil && p.auth.IsRoot(inv.UserID)
	admin := root
	if !admin && p.auth != nil {
		ok, err := p.auth.IsAdmin(ctx, inv.UserID, inv.ChatID)
		if err != nil {
			return nil, err
		}
		admin = ok
	}
	private := inv.Message != nil && inv.Message.Chat.Type == "private"

	users := section{title: "User Help"}
	admins := section{title: "Admin Help"}
	roots := section{title: "Root Help"}

	for _, st := range p.catalog.Plugins() {
		if st.State != activeState {
			continue
		}
		switch st.Descriptor.Visibility {
		case plugin.VisibilityUser:
			users.entries = append(users.entries, st.Descriptor)
		case plugin.VisibilityAdmin:
			if admin {
				admins.entries = append(admins.entries, st.Descriptor)
			}
		case plugin.VisibilityRoot:
			// Root commands are only advertised in the root's private chat
			if root && private {
				roots.entries = append(roots.entries, st.Descriptor)
			}
		}
	}

	var b strings.Builder
	for _, s := range []section{users, admins, roots} {
		if len(s.entries) == 0 {
			continue
		}
		b.WriteString("*" + s.title + ":*\n")
		for _, d := range s.entries {
			text := d.Help
			if strings.TrimSpace(text) == "" {
				text = noHelp
			}
			b.WriteString("• *" + d.Name + "*\n" + text + "\n\n")
		}
	}

	out := strings.TrimRight(b.String(), "\n")
	if out == "" {
		out = NothingAvailable
	}
	return plugin.Reply{
		Type:    plugin.ReplyText,
		Payload: out,
		Options: transport.Options{"parse_mode": "Markdown"},
	}, nil
}
