// Package echo repeats whatever follows the /echo command.
package echo

import (
	"context"
	"strings"

	"telenode/pkg/plugin"

	"go.uber.org/zap"
)

// NothingToEcho is the reply to a bare /echo
const NothingToEcho = "Nothing to echo"

var descriptor = plugin.Descriptor{
	ID:          "echo",
	Version:     "1.0.0",
	Name:        "Echo",
	Description: "Repeats the text after /echo back to the chat",
	Help:        "/echo <text> - send <text> back",
	Visibility:  plugin.VisibilityUser,
	Author:      "telenode",
}

// Plugin is the echo unit
type Plugin struct {
	logger *zap.Logger
}

// New creates the echo plugin
func New(logger *zap.Logger) *Plugin {
	return &Plugin{logger: logger}
}

func (p *Plugin) Descriptor() plugin.Descriptor { return descriptor }

func (p *Plugin) Start(ctx context.Context) error { return nil }

func (p *Plugin) Stop(ctx context.Context) error { return nil }

func (p *Plugin) Commands() map[string]plugin.CommandFunc {
	return map[string]plugin.CommandFunc{
		"echo": p.echo,
	}
}

func (p *Plugin) echo(ctx context.Context, inv *plugin.Invocation) (any, error) {
	text := strings.TrimSpace(afterCommand(inv))
	if text == "" {
		return NothingToEcho, nil
	}
	p.logger.Debug("Echoing", zap.Int64("chat_id", inv.ChatID), zap.Int("length", len(text)))
	return text, nil
}

// afterCommand returns the message text following the command token, keeping
// the original spacing. It falls back to the parsed arguments.
func afterCommand(inv *plugin.Invocation) string {
	if inv.Message != nil {
		if _, rest, ok := strings.Cut(strings.TrimSpace(inv.Message.Text), " "); ok {
			return rest
		}
		if len(inv.Args) == 0 {
			return ""
		}
	}
	return strings.Join(inv.Args, " ")
}
