// Package hello greets every plain text message.
package hello

import (
	"context"

	"telenode/internal/transport"
	"telenode/pkg/plugin"

	"go.uber.org/zap"
)

// Greeting is sent in reply to every text message
const Greeting = "Hello!"

var descriptor = plugin.Descriptor{
	ID:          "hello",
	Version:     "1.0.0",
	Name:        "Hello",
	Description: "Answers every text message with a greeting",
	Visibility:  plugin.VisibilityUser,
	Author:      "telenode",
}

// Plugin is the hello unit
type Plugin struct {
	logger *zap.Logger
}

func (p *Plugin) Descriptor() plugin.Descriptor { return descriptor }

func (p *Plugin) Start(ctx context.Context) error { return nil }

func (p *Plugin) Stop(ctx context.Context) error { return nil }

func (p *Plugin) Handlers() map[transport.Kind]plugin.HandlerFunc {
	return map[transport.Kind]plugin.HandlerFunc{
		transport.KindText: p.onText,
	}
}

func (p *Plugin) onText(ctx context.Context, inv *plugin.Invocation) (any, error) {
	if err := inv.Outbound.SendChatAction(ctx, inv.ChatID, "typing"); err != nil {
		p.logger.Warn("Failed to send chat action", zap.Int64("chat_id", inv.ChatID), zap.Error(err))
	}
	return Greeting, nil
}
