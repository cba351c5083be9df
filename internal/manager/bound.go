package manager

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"telenode/internal/transport"
)

// ErrPluginInactive is returned by a bound outbound once its plugin has left
// the ACTIVE state
var ErrPluginInactive = errors.New("plugin is not active")

// Interceptor sees every outbound call a plugin makes. A non-nil error rejects
// the call before it reaches the transport.
type Interceptor func(pluginID, method string, chatID int64) error

// boundOutbound is the whitelist of transport operations bound onto one
// plugin instance
type boundOutbound struct {
	id        string
	next      transport.Outbound
	intercept Interceptor
	active    atomic.Bool
	calls     atomic.Uint64
}

func newBoundOutbound(id string, next transport.Outbound, intercept Interceptor) *boundOutbound {
	return &boundOutbound{id: id, next: next, intercept: intercept}
}

func (b *boundOutbound) activate()   { b.active.Store(true) }
func (b *boundOutbound) deactivate() { b.active.Store(false) }

func (b *boundOutbound) guard(method string, chatID int64) error {
	if !b.active.Load() {
		return fmt.Errorf("%s: %s: %w", b.id, method, ErrPluginInactive)
	}
	if b.intercept != nil {
		if err := b.intercept(b.id, method, chatID); err != nil {
			return err
		}
	}
	b.calls.Add(1)
	return nil
}

func (b *boundOutbound) SendMessage(ctx context.Context, chatID int64, text string, opts transport.Options) (*transport.Message, error) {
	if err := b.guard("sendMessage", chatID); err != nil {
		return nil, err
	}
	return b.next.SendMessage(ctx, chatID, text, opts)
}

func (b *boundOutbound) SendPhoto(ctx context.Context, chatID int64, photo string, opts transport.Options) (*transport.Message, error) {
	if err := b.guard("sendPhoto", chatID); err != nil {
		return nil, err
	}
	return b.next.SendPhoto(ctx, chatID, photo, opts)
}

func (b *boundOutbound) SendDocument(ctx context.Context, chatID int64, document string, opts transport.Options) (*transport.Message, error) {
	if err := b.guard("sendDocument", chatID); err != nil {
		return nil, err
	}
	return b.next.SendDocument(ctx, chatID, document, opts)
}

func (b *boundOutbound) SendAudio(ctx context.Context, chatID int64, audio string, opts transport.Options) (*transport.Message, error) {
	if err := b.guard("sendAudio", chatID); err != nil {
		return nil, err
	}
	return b.next.SendAudio(ctx, chatID, audio, opts)
}

func (b *boundOutbound) SendVideo(ctx context.Context, chatID int64, video string, opts transport.Options) (*transport.Message, error) {
	if err := b.guard("sendVideo", chatID); err != nil {
		return nil, err
	}
	return b.next.SendVideo(ctx, chatID, video, opts)
}

func (b *boundOutbound) SendVoice(ctx context.Context, chatID int64, voice string, opts transport.Options) (*transport.Message, error) {
	if err := b.guard("sendVoice", chatID); err != nil {
		return nil, err
	}
	return b.next.SendVoice(ctx, chatID, voice, opts)
}

func (b *boundOutbound) SendSticker(ctx context.Context, chatID int64, sticker string, opts transport.Options) (*transport.Message, error) {
	if err := b.guard("sendSticker", chatID); err != nil {
		return nil, err
	}
	return b.next.SendSticker(ctx, chatID, sticker, opts)
}

func (b *boundOutbound) SendChatAction(ctx context.Context, chatID int64, action string) error {
	if err := b.guard("sendChatAction", chatID); err != nil {
		return err
	}
	return b.next.SendChatAction(ctx, chatID, action)
}

func (b *boundOutbound) EditMessageText(ctx context.Context, chatID, messageID int64, text string, opts transport.Options) (*transport.Message, error) {
	if err := b.guard("editMessageText", chatID); err != nil {
		return nil, err
	}
	return b.next.EditMessageText(ctx, chatID, messageID, text, opts)
}

func (b *boundOutbound) AnswerCallbackQuery(ctx context.Context, queryID, text string, opts transport.Options) error {
	if err := b.guard("answerCallbackQuery", 0); err != nil {
		return err
	}
	return b.next.AnswerCallbackQuery(ctx, queryID, text, opts)
}

func (b *boundOutbound) GetMe(ctx context.Context) (*transport.User, error) {
	if err := b.guard("getMe", 0); err != nil {
		return nil, err
	}
	return b.next.GetMe(ctx)
}
