package plugin

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"telenode/internal/dispatcher"
	"telenode/internal/transport"

	"go.uber.org/zap"
)

// DefaultTimeout bounds a single handler call
const DefaultTimeout = 30 * time.Second

// Options tunes the invocation pipeline of an Instance
type Options struct {
	// Timeout is the handler deadline. Zero means DefaultTimeout.
	Timeout time.Duration

	// RateLimitWindow and RateLimitMax configure the per-user command limiter.
	// Zero values pick the defaults; a negative max disables limiting.
	RateLimitWindow time.Duration
	RateLimitMax    int
}

// Instance is a constructed plugin wired into the runtime. It owns the
// plugin's subscriptions and rate-limit ledger and runs every handler call
// through the authorization, rate-limit and timeout stages.
type Instance struct {
	plugin Plugin
	desc   Descriptor
	pctx   *Context
	opts   Options
	logger *zap.Logger

	commands map[string]CommandFunc
	inline   map[string]CommandFunc
	handlers map[transport.Kind]HandlerFunc
	proxy    Proxy

	limiter *RateLimiter

	mu      sync.Mutex
	started bool
	subs    []*dispatcher.Subscription
	proxied bool
}

// NewInstance validates p and collects its command tables and handlers.
// Nothing is subscribed until Start.
func NewInstance(p Plugin, pctx *Context, opts Options) (*Instance, error) {
	id := ""
	if pctx != nil {
		id = pctx.ID
	}
	if p == nil {
		return nil, NewLoadError(id, errors.New("factory returned a nil plugin"))
	}

	desc := p.Descriptor()
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if pctx == nil || pctx.Bus == nil || pctx.Auth == nil || pctx.Outbound == nil {
		return nil, NewLoadError(desc.ID, errors.New("incomplete plugin context"))
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RateLimitWindow <= 0 {
		opts.RateLimitWindow = DefaultRateLimitWindow
	}
	if opts.RateLimitMax == 0 {
		opts.RateLimitMax = DefaultRateLimitMax
	}

	logger := pctx.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	inst := &Instance{
		plugin:   p,
		desc:     desc,
		pctx:     pctx,
		opts:     opts,
		logger:   logger,
		commands: make(map[string]CommandFunc),
		inline:   make(map[string]CommandFunc),
		handlers: make(map[transport.Kind]HandlerFunc),
		limiter:  NewRateLimiter(opts.RateLimitWindow, opts.RateLimitMax, pctx.Clock),
	}

	if c, ok := p.(Commander); ok {
		for name, h := range c.Commands() {
			if h != nil && name != "" {
				inst.commands[strings.ToLower(name)] = h
			}
		}
	}
	if c, ok := p.(InlineCommander); ok {
		for name, h := range c.InlineCommands() {
			if h != nil && name != "" {
				inst.inline[strings.ToLower(name)] = h
			}
		}
	}
	if e, ok := p.(EventHandler); ok {
		for kind, h := range e.Handlers() {
			if kind.Internal() {
				return nil, NewLoadError(desc.ID, fmt.Errorf("handler registered for synthesized kind %s", kind))
			}
			if h != nil {
				inst.handlers[kind] = h
			}
		}
	}
	if desc.IsProxy() {
		px, ok := p.(Proxy)
		if !ok {
			return nil, NewLoadError(desc.ID, errors.New("proxy plugin does not implement Proxy"))
		}
		inst.proxy = px
	}

	return inst, nil
}

// ID returns the plugin identifier
func (i *Instance) ID() string { return i.desc.ID }

// Descriptor returns the validated descriptor
func (i *Instance) Descriptor() Descriptor { return i.desc }

// Plugin returns the wrapped plugin
func (i *Instance) Plugin() Plugin { return i.plugin }

// Limiter returns the instance's command rate limiter
func (i *Instance) Limiter() *RateLimiter { return i.limiter }

// Commands returns the sorted command names
func (i *Instance) Commands() []string { return sortedKeys(i.commands) }

// InlineCommands returns the sorted inline command names
func (i *Instance) InlineCommands() []string { return sortedKeys(i.inline) }

// Kinds returns the update kinds the plugin handles, sorted
func (i *Instance) Kinds() []transport.Kind {
	kinds := make([]transport.Kind, 0, len(i.handlers))
	for k := range i.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(a, b int) bool { return kinds[a] < kinds[b] })
	return kinds
}

// Subscriptions returns the number of live dispatcher subscriptions
func (i *Instance) Subscriptions() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.subs)
}

// Started reports whether Start completed and Stop has not run since
func (i *Instance) Started() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.started
}

// Start wires the plugin into the dispatcher and calls its Start. Calling it
// on a started instance does nothing.
func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.started {
		return nil
	}

	if err := i.attach(); err != nil {
		i.detach()
		return NewLoadError(i.desc.ID, err)
	}
	if err := i.safeCall(func() error { return i.plugin.Start(ctx) }); err != nil {
		i.detach()
		return NewLoadError(i.desc.ID, err)
	}

	i.started = true
	i.logger.Info("Plugin started",
		zap.String("version", i.desc.Version),
		zap.Strings("commands", sortedKeys(i.commands)),
		zap.Int("subscriptions", len(i.subs)),
		zap.Bool("proxy", i.proxied))
	return nil
}

// Stop detaches every subscription, clears the rate-limit ledger and calls
// the plugin's Stop if it was started. It is safe to call any number of
// times, including on an instance that never started.
func (i *Instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.detach()
	i.limiter.Reset()

	if !i.started {
		return nil
	}
	i.started = false

	if err := i.safeCall(func() error { return i.plugin.Stop(ctx) }); err != nil {
		i.logger.Warn("Plugin stop failed", zap.Error(err))
		return NewHandlerError(i.desc.ID, "stop", err)
	}
	i.logger.Info("Plugin stopped")
	return nil
}

func (i *Instance) attach() error {
	bus := i.pctx.Bus
	id := i.desc.ID

	if len(i.commands) > 0 {
		i.subs = append(i.subs, bus.Subscribe(transport.KindCommand, id, i.onCommand))
	}
	if len(i.inline) > 0 {
		i.subs = append(i.subs, bus.Subscribe(transport.KindInlineCommand, id, i.onInlineCommand))
	}
	for _, kind := range i.Kinds() {
		h := i.handlers[kind]
		name := kind.Handler()
		i.subs = append(i.subs, bus.Subscribe(kind, id, func(ctx context.Context, ev *dispatcher.Event) error {
			return i.invoke(ctx, ev, call{name: name, handler: h})
		}))
	}

	if i.proxy != nil {
		if err := bus.RegisterProxy(id, i.proxy); err != nil {
			return err
		}
		i.proxied = true
	}
	return nil
}

func (i *Instance) detach() {
	for _, sub := range i.subs {
		sub.Unsubscribe()
	}
	i.subs = nil

	if i.proxied {
		i.pctx.Bus.RemoveProxy(i.desc.ID)
		i.proxied = false
	}
}

func (i *Instance) safeCall(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("Plugin panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return f()
}

func (i *Instance) onCommand(ctx context.Context, ev *dispatcher.Event) error {
	name := strings.ToLower(ev.Command)
	h, ok := i.commands[name]
	if !ok {
		return nil
	}
	return i.invoke(ctx, ev, call{name: "/" + name, handler: h, limited: true, notify: true})
}

func (i *Instance) onInlineCommand(ctx context.Context, ev *dispatcher.Event) error {
	name := strings.ToLower(ev.Command)
	h, ok := i.inline[name]
	if !ok {
		return nil
	}
	return i.invoke(ctx, ev, call{name: "inline:" + name, handler: h, limited: true})
}

type call struct {
	name    string
	handler HandlerFunc
	// limited calls count against the per-user rate limit
	limited bool
	// notify calls report failures to the user
	notify bool
}

// invoke runs one handler call through the pipeline: authorization gate,
// rate limit, timeout guard, auto-dispatch of the result.
func (i *Instance) invoke(ctx context.Context, ev *dispatcher.Event, c call) error {
	log := i.logger.With(
		zap.String("handler", c.name),
		zap.String("event_id", ev.ID),
		zap.Int64("user_id", ev.UserID),
		zap.Int64("chat_id", ev.ChatID))

	allowed, err := i.authorize(ctx, ev)
	if err != nil {
		if c.notify {
			i.notifyFailure(ctx, ev.ChatID, err, log)
		}
		return err
	}
	if !allowed {
		log.Debug("Invocation dropped", zap.Error(NewAuthorizationDenied(ev.UserID, ev.ChatID)))
		return nil
	}

	if c.limited && !i.limiter.Allow(ev.UserID) {
		log.Warn("Invocation dropped", zap.Error(NewRateLimited(i.desc.ID, ev.UserID)))
		return nil
	}

	inv := &Invocation{
		ID:          ev.ID,
		Plugin:      i.desc.ID,
		Kind:        ev.Kind,
		Command:     strings.ToLower(ev.Command),
		Args:        ev.Args,
		Update:      ev.Update,
		Message:     ev.Message,
		InlineQuery: ev.InlineQuery,
		UserID:      ev.UserID,
		ChatID:      ev.ChatID,
		Outbound:    i.pctx.Outbound,
	}

	result, err := i.run(ctx, c, inv)
	if err != nil {
		if c.notify {
			i.notifyFailure(ctx, ev.ChatID, err, log)
		}
		return err
	}

	replies, err := toReplies(result)
	if err != nil {
		err = NewHandlerError(i.desc.ID, c.name, err)
		if c.notify {
			i.notifyFailure(ctx, ev.ChatID, err, log)
		}
		return err
	}
	for _, r := range replies {
		if err := r.Send(ctx, i.pctx.Outbound, ev.ChatID); err != nil {
			if c.notify {
				i.notifyFailure(ctx, ev.ChatID, err, log)
			}
			return fmt.Errorf("send %s reply: %w", r.Type, err)
		}
	}
	return nil
}

func (i *Instance) authorize(ctx context.Context, ev *dispatcher.Event) (bool, error) {
	auth := i.pctx.Auth

	granted, err := auth.IsGranted(ctx, ev.UserID, ev.ChatID)
	if err != nil || !granted {
		return false, err
	}

	switch i.desc.Visibility {
	case VisibilityRoot:
		return auth.IsRoot(ev.UserID), nil
	case VisibilityAdmin:
		if auth.IsRoot(ev.UserID) {
			return true, nil
		}
		return auth.IsAdmin(ctx, ev.UserID, ev.ChatID)
	}
	return true, nil
}

type outcome struct {
	value any
	err   error
}

// run calls the handler under a deadline. The handler's context is cancelled
// on timeout; a result arriving later is discarded.
func (i *Instance) run(ctx context.Context, c call, inv *Invocation) (any, error) {
	hctx, cancel := context.WithTimeout(ctx, i.opts.Timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				i.logger.Error("Handler panic",
					zap.String("handler", c.name),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := c.handler(hctx, inv)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, NewHandlerError(i.desc.ID, c.name, out.err)
		}
		return out.value, nil
	case <-hctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewTimeoutError(i.desc.ID, c.name, i.opts.Timeout)
	}
}

func (i *Instance) notifyFailure(ctx context.Context, chatID int64, cause error, log *zap.Logger) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if _, err := i.pctx.Outbound.SendMessage(ctx, chatID, UserMessage(cause), nil); err != nil {
		log.Warn("Failed to send failure notice", zap.Error(err))
	}
}

func sortedKeys(m map[string]CommandFunc) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
