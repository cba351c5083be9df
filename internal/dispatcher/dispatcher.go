// Package dispatcher turns transport updates into typed events, runs the
// proxy middleware chain and fans events out to subscribed handlers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"telenode/internal/transport"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrStop is returned by a proxy to abort processing of the current update
var ErrStop = errors.New("dispatcher: stop processing update")

// DefaultWorkers bounds concurrent handler invocations per dispatcher
const DefaultWorkers = 64

// Event is one classified update delivered to handlers
type Event struct {
	ID          string
	Kind        transport.Kind
	SourceKind  transport.Kind
	Update      *transport.Update
	Message     *transport.Message
	InlineQuery *transport.InlineQuery
	Command     string
	Args        []string
	UserID      int64
	ChatID      int64
}

// Handler receives events of the kind it subscribed to
type Handler func(ctx context.Context, ev *Event) error

// Proxy intercepts updates before classification. Returning a nil update keeps
// the current one; returning ErrStop drops the update.
type Proxy interface {
	Proxy(ctx context.Context, kind transport.Kind, u *transport.Update) (*transport.Update, error)
}

// ProxyFunc adapts a function to Proxy
type ProxyFunc func(ctx context.Context, kind transport.Kind, u *transport.Update) (*transport.Update, error)

func (f ProxyFunc) Proxy(ctx context.Context, kind transport.Kind, u *transport.Update) (*transport.Update, error) {
	return f(ctx, kind, u)
}

// Stats counts dispatcher activity
type Stats struct {
	Published       uint64 `json:"published"`
	StoppedByProxy  uint64 `json:"stopped_by_proxy"`
	ProxyErrors     uint64 `json:"proxy_errors"`
	Commands        uint64 `json:"commands"`
	InlineCommands  uint64 `json:"inline_commands"`
	Delivered       uint64 `json:"delivered"`
	HandlerErrors   uint64 `json:"handler_errors"`
	HandlerPanics   uint64 `json:"handler_panics"`
	Subscriptions   int    `json:"subscriptions"`
	Proxies         int    `json:"proxies"`
	AttachedToKinds int    `json:"attached_to_kinds"`
}

// Options configures a Dispatcher
type Options struct {
	Workers int
	Logger  *zap.Logger
}

// Subscription is one registered handler
type Subscription struct {
	id      uint64
	kind    transport.Kind
	owner   string
	handler Handler
	d       *Dispatcher
	once    sync.Once
}

// Kind returns the event kind the subscription listens to
func (s *Subscription) Kind() transport.Kind { return s.kind }

// Owner returns the name the subscription was registered under
func (s *Subscription) Owner() string { return s.owner }

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.d.remove(s) })
}

type namedProxy struct {
	name  string
	proxy Proxy
}

type counters struct {
	published      atomic.Uint64
	stopped        atomic.Uint64
	proxyErrors    atomic.Uint64
	commands       atomic.Uint64
	inlineCommands atomic.Uint64
	delivered      atomic.Uint64
	handlerErrors  atomic.Uint64
	handlerPanics  atomic.Uint64
}

// Dispatcher is the event bus between the transport and plugins
type Dispatcher struct {
	logger *zap.Logger

	mu      sync.RWMutex
	subs    map[transport.Kind][]*Subscription
	nextID  uint64
	proxies []namedProxy

	attachMu   sync.Mutex
	attached   []transport.Subscription
	attachStop context.CancelFunc

	workers chan struct{}
	stats   counters
}

// New creates a dispatcher
func New(opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Dispatcher{
		logger:  opts.Logger.Named("dispatcher"),
		subs:    make(map[transport.Kind][]*Subscription),
		workers: make(chan struct{}, opts.Workers),
	}
}

// Subscribe registers handler for events of kind on behalf of owner
func (d *Dispatcher) Subscribe(kind transport.Kind, owner string, handler Handler) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	sub := &Subscription{id: d.nextID, kind: kind, owner: owner, handler: handler, d: d}
	d.subs[kind] = append(d.subs[kind], sub)
	return sub
}

func (d *Dispatcher) remove(s *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.subs[s.kind]
	for i, existing := range list {
		if existing.id == s.id {
			d.subs[s.kind] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(d.subs[s.kind]) == 0 {
		delete(d.subs, s.kind)
	}
}

// Count returns the total number of subscriptions
func (d *Dispatcher) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, list := range d.subs {
		n += len(list)
	}
	return n
}

// CountFor returns the number of subscriptions for kind
func (d *Dispatcher) CountFor(kind transport.Kind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[kind])
}

// CountOwner returns the number of subscriptions registered by owner
func (d *Dispatcher) CountOwner(owner string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, list := range d.subs {
		for _, s := range list {
			if s.owner == owner {
				n++
			}
		}
	}
	return n
}

// RegisterProxy appends p to the middleware chain
func (d *Dispatcher) RegisterProxy(name string, p Proxy) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, np := range d.proxies {
		if np.name == name {
			return fmt.Errorf("proxy %s already registered", name)
		}
	}
	d.proxies = append(d.proxies, namedProxy{name: name, proxy: p})
	d.logger.Info("Proxy registered", zap.String("proxy", name), zap.Int("position", len(d.proxies)))
	return nil
}

// RemoveProxy drops a proxy from the chain and reports whether it was present
func (d *Dispatcher) RemoveProxy(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, np := range d.proxies {
		if np.name == name {
			d.proxies = append(d.proxies[:i:i], d.proxies[i+1:]...)
			d.logger.Info("Proxy removed", zap.String("proxy", name))
			return true
		}
	}
	return false
}

// Proxies returns the names of the chain in order
func (d *Dispatcher) Proxies() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, len(d.proxies))
	for i, np := range d.proxies {
		names[i] = np.name
	}
	return names
}

// Attach subscribes the dispatcher to every kind the transport emits
func (d *Dispatcher) Attach(ctx context.Context, t transport.Transport) {
	d.Detach()

	ctx, cancel := context.WithCancel(ctx)

	d.attachMu.Lock()
	defer d.attachMu.Unlock()

	d.attachStop = cancel
	for _, kind := range transport.TransportKinds() {
		sub := t.Subscribe(kind, func(u *transport.Update) {
			if err := d.Publish(ctx, kind, u); err != nil && !errors.Is(err, ErrStop) {
				d.logger.Warn("Publish failed", zap.String("kind", string(kind)), zap.Error(err))
			}
		})
		d.attached = append(d.attached, sub)
	}
	d.logger.Info("Attached to transport", zap.Int("kinds", len(d.attached)))
}

// Detach drops every transport subscription made by Attach
func (d *Dispatcher) Detach() {
	d.attachMu.Lock()
	defer d.attachMu.Unlock()

	for _, sub := range d.attached {
		sub.Unsubscribe()
	}
	if d.attachStop != nil {
		d.attachStop()
		d.attachStop = nil
	}
	if len(d.attached) > 0 {
		d.logger.Info("Detached from transport")
	}
	d.attached = nil
}

// Publish runs the proxy chain on u, classifies the result and waits for every
// subscriber of the resulting kind. It returns ErrStop when a proxy dropped
// the update.
func (d *Dispatcher) Publish(ctx context.Context, kind transport.Kind, u *transport.Update) error {
	if u == nil {
		return fmt.Errorf("nil update")
	}
	if kind.Internal() {
		return fmt.Errorf("kind %s is synthesized and cannot be published", kind)
	}
	d.stats.published.Add(1)

	u, err := d.runProxies(ctx, kind, u)
	if err != nil {
		d.stats.stopped.Add(1)
		return err
	}

	ev := d.classify(kind, u)
	d.fanOut(ctx, ev)
	return nil
}

func (d *Dispatcher) runProxies(ctx context.Context, kind transport.Kind, u *transport.Update) (*transport.Update, error) {
	d.mu.RLock()
	chain := append([]namedProxy(nil), d.proxies...)
	d.mu.RUnlock()

	current := u
	for _, np := range chain {
		next, err := d.callProxy(ctx, np, kind, current)
		switch {
		case errors.Is(err, ErrStop):
			d.logger.Debug("Update stopped by proxy",
				zap.String("proxy", np.name),
				zap.Int64("update_id", current.ID))
			return nil, ErrStop
		case err != nil:
			d.stats.proxyErrors.Add(1)
			d.logger.Error("Proxy failed, continuing chain",
				zap.String("proxy", np.name),
				zap.Int64("update_id", current.ID),
				zap.Error(err))
		case next != nil:
			current = next
		}
	}
	return current, nil
}

func (d *Dispatcher) callProxy(ctx context.Context, np namedProxy, kind transport.Kind, u *transport.Update) (next *transport.Update, err error) {
	defer func() {
		if r := recover(); r != nil {
			next = nil
			err = fmt.Errorf("proxy panic: %v", r)
		}
	}()
	return np.proxy.Proxy(ctx, kind, u.Clone())
}

func (d *Dispatcher) classify(kind transport.Kind, u *transport.Update) *Event {
	ev := &Event{
		ID:          uuid.NewString(),
		Kind:        kind,
		SourceKind:  kind,
		Update:      u,
		Message:     u.EffectiveMessage(),
		InlineQuery: u.InlineQuery,
		ChatID:      u.ChatID(),
	}
	if s := u.Sender(); s != nil {
		ev.UserID = s.ID
	}

	switch {
	case kind == transport.KindText:
		if cmd, args, ok := ParseCommand(u.Message); ok {
			ev.Kind = transport.KindCommand
			ev.Command = cmd
			ev.Args = args
			d.stats.commands.Add(1)
		}
	case kind == transport.KindInlineQuery && u.InlineQuery != nil:
		ev.Kind = transport.KindInlineCommand
		ev.Command, ev.Args = ParseInlineQuery(u.InlineQuery)
		ev.ChatID = ev.UserID
		d.stats.inlineCommands.Add(1)
	}
	return ev
}

func (d *Dispatcher) fanOut(ctx context.Context, ev *Event) {
	d.mu.RLock()
	subs := append([]*Subscription(nil), d.subs[ev.Kind]...)
	d.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		select {
		case d.workers <- struct{}{}:
		case <-ctx.Done():
			d.logger.Warn("Dispatch cancelled", zap.String("event_id", ev.ID), zap.Error(ctx.Err()))
			wg.Wait()
			return
		}

		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			defer func() { <-d.workers }()
			d.deliver(ctx, sub, ev)
		}(sub)
	}
	wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, shared *Event) {
	ev := *shared
	ev.Args = append([]string(nil), shared.Args...)

	defer func() {
		if r := recover(); r != nil {
			d.stats.handlerPanics.Add(1)
			d.logger.Error("Handler panic",
				zap.String("owner", sub.owner),
				zap.String("kind", string(ev.Kind)),
				zap.String("event_id", ev.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	d.stats.delivered.Add(1)
	if err := sub.handler(ctx, &ev); err != nil {
		d.stats.handlerErrors.Add(1)
		d.logger.Warn("Handler failed",
			zap.String("owner", sub.owner),
			zap.String("kind", string(ev.Kind)),
			zap.String("event_id", ev.ID),
			zap.Error(err))
	}
}

// Stats returns a snapshot of dispatcher counters
func (d *Dispatcher) Stats() Stats {
	s := Stats{
		Published:      d.stats.published.Load(),
		StoppedByProxy: d.stats.stopped.Load(),
		ProxyErrors:    d.stats.proxyErrors.Load(),
		Commands:       d.stats.commands.Load(),
		InlineCommands: d.stats.inlineCommands.Load(),
		Delivered:      d.stats.delivered.Load(),
		HandlerErrors:  d.stats.handlerErrors.Load(),
		HandlerPanics:  d.stats.handlerPanics.Load(),
		Subscriptions:  d.Count(),
	}

	d.mu.RLock()
	s.Proxies = len(d.proxies)
	d.mu.RUnlock()

	d.attachMu.Lock()
	s.AttachedToKinds = len(d.attached)
	d.attachMu.Unlock()
	return s
}
