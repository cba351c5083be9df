// Package antispam drops flooding and banned-word updates before any other
// plugin sees them.
package antispam

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"telenode/internal/clock"
	"telenode/internal/dispatcher"
	"telenode/internal/transport"
	"telenode/pkg/plugin"

	"go.uber.org/zap"
)

const (
	// DefaultMaxRepeats is how many identical messages in a row pass
	DefaultMaxRepeats = 3

	// DefaultWindow bounds a run of identical messages
	DefaultWindow = 30 * time.Second

	maxTracked = 4096
)

// Plugin config keys
const (
	KeyWords      = "words"
	KeyMaxRepeats = "max_repeats"
	KeyWindow     = "window"
)

var errNoConfig = errors.New("antispam plugin requires a config store")

var descriptor = plugin.Descriptor{
	ID:          "antispam",
	Version:     "1.0.0",
	Name:        "Anti-spam",
	Description: "Drops repeated messages and messages containing banned words",
	Help:        "Configure with plugins.antispam.words (comma separated), max_repeats and window",
	Visibility:  plugin.VisibilityUser,
	Kind:        plugin.KindProxy,
	Author:      "telenode",
}

type sender struct {
	user int64
	chat int64
}

// streak is the current run of identical texts from one sender
type streak struct {
	text  string
	count int
	first time.Time
}

// Stats counts dropped updates
type Stats struct {
	Repeated  uint64 `json:"repeated"`
	Banned    uint64 `json:"banned"`
	Tracked   int    `json:"tracked"`
	WordCount int    `json:"word_count"`
}

// Plugin is the antispam unit
type Plugin struct {
	config plugin.Config
	clock  clock.Clock
	logger *zap.Logger

	mu         sync.Mutex
	words      []string
	maxRepeats int
	window     time.Duration
	streaks    map[sender]*streak

	repeated atomic.Uint64
	banned   atomic.Uint64
}

// New creates the antispam plugin
func New(cfg plugin.Config, clk clock.Clock, logger *zap.Logger) *Plugin {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Plugin{
		config:     cfg,
		clock:      clk,
		logger:     logger,
		maxRepeats: DefaultMaxRepeats,
		window:     DefaultWindow,
		streaks:    make(map[sender]*streak),
	}
}

func (p *Plugin) Descriptor() plugin.Descriptor { return descriptor }

// Start reads the settings from the plugin config
func (p *Plugin) Start(ctx context.Context) error {
	words, _, err := p.config.Get(KeyWords)
	if err != nil {
		return err
	}

	maxRepeats := DefaultMaxRepeats
	if raw, ok, err := p.config.Get(KeyMaxRepeats); err != nil {
		return err
	} else if ok {
		n, convErr := strconv.Atoi(strings.TrimSpace(raw))
		if convErr != nil || n < 1 {
			p.logger.Warn("Invalid max_repeats, using default", zap.String("value", raw))
		} else {
			maxRepeats = n
		}
	}

	window := DefaultWindow
	if raw, ok, err := p.config.Get(KeyWindow); err != nil {
		return err
	} else if ok {
		d, parseErr := time.ParseDuration(strings.TrimSpace(raw))
		if parseErr != nil || d <= 0 {
			p.logger.Warn("Invalid window, using default", zap.String("value", raw))
		} else {
			window = d
		}
	}

	banned := parseWords(words)

	p.mu.Lock()
	p.words = banned
	p.maxRepeats = maxRepeats
	p.window = window
	p.mu.Unlock()

	p.logger.Info("Anti-spam armed",
		zap.Int("banned_words", len(banned)),
		zap.Int("max_repeats", maxRepeats),
		zap.Duration("window", window))
	return nil
}

func (p *Plugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streaks = make(map[sender]*streak)
	return nil
}

func parseWords(raw string) []string {
	var words []string
	for _, w := range strings.Split(raw, ",") {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			words = append(words, w)
		}
	}
	return words
}

// Proxy stops updates carrying a banned word or extending a run of identical
// texts past the limit. Other updates pass unchanged.
func (p *Plugin) Proxy(ctx context.Context, kind transport.Kind, u *transport.Update) (*transport.Update, error) {
	msg := u.EffectiveMessage()
	if msg == nil {
		return nil, nil
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" {
		return nil, nil
	}

	if word := p.bannedWord(text); word != "" {
		p.banned.Add(1)
		p.logger.Info("Dropped update with banned word",
			zap.Int64("update_id", u.ID),
			zap.Int64("chat_id", msg.Chat.ID),
			zap.String("word", word))
		return nil, dispatcher.ErrStop
	}

	from := u.Sender()
	if from == nil {
		return nil, nil
	}
	if n, flooding := p.track(sender{user: from.ID, chat: msg.Chat.ID}, text); flooding {
		p.repeated.Add(1)
		p.logger.Info("Dropped repeated message",
			zap.Int64("user_id", from.ID),
			zap.Int64("chat_id", msg.Chat.ID),
			zap.Int("repeats", n))
		return nil, dispatcher.ErrStop
	}
	return nil, nil
}

func (p *Plugin) bannedWord(text string) string {
	p.mu.Lock()
	words := p.words
	p.mu.Unlock()

	lower := strings.ToLower(text)
	for _, w := range words {
		if strings.Contains(lower, w) {
			return w
		}
	}
	return ""
}

// track records text for s and reports the run length and whether it went
// past the limit
func (p *Plugin) track(s sender, text string) (int, bool) {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.streaks) >= maxTracked {
		p.pruneLocked(now)
	}

	st, ok := p.streaks[s]
	if !ok || st.text != text || now.Sub(st.first) >= p.window {
		p.streaks[s] = &streak{text: text, count: 1, first: now}
		return 1, false
	}
	st.count++
	return st.count, st.count > p.maxRepeats
}

func (p *Plugin) pruneLocked(now time.Time) {
	for s, st := range p.streaks {
		if now.Sub(st.first) >= p.window {
			delete(p.streaks, s)
		}
	}
}

// Stats returns the drop counters
func (p *Plugin) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Repeated:  p.repeated.Load(),
		Banned:    p.banned.Load(),
		Tracked:   len(p.streaks),
		WordCount: len(p.words),
	}
}
