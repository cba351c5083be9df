package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Call records one outbound operation made against MockTransport
type Call struct {
	Method    string
	ChatID    int64
	MessageID int64
	QueryID   string
	Payload   string
	Options   Options
	Time      time.Time
}

type subscriberEntry struct {
	subID   int
	handler UpdateHandler
}

type mockSubscription struct {
	kind  Kind
	subID int
	mock  *MockTransport
}

func (s *mockSubscription) Unsubscribe() {
	s.mock.unsubscribe(s.kind, s.subID)
}

// MockTransport implements Transport in memory for testing
type MockTransport struct {
	subscribers map[Kind][]subscriberEntry
	subsMu      sync.RWMutex
	nextSubID   int
	connected   bool
	connMu      sync.RWMutex
	calls       []Call
	callsMu     sync.Mutex
	failures    map[string]error
	nextMsgID   int64
	me          User
}

// NewMockTransport creates a disconnected mock transport
func NewMockTransport() *MockTransport {
	return &MockTransport{
		subscribers: make(map[Kind][]subscriberEntry),
		failures:    make(map[string]error),
		me:          User{ID: 42, IsBot: true, FirstName: "TeleNode", Username: "telenode_bot"},
	}
}

// Connect simulates connecting
func (m *MockTransport) Connect(ctx context.Context) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}
	m.connected = true
	return nil
}

// Disconnect simulates disconnecting and drops subscribers
func (m *MockTransport) Disconnect() error {
	m.connMu.Lock()
	m.connected = false
	m.connMu.Unlock()

	m.subsMu.Lock()
	m.subscribers = make(map[Kind][]subscriberEntry)
	m.subsMu.Unlock()
	return nil
}

// IsConnected returns connection status
func (m *MockTransport) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// Subscribe registers handler for kind
func (m *MockTransport) Subscribe(kind Kind, handler UpdateHandler) Subscription {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	subID := m.nextSubID
	m.nextSubID++
	m.subscribers[kind] = append(m.subscribers[kind], subscriberEntry{subID: subID, handler: handler})

	return &mockSubscription{kind: kind, subID: subID, mock: m}
}

func (m *MockTransport) unsubscribe(kind Kind, subID int) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	entries := m.subscribers[kind]
	for i, e := range entries {
		if e.subID == subID {
			m.subscribers[kind] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(m.subscribers[kind]) == 0 {
		delete(m.subscribers, kind)
	}
}

// SubscriberCount returns the number of handlers across all kinds
func (m *MockTransport) SubscriberCount() int {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()

	n := 0
	for _, entries := range m.subscribers {
		n += len(entries)
	}
	return n
}

// Emit delivers u synchronously to the subscribers of its kind. A zero Kind is
// derived from the update's fields.
func (m *MockTransport) Emit(u *Update) error {
	if u.Kind == "" {
		if _, err := Reclassify(u); err != nil {
			return err
		}
	}

	m.subsMu.RLock()
	entries := append([]subscriberEntry(nil), m.subscribers[u.Kind]...)
	m.subsMu.RUnlock()

	for _, e := range entries {
		e.handler(u)
	}
	return nil
}

// FailOn makes every later call to method return err. A nil err clears it.
func (m *MockTransport) FailOn(method string, err error) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

// Calls returns a copy of every recorded outbound call
func (m *MockTransport) Calls() []Call {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallsTo returns the recorded calls of one method
func (m *MockTransport) CallsTo(method string) []Call {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	var out []Call
	for _, c := range m.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// ClearCalls forgets recorded calls
func (m *MockTransport) ClearCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.calls = nil
}

func (m *MockTransport) record(c Call) error {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	if err, ok := m.failures[c.Method]; ok {
		return err
	}
	c.Time = time.Now()
	m.calls = append(m.calls, c)
	return nil
}

func (m *MockTransport) send(method string, chatID int64, payload string, opts Options) (*Message, error) {
	if err := m.record(Call{Method: method, ChatID: chatID, Payload: payload, Options: opts}); err != nil {
		return nil, err
	}

	m.callsMu.Lock()
	m.nextMsgID++
	id := m.nextMsgID
	m.callsMu.Unlock()

	me := m.me
	return &Message{ID: id, From: &me, Chat: Chat{ID: chatID}, Text: payload}, nil
}

func (m *MockTransport) SendMessage(ctx context.Context, chatID int64, text string, opts Options) (*Message, error) {
	return m.send("sendMessage", chatID, text, opts)
}

func (m *MockTransport) SendPhoto(ctx context.Context, chatID int64, photo string, opts Options) (*Message, error) {
	return m.send("sendPhoto", chatID, photo, opts)
}

func (m *MockTransport) SendDocument(ctx context.Context, chatID int64, document string, opts Options) (*Message, error) {
	return m.send("sendDocument", chatID, document, opts)
}

func (m *MockTransport) SendAudio(ctx context.Context, chatID int64, audio string, opts Options) (*Message, error) {
	return m.send("sendAudio", chatID, audio, opts)
}

func (m *MockTransport) SendVideo(ctx context.Context, chatID int64, video string, opts Options) (*Message, error) {
	return m.send("sendVideo", chatID, video, opts)
}

func (m *MockTransport) SendVoice(ctx context.Context, chatID int64, voice string, opts Options) (*Message, error) {
	return m.send("sendVoice", chatID, voice, opts)
}

func (m *MockTransport) SendSticker(ctx context.Context, chatID int64, sticker string, opts Options) (*Message, error) {
	return m.send("sendSticker", chatID, sticker, opts)
}

func (m *MockTransport) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return m.record(Call{Method: "sendChatAction", ChatID: chatID, Payload: action})
}

func (m *MockTransport) EditMessageText(ctx context.Context, chatID, messageID int64, text string, opts Options) (*Message, error) {
	if err := m.record(Call{Method: "editMessageText", ChatID: chatID, MessageID: messageID, Payload: text, Options: opts}); err != nil {
		return nil, err
	}
	return &Message{ID: messageID, Chat: Chat{ID: chatID}, Text: text}, nil
}

func (m *MockTransport) AnswerCallbackQuery(ctx context.Context, queryID, text string, opts Options) error {
	return m.record(Call{Method: "answerCallbackQuery", QueryID: queryID, Payload: text, Options: opts})
}

func (m *MockTransport) GetMe(ctx context.Context) (*User, error) {
	if err := m.record(Call{Method: "getMe"}); err != nil {
		return nil, err
	}
	me := m.me
	return &me, nil
}
