package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	requestTimeout = 10 * time.Second

	// maxDeliveries bounds the updates handed to subscribers at once
	maxDeliveries = 256
)

// Frame is one message on the gateway websocket
type Frame struct {
	ID          int64           `json:"id,omitempty"`
	Type        string          `json:"type"`
	AccessToken string          `json:"access_token,omitempty"`
	Method      string          `json:"method,omitempty"`
	Params      any             `json:"params,omitempty"`
	Success     *bool           `json:"success,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *FrameError     `json:"error,omitempty"`
	Update      json.RawMessage `json:"update,omitempty"`
}

// FrameError is a failed call reported by the gateway
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Gateway is a Transport speaking JSON frames over a websocket to a bot
// gateway that fronts the chat platform API.
type Gateway struct {
	url         string
	token       string
	logger      *zap.Logger
	conn        *websocket.Conn
	connected   bool
	connMu      sync.RWMutex
	msgID       int64
	msgIDMu     sync.Mutex
	pending     map[int64]chan Frame
	pendingMu   sync.Mutex
	subscribers map[Kind][]subscriberEntry
	subsMu      sync.RWMutex
	nextSubID   int
	ctx         context.Context
	cancel      context.CancelFunc
	reconnect   bool
	writeMu     sync.Mutex
	deliveries  chan struct{}
	inflight    sync.WaitGroup
}

type gatewaySubscription struct {
	kind  Kind
	subID int
	gw    *Gateway
}

func (s *gatewaySubscription) Unsubscribe() {
	s.gw.unsubscribe(s.kind, s.subID)
}

// NewGateway creates a gateway client. Call Connect before use.
func NewGateway(url, token string, logger *zap.Logger) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		url:         url,
		token:       token,
		logger:      logger.Named("gateway"),
		pending:     make(map[int64]chan Frame),
		subscribers: make(map[Kind][]subscriberEntry),
		ctx:         ctx,
		cancel:      cancel,
		reconnect:   true,
		deliveries:  make(chan struct{}, maxDeliveries),
	}
}

func (g *Gateway) resetContextLocked() {
	if g.cancel != nil {
		g.cancel()
	}
	g.ctx, g.cancel = context.WithCancel(context.Background())
}

// Connect dials the gateway and authenticates
func (g *Gateway) Connect(ctx context.Context) error {
	g.connMu.Lock()
	defer g.connMu.Unlock()

	if g.connected {
		return fmt.Errorf("already connected")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, g.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to gateway: %w", err)
	}

	if err := g.authenticate(conn); err != nil {
		conn.Close()
		return err
	}

	g.conn = conn
	g.resetContextLocked()
	g.connected = true
	g.reconnect = true
	g.logger.Info("Connected to gateway", zap.String("url", g.url))

	go g.receiveFrames(g.ctx, conn)
	return nil
}

func (g *Gateway) authenticate(conn *websocket.Conn) error {
	var authRequired Frame
	if err := conn.ReadJSON(&authRequired); err != nil {
		return fmt.Errorf("failed to read auth_required: %w", err)
	}
	if authRequired.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", authRequired.Type)
	}

	g.writeMu.Lock()
	err := conn.WriteJSON(Frame{Type: "auth", AccessToken: g.token})
	g.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	var authResponse Frame
	if err := conn.ReadJSON(&authResponse); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	switch authResponse.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return fmt.Errorf("authentication failed: invalid token")
	default:
		return fmt.Errorf("expected auth_ok, got %s", authResponse.Type)
	}
}

// Disconnect closes the connection and stops reconnecting
func (g *Gateway) Disconnect() error {
	g.connMu.Lock()
	defer g.connMu.Unlock()

	g.reconnect = false
	g.cancel()

	if !g.connected {
		return nil
	}
	g.connected = false

	if g.conn != nil {
		g.writeMu.Lock()
		g.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		g.writeMu.Unlock()

		g.conn.Close()
		g.conn = nil
	}

	g.logger.Info("Disconnected from gateway")
	return nil
}

// IsConnected returns true if the gateway session is up
func (g *Gateway) IsConnected() bool {
	g.connMu.RLock()
	defer g.connMu.RUnlock()
	return g.connected
}

// Subscribe registers handler for updates of kind. Subscriptions survive reconnects.
func (g *Gateway) Subscribe(kind Kind, handler UpdateHandler) Subscription {
	g.subsMu.Lock()
	defer g.subsMu.Unlock()

	subID := g.nextSubID
	g.nextSubID++
	g.subscribers[kind] = append(g.subscribers[kind], subscriberEntry{subID: subID, handler: handler})
	return &gatewaySubscription{kind: kind, subID: subID, gw: g}
}

func (g *Gateway) unsubscribe(kind Kind, subID int) {
	g.subsMu.Lock()
	defer g.subsMu.Unlock()

	entries := g.subscribers[kind]
	for i, e := range entries {
		if e.subID == subID {
			g.subscribers[kind] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(g.subscribers[kind]) == 0 {
		delete(g.subscribers, kind)
	}
}

func (g *Gateway) nextMsgID() int64 {
	g.msgIDMu.Lock()
	defer g.msgIDMu.Unlock()
	g.msgID++
	return g.msgID
}

// call sends a method invocation and waits for its result
func (g *Gateway) call(ctx context.Context, method string, params map[string]any, out any) error {
	g.connMu.RLock()
	if !g.connected {
		g.connMu.RUnlock()
		return ErrNotConnected
	}
	conn := g.conn
	sessionCtx := g.ctx
	g.connMu.RUnlock()

	id := g.nextMsgID()
	respChan := make(chan Frame, 1)
	g.pendingMu.Lock()
	g.pending[id] = respChan
	g.pendingMu.Unlock()

	defer func() {
		g.pendingMu.Lock()
		delete(g.pending, id)
		g.pendingMu.Unlock()
	}()

	g.writeMu.Lock()
	err := conn.WriteJSON(Frame{ID: id, Type: "call", Method: method, Params: params})
	g.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", method, err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return fmt.Errorf("gateway error: %s - %s", resp.Error.Code, resp.Error.Message)
			}
			return fmt.Errorf("%s failed", method)
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
			}
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("timeout waiting for %s response", method)
	case <-ctx.Done():
		return ctx.Err()
	case <-sessionCtx.Done():
		return fmt.Errorf("gateway disconnected")
	}
}

// receiveFrames handles incoming frames in the background
func (g *Gateway) receiveFrames(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				g.logger.Error("Failed to read frame", zap.Error(err))
				g.handleDisconnect(conn)
			}
			return
		}

		switch gjson.GetBytes(data, "type").String() {
		case "update":
			g.handleUpdate([]byte(gjson.GetBytes(data, "update").Raw))
		case "result":
			var frame Frame
			if err := json.Unmarshal(data, &frame); err != nil {
				g.logger.Warn("Malformed result frame", zap.Error(err))
				continue
			}
			g.pendingMu.Lock()
			if ch, ok := g.pending[frame.ID]; ok {
				select {
				case ch <- frame:
				default:
					g.logger.Warn("Response channel full", zap.Int64("msg_id", frame.ID))
				}
			}
			g.pendingMu.Unlock()
		default:
			g.logger.Debug("Ignoring frame", zap.ByteString("frame", data))
		}
	}
}

func (g *Gateway) handleUpdate(raw []byte) {
	u, err := Decode(raw)
	if err != nil {
		g.logger.Warn("Dropping update", zap.Error(err))
		return
	}

	g.subsMu.RLock()
	entries := append([]subscriberEntry(nil), g.subscribers[u.Kind]...)
	g.subsMu.RUnlock()
	if len(entries) == 0 {
		return
	}

	// Subscribers may call back into the gateway and wait for a result frame,
	// which only the receive loop reads. Deliver off that goroutine.
	g.inflight.Add(1)
	go func() {
		defer g.inflight.Done()
		g.deliveries <- struct{}{}
		defer func() { <-g.deliveries }()

		for _, e := range entries {
			g.deliver(e, u)
		}
	}()
}

func (g *Gateway) deliver(e subscriberEntry, u *Update) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Update subscriber panic", zap.String("kind", string(u.Kind)), zap.Any("panic", r))
		}
	}()
	e.handler(u)
}

// Wait blocks until every update handed to subscribers has been handled
func (g *Gateway) Wait() {
	g.inflight.Wait()
}

func (g *Gateway) handleDisconnect(conn *websocket.Conn) {
	g.connMu.Lock()
	if g.conn != conn {
		g.connMu.Unlock()
		return
	}
	g.connected = false
	g.conn = nil
	conn.Close()
	reconnect := g.reconnect
	ctx := g.ctx
	g.connMu.Unlock()

	g.logger.Warn("Connection lost")

	if reconnect {
		go g.attemptReconnect(ctx)
	}
}

// attemptReconnect tries to reconnect with exponential backoff
func (g *Gateway) attemptReconnect(ctx context.Context) {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		g.logger.Info("Attempting to reconnect...")
		if err := g.Connect(ctx); err != nil {
			g.logger.Error("Reconnection failed", zap.Error(err))
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		g.logger.Info("Reconnected successfully")
		return
	}
}

func withOptions(params map[string]any, opts Options) map[string]any {
	for k, v := range opts {
		if _, reserved := params[k]; !reserved {
			params[k] = v
		}
	}
	return params
}

func (g *Gateway) sendMedia(ctx context.Context, method, field string, chatID int64, value string, opts Options) (*Message, error) {
	var msg Message
	params := withOptions(map[string]any{"chat_id": chatID, field: value}, opts)
	if err := g.call(ctx, method, params, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (g *Gateway) SendMessage(ctx context.Context, chatID int64, text string, opts Options) (*Message, error) {
	return g.sendMedia(ctx, "sendMessage", "text", chatID, text, opts)
}

func (g *Gateway) SendPhoto(ctx context.Context, chatID int64, photo string, opts Options) (*Message, error) {
	return g.sendMedia(ctx, "sendPhoto", "photo", chatID, photo, opts)
}

func (g *Gateway) SendDocument(ctx context.Context, chatID int64, document string, opts Options) (*Message, error) {
	return g.sendMedia(ctx, "sendDocument", "document", chatID, document, opts)
}

func (g *Gateway) SendAudio(ctx context.Context, chatID int64, audio string, opts Options) (*Message, error) {
	return g.sendMedia(ctx, "sendAudio", "audio", chatID, audio, opts)
}

func (g *Gateway) SendVideo(ctx context.Context, chatID int64, video string, opts Options) (*Message, error) {
	return g.sendMedia(ctx, "sendVideo", "video", chatID, video, opts)
}

func (g *Gateway) SendVoice(ctx context.Context, chatID int64, voice string, opts Options) (*Message, error) {
	return g.sendMedia(ctx, "sendVoice", "voice", chatID, voice, opts)
}

func (g *Gateway) SendSticker(ctx context.Context, chatID int64, sticker string, opts Options) (*Message, error) {
	return g.sendMedia(ctx, "sendSticker", "sticker", chatID, sticker, opts)
}

func (g *Gateway) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return g.call(ctx, "sendChatAction", map[string]any{"chat_id": chatID, "action": action}, nil)
}

func (g *Gateway) EditMessageText(ctx context.Context, chatID, messageID int64, text string, opts Options) (*Message, error) {
	var msg Message
	params := withOptions(map[string]any{"chat_id": chatID, "message_id": messageID, "text": text}, opts)
	if err := g.call(ctx, "editMessageText", params, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (g *Gateway) AnswerCallbackQuery(ctx context.Context, queryID, text string, opts Options) error {
	params := withOptions(map[string]any{"callback_query_id": queryID}, opts)
	if text != "" {
		params["text"] = text
	}
	return g.call(ctx, "answerCallbackQuery", params, nil)
}

func (g *Gateway) GetMe(ctx context.Context) (*User, error) {
	var me User
	if err := g.call(ctx, "getMe", map[string]any{}, &me); err != nil {
		return nil, err
	}
	return &me, nil
}
