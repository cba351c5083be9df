// Package transport defines the chat platform update model, the outbound
// operations plugins may call, and the transports that carry them.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrNotConnected is returned by outbound calls on a closed transport
var ErrNotConnected = errors.New("transport: not connected")

// Kind names one category of inbound update
type Kind string

// Update kinds emitted by a transport
const (
	KindText                     Kind = "text"
	KindAudio                    Kind = "audio"
	KindDocument                 Kind = "document"
	KindPhoto                    Kind = "photo"
	KindSticker                  Kind = "sticker"
	KindVideo                    Kind = "video"
	KindVoice                    Kind = "voice"
	KindContact                  Kind = "contact"
	KindLocation                 Kind = "location"
	KindNewChatMembers           Kind = "new_chat_members"
	KindLeftChatMember           Kind = "left_chat_member"
	KindNewChatTitle             Kind = "new_chat_title"
	KindNewChatPhoto             Kind = "new_chat_photo"
	KindDeleteChatPhoto          Kind = "delete_chat_photo"
	KindGroupChatCreated         Kind = "group_chat_created"
	KindGame                     Kind = "game"
	KindPinnedMessage            Kind = "pinned_message"
	KindPoll                     Kind = "poll"
	KindDice                     Kind = "dice"
	KindMigrateFromChatID        Kind = "migrate_from_chat_id"
	KindMigrateToChatID          Kind = "migrate_to_chat_id"
	KindChannelChatCreated       Kind = "channel_chat_created"
	KindSupergroupChatCreated    Kind = "supergroup_chat_created"
	KindSuccessfulPayment        Kind = "successful_payment"
	KindInvoice                  Kind = "invoice"
	KindVideoNote                Kind = "video_note"
	KindCallbackQuery            Kind = "callback_query"
	KindInlineQuery              Kind = "inline_query"
	KindChosenInlineResult       Kind = "chosen_inline_result"
	KindChannelPost              Kind = "channel_post"
	KindEditedMessage            Kind = "edited_message"
	KindEditedMessageText        Kind = "edited_message_text"
	KindEditedMessageCaption     Kind = "edited_message_caption"
	KindEditedChannelPost        Kind = "edited_channel_post"
	KindEditedChannelPostText    Kind = "edited_channel_post_text"
	KindEditedChannelPostCaption Kind = "edited_channel_post_caption"
	KindShippingQuery            Kind = "shipping_query"
	KindPreCheckoutQuery         Kind = "pre_checkout_query"
	KindPollAnswer               Kind = "poll_answer"
	KindChatMember               Kind = "chat_member"
	KindMyChatMember             Kind = "my_chat_member"
	KindChatJoinRequest          Kind = "chat_join_request"
)

// Kinds synthesized by the dispatcher, never emitted by a transport
const (
	KindCommand       Kind = "command"
	KindInlineCommand Kind = "inline_command"
)

// messageKinds are the message content fields in classification order
var messageKinds = []Kind{
	KindText, KindAudio, KindDocument, KindPhoto, KindSticker, KindVideo, KindVoice,
	KindContact, KindLocation, KindNewChatMembers, KindLeftChatMember, KindNewChatTitle,
	KindNewChatPhoto, KindDeleteChatPhoto, KindGroupChatCreated, KindGame,
	KindPinnedMessage, KindPoll, KindDice, KindMigrateFromChatID, KindMigrateToChatID,
	KindChannelChatCreated, KindSupergroupChatCreated, KindSuccessfulPayment,
	KindInvoice, KindVideoNote,
}

// updateKinds are top-level update fields other than message
var updateKinds = []Kind{
	KindCallbackQuery, KindInlineQuery, KindChosenInlineResult, KindChannelPost,
	KindEditedMessage, KindEditedChannelPost, KindShippingQuery, KindPreCheckoutQuery,
	KindPollAnswer, KindChatMember, KindMyChatMember, KindChatJoinRequest,
}

var editedKinds = []Kind{
	KindEditedMessageText, KindEditedMessageCaption,
	KindEditedChannelPostText, KindEditedChannelPostCaption,
}

// TransportKinds lists every kind a transport may emit
func TransportKinds() []Kind {
	kinds := make([]Kind, 0, len(messageKinds)+len(updateKinds)+len(editedKinds))
	kinds = append(kinds, messageKinds...)
	kinds = append(kinds, updateKinds...)
	kinds = append(kinds, editedKinds...)
	return kinds
}

// Internal reports whether k is synthesized by the dispatcher
func (k Kind) Internal() bool {
	return k == KindCommand || k == KindInlineCommand
}

// Handler returns the conventional handler name for k, e.g. onNewChatMembers
func (k Kind) Handler() string {
	var b strings.Builder
	b.WriteString("on")
	for _, part := range strings.Split(string(k), "_") {
		if part == "" {
			continue
		}
		if part == "id" {
			b.WriteString("ID")
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}

// ParseKind resolves a kind name, accepting internal kinds
func ParseKind(s string) (Kind, bool) {
	k := Kind(s)
	if k.Internal() {
		return k, true
	}
	for _, known := range TransportKinds() {
		if known == k {
			return k, true
		}
	}
	return "", false
}

// User is a chat platform account
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// Chat is a conversation
type Chat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type,omitempty"`
	Title    string `json:"title,omitempty"`
	Username string `json:"username,omitempty"`
}

// Entity marks a span of message text
type Entity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

// File references any uploaded media by id
type File struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Message is an inbound chat message
type Message struct {
	ID       int64    `json:"message_id"`
	From     *User    `json:"from,omitempty"`
	Chat     Chat     `json:"chat"`
	Date     int64    `json:"date"`
	Text     string   `json:"text,omitempty"`
	Caption  string   `json:"caption,omitempty"`
	Entities []Entity `json:"entities,omitempty"`
	ReplyTo  *Message `json:"reply_to_message,omitempty"`

	Photo    []File `json:"photo,omitempty"`
	Document *File  `json:"document,omitempty"`
	Audio    *File  `json:"audio,omitempty"`
	Video    *File  `json:"video,omitempty"`
	Voice    *File  `json:"voice,omitempty"`
	Sticker  *File  `json:"sticker,omitempty"`

	NewChatMembers []User `json:"new_chat_members,omitempty"`
	LeftChatMember *User  `json:"left_chat_member,omitempty"`
}

// CallbackQuery is a press on an inline keyboard button
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data,omitempty"`
}

// InlineQuery is a query typed after the bot's @name
type InlineQuery struct {
	ID     string `json:"id"`
	From   User   `json:"from"`
	Query  string `json:"query"`
	Offset string `json:"offset,omitempty"`
}

// ChosenInlineResult reports which inline result a user picked
type ChosenInlineResult struct {
	ResultID string `json:"result_id"`
	From     User   `json:"from"`
	Query    string `json:"query"`
}

// Update is one inbound event from the transport.
// Raw keeps the original frame so handlers can reach fields without a typed home.
type Update struct {
	ID                 int64               `json:"update_id"`
	Kind               Kind                `json:"-"`
	Message            *Message            `json:"message,omitempty"`
	EditedMessage      *Message            `json:"edited_message,omitempty"`
	ChannelPost        *Message            `json:"channel_post,omitempty"`
	EditedChannelPost  *Message            `json:"edited_channel_post,omitempty"`
	CallbackQuery      *CallbackQuery      `json:"callback_query,omitempty"`
	InlineQuery        *InlineQuery        `json:"inline_query,omitempty"`
	ChosenInlineResult *ChosenInlineResult `json:"chosen_inline_result,omitempty"`
	Raw                json.RawMessage     `json:"-"`
}

// EffectiveMessage returns whichever message the update carries
func (u *Update) EffectiveMessage() *Message {
	switch {
	case u == nil:
		return nil
	case u.Message != nil:
		return u.Message
	case u.EditedMessage != nil:
		return u.EditedMessage
	case u.ChannelPost != nil:
		return u.ChannelPost
	case u.EditedChannelPost != nil:
		return u.EditedChannelPost
	case u.CallbackQuery != nil:
		return u.CallbackQuery.Message
	}
	return nil
}

// Sender returns the user who caused the update, if known
func (u *Update) Sender() *User {
	if u == nil {
		return nil
	}
	switch {
	case u.CallbackQuery != nil:
		return &u.CallbackQuery.From
	case u.InlineQuery != nil:
		return &u.InlineQuery.From
	case u.ChosenInlineResult != nil:
		return &u.ChosenInlineResult.From
	}
	if m := u.EffectiveMessage(); m != nil {
		return m.From
	}
	return nil
}

// ChatID returns the chat an update belongs to. Updates without a chat, such
// as inline queries, resolve to the sender's private chat.
func (u *Update) ChatID() int64 {
	if m := u.EffectiveMessage(); m != nil {
		return m.Chat.ID
	}
	if s := u.Sender(); s != nil {
		return s.ID
	}
	return 0
}

// Clone returns a shallow copy safe to mutate at the top level
func (u *Update) Clone() *Update {
	if u == nil {
		return nil
	}
	c := *u
	if u.Message != nil {
		m := *u.Message
		c.Message = &m
	}
	return &c
}

// Options carries optional outbound parameters such as parse_mode or reply_markup
type Options map[string]any

// Outbound is the fixed set of operations a plugin may invoke on the transport
type Outbound interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts Options) (*Message, error)
	SendPhoto(ctx context.Context, chatID int64, photo string, opts Options) (*Message, error)
	SendDocument(ctx context.Context, chatID int64, document string, opts Options) (*Message, error)
	SendAudio(ctx context.Context, chatID int64, audio string, opts Options) (*Message, error)
	SendVideo(ctx context.Context, chatID int64, video string, opts Options) (*Message, error)
	SendVoice(ctx context.Context, chatID int64, voice string, opts Options) (*Message, error)
	SendSticker(ctx context.Context, chatID int64, sticker string, opts Options) (*Message, error)
	SendChatAction(ctx context.Context, chatID int64, action string) error
	EditMessageText(ctx context.Context, chatID, messageID int64, text string, opts Options) (*Message, error)
	AnswerCallbackQuery(ctx context.Context, queryID, text string, opts Options) error
	GetMe(ctx context.Context) (*User, error)
}

// UpdateHandler receives updates of one kind
type UpdateHandler func(u *Update)

// Subscription is an active transport subscription
type Subscription interface {
	Unsubscribe()
}

// Transport is a connected chat platform client
type Transport interface {
	Outbound
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	Subscribe(kind Kind, handler UpdateHandler) Subscription
}
