package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Kind
	}{
		{"text", `{"update_id":1,"message":{"message_id":1,"chat":{"id":1},"text":"hi"}}`, KindText},
		{"photo with caption", `{"update_id":1,"message":{"message_id":1,"chat":{"id":1},"photo":[{"file_id":"a"}],"caption":"c"}}`, KindPhoto},
		{"new members", `{"update_id":1,"message":{"message_id":1,"chat":{"id":1},"new_chat_members":[{"id":5}]}}`, KindNewChatMembers},
		{"migrate", `{"update_id":1,"message":{"message_id":1,"chat":{"id":1},"migrate_to_chat_id":-100}}`, KindMigrateToChatID},
		{"callback", `{"update_id":1,"callback_query":{"id":"q","from":{"id":1},"data":"x"}}`, KindCallbackQuery},
		{"inline", `{"update_id":1,"inline_query":{"id":"q","from":{"id":1},"query":"gif cat"}}`, KindInlineQuery},
		{"edited text", `{"update_id":1,"edited_message":{"message_id":1,"chat":{"id":1},"text":"fixed"}}`, KindEditedMessageText},
		{"edited caption", `{"update_id":1,"edited_message":{"message_id":1,"chat":{"id":1},"caption":"c"}}`, KindEditedMessageCaption},
		{"edited other", `{"update_id":1,"edited_message":{"message_id":1,"chat":{"id":1}}}`, KindEditedMessage},
		{"edited channel text", `{"update_id":1,"edited_channel_post":{"message_id":1,"chat":{"id":1},"text":"t"}}`, KindEditedChannelPostText},
		{"channel post", `{"update_id":1,"channel_post":{"message_id":1,"chat":{"id":1},"text":"t"}}`, KindChannelPost},
		{"poll answer", `{"update_id":1,"poll_answer":{"poll_id":"p"}}`, KindPollAnswer},
		{"empty message", `{"update_id":1,"message":{"message_id":1,"chat":{"id":1}}}`, ""},
		{"unknown", `{"update_id":1,"something":{}}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify([]byte(tt.raw)))
		})
	}
}

func TestDecode(t *testing.T) {
	raw := `{"update_id":7,"message":{"message_id":3,"from":{"id":11,"username":"alice"},"chat":{"id":-5,"type":"group"},"text":"/echo hi","entities":[{"type":"bot_command","offset":0,"length":5}]}}`

	u, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, int64(7), u.ID)
	assert.Equal(t, KindText, u.Kind)
	assert.Equal(t, int64(-5), u.ChatID())
	assert.Equal(t, int64(11), u.Sender().ID)
	require.Len(t, u.Message.Entities, 1)
	assert.Equal(t, "bot_command", u.Message.Entities[0].Type)
	assert.JSONEq(t, raw, string(u.Raw))

	_, err = Decode([]byte(`{not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"update_id":1}`))
	assert.Error(t, err)
}

func TestUpdate_InlineQueryChatIsSender(t *testing.T) {
	u := &Update{InlineQuery: &InlineQuery{ID: "q", From: User{ID: 99}, Query: "x"}}
	assert.Equal(t, int64(99), u.ChatID())

	kind, err := Reclassify(u)
	require.NoError(t, err)
	assert.Equal(t, KindInlineQuery, kind)
}

func TestKind_Handler(t *testing.T) {
	assert.Equal(t, "onText", KindText.Handler())
	assert.Equal(t, "onNewChatMembers", KindNewChatMembers.Handler())
	assert.Equal(t, "onMigrateFromChatID", KindMigrateFromChatID.Handler())
	assert.Equal(t, "onEditedChannelPostCaption", KindEditedChannelPostCaption.Handler())
}

func TestTransportKinds(t *testing.T) {
	kinds := TransportKinds()
	assert.Len(t, kinds, 42)

	seen := map[Kind]bool{}
	for _, k := range kinds {
		assert.False(t, k.Internal(), k)
		assert.False(t, seen[k], "duplicate %s", k)
		seen[k] = true
	}
	assert.False(t, seen[KindCommand])
	assert.True(t, KindCommand.Internal())
	assert.True(t, KindInlineCommand.Internal())

	k, ok := ParseKind("inline_command")
	assert.True(t, ok)
	assert.Equal(t, KindInlineCommand, k)
	_, ok = ParseKind("bogus")
	assert.False(t, ok)
}

func TestMockTransport_EmitAndRecord(t *testing.T) {
	m := NewMockTransport()

	var got []*Update
	sub := m.Subscribe(KindText, func(u *Update) { got = append(got, u) })
	assert.Equal(t, 1, m.SubscriberCount())

	require.NoError(t, m.Emit(&Update{ID: 1, Message: &Message{Chat: Chat{ID: 1}, Text: "hi"}}))
	require.Len(t, got, 1)
	assert.Equal(t, KindText, got[0].Kind)

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, m.SubscriberCount())

	_, err := m.SendMessage(context.Background(), 5, "hello", Options{"parse_mode": "Markdown"})
	require.NoError(t, err)
	calls := m.CallsTo("sendMessage")
	require.Len(t, calls, 1)
	assert.Equal(t, int64(5), calls[0].ChatID)
	assert.Equal(t, "Markdown", calls[0].Options["parse_mode"])

	m.FailOn("sendPhoto", assert.AnError)
	_, err = m.SendPhoto(context.Background(), 5, "file", nil)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Len(t, m.Calls(), 1, "failed calls are not recorded")
}
