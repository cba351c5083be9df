package plugin

import (
	"context"
	"fmt"
	"strconv"

	"telenode/internal/transport"
)

// ReplyType selects the outbound call a Reply turns into
type ReplyType string

const (
	ReplyText       ReplyType = "text"
	ReplyPhoto      ReplyType = "photo"
	ReplyDocument   ReplyType = "document"
	ReplyAudio      ReplyType = "audio"
	ReplyVideo      ReplyType = "video"
	ReplyVoice      ReplyType = "voice"
	ReplySticker    ReplyType = "sticker"
	ReplyChatAction ReplyType = "chat_action"
)

// Reply is the typed return value of a handler. Payload is the text, the file
// id or url, or the chat action name depending on Type.
//
// Handlers may also return a plain string or number, which becomes a text
// reply, or nil / "" for no reply at all.
type Reply struct {
	Type    ReplyType
	Payload string
	Options transport.Options
}

// Text builds a text reply
func Text(text string) Reply {
	return Reply{Type: ReplyText, Payload: text}
}

// Replies joins several replies that are sent in order
type Replies []Reply

func toReplies(v any) (Replies, error) {
	switch r := v.(type) {
	case nil:
		return nil, nil
	case string:
		if r == "" {
			return nil, nil
		}
		return Replies{Text(r)}, nil
	case int:
		return Replies{Text(strconv.Itoa(r))}, nil
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return Replies{Text(fmt.Sprint(r))}, nil
	case Reply:
		return nonEmpty(r), nil
	case *Reply:
		if r == nil {
			return nil, nil
		}
		return nonEmpty(*r), nil
	case Replies:
		var out Replies
		for _, one := range r {
			out = append(out, nonEmpty(one)...)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported handler result %T", v)
}

func nonEmpty(r Reply) Replies {
	if r.Payload == "" {
		return nil
	}
	if r.Type == "" {
		r.Type = ReplyText
	}
	return Replies{r}
}

// Send delivers r to chatID through out
func (r Reply) Send(ctx context.Context, out transport.Outbound, chatID int64) error {
	var err error
	switch r.Type {
	case ReplyText, "":
		_, err = out.SendMessage(ctx, chatID, r.Payload, r.Options)
	case ReplyPhoto:
		_, err = out.SendPhoto(ctx, chatID, r.Payload, r.Options)
	case ReplyDocument:
		_, err = out.SendDocument(ctx, chatID, r.Payload, r.Options)
	case ReplyAudio:
		_, err = out.SendAudio(ctx, chatID, r.Payload, r.Options)
	case ReplyVideo:
		_, err = out.SendVideo(ctx, chatID, r.Payload, r.Options)
	case ReplyVoice:
		_, err = out.SendVoice(ctx, chatID, r.Payload, r.Options)
	case ReplySticker:
		_, err = out.SendSticker(ctx, chatID, r.Payload, r.Options)
	case ReplyChatAction:
		err = out.SendChatAction(ctx, chatID, r.Payload)
	default:
		return fmt.Errorf("unknown reply type %q", r.Type)
	}
	return err
}
