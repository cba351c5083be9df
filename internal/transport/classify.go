package transport

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Classify returns the kind of a raw update object, or "" when it carries
// nothing recognised. Message updates resolve to the first content field
// present, edited updates distinguish text from caption edits.
func Classify(raw []byte) Kind {
	root := gjson.ParseBytes(raw)

	if msg := root.Get("message"); msg.Exists() {
		for _, k := range messageKinds {
			if msg.Get(string(k)).Exists() {
				return k
			}
		}
		return ""
	}

	for _, k := range updateKinds {
		v := root.Get(string(k))
		if !v.Exists() {
			continue
		}
		switch k {
		case KindEditedMessage:
			return editedKind(v, KindEditedMessageText, KindEditedMessageCaption, k)
		case KindEditedChannelPost:
			return editedKind(v, KindEditedChannelPostText, KindEditedChannelPostCaption, k)
		}
		return k
	}
	return ""
}

func editedKind(v gjson.Result, text, caption, fallback Kind) Kind {
	switch {
	case v.Get("text").Exists():
		return text
	case v.Get("caption").Exists():
		return caption
	}
	return fallback
}

// Decode parses a raw update object and classifies it
func Decode(raw []byte) (*Update, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid update JSON")
	}

	var u Update
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("failed to unmarshal update: %w", err)
	}

	u.Kind = Classify(raw)
	if u.Kind == "" {
		return nil, fmt.Errorf("unrecognised update %d", u.ID)
	}
	u.Raw = append(json.RawMessage(nil), raw...)
	return &u, nil
}

// Reclassify sets u.Kind from its typed fields. Used for updates built in
// code rather than decoded from the wire.
func Reclassify(u *Update) (Kind, error) {
	raw, err := json.Marshal(u)
	if err != nil {
		return "", fmt.Errorf("failed to marshal update: %w", err)
	}
	u.Kind = Classify(raw)
	if u.Kind == "" {
		return "", fmt.Errorf("unrecognised update %d", u.ID)
	}
	return u.Kind, nil
}
