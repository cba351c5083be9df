package dispatcher

import (
	"strings"
	"unicode/utf16"

	"telenode/internal/transport"
)

// ParseCommand extracts a command from a message whose first entity is a
// bot_command. Entity offsets count UTF-16 code units. The name excludes the
// leading slash and any @botname suffix; args are the remaining text split on
// whitespace.
func ParseCommand(msg *transport.Message) (command string, args []string, ok bool) {
	if msg == nil || len(msg.Entities) == 0 || msg.Entities[0].Type != "bot_command" {
		return "", nil, false
	}

	e := msg.Entities[0]
	units := utf16.Encode([]rune(msg.Text))
	if e.Offset < 0 || e.Length < 1 || e.Offset+e.Length > len(units) {
		return "", nil, false
	}

	name := string(utf16.Decode(units[e.Offset+1 : e.Offset+e.Length]))
	name = strings.TrimPrefix(name, "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return "", nil, false
	}

	rest := string(utf16.Decode(units[e.Offset+e.Length:]))
	args = strings.Fields(rest)
	if args == nil {
		args = []string{}
	}
	return name, args, true
}

// ParseInlineQuery splits an inline query into a lower-cased command and its args
func ParseInlineQuery(q *transport.InlineQuery) (command string, args []string) {
	args = []string{}
	if q == nil {
		return "", args
	}

	fields := strings.Fields(q.Query)
	if len(fields) == 0 {
		return "", args
	}
	return strings.ToLower(fields[0]), append(args, fields[1:]...)
}
