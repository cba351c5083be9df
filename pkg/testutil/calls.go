package testutil

import (
	"strings"

	"telenode/internal/transport"
)

// FilterCalls filters outbound calls by method
func FilterCalls(calls []transport.Call, method string) []transport.Call {
	var filtered []transport.Call
	for _, call := range calls {
		if call.Method == method {
			filtered = append(filtered, call)
		}
	}
	return filtered
}

// FindCallWithPayload finds the latest call of method whose payload contains substr
func FindCallWithPayload(calls []transport.Call, method, substr string) *transport.Call {
	for i := len(calls) - 1; i >= 0; i-- {
		call := calls[i]
		if call.Method == method && strings.Contains(call.Payload, substr) {
			return &call
		}
	}
	return nil
}

// CountCalls counts the calls of method made to chatID
func CountCalls(calls []transport.Call, method string, chatID int64) int {
	n := 0
	for _, call := range calls {
		if call.Method == method && call.ChatID == chatID {
			n++
		}
	}
	return n
}
