package plugin

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"telenode/internal/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToReplies(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    Replies
		wantErr bool
	}{
		{"nil", nil, nil, false},
		{"empty string", "", nil, false},
		{"string", "hi", Replies{Text("hi")}, false},
		{"int", 7, Replies{Text("7")}, false},
		{"float", 1.5, Replies{Text("1.5")}, false},
		{"empty reply", Reply{Type: ReplyPhoto}, nil, false},
		{"reply defaults to text", Reply{Payload: "x"}, Replies{Text("x")}, false},
		{"nil reply pointer", (*Reply)(nil), nil, false},
		{"reply pointer", &Reply{Type: ReplySticker, Payload: "s"}, Replies{{Type: ReplySticker, Payload: "s"}}, false},
		{"replies skip empty", Replies{Text(""), Text("a")}, Replies{Text("a")}, false},
		{"unsupported", []string{"a"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := toReplies(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	clk := clock.NewMockClock(time.Unix(0, 0))
	rl := NewRateLimiter(10*time.Second, 2, clk)

	assert.True(t, rl.Allow(1))
	clk.Advance(6 * time.Second)
	assert.True(t, rl.Allow(1))
	assert.False(t, rl.Allow(1))
	assert.Equal(t, 0, rl.Remaining(1))

	// the first hit leaves the window, the second is still inside it
	clk.Advance(4 * time.Second)
	assert.Equal(t, 1, rl.Remaining(1))
	assert.True(t, rl.Allow(1))
	assert.False(t, rl.Allow(1))

	assert.Equal(t, 1, rl.Len())
	rl.Reset()
	assert.Equal(t, 0, rl.Len())
	assert.True(t, rl.Allow(1))
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(time.Second, -1, clock.NewMockClock(time.Unix(0, 0)))
	for i := 0; i < 100; i++ {
		require.True(t, rl.Allow(1))
	}
	assert.Equal(t, -1, rl.Remaining(1))
}

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("disk full")
	repoErr := NewRepositoryError("users.get", cause)
	wrapped := fmt.Errorf("resolve: %w", NewLoadError("echo", repoErr))

	assert.True(t, HasCode(wrapped, ErrCodeLoad))
	assert.True(t, HasCode(wrapped, ErrCodeRepository))
	assert.False(t, HasCode(wrapped, ErrCodeTimeout))
	assert.False(t, HasCode(cause, ErrCodeRepository))
	assert.False(t, HasCode(nil, ErrCodeRepository))

	assert.Equal(t, GenericFailureMessage, UserMessage(repoErr))
	assert.Equal(t, GenericFailureMessage, UserMessage(cause))
	assert.Equal(t, GenericFailureMessage, UserMessage(NewTimeoutError("echo", "/echo", time.Second)))
	assert.Equal(t, "Plugins are already being loaded", UserMessage(NewLoadInProgressError()))
}
