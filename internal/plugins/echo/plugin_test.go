package echo

import (
	"testing"

	"telenode/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEcho(t *testing.T) {
	env := testutil.NewTestEnv()
	defer env.Cleanup()
	require.NoError(t, env.Install(Manifest()))

	tests := []struct {
		name string
		text string
		want string
	}{
		{"single word", "/echo hi", "hi"},
		{"keeps spacing", "/echo hello   world", "hello   world"},
		{"case insensitive command", "/ECHO shout", "shout"},
		{"bare command", "/echo", NothingToEcho},
		{"only spaces", "/echo    ", NothingToEcho},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.ClearCalls()
			require.NoError(t, env.Command(7, -100, tt.text))
			assert.Equal(t, []string{tt.want}, env.Replies())
		})
	}
}

func TestEcho_IgnoresOtherCommandsAndText(t *testing.T) {
	env := testutil.NewTestEnv()
	defer env.Cleanup()
	require.NoError(t, env.Install(Manifest()))

	require.NoError(t, env.Command(7, 7, "/help"))
	require.NoError(t, env.Text(7, 7, "echo this"))
	assert.Empty(t, env.Transport.Calls())
}

func TestEcho_BlockedUserIsIgnored(t *testing.T) {
	env := testutil.NewTestEnv()
	defer env.Cleanup()
	require.NoError(t, env.Install(Manifest()))

	require.NoError(t, env.Auth.BlockUser(t.Context(), 9))
	require.NoError(t, env.Command(9, 9, "/echo hi"))
	assert.Empty(t, env.Replies())
}
