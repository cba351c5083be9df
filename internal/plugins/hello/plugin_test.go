package hello

import (
	"context"
	"testing"

	"telenode/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHello_GreetsText(t *testing.T) {
	env := testutil.NewTestEnv()
	defer env.Cleanup()
	require.NoError(t, env.Install(Manifest()))

	require.NoError(t, env.Text(3, -50, "good morning"))

	calls := env.Transport.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "sendChatAction", calls[0].Method)
	assert.Equal(t, "typing", calls[0].Payload)
	assert.Equal(t, "sendMessage", calls[1].Method)
	assert.Equal(t, Greeting, calls[1].Payload)
	assert.Equal(t, int64(-50), calls[1].ChatID)
}

func TestHello_CommandsAreNotText(t *testing.T) {
	env := testutil.NewTestEnv()
	defer env.Cleanup()
	require.NoError(t, env.Install(Manifest()))

	require.NoError(t, env.Command(3, 3, "/start"))
	assert.Empty(t, env.Transport.Calls())
}

func TestHello_InactiveByDefault(t *testing.T) {
	env := testutil.NewTestEnv()
	defer env.Cleanup()
	require.NoError(t, env.Registry.Register(Manifest()))

	_, err := env.Manager.LoadAll(context.Background())
	require.NoError(t, err)

	require.NoError(t, env.Text(3, 3, "anyone there?"))
	assert.Empty(t, env.Transport.Calls())
}

func TestHello_ChatActionFailureStillGreets(t *testing.T) {
	env := testutil.NewTestEnv()
	defer env.Cleanup()
	require.NoError(t, env.Install(Manifest()))

	env.Transport.FailOn("sendChatAction", assert.AnError)
	require.NoError(t, env.Text(3, 3, "hi"))
	assert.Equal(t, []string{Greeting}, env.Replies())
}
