package presence

import (
	"os"
	"testing"

	"github.com/meow-io/go-courier/cache"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/internal/test"
	"github.com/meow-io/go-courier/roster"
	"github.com/meow-io/go-courier/transport"
	"github.com/stretchr/testify/require"
)

type staticIdentity map[string]string

func (s staticIdentity) Lookup(userID string) (*roster.UserInfo, error) {
	name, ok := s[userID]
	if !ok {
		return nil, nil
	}
	return &roster.UserInfo{ID: userID, DisplayName: name}, nil
}

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func TestSetTyping(t *testing.T) {
	require := require.New(t)
	c := config.NewConfig(config.WithLoggingPrefix("test"))
	d := test.NewTestDatabase(c)
	defer func() {
		require.Nil(d.Shutdown())
	}()

	identity := staticIdentity{"alice": "Alice", "bob": "Bob", "carol": "Carol"}
	tm, err := transport.NewManager(c, d)
	require.Nil(err)
	require.Nil(tm.Start())
	r, err := roster.NewManager(c, d, clock.NewSystemClock(), identity, cache.NewMemory(c), tm)
	require.Nil(err)
	b := NewBroadcaster(c, r, tm)

	var convUUID string
	require.Nil(d.Run("testing", func() error {
		conv, err := r.IndividualConversation("alice", "bob")
		require.Nil(err)
		convUUID = conv.UUID
		return nil
	}))

	bobCh := tm.Local().Subscribe("bob")
	aliceCh := tm.Local().Subscribe("alice")

	require.Nil(d.Run("testing", func() error {
		return b.SetTyping("alice", "Alice", convUUID, true)
	}))

	e, err := transport.UnmarshalEvent(<-bobCh)
	require.Nil(err)
	require.Equal(transport.KindTyping, e.Kind)
	require.Equal("alice", e.From)
	require.Equal(convUUID, e.ConversationUUID)
	require.True(e.Typing)

	// the typist hears nothing
	require.Len(aliceCh, 0)

	require.Nil(d.Run("testing", func() error {
		require.ErrorIs(b.SetTyping("carol", "Carol", convUUID, true), roster.ErrNotParticipant)
		return nil
	}))
}
