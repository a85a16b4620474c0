package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventRoundTrip(t *testing.T) {
	require := require.New(t)
	e := &Event{
		Kind:             KindMessage,
		ConversationUUID: "conv-1",
		MessageID:        "0102030405060708090a0b0c0d0e0f10",
		From:             "alice",
		FromName:         "Alice",
		SentAtSec:        1700000000,
	}
	b, err := e.Marshal()
	require.Nil(err)

	decoded, err := UnmarshalEvent(b)
	require.Nil(err)
	require.Equal(e, decoded)
}
