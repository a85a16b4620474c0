package cache

import (
	"context"
	"fmt"
	"testing"

	"github.com/meow-io/go-courier/config"
	"github.com/stretchr/testify/require"
)

func newMemory() *Memory {
	return NewMemory(config.NewConfig(config.WithLoggingPrefix("test")))
}

func TestKeyString(t *testing.T) {
	require := require.New(t)
	require.Equal("messages:conv-1:0", Key{Purpose: "messages", Subject: "conv-1"}.String())
	require.Equal("messages:conv-1:3", Key{Purpose: "messages", Subject: "conv-1", Page: 3}.String())
}

func TestMemoryPutGet(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	m := newMemory()

	key := Key{Purpose: "conversations", Subject: "alice"}
	_, ok, err := m.Get(ctx, key)
	require.Nil(err)
	require.False(ok)

	require.Nil(m.Put(ctx, key, []string{UserConversationsTag("alice")}, []byte("payload")))
	b, ok, err := m.Get(ctx, key)
	require.Nil(err)
	require.True(ok)
	require.Equal([]byte("payload"), b)
}

func TestMemoryTagInvalidation(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	m := newMemory()

	aliceKey := Key{Purpose: "conversations", Subject: "alice"}
	bobKey := Key{Purpose: "conversations", Subject: "bob"}
	convKey := Key{Purpose: "messages", Subject: "conv-1:alice"}

	sharedTag := ConversationTag("conv-1")
	require.Nil(m.Put(ctx, aliceKey, []string{UserConversationsTag("alice"), sharedTag}, []byte("a")))
	require.Nil(m.Put(ctx, bobKey, []string{UserConversationsTag("bob")}, []byte("b")))
	require.Nil(m.Put(ctx, convKey, []string{sharedTag}, []byte("c")))

	require.Nil(m.Invalidate(ctx, sharedTag))

	_, ok, err := m.Get(ctx, aliceKey)
	require.Nil(err)
	require.False(ok)
	_, ok, err = m.Get(ctx, convKey)
	require.Nil(err)
	require.False(ok)

	// untagged survivor
	b, ok, err := m.Get(ctx, bobKey)
	require.Nil(err)
	require.True(ok)
	require.Equal([]byte("b"), b)
}

func TestMemoryOverwriteRetags(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	m := newMemory()

	key := Key{Purpose: "group", Subject: "g-1"}
	require.Nil(m.Put(ctx, key, []string{GroupTag("g-1")}, []byte("old")))
	require.Nil(m.Put(ctx, key, []string{GroupMembersTag("g-1")}, []byte("new")))

	// the old tag no longer reaches the entry
	require.Nil(m.Invalidate(ctx, GroupTag("g-1")))
	b, ok, err := m.Get(ctx, key)
	require.Nil(err)
	require.True(ok)
	require.Equal([]byte("new"), b)

	require.Nil(m.Invalidate(ctx, GroupMembersTag("g-1")))
	_, ok, err = m.Get(ctx, key)
	require.Nil(err)
	require.False(ok)
}

func TestMemoryManyEntries(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	m := newMemory()

	for i := 0; i < 100; i++ {
		key := Key{Purpose: "messages", Subject: fmt.Sprintf("conv-%d", i)}
		require.Nil(m.Put(ctx, key, []string{ConversationTag(fmt.Sprintf("conv-%d", i))}, []byte{byte(i)}))
	}
	for i := 0; i < 100; i += 2 {
		require.Nil(m.Invalidate(ctx, ConversationTag(fmt.Sprintf("conv-%d", i))))
	}
	for i := 0; i < 100; i++ {
		_, ok, err := m.Get(ctx, Key{Purpose: "messages", Subject: fmt.Sprintf("conv-%d", i)})
		require.Nil(err)
		require.Equal(i%2 == 1, ok)
	}
}
