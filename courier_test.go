package courier

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/internal/test"
	"github.com/meow-io/go-courier/messaging"
	"github.com/meow-io/go-courier/roster"
	"github.com/stretchr/testify/require"
)

var password1 = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}

type staticIdentity map[string]string

func (s staticIdentity) Lookup(userID string) (*roster.UserInfo, error) {
	name, ok := s[userID]
	if !ok {
		return nil, nil
	}
	return &roster.UserInfo{ID: userID, DisplayName: name}, nil
}

var identity = staticIdentity{
	"alice": "Alice",
	"bob":   "Bob",
	"carol": "Carol",
}

func TestMain(m *testing.M) {
	test.DeleteAll("c1")
	os.Exit(test.DBCleanup(m.Run))
}

func newCourier(p string) *Courier {
	c := config.NewConfig(
		config.WithRootDir(p),
		config.WithLoggingPrefix(p),
	)
	r, err := NewCourier(c, identity)
	if err != nil {
		panic(err)
	}
	return r
}

func teardownCourier(r *Courier) {
	if err := r.Shutdown(); err != nil {
		panic(err)
	}
	test.DeleteAll(r.config.RootDir)
}

func ciphertexts(userIDs ...string) map[string][]byte {
	out := make(map[string][]byte, len(userIDs))
	for _, u := range userIDs {
		out[u] = []byte("ciphertext for " + u)
	}
	return out
}

func TestEndToEnd(t *testing.T) {
	require := require.New(t)

	s := newCourier("c1")
	defer teardownCourier(s)

	require.True(s.New())
	require.Nil(s.Initialize(password1))
	require.True(s.Running())

	bobCh := s.Subscribe("bob")

	// individual message
	sent, err := s.Send("alice", messaging.ToUser("bob"), ciphertexts("alice", "bob"), TypeText, nil, 0)
	require.Nil(err)
	require.NotNil(sent.ReadAtSec)

	select {
	case <-bobCh:
	case <-time.After(time.Second):
		t.Fatal("expected a push event for bob")
	}

	convs, err := s.Conversations("bob")
	require.Nil(err)
	require.Len(convs, 1)
	convUUID := convs[0].UUID

	unread, err := s.UnreadCount("bob", convUUID)
	require.Nil(err)
	require.Equal(1, unread)

	msgs, err := s.Messages("bob", convUUID, 0, 0)
	require.Nil(err)
	require.Len(msgs, 1)
	require.Equal([]byte("ciphertext for bob"), msgs[0].Content)

	require.Nil(s.MarkRead("bob", msgs[0].MessageID))
	unread, err = s.UnreadCount("bob", convUUID)
	require.Nil(err)
	require.Equal(0, unread)

	// incomplete fan-out leaves nothing behind
	_, err = s.Send("alice", messaging.ToConversation(convUUID), ciphertexts("alice"), TypeText, nil, 0)
	var incomplete *messaging.IncompleteFanoutError
	require.ErrorAs(err, &incomplete)
	require.Equal([]string{"bob"}, incomplete.Missing)

	msgs, err = s.Messages("bob", convUUID, 0, 0)
	require.Nil(err)
	require.Len(msgs, 1)

	// group lifecycle
	g, err := s.CreateGroup("alice", "pals", "a group", []string{"bob", "carol"})
	require.Nil(err)

	members, err := s.Members(g.UUID)
	require.Nil(err)
	require.Len(members, 3)

	require.ErrorIs(s.RemoveMember("alice", g.UUID, "alice"), ErrLastAdmin)
	require.Nil(s.SetRole("alice", g.UUID, "bob", RoleAdmin))
	require.Nil(s.RemoveMember("alice", g.UUID, "alice"))

	groupConv, err := s.Group(g.UUID)
	require.Nil(err)
	conv, err := s.Conversations("bob")
	require.Nil(err)
	require.Len(conv, 2)

	_, err = s.Send("bob", messaging.ToConversation(mustConvUUID(s, groupConv.ConversationID)), ciphertexts("bob", "carol"), TypeText, nil, 0)
	require.Nil(err)

	// alice left, she gets no copy
	_, err = s.Messages("alice", mustConvUUID(s, groupConv.ConversationID), 0, 0)
	require.ErrorIs(err, ErrNotParticipant)

	require.Nil(s.SetTyping("bob", mustConvUUID(s, groupConv.ConversationID), true))
	require.ErrorIs(s.SetTyping("alice", mustConvUUID(s, groupConv.ConversationID), true), ErrNotParticipant)

	// deleting the group removes its conversation and messages
	require.Nil(s.DeleteGroup("bob", g.UUID))
	_, err = s.Group(g.UUID)
	require.ErrorIs(err, ErrNotFound)
	convs, err = s.Conversations("carol")
	require.Nil(err)
	require.Len(convs, 0)

	s.Unsubscribe("bob")
}

func TestReopen(t *testing.T) {
	require := require.New(t)

	s := newCourier("c1")
	require.Nil(s.Initialize(password1))

	_, err := s.Send("alice", messaging.ToUser("bob"), ciphertexts("alice", "bob"), TypeText, nil, 0)
	require.Nil(err)
	require.Nil(s.Shutdown())
	require.True(s.Initialized())

	require.Nil(s.Open(password1))
	require.True(s.Running())
	convs, err := s.Conversations("bob")
	require.Nil(err)
	require.Len(convs, 1)
	require.Nil(s.Vacuum())
	teardownCourier(s)
}

type memoryBlobStore struct {
	blobs map[string][]byte
	next  int
}

func (m *memoryBlobStore) Put(ownerID string, b []byte) (string, error) {
	if m.blobs == nil {
		m.blobs = make(map[string][]byte)
	}
	m.next++
	ref := fmt.Sprintf("%s-%d", ownerID, m.next)
	m.blobs[ref] = b
	return ref, nil
}

func (m *memoryBlobStore) Get(ref string) ([]byte, error) {
	b, ok := m.blobs[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func TestAttachments(t *testing.T) {
	require := require.New(t)

	s := newCourier("c1")
	defer teardownCourier(s)
	require.Nil(s.Initialize(password1))

	_, err := s.PutAttachment("alice", "photo.jpg", "image/jpeg", []byte{1, 2, 3})
	require.NotNil(err)

	s.SetBlobStore(&memoryBlobStore{})
	ref, err := s.PutAttachment("alice", "photo.jpg", "image/jpeg", []byte{1, 2, 3})
	require.Nil(err)
	require.Equal("photo.jpg", ref.Name)

	sent, err := s.Send("alice", messaging.ToUser("bob"), ciphertexts("alice", "bob"), TypeImage, ref, 0)
	require.Nil(err)
	require.Equal(ref.Ref, *sent.AttachmentRef)

	b, err := s.GetAttachment(*sent.AttachmentRef)
	require.Nil(err)
	require.Equal([]byte{1, 2, 3}, b)
}

func TestDeviceRegistration(t *testing.T) {
	require := require.New(t)

	s := newCourier("c1")
	defer teardownCourier(s)
	require.Nil(s.Initialize(password1))

	require.Nil(s.RegisterDevice("bob", "heya://push.example.com:9001", []byte("send-token")))
	require.NotNil(s.RegisterDevice("bob", "http://push.example.com", []byte("send-token")))
	require.Nil(s.DeregisterDevice("bob", "heya://push.example.com:9001"))
}

func mustConvUUID(s *Courier, conversationID []byte) string {
	var u string
	if err := s.DB.Run("conv uuid", func() error {
		conv, err := s.roster.ConversationByID(conversationID)
		if err != nil {
			return err
		}
		u = conv.UUID
		return nil
	}); err != nil {
		panic(err)
	}
	return u
}
