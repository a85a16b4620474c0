package roster

import (
	"os"
	"sync"
	"testing"

	"github.com/meow-io/go-courier/cache"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/internal/test"
	"github.com/stretchr/testify/require"
)

type staticIdentity map[string]string

func (s staticIdentity) Lookup(userID string) (*UserInfo, error) {
	name, ok := s[userID]
	if !ok {
		return nil, nil
	}
	return &UserInfo{ID: userID, DisplayName: name}, nil
}

var identity = staticIdentity{
	"alice": "Alice",
	"bob":   "Bob",
	"carol": "Carol",
	"dave":  "Dave",
}

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newManager() *Manager {
	c := config.NewConfig(config.WithLoggingPrefix("test"))
	d := test.NewTestDatabase(c)
	m, err := NewManager(c, d, clock.NewSystemClock(), identity, cache.NewMemory(c), nil)
	if err != nil {
		panic(err)
	}
	return m
}

func shutdownManager(m *Manager) {
	if err := m.db.Shutdown(); err != nil {
		panic(err)
	}
}

func TestIndividualConversationCreatedOnce(t *testing.T) {
	require := require.New(t)
	m := newManager()
	defer shutdownManager(m)

	var first, second *Conversation
	require.Nil(m.db.Run("testing", func() error {
		var err error
		first, err = m.IndividualConversation("alice", "bob")
		require.Nil(err)
		return nil
	}))
	require.Nil(m.db.Run("testing", func() error {
		var err error
		second, err = m.IndividualConversation("bob", "alice")
		require.Nil(err)
		return nil
	}))
	require.Equal(first.UUID, second.UUID)

	require.Nil(m.db.Run("testing", func() error {
		participants, err := m.Participants(first.ID)
		require.Nil(err)
		require.Len(participants, 2)
		return nil
	}))
}

func TestIndividualConversationUnknownUser(t *testing.T) {
	require := require.New(t)
	m := newManager()
	defer shutdownManager(m)

	require.Nil(m.db.Run("testing", func() error {
		_, err := m.IndividualConversation("alice", "nobody")
		require.ErrorIs(err, ErrUnknownUser)
		return nil
	}))
}

func TestIndividualConversationSelf(t *testing.T) {
	require := require.New(t)
	m := newManager()
	defer shutdownManager(m)

	require.Nil(m.db.Run("testing", func() error {
		_, err := m.IndividualConversation("alice", "alice")
		require.NotNil(err)
		return nil
	}))
}

func TestCreateGroupMirrorsParticipants(t *testing.T) {
	require := require.New(t)
	m := newManager()
	defer shutdownManager(m)

	var g *Group
	require.Nil(m.db.Run("testing", func() error {
		var err error
		g, err = m.CreateGroup("alice", "pals", "a group", []string{"bob", "carol", "bob"})
		require.Nil(err)
		return nil
	}))

	require.Nil(m.db.Run("testing", func() error {
		members, err := m.Members(g.UUID)
		require.Nil(err)
		require.Len(members, 3)

		participants, err := m.Participants(g.ConversationID)
		require.Nil(err)
		require.Len(participants, 3)

		memberSet := make(map[string]int)
		for _, mem := range members {
			memberSet[mem.UserID] = mem.Role
		}
		require.Equal(RoleAdmin, memberSet["alice"])
		require.Equal(RoleMember, memberSet["bob"])
		require.Equal(RoleMember, memberSet["carol"])
		for _, p := range participants {
			_, ok := memberSet[p.UserID]
			require.True(ok)
		}
		return nil
	}))
}

func TestAddMember(t *testing.T) {
	require := require.New(t)
	m := newManager()
	defer shutdownManager(m)

	var g *Group
	require.Nil(m.db.Run("testing", func() error {
		var err error
		g, err = m.CreateGroup("alice", "pals", "", []string{"bob"})
		require.Nil(err)
		return nil
	}))

	require.Nil(m.db.Run("testing", func() error {
		require.Nil(m.AddMember("alice", g.UUID, "carol"))
		require.ErrorIs(m.AddMember("alice", g.UUID, "carol"), ErrAlreadyMember)
		require.ErrorIs(m.AddMember("bob", g.UUID, "dave"), ErrNotAdmin)
		require.ErrorIs(m.AddMember("dave", g.UUID, "carol"), ErrNotParticipant)
		return nil
	}))

	require.Nil(m.db.Run("testing", func() error {
		participants, err := m.Participants(g.ConversationID)
		require.Nil(err)
		require.Len(participants, 3)
		return nil
	}))
}

func TestRemoveMemberMirrorsParticipants(t *testing.T) {
	require := require.New(t)
	m := newManager()
	defer shutdownManager(m)

	var g *Group
	require.Nil(m.db.Run("testing", func() error {
		var err error
		g, err = m.CreateGroup("alice", "pals", "", []string{"bob", "carol"})
		require.Nil(err)
		return nil
	}))

	require.Nil(m.db.Run("testing", func() error {
		require.Nil(m.RemoveMember("alice", g.UUID, "carol"))
		members, err := m.Members(g.UUID)
		require.Nil(err)
		require.Len(members, 2)
		participants, err := m.Participants(g.ConversationID)
		require.Nil(err)
		require.Len(participants, 2)
		return nil
	}))

	require.Nil(m.db.Run("testing", func() error {
		// bob can leave on his own, dave was never in the group
		require.Nil(m.RemoveMember("bob", g.UUID, "bob"))
		require.ErrorIs(m.RemoveMember("dave", g.UUID, "alice"), ErrNotParticipant)
		return nil
	}))
}

func TestLastAdminCannotLeave(t *testing.T) {
	require := require.New(t)
	m := newManager()
	defer shutdownManager(m)

	var g *Group
	require.Nil(m.db.Run("testing", func() error {
		var err error
		g, err = m.CreateGroup("alice", "pals", "", []string{"bob"})
		require.Nil(err)
		return nil
	}))

	require.Nil(m.db.Run("testing", func() error {
		require.ErrorIs(m.RemoveMember("alice", g.UUID, "alice"), ErrLastAdmin)
		return nil
	}))

	// promoting bob first makes alice removable
	require.Nil(m.db.Run("testing", func() error {
		require.Nil(m.SetRole("alice", g.UUID, "bob", RoleAdmin))
		require.Nil(m.RemoveMember("alice", g.UUID, "alice"))
		return nil
	}))

	require.Nil(m.db.Run("testing", func() error {
		members, err := m.Members(g.UUID)
		require.Nil(err)
		require.Len(members, 1)
		require.Equal("bob", members[0].UserID)
		require.Equal(RoleAdmin, members[0].Role)
		return nil
	}))
}

func TestLastAdminCannotBeDemoted(t *testing.T) {
	require := require.New(t)
	m := newManager()
	defer shutdownManager(m)

	var g *Group
	require.Nil(m.db.Run("testing", func() error {
		var err error
		g, err = m.CreateGroup("alice", "pals", "", []string{"bob"})
		require.Nil(err)
		return nil
	}))

	require.Nil(m.db.Run("testing", func() error {
		require.ErrorIs(m.SetRole("alice", g.UUID, "alice", RoleMember), ErrLastAdmin)
		// no-op role change on the last admin is fine
		require.Nil(m.SetRole("alice", g.UUID, "alice", RoleAdmin))
		return nil
	}))
}

func TestDeleteGroup(t *testing.T) {
	require := require.New(t)
	m := newManager()
	defer shutdownManager(m)

	var g *Group
	require.Nil(m.db.Run("testing", func() error {
		var err error
		g, err = m.CreateGroup("alice", "pals", "", []string{"bob"})
		require.Nil(err)
		return nil
	}))

	require.Nil(m.db.Run("testing", func() error {
		_, err := m.DeleteGroup("bob", g.UUID)
		require.ErrorIs(err, ErrNotAdmin)
		return nil
	}))

	require.Nil(m.db.Run("testing", func() error {
		_, err := m.DeleteGroup("alice", g.UUID)
		require.Nil(err)
		return nil
	}))

	require.Nil(m.db.Run("testing", func() error {
		_, err := m.Group(g.UUID)
		require.ErrorIs(err, ErrNotFound)
		_, err = m.ConversationByID(g.ConversationID)
		require.ErrorIs(err, ErrNotFound)
		return nil
	}))
}

func TestConversationOrdering(t *testing.T) {
	require := require.New(t)
	m := newManager()
	defer shutdownManager(m)

	var withBob, withCarol *Conversation
	require.Nil(m.db.Run("testing", func() error {
		var err error
		withBob, err = m.IndividualConversation("alice", "bob")
		require.Nil(err)
		withCarol, err = m.IndividualConversation("alice", "carol")
		require.Nil(err)
		return nil
	}))

	require.Nil(m.db.Run("testing", func() error {
		require.Nil(m.TouchConversation(withBob.ID, 100))
		require.Nil(m.TouchConversation(withCarol.ID, 200))
		// stale touches never move recency backwards
		require.Nil(m.TouchConversation(withCarol.ID, 150))
		return nil
	}))

	require.Nil(m.db.Run("testing", func() error {
		convs, err := m.ConversationsForUser("alice")
		require.Nil(err)
		require.Len(convs, 2)
		require.Equal(withCarol.UUID, convs[0].UUID)
		require.Equal(uint64(200), convs[0].LastMessageAtSec)
		require.Equal(withBob.UUID, convs[1].UUID)
		return nil
	}))
}

func adminCount(require *require.Assertions, m *Manager, groupUUID string) int {
	admins := 0
	require.Nil(m.db.Run("testing", func() error {
		members, err := m.Members(groupUUID)
		require.Nil(err)
		for _, member := range members {
			if member.Role == RoleAdmin {
				admins++
			}
		}
		return nil
	}))
	return admins
}

func TestConcurrentDemotionsKeepOneAdmin(t *testing.T) {
	require := require.New(t)
	m := newManager()
	defer shutdownManager(m)

	var g *Group
	require.Nil(m.db.Run("testing", func() error {
		var err error
		g, err = m.CreateGroup("alice", "pals", "", []string{"bob", "carol"})
		require.Nil(err)
		return m.SetRole("alice", g.UUID, "bob", RoleAdmin)
	}))

	// both admins race to demote each other
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	demote := func(actor, target string) {
		defer wg.Done()
		errs <- m.db.Run("demote", func() error {
			return m.SetRole(actor, g.UUID, target, RoleMember)
		})
	}
	go demote("alice", "bob")
	go demote("bob", "alice")
	wg.Wait()
	close(errs)

	failed := 0
	for err := range errs {
		if err != nil {
			require.ErrorIs(err, ErrLastAdmin)
			failed++
		}
	}
	require.Equal(1, failed)
	require.Equal(1, adminCount(require, m, g.UUID))
}

func TestConcurrentLeavesKeepOneAdmin(t *testing.T) {
	require := require.New(t)
	m := newManager()
	defer shutdownManager(m)

	var g *Group
	require.Nil(m.db.Run("testing", func() error {
		var err error
		g, err = m.CreateGroup("alice", "pals", "", []string{"bob", "carol"})
		require.Nil(err)
		return m.SetRole("alice", g.UUID, "bob", RoleAdmin)
	}))

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	leave := func(userID string) {
		defer wg.Done()
		errs <- m.db.Run("leave", func() error {
			return m.RemoveMember(userID, g.UUID, userID)
		})
	}
	go leave("alice")
	go leave("bob")
	wg.Wait()
	close(errs)

	failed := 0
	for err := range errs {
		if err != nil {
			require.ErrorIs(err, ErrLastAdmin)
			failed++
		}
	}
	require.Equal(1, failed)
	require.Equal(1, adminCount(require, m, g.UUID))
}
