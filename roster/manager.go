// This package keeps the durable record of conversations, their participants,
// groups and group members. Group rosters and the participant set of a
// group's conversation are mirrors of each other; every mutation here keeps
// them set-equal within a single transaction.
package roster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/meow-io/go-courier/cache"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	db "github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/transport"
	"go.uber.org/zap"
)

const (
	ChangeCreated       = "created"
	ChangeMemberAdded   = "member_added"
	ChangeMemberRemoved = "member_removed"
	ChangeRoleChanged   = "role_changed"
	ChangeDeleted       = "deleted"
)

// An event indicating a change in a group or conversation roster.
type Update struct {
	ConversationUUID string
	GroupUUID        string
	UserID           string
	Change           string
}

type Manager struct {
	config      *config.Config
	log         *zap.SugaredLogger
	db          *database
	clock       clock.Clock
	identity    Identity
	invalidator cache.Invalidator
	pub         transport.Publisher
	updates     chan interface{}
}

func NewManager(c *config.Config, d *db.Database, cl clock.Clock, identity Identity, invalidator cache.Invalidator, pub transport.Publisher) (*Manager, error) {
	database, err := newDatabase(d)
	if err != nil {
		return nil, err
	}

	return &Manager{
		config:      c,
		log:         c.Logger("roster"),
		db:          database,
		clock:       cl,
		identity:    identity,
		invalidator: invalidator,
		pub:         pub,
		updates:     make(chan interface{}, 100),
	}, nil
}

func (m *Manager) Updates() chan interface{} {
	return m.updates
}

// IndividualConversation finds the conversation between two users, creating
// it with both participants if they have never exchanged a message.
func (m *Manager) IndividualConversation(userA, userB string) (*Conversation, error) {
	if userA == userB {
		return nil, fmt.Errorf("roster: cannot converse with self: %w", ErrUnknownUser)
	}
	for _, u := range []string{userA, userB} {
		if err := m.checkUser(u); err != nil {
			return nil, err
		}
	}

	conv := &Conversation{}
	err := m.db.Tx.Get(conv, `
		SELECT c.* FROM _conversations c
		WHERE c.type = $1
		AND EXISTS (SELECT 1 FROM _participants WHERE conversation_id = c.id AND user_id = $2)
		AND EXISTS (SELECT 1 FROM _participants WHERE conversation_id = c.id AND user_id = $3)`,
		ConversationTypeIndividual, userA, userB)
	if err == nil {
		return conv, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := m.clock.CurrentTimeSec()
	conv = &Conversation{
		ID:           ids.NewID().Bytes(),
		UUID:         uuid.NewString(),
		Type:         ConversationTypeIndividual,
		CreatedAtSec: now,
	}
	if _, err := m.db.Tx.Exec("INSERT INTO _conversations (id, uuid, type, last_message_at_sec, created_at_sec) VALUES ($1, $2, $3, 0, $4)", conv.ID, conv.UUID, conv.Type, now); err != nil {
		return nil, fmt.Errorf("roster: error inserting conversation: %w", err)
	}
	for _, u := range []string{userA, userB} {
		if err := m.insertParticipant(conv.ID, u, now); err != nil {
			return nil, err
		}
	}
	m.invalidate(cache.UserConversationsTag(userA), cache.UserConversationsTag(userB))
	m.notify(&Update{ConversationUUID: conv.UUID, Change: ChangeCreated}, nil)
	return conv, nil
}

func (m *Manager) ConversationByUUID(uuid string) (*Conversation, error) {
	return m.db.conversationByUUID(uuid)
}

func (m *Manager) ConversationByID(id []byte) (*Conversation, error) {
	return m.db.conversationByID(id)
}

func (m *Manager) Participants(conversationID []byte) ([]*Participant, error) {
	return m.db.participants(conversationID)
}

func (m *Manager) IsParticipant(conversationID []byte, userID string) (bool, error) {
	return m.db.isParticipant(conversationID, userID)
}

// ConversationsForUser returns every conversation the user participates in,
// most recently active first.
func (m *Manager) ConversationsForUser(userID string) ([]*Conversation, error) {
	convs := make([]*Conversation, 0)
	if err := m.db.Tx.Select(&convs, `
		SELECT c.* FROM _conversations c
		JOIN _participants p ON p.conversation_id = c.id
		WHERE p.user_id = $1
		ORDER BY c.last_message_at_sec DESC, c.created_at_sec DESC`, userID); err != nil {
		return nil, err
	}
	return convs, nil
}

// TouchConversation advances a conversation's recency. last_message_at_sec
// never moves backwards.
func (m *Manager) TouchConversation(conversationID []byte, tsSec uint64) error {
	if _, err := m.db.Tx.Exec("UPDATE _conversations SET last_message_at_sec = $1 WHERE id = $2 AND last_message_at_sec <= $1", tsSec, conversationID); err != nil {
		return fmt.Errorf("roster: error touching conversation: %w", err)
	}
	return nil
}

// CreateGroup makes a group, its backing conversation and its initial roster
// in one transaction. The creator is the sole initial admin; every valid
// initial member joins with the member role and a mirrored participant row.
func (m *Manager) CreateGroup(actor, name, description string, initialMemberIDs []string) (*Group, error) {
	if err := m.checkUser(actor); err != nil {
		return nil, err
	}

	now := m.clock.CurrentTimeSec()
	conv := &Conversation{
		ID:           ids.NewID().Bytes(),
		UUID:         uuid.NewString(),
		Type:         ConversationTypeGroup,
		CreatedAtSec: now,
	}
	if _, err := m.db.Tx.Exec("INSERT INTO _conversations (id, uuid, type, last_message_at_sec, created_at_sec) VALUES ($1, $2, $3, 0, $4)", conv.ID, conv.UUID, conv.Type, now); err != nil {
		return nil, fmt.Errorf("roster: error inserting conversation: %w", err)
	}

	g := &Group{
		ID:             ids.NewID().Bytes(),
		UUID:           uuid.NewString(),
		Name:           name,
		Description:    description,
		CreatorUserID:  actor,
		ConversationID: conv.ID,
		CreatedAtSec:   now,
	}
	if _, err := m.db.Tx.Exec("INSERT INTO _groups (id, uuid, name, description, creator_user_id, conversation_id, created_at_sec) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		g.ID, g.UUID, g.Name, g.Description, g.CreatorUserID, g.ConversationID, g.CreatedAtSec); err != nil {
		return nil, fmt.Errorf("roster: error inserting group: %w", err)
	}

	if err := m.insertMember(g, actor, RoleAdmin, now); err != nil {
		return nil, err
	}
	tags := []string{cache.UserConversationsTag(actor), cache.GroupTag(g.UUID), cache.GroupMembersTag(g.UUID), cache.ConversationTag(conv.UUID)}
	seen := map[string]bool{actor: true}
	for _, u := range initialMemberIDs {
		if seen[u] {
			continue
		}
		seen[u] = true
		if err := m.checkUser(u); err != nil {
			return nil, err
		}
		if err := m.insertMember(g, u, RoleMember, now); err != nil {
			return nil, err
		}
		tags = append(tags, cache.UserConversationsTag(u))
	}
	m.invalidate(tags...)
	m.notify(&Update{ConversationUUID: conv.UUID, GroupUUID: g.UUID, UserID: actor, Change: ChangeCreated}, m.otherMemberIDs(seen, actor))
	return g, nil
}

func (m *Manager) Group(uuid string) (*Group, error) {
	return m.db.groupByUUID(uuid)
}

func (m *Manager) Members(groupUUID string) ([]*GroupMember, error) {
	g, err := m.db.groupByUUID(groupUUID)
	if err != nil {
		return nil, err
	}
	return m.db.members(g.ID)
}

// AddMember inserts a member-role row and its mirrored participant row.
// Only admins may add members.
func (m *Manager) AddMember(actor, groupUUID, userID string) error {
	g, err := m.requireAdmin(actor, groupUUID)
	if err != nil {
		return err
	}
	if err := m.checkUser(userID); err != nil {
		return err
	}
	if _, err := m.db.member(g.ID, userID); err == nil {
		return ErrAlreadyMember
	} else if err != ErrNotMember {
		return err
	}

	now := m.clock.CurrentTimeSec()
	if err := m.insertMember(g, userID, RoleMember, now); err != nil {
		return err
	}
	m.invalidate(cache.GroupTag(g.UUID), cache.GroupMembersTag(g.UUID), cache.UserConversationsTag(userID))
	m.notifyGroup(g, &Update{GroupUUID: g.UUID, UserID: userID, Change: ChangeMemberAdded}, actor)
	return nil
}

// RemoveMember deletes both the group member row and the mirrored
// participant. Self-removal is always allowed except when it would leave the
// group without an admin; removing anyone else requires the admin role.
func (m *Manager) RemoveMember(actor, groupUUID, userID string) error {
	g, err := m.db.groupByUUID(groupUUID)
	if err != nil {
		return err
	}
	if _, err := m.db.member(g.ID, actor); err != nil {
		if err == ErrNotMember {
			return ErrNotParticipant
		}
		return err
	}
	if actor != userID {
		if _, err := m.requireAdmin(actor, groupUUID); err != nil {
			return err
		}
	}
	target, err := m.db.member(g.ID, userID)
	if err != nil {
		return err
	}

	// the admin count check shares this transaction with the delete, so two
	// racing removals cannot both observe "not the last admin"
	if target.Role == RoleAdmin {
		count, err := m.db.adminCount(g.ID)
		if err != nil {
			return err
		}
		if count <= 1 {
			return ErrLastAdmin
		}
	}

	if _, err := m.db.Tx.Exec("DELETE FROM _group_members WHERE group_id = $1 AND user_id = $2", g.ID, userID); err != nil {
		return fmt.Errorf("roster: error deleting member: %w", err)
	}
	if _, err := m.db.Tx.Exec("DELETE FROM _participants WHERE conversation_id = $1 AND user_id = $2", g.ConversationID, userID); err != nil {
		return fmt.Errorf("roster: error deleting participant: %w", err)
	}
	m.invalidate(cache.GroupTag(g.UUID), cache.GroupMembersTag(g.UUID), cache.UserConversationsTag(userID))
	m.notifyGroup(g, &Update{GroupUUID: g.UUID, UserID: userID, Change: ChangeMemberRemoved}, actor)
	return nil
}

// SetRole changes a member's role. Demoting the last admin is rejected the
// same way removing them is.
func (m *Manager) SetRole(actor, groupUUID, userID string, role int) error {
	if role != RoleAdmin && role != RoleMember {
		return fmt.Errorf("roster: unknown role %d", role)
	}
	g, err := m.requireAdmin(actor, groupUUID)
	if err != nil {
		return err
	}
	target, err := m.db.member(g.ID, userID)
	if err != nil {
		return err
	}
	if target.Role == role {
		return nil
	}
	if target.Role == RoleAdmin {
		count, err := m.db.adminCount(g.ID)
		if err != nil {
			return err
		}
		if count <= 1 {
			return ErrLastAdmin
		}
	}
	if _, err := m.db.Tx.Exec("UPDATE _group_members SET role = $1 WHERE group_id = $2 AND user_id = $3", role, g.ID, userID); err != nil {
		return fmt.Errorf("roster: error updating role: %w", err)
	}
	m.invalidate(cache.GroupTag(g.UUID), cache.GroupMembersTag(g.UUID))
	m.notifyGroup(g, &Update{GroupUUID: g.UUID, UserID: userID, Change: ChangeRoleChanged}, actor)
	return nil
}

// DeleteGroup removes the group, its members, its conversation and that
// conversation's participants. The caller is responsible for deleting the
// conversation's messages in the same transaction before calling this.
func (m *Manager) DeleteGroup(actor, groupUUID string) (*Group, error) {
	g, err := m.requireAdmin(actor, groupUUID)
	if err != nil {
		return nil, err
	}
	members, err := m.db.members(g.ID)
	if err != nil {
		return nil, err
	}
	conv, err := m.db.conversationByID(g.ConversationID)
	if err != nil {
		return nil, err
	}

	if _, err := m.db.Tx.Exec("DELETE FROM _group_members WHERE group_id = $1", g.ID); err != nil {
		return nil, fmt.Errorf("roster: error deleting members: %w", err)
	}
	if _, err := m.db.Tx.Exec("DELETE FROM _groups WHERE id = $1", g.ID); err != nil {
		return nil, fmt.Errorf("roster: error deleting group: %w", err)
	}
	if _, err := m.db.Tx.Exec("DELETE FROM _participants WHERE conversation_id = $1", g.ConversationID); err != nil {
		return nil, fmt.Errorf("roster: error deleting participants: %w", err)
	}
	if _, err := m.db.Tx.Exec("DELETE FROM _conversations WHERE id = $1", g.ConversationID); err != nil {
		return nil, fmt.Errorf("roster: error deleting conversation: %w", err)
	}

	tags := []string{cache.GroupTag(g.UUID), cache.GroupMembersTag(g.UUID), cache.ConversationTag(conv.UUID)}
	for _, mem := range members {
		tags = append(tags, cache.UserConversationsTag(mem.UserID))
	}
	m.invalidate(tags...)
	userIDs := make([]string, 0, len(members))
	for _, mem := range members {
		userIDs = append(userIDs, mem.UserID)
	}
	m.notify(&Update{GroupUUID: g.UUID, ConversationUUID: conv.UUID, UserID: actor, Change: ChangeDeleted}, userIDs)
	return g, nil
}

func (m *Manager) requireAdmin(actor, groupUUID string) (*Group, error) {
	g, err := m.db.groupByUUID(groupUUID)
	if err != nil {
		return nil, err
	}
	mem, err := m.db.member(g.ID, actor)
	if err != nil {
		if err == ErrNotMember {
			return nil, ErrNotParticipant
		}
		return nil, err
	}
	if mem.Role != RoleAdmin {
		return nil, ErrNotAdmin
	}
	return g, nil
}

func (m *Manager) insertMember(g *Group, userID string, role int, nowSec uint64) error {
	if _, err := m.db.Tx.Exec("INSERT INTO _group_members (group_id, user_id, role, joined_at_sec) VALUES ($1, $2, $3, $4)", g.ID, userID, role, nowSec); err != nil {
		return fmt.Errorf("roster: error inserting member: %w", err)
	}
	return m.insertParticipant(g.ConversationID, userID, nowSec)
}

func (m *Manager) insertParticipant(conversationID []byte, userID string, nowSec uint64) error {
	if _, err := m.db.Tx.Exec("INSERT INTO _participants (conversation_id, user_id, joined_at_sec) VALUES ($1, $2, $3)", conversationID, userID, nowSec); err != nil {
		return fmt.Errorf("roster: error inserting participant: %w", err)
	}
	return nil
}

func (m *Manager) checkUser(userID string) error {
	info, err := m.identity.Lookup(userID)
	if err != nil {
		return fmt.Errorf("roster: error resolving %s: %w", userID, err)
	}
	if info == nil {
		return fmt.Errorf("roster: %s: %w", userID, ErrUnknownUser)
	}
	return nil
}

func (m *Manager) invalidate(tags ...string) {
	m.db.BeforeCommit(func() error {
		return m.invalidator.Invalidate(context.Background(), tags...)
	})
}

func (m *Manager) notifyGroup(g *Group, u *Update, actor string) {
	members, err := m.db.members(g.ID)
	if err != nil {
		m.log.Warnf("error loading members for notify %#v", err)
		members = nil
	}
	userIDs := make([]string, 0, len(members))
	for _, mem := range members {
		userIDs = append(userIDs, mem.UserID)
	}
	// a removed member is told about their own removal
	if u.Change == ChangeMemberRemoved {
		userIDs = append(userIDs, u.UserID)
	}
	m.notify(u, exclude(userIDs, actor))
}

// notify queues an update for the local updates channel and, for each listed
// user, a best-effort push event. Both happen only after the transaction
// commits.
func (m *Manager) notify(u *Update, userIDs []string) {
	m.db.AfterCommit(func() {
		select {
		case m.updates <- u:
		default:
			m.log.Debugf("dropping roster update: channel full")
		}
		if m.pub == nil {
			return
		}
		for _, userID := range userIDs {
			if err := m.pub.Publish(userID, &transport.Event{
				Kind:             transport.KindRoster,
				ConversationUUID: u.ConversationUUID,
				GroupUUID:        u.GroupUUID,
				From:             u.UserID,
			}); err != nil {
				m.log.Debugf("error publishing roster event to %s %#v", userID, err)
			}
		}
	})
}

func (m *Manager) otherMemberIDs(seen map[string]bool, actor string) []string {
	userIDs := make([]string, 0, len(seen))
	for u := range seen {
		if u != actor {
			userIDs = append(userIDs, u)
		}
	}
	return userIDs
}

func exclude(userIDs []string, userID string) []string {
	out := userIDs[:0]
	for _, u := range userIDs {
		if u != userID {
			out = append(out, u)
		}
	}
	return out
}
