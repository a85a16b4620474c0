package roster

import (
	"database/sql"
	"errors"

	db "github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/migration"
)

const (
	ConversationTypeIndividual = 0
	ConversationTypeGroup      = 1

	RoleMember = 0
	RoleAdmin  = 1
)

var (
	ErrNotFound       = errors.New("not found")
	ErrNotParticipant = errors.New("not a participant")
	ErrNotMember      = errors.New("not a member")
	ErrNotAdmin       = errors.New("not an admin")
	ErrAlreadyMember  = errors.New("already a member")
	ErrLastAdmin      = errors.New("cannot remove the last admin")
	ErrUnknownUser    = errors.New("unknown user")
)

// UserInfo is the displayable form of an external user identity.
type UserInfo struct {
	ID          string
	DisplayName string
}

// Identity resolves external user ids. Implementations live outside courier.
type Identity interface {
	Lookup(userID string) (*UserInfo, error)
}

type Conversation struct {
	ID               []byte `db:"id"`
	UUID             string `db:"uuid"`
	Type             int    `db:"type"`
	LastMessageAtSec uint64 `db:"last_message_at_sec"`
	CreatedAtSec     uint64 `db:"created_at_sec"`
}

type Participant struct {
	ConversationID []byte `db:"conversation_id"`
	UserID         string `db:"user_id"`
	JoinedAtSec    uint64 `db:"joined_at_sec"`
}

type Group struct {
	ID             []byte `db:"id"`
	UUID           string `db:"uuid"`
	Name           string `db:"name"`
	Description    string `db:"description"`
	CreatorUserID  string `db:"creator_user_id"`
	ConversationID []byte `db:"conversation_id"`
	CreatedAtSec   uint64 `db:"created_at_sec"`
}

type GroupMember struct {
	GroupID     []byte `db:"group_id"`
	UserID      string `db:"user_id"`
	Role        int    `db:"role"`
	JoinedAtSec uint64 `db:"joined_at_sec"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.Migrate("_roster", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _conversations (
						id BLOB PRIMARY KEY,
						uuid STRING NOT NULL UNIQUE,
						type INTEGER NOT NULL,
						last_message_at_sec INTEGER NOT NULL DEFAULT 0,
						created_at_sec INTEGER NOT NULL
					);

					CREATE TABLE _participants (
						conversation_id BLOB NOT NULL,
						user_id STRING NOT NULL,
						joined_at_sec INTEGER NOT NULL,
						PRIMARY KEY(conversation_id, user_id),
						FOREIGN KEY(conversation_id) REFERENCES _conversations(id) ON DELETE CASCADE
					);
					CREATE INDEX participants_user_idx on _participants (user_id);

					CREATE TABLE _groups (
						id BLOB PRIMARY KEY,
						uuid STRING NOT NULL UNIQUE,
						name STRING NOT NULL,
						description STRING NOT NULL,
						creator_user_id STRING NOT NULL,
						conversation_id BLOB NOT NULL,
						created_at_sec INTEGER NOT NULL,
						FOREIGN KEY(conversation_id) REFERENCES _conversations(id)
					);
					CREATE INDEX groups_conversation_idx on _groups (conversation_id);

					CREATE TABLE _group_members (
						group_id BLOB NOT NULL,
						user_id STRING NOT NULL,
						role INTEGER NOT NULL,
						joined_at_sec INTEGER NOT NULL,
						PRIMARY KEY(group_id, user_id),
						FOREIGN KEY(group_id) REFERENCES _groups(id) ON DELETE CASCADE
					);
					CREATE INDEX group_members_user_idx on _group_members (user_id);
						`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *database) conversationByID(id []byte) (*Conversation, error) {
	c := &Conversation{}
	if err := d.Tx.Get(c, "SELECT * FROM _conversations WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func (d *database) conversationByUUID(uuid string) (*Conversation, error) {
	c := &Conversation{}
	if err := d.Tx.Get(c, "SELECT * FROM _conversations WHERE uuid = $1", uuid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func (d *database) groupByUUID(uuid string) (*Group, error) {
	g := &Group{}
	if err := d.Tx.Get(g, "SELECT * FROM _groups WHERE uuid = $1", uuid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return g, nil
}

func (d *database) participants(conversationID []byte) ([]*Participant, error) {
	parts := make([]*Participant, 0)
	if err := d.Tx.Select(&parts, "SELECT * FROM _participants WHERE conversation_id = $1 ORDER BY user_id", conversationID); err != nil {
		return nil, err
	}
	return parts, nil
}

func (d *database) isParticipant(conversationID []byte, userID string) (bool, error) {
	var count int
	if err := d.Tx.Get(&count, "SELECT count(*) FROM _participants WHERE conversation_id = $1 AND user_id = $2", conversationID, userID); err != nil {
		return false, err
	}
	return count != 0, nil
}

func (d *database) members(groupID []byte) ([]*GroupMember, error) {
	members := make([]*GroupMember, 0)
	if err := d.Tx.Select(&members, "SELECT * FROM _group_members WHERE group_id = $1 ORDER BY user_id", groupID); err != nil {
		return nil, err
	}
	return members, nil
}

func (d *database) member(groupID []byte, userID string) (*GroupMember, error) {
	m := &GroupMember{}
	if err := d.Tx.Get(m, "SELECT * FROM _group_members WHERE group_id = $1 AND user_id = $2", groupID, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotMember
		}
		return nil, err
	}
	return m, nil
}

func (d *database) adminCount(groupID []byte) (int, error) {
	var count int
	if err := d.Tx.Get(&count, "SELECT count(*) FROM _group_members WHERE group_id = $1 AND role = $2", groupID, RoleAdmin); err != nil {
		return 0, err
	}
	return count, nil
}
