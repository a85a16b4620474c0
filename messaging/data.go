package messaging

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	db "github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/migration"
	"github.com/meow-io/go-courier/roster"
)

const (
	TypeText          = 0
	TypeImage         = 1
	TypeFile          = 2
	TypeEphemeralText = 3
)

var ErrFeatureDisabled = errors.New("feature disabled")

// IncompleteFanoutError rejects a send whose ciphertext map is missing an
// entry for one or more current participants. Nothing is written when it is
// returned.
type IncompleteFanoutError struct {
	Missing []string
}

func (e *IncompleteFanoutError) Error() string {
	return fmt.Sprintf("missing ciphertext for %s", strings.Join(e.Missing, ", "))
}

// Sender is whoever can author a message. Implementations may be users,
// bots or service integrations; fan-out does not care which.
type Sender interface {
	ID() string
	DisplayName() string
}

// Target names where a message goes: an existing conversation by its public
// handle, or a single peer for an individual conversation which is created
// or reused implicitly.
type Target struct {
	ConversationUUID string
	PeerUserID       string
}

func ToConversation(uuid string) Target {
	return Target{ConversationUUID: uuid}
}

func ToUser(userID string) Target {
	return Target{PeerUserID: userID}
}

// AttachmentRef points at encrypted attachment bytes held by an external
// blob store. Courier stores only the reference and original metadata.
type AttachmentRef struct {
	Ref  string
	Name string
	Mime string
}

type message struct {
	ID             []byte  `db:"id"`
	ConversationID []byte  `db:"conversation_id"`
	SenderID       string  `db:"sender_id"`
	SenderName     string  `db:"sender_name"`
	Content        []byte  `db:"content"`
	Type           int     `db:"type"`
	AttachmentRef  *string `db:"attachment_ref"`
	AttachmentName *string `db:"attachment_name"`
	AttachmentMime *string `db:"attachment_mime"`
	ExpiresAtSec   *uint64 `db:"expires_at_sec"`
	Deleted        bool    `db:"deleted"`
	CreatedAtSec   uint64  `db:"created_at_sec"`
}

type recipient struct {
	MessageID      []byte  `db:"message_id"`
	UserID         string  `db:"user_id"`
	ConversationID []byte  `db:"conversation_id"`
	Content        []byte  `db:"content"`
	DeliveredAtSec *uint64 `db:"delivered_at_sec"`
	ReadAtSec      *uint64 `db:"read_at_sec"`
}

// UserMessage is one user's view of a message: their ciphertext and their
// delivery state joined with the canonical message row.
type UserMessage struct {
	MessageID      []byte  `db:"message_id"`
	ConversationID []byte  `db:"conversation_id"`
	SenderID       string  `db:"sender_id"`
	SenderName     string  `db:"sender_name"`
	Content        []byte  `db:"content"`
	Type           int     `db:"type"`
	AttachmentRef  *string `db:"attachment_ref"`
	AttachmentName *string `db:"attachment_name"`
	AttachmentMime *string `db:"attachment_mime"`
	ExpiresAtSec   *uint64 `db:"expires_at_sec"`
	CreatedAtSec   uint64  `db:"created_at_sec"`
	DeliveredAtSec *uint64 `db:"delivered_at_sec"`
	ReadAtSec      *uint64 `db:"read_at_sec"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.Migrate("_messaging", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _messages (
						id BLOB PRIMARY KEY,
						conversation_id BLOB NOT NULL,
						sender_id STRING NOT NULL,
						sender_name STRING NOT NULL,
						content BLOB NOT NULL,
						type INTEGER NOT NULL,
						attachment_ref STRING,
						attachment_name STRING,
						attachment_mime STRING,
						expires_at_sec INTEGER,
						deleted INTEGER NOT NULL DEFAULT 0,
						created_at_sec INTEGER NOT NULL,
						FOREIGN KEY(conversation_id) REFERENCES _conversations(id) ON DELETE CASCADE
					);
					CREATE INDEX messages_conversation_idx on _messages (conversation_id, created_at_sec);
					CREATE INDEX messages_expiry_idx on _messages (expires_at_sec);

					CREATE TABLE _message_recipients (
						message_id BLOB NOT NULL,
						user_id STRING NOT NULL,
						conversation_id BLOB NOT NULL,
						content BLOB NOT NULL,
						delivered_at_sec INTEGER,
						read_at_sec INTEGER,
						PRIMARY KEY(message_id, user_id),
						FOREIGN KEY(message_id) REFERENCES _messages(id) ON DELETE CASCADE
					);
					CREATE INDEX message_recipients_user_conv_idx on _message_recipients (user_id, conversation_id);
						`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *database) messageByID(id []byte) (*message, error) {
	msg := &message{}
	if err := d.Tx.Get(msg, "SELECT * FROM _messages WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, roster.ErrNotFound
		}
		return nil, err
	}
	return msg, nil
}

func (d *database) recipientRow(messageID []byte, userID string) (*recipient, error) {
	r := &recipient{}
	if err := d.Tx.Get(r, "SELECT * FROM _message_recipients WHERE message_id = $1 AND user_id = $2", messageID, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, roster.ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

func (d *database) recipientCount(messageID []byte) (int, error) {
	var count int
	if err := d.Tx.Get(&count, "SELECT count(*) FROM _message_recipients WHERE message_id = $1", messageID); err != nil {
		return 0, err
	}
	return count, nil
}
