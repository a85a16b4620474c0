// This package fans encrypted messages out to conversation rosters and
// tracks per-recipient delivery state. A message and every one of its
// per-recipient copies are written in one transaction against the roster
// snapshot read in that same transaction; either all of it commits or none
// of it does.
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-courier/cache"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/roster"
	"github.com/meow-io/go-courier/transport"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// An event indicating a new message was fanned out.
type MessageUpdate struct {
	MessageID        []byte
	ConversationUUID string
	SenderID         string
}

type Manager struct {
	config      *config.Config
	log         *zap.SugaredLogger
	db          *database
	clock       clock.Clock
	roster      *roster.Manager
	invalidator cache.Invalidator
	pub         transport.Publisher
	updates     chan interface{}
	finished    sync.WaitGroup
	cancelFunc  context.CancelFunc
}

func NewManager(c *config.Config, d *db.Database, cl clock.Clock, r *roster.Manager, invalidator cache.Invalidator, pub transport.Publisher) (*Manager, error) {
	database, err := newDatabase(d)
	if err != nil {
		return nil, err
	}

	return &Manager{
		config:      c,
		log:         c.Logger("messaging"),
		db:          database,
		clock:       cl,
		roster:      r,
		invalidator: invalidator,
		pub:         pub,
		updates:     make(chan interface{}, 100),
	}, nil
}

func (m *Manager) Updates() chan interface{} {
	return m.updates
}

// Start runs the expiry reaper. The reaper only reclaims storage; expired
// messages are invisible on every read path whether or not it has run.
func (m *Manager) Start() error {
	ctx, cancelFunc := context.WithCancel(context.Background())
	m.cancelFunc = cancelFunc
	m.finished.Add(1)
	go func() {
		defer m.finished.Done()
		interval := time.Duration(m.config.ReapIntervalMs) * time.Millisecond
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
				if err := m.reap(); err != nil {
					m.log.Warnf("error reaping expired messages %#v", err)
				}
			}
		}
	}()
	return nil
}

func (m *Manager) Shutdown() error {
	if m.cancelFunc != nil {
		m.cancelFunc()
		m.finished.Wait()
	}
	return nil
}

// Send creates one canonical message plus one recipient row for every
// current participant, from a map of per-recipient ciphertexts. The
// participant snapshot, validation and all writes share one transaction.
func (m *Manager) Send(sender Sender, target Target, ciphertexts map[string][]byte, typ int, attachment *AttachmentRef, ttl time.Duration) (*UserMessage, error) {
	conv, participants, err := m.resolveTarget(sender, target)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeText:
	case TypeImage, TypeFile:
		if attachment == nil {
			return nil, fmt.Errorf("messaging: type %d requires an attachment", typ)
		}
	case TypeEphemeralText:
		if !m.config.EphemeralMessages {
			return nil, fmt.Errorf("messaging: ephemeral messages: %w", ErrFeatureDisabled)
		}
		// expiry has second granularity, so anything shorter would be
		// born expired
		if ttl < time.Second {
			return nil, fmt.Errorf("messaging: ephemeral messages require a ttl of at least one second")
		}
	default:
		return nil, fmt.Errorf("messaging: unknown message type %d", typ)
	}
	if typ != TypeEphemeralText && ttl != 0 {
		return nil, fmt.Errorf("messaging: ttl is only valid for ephemeral messages")
	}
	if attachment != nil && !m.config.Attachments {
		return nil, fmt.Errorf("messaging: attachments: %w", ErrFeatureDisabled)
	}

	missing := make([]string, 0)
	for _, p := range participants {
		if len(ciphertexts[p.UserID]) == 0 {
			missing = append(missing, p.UserID)
		}
	}
	if len(missing) != 0 {
		slices.Sort(missing)
		return nil, &IncompleteFanoutError{Missing: missing}
	}

	now := m.clock.CurrentTimeSec()
	var expiresAt *uint64
	if typ == TypeEphemeralText {
		e := now + uint64(ttl/time.Second)
		expiresAt = &e
	}

	msg := &message{
		ID:             ids.NewID().Bytes(),
		ConversationID: conv.ID,
		SenderID:       sender.ID(),
		SenderName:     sender.DisplayName(),
		Content:        ciphertexts[sender.ID()],
		Type:           typ,
		ExpiresAtSec:   expiresAt,
		CreatedAtSec:   now,
	}
	if attachment != nil {
		msg.AttachmentRef = &attachment.Ref
		msg.AttachmentName = &attachment.Name
		msg.AttachmentMime = &attachment.Mime
	}

	if _, err := m.db.Tx.Exec(`
		INSERT INTO _messages (id, conversation_id, sender_id, sender_name, content, type, attachment_ref, attachment_name, attachment_mime, expires_at_sec, deleted, created_at_sec)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.SenderName, msg.Content, msg.Type, msg.AttachmentRef, msg.AttachmentName, msg.AttachmentMime, msg.ExpiresAtSec, msg.CreatedAtSec); err != nil {
		return nil, fmt.Errorf("messaging: error inserting message: %w", err)
	}

	tags := []string{cache.ConversationTag(conv.UUID)}
	for _, p := range participants {
		var deliveredAt, readAt *uint64
		if p.UserID == sender.ID() {
			deliveredAt = &now
			readAt = &now
		}
		if _, err := m.db.Tx.Exec(`
			INSERT INTO _message_recipients (message_id, user_id, conversation_id, content, delivered_at_sec, read_at_sec)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			msg.ID, p.UserID, conv.ID, ciphertexts[p.UserID], deliveredAt, readAt); err != nil {
			return nil, fmt.Errorf("messaging: error inserting recipient row: %w", err)
		}
		tags = append(tags, cache.UserConversationsTag(p.UserID))
	}

	if err := m.roster.TouchConversation(conv.ID, now); err != nil {
		return nil, err
	}

	m.db.BeforeCommit(func() error {
		return m.invalidator.Invalidate(context.Background(), tags...)
	})

	senderID := sender.ID()
	senderName := sender.DisplayName()
	recipientIDs := make([]string, 0, len(participants))
	for _, p := range participants {
		if p.UserID != senderID {
			recipientIDs = append(recipientIDs, p.UserID)
		}
	}
	convUUID := conv.UUID
	msgID := msg.ID
	m.db.AfterCommit(func() {
		select {
		case m.updates <- &MessageUpdate{MessageID: msgID, ConversationUUID: convUUID, SenderID: senderID}:
		default:
			m.log.Debugf("dropping message update: channel full")
		}
		if m.pub == nil {
			return
		}
		for _, userID := range recipientIDs {
			if err := m.pub.Publish(userID, &transport.Event{
				Kind:             transport.KindMessage,
				ConversationUUID: convUUID,
				MessageID:        ids.IDFromBytes(msgID).String(),
				From:             senderID,
				FromName:         senderName,
				SentAtSec:        now,
			}); err != nil {
				m.log.Debugf("error publishing message event to %s %#v", userID, err)
			}
		}
	})

	return &UserMessage{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Content:        msg.Content,
		Type:           msg.Type,
		AttachmentRef:  msg.AttachmentRef,
		AttachmentName: msg.AttachmentName,
		AttachmentMime: msg.AttachmentMime,
		ExpiresAtSec:   msg.ExpiresAtSec,
		CreatedAtSec:   msg.CreatedAtSec,
		DeliveredAtSec: &now,
		ReadAtSec:      &now,
	}, nil
}

// MarkRead sets read_at on the caller's copy. Marking an already-read
// message again is a no-op success.
func (m *Manager) MarkRead(messageID []byte, userID string) error {
	row, err := m.db.recipientRow(messageID, userID)
	if err != nil {
		return err
	}
	now := m.clock.CurrentTimeSec()
	if _, err := m.db.Tx.Exec(`
		UPDATE _message_recipients
		SET read_at_sec = COALESCE(read_at_sec, $1), delivered_at_sec = COALESCE(delivered_at_sec, $1)
		WHERE message_id = $2 AND user_id = $3`, now, messageID, userID); err != nil {
		return fmt.Errorf("messaging: error marking read: %w", err)
	}
	conv, err := m.roster.ConversationByID(row.ConversationID)
	if err != nil {
		return err
	}
	m.db.BeforeCommit(func() error {
		return m.invalidator.Invalidate(context.Background(), cache.ConversationTag(conv.UUID))
	})
	return nil
}

// MarkDeliveredOnFetch stamps delivered_at on any still-undelivered copies.
// First write wins; existing timestamps are never overwritten.
func (m *Manager) MarkDeliveredOnFetch(messageIDs [][]byte, userID string) error {
	return m.markDelivered(messageIDs, userID, m.clock.CurrentTimeSec())
}

func (m *Manager) markDelivered(messageIDs [][]byte, userID string, now uint64) error {
	if len(messageIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`
		UPDATE _message_recipients
		SET delivered_at_sec = ?
		WHERE user_id = ? AND delivered_at_sec IS NULL AND message_id IN (?)`, now, userID, messageIDs)
	if err != nil {
		return fmt.Errorf("messaging: error building delivery update: %w", err)
	}
	res, err := m.db.Tx.Exec(m.db.Tx.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("messaging: error marking delivered: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}

	query, args, err = sqlx.In(`
		SELECT DISTINCT c.uuid FROM _conversations c
		JOIN _messages g ON g.conversation_id = c.id
		WHERE g.id IN (?)`, messageIDs)
	if err != nil {
		return err
	}
	var uuids []string
	if err := m.db.Tx.Select(&uuids, m.db.Tx.Rebind(query), args...); err != nil {
		return err
	}
	tags := make([]string, 0, len(uuids))
	for _, u := range uuids {
		tags = append(tags, cache.ConversationTag(u))
	}
	m.db.BeforeCommit(func() error {
		return m.invalidator.Invalidate(context.Background(), tags...)
	})
	return nil
}

// MessagesForUser returns one page of the caller's copies in a conversation,
// newest first. Expired and retracted messages are filtered here, in the
// query itself; visibility never waits on the reaper. Undelivered rows in
// the page are stamped delivered before returning.
func (m *Manager) MessagesForUser(conversationUUID, userID string, beforeSec uint64, limit int) ([]*UserMessage, error) {
	conv, err := m.roster.ConversationByUUID(conversationUUID)
	if err != nil {
		return nil, err
	}
	isParticipant, err := m.roster.IsParticipant(conv.ID, userID)
	if err != nil {
		return nil, err
	}
	if !isParticipant {
		return nil, roster.ErrNotParticipant
	}

	if limit <= 0 {
		limit = m.config.PageSize
	}
	if beforeSec == 0 {
		beforeSec = ^uint64(0)
	}
	now := m.clock.CurrentTimeSec()
	messages := make([]*UserMessage, 0)
	if err := m.db.Tx.Select(&messages, `
		SELECT r.message_id, g.conversation_id, g.sender_id, g.sender_name, r.content, g.type,
			g.attachment_ref, g.attachment_name, g.attachment_mime, g.expires_at_sec, g.created_at_sec,
			r.delivered_at_sec, r.read_at_sec
		FROM _message_recipients r
		JOIN _messages g ON g.id = r.message_id
		WHERE r.user_id = $1 AND r.conversation_id = $2
		AND g.deleted = 0
		AND (g.expires_at_sec IS NULL OR g.expires_at_sec > $3)
		AND g.created_at_sec < $4
		ORDER BY g.created_at_sec DESC
		LIMIT $5`, userID, conv.ID, now, beforeSec, limit); err != nil {
		return nil, err
	}

	undelivered := make([][]byte, 0)
	for _, msg := range messages {
		if msg.DeliveredAtSec == nil {
			undelivered = append(undelivered, msg.MessageID)
		}
	}
	if err := m.markDelivered(undelivered, userID, now); err != nil {
		return nil, err
	}
	for _, msg := range messages {
		if msg.DeliveredAtSec == nil {
			t := now
			msg.DeliveredAtSec = &t
		}
	}
	return messages, nil
}

// UnreadCount counts visible unread copies for a user in a conversation.
func (m *Manager) UnreadCount(conversationID []byte, userID string) (int, error) {
	now := m.clock.CurrentTimeSec()
	var count int
	if err := m.db.Tx.Get(&count, `
		SELECT count(*) FROM _message_recipients r
		JOIN _messages g ON g.id = r.message_id
		WHERE r.user_id = $1 AND r.conversation_id = $2 AND r.read_at_sec IS NULL
		AND g.deleted = 0
		AND (g.expires_at_sec IS NULL OR g.expires_at_sec > $3)`, userID, conversationID, now); err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteForMe removes only the caller's copy of a message.
func (m *Manager) DeleteForMe(messageID []byte, userID string) error {
	row, err := m.db.recipientRow(messageID, userID)
	if err != nil {
		return err
	}
	if _, err := m.db.Tx.Exec("DELETE FROM _message_recipients WHERE message_id = $1 AND user_id = $2", messageID, userID); err != nil {
		return fmt.Errorf("messaging: error deleting copy: %w", err)
	}
	conv, err := m.roster.ConversationByID(row.ConversationID)
	if err != nil {
		return err
	}
	m.db.BeforeCommit(func() error {
		return m.invalidator.Invalidate(context.Background(), cache.ConversationTag(conv.UUID))
	})
	return nil
}

// Retract soft-deletes a message for everyone. Only the sender may do this;
// recipient rows stay but no read path returns the message any more.
func (m *Manager) Retract(messageID []byte, senderID string) error {
	msg, err := m.db.messageByID(messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != senderID {
		return roster.ErrNotParticipant
	}
	if _, err := m.db.Tx.Exec("UPDATE _messages SET deleted = 1 WHERE id = $1", messageID); err != nil {
		return fmt.Errorf("messaging: error retracting message: %w", err)
	}
	conv, err := m.roster.ConversationByID(msg.ConversationID)
	if err != nil {
		return err
	}
	m.db.BeforeCommit(func() error {
		return m.invalidator.Invalidate(context.Background(), cache.ConversationTag(conv.UUID))
	})
	return nil
}

// DeleteConversation hard-deletes every message and recipient row of a
// conversation. Used by group deletion, which cascades group, conversation
// and messages in one transaction.
func (m *Manager) DeleteConversation(conversationID []byte) error {
	if _, err := m.db.Tx.Exec("DELETE FROM _message_recipients WHERE conversation_id = $1", conversationID); err != nil {
		return fmt.Errorf("messaging: error deleting recipient rows: %w", err)
	}
	if _, err := m.db.Tx.Exec("DELETE FROM _messages WHERE conversation_id = $1", conversationID); err != nil {
		return fmt.Errorf("messaging: error deleting messages: %w", err)
	}
	return nil
}

func (m *Manager) resolveTarget(sender Sender, target Target) (*roster.Conversation, []*roster.Participant, error) {
	var conv *roster.Conversation
	var err error
	switch {
	case target.ConversationUUID != "":
		conv, err = m.roster.ConversationByUUID(target.ConversationUUID)
		if err != nil {
			return nil, nil, err
		}
		isParticipant, err := m.roster.IsParticipant(conv.ID, sender.ID())
		if err != nil {
			return nil, nil, err
		}
		if !isParticipant {
			return nil, nil, roster.ErrNotParticipant
		}
	case target.PeerUserID != "":
		conv, err = m.roster.IndividualConversation(sender.ID(), target.PeerUserID)
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("messaging: empty target")
	}

	participants, err := m.roster.Participants(conv.ID)
	if err != nil {
		return nil, nil, err
	}
	return conv, participants, nil
}

func (m *Manager) reap() error {
	return m.db.Run("reap expired messages", func() error {
		now := m.clock.CurrentTimeSec()
		if _, err := m.db.Tx.Exec("DELETE FROM _message_recipients WHERE message_id IN (SELECT id FROM _messages WHERE expires_at_sec IS NOT NULL AND expires_at_sec <= $1)", now); err != nil {
			return err
		}
		res, err := m.db.Tx.Exec("DELETE FROM _messages WHERE expires_at_sec IS NOT NULL AND expires_at_sec <= $1", now)
		if err != nil {
			return err
		}
		count, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if count != 0 {
			m.log.Debugf("reaped %d expired messages", count)
		}
		return nil
	})
}
