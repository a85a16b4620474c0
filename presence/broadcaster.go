// Typing indicators. These are fire-and-forget: nothing is persisted and a
// transport failure never surfaces to the caller.
package presence

import (
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/roster"
	"github.com/meow-io/go-courier/transport"
	"go.uber.org/zap"
)

type Broadcaster struct {
	log    *zap.SugaredLogger
	roster *roster.Manager
	pub    transport.Publisher
}

func NewBroadcaster(c *config.Config, r *roster.Manager, pub transport.Publisher) *Broadcaster {
	return &Broadcaster{
		log:    c.Logger("presence"),
		roster: r,
		pub:    pub,
	}
}

// SetTyping broadcasts a typing state change to every other participant of
// a conversation. The caller must be a participant; beyond that this always
// succeeds.
func (b *Broadcaster) SetTyping(userID, userName, conversationUUID string, typing bool) error {
	conv, err := b.roster.ConversationByUUID(conversationUUID)
	if err != nil {
		return err
	}
	isParticipant, err := b.roster.IsParticipant(conv.ID, userID)
	if err != nil {
		return err
	}
	if !isParticipant {
		return roster.ErrNotParticipant
	}
	participants, err := b.roster.Participants(conv.ID)
	if err != nil {
		return err
	}

	if b.pub == nil {
		return nil
	}
	for _, p := range participants {
		if p.UserID == userID {
			continue
		}
		if err := b.pub.Publish(p.UserID, &transport.Event{
			Kind:             transport.KindTyping,
			ConversationUUID: conversationUUID,
			From:             userID,
			FromName:         userName,
			Typing:           typing,
		}); err != nil {
			b.log.Debugf("error publishing typing event to %s %#v", p.UserID, err)
		}
	}
	return nil
}
