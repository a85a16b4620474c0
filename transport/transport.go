// This package relays transient events to the devices of individual users.
// Delivery is best-effort; nothing here participates in a database
// transaction and nothing is ever retried or queued.
package transport

import "encoding/json"

const (
	KindMessage = "message"
	KindTyping  = "typing"
	KindRoster  = "roster"
)

// Event is the wire form of a push signal. The body of a message is never
// included; recipients fetch their own encrypted copy.
type Event struct {
	Kind             string `json:"kind"`
	ConversationUUID string `json:"conversation_uuid,omitempty"`
	GroupUUID        string `json:"group_uuid,omitempty"`
	MessageID        string `json:"message_id,omitempty"`
	From             string `json:"from,omitempty"`
	FromName         string `json:"from_name,omitempty"`
	Typing           bool   `json:"typing,omitempty"`
	SentAtSec        uint64 `json:"sent_at_sec,omitempty"`
}

func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func UnmarshalEvent(b []byte) (*Event, error) {
	e := &Event{}
	if err := json.Unmarshal(b, e); err != nil {
		return nil, err
	}
	return e, nil
}

type Publisher interface {
	Publish(userID string, event *Event) error
}
