// This package defines a tag-scoped cache for read-heavy projections such as
// conversation lists and group rosters. Mutating subsystems only ever see the
// Invalidator interface; they name tags and know nothing about cache mechanics.
package cache

import (
	"context"
	"fmt"
)

// A cache entry is keyed by what it is a projection of and which page of it.
type Key struct {
	Purpose string
	Subject string
	Page    int
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%d", k.Purpose, k.Subject, k.Page)
}

type Invalidator interface {
	Invalidate(ctx context.Context, tags ...string) error
}

type Cache interface {
	Invalidator
	Put(ctx context.Context, key Key, tags []string, value []byte) error
	Get(ctx context.Context, key Key) ([]byte, bool, error)
}

func UserConversationsTag(userID string) string {
	return fmt.Sprintf("user:%s:conversations", userID)
}

func ConversationTag(uuid string) string {
	return fmt.Sprintf("conversation:%s:details", uuid)
}

func GroupTag(uuid string) string {
	return fmt.Sprintf("group:%s:details", uuid)
}

func GroupMembersTag(uuid string) string {
	return fmt.Sprintf("group:%s:members", uuid)
}
