// This package provides a high-level interface to the Courier implementation.
// It provides functions for sending encrypted messages to individual and
// group conversations, tracking delivery and read state, and managing group
// rosters, on top of an encrypted local database.
package courier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/meow-io/go-courier/cache"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/messaging"
	"github.com/meow-io/go-courier/presence"
	"github.com/meow-io/go-courier/roster"
	"github.com/meow-io/go-courier/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// Constants for application state.
	StateNew = iota
	StateInitialized
	StateRunning
	StateClosing
	StateClosed
)

// Message and conversation types, re-exported for callers.
const (
	TypeText          = messaging.TypeText
	TypeImage         = messaging.TypeImage
	TypeFile          = messaging.TypeFile
	TypeEphemeralText = messaging.TypeEphemeralText

	RoleMember = roster.RoleMember
	RoleAdmin  = roster.RoleAdmin
)

// Sentinel errors, re-exported for callers.
var (
	ErrNotFound        = roster.ErrNotFound
	ErrNotParticipant  = roster.ErrNotParticipant
	ErrNotMember       = roster.ErrNotMember
	ErrNotAdmin        = roster.ErrNotAdmin
	ErrAlreadyMember   = roster.ErrAlreadyMember
	ErrLastAdmin       = roster.ErrLastAdmin
	ErrUnknownUser     = roster.ErrUnknownUser
	ErrFeatureDisabled = messaging.ErrFeatureDisabled
)

// An event indicating a change in the state of Courier.
type AppState struct {
	State int
}

// BlobStore holds encrypted attachment bytes outside the core. Courier
// stores only the opaque references it returns.
type BlobStore interface {
	Put(ownerID string, b []byte) (string, error)
	Get(ref string) ([]byte, error)
}

type sender struct {
	id   string
	name string
}

func (s *sender) ID() string          { return s.id }
func (s *sender) DisplayName() string { return s.name }

type Courier struct {
	DB         *db.Database
	config     *config.Config
	log        *zap.SugaredLogger
	state      int
	clock      clock.Clock
	identity   roster.Identity
	blobs      BlobStore
	cache      cache.Cache
	roster     *roster.Manager
	messaging  *messaging.Manager
	presence   *presence.Broadcaster
	transport  *transport.Manager
	updates    chan interface{}
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

// Create a courier instance. The identity source resolves user IDs to
// display names and decides which users exist.
func NewCourier(c *config.Config, identity roster.Identity) (*Courier, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making courier, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	cl := clock.NewSystemClock()
	database, err := db.NewDatabase(c, cl, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}

	return &Courier{
		DB:       database,
		config:   c,
		log:      log,
		state:    state,
		clock:    cl,
		identity: identity,
		updates:  make(chan interface{}, 100),
	}, nil
}

// Makes a key from a password.
func (s *Courier) NewKey(password string) ([]byte, error) {
	return newKey(password, s.config.RootDir, "salt")
}

// SetBlobStore attaches the external store for attachment bytes. Without
// one, attachment uploads are rejected.
func (s *Courier) SetBlobStore(bs BlobStore) {
	s.blobs = bs
}

// Gets various updates which must be dealt with. This will produce
// *AppState, *roster.Update or *messaging.MessageUpdate values.
func (s *Courier) Updates() chan interface{} {
	return s.updates
}

// Returns true if courier is in NEW state.
func (s *Courier) New() bool {
	return s.state == StateNew
}

// Returns true if courier is in INITIALIZED state.
func (s *Courier) Initialized() bool {
	return s.state == StateInitialized
}

// Returns true if courier is in RUNNING state.
func (s *Courier) Running() bool {
	return s.state == StateRunning
}

// Initialize courier with a given key.
func (s *Courier) Initialize(key []byte) error {
	if s.state != StateNew {
		return errors.New("cannot initialize unless in state new")
	}
	if err := s.DB.Initialize(key); err != nil {
		return err
	}
	s.setState(StateInitialized)
	return s.Open(key)
}

// Open an existing courier with a given key.
func (s *Courier) Open(key []byte) error {
	if s.state != StateInitialized {
		return errors.New("cannot open unless in state initialized")
	}

	if err := s.DB.Open(key); err != nil {
		return err
	}

	if s.config.RedisAddr != "" {
		s.cache = cache.NewRedis(s.config, &redis.Options{Addr: s.config.RedisAddr})
	} else {
		s.cache = cache.NewMemory(s.config)
	}

	if err := s.DB.Lock("initializing subsystems", func() error {
		transportManager, err := transport.NewManager(s.config, s.DB)
		if err != nil {
			return err
		}
		s.transport = transportManager
		rosterManager, err := roster.NewManager(s.config, s.DB, s.clock, s.identity, s.cache, s.transport)
		if err != nil {
			return err
		}
		s.roster = rosterManager
		messagingManager, err := messaging.NewManager(s.config, s.DB, s.clock, s.roster, s.cache, s.transport)
		if err != nil {
			return err
		}
		s.messaging = messagingManager
		s.presence = presence.NewBroadcaster(s.config, s.roster, s.transport)
		return nil
	}); err != nil {
		return err
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	s.cancelFunc = cancelFunc
	if err := s.transport.Start(); err != nil {
		return err
	}
	if err := s.messaging.Start(); err != nil {
		return err
	}

	s.setState(StateRunning)
	s.startUpdatePassing(ctx)
	return nil
}

// Gracefully stop an existing courier instance.
func (s *Courier) Shutdown() error {
	if s.state != StateRunning {
		return nil
	}
	// try to clean up memory after a shutdown
	defer runtime.GC()

	errs := make([]string, 0)
	s.cancelFunc()
	s.finished.Wait()

	if err := s.messaging.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := s.transport.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := s.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %s", strings.Join(errs, ", "))
	}

	s.cancelFunc = nil
	s.messaging = nil
	s.presence = nil
	s.transport = nil
	s.roster = nil

	s.setState(StateInitialized)

	close(s.updates)
	s.updates = make(chan interface{}, 100)

	return nil
}

// Send fans a message out to every participant of the target conversation
// from a map of per-recipient ciphertexts. The whole fan-out commits
// atomically or not at all.
func (s *Courier) Send(userID string, target messaging.Target, ciphertexts map[string][]byte, typ int, attachment *messaging.AttachmentRef, ttl time.Duration) (*messaging.UserMessage, error) {
	snd, err := s.sender(userID)
	if err != nil {
		return nil, err
	}
	var msg *messaging.UserMessage
	return msg, s.DB.Run("send message", func() error {
		var err error
		msg, err = s.messaging.Send(snd, target, ciphertexts, typ, attachment, ttl)
		return err
	})
}

// MarkRead marks the caller's copy of a message read. Repeated calls are
// no-op successes.
func (s *Courier) MarkRead(userID string, messageID []byte) error {
	return s.DB.Run("mark read", func() error {
		return s.messaging.MarkRead(messageID, userID)
	})
}

// Messages returns one page of a conversation for a user, newest first.
// Pass beforeSec = 0 for the most recent page. Fetching a page marks its
// undelivered messages delivered.
func (s *Courier) Messages(userID, conversationUUID string, beforeSec uint64, limit int) ([]*messaging.UserMessage, error) {
	key := cache.Key{Purpose: "messages", Subject: fmt.Sprintf("%s:%s", conversationUUID, userID)}
	firstPage := beforeSec == 0 && limit == 0
	ctx := context.Background()
	if firstPage {
		var msgs []*messaging.UserMessage
		if hit, err := s.cacheGet(ctx, key, &msgs); err != nil {
			s.log.Warnf("error reading message cache %#v", err)
		} else if hit {
			return msgs, nil
		}
	}

	var msgs []*messaging.UserMessage
	if err := s.DB.Run("get messages", func() error {
		var err error
		msgs, err = s.messaging.MessagesForUser(conversationUUID, userID, beforeSec, limit)
		return err
	}); err != nil {
		return nil, err
	}

	if firstPage {
		s.cachePut(ctx, key, []string{cache.ConversationTag(conversationUUID)}, msgs)
	}
	return msgs, nil
}

// Conversations returns a user's conversations, most recently active first.
func (s *Courier) Conversations(userID string) ([]*roster.Conversation, error) {
	key := cache.Key{Purpose: "conversations", Subject: userID}
	ctx := context.Background()
	var convs []*roster.Conversation
	if hit, err := s.cacheGet(ctx, key, &convs); err != nil {
		s.log.Warnf("error reading conversation cache %#v", err)
	} else if hit {
		return convs, nil
	}

	if err := s.DB.RunReadOnly("get conversations", func() error {
		var err error
		convs, err = s.roster.ConversationsForUser(userID)
		return err
	}); err != nil {
		return nil, err
	}

	s.cachePut(ctx, key, []string{cache.UserConversationsTag(userID)}, convs)
	return convs, nil
}

// UnreadCount returns the number of visible unread messages a user has in
// a conversation.
func (s *Courier) UnreadCount(userID, conversationUUID string) (int, error) {
	var count int
	return count, s.DB.RunReadOnly("get unread count", func() error {
		conv, err := s.roster.ConversationByUUID(conversationUUID)
		if err != nil {
			return err
		}
		count, err = s.messaging.UnreadCount(conv.ID, userID)
		return err
	})
}

// MarkDelivered stamps delivery on any still-undelivered copies of the
// listed messages for a user. Existing timestamps are never overwritten.
func (s *Courier) MarkDelivered(userID string, messageIDs [][]byte) error {
	return s.DB.Run("mark delivered", func() error {
		return s.messaging.MarkDeliveredOnFetch(messageIDs, userID)
	})
}

// PutAttachment stores encrypted attachment bytes with the external blob
// store and returns the reference to send with an image or file message.
func (s *Courier) PutAttachment(ownerID, name, mime string, b []byte) (*messaging.AttachmentRef, error) {
	if !s.config.Attachments {
		return nil, fmt.Errorf("courier: attachments: %w", ErrFeatureDisabled)
	}
	if s.blobs == nil {
		return nil, fmt.Errorf("courier: no blob store configured")
	}
	ref, err := s.blobs.Put(ownerID, b)
	if err != nil {
		return nil, fmt.Errorf("courier: error storing attachment: %w", err)
	}
	return &messaging.AttachmentRef{Ref: ref, Name: name, Mime: mime}, nil
}

// GetAttachment fetches attachment bytes back from the blob store.
func (s *Courier) GetAttachment(ref string) ([]byte, error) {
	if s.blobs == nil {
		return nil, fmt.Errorf("courier: no blob store configured")
	}
	return s.blobs.Get(ref)
}

// DeleteForMe removes only the caller's copy of a message.
func (s *Courier) DeleteForMe(userID string, messageID []byte) error {
	return s.DB.Run("delete for me", func() error {
		return s.messaging.DeleteForMe(messageID, userID)
	})
}

// Retract soft-deletes a message for every participant. Only the sender
// may retract.
func (s *Courier) Retract(userID string, messageID []byte) error {
	return s.DB.Run("retract message", func() error {
		return s.messaging.Retract(messageID, userID)
	})
}

// SetTyping broadcasts a typing state change to the other participants of
// a conversation. Nothing is persisted.
func (s *Courier) SetTyping(userID, conversationUUID string, typing bool) error {
	snd, err := s.sender(userID)
	if err != nil {
		return err
	}
	return s.DB.Run("set typing", func() error {
		return s.presence.SetTyping(snd.id, snd.name, conversationUUID, typing)
	})
}

// CreateGroup creates a group and its mirrored conversation. The creator
// becomes the sole admin; initial members join as regular members.
func (s *Courier) CreateGroup(userID, name, description string, memberIDs []string) (*roster.Group, error) {
	var g *roster.Group
	return g, s.DB.Run("create group", func() error {
		var err error
		g, err = s.roster.CreateGroup(userID, name, description, memberIDs)
		return err
	})
}

// Group returns a group by its public handle.
func (s *Courier) Group(groupUUID string) (*roster.Group, error) {
	var g *roster.Group
	return g, s.DB.RunReadOnly("get group", func() error {
		var err error
		g, err = s.roster.Group(groupUUID)
		return err
	})
}

// Members returns a group's membership.
func (s *Courier) Members(groupUUID string) ([]*roster.GroupMember, error) {
	var members []*roster.GroupMember
	return members, s.DB.RunReadOnly("get members", func() error {
		var err error
		members, err = s.roster.Members(groupUUID)
		return err
	})
}

// AddMember adds a user to a group. The actor must be an admin.
func (s *Courier) AddMember(userID, groupUUID, memberID string) error {
	return s.DB.Run("add member", func() error {
		return s.roster.AddMember(userID, groupUUID, memberID)
	})
}

// RemoveMember removes a user from a group. Members may remove themselves;
// removing anyone else requires admin. A group can never lose its last
// admin.
func (s *Courier) RemoveMember(userID, groupUUID, memberID string) error {
	return s.DB.Run("remove member", func() error {
		return s.roster.RemoveMember(userID, groupUUID, memberID)
	})
}

// SetRole changes a member's role. Demoting the last admin fails.
func (s *Courier) SetRole(userID, groupUUID, memberID string, role int) error {
	return s.DB.Run("set role", func() error {
		return s.roster.SetRole(userID, groupUUID, memberID, role)
	})
}

// DeleteGroup deletes a group along with its conversation and every
// message in it, in one transaction. The actor must be an admin.
func (s *Courier) DeleteGroup(userID, groupUUID string) error {
	return s.DB.Run("delete group", func() error {
		g, err := s.roster.Group(groupUUID)
		if err != nil {
			return err
		}
		if err := s.messaging.DeleteConversation(g.ConversationID); err != nil {
			return err
		}
		_, err = s.roster.DeleteGroup(userID, groupUUID)
		return err
	})
}

// Vacuum compacts the underlying database. Worth running after a large
// reap or a group deletion.
func (s *Courier) Vacuum() error {
	return s.DB.Vacuum()
}

// RegisterDevice registers a push destination for a user. Messages fanned
// out to the user are announced there until it is deregistered.
func (s *Courier) RegisterDevice(userID, url string, token []byte) error {
	return s.DB.Run("register device", func() error {
		return s.transport.RegisterDevice(userID, url, token)
	})
}

// DeregisterDevice removes a push destination for a user.
func (s *Courier) DeregisterDevice(userID, url string) error {
	return s.DB.Run("deregister device", func() error {
		return s.transport.DeregisterDevice(userID, url)
	})
}

// Subscribe returns a channel of in-process event payloads for a user.
func (s *Courier) Subscribe(userID string) chan []byte {
	return s.transport.Local().Subscribe(userID)
}

// Unsubscribe releases a channel returned by Subscribe.
func (s *Courier) Unsubscribe(userID string) {
	s.transport.Local().Unsubscribe(userID)
}

func (s *Courier) sender(userID string) (*sender, error) {
	info, err := s.identity.Lookup(userID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, roster.ErrUnknownUser
	}
	return &sender{id: info.ID, name: info.DisplayName}, nil
}

func (s *Courier) cacheGet(ctx context.Context, key cache.Key, target interface{}) (bool, error) {
	b, ok, err := s.cache.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, target); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Courier) cachePut(ctx context.Context, key cache.Key, tags []string, value interface{}) {
	b, err := json.Marshal(value)
	if err != nil {
		s.log.Warnf("error encoding cache value %#v", err)
		return
	}
	if err := s.cache.Put(ctx, key, tags, b); err != nil {
		s.log.Warnf("error writing cache %#v", err)
	}
}

func (s *Courier) setState(state int) {
	s.state = state
	select {
	case s.updates <- &AppState{state}:
	default:
		s.log.Debugf("dropping app state update, channel full")
	}
}

func (s *Courier) startUpdatePassing(ctx context.Context) {
	forward := func(in chan interface{}) {
		defer s.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-in:
				select {
				case s.updates <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}
	s.finished.Add(2)
	go forward(s.roster.Updates())
	go forward(s.messaging.Updates())
}
