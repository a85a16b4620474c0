package transport

import (
	"database/sql"
	"fmt"
	"net/url"
	"sync"

	"github.com/meow-io/go-courier/config"
	db "github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/migration"
	"github.com/meow-io/go-courier/transport/heya"
	"github.com/meow-io/go-courier/transport/local"
	"go.uber.org/zap"
)

type registration struct {
	UserID string `db:"user_id"`
	URL    string `db:"url"`
	Token  []byte `db:"token"`
}

// Manager routes events to the backends a user's devices are registered
// against. In-process subscribers always receive events; heya registrations
// are durable and survive restarts.
type Manager struct {
	db     *db.Database
	config *config.Config
	log    *zap.SugaredLogger
	local  *local.Manager
	heya   *heya.Manager

	regLock       sync.RWMutex
	registrations map[string][]registration
}

func NewManager(c *config.Config, d *db.Database) (*Manager, error) {
	log := c.Logger("transport/manager")

	if err := d.Migrate("_transport", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _push_registrations (
						user_id STRING NOT NULL,
						url STRING NOT NULL,
						token BLOB,
						PRIMARY KEY(user_id, url)
					);
					CREATE INDEX push_registrations_user_idx on _push_registrations (user_id);
							`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	m := &Manager{
		db:            d,
		config:        c,
		log:           log,
		local:         local.NewManager(c),
		heya:          heya.NewManager(c),
		registrations: make(map[string][]registration),
	}

	return m, nil
}

func (m *Manager) Start() error {
	var regs []registration
	if err := m.db.Run("load push registrations", func() error {
		return m.db.Tx.Select(&regs, "SELECT user_id, url, token FROM _push_registrations")
	}); err != nil {
		return err
	}
	m.regLock.Lock()
	defer m.regLock.Unlock()
	for _, r := range regs {
		m.registrations[r.UserID] = append(m.registrations[r.UserID], r)
	}
	return nil
}

func (m *Manager) Shutdown() error {
	return m.heya.Shutdown()
}

// Local returns the in-process backend for direct subscription.
func (m *Manager) Local() *local.Manager {
	return m.local
}

// RegisterDevice records a push endpoint for a user. It must be called inside
// a transaction; the in-memory routing table is updated only after commit.
func (m *Manager) RegisterDevice(userID, u string, token []byte) error {
	p, err := url.Parse(u)
	if err != nil {
		return fmt.Errorf("transport: error parsing %s: %w", u, err)
	}
	if p.Scheme != heya.Scheme {
		return fmt.Errorf("transport: unsupported scheme %s", p.Scheme)
	}
	if _, err := m.db.Tx.Exec("INSERT INTO _push_registrations (user_id, url, token) VALUES ($1, $2, $3) ON CONFLICT(user_id, url) DO UPDATE SET token = $3", userID, u, token); err != nil {
		return fmt.Errorf("transport: error inserting registration: %w", err)
	}
	m.db.AfterCommit(func() {
		m.regLock.Lock()
		defer m.regLock.Unlock()
		regs := m.registrations[userID]
		for i := range regs {
			if regs[i].URL == u {
				regs[i].Token = token
				return
			}
		}
		m.registrations[userID] = append(regs, registration{userID, u, token})
	})
	return nil
}

// DeregisterDevice removes a push endpoint. It must be called inside a
// transaction.
func (m *Manager) DeregisterDevice(userID, u string) error {
	if _, err := m.db.Tx.Exec("DELETE FROM _push_registrations WHERE user_id = $1 AND url = $2", userID, u); err != nil {
		return fmt.Errorf("transport: error deleting registration: %w", err)
	}
	m.db.AfterCommit(func() {
		m.regLock.Lock()
		defer m.regLock.Unlock()
		regs := m.registrations[userID][:0]
		for _, r := range m.registrations[userID] {
			if r.URL != u {
				regs = append(regs, r)
			}
		}
		m.registrations[userID] = regs
	})
	return nil
}

// Publish hands an event to every backend registered for userID. Backend
// failures are logged and swallowed; there is no delivery guarantee here.
func (m *Manager) Publish(userID string, event *Event) error {
	body, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("transport: error marshaling event: %w", err)
	}

	m.local.Send(userID, body)

	m.regLock.RLock()
	regs := make([]registration, len(m.registrations[userID]))
	copy(regs, m.registrations[userID])
	m.regLock.RUnlock()

	for _, r := range regs {
		if err := m.heya.Send(r.URL, r.Token, body); err != nil {
			m.log.Debugf("error publishing to %s for %s: %#v", r.URL, userID, err)
		}
	}
	return nil
}
