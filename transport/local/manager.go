// An in-process transport which hands event bodies to subscribed channels.
// Used by tests and by applications embedding courier directly.
package local

import (
	"sync"

	"github.com/meow-io/go-courier/config"
	"go.uber.org/zap"
)

const Scheme = "mem"

type Manager struct {
	log         *zap.SugaredLogger
	lock        sync.RWMutex
	subscribers map[string]chan []byte
}

func NewManager(c *config.Config) *Manager {
	return &Manager{
		log:         c.Logger("transport/local"),
		subscribers: make(map[string]chan []byte),
	}
}

// Subscribe returns the channel event bodies for userID are delivered on.
func (m *Manager) Subscribe(userID string) chan []byte {
	m.lock.Lock()
	defer m.lock.Unlock()
	if ch, ok := m.subscribers[userID]; ok {
		return ch
	}
	ch := make(chan []byte, 100)
	m.subscribers[userID] = ch
	return ch
}

func (m *Manager) Unsubscribe(userID string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.subscribers, userID)
}

func (m *Manager) Send(userID string, body []byte) {
	m.lock.RLock()
	ch, ok := m.subscribers[userID]
	m.lock.RUnlock()
	if !ok {
		return
	}
	select {
	case ch <- body:
	default:
		m.log.Debugf("dropping event for %s: channel full", userID)
	}
}
