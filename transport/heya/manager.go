// A push backend using heya servers. Each registration carries a send token
// minted by the recipient's device; courier only ever submits bodies against
// those tokens.
package heya

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/heya/client"
	"go.uber.org/zap"
)

const (
	Scheme      = "heya"
	DefaultPort = 8337
	sendTimeout = 5 * time.Second
)

type hostPort struct {
	host string
	port int
}

type Manager struct {
	config  *config.Config
	log     *zap.SugaredLogger
	lock    sync.Mutex
	clients map[hostPort]*client.Client
}

func NewManager(c *config.Config) *Manager {
	return &Manager{
		config:  c,
		log:     c.Logger("transport/heya"),
		clients: make(map[hostPort]*client.Client),
	}
}

// Send submits body against a send token at the heya server named by u,
// a heya://host:port url. Connections are made lazily and reused.
func (m *Manager) Send(u string, sendToken, body []byte) error {
	hp, err := parseURL(u)
	if err != nil {
		return err
	}
	c, err := m.clientFor(hp)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return c.Send(ctx, sendToken, body)
}

func (m *Manager) Ping(ctx context.Context, host string, port int) error {
	c, err := m.clientFor(hostPort{host, port})
	if err != nil {
		return err
	}
	return c.Ping(ctx)
}

func (m *Manager) Shutdown() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	for hp, c := range m.clients {
		c.CloseWithoutReconnect()
		delete(m.clients, hp)
	}
	return nil
}

func (m *Manager) clientFor(hp hostPort) (*client.Client, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if c, ok := m.clients[hp]; ok {
		return c, nil
	}
	c, err := client.NewClient(&client.Config{
		Host:      hp.host,
		Port:      hp.port,
		Reconnect: true,
		Ping:      true,
		Debug:     m.config.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("heya: error making client for %s:%d: %w", hp.host, hp.port, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("heya: error connecting to %s:%d: %w", hp.host, hp.port, err)
	}
	m.clients[hp] = c
	return c, nil
}

func parseURL(u string) (hostPort, error) {
	p, err := url.Parse(u)
	if err != nil {
		return hostPort{}, err
	}
	if p.Scheme != Scheme {
		return hostPort{}, fmt.Errorf("heya: unexpected scheme %s", p.Scheme)
	}
	port := DefaultPort
	if p.Port() != "" {
		pi, err := strconv.ParseInt(p.Port(), 10, 64)
		if err != nil {
			return hostPort{}, err
		}
		port = int(pi)
	}
	return hostPort{p.Hostname(), port}, nil
}
