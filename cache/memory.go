package cache

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/meow-io/go-courier/config"
	"go.uber.org/zap"
)

type shard struct {
	lock    sync.Mutex
	entries map[string][]byte
	byTag   map[string]map[string]bool
	tags    map[string][]string
}

// Memory is an in-process sharded implementation of Cache, suitable for tests
// and single-node deployments.
type Memory struct {
	log    *zap.SugaredLogger
	shards []*shard
}

func NewMemory(c *config.Config) *Memory {
	count := c.CacheShards
	if count < 1 {
		count = 1
	}
	shards := make([]*shard, count)
	for i := range shards {
		shards[i] = &shard{
			entries: make(map[string][]byte),
			byTag:   make(map[string]map[string]bool),
			tags:    make(map[string][]string),
		}
	}
	return &Memory{
		log:    c.Logger("cache/memory"),
		shards: shards,
	}
}

func (m *Memory) Put(_ context.Context, key Key, tags []string, value []byte) error {
	k := key.String()
	s := m.shardFor(k)
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, tag := range s.tags[k] {
		delete(s.byTag[tag], k)
	}
	s.entries[k] = value
	s.tags[k] = tags
	for _, tag := range tags {
		if s.byTag[tag] == nil {
			s.byTag[tag] = make(map[string]bool)
		}
		s.byTag[tag][k] = true
	}
	return nil
}

func (m *Memory) Get(_ context.Context, key Key) ([]byte, bool, error) {
	k := key.String()
	s := m.shardFor(k)
	s.lock.Lock()
	defer s.lock.Unlock()
	v, ok := s.entries[k]
	return v, ok, nil
}

func (m *Memory) Invalidate(_ context.Context, tags ...string) error {
	// every shard may hold keys for a given tag
	for _, s := range m.shards {
		s.lock.Lock()
		for _, tag := range tags {
			for k := range s.byTag[tag] {
				m.evict(s, k)
			}
			delete(s.byTag, tag)
		}
		s.lock.Unlock()
	}
	m.log.Debugf("invalidated tags %v", tags)
	return nil
}

func (m *Memory) evict(s *shard, k string) {
	for _, tag := range s.tags[k] {
		delete(s.byTag[tag], k)
	}
	delete(s.tags, k)
	delete(s.entries, k)
}

func (m *Memory) shardFor(k string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}
