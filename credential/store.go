package credential

import (
	"sync"
	"sync/atomic"
)

// Source is what a presentment reads credentials from.
type Source interface {
	Credentials() ([]*Credential, error)
	// IncrementUsage records one presentation of the credential and returns
	// the new count.
	IncrementUsage(id string) (int64, error)
}

// Store is a Source that can also be written to.
type Store interface {
	Source
	Get(id string) (*Credential, error)
	Put(c *Credential) error
	Delete(id string) error
	UsageCount(id string) (int64, error)
}

// MemoryStore keeps credentials in insertion order.
type MemoryStore struct {
	mu     sync.RWMutex
	order  []string
	creds  map[string]*Credential
	usages map[string]*atomic.Int64
}

func NewMemoryStore(creds ...*Credential) *MemoryStore {
	s := &MemoryStore{
		creds:  make(map[string]*Credential),
		usages: make(map[string]*atomic.Int64),
	}
	for _, c := range creds {
		_ = s.Put(c)
	}
	return s
}

func (s *MemoryStore) Credentials() ([]*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Credential, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.creds[id])
	}
	return out, nil
}

func (s *MemoryStore) Get(id string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.creds[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) Put(c *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.creds[c.ID]; !ok {
		s.order = append(s.order, c.ID)
		s.usages[c.ID] = new(atomic.Int64)
	}
	s.creds[c.ID] = c
	return nil
}

func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.creds[id]; !ok {
		return ErrNotFound
	}
	delete(s.creds, id)
	delete(s.usages, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) IncrementUsage(id string) (int64, error) {
	s.mu.RLock()
	counter, ok := s.usages[id]
	s.mu.RUnlock()
	if !ok {
		return 0, ErrNotFound
	}
	return counter.Add(1), nil
}

func (s *MemoryStore) UsageCount(id string) (int64, error) {
	s.mu.RLock()
	counter, ok := s.usages[id]
	s.mu.RUnlock()
	if !ok {
		return 0, ErrNotFound
	}
	return counter.Load(), nil
}
