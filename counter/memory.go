package counter

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore keeps counters in process memory. Useful for tests and
// single-process runs where counts need not survive a restart.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]int64
	fail   error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]int64)}
}

func (s *MemoryStore) IncrBy(ctx context.Context, name string, by int64) (int64, error) {
	if err := checkName(name); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return 0, unavailable("incrby", name, s.fail)
	}
	s.values[name] += by
	return s.values[name], nil
}

func (s *MemoryStore) Exchange(ctx context.Context, name string, value int64) (int64, error) {
	if err := checkName(name); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return 0, unavailable("exchange", name, s.fail)
	}
	prev := s.values[name]
	s.values[name] = value
	return prev, nil
}

func (s *MemoryStore) GetAll(ctx context.Context, prefix string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, unavailable("getall", prefix, s.fail)
	}
	out := make(map[string]int64)
	for k, v := range s.values {
		if strings.HasPrefix(k, prefix) {
			out[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return out, nil
}

func (s *MemoryStore) Reset(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return unavailable("reset", name, s.fail)
	}
	delete(s.values, name)
	return nil
}

// SetFail makes every following operation fail with err (nil restores).
func (s *MemoryStore) SetFail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *MemoryStore) Close() error { return nil }
