package battery

import "sync"

// Store holds the current snapshot of one device. There is a single writer
// (the collector) and any number of readers.
type Store struct {
	mu      sync.RWMutex
	current *Snapshot
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Replace installs snap as the current snapshot. A nil snap is ignored.
func (s *Store) Replace(snap *Snapshot) {
	if snap == nil {
		return
	}
	s.mu.Lock()
	s.current = snap
	s.mu.Unlock()
}

// Current returns the current snapshot or ErrNotInitialized.
func (s *Store) Current() (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, ErrNotInitialized
	}
	return s.current, nil
}

// Metrics derives fresh metrics from the current snapshot.
func (s *Store) Metrics() (*Metrics, error) {
	snap, err := s.Current()
	if err != nil {
		return nil, err
	}
	return Derive(snap), nil
}

// Initialized reports whether a snapshot has been installed.
func (s *Store) Initialized() bool {
	_, err := s.Current()
	return err == nil
}
