// Package quotes holds the latest quote per symbol, merged from the stream
// and from REST snapshots.
package quotes

import (
	"sort"
	"sync"

	"github.com/rewired-gh/quotesync/internal/events"
	"github.com/rewired-gh/quotesync/internal/models"
)

// Store maps symbol to its latest quote. Writes are last-write-wins by
// arrival order; there is no timestamp-based reordering.
type Store struct {
	mu      sync.RWMutex
	quotes  map[string]models.Quote
	updates *events.Bus[models.Quote]
}

func NewStore() *Store {
	return &Store{
		quotes:  make(map[string]models.Quote),
		updates: events.NewBus[models.Quote](),
	}
}

// Apply replaces the stored quote for symbol unconditionally.
func (s *Store) Apply(symbol string, q models.Quote) {
	q.Symbol = symbol

	s.mu.Lock()
	s.quotes[symbol] = q
	s.mu.Unlock()

	s.updates.Publish(q)
}

// SnapshotMerge overwrites the stored value of every symbol present in qs and
// leaves other symbols untouched. The whole batch is applied under one lock.
func (s *Store) SnapshotMerge(qs []models.Quote) {
	s.mu.Lock()
	for _, q := range qs {
		s.quotes[q.Symbol] = q
	}
	s.mu.Unlock()

	for _, q := range qs {
		s.updates.Publish(q)
	}
}

// Get returns the latest quote for symbol.
func (s *Store) Get(symbol string) (models.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbol]
	return q, ok
}

// GetAll returns a consistent copy of every stored quote, sorted by symbol.
func (s *Store) GetAll() []models.Quote {
	s.mu.RLock()
	out := make([]models.Quote, 0, len(s.quotes))
	for _, q := range s.quotes {
		out = append(out, q)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Remove forgets symbol. Removing an absent symbol is a no-op.
func (s *Store) Remove(symbol string) {
	s.mu.Lock()
	delete(s.quotes, symbol)
	s.mu.Unlock()
}

// Len returns the number of stored symbols.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.quotes)
}

// Subscribe streams every applied quote.
func (s *Store) Subscribe(buffer int) (<-chan models.Quote, func()) {
	return s.updates.Subscribe(buffer)
}

// Close releases subscribers.
func (s *Store) Close() {
	s.updates.Close()
}
