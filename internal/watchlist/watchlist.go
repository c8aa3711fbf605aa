// Package watchlist owns the user's ordered list of symbols and keeps the
// stream subscription set equal to it.
package watchlist

import (
	"errors"
	"sync"

	"github.com/rewired-gh/quotesync/internal/logger"
	"github.com/rewired-gh/quotesync/internal/models"
)

// ErrInvalidSymbol is returned for a symbol that is empty after normalization.
var ErrInvalidSymbol = errors.New("invalid symbol")

// Subscriber is the part of the stream manager the watchlist drives.
type Subscriber interface {
	Subscribe(symbol string)
	Unsubscribe(symbol string)
}

// Persister loads and saves the ordered list.
type Persister interface {
	LoadWatchlist() ([]models.WatchlistEntry, bool, error)
	SaveWatchlist(entries []models.WatchlistEntry) error
}

// QuoteSource supplies the latest quote for each entry.
type QuoteSource interface {
	Get(symbol string) (models.Quote, bool)
	Remove(symbol string)
}

// Watchlist is safe for concurrent use.
type Watchlist struct {
	persist Persister
	quotes  QuoteSource
	subs    Subscriber

	mu      sync.Mutex
	entries []models.WatchlistEntry
}

func New(persist Persister, quotes QuoteSource, subs Subscriber) *Watchlist {
	return &Watchlist{persist: persist, quotes: quotes, subs: subs}
}

// Load restores the saved list, or seeds it from defaults when nothing was
// ever saved or the saved list cannot be read. Every loaded symbol is
// subscribed.
func (w *Watchlist) Load(defaults []string) {
	saved, ok, err := w.persist.LoadWatchlist()
	if err != nil {
		logger.Debug("Failed to load watchlist, using defaults: %v", err)
		ok = false
	}

	var entries []models.WatchlistEntry
	if ok {
		entries = saved
	} else {
		for _, s := range defaults {
			entries = append(entries, models.WatchlistEntry{Symbol: s})
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = w.entries[:0]
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		e.Symbol = models.NormalizeSymbol(e.Symbol)
		if e.Symbol == "" || seen[e.Symbol] {
			continue
		}
		seen[e.Symbol] = true
		e.LastQuote = nil
		w.entries = append(w.entries, e)
		w.subs.Subscribe(e.Symbol)
	}
	logger.Info("Watchlist loaded with %d symbols", len(w.entries))
}

// Add appends symbol. Adding a symbol already present only updates its
// display name when one is given.
func (w *Watchlist) Add(symbol, displayName string) error {
	symbol = models.NormalizeSymbol(symbol)
	if symbol == "" {
		return ErrInvalidSymbol
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if i := w.indexLocked(symbol); i >= 0 {
		if displayName == "" || w.entries[i].DisplayName == displayName {
			return nil
		}
		w.entries[i].DisplayName = displayName
		w.saveLocked()
		return nil
	}

	w.entries = append(w.entries, models.WatchlistEntry{Symbol: symbol, DisplayName: displayName})
	w.subs.Subscribe(symbol)
	w.saveLocked()
	return nil
}

// Remove drops symbol, its subscription and its cached quote. It reports
// whether the symbol was present.
func (w *Watchlist) Remove(symbol string) bool {
	symbol = models.NormalizeSymbol(symbol)

	w.mu.Lock()
	defer w.mu.Unlock()

	i := w.indexLocked(symbol)
	if i < 0 {
		return false
	}
	w.entries = append(w.entries[:i], w.entries[i+1:]...)
	w.subs.Unsubscribe(symbol)
	w.quotes.Remove(symbol)
	w.saveLocked()
	return true
}

// Entries returns the list in user order with each LastQuote filled from
// the quote store.
func (w *Watchlist) Entries() []models.WatchlistEntry {
	w.mu.Lock()
	out := make([]models.WatchlistEntry, len(w.entries))
	copy(out, w.entries)
	w.mu.Unlock()

	for i := range out {
		if q, ok := w.quotes.Get(out[i].Symbol); ok {
			q := q
			out[i].LastQuote = &q
		}
	}
	return out
}

// Symbols returns the symbols in user order.
func (w *Watchlist) Symbols() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.entries))
	for i, e := range w.entries {
		out[i] = e.Symbol
	}
	return out
}

func (w *Watchlist) Contains(symbol string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.indexLocked(models.NormalizeSymbol(symbol)) >= 0
}

func (w *Watchlist) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

func (w *Watchlist) indexLocked(symbol string) int {
	for i, e := range w.entries {
		if e.Symbol == symbol {
			return i
		}
	}
	return -1
}

// saveLocked persists the list. A failed write keeps the in-memory list;
// the next successful mutation rewrites the whole list.
func (w *Watchlist) saveLocked() {
	if err := w.persist.SaveWatchlist(w.entries); err != nil {
		logger.Warn("Failed to persist watchlist: %v", err)
	}
}
