package watchlist

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/quotesync/internal/models"
	"github.com/rewired-gh/quotesync/internal/quotes"
	"github.com/rewired-gh/quotesync/internal/storage"
)

type fakeSubs struct {
	set   map[string]bool
	calls []string
}

func newFakeSubs() *fakeSubs { return &fakeSubs{set: make(map[string]bool)} }

func (f *fakeSubs) Subscribe(s string) {
	f.set[s] = true
	f.calls = append(f.calls, "+"+s)
}

func (f *fakeSubs) Unsubscribe(s string) {
	delete(f.set, s)
	f.calls = append(f.calls, "-"+s)
}

func newStorage(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	subs := newFakeSubs()
	w := New(newStorage(t), quotes.NewStore(), subs)

	w.Load([]string{"aapl", "BTC-USD", "AAPL", " "})

	if got := w.Symbols(); !reflect.DeepEqual(got, []string{"AAPL", "BTC-USD"}) {
		t.Errorf("Symbols() = %v", got)
	}
	if len(subs.set) != 2 {
		t.Errorf("subscriptions = %v", subs.set)
	}
}

func TestLoadPrefersSavedList(t *testing.T) {
	st := newStorage(t)
	if err := st.SaveWatchlist([]models.WatchlistEntry{{Symbol: "MSFT", DisplayName: "Microsoft"}}); err != nil {
		t.Fatal(err)
	}
	w := New(st, quotes.NewStore(), newFakeSubs())
	w.Load([]string{"AAPL"})

	entries := w.Entries()
	if len(entries) != 1 || entries[0].Symbol != "MSFT" || entries[0].DisplayName != "Microsoft" {
		t.Errorf("Entries() = %+v", entries)
	}
}

func TestLoadSavedEmptyListStaysEmpty(t *testing.T) {
	st := newStorage(t)
	if err := st.SaveWatchlist(nil); err != nil {
		t.Fatal(err)
	}
	w := New(st, quotes.NewStore(), newFakeSubs())
	w.Load([]string{"AAPL"})
	if w.Len() != 0 {
		t.Errorf("Len() = %d, want 0", w.Len())
	}
}

func TestAddRemoveKeepsSubscriptionsInSync(t *testing.T) {
	st := newStorage(t)
	qs := quotes.NewStore()
	subs := newFakeSubs()
	w := New(st, qs, subs)
	w.Load(nil)

	if err := w.Add("aapl", ""); err != nil {
		t.Fatal(err)
	}
	if err := w.Add("MSFT", "Microsoft"); err != nil {
		t.Fatal(err)
	}
	if err := w.Add("AAPL", ""); err != nil {
		t.Fatal(err)
	}
	if err := w.Add("  ", ""); !errors.Is(err, ErrInvalidSymbol) {
		t.Errorf("Add(blank) = %v", err)
	}

	qs.Apply("AAPL", models.Quote{Price: decimal.NewFromInt(1), Timestamp: time.Now()})

	if !w.Remove("AAPL") {
		t.Error("Remove(AAPL) = false")
	}
	if w.Remove("AAPL") {
		t.Error("second Remove(AAPL) = true")
	}
	if _, ok := qs.Get("AAPL"); ok {
		t.Error("quote should be dropped with the symbol")
	}

	want := []string{"+AAPL", "+MSFT", "-AAPL"}
	if !reflect.DeepEqual(subs.calls, want) {
		t.Errorf("subscription calls = %v, want %v", subs.calls, want)
	}
	if !reflect.DeepEqual(w.Symbols(), []string{"MSFT"}) || !subs.set["MSFT"] || len(subs.set) != 1 {
		t.Errorf("watchlist %v and subscriptions %v diverged", w.Symbols(), subs.set)
	}

	saved, ok, err := st.LoadWatchlist()
	if err != nil || !ok || len(saved) != 1 || saved[0].Symbol != "MSFT" {
		t.Errorf("persisted = %+v ok=%v err=%v", saved, ok, err)
	}
}

func TestEntriesCarryLastQuote(t *testing.T) {
	qs := quotes.NewStore()
	w := New(newStorage(t), qs, newFakeSubs())
	w.Load([]string{"AAPL", "MSFT"})

	qs.Apply("MSFT", models.Quote{Price: decimal.RequireFromString("410.5"), Timestamp: time.Now()})

	entries := w.Entries()
	if entries[0].LastQuote != nil {
		t.Errorf("AAPL should have no quote")
	}
	if entries[1].LastQuote == nil || !entries[1].LastQuote.Price.Equal(decimal.RequireFromString("410.5")) {
		t.Errorf("MSFT entry = %+v", entries[1])
	}
	if !w.Contains("msft") || w.Contains("TSLA") {
		t.Error("Contains mismatch")
	}
}
