package dispatch

import (
	"sync"

	"github.com/rewired-gh/quotesync/internal/models"
)

// SignalFeed keeps the most recent signals; the oldest is evicted when full.
type SignalFeed struct {
	mu    sync.Mutex
	buf   []models.Signal
	next  int
	count int
}

func NewSignalFeed(size int) *SignalFeed {
	if size < 1 {
		size = 1
	}
	return &SignalFeed{buf: make([]models.Signal, size)}
}

func (f *SignalFeed) Push(s models.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf[f.next] = s
	f.next = (f.next + 1) % len(f.buf)
	if f.count < len(f.buf) {
		f.count++
	}
}

// Items returns the retained signals, newest first.
func (f *SignalFeed) Items() []models.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Signal, 0, f.count)
	for i := 1; i <= f.count; i++ {
		idx := (f.next - i + len(f.buf)) % len(f.buf)
		out = append(out, f.buf[idx])
	}
	return out
}

func (f *SignalFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}
