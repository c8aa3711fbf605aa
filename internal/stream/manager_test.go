package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rewired-gh/quotesync/internal/models"
)

// fakeServer records control frames per connection and lets tests drop or
// push to the current connection.
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	frames [][]models.ControlFrame
	conns  []*websocket.Conn
	// ignorePings makes the server swallow pings without answering.
	ignorePings bool
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fs.mu.Lock()
	if fs.ignorePings {
		conn.SetPingHandler(func(string) error { return nil })
	}
	idx := len(fs.conns)
	fs.conns = append(fs.conns, conn)
	fs.frames = append(fs.frames, nil)
	fs.mu.Unlock()

	for {
		var f models.ControlFrame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		fs.mu.Lock()
		fs.frames[idx] = append(fs.frames[idx], f)
		fs.mu.Unlock()
	}
}

func (fs *fakeServer) connCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.conns)
}

func (fs *fakeServer) framesOf(idx int) []models.ControlFrame {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if idx >= len(fs.frames) {
		return nil
	}
	return append([]models.ControlFrame(nil), fs.frames[idx]...)
}

func (fs *fakeServer) dropCurrent() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if n := len(fs.conns); n > 0 {
		_ = fs.conns[n-1].Close()
	}
}

func (fs *fakeServer) push(v interface{}) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.conns[len(fs.conns)-1].WriteJSON(v)
}

func testConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.BaseDelay = 10 * time.Millisecond
	cfg.MaxDelay = 50 * time.Millisecond
	cfg.Jitter = 0
	cfg.PingInterval = time.Second
	cfg.PongWait = 2 * time.Second
	cfg.WriteTimeout = time.Second
	cfg.HandshakeTimeout = time.Second
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func countSubscribes(frames []models.ControlFrame) map[string]int {
	out := make(map[string]int)
	for _, f := range frames {
		if f.Action == models.ActionSubscribe {
			out[f.Symbol]++
		}
	}
	return out
}

func TestManager_ResubscribesOncePerSymbolAfterReconnect(t *testing.T) {
	fs := newFakeServer(t)
	m := NewManager(testConfig(fs.url()), nil)
	defer m.Close()

	// buffered while disconnected
	m.Subscribe("A")
	m.Subscribe("B")
	m.Subscribe("A")

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first subscriptions", func() bool { return len(fs.framesOf(0)) == 2 })

	fs.dropCurrent()
	waitFor(t, "reconnect", func() bool { return fs.connCount() == 2 })
	waitFor(t, "resubscribe", func() bool { return len(fs.framesOf(1)) == 2 })
	time.Sleep(50 * time.Millisecond)

	got := countSubscribes(fs.framesOf(1))
	if len(fs.framesOf(1)) != 2 || got["A"] != 1 || got["B"] != 1 {
		t.Errorf("post-reconnect frames = %+v", fs.framesOf(1))
	}
}

func TestManager_SubscribeWhileConnected(t *testing.T) {
	fs := newFakeServer(t)
	m := NewManager(testConfig(fs.url()), nil)
	defer m.Close()

	states, cancel := m.States(8)
	defer cancel()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connected", func() bool { return m.State() == models.Connected })

	m.Subscribe("AAPL")
	m.Subscribe("AAPL")
	m.Unsubscribe("MSFT") // absent, no frame
	m.Unsubscribe("AAPL")

	waitFor(t, "frames", func() bool { return len(fs.framesOf(0)) == 2 })
	time.Sleep(30 * time.Millisecond)
	frames := fs.framesOf(0)
	if len(frames) != 2 || frames[0].Action != models.ActionSubscribe || frames[1].Action != models.ActionUnsubscribe {
		t.Errorf("frames = %+v", frames)
	}
	if len(m.Subscriptions()) != 0 {
		t.Errorf("subscriptions = %v", m.Subscriptions())
	}

	first, second := <-states, <-states
	if first != models.Connecting || second != models.Connected {
		t.Errorf("transitions = %v, %v", first, second)
	}
}

func TestManager_DeliversFramesToHandler(t *testing.T) {
	fs := newFakeServer(t)

	var mu sync.Mutex
	var got []string
	m := NewManager(testConfig(fs.url()), func(raw []byte) {
		mu.Lock()
		got = append(got, string(raw))
		mu.Unlock()
	})
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connected", func() bool { return m.State() == models.Connected && fs.connCount() == 1 })

	for i := 0; i < 3; i++ {
		if err := fs.push(map[string]interface{}{"type": "quote", "seq": i}); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "messages", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(got[2], `"seq":2`) {
		t.Errorf("messages out of order: %v", got)
	}
}

func TestManager_CloseCancelsPendingReconnect(t *testing.T) {
	fs := newFakeServer(t)
	url := fs.url()
	fs.srv.Close()

	cfg := testConfig(url)
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = time.Hour
	m := NewManager(cfg, nil)

	states, cancel := m.States(8)
	defer cancel()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	// connecting then disconnected after the failed dial
	<-states
	if s := <-states; s != models.Disconnected {
		t.Fatalf("state = %v, want disconnected", s)
	}

	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on pending reconnect")
	}
	if m.State() != models.Disconnected {
		t.Errorf("state after close = %v", m.State())
	}
}

func TestManager_ConnectTwice(t *testing.T) {
	fs := newFakeServer(t)
	m := NewManager(testConfig(fs.url()), nil)
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Connect(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second Connect = %v, want ErrAlreadyStarted", err)
	}
}

func (b *Backoff) lastDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

func TestManager_StableConnectionResetsBackoff(t *testing.T) {
	fs := newFakeServer(t)
	cfg := testConfig(fs.url())
	cfg.BaseDelay = 10 * time.Millisecond
	cfg.MaxDelay = 5 * time.Second
	cfg.StableAfter = 50 * time.Millisecond
	m := NewManager(cfg, nil)
	defer m.Close()

	// as if several attempts had already failed: 10, 20, 40, 80, 160ms
	for i := 0; i < 5; i++ {
		m.backoff.Next()
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connected", func() bool { return m.State() == models.Connected })
	time.Sleep(100 * time.Millisecond)
	fs.dropCurrent()
	waitFor(t, "reconnect", func() bool { return fs.connCount() == 2 })

	if got := m.backoff.lastDelay(); got != cfg.BaseDelay {
		t.Errorf("delay after a stable connection = %v, want %v", got, cfg.BaseDelay)
	}
}

func TestManager_ShortConnectionKeepsBackoff(t *testing.T) {
	fs := newFakeServer(t)
	cfg := testConfig(fs.url())
	cfg.BaseDelay = 10 * time.Millisecond
	cfg.MaxDelay = 5 * time.Second
	cfg.StableAfter = time.Hour
	m := NewManager(cfg, nil)
	defer m.Close()

	for i := 0; i < 5; i++ {
		m.backoff.Next()
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connected", func() bool { return m.State() == models.Connected })
	fs.dropCurrent()
	waitFor(t, "reconnect", func() bool { return fs.connCount() == 2 })

	if got := m.backoff.lastDelay(); got != 320*time.Millisecond {
		t.Errorf("delay after a short connection = %v, want 320ms", got)
	}
}

func TestManager_HeartbeatKeepsQuietConnectionAlive(t *testing.T) {
	fs := newFakeServer(t)
	cfg := testConfig(fs.url())
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PongWait = 80 * time.Millisecond
	m := NewManager(cfg, nil)
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connected", func() bool { return m.State() == models.Connected })

	// no data frames for several read deadlines
	time.Sleep(400 * time.Millisecond)

	if n := fs.connCount(); n != 1 {
		t.Errorf("quiet connection was replaced, %d connections", n)
	}
	if m.State() != models.Connected {
		t.Errorf("state = %v, want connected", m.State())
	}
}

func TestManager_MissingPongsForceReconnect(t *testing.T) {
	fs := newFakeServer(t)
	fs.mu.Lock()
	fs.ignorePings = true
	fs.mu.Unlock()
	cfg := testConfig(fs.url())
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PongWait = 80 * time.Millisecond
	m := NewManager(cfg, nil)
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "reconnect after read deadline", func() bool { return fs.connCount() >= 2 })
}
