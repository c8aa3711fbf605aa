// Package stream owns the streaming WebSocket: connection lifecycle,
// reconnect with backoff, and the subscription set.
package stream

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rewired-gh/quotesync/internal/events"
	"github.com/rewired-gh/quotesync/internal/logger"
	"github.com/rewired-gh/quotesync/internal/models"
)

// ErrAlreadyStarted is returned by Connect on a manager that is running.
var ErrAlreadyStarted = errors.New("stream already started")

// Config holds the endpoint, reconnect policy, and heartbeat timings.
type Config struct {
	URL              string
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Jitter           float64
	StableAfter      time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
}

// DefaultConfig returns the reconnect and heartbeat defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		BaseDelay:        time.Second,
		MaxDelay:         30 * time.Second,
		Jitter:           0.2,
		StableAfter:      10 * time.Second,
		PingInterval:     30 * time.Second,
		PongWait:         60 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Handler receives every inbound frame, one at a time, in arrival order.
type Handler func(raw []byte)

// Manager keeps a persistent connection to the stream endpoint. Subscription
// changes made while disconnected are recorded and sent on the next connect;
// the whole set is resent after every reconnect.
type Manager struct {
	cfg     Config
	dialer  *websocket.Dialer
	handler Handler
	backoff *Backoff
	states  *events.Bus[models.ConnectionState]

	mu    sync.Mutex
	state models.ConnectionState
	conn  *websocket.Conn
	subs  map[string]struct{}
	order []string

	cancel context.CancelFunc
	done   chan struct{}

	// serializes data frame writes; pings go through WriteControl
	writeMu sync.Mutex
}

// NewManager creates a manager in the disconnected state.
func NewManager(cfg Config, handler Handler) *Manager {
	if handler == nil {
		handler = func([]byte) {}
	}
	return &Manager{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		handler: handler,
		backoff: NewBackoff(cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter),
		states:  events.NewBus[models.ConnectionState](),
		subs:    make(map[string]struct{}),
	}
}

// State returns the current connection state.
func (m *Manager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// States streams every state transition.
func (m *Manager) States(buffer int) (<-chan models.ConnectionState, func()) {
	return m.states.Subscribe(buffer)
}

// Subscriptions returns the subscription set in insertion order.
func (m *Manager) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// Subscribe adds symbol to the subscription set and sends a control frame if
// connected. Subscribing twice is a no-op.
func (m *Manager) Subscribe(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[symbol]; ok {
		return
	}
	m.subs[symbol] = struct{}{}
	m.order = append(m.order, symbol)

	if m.state == models.Connected {
		m.sendLocked(models.ActionSubscribe, symbol)
	}
}

// Unsubscribe removes symbol from the set. The control frame is best-effort;
// a failed write is logged and the reconnect path resends the correct set.
func (m *Manager) Unsubscribe(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[symbol]; !ok {
		return
	}
	delete(m.subs, symbol)
	for i, s := range m.order {
		if s == symbol {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}

	if m.state == models.Connected {
		m.sendLocked(models.ActionUnsubscribe, symbol)
	}
}

// Connect starts the connection loop in the background. It returns
// immediately; use States to observe progress.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
	return nil
}

// Close stops the loop, cancels any pending reconnect, closes the socket and
// waits for the loop to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.states.Close()
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for ctx.Err() == nil {
		m.setState(models.Connecting)
		logger.Debug("Dialing stream %s", m.cfg.URL)

		conn, _, err := m.dialer.DialContext(ctx, m.cfg.URL, nil)
		if err != nil {
			m.setState(models.Disconnected)
			if ctx.Err() != nil {
				return
			}
			delay := m.backoff.Next()
			logger.Warn("Stream connect failed, retrying in %v: %v", delay, err)
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		opened := time.Now()
		m.serve(ctx, conn)
		if time.Since(opened) >= m.cfg.StableAfter {
			m.backoff.Reset()
		}
		if ctx.Err() != nil {
			return
		}

		delay := m.backoff.Next()
		logger.Info("Stream disconnected, reconnecting in %v", delay)
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// serve runs one connection until it fails or ctx is cancelled.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	})

	m.mu.Lock()
	m.conn = conn
	m.setStateLocked(models.Connected)
	for _, symbol := range m.order {
		m.sendLocked(models.ActionSubscribe, symbol)
	}
	count := len(m.order)
	m.mu.Unlock()
	logger.Info("Stream connected to %s, resubscribed %d symbols", m.cfg.URL, count)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.heartbeat(conn, stop)
	}()
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			m.closeConn(conn)
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Stream read error: %v", err)
			} else {
				logger.Debug("Stream closed: %v", err)
			}
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
		m.handler(data)
	}

	close(stop)
	wg.Wait()

	m.mu.Lock()
	m.conn = nil
	m.setStateLocked(models.Disconnected)
	m.mu.Unlock()
	_ = conn.Close()
}

// heartbeat pings the server so that quiet periods keep the read deadline
// alive through pongs.
func (m *Manager) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(m.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logger.Debug("Stream ping failed: %v", err)
				return
			}
		}
	}
}

func (m *Manager) closeConn(conn *websocket.Conn) {
	deadline := time.Now().Add(m.cfg.WriteTimeout)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client shutdown")
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = conn.Close()
}

// sendLocked writes a control frame on the live connection. m.mu must be held.
func (m *Manager) sendLocked(action, symbol string) {
	if m.conn == nil {
		return
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	_ = m.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if err := m.conn.WriteJSON(models.ControlFrame{Action: action, Symbol: symbol}); err != nil {
		logger.Warn("Failed to send %s %s: %v", action, symbol, err)
	}
}

func (m *Manager) setState(s models.ConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(s)
}

func (m *Manager) setStateLocked(s models.ConnectionState) {
	if m.state == s {
		return
	}
	m.state = s
	m.states.Publish(s)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
