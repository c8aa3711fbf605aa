// Package notify delivers user-visible events to notification sinks.
// Delivery is best-effort: callers never wait on or retry a sink.
package notify

import (
	"sync"

	"github.com/rewired-gh/quotesync/internal/logger"
	"github.com/rewired-gh/quotesync/internal/models"
)

// Sink surfaces a notification to the user.
type Sink interface {
	Notify(ev models.NotificationEvent)
}

// Func adapts a function to Sink.
type Func func(ev models.NotificationEvent)

func (f Func) Notify(ev models.NotificationEvent) { f(ev) }

// Discard drops every event.
var Discard Sink = Func(func(models.NotificationEvent) {})

// LogSink writes events to the application log.
type LogSink struct{}

func (LogSink) Notify(ev models.NotificationEvent) {
	switch ev.Kind {
	case models.KindError:
		logger.Error("[notify] %s %s", ev.Title, ev.Message)
	case models.KindWarning:
		logger.Warn("[notify] %s %s", ev.Title, ev.Message)
	default:
		logger.Info("[notify] %s %s", ev.Title, ev.Message)
	}
}

// Multi fans an event out to several sinks in order.
type Multi []Sink

func (m Multi) Notify(ev models.NotificationEvent) {
	for _, s := range m {
		s.Notify(ev)
	}
}

// Gate forwards events only while enabled returns true. It lets the
// persisted notification preference mute every sink at once.
type Gate struct {
	Sink    Sink
	Enabled func() bool
}

func (g Gate) Notify(ev models.NotificationEvent) {
	if g.Enabled != nil && !g.Enabled() {
		logger.Debug("Notification muted: %s", ev.Message)
		return
	}
	g.Sink.Notify(ev)
}

// Async delivers events to a wrapped sink from a single background
// goroutine. Notify never blocks; when the queue is full the event is
// dropped and logged.
type Async struct {
	sink  Sink
	queue chan models.NotificationEvent
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAsync starts the delivery goroutine.
func NewAsync(sink Sink, queueSize int) *Async {
	if queueSize < 1 {
		queueSize = 1
	}
	a := &Async{
		sink:  sink,
		queue: make(chan models.NotificationEvent, queueSize),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	for ev := range a.queue {
		a.deliver(ev)
	}
}

func (a *Async) deliver(ev models.NotificationEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Notification sink panicked: %v", r)
		}
	}()
	a.sink.Notify(ev)
}

func (a *Async) Notify(ev models.NotificationEvent) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- ev:
	default:
		logger.Warn("Notification queue full, dropping: %s", ev.Message)
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
}
