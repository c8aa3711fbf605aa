// Package dispatch routes inbound stream frames and REST snapshots to the
// quote store, the alert evaluator, the signal feed, and notification sinks.
package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/quotesync/internal/alerts"
	"github.com/rewired-gh/quotesync/internal/events"
	"github.com/rewired-gh/quotesync/internal/logger"
	"github.com/rewired-gh/quotesync/internal/models"
	"github.com/rewired-gh/quotesync/internal/notify"
	"github.com/rewired-gh/quotesync/internal/quotes"
)

// Stats counts processed and dropped frames.
type Stats struct {
	Received int64
	Dropped  int64
}

// Dispatcher is the single writer into the quote store and the evaluator.
// Stream frames arrive one at a time; REST merges take the same ingest lock,
// so a quote is always stored before alerts see it, on both paths.
type Dispatcher struct {
	quotes    *quotes.Store
	evaluator *alerts.Evaluator
	sink      notify.Sink
	feed      *SignalFeed

	signals  *events.Bus[models.Signal]
	triggers *events.Bus[models.TriggerEvent]

	ingestMu  sync.Mutex
	now       func() time.Time
	onTrigger func(models.TriggerEvent)

	received atomic.Int64
	dropped  atomic.Int64
}

// New creates a dispatcher. A nil sink discards notifications.
func New(store *quotes.Store, evaluator *alerts.Evaluator, sink notify.Sink, feedSize int) *Dispatcher {
	if sink == nil {
		sink = notify.Discard
	}
	return &Dispatcher{
		quotes:    store,
		evaluator: evaluator,
		sink:      sink,
		feed:      NewSignalFeed(feedSize),
		signals:   events.NewBus[models.Signal](),
		triggers:  events.NewBus[models.TriggerEvent](),
		now:       time.Now,
	}
}

type quotePayload struct {
	Symbol        string           `json:"symbol"`
	Price         *decimal.Decimal `json:"price"`
	Change        decimal.Decimal  `json:"change"`
	ChangePercent decimal.Decimal  `json:"change_percent"`
	Volume        decimal.Decimal  `json:"volume"`
	Timestamp     *time.Time       `json:"timestamp"`
}

var errMissingField = errors.New("missing required field")

// OnMessage handles one raw stream frame. Bad frames are logged and dropped.
func (d *Dispatcher) OnMessage(raw []byte) {
	d.received.Add(1)

	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		d.drop("Dropping malformed frame: %v", err)
		return
	}

	payload := raw
	if trimmed := bytes.TrimSpace(env.Data); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		payload = trimmed
	}

	var err error
	switch env.Type {
	case models.MessageQuote:
		err = d.handleQuote(payload)
	case models.MessageSignal:
		err = d.handleSignal(payload)
	case models.MessageAlertTriggered:
		err = d.handleAlertTriggered(payload)
	case "":
		err = fmt.Errorf("%w: type", errMissingField)
	default:
		d.dropped.Add(1)
		logger.Debug("Ignoring unknown message type %q", env.Type)
		return
	}
	if err != nil {
		d.drop("Dropping %q frame: %v", env.Type, err)
	}
}

func (d *Dispatcher) drop(format string, args ...interface{}) {
	d.dropped.Add(1)
	logger.Warn(format, args...)
}

func (d *Dispatcher) handleQuote(payload []byte) error {
	var p quotePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	q, err := p.toQuote(d.now)
	if err != nil {
		return err
	}

	d.ingestMu.Lock()
	d.quotes.Apply(q.Symbol, q)
	fired := d.evaluator.Observe(q)
	d.ingestMu.Unlock()

	d.emit(fired)
	return nil
}

func (p quotePayload) toQuote(now func() time.Time) (models.Quote, error) {
	if p.Symbol == "" {
		return models.Quote{}, fmt.Errorf("%w: symbol", errMissingField)
	}
	if p.Price == nil {
		return models.Quote{}, fmt.Errorf("%w: price", errMissingField)
	}
	q := models.Quote{
		Symbol:        models.NormalizeSymbol(p.Symbol),
		Price:         *p.Price,
		Change:        p.Change,
		ChangePercent: p.ChangePercent,
		Volume:        p.Volume,
	}
	if p.Timestamp != nil {
		q.Timestamp = *p.Timestamp
	} else {
		q.Timestamp = now()
	}
	if err := q.Validate(); err != nil {
		return models.Quote{}, err
	}
	return q, nil
}

func (d *Dispatcher) handleSignal(payload []byte) error {
	var s models.Signal
	if err := json.Unmarshal(payload, &s); err != nil {
		return err
	}
	if s.Symbol == "" {
		return fmt.Errorf("%w: symbol", errMissingField)
	}
	if s.Action == "" {
		return fmt.Errorf("%w: action", errMissingField)
	}
	s.Symbol = models.NormalizeSymbol(s.Symbol)
	if s.Timestamp.IsZero() {
		s.Timestamp = d.now()
	}

	d.feed.Push(s)
	d.signals.Publish(s)
	return nil
}

func (d *Dispatcher) handleAlertTriggered(payload []byte) error {
	var p models.AlertTriggeredPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	id := p.Key()
	if id == "" {
		return fmt.Errorf("%w: alert_id", errMissingField)
	}
	at := d.now()
	if p.TriggeredAt != nil {
		at = *p.TriggeredAt
	}

	a, changed, err := d.evaluator.MarkTriggered(id, at)
	if errors.Is(err, alerts.ErrNotFound) {
		// not cached locally; the backend still wants the user to see it
		logger.Debug("Backend triggered unknown alert %s", id)
		msg := p.Message
		if msg == "" {
			msg = fmt.Sprintf("Alert %s triggered", id)
			if p.Symbol != "" {
				msg = fmt.Sprintf("%s alert %s triggered", models.NormalizeSymbol(p.Symbol), id)
			}
		}
		d.sink.Notify(models.NotificationEvent{Kind: models.KindWarning, Title: "Price alert", Message: msg})
		return nil
	}
	if err != nil {
		return err
	}
	if !changed {
		logger.Debug("Alert %s already triggered, not notifying again", id)
		return nil
	}

	d.emit([]models.TriggerEvent{{Alert: a, Remote: true, Message: p.Message}})
	return nil
}

// MergeSnapshot applies a REST quote snapshot and evaluates alerts on each
// merged quote. Invalid quotes are skipped. It returns the number merged.
func (d *Dispatcher) MergeSnapshot(qs []models.Quote) int {
	valid := make([]models.Quote, 0, len(qs))
	for _, q := range qs {
		q.Symbol = models.NormalizeSymbol(q.Symbol)
		if err := q.Validate(); err != nil {
			logger.Warn("Skipping snapshot quote: %v", err)
			continue
		}
		if q.Timestamp.IsZero() {
			q.Timestamp = d.now()
		}
		valid = append(valid, q)
	}

	var fired []models.TriggerEvent
	d.ingestMu.Lock()
	d.quotes.SnapshotMerge(valid)
	for _, q := range valid {
		fired = append(fired, d.evaluator.Observe(q)...)
	}
	d.ingestMu.Unlock()

	d.emit(fired)
	return len(valid)
}

// OnTrigger registers a hook run synchronously for every trigger, before
// subscribers and sinks are notified. It must be set before frames flow.
func (d *Dispatcher) OnTrigger(fn func(models.TriggerEvent)) {
	d.onTrigger = fn
}

func (d *Dispatcher) emit(fired []models.TriggerEvent) {
	for _, ev := range fired {
		if d.onTrigger != nil {
			d.onTrigger(ev)
		}
		d.triggers.Publish(ev)
		d.sink.Notify(models.NotificationEvent{
			Kind:    models.KindWarning,
			Title:   "Price alert",
			Message: ev.Describe(),
		})
	}
}

// Signals returns the retained signal feed, newest first.
func (d *Dispatcher) Signals() []models.Signal {
	return d.feed.Items()
}

// SubscribeSignals streams every accepted signal.
func (d *Dispatcher) SubscribeSignals(buffer int) (<-chan models.Signal, func()) {
	return d.signals.Subscribe(buffer)
}

// SubscribeTriggers streams every alert trigger, local or remote.
func (d *Dispatcher) SubscribeTriggers(buffer int) (<-chan models.TriggerEvent, func()) {
	return d.triggers.Subscribe(buffer)
}

// Stats returns frame counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{Received: d.received.Load(), Dropped: d.dropped.Load()}
}

// Close releases subscribers.
func (d *Dispatcher) Close() {
	d.signals.Close()
	d.triggers.Close()
}
