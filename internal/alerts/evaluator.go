// Package alerts evaluates price alerts against incoming quotes.
package alerts

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewired-gh/quotesync/internal/logger"
	"github.com/rewired-gh/quotesync/internal/models"
)

// ErrNotFound is returned for operations on an unknown alert id.
var ErrNotFound = errors.New("alert not found")

type tracked struct {
	alert   models.Alert
	prev    decimal.Decimal
	hasPrev bool
}

// Evaluator tracks every alert and fires each one at most once. It acts only
// on quotes observed after the alert was added; it never evaluates historical
// prices at creation time.
type Evaluator struct {
	mu     sync.Mutex
	alerts map[string]*tracked
	now    func() time.Time
	prices PriceSource
}

// PriceSource returns the latest recorded price for a symbol.
type PriceSource func(symbol string) (decimal.Decimal, bool)

func NewEvaluator() *Evaluator {
	return &Evaluator{
		alerts: make(map[string]*tracked),
		now:    time.Now,
	}
}

// SetPriceSource installs the lookup used to seed the previous price of a new
// or re-armed alert, so a crossing can be detected on the very next tick.
// Without a source the first tick only records the price.
func (e *Evaluator) SetPriceSource(src PriceSource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices = src
}

// Add registers an alert. Re-adding a known id replaces its definition but
// keeps the observed price history and a local triggered state.
func (e *Evaluator) Add(a models.Alert) error {
	if err := a.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.upsertLocked(a)
	return nil
}

func (e *Evaluator) upsertLocked(a models.Alert) {
	if t, ok := e.alerts[a.ID]; ok {
		if t.alert.Triggered && !a.Triggered {
			a.Triggered = true
			a.TriggeredAt = t.alert.TriggeredAt
		}
		redefined := t.alert.Symbol != a.Symbol || !t.alert.TargetPrice.Equal(a.TargetPrice) || t.alert.Condition != a.Condition
		t.alert = a
		if redefined {
			e.seedLocked(t)
		}
		return
	}
	t := &tracked{alert: a}
	e.seedLocked(t)
	e.alerts[a.ID] = t
}

// seedLocked sets the previous price of t from the price source. It only
// primes cross_* detection; nothing is evaluated here.
func (e *Evaluator) seedLocked(t *tracked) {
	t.hasPrev = false
	if e.prices == nil {
		return
	}
	if p, ok := e.prices(t.alert.Symbol); ok {
		t.prev, t.hasPrev = p, true
	}
}

// Remove deletes an alert and reports whether it existed.
func (e *Evaluator) Remove(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.alerts[id]; !ok {
		return false
	}
	delete(e.alerts, id)
	return true
}

// Get returns a copy of the alert with id.
func (e *Evaluator) Get(id string) (models.Alert, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.alerts[id]
	if !ok {
		return models.Alert{}, false
	}
	return t.alert, true
}

// All returns every alert ordered by creation time.
func (e *Evaluator) All() []models.Alert {
	e.mu.Lock()
	out := make([]models.Alert, 0, len(e.alerts))
	for _, t := range e.alerts {
		out = append(out, t.alert)
	}
	e.mu.Unlock()

	sortAlerts(out)
	return out
}

// Active is the live filter of alerts that have not fired yet.
func (e *Evaluator) Active() []models.Alert {
	return FilterActive(e.All())
}

// FilterActive returns the alerts in list that are not triggered.
func FilterActive(list []models.Alert) []models.Alert {
	out := make([]models.Alert, 0, len(list))
	for _, a := range list {
		if !a.Triggered {
			out = append(out, a)
		}
	}
	return out
}

// Observe evaluates every untriggered alert on q.Symbol against q.Price.
// The caller must have recorded q in the quote store first.
func (e *Evaluator) Observe(q models.Quote) []models.TriggerEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	var fired []models.TriggerEvent
	for _, t := range e.alerts {
		if t.alert.Triggered || t.alert.Symbol != q.Symbol {
			continue
		}

		prev, hasPrev := t.prev, t.hasPrev
		t.prev, t.hasPrev = q.Price, true

		if !shouldFire(t.alert.Condition, t.alert.TargetPrice, prev, hasPrev, q.Price) {
			continue
		}

		at := e.now()
		t.alert.Triggered = true
		t.alert.TriggeredAt = &at
		fired = append(fired, models.TriggerEvent{Alert: t.alert, Price: q.Price})
		logger.Info("Alert %s fired: %s %s %s at %s", t.alert.ID, q.Symbol, t.alert.Condition, t.alert.TargetPrice, q.Price)
	}

	sort.Slice(fired, func(i, j int) bool { return lessAlert(fired[i].Alert, fired[j].Alert) })
	return fired
}

func shouldFire(cond models.Condition, target, prev decimal.Decimal, hasPrev bool, price decimal.Decimal) bool {
	switch cond {
	case models.ConditionAbove:
		return price.GreaterThanOrEqual(target)
	case models.ConditionBelow:
		return price.LessThanOrEqual(target)
	case models.ConditionCrossAbove:
		return hasPrev && prev.LessThan(target) && price.GreaterThanOrEqual(target)
	case models.ConditionCrossBelow:
		return hasPrev && prev.GreaterThan(target) && price.LessThanOrEqual(target)
	}
	return false
}

// MarkTriggered records a trigger reported by the backend. It returns the
// alert and whether this call changed it; an alert that already fired is
// left untouched.
func (e *Evaluator) MarkTriggered(id string, at time.Time) (models.Alert, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.alerts[id]
	if !ok {
		return models.Alert{}, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if t.alert.Triggered {
		return t.alert, false, nil
	}
	if at.IsZero() {
		at = e.now()
	}
	t.alert.Triggered = true
	t.alert.TriggeredAt = &at
	return t.alert, true, nil
}

// Reset re-arms a triggered alert. It is only reachable from an explicit user
// action; nothing in the sync path calls it.
func (e *Evaluator) Reset(id string) (models.Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.alerts[id]
	if !ok {
		return models.Alert{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t.alert.Triggered = false
	t.alert.TriggeredAt = nil
	e.seedLocked(t)
	return t.alert, nil
}

// Sync replaces the alert set with a REST snapshot. Alerts missing from
// list are dropped. Known alerts keep their price history, and a local
// triggered state is never cleared by the snapshot. Invalid entries are
// skipped; an invalid copy of a known alert leaves the local one in place.
func (e *Evaluator) Sync(list []models.Alert) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]bool, len(list))
	for _, a := range list {
		if a.ID != "" {
			seen[a.ID] = true
		}
		if err := a.Validate(); err != nil {
			logger.Warn("Skipping alert from snapshot: %v", err)
			continue
		}
		e.upsertLocked(a)
	}
	for id := range e.alerts {
		if !seen[id] {
			delete(e.alerts, id)
		}
	}
	return len(e.alerts)
}

// Len returns the number of tracked alerts.
func (e *Evaluator) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.alerts)
}

func sortAlerts(list []models.Alert) {
	sort.Slice(list, func(i, j int) bool { return lessAlert(list[i], list[j]) })
}

func lessAlert(a, b models.Alert) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
