package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidAlert is returned when an alert fails validation.
var ErrInvalidAlert = errors.New("invalid alert")

// Condition selects how an alert compares the price with its target.
type Condition string

const (
	ConditionAbove      Condition = "above"
	ConditionBelow      Condition = "below"
	ConditionCrossAbove Condition = "cross_above"
	ConditionCrossBelow Condition = "cross_below"
)

// Valid reports whether c is a known condition.
func (c Condition) Valid() bool {
	switch c {
	case ConditionAbove, ConditionBelow, ConditionCrossAbove, ConditionCrossBelow:
		return true
	}
	return false
}

// IsCrossing reports whether the condition is edge-triggered and needs the
// previous observed price.
func (c Condition) IsCrossing() bool {
	return c == ConditionCrossAbove || c == ConditionCrossBelow
}

// Alert is a price alert on a single symbol.
// Once Triggered is true the sync engine never sets it back to false.
type Alert struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	Condition   Condition       `json:"condition"`
	TargetPrice decimal.Decimal `json:"target_price"`
	Triggered   bool            `json:"triggered"`
	TriggeredAt *time.Time      `json:"triggered_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Validate checks alert field constraints.
func (a *Alert) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: id must not be empty", ErrInvalidAlert)
	}
	if a.Symbol == "" {
		return fmt.Errorf("%w: symbol must not be empty", ErrInvalidAlert)
	}
	if !a.Condition.Valid() {
		return fmt.Errorf("%w: unknown condition %q", ErrInvalidAlert, a.Condition)
	}
	if !a.TargetPrice.IsPositive() {
		return fmt.Errorf("%w: target price must be positive", ErrInvalidAlert)
	}
	if a.Triggered && a.TriggeredAt == nil {
		return fmt.Errorf("%w: triggered alert must carry triggered_at", ErrInvalidAlert)
	}
	return nil
}

// TriggerEvent is emitted once when an alert fires.
type TriggerEvent struct {
	Alert Alert
	Price decimal.Decimal
	// Remote is true when the backend reported the trigger over the stream.
	Remote  bool
	Message string
}

// Describe renders a one-line human message for notifications.
func (e TriggerEvent) Describe() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Remote {
		return fmt.Sprintf("%s alert %s %s triggered", e.Alert.Symbol, e.Alert.Condition, e.Alert.TargetPrice)
	}
	return fmt.Sprintf("%s %s %s (price %s)", e.Alert.Symbol, e.Alert.Condition, e.Alert.TargetPrice, e.Price)
}
