package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ConnectionState is the lifecycle state of the streaming channel.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Inbound message types.
const (
	MessageQuote          = "quote"
	MessageSignal         = "signal"
	MessageAlertTriggered = "alert_triggered"
)

// Outbound control actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// ControlFrame is sent to the stream to change the subscription set.
type ControlFrame struct {
	Action string `json:"action"`
	Symbol string `json:"symbol"`
}

// Envelope is the discriminated wrapper of every inbound frame. The payload
// is either flat alongside "type" or nested under "data".
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Signal is a trading signal pushed by the backend.
type Signal struct {
	Symbol    string          `json:"symbol"`
	Action    string          `json:"action"`
	Strength  decimal.Decimal `json:"strength"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// AlertTriggeredPayload reports a backend-side alert trigger.
type AlertTriggeredPayload struct {
	AlertID     string     `json:"alert_id"`
	ID          string     `json:"id"`
	Symbol      string     `json:"symbol,omitempty"`
	Message     string     `json:"message,omitempty"`
	TriggeredAt *time.Time `json:"triggered_at,omitempty"`
}

// Key returns whichever id field the backend filled.
func (p AlertTriggeredPayload) Key() string {
	if p.AlertID != "" {
		return p.AlertID
	}
	return p.ID
}
