// Package models defines the core domain entities: quotes, watchlist entries,
// alerts, signals, and the streaming wire envelope.
package models

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the latest traded price and related fields for a symbol.
// It is a value type; stores replace it whole, never field by field.
type Quote struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Volume        decimal.Decimal `json:"volume"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Validate checks quote field constraints.
func (q *Quote) Validate() error {
	if q.Symbol == "" {
		return errors.New("quote symbol must not be empty")
	}
	if q.Price.IsNegative() {
		return errors.New("quote price must not be negative")
	}
	if q.Volume.IsNegative() {
		return errors.New("quote volume must not be negative")
	}
	return nil
}

// NormalizeSymbol trims whitespace and upper-cases a ticker.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// OHLCV is a single candle returned by the history endpoint.
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// WatchlistEntry is one row of the user's ordered watchlist.
// LastQuote is filled from the quote store when entries are read.
type WatchlistEntry struct {
	Symbol      string `json:"symbol"`
	DisplayName string `json:"display_name,omitempty"`
	LastQuote   *Quote `json:"last_quote,omitempty"`
}
