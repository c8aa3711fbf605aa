// Package engine wires the stream, the stores, the alert evaluator, REST
// polling and notifications into one running client.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rewired-gh/quotesync/internal/alerts"
	"github.com/rewired-gh/quotesync/internal/api"
	"github.com/rewired-gh/quotesync/internal/config"
	"github.com/rewired-gh/quotesync/internal/dispatch"
	"github.com/rewired-gh/quotesync/internal/logger"
	"github.com/rewired-gh/quotesync/internal/models"
	"github.com/rewired-gh/quotesync/internal/notify"
	"github.com/rewired-gh/quotesync/internal/quotes"
	"github.com/rewired-gh/quotesync/internal/storage"
	"github.com/rewired-gh/quotesync/internal/stream"
	"github.com/rewired-gh/quotesync/internal/watchlist"
)

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("engine already running")

// Deps are collaborators supplied by the caller. Zero values are replaced
// with defaults built from the configuration.
type Deps struct {
	Storage *storage.Storage
	// Sinks receive notifications in addition to the log.
	Sinks []notify.Sink
}

// Engine is the synchronization core. Create it with New, then call Run.
type Engine struct {
	cfg *config.Config

	store      *storage.Storage
	ownsStore  bool
	client     *api.Client
	quotes     *quotes.Store
	evaluator  *alerts.Evaluator
	dispatcher *dispatch.Dispatcher
	stream     *stream.Manager
	watchlist  *watchlist.Watchlist
	sink       *notify.Async

	prefsMu sync.RWMutex
	prefs   models.Preferences

	// alertMu serializes backend alert mutations with RefreshAlerts, from
	// the request through the local sync, so a list fetched before a
	// create or delete is never applied after it.
	alertMu sync.Mutex
	// persistMu makes reading an alert's state and writing it one step, so
	// an older snapshot never overwrites a newer trigger.
	persistMu sync.Mutex

	failMu   sync.Mutex
	failures map[string]int

	runMu   sync.Mutex
	running bool
}

// New builds every component and restores local state: preferences, the
// watchlist (subscribing its symbols) and cached alerts.
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	e := &Engine{
		cfg:       cfg,
		store:     deps.Storage,
		quotes:    quotes.NewStore(),
		evaluator: alerts.NewEvaluator(),
		failures:  make(map[string]int),
	}
	if e.store == nil {
		e.store = storage.Open(cfg.Storage.DBPath)
		e.ownsStore = true
	}
	e.prefs = e.store.LoadPreferences()
	e.evaluator.SetPriceSource(func(symbol string) (decimal.Decimal, bool) {
		q, ok := e.quotes.Get(symbol)
		return q.Price, ok
	})

	e.client = api.NewClient(cfg.API.BaseURL, cfg.API.Timeout, api.ClientConfig{
		MaxIdleConns:        cfg.API.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.API.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.API.IdleConnTimeout,
	})

	sinks := append(notify.Multi{notify.LogSink{}}, deps.Sinks...)
	e.sink = notify.NewAsync(notify.Gate{Sink: sinks, Enabled: e.notificationsEnabled}, cfg.Notifications.QueueSize)

	e.dispatcher = dispatch.New(e.quotes, e.evaluator, e.sink, cfg.Alerts.SignalFeedSize)
	e.dispatcher.OnTrigger(e.persistTrigger)

	e.stream = stream.NewManager(stream.Config{
		URL:              cfg.Stream.URL,
		BaseDelay:        cfg.Stream.BaseDelay,
		MaxDelay:         cfg.Stream.MaxDelay,
		Jitter:           cfg.Stream.Jitter,
		StableAfter:      cfg.Stream.StableAfter,
		PingInterval:     cfg.Stream.PingInterval,
		PongWait:         cfg.Stream.PongWait,
		WriteTimeout:     cfg.Stream.WriteTimeout,
		HandshakeTimeout: cfg.Stream.HandshakeTimeout,
	}, e.dispatcher.OnMessage)

	e.watchlist = watchlist.New(e.store, e.quotes, e.stream)
	e.watchlist.Load(cfg.Watchlist.DefaultSymbols)

	cached, err := e.store.LoadAlerts()
	if err != nil {
		logger.Debug("Failed to load cached alerts: %v", err)
	}
	for _, a := range cached {
		if err := e.evaluator.Add(a); err != nil {
			logger.Debug("Skipping cached alert %s: %v", a.ID, err)
		}
	}
	logger.Info("Engine initialized: %d symbols, %d cached alerts, storage %s",
		e.watchlist.Len(), e.evaluator.Len(), e.store.Path())

	return e, nil
}

// Run connects the stream and polls REST on schedule until ctx is done.
// Teardown runs on every exit path.
func (e *Engine) Run(ctx context.Context) error {
	e.runMu.Lock()
	if e.running {
		e.runMu.Unlock()
		return ErrAlreadyRunning
	}
	e.running = true
	e.runMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	scheduler := gocron.NewScheduler(time.UTC)
	defer func() {
		cancel()
		scheduler.Stop()
		e.stream.Close()
		e.sink.Close()
		e.dispatcher.Close()
		e.quotes.Close()
		logger.Info("Engine stopped")
	}()

	if err := e.stream.Connect(ctx); err != nil {
		return fmt.Errorf("failed to start stream: %w", err)
	}

	if _, err := scheduler.Every(e.cfg.Refresh.QuotesInterval).SingletonMode().Do(func() {
		_ = e.RefreshQuotes(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule quote refresh: %w", err)
	}
	if _, err := scheduler.Every(e.cfg.Refresh.AlertsInterval).SingletonMode().Do(func() {
		_ = e.RefreshAlerts(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule alert refresh: %w", err)
	}
	scheduler.StartAsync()

	logger.Info("Engine running (quotes every %v, alerts every %v)",
		e.cfg.Refresh.QuotesInterval, e.cfg.Refresh.AlertsInterval)

	<-ctx.Done()
	return nil
}

// Close drains pending notifications and releases local storage when the
// engine opened it. Call after Run has returned.
func (e *Engine) Close() error {
	e.sink.Close()
	if !e.ownsStore {
		return nil
	}
	return e.store.Close()
}

// RefreshQuotes fetches a snapshot for every watched symbol and every symbol
// with an active alert, then merges it.
func (e *Engine) RefreshQuotes(ctx context.Context) error {
	symbols := e.refreshSymbols()
	if len(symbols) == 0 {
		return nil
	}

	qs, err := e.client.GetQuotes(ctx, symbols)
	if err != nil {
		e.reportFailure(ctx, "Quote refresh", err)
		return err
	}
	e.reportSuccess("Quote refresh")

	n := e.dispatcher.MergeSnapshot(qs)
	logger.Debug("Merged %d of %d snapshot quotes", n, len(qs))
	return nil
}

func (e *Engine) refreshSymbols() []string {
	symbols := e.watchlist.Symbols()
	seen := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		seen[s] = true
	}
	for _, a := range e.evaluator.Active() {
		if !seen[a.Symbol] {
			seen[a.Symbol] = true
			symbols = append(symbols, a.Symbol)
		}
	}
	return symbols
}

// RefreshAlerts replaces the local alert cache with the backend's list.
// Local triggered state survives the refresh.
func (e *Engine) RefreshAlerts(ctx context.Context) error {
	e.alertMu.Lock()
	defer e.alertMu.Unlock()

	list, err := e.client.ListAlerts(ctx)
	if err != nil {
		e.reportFailure(ctx, "Alert refresh", err)
		return err
	}
	e.reportSuccess("Alert refresh")

	for i := range list {
		list[i].Symbol = models.NormalizeSymbol(list[i].Symbol)
	}
	n := e.evaluator.Sync(list)

	e.persistMu.Lock()
	err = e.store.ReplaceAlerts(e.evaluator.All())
	e.persistMu.Unlock()
	if err != nil {
		logger.Warn("Failed to persist alerts: %v", err)
	}
	logger.Debug("Alert cache synced: %d alerts", n)
	return nil
}

// AddSymbol adds a symbol to the watchlist and subscribes to it.
func (e *Engine) AddSymbol(symbol, displayName string) error {
	if err := e.watchlist.Add(symbol, displayName); err != nil {
		return err
	}
	e.sink.Notify(models.NotificationEvent{
		Kind:    models.KindSuccess,
		Message: fmt.Sprintf("%s added to watchlist", models.NormalizeSymbol(symbol)),
	})
	return nil
}

// RemoveSymbol removes a symbol from the watchlist and unsubscribes it.
func (e *Engine) RemoveSymbol(symbol string) bool {
	return e.watchlist.Remove(symbol)
}

// CreateAlert creates an alert on the backend and caches it locally. The
// alert fires on the first qualifying quote after creation.
func (e *Engine) CreateAlert(ctx context.Context, symbol string, cond models.Condition, target decimal.Decimal) (models.Alert, error) {
	a := models.Alert{
		ID:          uuid.NewString(),
		Symbol:      models.NormalizeSymbol(symbol),
		Condition:   cond,
		TargetPrice: target,
		CreatedAt:   time.Now().UTC(),
	}
	if err := a.Validate(); err != nil {
		return models.Alert{}, err
	}

	e.alertMu.Lock()
	defer e.alertMu.Unlock()

	created, err := e.client.CreateAlert(ctx, a)
	if err != nil {
		e.notifyError("Create alert", err)
		return models.Alert{}, err
	}
	created.Symbol = models.NormalizeSymbol(created.Symbol)
	if err := e.evaluator.Add(created); err != nil {
		return models.Alert{}, fmt.Errorf("backend returned invalid alert: %w", err)
	}
	e.persistAlert(created.ID)

	e.sink.Notify(models.NotificationEvent{
		Kind:    models.KindSuccess,
		Message: fmt.Sprintf("Alert created: %s %s %s", created.Symbol, created.Condition, created.TargetPrice),
	})
	return created, nil
}

// DeleteAlert deletes an alert on the backend and locally. An alert the
// backend no longer knows is still removed locally.
func (e *Engine) DeleteAlert(ctx context.Context, id string) error {
	e.alertMu.Lock()
	defer e.alertMu.Unlock()

	if err := e.client.DeleteAlert(ctx, id); err != nil && !errors.Is(err, api.ErrNotFound) {
		e.notifyError("Delete alert", err)
		return err
	}
	e.persistMu.Lock()
	e.evaluator.Remove(id)
	err := e.store.DeleteAlert(id)
	e.persistMu.Unlock()
	if err != nil {
		logger.Warn("Failed to delete cached alert %s: %v", id, err)
	}
	return nil
}

// ResetAlert re-arms a triggered alert on the backend and locally.
func (e *Engine) ResetAlert(ctx context.Context, id string) (models.Alert, error) {
	e.alertMu.Lock()
	defer e.alertMu.Unlock()

	a, ok := e.evaluator.Get(id)
	if !ok {
		return models.Alert{}, fmt.Errorf("%w: %s", alerts.ErrNotFound, id)
	}
	a.Triggered = false
	a.TriggeredAt = nil

	if _, err := e.client.UpdateAlert(ctx, a); err != nil {
		e.notifyError("Reset alert", err)
		return models.Alert{}, err
	}
	e.persistMu.Lock()
	reset, err := e.evaluator.Reset(id)
	if err == nil {
		if err := e.store.SaveAlert(reset); err != nil {
			logger.Warn("Failed to persist alert %s: %v", id, err)
		}
	}
	e.persistMu.Unlock()
	if err != nil {
		return models.Alert{}, err
	}
	return reset, nil
}

// OHLCV fetches candle history for a symbol.
func (e *Engine) OHLCV(ctx context.Context, symbol, interval, period string) ([]models.OHLCV, error) {
	bars, err := e.client.GetOHLCV(ctx, models.NormalizeSymbol(symbol), interval, period)
	if err != nil {
		e.notifyError("Chart data", err)
		return nil, err
	}
	return bars, nil
}

// Preferences returns the current client preferences.
func (e *Engine) Preferences() models.Preferences {
	e.prefsMu.RLock()
	defer e.prefsMu.RUnlock()
	return e.prefs
}

// SetPreferences stores new preferences. Unknown values are normalized.
func (e *Engine) SetPreferences(p models.Preferences) error {
	p = p.Normalize()
	if err := e.store.SavePreferences(p); err != nil {
		return err
	}
	e.prefsMu.Lock()
	e.prefs = p
	e.prefsMu.Unlock()
	return nil
}

func (e *Engine) notificationsEnabled() bool {
	return e.Preferences().Notifications.Enabled
}

// Watchlist returns the watchlist entries with their latest quotes.
func (e *Engine) Watchlist() []models.WatchlistEntry {
	return e.watchlist.Entries()
}

// Quotes returns every cached quote.
func (e *Engine) Quotes() []models.Quote {
	return e.quotes.GetAll()
}

// Alerts returns every cached alert.
func (e *Engine) Alerts() []models.Alert {
	return e.evaluator.All()
}

// ActiveAlerts returns alerts that have not fired.
func (e *Engine) ActiveAlerts() []models.Alert {
	return e.evaluator.Active()
}

// Signals returns the recent signal feed, newest first.
func (e *Engine) Signals() []models.Signal {
	return e.dispatcher.Signals()
}

// State returns the stream connection state.
func (e *Engine) State() models.ConnectionState {
	return e.stream.State()
}

// ConnectionStates streams connection state transitions.
func (e *Engine) ConnectionStates(buffer int) (<-chan models.ConnectionState, func()) {
	return e.stream.States(buffer)
}

// SubscribeQuotes streams every stored quote.
func (e *Engine) SubscribeQuotes(buffer int) (<-chan models.Quote, func()) {
	return e.quotes.Subscribe(buffer)
}

// SubscribeTriggers streams every alert trigger.
func (e *Engine) SubscribeTriggers(buffer int) (<-chan models.TriggerEvent, func()) {
	return e.dispatcher.SubscribeTriggers(buffer)
}

// SubscribeSignals streams every accepted signal.
func (e *Engine) SubscribeSignals(buffer int) (<-chan models.Signal, func()) {
	return e.dispatcher.SubscribeSignals(buffer)
}

// Status renders a short summary for chat commands.
func (e *Engine) Status() string {
	stats := e.dispatcher.Stats()
	var b strings.Builder
	fmt.Fprintf(&b, "Stream: %s\n", e.State())
	fmt.Fprintf(&b, "Watchlist: %s\n", strings.Join(e.watchlist.Symbols(), ", "))
	fmt.Fprintf(&b, "Alerts: %d active of %d\n", len(e.evaluator.Active()), e.evaluator.Len())
	fmt.Fprintf(&b, "Frames: %d received, %d dropped", stats.Received, stats.Dropped)
	return b.String()
}

func (e *Engine) persistTrigger(ev models.TriggerEvent) {
	e.persistAlert(ev.Alert.ID)
}

// persistAlert saves the evaluator's current state of id. Reading it under
// persistMu means the row written is never older than one already saved.
func (e *Engine) persistAlert(id string) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	a, ok := e.evaluator.Get(id)
	if !ok {
		return
	}
	if err := e.store.SaveAlert(a); err != nil {
		logger.Warn("Failed to persist alert %s: %v", id, err)
	}
}

// reportFailure notifies once per failure streak of op. Cancellation during
// shutdown is not a failure.
func (e *Engine) reportFailure(ctx context.Context, op string, err error) {
	if ctx.Err() != nil {
		logger.Debug("%s cancelled: %v", op, err)
		return
	}
	e.failMu.Lock()
	e.failures[op]++
	first := e.failures[op] == 1
	e.failMu.Unlock()

	logger.Error("%s failed: %v", op, err)
	if first {
		e.sink.Notify(models.NotificationEvent{Kind: models.KindError, Title: op + " failed", Message: err.Error()})
	}
}

func (e *Engine) reportSuccess(op string) {
	e.failMu.Lock()
	n := e.failures[op]
	e.failures[op] = 0
	e.failMu.Unlock()

	if n > 0 {
		e.sink.Notify(models.NotificationEvent{
			Kind:    models.KindSuccess,
			Message: fmt.Sprintf("%s recovered after %d consecutive failure(s)", op, n),
		})
	}
}

func (e *Engine) notifyError(op string, err error) {
	logger.Error("%s failed: %v", op, err)
	e.sink.Notify(models.NotificationEvent{Kind: models.KindError, Title: op + " failed", Message: err.Error()})
}
