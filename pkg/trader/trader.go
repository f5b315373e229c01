package trader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tickworks/flowtrader/internal/metrics"
	"github.com/tickworks/flowtrader/pkg/book"
	"github.com/tickworks/flowtrader/pkg/detect"
	"github.com/tickworks/flowtrader/pkg/execution"
	"github.com/tickworks/flowtrader/pkg/models"
	"github.com/tickworks/flowtrader/pkg/monitor"
	"github.com/tickworks/flowtrader/pkg/oracle"
	"github.com/tickworks/flowtrader/pkg/signal"
)

// Config sizes the trader's plumbing.
type Config struct {
	Instrument    string
	InboxSize     int
	SweepInterval time.Duration
	VolumeWindow  time.Duration
	RecentSignals int
}

// DefaultConfig returns the default plumbing configuration.
func DefaultConfig(instrument string) Config {
	return Config{
		Instrument:    instrument,
		InboxSize:     4096,
		SweepInterval: time.Second,
		VolumeWindow:  time.Minute,
		RecentSignals: 64,
	}
}

type decisionEnvelope struct {
	decision models.StrategyDecision
	signal   *models.Signal
}

// FlowTrader wires the tracker, detector, emitter, oracle, monitor engine
// and execution manager for one instrument. Market events and decision
// applications are serialized on a single goroutine; only the oracle round
// trip, the timeout sweep and venue notifications run beside it.
type FlowTrader struct {
	cfg      Config
	book     *book.Tracker
	detector *detect.Detector
	emitter  *signal.Emitter
	oracle   oracle.Oracle
	exec     *execution.Manager
	monitors *monitor.Engine
	market   *marketState
	metrics  *metrics.Metrics
	log      *logrus.Logger

	inbox     chan models.MarketEvent
	decisions chan decisionEnvelope
	stopCh    chan struct{}
	stopOnce  sync.Once

	mu     sync.RWMutex
	recent []*models.Signal
}

// New assembles a trader for one instrument.
func New(cfg Config, detectCfg detect.Config, signalCfg signal.Config, orc oracle.Oracle, exec *execution.Manager, m *metrics.Metrics, log *logrus.Logger) *FlowTrader {
	tracker := book.NewTracker(cfg.Instrument, log)
	t := &FlowTrader{
		cfg:       cfg,
		book:      tracker,
		detector:  detect.New(detectCfg, tracker, log),
		emitter:   signal.New(signalCfg, cfg.Instrument, log),
		oracle:    orc,
		exec:      exec,
		market:    newMarketState(cfg.VolumeWindow),
		metrics:   m,
		log:       log,
		inbox:     make(chan models.MarketEvent, cfg.InboxSize),
		decisions: make(chan decisionEnvelope, 16),
		stopCh:    make(chan struct{}),
	}
	t.monitors = monitor.NewEngine(t.onMonitorUpgrade, log)
	return t
}

// Start launches the ingestion loop, the timeout sweep and the venue
// notification pump.
func (t *FlowTrader) Start(ctx context.Context, notifications <-chan models.VenueNotification) {
	t.log.WithField("instrument", t.cfg.Instrument).Info("Starting flow trader")

	go t.run(ctx)
	go t.sweepLoop(ctx)
	if notifications != nil {
		go t.notificationLoop(ctx, notifications)
	}
}

// Stop halts the trader's goroutines.
func (t *FlowTrader) Stop() {
	t.stopOnce.Do(func() {
		t.log.WithField("instrument", t.cfg.Instrument).Info("Stopping flow trader")
		close(t.stopCh)
	})
}

// Ingest queues a market event for sequential processing.
func (t *FlowTrader) Ingest(ev models.MarketEvent) {
	select {
	case t.inbox <- ev:
	case <-t.stopCh:
	}
}

// run is the single goroutine that owns the tracker, detector, emitter,
// monitor engine and market context.
func (t *FlowTrader) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case ev := <-t.inbox:
			t.handleEvent(ctx, ev)
		case env := <-t.decisions:
			t.applyDecision(ctx, env)
		}
	}
}

func (t *FlowTrader) handleEvent(ctx context.Context, ev models.MarketEvent) {
	t.metrics.EventsTotal.WithLabelValues(string(ev.Kind)).Inc()

	var pattern *detect.Pattern
	switch ev.Kind {
	case models.EventSubmit:
		t.book.Submit(ev.OrderID, ev.Side, ev.PriceTicks, ev.Size, ev.At)
		pattern = t.detector.OnSubmit(ev)

	case models.EventModify:
		t.book.Modify(ev.OrderID, ev.PriceTicks, ev.Size, ev.At)

	case models.EventCancel:
		age, side, price, size, ok := t.book.Cancel(ev.OrderID, ev.At)
		if ok {
			pattern = t.detector.OnCancel(ev, side, price, size, age)
		}

	case models.EventTrade:
		t.market.onTrade(ev)
		t.exec.UpdateMarket(ev.PriceTicks)
		t.monitors.OnMarketUpdate(monitor.Update{
			PriceTicks:      ev.PriceTicks,
			VolumeChangePct: t.market.volumeChangePct(),
			Trend:           t.market.trend(),
			At:              ev.At,
		})
		t.metrics.ActiveMonitors.Set(float64(t.monitors.Active()))
		pattern = t.detector.OnTrade(ev)
	}

	if pattern == nil {
		return
	}
	t.metrics.PatternsTotal.WithLabelValues(string(pattern.Type)).Inc()

	sig := t.emitter.Emit(pattern, t.market.snapshot(ev.At))
	if sig == nil {
		t.metrics.SignalsSuppressed.Inc()
		return
	}
	t.metrics.SignalsEmitted.Inc()
	t.remember(sig)
	t.consult(ctx, sig)
}

// consult fires the oracle round trip on its own goroutine so ingestion
// never blocks on the network; the decision re-enters through the
// decisions channel.
func (t *FlowTrader) consult(ctx context.Context, sig *models.Signal) {
	mctx := t.market.snapshot(time.Now())
	go func() {
		start := time.Now()
		decision, err := t.oracle.Decide(ctx, sig, mctx)
		t.metrics.OracleLatency.Observe(float64(time.Since(start).Milliseconds()))
		if err != nil {
			t.log.WithError(err).WithField("signal_id", sig.ID).Warn("Oracle call failed, passing")
		}
		select {
		case t.decisions <- decisionEnvelope{decision: decision, signal: sig}:
		case <-ctx.Done():
		case <-t.stopCh:
		}
	}()
}

func (t *FlowTrader) applyDecision(ctx context.Context, env decisionEnvelope) {
	d := env.decision
	t.metrics.DecisionsTotal.WithLabelValues(string(d.Action)).Inc()

	switch d.Action {
	case models.ActionTrade:
		err := t.exec.Submit(ctx, d, env.signal)
		switch {
		case err == nil:
		case errors.Is(err, execution.ErrDuplicate), errors.Is(err, execution.ErrHalted):
			// Already logged by the manager at the appropriate level.
		default:
			t.log.WithError(err).WithField("signal_id", d.SignalID).Error("Order submission failed")
		}
		t.metrics.PendingOrders.Set(float64(t.exec.PendingCount()))

	case models.ActionWait:
		if d.Monitor == nil {
			t.log.WithField("signal_id", d.SignalID).Warn("WAIT decision without monitor plan ignored")
			return
		}
		t.monitors.Register(env.signal, *d.Monitor, time.Now())
		t.metrics.ActiveMonitors.Set(float64(t.monitors.Active()))

	case models.ActionPass:
		t.log.WithFields(logrus.Fields{
			"signal_id": d.SignalID,
			"reasoning": d.Reasoning,
		}).Debug("Oracle passed")
	}
}

// onMonitorUpgrade re-asks the oracle with fresh context when a WAIT
// monitor's upgrade conditions are met. It runs on the ingestion goroutine.
func (t *FlowTrader) onMonitorUpgrade(sig *models.Signal, plan models.MonitorPlan, at time.Time) {
	t.log.WithField("signal_id", sig.ID).Info("Monitor upgraded, re-consulting oracle")
	t.consult(context.Background(), sig)
}

func (t *FlowTrader) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case now := <-ticker.C:
			t.exec.SweepExpired(ctx, now)
			t.metrics.PendingOrders.Set(float64(t.exec.PendingCount()))
		}
	}
}

func (t *FlowTrader) notificationLoop(ctx context.Context, notifications <-chan models.VenueNotification) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case n := <-notifications:
			t.exec.OnNotification(ctx, n)
		}
	}
}

func (t *FlowTrader) remember(sig *models.Signal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recent = append(t.recent, sig)
	if len(t.recent) > t.cfg.RecentSignals {
		t.recent = t.recent[len(t.recent)-t.cfg.RecentSignals:]
	}
}

// RecentSignals returns the most recently emitted signals, newest last.
func (t *FlowTrader) RecentSignals() []*models.Signal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*models.Signal, len(t.recent))
	copy(out, t.recent)
	return out
}

// Orders exposes the execution manager's tracked orders.
func (t *FlowTrader) Orders() []execution.PendingOrder {
	return t.exec.Orders()
}

// Killed reports the kill switch state.
func (t *FlowTrader) Killed() bool {
	return t.exec.Killed()
}

// EngageKillSwitch force-cancels all pending orders and suppresses new
// submissions until cleared.
func (t *FlowTrader) EngageKillSwitch(ctx context.Context) {
	t.exec.EngageKillSwitch(ctx)
	t.metrics.PendingOrders.Set(float64(t.exec.PendingCount()))
}

// ClearKillSwitch re-enables submissions.
func (t *FlowTrader) ClearKillSwitch() {
	t.exec.ClearKillSwitch()
}
