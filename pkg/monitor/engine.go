package monitor

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tickworks/flowtrader/pkg/models"
)

// Update is the market state a monitor is evaluated against.
type Update struct {
	PriceTicks      int64
	VolumeChangePct float64
	Trend           models.Direction
	At              time.Time
}

// UpgradeFunc is invoked when a monitor's upgrade conditions are all
// satisfied. The engine fires it and moves on; the callback owns the
// follow-up oracle round trip.
type UpgradeFunc func(sig *models.Signal, plan models.MonitorPlan, at time.Time)

type entry struct {
	id        string
	signal    *models.Signal
	plan      models.MonitorPlan
	startedAt time.Time
}

// Engine watches market updates on behalf of WAIT decisions. Invalidate
// conditions are evaluated before upgrade conditions; an expired monitor
// is discarded silently.
type Engine struct {
	monitors  map[string]*entry
	onUpgrade UpgradeFunc
	log       *logrus.Logger
}

// NewEngine creates an empty monitor engine.
func NewEngine(onUpgrade UpgradeFunc, log *logrus.Logger) *Engine {
	return &Engine{
		monitors:  make(map[string]*entry),
		onUpgrade: onUpgrade,
		log:       log,
	}
}

// Register adds a monitor for a WAIT decision.
func (e *Engine) Register(sig *models.Signal, plan models.MonitorPlan, now time.Time) string {
	id := uuid.NewString()
	e.monitors[id] = &entry{
		id:        id,
		signal:    sig,
		plan:      plan,
		startedAt: now,
	}
	e.log.WithFields(logrus.Fields{
		"monitor_id": id,
		"signal_id":  sig.ID,
		"duration":   plan.Duration,
	}).Info("Monitor registered")
	return id
}

// OnMarketUpdate evaluates every live monitor against the update.
func (e *Engine) OnMarketUpdate(u Update) {
	for id, m := range e.monitors {
		if u.At.Sub(m.startedAt) > m.plan.Duration {
			delete(e.monitors, id)
			e.log.WithField("monitor_id", id).Debug("Monitor expired")
			continue
		}

		if !m.plan.Invalidate.Empty() && matchesAny(m.plan.Invalidate, u) {
			delete(e.monitors, id)
			e.log.WithFields(logrus.Fields{
				"monitor_id": id,
				"signal_id":  m.signal.ID,
			}).Info("Monitor invalidated")
			continue
		}

		if matchesAll(m.plan.Upgrade, u) {
			delete(e.monitors, id)
			e.log.WithFields(logrus.Fields{
				"monitor_id": id,
				"signal_id":  m.signal.ID,
			}).Info("Monitor upgraded")
			if e.onUpgrade != nil {
				e.onUpgrade(m.signal, m.plan, u.At)
			}
		}
	}
}

// Active returns the number of live monitors.
func (e *Engine) Active() int { return len(e.monitors) }

// matchesAny reports whether at least one specified predicate holds.
// Invalidation is a disjunction: any breached guard kills the monitor.
func matchesAny(c models.ConditionSet, u Update) bool {
	if c.PriceAbove != nil && u.PriceTicks > *c.PriceAbove {
		return true
	}
	if c.PriceBelow != nil && u.PriceTicks < *c.PriceBelow {
		return true
	}
	if c.VolumeChangePct != nil && u.VolumeChangePct >= *c.VolumeChangePct {
		return true
	}
	if c.Trend != nil && u.Trend == *c.Trend {
		return true
	}
	return false
}

// matchesAll reports whether every specified predicate holds. Upgrading is
// a conjunction over the predicates the plan actually names.
func matchesAll(c models.ConditionSet, u Update) bool {
	if c.Empty() {
		return false
	}
	if c.PriceAbove != nil && u.PriceTicks <= *c.PriceAbove {
		return false
	}
	if c.PriceBelow != nil && u.PriceTicks >= *c.PriceBelow {
		return false
	}
	if c.VolumeChangePct != nil && u.VolumeChangePct < *c.VolumeChangePct {
		return false
	}
	if c.Trend != nil && u.Trend != *c.Trend {
		return false
	}
	return true
}
