package monitor

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tickworks/flowtrader/pkg/models"
)

func i64(v int64) *int64                       { return &v }
func dir(d models.Direction) *models.Direction { return &d }

func testEngine(onUpgrade UpgradeFunc) *Engine {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewEngine(onUpgrade, log)
}

func waitSignal() *models.Signal {
	return &models.Signal{ID: "sig-1", Instrument: "ESZ6", Direction: models.DirectionLong}
}

func TestUpgradeRequiresAllPredicates(t *testing.T) {
	var upgraded int
	e := testEngine(func(sig *models.Signal, plan models.MonitorPlan, at time.Time) {
		upgraded++
	})
	now := time.Now()

	e.Register(waitSignal(), models.MonitorPlan{
		Duration: time.Minute,
		Upgrade:  models.ConditionSet{PriceAbove: i64(6000), Trend: dir(models.DirectionLong)},
	}, now)

	// Price alone is not enough.
	e.OnMarketUpdate(Update{PriceTicks: 6005, Trend: models.DirectionShort, At: now.Add(time.Second)})
	if upgraded != 0 {
		t.Fatal("upgraded on partial predicate match")
	}

	e.OnMarketUpdate(Update{PriceTicks: 6005, Trend: models.DirectionLong, At: now.Add(2 * time.Second)})
	if upgraded != 1 {
		t.Fatalf("upgraded = %d, want 1", upgraded)
	}
	if e.Active() != 0 {
		t.Fatal("upgraded monitor not discarded")
	}
}

func TestInvalidateEvaluatedFirst(t *testing.T) {
	var upgraded int
	e := testEngine(func(sig *models.Signal, plan models.MonitorPlan, at time.Time) {
		upgraded++
	})
	now := time.Now()

	e.Register(waitSignal(), models.MonitorPlan{
		Duration:   time.Minute,
		Upgrade:    models.ConditionSet{PriceAbove: i64(6000)},
		Invalidate: models.ConditionSet{PriceAbove: i64(5990)},
	}, now)

	// The update satisfies both sets; invalidation wins.
	e.OnMarketUpdate(Update{PriceTicks: 6010, At: now.Add(time.Second)})
	if upgraded != 0 {
		t.Fatal("monitor upgraded despite matching an invalidate condition")
	}
	if e.Active() != 0 {
		t.Fatal("invalidated monitor not discarded")
	}
}

func TestInvalidateIsDisjunction(t *testing.T) {
	e := testEngine(nil)
	now := time.Now()

	e.Register(waitSignal(), models.MonitorPlan{
		Duration:   time.Minute,
		Upgrade:    models.ConditionSet{PriceAbove: i64(6000)},
		Invalidate: models.ConditionSet{PriceBelow: i64(5970), Trend: dir(models.DirectionShort)},
	}, now)

	// Only the trend predicate matches; that alone invalidates.
	e.OnMarketUpdate(Update{PriceTicks: 5980, Trend: models.DirectionShort, At: now.Add(time.Second)})
	if e.Active() != 0 {
		t.Fatal("single matching invalidate predicate did not discard the monitor")
	}
}

func TestMonitorExpiresSilently(t *testing.T) {
	var upgraded int
	e := testEngine(func(sig *models.Signal, plan models.MonitorPlan, at time.Time) {
		upgraded++
	})
	now := time.Now()

	e.Register(waitSignal(), models.MonitorPlan{
		Duration: 30 * time.Second,
		Upgrade:  models.ConditionSet{PriceAbove: i64(6000)},
	}, now)

	// Past the duration even a matching update does nothing.
	e.OnMarketUpdate(Update{PriceTicks: 6010, At: now.Add(time.Minute)})
	if upgraded != 0 {
		t.Fatal("expired monitor upgraded")
	}
	if e.Active() != 0 {
		t.Fatal("expired monitor not discarded")
	}
}

func TestUpgradeCarriesSignal(t *testing.T) {
	var got *models.Signal
	e := testEngine(func(sig *models.Signal, plan models.MonitorPlan, at time.Time) {
		got = sig
	})
	now := time.Now()

	e.Register(waitSignal(), models.MonitorPlan{
		Duration: time.Minute,
		Upgrade:  models.ConditionSet{PriceBelow: i64(5970)},
	}, now)
	e.OnMarketUpdate(Update{PriceTicks: 5960, At: now.Add(time.Second)})

	if got == nil || got.ID != "sig-1" {
		t.Fatalf("upgrade callback signal = %+v, want sig-1", got)
	}
}
