package signal

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tickworks/flowtrader/pkg/detect"
	"github.com/tickworks/flowtrader/pkg/models"
)

func newTestEmitter(cfg Config) *Emitter {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return New(cfg, "ESZ6", log)
}

func strongPattern(at time.Time) *detect.Pattern {
	return &detect.Pattern{
		Type:        models.PatternIceberg,
		Direction:   models.DirectionLong,
		PriceTicks:  5982,
		Strength:    1.0,
		RestingSize: 600,
		OrderCount:  7,
		At:          at,
	}
}

func supportiveContext(at time.Time) models.MarketContext {
	return models.MarketContext{
		LastPriceTicks: 5983,
		VWAPTicks:      5990,
		CVD:            1200,
		ATRTicks:       8,
		Trend:          models.DirectionLong,
		At:             at,
	}
}

func TestEmitScoresFullConfluence(t *testing.T) {
	cfg := DefaultConfig()
	e := newTestEmitter(cfg)
	at := time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC) // inside active hours

	sig := e.Emit(strongPattern(at), supportiveContext(at))
	if sig == nil {
		t.Fatal("fully supported pattern not emitted")
	}
	// All six contributions at full weight sum to the documented ceiling.
	if sig.Score != 135 {
		t.Fatalf("score = %v, want 135", sig.Score)
	}
	if sig.Breakdown.Trend != cfg.TrendWeight || sig.Breakdown.CVD != cfg.CVDWeight {
		t.Fatalf("breakdown = %+v, want full trend and CVD bonuses", sig.Breakdown)
	}
}

func TestScoreCappedAtMax(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxScore = 100
	e := newTestEmitter(cfg)
	at := time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)

	sig := e.Emit(strongPattern(at), supportiveContext(at))
	if sig == nil {
		t.Fatal("signal not emitted")
	}
	if sig.Score != 100 {
		t.Fatalf("score = %v, want capped at 100", sig.Score)
	}
	if sig.Breakdown.Total() <= 100 {
		t.Fatalf("breakdown total = %v, want above cap before capping", sig.Breakdown.Total())
	}
}

func TestProtectiveLevelsFromATR(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StopATRMultiple = 1.5
	cfg.RiskReward = 2.0
	e := newTestEmitter(cfg)
	at := time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)

	sig := e.Emit(strongPattern(at), supportiveContext(at))
	if sig == nil {
		t.Fatal("signal not emitted")
	}
	if sig.StopLossOffsetTicks != 12 {
		t.Fatalf("stop offset = %d, want 12", sig.StopLossOffsetTicks)
	}
	if sig.TakeProfitOffsetTicks != 24 {
		t.Fatalf("take profit offset = %d, want 24", sig.TakeProfitOffsetTicks)
	}
}

func TestSubThresholdDropped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinScore = 100
	e := newTestEmitter(cfg)
	at := time.Date(2026, 3, 4, 3, 0, 0, 0, time.UTC) // outside active hours

	p := strongPattern(at)
	p.Strength = 0
	p.RestingSize = 0
	ctx := models.MarketContext{ATRTicks: 8, At: at} // no agreement anywhere

	if sig := e.Emit(p, ctx); sig != nil {
		t.Fatalf("sub-threshold signal emitted with score %v", sig.Score)
	}
}

func TestGlobalCooldownSuppressesReDetection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalCooldown = 30 * time.Second
	e := newTestEmitter(cfg)
	at := time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)

	first := e.Emit(strongPattern(at), supportiveContext(at))
	second := e.Emit(strongPattern(at.Add(10*time.Second)), supportiveContext(at))
	if first == nil {
		t.Fatal("first detection not emitted")
	}
	if second != nil {
		t.Fatal("re-detection inside global cooldown emitted a second signal")
	}

	third := e.Emit(strongPattern(at.Add(3*time.Minute)), supportiveContext(at))
	if third == nil {
		t.Fatal("detection after cooldowns elapsed not emitted")
	}
}

func TestPerPriceCooldown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalCooldown = time.Second
	cfg.PriceCooldown = 5 * time.Minute
	e := newTestEmitter(cfg)
	at := time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)

	if sig := e.Emit(strongPattern(at), supportiveContext(at)); sig == nil {
		t.Fatal("first emission failed")
	}

	// Global cooldown has elapsed, per-price has not.
	same := strongPattern(at.Add(time.Minute))
	if sig := e.Emit(same, supportiveContext(at)); sig != nil {
		t.Fatal("same-price re-detection emitted inside per-price cooldown")
	}

	// A different price is unaffected.
	other := strongPattern(at.Add(2 * time.Minute))
	other.PriceTicks = 6010
	if sig := e.Emit(other, supportiveContext(at)); sig == nil {
		t.Fatal("different-price detection suppressed by per-price cooldown")
	}
}
