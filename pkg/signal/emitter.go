package signal

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tickworks/flowtrader/pkg/detect"
	"github.com/tickworks/flowtrader/pkg/models"
)

// Config controls confluence scoring, protective-level sizing and
// emission throttling.
type Config struct {
	// Score weights. Pattern strength scales PatternWeight; the context
	// weights are flat bonuses granted when the context agrees.
	PatternWeight   float64
	TrendWeight     float64
	VWAPWeight      float64
	CVDWeight       float64
	TimeOfDayWeight float64
	SizeWeight      float64

	MaxScore float64 // confluence ceiling
	MinScore float64 // emission threshold

	// Protective levels: stop = ATR * StopATRMultiple, target = stop * RR.
	StopATRMultiple float64
	RiskReward      float64

	// Active session window (UTC hours) granting the time-of-day bonus.
	ActiveHourStart int
	ActiveHourEnd   int

	// SizeBonusRef is the resting/trade size at which the full size bonus
	// is granted.
	SizeBonusRef int64

	GlobalCooldown time.Duration
	PriceCooldown  time.Duration
}

// DefaultConfig returns the default scoring configuration.
func DefaultConfig() Config {
	return Config{
		PatternWeight:   50,
		TrendWeight:     25,
		VWAPWeight:      15,
		CVDWeight:       15,
		TimeOfDayWeight: 10,
		SizeWeight:      20,
		MaxScore:        135,
		MinScore:        70,
		StopATRMultiple: 1.0,
		RiskReward:      2.0,
		ActiveHourStart: 13, // US cash open, UTC
		ActiveHourEnd:   20,
		SizeBonusRef:    500,
		GlobalCooldown:  30 * time.Second,
		PriceCooldown:   2 * time.Minute,
	}
}

// Emitter turns detected patterns into scored signals, suppressing
// sub-threshold scores and re-detections inside a cooldown window.
type Emitter struct {
	cfg        Config
	instrument string
	lastEmit   time.Time
	lastAtTick map[int64]time.Time
	emitted    uint64
	log        *logrus.Logger
}

// New creates an emitter for one instrument.
func New(cfg Config, instrument string, log *logrus.Logger) *Emitter {
	return &Emitter{
		cfg:        cfg,
		instrument: instrument,
		lastAtTick: make(map[int64]time.Time),
		log:        log,
	}
}

// Emit scores a pattern against the supplied market context and returns a
// signal, or nil when the score is below threshold or a cooldown holds.
func (e *Emitter) Emit(p *detect.Pattern, mctx models.MarketContext) *models.Signal {
	if !e.lastEmit.IsZero() && p.At.Sub(e.lastEmit) < e.cfg.GlobalCooldown {
		e.log.WithFields(logrus.Fields{
			"instrument": e.instrument,
			"pattern":    p.Type,
		}).Debug("Signal suppressed by global cooldown")
		return nil
	}
	if last, seen := e.lastAtTick[p.PriceTicks]; seen && p.At.Sub(last) < e.cfg.PriceCooldown {
		e.log.WithFields(logrus.Fields{
			"instrument": e.instrument,
			"price":      p.PriceTicks,
		}).Debug("Signal suppressed by per-price cooldown")
		return nil
	}

	breakdown := e.score(p, mctx)
	score := breakdown.Total()
	if score > e.cfg.MaxScore {
		score = e.cfg.MaxScore
	}
	if score < e.cfg.MinScore {
		e.log.WithFields(logrus.Fields{
			"instrument": e.instrument,
			"pattern":    p.Type,
			"score":      score,
		}).Debug("Signal below threshold dropped")
		return nil
	}

	stop := int64(float64(mctx.ATRTicks) * e.cfg.StopATRMultiple)
	if stop < 1 {
		stop = 1
	}
	target := int64(float64(stop) * e.cfg.RiskReward)

	e.lastEmit = p.At
	e.lastAtTick[p.PriceTicks] = p.At
	e.emitted++

	sig := &models.Signal{
		ID:                    fmt.Sprintf("%s-%s-%d-%d", e.instrument, p.Type, p.PriceTicks, e.emitted),
		Instrument:            e.instrument,
		Type:                  p.Type,
		Direction:             p.Direction,
		PriceTicks:            p.PriceTicks,
		Score:                 score,
		Breakdown:             breakdown,
		StopLossOffsetTicks:   stop,
		TakeProfitOffsetTicks: target,
		DetectedAt:            p.At,
	}

	e.log.WithFields(logrus.Fields{
		"instrument": e.instrument,
		"signal_id":  sig.ID,
		"pattern":    sig.Type,
		"direction":  sig.Direction,
		"score":      sig.Score,
	}).Info("Signal emitted")

	return sig
}

func (e *Emitter) score(p *detect.Pattern, mctx models.MarketContext) models.ScoreBreakdown {
	b := models.ScoreBreakdown{
		Pattern: e.cfg.PatternWeight * (0.5 + 0.5*p.Strength),
	}

	if mctx.Trend == p.Direction {
		b.Trend = e.cfg.TrendWeight
	}

	// Price on the favorable side of VWAP supports the signal: longs below
	// VWAP get the reversion bonus, shorts above it.
	if mctx.VWAPTicks > 0 {
		if p.Direction == models.DirectionLong && p.PriceTicks <= mctx.VWAPTicks {
			b.VWAP = e.cfg.VWAPWeight
		}
		if p.Direction == models.DirectionShort && p.PriceTicks >= mctx.VWAPTicks {
			b.VWAP = e.cfg.VWAPWeight
		}
	}

	if (p.Direction == models.DirectionLong && mctx.CVD > 0) ||
		(p.Direction == models.DirectionShort && mctx.CVD < 0) {
		b.CVD = e.cfg.CVDWeight
	}

	hour := p.At.UTC().Hour()
	if hour >= e.cfg.ActiveHourStart && hour < e.cfg.ActiveHourEnd {
		b.TimeOfDay = e.cfg.TimeOfDayWeight
	}

	size := p.RestingSize
	if p.Type == models.PatternAbsorption {
		size = p.TradeSize
	}
	if e.cfg.SizeBonusRef > 0 && size > 0 {
		frac := float64(size) / float64(e.cfg.SizeBonusRef)
		if frac > 1 {
			frac = 1
		}
		b.Size = e.cfg.SizeWeight * frac
	}

	return b
}
