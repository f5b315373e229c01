package detect

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tickworks/flowtrader/pkg/book"
	"github.com/tickworks/flowtrader/pkg/models"
)

// Config contains the pattern-detection thresholds.
type Config struct {
	// Iceberg detection
	IcebergMinOrders int // orders resting at one exact price

	// Spoofing detection
	SpoofMinSize int64         // cancelled order size to qualify
	SpoofMaxAge  time.Duration // cancelled order age to qualify

	// Absorption detection
	AbsorptionMinTradeSize   int64 // aggressive trade size to qualify
	AbsorptionMinRestingSize int64 // resting order considered "large"
	AbsorptionRecentWindow   time.Duration
}

// DefaultConfig returns the default detection thresholds.
func DefaultConfig() Config {
	return Config{
		IcebergMinOrders:         5,
		SpoofMinSize:             200,
		SpoofMaxAge:              500 * time.Millisecond,
		AbsorptionMinTradeSize:   100,
		AbsorptionMinRestingSize: 300,
		AbsorptionRecentWindow:   2 * time.Second,
	}
}

// Pattern is a classified order-flow candidate handed to the signal
// emitter. Strength is a 0..1 measure of how far past its threshold the
// pattern sits.
type Pattern struct {
	Type        models.PatternType
	Direction   models.Direction
	PriceTicks  int64
	Strength    float64
	RestingSize int64
	OrderCount  int
	TradeSize   int64
	At          time.Time
}

// Detector classifies patterns from tracker state plus the triggering
// event. It keeps no state of its own beyond the tracker.
type Detector struct {
	cfg  Config
	book *book.Tracker
	log  *logrus.Logger
}

// New creates a detector over the given tracker.
func New(cfg Config, tracker *book.Tracker, log *logrus.Logger) *Detector {
	return &Detector{cfg: cfg, book: tracker, log: log}
}

// OnSubmit evaluates iceberg criteria at the submitted order's exact price.
// Repeated small orders stacking at one price are the iceberg signature;
// a resting bid stack reads as support (long), an ask stack as resistance
// (short).
func (d *Detector) OnSubmit(ev models.MarketEvent) *Pattern {
	total, count := d.book.LevelAt(ev.PriceTicks)
	if count < d.cfg.IcebergMinOrders {
		return nil
	}

	dir := models.DirectionLong
	if ev.Side == models.BookSideAsk {
		dir = models.DirectionShort
	}

	d.log.WithFields(logrus.Fields{
		"instrument": ev.Instrument,
		"price":      ev.PriceTicks,
		"orders":     count,
		"total_size": total,
	}).Debug("Iceberg candidate")

	return &Pattern{
		Type:        models.PatternIceberg,
		Direction:   dir,
		PriceTicks:  ev.PriceTicks,
		Strength:    ratio(float64(count), float64(d.cfg.IcebergMinOrders)),
		RestingSize: total,
		OrderCount:  count,
		At:          ev.At,
	}
}

// OnCancel evaluates spoof criteria for a just-cancelled order. The bias is
// inverted from the order's side: a large bid pulled quickly was fake
// buying pressure, so the read is short.
func (d *Detector) OnCancel(ev models.MarketEvent, side models.BookSide, priceTicks, size int64, age time.Duration) *Pattern {
	if size < d.cfg.SpoofMinSize || age >= d.cfg.SpoofMaxAge {
		return nil
	}

	dir := models.DirectionShort
	if side == models.BookSideAsk {
		dir = models.DirectionLong
	}

	d.log.WithFields(logrus.Fields{
		"instrument": ev.Instrument,
		"price":      priceTicks,
		"size":       size,
		"age_ms":     age.Milliseconds(),
	}).Debug("Spoof candidate")

	return &Pattern{
		Type:        models.PatternSpoof,
		Direction:   dir,
		PriceTicks:  priceTicks,
		Strength:    ratio(float64(size), float64(d.cfg.SpoofMinSize)),
		RestingSize: size,
		At:          ev.At,
	}
}

// OnTrade evaluates absorption criteria for a trade execution. A large
// trade into a price that holds (or very recently held) a large resting
// order is being absorbed; the bias follows the side that is not being
// eaten.
func (d *Detector) OnTrade(ev models.MarketEvent) *Pattern {
	if ev.Size < d.cfg.AbsorptionMinTradeSize {
		return nil
	}

	large := d.book.MaxOrderSizeAt(ev.PriceTicks) >= d.cfg.AbsorptionMinRestingSize
	if !large {
		large = d.book.RecentlyRemovedAt(ev.PriceTicks, d.cfg.AbsorptionMinRestingSize, ev.At, d.cfg.AbsorptionRecentWindow)
	}
	if !large {
		return nil
	}

	restingSide, ok := d.book.SideAt(ev.PriceTicks)
	if !ok {
		// Level already emptied; infer the resting side from the aggressor.
		restingSide = ev.Aggressor.Opposite()
	}

	// Asks being eaten means the aggressive buying is being absorbed and
	// the bias is continuation upward; bids being eaten reads short.
	dir := models.DirectionLong
	if restingSide == models.BookSideBid {
		dir = models.DirectionShort
	}

	d.log.WithFields(logrus.Fields{
		"instrument": ev.Instrument,
		"price":      ev.PriceTicks,
		"trade_size": ev.Size,
	}).Debug("Absorption candidate")

	return &Pattern{
		Type:       models.PatternAbsorption,
		Direction:  dir,
		PriceTicks: ev.PriceTicks,
		Strength:   ratio(float64(ev.Size), float64(d.cfg.AbsorptionMinTradeSize)),
		TradeSize:  ev.Size,
		At:         ev.At,
	}
}

// ratio maps value/threshold into 0..1, saturating at twice the threshold.
func ratio(value, threshold float64) float64 {
	if threshold <= 0 {
		return 1
	}
	r := (value - threshold) / threshold
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}
