package book

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tickworks/flowtrader/pkg/models"
)

// OrderRecord is one resting order tracked from the market-by-order feed.
// Records are owned exclusively by the Tracker.
type OrderRecord struct {
	ID         string
	Side       models.BookSide
	PriceTicks int64
	Size       int64
	CreatedAt  time.Time
	ModifiedAt time.Time
	Cancelled  bool
}

// priceLevel aggregates the active orders resting at one price. Its
// totalSize is kept equal to the sum of sizes of the mapped records on
// every mutation.
type priceLevel struct {
	orders    map[string]*OrderRecord
	totalSize int64
}

// removal remembers a large order that recently left a price level, so
// absorption detection can still attribute trades to it shortly after.
type removal struct {
	priceTicks int64
	size       int64
	at         time.Time
}

// maxRemovals bounds the removal history between prunes. Any entry old
// enough to be displaced is far outside every absorption window.
const maxRemovals = 256

// Tracker maintains per-order and per-price-level state for a single
// instrument. It is not safe for concurrent use; all mutations arrive on
// one sequential event stream.
type Tracker struct {
	instrument string
	orders     map[string]*OrderRecord
	levels     map[int64]*priceLevel
	removals   []removal
	log        *logrus.Logger
}

// NewTracker creates an empty tracker for one instrument.
func NewTracker(instrument string, log *logrus.Logger) *Tracker {
	return &Tracker{
		instrument: instrument,
		orders:     make(map[string]*OrderRecord),
		levels:     make(map[int64]*priceLevel),
		log:        log,
	}
}

// Instrument returns the instrument this tracker is keyed by.
func (t *Tracker) Instrument() string { return t.instrument }

// Submit creates a new order record and adds it to the level aggregate.
// A duplicate id is a stale or replayed event: logged and ignored.
func (t *Tracker) Submit(id string, side models.BookSide, priceTicks, size int64, at time.Time) {
	if _, exists := t.orders[id]; exists {
		t.log.WithFields(logrus.Fields{
			"instrument": t.instrument,
			"order_id":   id,
		}).Warn("Duplicate submit ignored")
		return
	}

	rec := &OrderRecord{
		ID:         id,
		Side:       side,
		PriceTicks: priceTicks,
		Size:       size,
		CreatedAt:  at,
		ModifiedAt: at,
	}
	t.orders[id] = rec
	t.addToLevel(rec)
}

// Modify updates an order's price and size, moving it between level
// aggregates when the price changed. Unknown ids are stale events.
func (t *Tracker) Modify(id string, newPriceTicks, newSize int64, at time.Time) {
	rec, exists := t.orders[id]
	if !exists {
		t.log.WithFields(logrus.Fields{
			"instrument": t.instrument,
			"order_id":   id,
		}).Debug("Modify for unknown order ignored")
		return
	}

	t.removeFromLevel(rec)
	rec.PriceTicks = newPriceTicks
	rec.Size = newSize
	rec.ModifiedAt = at
	t.addToLevel(rec)
}

// Cancel marks the record cancelled, removes it from its aggregate and
// returns the order's pre-cancel age and size for spoof evaluation.
// ok is false for an unknown id.
func (t *Tracker) Cancel(id string, at time.Time) (age time.Duration, side models.BookSide, priceTicks, size int64, ok bool) {
	rec, exists := t.orders[id]
	if !exists {
		t.log.WithFields(logrus.Fields{
			"instrument": t.instrument,
			"order_id":   id,
		}).Debug("Cancel for unknown order ignored")
		return 0, "", 0, 0, false
	}

	age = at.Sub(rec.CreatedAt)
	side = rec.Side
	priceTicks = rec.PriceTicks
	size = rec.Size

	rec.Cancelled = true
	t.removeFromLevel(rec)
	delete(t.orders, id)

	if len(t.removals) >= maxRemovals {
		copy(t.removals, t.removals[1:])
		t.removals = t.removals[:maxRemovals-1]
	}
	t.removals = append(t.removals, removal{priceTicks: priceTicks, size: size, at: at})
	return age, side, priceTicks, size, true
}

// LevelAt returns the total resting size and active order count at a price.
func (t *Tracker) LevelAt(priceTicks int64) (totalSize int64, count int) {
	lvl, exists := t.levels[priceTicks]
	if !exists {
		return 0, 0
	}
	return lvl.totalSize, len(lvl.orders)
}

// SideAt returns the dominant resting side at a price. With an exchange
// feed a level only ever holds one side; mixed levels report the side with
// more resting size.
func (t *Tracker) SideAt(priceTicks int64) (models.BookSide, bool) {
	lvl, exists := t.levels[priceTicks]
	if !exists || len(lvl.orders) == 0 {
		return "", false
	}
	var bid, ask int64
	for _, rec := range lvl.orders {
		if rec.Side == models.BookSideBid {
			bid += rec.Size
		} else {
			ask += rec.Size
		}
	}
	if ask > bid {
		return models.BookSideAsk, true
	}
	return models.BookSideBid, true
}

// MaxOrderSizeAt returns the size of the largest single order at a price.
func (t *Tracker) MaxOrderSizeAt(priceTicks int64) int64 {
	lvl, exists := t.levels[priceTicks]
	if !exists {
		return 0
	}
	var max int64
	for _, rec := range lvl.orders {
		if rec.Size > max {
			max = rec.Size
		}
	}
	return max
}

// RecentlyRemovedAt reports whether an order of at least minSize left the
// level at priceTicks within the window before now. Expired entries are
// pruned on the way through.
func (t *Tracker) RecentlyRemovedAt(priceTicks, minSize int64, now time.Time, window time.Duration) bool {
	cutoff := now.Add(-window)
	kept := t.removals[:0]
	found := false
	for _, r := range t.removals {
		if r.at.Before(cutoff) {
			continue
		}
		kept = append(kept, r)
		if r.priceTicks == priceTicks && r.size >= minSize {
			found = true
		}
	}
	t.removals = kept
	return found
}

// ActiveOrders returns the number of live records across all levels.
func (t *Tracker) ActiveOrders() int { return len(t.orders) }

func (t *Tracker) addToLevel(rec *OrderRecord) {
	lvl, exists := t.levels[rec.PriceTicks]
	if !exists {
		lvl = &priceLevel{orders: make(map[string]*OrderRecord)}
		t.levels[rec.PriceTicks] = lvl
	}
	lvl.orders[rec.ID] = rec
	lvl.totalSize += rec.Size
}

func (t *Tracker) removeFromLevel(rec *OrderRecord) {
	lvl, exists := t.levels[rec.PriceTicks]
	if !exists {
		return
	}
	if _, mapped := lvl.orders[rec.ID]; !mapped {
		return
	}
	delete(lvl.orders, rec.ID)
	lvl.totalSize -= rec.Size
	if len(lvl.orders) == 0 {
		delete(t.levels, rec.PriceTicks)
	}
}
