package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tickworks/flowtrader/pkg/models"
)

var (
	// ErrDuplicate indicates the decision's idempotency key was already seen.
	ErrDuplicate = errors.New("duplicate decision")
	// ErrHalted indicates the kill switch is engaged.
	ErrHalted = errors.New("kill switch engaged")
)

// Config bounds the execution manager's behavior.
type Config struct {
	DefaultSize      int64
	SweepInterval    time.Duration
	RepriceExpiry    time.Duration // fresh, shorter expiry after a REPRICE
	RepriceStepTicks int64         // ticks moved toward market per reprice
	IdempotencyTTL   time.Duration
	Constraints      models.Constraints

	// OnTransition, when set, observes every successful state change.
	// Called with the manager lock held; must not call back into it.
	OnTransition func(from, to State)
}

// DefaultConfig returns conservative execution defaults.
func DefaultConfig() Config {
	return Config{
		DefaultSize:      1,
		SweepInterval:    time.Second,
		RepriceExpiry:    15 * time.Second,
		RepriceStepTicks: 1,
		IdempotencyTTL:   time.Hour,
		Constraints: models.Constraints{
			MaxRiskTicks:     16,
			MaxChaseTicks:    3,
			MaxSlippageTicks: 2,
			DefaultTIF:       "GTC",
		},
	}
}

// PendingOrder is one tracked order from submission until terminal state.
type PendingOrder struct {
	ID             string // client order id
	IdempotencyKey string
	VenueOrderID   string
	Instrument     string
	Side           models.OrderSide
	Size           int64
	Spec           models.OrderSpec
	EntryTicks     int64 // original requested price, chase anchor
	ChasedTicks    int64
	ExpiresAt      time.Time
	State          State
	FilledTicks    int64
	StopOffset     int64
	TakeOffset     int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Manager owns the order state machine: submission with idempotency,
// fills, timeouts, fallbacks and the kill switch. The fill path and the
// timeout sweep both funnel through one guarded transition, so exactly one
// of them ever moves an order out of PENDING.
type Manager struct {
	instrument string
	venue      Venue
	cfg        Config
	log        *logrus.Logger

	mu         sync.Mutex
	orders     map[string]*PendingOrder // by client order id
	protective map[string]string        // protective client id -> parent id
	seen       *keyStore

	killed     atomic.Bool
	marketTick atomic.Int64
}

// NewManager creates an execution manager for one instrument.
func NewManager(instrument string, venue Venue, cfg Config, log *logrus.Logger) *Manager {
	return &Manager{
		instrument: instrument,
		venue:      venue,
		cfg:        cfg,
		log:        log,
		orders:     make(map[string]*PendingOrder),
		protective: make(map[string]string),
		seen:       newKeyStore(cfg.IdempotencyTTL),
	}
}

// UpdateMarket records the latest market price, the chase target for
// REPRICE fallbacks.
func (m *Manager) UpdateMarket(priceTicks int64) {
	m.marketTick.Store(priceTicks)
}

// Submit turns a TRADE decision into a tracked order. A duplicate
// idempotency key or an engaged kill switch suppresses the submission.
func (m *Manager) Submit(ctx context.Context, d models.StrategyDecision, sig *models.Signal) error {
	if m.killed.Load() {
		m.log.WithField("signal_id", d.SignalID).Warn("Submission suppressed: kill switch engaged")
		return ErrHalted
	}
	if d.Action != models.ActionTrade || d.Strategy == nil {
		return fmt.Errorf("%w: submit requires a TRADE decision", models.ErrMalformedDecision)
	}

	key := d.IdempotencyKey()
	if !m.seen.Claim(key, time.Now()) {
		m.log.WithField("idempotency_key", key).Info("Duplicate decision dropped")
		return ErrDuplicate
	}

	plan := d.Strategy
	side := plan.Side
	if side == "" && sig != nil {
		side = models.SideFor(sig.Direction)
	}
	size := plan.Size
	if size <= 0 {
		size = m.cfg.DefaultSize
	}
	tif := plan.Order.TIF
	if tif == "" {
		tif = m.cfg.Constraints.DefaultTIF
	}

	po := &PendingOrder{
		ID:             fmt.Sprintf("fo-%s-%d", d.SignalID, d.Version),
		IdempotencyKey: key,
		Instrument:     m.instrument,
		Side:           side,
		Size:           size,
		Spec:           plan.Order,
		EntryTicks:     plan.Order.PriceTicks,
		State:          StatePending,
		StopOffset:     plan.StopLossOffsetTicks,
		TakeOffset:     plan.TakeProfitOffsetTicks,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	if plan.Order.Kind != models.OrderKindMarket && plan.Order.ExpiresIn > 0 {
		po.ExpiresAt = time.Now().Add(plan.Order.ExpiresIn)
	}

	m.mu.Lock()
	m.orders[po.ID] = po
	m.mu.Unlock()

	return m.place(ctx, po, tif)
}

func (m *Manager) place(ctx context.Context, po *PendingOrder, tif string) error {
	order, err := m.venue.PlaceOrder(ctx, models.OrderRequest{
		ClientOrderID: po.ID,
		Instrument:    po.Instrument,
		Side:          po.Side,
		Kind:          po.Spec.Kind,
		PriceTicks:    po.Spec.PriceTicks,
		Size:          po.Size,
		TimeInForce:   tif,
	})
	if err != nil {
		// Venue rejection: FAILED, no automatic retry.
		m.transition(po.ID, StateFailed, "venue rejected placement: "+err.Error())
		return err
	}

	m.mu.Lock()
	po.VenueOrderID = order.OrderID
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"instrument": m.instrument,
		"order_id":   po.ID,
		"kind":       po.Spec.Kind,
		"side":       po.Side,
		"price":      po.Spec.PriceTicks,
		"size":       po.Size,
	}).Info("Order placed")
	return nil
}

// OnNotification applies an asynchronous venue execution report. Reports
// for orders no longer in PENDING lose the race and are logged only.
func (m *Manager) OnNotification(ctx context.Context, n models.VenueNotification) {
	m.mu.Lock()
	parentID, isProtective := m.protective[n.ClientOrderID]
	m.mu.Unlock()

	if isProtective {
		m.onProtectiveNotification(ctx, parentID, n)
		return
	}

	switch n.Kind {
	case models.NotifyFill:
		if !m.transition(n.ClientOrderID, StateFilled, "fill confirmed") {
			return
		}
		m.mu.Lock()
		po := m.orders[n.ClientOrderID]
		if po != nil {
			po.FilledTicks = n.PriceTicks
		}
		m.mu.Unlock()
		if po != nil {
			m.placeProtective(ctx, po)
		}
	case models.NotifyReject:
		m.transition(n.ClientOrderID, StateFailed, "venue rejected: "+n.Reason)
	case models.NotifyCancelAck:
		// Cancels are transitioned at the point we request them; the ack
		// is informational.
		m.log.WithField("order_id", n.ClientOrderID).Debug("Cancel acknowledged")
	}
}

// placeProtective attaches the stop-loss and take-profit orders. They are
// only issued here, after the entry fill is confirmed.
func (m *Manager) placeProtective(ctx context.Context, po *PendingOrder) {
	if po.StopOffset <= 0 && po.TakeOffset <= 0 {
		return
	}

	exitSide := po.Side.Opposite()
	fill := po.FilledTicks
	sign := int64(1)
	if po.Side == models.OrderSideBuy {
		sign = -1
	}

	if po.StopOffset > 0 {
		stopID := po.ID + "-stop"
		m.mu.Lock()
		m.protective[stopID] = po.ID
		m.mu.Unlock()
		_, err := m.venue.PlaceOrder(ctx, models.OrderRequest{
			ClientOrderID: stopID,
			Instrument:    po.Instrument,
			Side:          exitSide,
			Kind:          models.OrderKindStopMarket,
			PriceTicks:    fill + sign*po.StopOffset,
			Size:          po.Size,
			ReduceOnly:    true,
		})
		if err != nil {
			m.log.WithError(err).WithField("order_id", po.ID).Error("Failed to place stop-loss")
		}
	}
	if po.TakeOffset > 0 {
		takeID := po.ID + "-take"
		m.mu.Lock()
		m.protective[takeID] = po.ID
		m.mu.Unlock()
		_, err := m.venue.PlaceOrder(ctx, models.OrderRequest{
			ClientOrderID: takeID,
			Instrument:    po.Instrument,
			Side:          exitSide,
			Kind:          models.OrderKindLimit,
			PriceTicks:    fill - sign*po.TakeOffset,
			Size:          po.Size,
			ReduceOnly:    true,
		})
		if err != nil {
			m.log.WithError(err).WithField("order_id", po.ID).Error("Failed to place take-profit")
		}
	}
}

func (m *Manager) onProtectiveNotification(ctx context.Context, parentID string, n models.VenueNotification) {
	if n.Kind != models.NotifyFill {
		return
	}
	if !m.transition(parentID, StateClosed, "protective order filled") {
		return
	}
	// Cancel the surviving sibling so the position cannot re-open.
	m.mu.Lock()
	var sibling string
	for id, parent := range m.protective {
		if parent == parentID && id != n.ClientOrderID {
			sibling = id
		}
		if parent == parentID {
			delete(m.protective, id)
		}
	}
	m.mu.Unlock()
	if sibling != "" {
		if err := m.venue.CancelOrder(ctx, sibling); err != nil {
			m.log.WithError(err).WithField("order_id", sibling).Error("Failed to cancel sibling protective order")
		}
	}
}

// SweepExpired applies the fallback to every pending order whose expiry has
// passed. The PENDING→CANCELLED transition is the single-winner gate, so a
// fill racing the sweep leaves exactly one of the two paths acting.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) {
	m.mu.Lock()
	var expired []*PendingOrder
	for _, po := range m.orders {
		if po.State == StatePending && !po.ExpiresAt.IsZero() && now.After(po.ExpiresAt) {
			expired = append(expired, po)
		}
	}
	m.mu.Unlock()

	for _, po := range expired {
		if !m.transition(po.ID, StateCancelled, "expired") {
			continue // fill path won the race
		}
		if err := m.venue.CancelOrder(ctx, po.ID); err != nil {
			m.log.WithError(err).WithField("order_id", po.ID).Error("Failed to cancel expired order")
		}
		m.applyFallback(ctx, po)
	}
}

// applyFallback runs exactly once per expired order. The kill switch is
// re-checked here: an in-flight fallback must not resubmit after a halt.
func (m *Manager) applyFallback(ctx context.Context, po *PendingOrder) {
	if m.killed.Load() {
		m.log.WithField("order_id", po.ID).Warn("Fallback suppressed: kill switch engaged")
		return
	}

	switch po.Spec.Fallback {
	case models.FallbackCancel:
		// Cancellation already done above.

	case models.FallbackMarket:
		next := m.child(po, "mkt")
		next.Spec = models.OrderSpec{Kind: models.OrderKindMarket, Fallback: models.FallbackCancel}
		m.register(next)
		if err := m.place(ctx, next, m.cfg.Constraints.DefaultTIF); err == nil {
			m.log.WithFields(logrus.Fields{
				"order_id": po.ID,
				"next_id":  next.ID,
			}).Info("Expired order resubmitted as market")
		}

	case models.FallbackReprice:
		price, chased, ok := m.repriceTarget(po)
		if !ok {
			m.log.WithField("order_id", po.ID).Info("Chase limit reached, not repricing")
			return
		}
		next := m.child(po, fmt.Sprintf("rp%d", chased))
		next.Spec = models.OrderSpec{
			Kind:       models.OrderKindLimit,
			PriceTicks: price,
			Fallback:   models.FallbackReprice,
		}
		next.EntryTicks = po.EntryTicks // chase is measured from the original entry
		next.ChasedTicks = chased
		next.ExpiresAt = time.Now().Add(m.cfg.RepriceExpiry)
		m.register(next)
		if err := m.place(ctx, next, m.cfg.Constraints.DefaultTIF); err == nil {
			m.log.WithFields(logrus.Fields{
				"order_id": po.ID,
				"next_id":  next.ID,
				"price":    price,
			}).Info("Expired order repriced")
		}
	}
}

// repriceTarget steps the order price toward the current market, clamped so
// the cumulative chase never exceeds MaxChaseTicks from the original entry.
func (m *Manager) repriceTarget(po *PendingOrder) (price, chased int64, ok bool) {
	maxChase := m.cfg.Constraints.MaxChaseTicks
	if po.ChasedTicks >= maxChase {
		return 0, 0, false
	}

	step := m.cfg.RepriceStepTicks
	if step <= 0 {
		step = 1
	}
	chased = po.ChasedTicks + step
	if chased > maxChase {
		chased = maxChase
	}

	market := m.marketTick.Load()
	dir := int64(1)
	if market < po.EntryTicks {
		dir = -1
	}
	price = po.EntryTicks + dir*chased

	// Never step past the market itself.
	if dir > 0 && price > market {
		price = market
	}
	if dir < 0 && price < market {
		price = market
	}
	if price == po.Spec.PriceTicks {
		return 0, 0, false
	}
	return price, chased, true
}

func (m *Manager) child(po *PendingOrder, suffix string) *PendingOrder {
	return &PendingOrder{
		ID:             po.ID + "-" + suffix,
		IdempotencyKey: po.IdempotencyKey,
		Instrument:     po.Instrument,
		Side:           po.Side,
		Size:           po.Size,
		State:          StatePending,
		StopOffset:     po.StopOffset,
		TakeOffset:     po.TakeOffset,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
}

func (m *Manager) register(po *PendingOrder) {
	m.mu.Lock()
	m.orders[po.ID] = po
	m.mu.Unlock()
}

// EngageKillSwitch halts new submissions and force-cancels every pending
// order regardless of expiry.
func (m *Manager) EngageKillSwitch(ctx context.Context) {
	m.killed.Store(true)

	m.mu.Lock()
	var pending []*PendingOrder
	for _, po := range m.orders {
		if po.State == StatePending {
			pending = append(pending, po)
		}
	}
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"instrument": m.instrument,
		"pending":    len(pending),
	}).Warn("Kill switch engaged")

	for _, po := range pending {
		if !m.transition(po.ID, StateCancelled, "kill switch") {
			continue
		}
		if err := m.venue.CancelOrder(ctx, po.ID); err != nil {
			m.log.WithError(err).WithField("order_id", po.ID).Error("Failed to cancel order on kill switch")
		}
	}
}

// ClearKillSwitch re-enables submissions.
func (m *Manager) ClearKillSwitch() {
	m.killed.Store(false)
	m.log.WithField("instrument", m.instrument).Info("Kill switch cleared")
}

// Killed reports the kill switch state.
func (m *Manager) Killed() bool { return m.killed.Load() }

// transition attempts the single atomic state change for an order. The
// winner returns true; any later attempt observes the changed state and
// logs a duplicate-event warning instead of acting.
func (m *Manager) transition(orderID string, to State, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	po, exists := m.orders[orderID]
	if !exists {
		m.log.WithField("order_id", orderID).Debug("Event for unknown order ignored")
		return false
	}
	if !canTransition(po.State, to) {
		m.log.WithFields(logrus.Fields{
			"order_id": orderID,
			"state":    po.State,
			"attempt":  to,
			"reason":   reason,
		}).Info("Duplicate event: transition rejected")
		return false
	}

	from := po.State
	po.State = to
	po.UpdatedAt = time.Now()
	m.log.WithFields(logrus.Fields{
		"order_id": orderID,
		"state":    to,
		"reason":   reason,
	}).Info("Order state changed")
	if m.cfg.OnTransition != nil {
		m.cfg.OnTransition(from, to)
	}
	return true
}

// Order returns a snapshot of one tracked order.
func (m *Manager) Order(id string) (PendingOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	po, exists := m.orders[id]
	if !exists {
		return PendingOrder{}, false
	}
	return *po, true
}

// Orders returns snapshots of all tracked orders.
func (m *Manager) Orders() []PendingOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PendingOrder, 0, len(m.orders))
	for _, po := range m.orders {
		out = append(out, *po)
	}
	return out
}

// PendingCount returns the number of orders still in PENDING.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, po := range m.orders {
		if po.State == StatePending {
			n++
		}
	}
	return n
}
