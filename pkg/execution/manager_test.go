package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tickworks/flowtrader/pkg/models"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func limitDecision(signalID string, version int, fallback models.FallbackAction, expiresIn time.Duration) models.StrategyDecision {
	return models.TradeDecision(signalID, version, models.StrategyPlan{
		Side: models.OrderSideBuy,
		Size: 2,
		Order: models.OrderSpec{
			Kind:       models.OrderKindLimit,
			PriceTicks: 5980,
			ExpiresIn:  expiresIn,
			Fallback:   fallback,
		},
		StopLossOffsetTicks:   8,
		TakeProfitOffsetTicks: 16,
	}, models.Constraints{MaxChaseTicks: 3, DefaultTIF: "GTC"})
}

func newTestManager() (*Manager, *PaperVenue) {
	venue := NewPaperVenue()
	m := NewManager("ESZ6", venue, DefaultConfig(), testLogger())
	m.UpdateMarket(5985)
	return m, venue
}

func TestSubmitIsIdempotent(t *testing.T) {
	m, venue := newTestManager()
	ctx := context.Background()

	d := limitDecision("sig-1", 1, models.FallbackCancel, time.Minute)
	if err := m.Submit(ctx, d, nil); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	err := m.Submit(ctx, d, nil)
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second submit err = %v, want ErrDuplicate", err)
	}
	if got := len(venue.Placed()); got != 1 {
		t.Fatalf("orders placed = %d, want 1", got)
	}

	// A new decision version is a different decision.
	if err := m.Submit(ctx, limitDecision("sig-1", 2, models.FallbackCancel, time.Minute), nil); err != nil {
		t.Fatalf("new version submit: %v", err)
	}
	if got := len(venue.Placed()); got != 2 {
		t.Fatalf("orders placed = %d, want 2", got)
	}
}

func TestTerminalStatesAbsorb(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	if err := m.Submit(ctx, limitDecision("sig-1", 1, models.FallbackCancel, time.Minute), nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	id := "fo-sig-1-1"

	if !m.transition(id, StateCancelled, "test") {
		t.Fatal("first transition lost")
	}
	for _, to := range []State{StateFilled, StateFailed, StateClosed, StatePending} {
		if m.transition(id, to, "test") {
			t.Fatalf("transition out of CANCELLED to %s permitted", to)
		}
	}
	if po, _ := m.Order(id); po.State != StateCancelled {
		t.Fatalf("state = %s, want CANCELLED", po.State)
	}
}

func TestFillThenSweepIsSingleWinner(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	if err := m.Submit(ctx, limitDecision("sig-1", 1, models.FallbackMarket, time.Millisecond), nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	id := "fo-sig-1-1"

	m.OnNotification(ctx, models.VenueNotification{Kind: models.NotifyFill, ClientOrderID: id, PriceTicks: 5980, Size: 2})

	// Expiry has long passed, but the fill already won.
	m.SweepExpired(ctx, time.Now().Add(time.Hour))

	po, _ := m.Order(id)
	if po.State != StateFilled {
		t.Fatalf("state = %s, want FILLED", po.State)
	}
	if m.PendingCount() != 0 {
		t.Fatalf("pending count = %d, want 0", m.PendingCount())
	}
}

func TestExpiredLimitWithMarketFallback(t *testing.T) {
	m, venue := newTestManager()
	ctx := context.Background()

	if err := m.Submit(ctx, limitDecision("sig-1", 1, models.FallbackMarket, 60*time.Second), nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	m.SweepExpired(ctx, time.Now().Add(61*time.Second))

	var markets, pendingLimits int
	for _, po := range m.Orders() {
		if po.Spec.Kind == models.OrderKindMarket {
			markets++
		}
		if po.Spec.Kind == models.OrderKindLimit && po.State == StatePending {
			pendingLimits++
		}
	}
	if markets != 1 {
		t.Fatalf("market orders = %d, want exactly 1", markets)
	}
	if pendingLimits != 0 {
		t.Fatalf("pending limit orders = %d, want 0", pendingLimits)
	}

	// A second sweep must not re-apply the fallback.
	m.SweepExpired(ctx, time.Now().Add(2*time.Hour))
	reqs := venue.Placed()
	var marketReqs int
	for _, r := range reqs {
		if r.Kind == models.OrderKindMarket {
			marketReqs++
		}
	}
	if marketReqs != 1 {
		t.Fatalf("market requests = %d, want exactly 1", marketReqs)
	}
}

func TestRepriceClampsToMaxChase(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Constraints.MaxChaseTicks = 2
	cfg.RepriceStepTicks = 1
	venue := NewPaperVenue()
	m := NewManager("ESZ6", venue, cfg, testLogger())
	m.UpdateMarket(6000) // far above entry, chase upward

	ctx := context.Background()
	if err := m.Submit(ctx, limitDecision("sig-1", 1, models.FallbackReprice, time.Second), nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Expire repeatedly; the chase must stop at entry+2.
	for i := 0; i < 5; i++ {
		m.SweepExpired(ctx, time.Now().Add(time.Hour))
	}

	var maxPrice int64
	for _, r := range venue.Placed() {
		if r.Kind == models.OrderKindLimit && r.PriceTicks > maxPrice {
			maxPrice = r.PriceTicks
		}
	}
	if maxPrice != 5982 {
		t.Fatalf("furthest chased price = %d, want 5982 (entry 5980 + 2)", maxPrice)
	}
}

func TestKillSwitchCancelsAndSuppresses(t *testing.T) {
	m, venue := newTestManager()
	ctx := context.Background()

	if err := m.Submit(ctx, limitDecision("sig-1", 1, models.FallbackMarket, time.Minute), nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	m.EngageKillSwitch(ctx)

	if m.PendingCount() != 0 {
		t.Fatalf("pending after kill switch = %d, want 0", m.PendingCount())
	}
	if err := m.Submit(ctx, limitDecision("sig-2", 1, models.FallbackCancel, time.Minute), nil); !errors.Is(err, ErrHalted) {
		t.Fatalf("submit under kill switch err = %v, want ErrHalted", err)
	}

	// An expiry racing the kill switch must not resubmit as market.
	m.SweepExpired(ctx, time.Now().Add(time.Hour))
	for _, r := range venue.Placed() {
		if r.Kind == models.OrderKindMarket {
			t.Fatal("fallback resubmitted after kill switch")
		}
	}

	m.ClearKillSwitch()
	if err := m.Submit(ctx, limitDecision("sig-3", 1, models.FallbackCancel, time.Minute), nil); err != nil {
		t.Fatalf("submit after clear: %v", err)
	}
}

func TestProtectiveOrdersPlacedOnlyAfterFill(t *testing.T) {
	m, venue := newTestManager()
	ctx := context.Background()

	if err := m.Submit(ctx, limitDecision("sig-1", 1, models.FallbackCancel, time.Minute), nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	for _, r := range venue.Placed() {
		if r.ReduceOnly {
			t.Fatal("protective order placed before fill confirmation")
		}
	}

	m.OnNotification(ctx, models.VenueNotification{Kind: models.NotifyFill, ClientOrderID: "fo-sig-1-1", PriceTicks: 5980, Size: 2})

	reqs := venue.Placed()
	var stop, take *models.OrderRequest
	for i := range reqs {
		switch reqs[i].ClientOrderID {
		case "fo-sig-1-1-stop":
			stop = &reqs[i]
		case "fo-sig-1-1-take":
			take = &reqs[i]
		}
	}
	if stop == nil || take == nil {
		t.Fatal("protective orders not placed after fill")
	}
	if stop.PriceTicks != 5972 || stop.Side != models.OrderSideSell {
		t.Fatalf("stop = %+v, want sell @ 5972", stop)
	}
	if take.PriceTicks != 5996 || take.Side != models.OrderSideSell {
		t.Fatalf("take = %+v, want sell @ 5996", take)
	}
}

func TestProtectiveFillClosesOrder(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	if err := m.Submit(ctx, limitDecision("sig-1", 1, models.FallbackCancel, time.Minute), nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	m.OnNotification(ctx, models.VenueNotification{Kind: models.NotifyFill, ClientOrderID: "fo-sig-1-1", PriceTicks: 5980, Size: 2})
	m.OnNotification(ctx, models.VenueNotification{Kind: models.NotifyFill, ClientOrderID: "fo-sig-1-1-take", PriceTicks: 5996, Size: 2})

	po, _ := m.Order("fo-sig-1-1")
	if po.State != StateClosed {
		t.Fatalf("state = %s, want CLOSED", po.State)
	}
}

func TestVenueRejectionFailsOrder(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	if err := m.Submit(ctx, limitDecision("sig-1", 1, models.FallbackCancel, time.Minute), nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	m.OnNotification(ctx, models.VenueNotification{Kind: models.NotifyReject, ClientOrderID: "fo-sig-1-1", Reason: "price out of band"})

	po, _ := m.Order("fo-sig-1-1")
	if po.State != StateFailed {
		t.Fatalf("state = %s, want FAILED", po.State)
	}
}

func TestMarketOrderHasNoExpiry(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	d := models.TradeDecision("sig-1", 1, models.StrategyPlan{
		Side:  models.OrderSideBuy,
		Size:  1,
		Order: models.OrderSpec{Kind: models.OrderKindMarket, Fallback: models.FallbackCancel},
	}, models.Constraints{})
	if err := m.Submit(ctx, d, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	m.SweepExpired(ctx, time.Now().Add(24*time.Hour))
	po, _ := m.Order("fo-sig-1-1")
	if po.State != StatePending {
		t.Fatalf("market order state after sweep = %s, want PENDING until confirmation", po.State)
	}
}

func TestOnTransitionObservesStateChanges(t *testing.T) {
	venue := NewPaperVenue()
	cfg := DefaultConfig()
	var terminal []State
	cfg.OnTransition = func(from, to State) {
		if to.Terminal() {
			terminal = append(terminal, to)
		}
	}
	m := NewManager("ESZ6", venue, cfg, testLogger())
	m.UpdateMarket(5985)
	ctx := context.Background()

	if err := m.Submit(ctx, limitDecision("sig-1", 1, models.FallbackCancel, time.Minute), nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(terminal) != 0 {
		t.Fatalf("terminal transitions after submit = %v, want none", terminal)
	}

	m.OnNotification(ctx, models.VenueNotification{Kind: models.NotifyFill, ClientOrderID: "fo-sig-1-1", PriceTicks: 5980, Size: 2})
	m.OnNotification(ctx, models.VenueNotification{Kind: models.NotifyFill, ClientOrderID: "fo-sig-1-1-take", PriceTicks: 5996, Size: 2})

	if len(terminal) != 1 || terminal[0] != StateClosed {
		t.Fatalf("terminal transitions = %v, want [CLOSED]", terminal)
	}

	if err := m.Submit(ctx, limitDecision("sig-2", 1, models.FallbackCancel, time.Minute), nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	m.OnNotification(ctx, models.VenueNotification{Kind: models.NotifyReject, ClientOrderID: "fo-sig-2-1", Reason: "price out of band"})

	if len(terminal) != 2 || terminal[1] != StateFailed {
		t.Fatalf("terminal transitions = %v, want FAILED appended", terminal)
	}
}
