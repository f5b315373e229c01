package execution

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tickworks/flowtrader/pkg/models"
)

// PaperVenue acknowledges orders locally without touching a real venue.
// It backs dry-run mode and tests; fills are injected by the caller.
type PaperVenue struct {
	mu       sync.Mutex
	orders   map[string]models.Order
	placed   []models.OrderRequest
	notifyCh chan models.VenueNotification
}

// NewPaperVenue creates an empty paper venue.
func NewPaperVenue() *PaperVenue {
	return &PaperVenue{
		orders:   make(map[string]models.Order),
		notifyCh: make(chan models.VenueNotification, 64),
	}
}

// PlaceOrder acknowledges the order immediately.
func (v *PaperVenue) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	order := models.Order{
		OrderID:       uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Instrument:    req.Instrument,
		Side:          req.Side,
		Kind:          req.Kind,
		PriceTicks:    req.PriceTicks,
		Size:          req.Size,
		CreatedAt:     time.Now(),
	}
	v.orders[req.ClientOrderID] = order
	v.placed = append(v.placed, req)
	return order, nil
}

// CancelOrder acknowledges the cancel and emits a cancel-ack notification.
func (v *PaperVenue) CancelOrder(ctx context.Context, clientOrderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	delete(v.orders, clientOrderID)
	v.emit(models.VenueNotification{
		Kind:          models.NotifyCancelAck,
		ClientOrderID: clientOrderID,
		At:            time.Now(),
	})
	return nil
}

// Notifications returns the asynchronous execution-report stream.
func (v *PaperVenue) Notifications() <-chan models.VenueNotification {
	return v.notifyCh
}

// Fill injects a fill notification for a previously placed order.
func (v *PaperVenue) Fill(clientOrderID string, priceTicks, size int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.emit(models.VenueNotification{
		Kind:          models.NotifyFill,
		ClientOrderID: clientOrderID,
		PriceTicks:    priceTicks,
		Size:          size,
		At:            time.Now(),
	})
}

// Reject injects a reject notification.
func (v *PaperVenue) Reject(clientOrderID, reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.emit(models.VenueNotification{
		Kind:          models.NotifyReject,
		ClientOrderID: clientOrderID,
		Reason:        reason,
		At:            time.Now(),
	})
}

// Placed returns a copy of every order request seen, in arrival order.
func (v *PaperVenue) Placed() []models.OrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]models.OrderRequest, len(v.placed))
	copy(out, v.placed)
	return out
}

func (v *PaperVenue) emit(n models.VenueNotification) {
	select {
	case v.notifyCh <- n:
	default:
		// Never block on a stalled consumer.
	}
}
