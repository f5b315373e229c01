package execution

import (
	"context"

	"github.com/tickworks/flowtrader/pkg/models"
)

// Venue is the execution venue the manager places orders at. Fill, reject
// and cancel acknowledgements arrive asynchronously on the venue's own
// notification path and are fed to Manager.OnNotification.
type Venue interface {
	PlaceOrder(ctx context.Context, req models.OrderRequest) (models.Order, error)
	CancelOrder(ctx context.Context, clientOrderID string) error
}
