package models

import (
	"time"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// SideFor maps a signal direction to the venue order side.
func SideFor(d Direction) OrderSide {
	if d == DirectionLong {
		return OrderSideBuy
	}
	return OrderSideSell
}

// Opposite returns the other order side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderRequest is the normalized order sent to the execution venue.
type OrderRequest struct {
	ClientOrderID string
	Instrument    string
	Side          OrderSide
	Kind          OrderKind
	PriceTicks    int64
	Size          int64
	TimeInForce   string
	ReduceOnly    bool
}

// Order is the venue's view of an acknowledged order.
type Order struct {
	OrderID       string
	ClientOrderID string
	Instrument    string
	Side          OrderSide
	Kind          OrderKind
	PriceTicks    int64
	Size          int64
	FilledSize    int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NotificationKind discriminates asynchronous venue notifications.
type NotificationKind string

const (
	NotifyFill      NotificationKind = "fill"
	NotifyReject    NotificationKind = "reject"
	NotifyCancelAck NotificationKind = "cancel_ack"
)

// VenueNotification is an asynchronous execution report from the venue.
type VenueNotification struct {
	Kind          NotificationKind
	OrderID       string
	ClientOrderID string
	PriceTicks    int64
	Size          int64
	Reason        string
	At            time.Time
}
