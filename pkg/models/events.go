package models

import (
	"time"
)

// BookSide is the resting side of the order book.
type BookSide string

const (
	BookSideBid BookSide = "bid"
	BookSideAsk BookSide = "ask"
)

// Opposite returns the other side of the book.
func (s BookSide) Opposite() BookSide {
	if s == BookSideBid {
		return BookSideAsk
	}
	return BookSideBid
}

// EventKind discriminates the market event union.
type EventKind string

const (
	EventSubmit EventKind = "submit"
	EventModify EventKind = "modify"
	EventCancel EventKind = "cancel"
	EventTrade  EventKind = "trade"
)

// MarketEvent is the single tagged union carried by the ingestion stream.
// Which fields are meaningful depends on Kind: order events carry OrderID,
// trade events carry Aggressor. All events for one instrument are processed
// by exactly one goroutine, so MarketEvent needs no internal locking.
type MarketEvent struct {
	Kind       EventKind
	Instrument string
	OrderID    string
	Side       BookSide
	PriceTicks int64
	Size       int64
	Aggressor  BookSide
	At         time.Time
}

// SubmitEvent builds a submit event for a new resting order.
func SubmitEvent(instrument, orderID string, side BookSide, priceTicks, size int64, at time.Time) MarketEvent {
	return MarketEvent{
		Kind:       EventSubmit,
		Instrument: instrument,
		OrderID:    orderID,
		Side:       side,
		PriceTicks: priceTicks,
		Size:       size,
		At:         at,
	}
}

// ModifyEvent builds a modify event for an existing resting order.
func ModifyEvent(instrument, orderID string, priceTicks, size int64, at time.Time) MarketEvent {
	return MarketEvent{
		Kind:       EventModify,
		Instrument: instrument,
		OrderID:    orderID,
		PriceTicks: priceTicks,
		Size:       size,
		At:         at,
	}
}

// CancelEvent builds a cancel event for an existing resting order.
func CancelEvent(instrument, orderID string, at time.Time) MarketEvent {
	return MarketEvent{
		Kind:       EventCancel,
		Instrument: instrument,
		OrderID:    orderID,
		At:         at,
	}
}

// TradeEvent builds a trade execution event. Aggressor is the side that
// crossed the spread, not the side of the resting order that was hit.
func TradeEvent(instrument string, priceTicks, size int64, aggressor BookSide, at time.Time) MarketEvent {
	return MarketEvent{
		Kind:       EventTrade,
		Instrument: instrument,
		PriceTicks: priceTicks,
		Size:       size,
		Aggressor:  aggressor,
		At:         at,
	}
}
