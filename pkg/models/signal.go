package models

import (
	"fmt"
	"time"
)

// PatternType classifies a detected order-flow pattern.
type PatternType string

const (
	PatternIceberg    PatternType = "ICEBERG"
	PatternSpoof      PatternType = "SPOOF"
	PatternAbsorption PatternType = "ABSORPTION"
)

// Direction is the trade bias a signal carries.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// ScoreBreakdown records the individual contributions summed into a
// confluence score. Values are pre-cap; the Signal carries the capped total.
type ScoreBreakdown struct {
	Pattern   float64 `json:"pattern"`
	Trend     float64 `json:"trend"`
	VWAP      float64 `json:"vwap"`
	CVD       float64 `json:"cvd"`
	TimeOfDay float64 `json:"time_of_day"`
	Size      float64 `json:"size"`
}

// Total returns the uncapped sum of all contributions.
func (b ScoreBreakdown) Total() float64 {
	return b.Pattern + b.Trend + b.VWAP + b.CVD + b.TimeOfDay + b.Size
}

// Signal is an emitted, scored trading signal. Immutable once emitted.
type Signal struct {
	ID                    string         `json:"id"`
	Instrument            string         `json:"instrument"`
	Type                  PatternType    `json:"type"`
	Direction             Direction      `json:"direction"`
	PriceTicks            int64          `json:"price_ticks"`
	Score                 float64        `json:"score"`
	Breakdown             ScoreBreakdown `json:"score_breakdown"`
	StopLossOffsetTicks   int64          `json:"stop_loss_offset_ticks"`
	TakeProfitOffsetTicks int64          `json:"take_profit_offset_ticks"`
	DetectedAt            time.Time      `json:"detected_at"`
}

// MarketContext is caller-supplied market state used for confluence scoring
// and forwarded to the strategy oracle alongside a signal.
type MarketContext struct {
	LastPriceTicks int64     `json:"last_price_ticks"`
	VWAPTicks      int64     `json:"vwap_ticks"`
	CVD            int64     `json:"cvd"`
	ATRTicks       int64     `json:"atr_ticks"`
	Trend          Direction `json:"trend,omitempty"`
	SessionVolume  int64     `json:"session_volume"`
	At             time.Time `json:"at"`
}

// SignalKey identifies a signal for idempotency purposes.
func (s *Signal) SignalKey() string {
	return fmt.Sprintf("%s:%s:%s:%d", s.Instrument, s.Type, s.Direction, s.PriceTicks)
}
