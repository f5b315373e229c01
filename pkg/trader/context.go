package trader

import (
	"time"

	"github.com/tickworks/flowtrader/pkg/models"
)

// marketState accumulates the session context handed to the emitter and
// oracle: VWAP, cumulative volume delta, an ATR-style volatility estimate
// and a fast/slow trend read. It is only touched by the ingestion goroutine.
type marketState struct {
	lastTicks     int64
	cumPV         float64
	cumVol        int64
	cvd           int64
	atr           float64
	fast          float64
	slow          float64
	volumeWindow  time.Duration
	windowStart   time.Time
	windowVol     int64
	prevWindowVol int64
}

func newMarketState(volumeWindow time.Duration) *marketState {
	return &marketState{volumeWindow: volumeWindow}
}

// onTrade folds one execution into the session context.
func (s *marketState) onTrade(ev models.MarketEvent) {
	price := float64(ev.PriceTicks)

	if s.lastTicks != 0 {
		delta := price - float64(s.lastTicks)
		if delta < 0 {
			delta = -delta
		}
		s.atr = s.atr*0.95 + delta*0.05
	}
	s.lastTicks = ev.PriceTicks

	s.cumPV += price * float64(ev.Size)
	s.cumVol += ev.Size
	if ev.Aggressor == models.BookSideBid {
		s.cvd += ev.Size
	} else {
		s.cvd -= ev.Size
	}

	if s.fast == 0 {
		s.fast, s.slow = price, price
	}
	s.fast = s.fast*0.8 + price*0.2
	s.slow = s.slow*0.98 + price*0.02

	if s.windowStart.IsZero() {
		s.windowStart = ev.At
	}
	s.windowVol += ev.Size
	if ev.At.Sub(s.windowStart) >= s.volumeWindow {
		s.prevWindowVol = s.windowVol
		s.windowVol = 0
		s.windowStart = ev.At
	}
}

func (s *marketState) trend() models.Direction {
	if s.fast >= s.slow {
		return models.DirectionLong
	}
	return models.DirectionShort
}

// volumeChangePct compares the running window's volume to the previous one.
func (s *marketState) volumeChangePct() float64 {
	if s.prevWindowVol == 0 {
		return 0
	}
	return (float64(s.windowVol) - float64(s.prevWindowVol)) / float64(s.prevWindowVol) * 100
}

// snapshot copies the context for use off the ingestion goroutine.
func (s *marketState) snapshot(at time.Time) models.MarketContext {
	vwap := int64(0)
	if s.cumVol > 0 {
		vwap = int64(s.cumPV / float64(s.cumVol))
	}
	atr := int64(s.atr)
	if atr < 1 {
		atr = 1
	}
	return models.MarketContext{
		LastPriceTicks: s.lastTicks,
		VWAPTicks:      vwap,
		CVD:            s.cvd,
		ATRTicks:       atr,
		Trend:          s.trend(),
		SessionVolume:  s.cumVol,
		At:             at,
	}
}
