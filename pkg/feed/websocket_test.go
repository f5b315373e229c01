package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/tickworks/flowtrader/pkg/models"
)

func newTestClient() *Client {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	tick := decimal.RequireFromString("0.25")
	return NewClient("ws://example", "ESZ6", tick, time.Second, 3, nil, log)
}

func TestToEventConvertsPriceToTicks(t *testing.T) {
	c := newTestClient()

	ev, ok := c.toEvent(wsMessage{
		Type:    "add",
		OrderID: "o1",
		Side:    "bid",
		Price:   "5982.50",
		Size:    10,
		Time:    time.Unix(1700000000, 0),
	})
	if !ok {
		t.Fatal("add message not converted")
	}
	if ev.Kind != models.EventSubmit || ev.PriceTicks != 23930 || ev.Side != models.BookSideBid {
		t.Fatalf("event = %+v, want submit at 23930 ticks", ev)
	}
}

func TestToEventTrade(t *testing.T) {
	c := newTestClient()

	ev, ok := c.toEvent(wsMessage{
		Type:      "trade",
		Price:     "6000.00",
		Size:      120,
		Aggressor: "ask",
		Time:      time.Unix(1700000000, 0),
	})
	if !ok {
		t.Fatal("trade message not converted")
	}
	if ev.Kind != models.EventTrade || ev.PriceTicks != 24000 || ev.Aggressor != models.BookSideAsk {
		t.Fatalf("event = %+v", ev)
	}
}

func TestConnectSubscribesInstrumentChannels(t *testing.T) {
	subCh := make(chan subscribeMessage, 1)
	evCh := make(chan models.MarketEvent, 1)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var sub subscribeMessage
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		subCh <- sub

		conn.WriteJSON(wsMessage{
			Type:    "add",
			OrderID: "o1",
			Side:    "bid",
			Price:   "5982.50",
			Size:    10,
			Time:    time.Unix(1700000000, 0),
		})
		conn.ReadMessage()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	tick := decimal.RequireFromString("0.25")
	c := NewClient(wsURL, "ESZ6", tick, time.Second, 0, func(ev models.MarketEvent) { evCh <- ev }, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case sub := <-subCh:
		if sub.Type != "subscribe" {
			t.Errorf("message type = %q, want subscribe", sub.Type)
		}
		if len(sub.Symbols) != 1 || sub.Symbols[0] != "ESZ6" {
			t.Errorf("symbols = %v, want [ESZ6]", sub.Symbols)
		}
		if len(sub.Channels) != 2 || sub.Channels[0] != "orders" || sub.Channels[1] != "trades" {
			t.Errorf("channels = %v, want [orders trades]", sub.Channels)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe message sent on connect")
	}

	select {
	case ev := <-evCh:
		if ev.Kind != models.EventSubmit || ev.PriceTicks != 23930 {
			t.Errorf("event = %+v, want submit at 23930 ticks", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered after subscribe")
	}
}

func TestToEventSkipsUnknownAndMalformed(t *testing.T) {
	c := newTestClient()

	if _, ok := c.toEvent(wsMessage{Type: "heartbeat"}); ok {
		t.Fatal("unknown message type converted")
	}
	if _, ok := c.toEvent(wsMessage{Type: "add", Price: "not-a-price"}); ok {
		t.Fatal("malformed price converted")
	}
}
