package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/tickworks/flowtrader/pkg/models"
)

// Handler receives every decoded market event in feed order.
type Handler func(models.MarketEvent)

// Client consumes a market-by-order websocket feed and converts its
// messages into MarketEvents. Prices arrive as decimal strings and are
// normalized to integer ticks.
type Client struct {
	url            string
	instrument     string
	tickSize       decimal.Decimal
	reconnectDelay time.Duration
	maxReconnects  int

	conn      *websocket.Conn
	mu        sync.Mutex
	connected bool
	handler   Handler
	logger    *logrus.Logger
}

// wsMessage is the feed's wire format.
type wsMessage struct {
	Type      string    `json:"type"`
	OrderID   string    `json:"order_id"`
	Side      string    `json:"side"`
	Price     string    `json:"price"`
	Size      int64     `json:"size"`
	Aggressor string    `json:"aggressor_side"`
	Time      time.Time `json:"time"`
}

type subscribeMessage struct {
	Type     string   `json:"type"`
	Symbols  []string `json:"symbols"`
	Channels []string `json:"channels"`
}

// NewClient creates a feed client for one instrument.
func NewClient(url, instrument string, tickSize decimal.Decimal, reconnectDelay time.Duration, maxReconnects int, handler Handler, logger *logrus.Logger) *Client {
	return &Client{
		url:            url,
		instrument:     instrument,
		tickSize:       tickSize,
		reconnectDelay: reconnectDelay,
		maxReconnects:  maxReconnects,
		handler:        handler,
		logger:         logger,
	}
}

// Connect dials the feed, subscribes the instrument channels and starts
// the read and keep-alive loops.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to feed: %w", err)
	}

	c.conn = conn
	c.connected = true

	if err := c.subscribeLocked(); err != nil {
		c.disconnectLocked()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	go c.readLoop(ctx)
	go c.keepAlive(ctx)

	return nil
}

// Subscribe requests the order and trade channels for the instrument.
func (c *Client) Subscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return fmt.Errorf("feed not connected")
	}

	return c.subscribeLocked()
}

func (c *Client) subscribeLocked() error {
	return c.conn.WriteJSON(subscribeMessage{
		Type:     "subscribe",
		Symbols:  []string{c.instrument},
		Channels: []string{"orders", "trades"},
	})
}

func (c *Client) readLoop(ctx context.Context) {
	reconnects := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			var msg wsMessage
			err := conn.ReadJSON(&msg)
			if err != nil {
				c.logger.WithError(err).Error("Failed to read feed message")
				c.handleDisconnect()
				if reconnects >= c.maxReconnects {
					c.logger.Error("Feed reconnect limit reached, giving up")
					return
				}
				reconnects++
				time.Sleep(c.reconnectDelay)
				if err := c.reconnect(ctx); err != nil {
					c.logger.WithError(err).Error("Feed reconnect failed")
					continue
				}
				continue
			}
			reconnects = 0

			ev, ok := c.toEvent(msg)
			if !ok {
				continue
			}
			c.handler(ev)
		}
	}
}

// toEvent maps a wire message onto the event union. Unknown message types
// are skipped; a price that does not parse is a malformed message.
func (c *Client) toEvent(msg wsMessage) (models.MarketEvent, bool) {
	var priceTicks int64
	if msg.Price != "" {
		price, err := decimal.NewFromString(msg.Price)
		if err != nil {
			c.logger.WithError(err).WithField("price", msg.Price).Warn("Malformed price in feed message")
			return models.MarketEvent{}, false
		}
		priceTicks = price.Div(c.tickSize).Round(0).IntPart()
	}

	at := msg.Time
	if at.IsZero() {
		at = time.Now()
	}

	switch msg.Type {
	case "add":
		return models.SubmitEvent(c.instrument, msg.OrderID, models.BookSide(msg.Side), priceTicks, msg.Size, at), true
	case "update":
		return models.ModifyEvent(c.instrument, msg.OrderID, priceTicks, msg.Size, at), true
	case "delete":
		return models.CancelEvent(c.instrument, msg.OrderID, at), true
	case "trade":
		return models.TradeEvent(c.instrument, priceTicks, msg.Size, models.BookSide(msg.Aggressor), at), true
	default:
		return models.MarketEvent{}, false
	}
}

func (c *Client) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			var pingErr error
			if c.connected {
				if pingErr = c.conn.WriteMessage(websocket.PingMessage, nil); pingErr != nil {
					c.disconnectLocked()
				}
			}
			c.mu.Unlock()
			if pingErr != nil {
				c.logger.WithError(pingErr).Error("Failed to send ping")
			}
		}
	}
}

func (c *Client) reconnect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	return c.Subscribe()
}

func (c *Client) handleDisconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked()
}

func (c *Client) disconnectLocked() {
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
	}
}
