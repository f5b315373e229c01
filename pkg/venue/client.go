package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/tickworks/flowtrader/pkg/models"
)

// Client talks to the execution venue's REST API and user stream. Prices
// cross the wire as decimal strings; internally everything is integer ticks.
type Client struct {
	baseURL    string
	streamURL  string
	instrument string
	tickSize   decimal.Decimal
	auth       Authenticator
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	notifyCh chan models.VenueNotification
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewClient(baseURL, streamURL, instrument string, tickSize decimal.Decimal, auth Authenticator, requestsPerSecond float64, logger *logrus.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		streamURL:  streamURL,
		instrument: instrument,
		tickSize:   tickSize,
		auth:       auth,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		logger:     logger,
		notifyCh:   make(chan models.VenueNotification, 64),
		stopCh:     make(chan struct{}),
	}
}

type wireOrderRequest struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price,omitempty"`
	Size          int64  `json:"size"`
	TimeInForce   string `json:"time_in_force,omitempty"`
	ReduceOnly    bool   `json:"reduce_only,omitempty"`
}

type wireOrder struct {
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Type          string    `json:"type"`
	Price         string    `json:"price"`
	Size          int64     `json:"size"`
	FilledSize    int64     `json:"filled_size"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type wireError struct {
	Message string `json:"message"`
}

// PlaceOrder submits a new order and returns the venue acknowledgement.
func (c *Client) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.Order, error) {
	wire := wireOrderRequest{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Instrument,
		Side:          string(req.Side),
		Type:          string(req.Kind),
		Size:          req.Size,
		TimeInForce:   req.TimeInForce,
		ReduceOnly:    req.ReduceOnly,
	}
	if req.Kind != models.OrderKindMarket {
		wire.Price = c.ticksToPrice(req.PriceTicks)
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return models.Order{}, err
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/v1/orders", body)
	if err != nil {
		return models.Order{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return models.Order{}, c.apiError(resp)
	}

	var ack wireOrder
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return models.Order{}, fmt.Errorf("failed to decode order response: %w", err)
	}
	return c.toOrder(ack)
}

// CancelOrder cancels an order by its client order ID.
func (c *Client) CancelOrder(ctx context.Context, clientOrderID string) error {
	path := "/api/v1/orders/" + clientOrderID
	resp, err := c.doRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return c.apiError(resp)
	}
	return nil
}

// GetOrder fetches the current state of an order by its client order ID.
func (c *Client) GetOrder(ctx context.Context, clientOrderID string) (models.Order, error) {
	path := "/api/v1/orders/" + clientOrderID
	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return models.Order{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return models.Order{}, c.apiError(resp)
	}

	var order wireOrder
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return models.Order{}, fmt.Errorf("failed to decode order response: %w", err)
	}
	return c.toOrder(order)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}

	if err := c.auth.AddAuthHeaders(req, method, path, string(body)); err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.httpClient.Do(req)
}

func (c *Client) apiError(resp *http.Response) error {
	var apiErr wireError
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Message == "" {
		return fmt.Errorf("venue returned status %d", resp.StatusCode)
	}
	return fmt.Errorf("venue returned status %d: %s", resp.StatusCode, apiErr.Message)
}

func (c *Client) ticksToPrice(ticks int64) string {
	return decimal.NewFromInt(ticks).Mul(c.tickSize).String()
}

func (c *Client) priceToTicks(price string) (int64, error) {
	d, err := decimal.NewFromString(price)
	if err != nil {
		return 0, err
	}
	return d.Div(c.tickSize).Round(0).IntPart(), nil
}

func (c *Client) toOrder(w wireOrder) (models.Order, error) {
	var ticks int64
	if w.Price != "" {
		var err error
		ticks, err = c.priceToTicks(w.Price)
		if err != nil {
			return models.Order{}, fmt.Errorf("malformed price in order response: %w", err)
		}
	}
	return models.Order{
		OrderID:       w.OrderID,
		ClientOrderID: w.ClientOrderID,
		Instrument:    w.Symbol,
		Side:          models.OrderSide(w.Side),
		Kind:          models.OrderKind(w.Type),
		PriceTicks:    ticks,
		Size:          w.Size,
		FilledSize:    w.FilledSize,
		CreatedAt:     w.CreatedAt,
		UpdatedAt:     w.UpdatedAt,
	}, nil
}

type wireExecutionReport struct {
	Type          string    `json:"type"`
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Price         string    `json:"price"`
	Size          int64     `json:"size"`
	Reason        string    `json:"reason"`
	Time          time.Time `json:"time"`
}

// ConnectStream opens the authenticated user stream for execution reports.
func (c *Client) ConnectStream(ctx context.Context) error {
	header := http.Header{}
	authReq := &http.Request{Host: hostOf(c.streamURL), Header: header}
	if err := c.auth.AddAuthHeaders(authReq, http.MethodGet, "/stream/user", ""); err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.streamURL, header)
	if err != nil {
		return fmt.Errorf("failed to connect to user stream: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.WithField("url", c.streamURL).Info("Connected to venue user stream")

	go c.readLoop(ctx)
	return nil
}

// Notifications returns the channel carrying execution reports.
func (c *Client) Notifications() <-chan models.VenueNotification {
	return c.notifyCh
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		var report wireExecutionReport
		if err := c.conn.ReadJSON(&report); err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			c.logger.WithError(err).Error("User stream read error")
			c.handleDisconnect(ctx)
			return
		}

		note, ok := c.toNotification(report)
		if !ok {
			continue
		}
		select {
		case c.notifyCh <- note:
		default:
			c.logger.WithField("client_order_id", note.ClientOrderID).Warn("Notification channel full, dropping execution report")
		}
	}
}

func (c *Client) toNotification(report wireExecutionReport) (models.VenueNotification, bool) {
	var kind models.NotificationKind
	switch report.Type {
	case "fill":
		kind = models.NotifyFill
	case "reject":
		kind = models.NotifyReject
	case "cancel_ack":
		kind = models.NotifyCancelAck
	default:
		return models.VenueNotification{}, false
	}

	var ticks int64
	if report.Price != "" {
		var err error
		ticks, err = c.priceToTicks(report.Price)
		if err != nil {
			c.logger.WithError(err).WithField("price", report.Price).Warn("Malformed price in execution report")
			return models.VenueNotification{}, false
		}
	}

	at := report.Time
	if at.IsZero() {
		at = time.Now()
	}

	return models.VenueNotification{
		Kind:          kind,
		OrderID:       report.OrderID,
		ClientOrderID: report.ClientOrderID,
		PriceTicks:    ticks,
		Size:          report.Size,
		Reason:        report.Reason,
		At:            at,
	}, true
}

func (c *Client) handleDisconnect(ctx context.Context) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	for attempt := 1; attempt <= 5; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-time.After(time.Duration(attempt) * time.Second):
		}

		c.logger.WithField("attempt", attempt).Info("Reconnecting to user stream")
		if err := c.ConnectStream(ctx); err == nil {
			return
		}
	}
	c.logger.Error("Giving up on user stream reconnect")
}

// Close shuts down the user stream.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
