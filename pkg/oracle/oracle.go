package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tickworks/flowtrader/pkg/models"
	"golang.org/x/time/rate"
)

// Oracle answers a signal with exactly one strategy decision. The call may
// be slow or fail; callers never block event processing on it.
type Oracle interface {
	Decide(ctx context.Context, sig *models.Signal, mctx models.MarketContext) (models.StrategyDecision, error)
}

// HTTPOracle posts signals to a remote strategy service and decodes its
// decision. Malformed responses degrade to PASS rather than erroring: the
// fail-safe is "no trade".
type HTTPOracle struct {
	url        string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logrus.Logger
}

// NewHTTPOracle creates an oracle client. rps bounds how often the strategy
// service is consulted; bursts of signals beyond it wait their turn.
func NewHTTPOracle(url, token string, timeout time.Duration, rps float64, log *logrus.Logger) *HTTPOracle {
	return &HTTPOracle{
		url:        url,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		log:        log,
	}
}

type decisionRequest struct {
	Signal  *models.Signal       `json:"signal"`
	Context models.MarketContext `json:"context"`
}

// Wire shapes for the decision schema. Durations travel as seconds.
type wireOffset struct {
	OffsetTicks int64 `json:"offsetTicks"`
}

type wireOrder struct {
	Type             string `json:"type"`
	Price            int64  `json:"price,omitempty"`
	TIF              string `json:"tif,omitempty"`
	ExpiresInSeconds int    `json:"expiresInSeconds"`
	Fallback         string `json:"fallback"`
}

type wireStrategy struct {
	EntryIntent string     `json:"entryIntent,omitempty"`
	Side        string     `json:"side,omitempty"`
	Size        int64      `json:"size,omitempty"`
	Order       wireOrder  `json:"order"`
	StopLoss    wireOffset `json:"stopLoss"`
	TakeProfit  wireOffset `json:"takeProfit"`
}

type wireMonitor struct {
	DurationSeconds int                 `json:"durationSeconds"`
	Upgrade         models.ConditionSet `json:"upgrade"`
	Invalidate      models.ConditionSet `json:"invalidate"`
}

type wireDecision struct {
	Action          string             `json:"action"`
	Confidence      float64            `json:"confidence"`
	Reasoning       string             `json:"reasoning"`
	DecisionVersion int                `json:"decisionVersion"`
	ConstraintsUsed models.Constraints `json:"constraintsUsed"`
	Strategy        *wireStrategy      `json:"strategy"`
	MonitorPlan     *wireMonitor       `json:"monitorPlan"`
}

// Decide sends the signal and returns the service's decision. Transport
// failures return a PASS decision together with the error; schema failures
// return PASS with a nil error, logged as malformed.
func (o *HTTPOracle) Decide(ctx context.Context, sig *models.Signal, mctx models.MarketContext) (models.StrategyDecision, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return models.PassDecision(sig.ID, "oracle rate limit wait aborted"), err
	}

	body, err := json.Marshal(decisionRequest{Signal: sig, Context: mctx})
	if err != nil {
		return models.PassDecision(sig.ID, "request encoding failed"), err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
	if err != nil {
		return models.PassDecision(sig.ID, "request build failed"), err
	}
	req.Header.Set("Content-Type", "application/json")
	if o.token != "" {
		req.Header.Set("Authorization", "Bearer "+o.token)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return models.PassDecision(sig.ID, "oracle unreachable"), err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.PassDecision(sig.ID, "oracle error status"), fmt.Errorf("oracle returned status %d", resp.StatusCode)
	}

	var wire wireDecision
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		o.log.WithError(err).WithField("signal_id", sig.ID).Warn("Malformed oracle response, treating as PASS")
		return models.PassDecision(sig.ID, "malformed response"), nil
	}

	decision := fromWire(wire, sig.ID)
	if err := decision.Validate(); err != nil {
		o.log.WithError(err).WithField("signal_id", sig.ID).Warn("Invalid oracle decision, treating as PASS")
		return models.PassDecision(sig.ID, "invalid decision"), nil
	}
	return decision, nil
}

func fromWire(w wireDecision, signalID string) models.StrategyDecision {
	version := w.DecisionVersion
	if version == 0 {
		version = 1
	}
	d := models.StrategyDecision{
		SignalID:    signalID,
		Version:     version,
		Action:      models.DecisionAction(w.Action),
		Confidence:  w.Confidence,
		Reasoning:   w.Reasoning,
		Constraints: w.ConstraintsUsed,
	}
	if w.Strategy != nil {
		d.Strategy = &models.StrategyPlan{
			EntryIntent: w.Strategy.EntryIntent,
			Side:        models.OrderSide(w.Strategy.Side),
			Size:        w.Strategy.Size,
			Order: models.OrderSpec{
				Kind:       models.OrderKind(w.Strategy.Order.Type),
				PriceTicks: w.Strategy.Order.Price,
				TIF:        w.Strategy.Order.TIF,
				ExpiresIn:  time.Duration(w.Strategy.Order.ExpiresInSeconds) * time.Second,
				Fallback:   models.FallbackAction(w.Strategy.Order.Fallback),
			},
			StopLossOffsetTicks:   w.Strategy.StopLoss.OffsetTicks,
			TakeProfitOffsetTicks: w.Strategy.TakeProfit.OffsetTicks,
		}
	}
	if w.MonitorPlan != nil {
		d.Monitor = &models.MonitorPlan{
			Duration:   time.Duration(w.MonitorPlan.DurationSeconds) * time.Second,
			Upgrade:    w.MonitorPlan.Upgrade,
			Invalidate: w.MonitorPlan.Invalidate,
		}
	}
	return d
}
