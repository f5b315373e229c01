package models

import (
	"errors"
	"fmt"
	"time"
)

// DecisionAction is the oracle's chosen course of action.
type DecisionAction string

const (
	ActionTrade DecisionAction = "TRADE"
	ActionWait  DecisionAction = "WAIT"
	ActionPass  DecisionAction = "PASS"
)

// OrderKind is the entry order type requested by a TRADE decision.
type OrderKind string

const (
	OrderKindMarket     OrderKind = "MARKET"
	OrderKindLimit      OrderKind = "LIMIT"
	OrderKindStopMarket OrderKind = "STOP_MARKET"
)

// FallbackAction is applied when a resting entry order reaches its expiry.
type FallbackAction string

const (
	FallbackCancel  FallbackAction = "CANCEL"
	FallbackMarket  FallbackAction = "MARKET"
	FallbackReprice FallbackAction = "REPRICE"
)

// Constraints bound what the execution manager is allowed to do. They are
// supplied by configuration and echoed back by every decision.
type Constraints struct {
	MaxRiskTicks     int64  `json:"maxRiskTicks"`
	MaxChaseTicks    int64  `json:"maxChaseTicks"`
	MaxSlippageTicks int64  `json:"maxSlippageTicks"`
	DefaultTIF       string `json:"defaultTif,omitempty"`
}

// OrderSpec describes the entry order of a TRADE decision.
type OrderSpec struct {
	Kind       OrderKind      `json:"type"`
	PriceTicks int64          `json:"price,omitempty"` // absent for MARKET
	TIF        string         `json:"tif,omitempty"`
	ExpiresIn  time.Duration  `json:"-"`
	Fallback   FallbackAction `json:"fallback"`
}

// StrategyPlan is the TRADE arm of a decision.
type StrategyPlan struct {
	EntryIntent           string    `json:"entryIntent,omitempty"`
	Side                  OrderSide `json:"side"`
	Size                  int64     `json:"size"`
	Order                 OrderSpec `json:"order"`
	StopLossOffsetTicks   int64     `json:"stopLossOffsetTicks"`
	TakeProfitOffsetTicks int64     `json:"takeProfitOffsetTicks"`
}

// ConditionSet is a conjunction of optional market predicates. Nil fields
// are unspecified and do not participate in evaluation.
type ConditionSet struct {
	PriceAbove      *int64     `json:"priceAbove,omitempty"`
	PriceBelow      *int64     `json:"priceBelow,omitempty"`
	VolumeChangePct *float64   `json:"volumeChangePct,omitempty"`
	Trend           *Direction `json:"trend,omitempty"`
}

// Empty reports whether no predicate is specified.
func (c ConditionSet) Empty() bool {
	return c.PriceAbove == nil && c.PriceBelow == nil && c.VolumeChangePct == nil && c.Trend == nil
}

// MonitorPlan is the WAIT arm of a decision.
type MonitorPlan struct {
	Duration   time.Duration `json:"-"`
	Upgrade    ConditionSet  `json:"upgrade"`
	Invalidate ConditionSet  `json:"invalidate"`
}

// StrategyDecision is the oracle's answer to a signal. Exactly one of
// Strategy/Monitor is set, matching Action; Validate enforces the union.
type StrategyDecision struct {
	SignalID    string         `json:"signalId"`
	Version     int            `json:"decisionVersion"`
	Action      DecisionAction `json:"action"`
	Confidence  float64        `json:"confidence"`
	Reasoning   string         `json:"reasoning,omitempty"`
	Constraints Constraints    `json:"constraintsUsed"`
	Strategy    *StrategyPlan  `json:"strategy,omitempty"`
	Monitor     *MonitorPlan   `json:"monitorPlan,omitempty"`
}

// ErrMalformedDecision marks a decision whose shape does not match its
// action. Callers treat such decisions as PASS.
var ErrMalformedDecision = errors.New("malformed decision")

// TradeDecision constructs a well-formed TRADE decision.
func TradeDecision(signalID string, version int, plan StrategyPlan, c Constraints) StrategyDecision {
	return StrategyDecision{
		SignalID:    signalID,
		Version:     version,
		Action:      ActionTrade,
		Constraints: c,
		Strategy:    &plan,
	}
}

// WaitDecision constructs a well-formed WAIT decision.
func WaitDecision(signalID string, version int, plan MonitorPlan, c Constraints) StrategyDecision {
	return StrategyDecision{
		SignalID:    signalID,
		Version:     version,
		Action:      ActionWait,
		Constraints: c,
		Monitor:     &plan,
	}
}

// PassDecision constructs a PASS decision; also used as the fail-safe result
// for malformed or missing oracle responses.
func PassDecision(signalID, reason string) StrategyDecision {
	return StrategyDecision{
		SignalID:  signalID,
		Action:    ActionPass,
		Reasoning: reason,
	}
}

// Validate checks the TRADE/WAIT tagged-union rule and required fields.
func (d *StrategyDecision) Validate() error {
	switch d.Action {
	case ActionTrade:
		if d.Strategy == nil || d.Monitor != nil {
			return fmt.Errorf("%w: TRADE requires strategy and no monitorPlan", ErrMalformedDecision)
		}
		switch d.Strategy.Order.Kind {
		case OrderKindMarket:
		case OrderKindLimit, OrderKindStopMarket:
			if d.Strategy.Order.PriceTicks <= 0 {
				return fmt.Errorf("%w: %s order requires a price", ErrMalformedDecision, d.Strategy.Order.Kind)
			}
		default:
			return fmt.Errorf("%w: unknown order type %q", ErrMalformedDecision, d.Strategy.Order.Kind)
		}
		switch d.Strategy.Order.Fallback {
		case FallbackCancel, FallbackMarket, FallbackReprice:
		default:
			return fmt.Errorf("%w: unknown fallback %q", ErrMalformedDecision, d.Strategy.Order.Fallback)
		}
	case ActionWait:
		if d.Monitor == nil || d.Strategy != nil {
			return fmt.Errorf("%w: WAIT requires monitorPlan and no strategy", ErrMalformedDecision)
		}
		if d.Monitor.Duration <= 0 {
			return fmt.Errorf("%w: WAIT requires a positive duration", ErrMalformedDecision)
		}
		if d.Monitor.Upgrade.Empty() {
			return fmt.Errorf("%w: WAIT requires at least one upgrade predicate", ErrMalformedDecision)
		}
	case ActionPass:
		if d.Strategy != nil || d.Monitor != nil {
			return fmt.Errorf("%w: PASS carries no strategy or monitorPlan", ErrMalformedDecision)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrMalformedDecision, d.Action)
	}
	return nil
}

// IdempotencyKey derives the deterministic duplicate-detection key for this
// decision. Retries of the same decision always produce the same key.
func (d *StrategyDecision) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", d.SignalID, d.Version)
}
