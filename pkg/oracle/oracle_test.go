package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tickworks/flowtrader/pkg/models"
)

func testSignal() *models.Signal {
	return &models.Signal{
		ID:         "ESZ6-ICEBERG-5982-1",
		Instrument: "ESZ6",
		Type:       models.PatternIceberg,
		Direction:  models.DirectionLong,
		PriceTicks: 5982,
		Score:      95,
	}
}

func newTestOracle(url string) *HTTPOracle {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewHTTPOracle(url, "test-token", 2*time.Second, 100, log)
}

func TestDecideParsesTradeDecision(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("auth header = %q", got)
		}
		w.Write([]byte(`{
			"action": "TRADE",
			"confidence": 0.8,
			"decisionVersion": 2,
			"constraintsUsed": {"maxRiskTicks": 12, "maxChaseTicks": 3, "maxSlippageTicks": 2},
			"strategy": {
				"entryIntent": "join the bid",
				"side": "buy",
				"size": 2,
				"order": {"type": "LIMIT", "price": 5982, "tif": "GTC", "expiresInSeconds": 60, "fallback": "MARKET"},
				"stopLoss": {"offsetTicks": 8},
				"takeProfit": {"offsetTicks": 16}
			}
		}`))
	}))
	defer srv.Close()

	d, err := newTestOracle(srv.URL).Decide(context.Background(), testSignal(), models.MarketContext{})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Action != models.ActionTrade {
		t.Fatalf("action = %s, want TRADE", d.Action)
	}
	if d.SignalID != "ESZ6-ICEBERG-5982-1" || d.Version != 2 {
		t.Fatalf("identity = (%s, %d)", d.SignalID, d.Version)
	}
	if d.Strategy == nil || d.Strategy.Order.ExpiresIn != 60*time.Second {
		t.Fatalf("strategy = %+v", d.Strategy)
	}
	if d.Constraints.MaxChaseTicks != 3 {
		t.Fatalf("constraints = %+v", d.Constraints)
	}
}

func TestDecideParsesWaitDecision(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"action": "WAIT",
			"confidence": 0.5,
			"constraintsUsed": {},
			"monitorPlan": {
				"durationSeconds": 120,
				"upgrade": {"priceAbove": 5990},
				"invalidate": {"priceBelow": 5970}
			}
		}`))
	}))
	defer srv.Close()

	d, err := newTestOracle(srv.URL).Decide(context.Background(), testSignal(), models.MarketContext{})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Action != models.ActionWait || d.Monitor == nil {
		t.Fatalf("decision = %+v", d)
	}
	if d.Monitor.Duration != 2*time.Minute {
		t.Fatalf("duration = %v", d.Monitor.Duration)
	}
	if d.Monitor.Upgrade.PriceAbove == nil || *d.Monitor.Upgrade.PriceAbove != 5990 {
		t.Fatalf("upgrade = %+v", d.Monitor.Upgrade)
	}
}

func TestMalformedDecisionBecomesPass(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", `{{{`},
		{"trade without strategy", `{"action": "TRADE"}`},
		{"wait without plan", `{"action": "WAIT"}`},
		{"both arms set", `{"action": "TRADE", "strategy": {"order": {"type": "MARKET", "fallback": "CANCEL"}}, "monitorPlan": {"durationSeconds": 60, "upgrade": {"priceAbove": 1}}}`},
		{"unknown action", `{"action": "YOLO"}`},
		{"limit without price", `{"action": "TRADE", "strategy": {"order": {"type": "LIMIT", "fallback": "CANCEL"}}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			d, err := newTestOracle(srv.URL).Decide(context.Background(), testSignal(), models.MarketContext{})
			if err != nil {
				t.Fatalf("schema failure must not error: %v", err)
			}
			if d.Action != models.ActionPass {
				t.Fatalf("action = %s, want PASS", d.Action)
			}
		})
	}
}

func TestUnreachableOracleIsPassWithError(t *testing.T) {
	d, err := newTestOracle("http://127.0.0.1:1/decide").Decide(context.Background(), testSignal(), models.MarketContext{})
	if err == nil {
		t.Fatal("transport failure did not report an error")
	}
	if d.Action != models.ActionPass {
		t.Fatalf("action = %s, want PASS", d.Action)
	}
}
