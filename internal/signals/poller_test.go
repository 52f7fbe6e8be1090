package signals

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/signal-trader/internal/bus"
	"github.com/tathienbao/signal-trader/internal/types"
)

func collect(b *bus.Bus) *[]*types.PredictionSignal {
	var got []*types.PredictionSignal
	b.SubscribeFunc(types.EventPrediction, func(evt types.Event) {
		got = append(got, evt.(*types.PredictionSignal))
	})
	return &got
}

func TestPollOnce_EmitsPrediction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ticker") != "AAPL" {
			t.Errorf("unexpected ticker query: %s", r.URL.RawQuery)
		}
		if r.Header.Get("X-Api-Key") != "secret" {
			t.Errorf("api key header missing")
		}
		fmt.Fprint(w, `{"ticker":"AAPL","signal":"BUY","confidence":0.82,"stockPrice":150.5,"ts":1756000000}`)
	}))
	defer srv.Close()

	b := bus.New(nil)
	got := collect(b)

	p := NewPoller(Config{BaseURL: srv.URL, APIKey: "secret", Tickers: []string{"AAPL"}}, b, srv.Client(), nil)
	p.PollOnce(context.Background())

	if len(*got) != 1 {
		t.Fatalf("expected 1 prediction, got %d", len(*got))
	}
	sig := (*got)[0]
	if sig.Symbol != "AAPL" || sig.Signal != types.SignalBuy {
		t.Errorf("signal: %+v", sig)
	}
	if !sig.Confidence.Equal(decimal.NewFromFloat(0.82)) {
		t.Errorf("confidence = %s", sig.Confidence)
	}
}

func TestPollOnce_DuplicateTimestampSuppressed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ticker":"AAPL","signal":"SELL","confidence":0.9,"ts":1756000000}`)
	}))
	defer srv.Close()

	b := bus.New(nil)
	got := collect(b)

	p := NewPoller(Config{BaseURL: srv.URL, Tickers: []string{"AAPL"}}, b, srv.Client(), nil)
	p.PollOnce(context.Background())
	p.PollOnce(context.Background())

	if len(*got) != 1 {
		t.Errorf("duplicate prediction published: %d events", len(*got))
	}
}

func TestPollOnce_BadStatusAndBadSignal(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"ticker":"AAPL","signal":"HOLD","confidence":0.5,"ts":1}`)
	}))
	defer srv.Close()

	b := bus.New(nil)
	got := collect(b)

	p := NewPoller(Config{BaseURL: srv.URL, Tickers: []string{"AAPL"}}, b, srv.Client(), nil)
	p.PollOnce(context.Background()) // 502
	p.PollOnce(context.Background()) // unknown signal kind

	if len(*got) != 0 {
		t.Errorf("bad responses produced %d events", len(*got))
	}
}
