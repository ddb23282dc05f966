package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const markPricePayload = `[{"e":"markPriceUpdate","E":1700000000000,"s":"BTCUSDT","p":"43000.5","i":"42990.1","P":"42995.0","r":"0.00012","T":1700006400000},` +
	`{"e":"markPriceUpdate","E":1700000000000,"s":"ETHUSDT","p":"2200.25","i":"2199.9","P":"2200.0","r":"-0.00003","T":1700006400000}]`

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func TestMarkPriceFeedAppliesUpdates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	subCh := make(chan subscribeRequest, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req subscribeRequest
		if err := json.Unmarshal(data, &req); err == nil {
			select {
			case subCh <- req:
			default:
			}
		}
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"result":null,"id":1}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(markPricePayload))
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	feed := NewMarkPriceFeed(New(wsURL, 10*time.Millisecond, time.Second, zap.NewNop()), nil, zap.NewNop())
	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() {
		_ = feed.Run(runCtx)
	}()

	select {
	case req := <-subCh:
		if req.Method != "SUBSCRIBE" || len(req.Params) != 1 || req.Params[0] != MarkPriceAllStream {
			t.Fatalf("unexpected subscribe request: %+v", req)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for subscribe")
	}

	deadline := time.Now().Add(time.Second)
	for feed.Len() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for mark prices, have %d", feed.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
	btc, ok := feed.Latest("BTCUSDT")
	if !ok || btc.MarkPrice != 43000.5 || btc.FundingRate != 0.00012 || btc.NextFundingTime != 1700006400000 {
		t.Fatalf("unexpected BTC mark price: %+v", btc)
	}
}

func TestClientResubscribesAfterReconnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var subscribes atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if strings.Contains(string(data), "SUBSCRIBE") {
			subscribes.Add(1)
		}
		_ = conn.Close(websocket.StatusGoingAway, "maintenance")
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client := New(wsURL, 5*time.Millisecond, 0, zap.NewNop())
	var reconnects atomic.Int32
	client.OnReconnect = func() { reconnects.Add(1) }
	if err := client.Subscribe(ctx, MarkPriceAllStream); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() {
		_ = client.Run(runCtx, nil)
	}()

	deadline := time.Now().Add(time.Second)
	for subscribes.Load() < 2 || reconnects.Load() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected resubscribe after reconnect, got subscribes=%d reconnects=%d", subscribes.Load(), reconnects.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestParseMarkPricesSkipsAcks(t *testing.T) {
	if _, ok := ParseMarkPrices([]byte(`{"result":null,"id":1}`)); ok {
		t.Fatalf("expected ack to be ignored")
	}
	prices, ok := ParseMarkPrices([]byte(`{"e":"markPriceUpdate","E":5,"s":"SOLUSDT","p":"100","r":"0.0001","T":10}`))
	if !ok || len(prices) != 1 || prices[0].Symbol != "SOLUSDT" || prices[0].MarkPrice != 100 {
		t.Fatalf("unexpected single-event parse: %+v", prices)
	}
}

func TestApplyKeepsNewest(t *testing.T) {
	feed := NewMarkPriceFeed(New("ws://unused", time.Second, 0, nil), nil, nil)
	feed.Apply([]MarkPrice{{Symbol: "BTCUSDT", EventTime: 10, MarkPrice: 2}})
	feed.Apply([]MarkPrice{{Symbol: "BTCUSDT", EventTime: 5, MarkPrice: 1}})
	p, _ := feed.Latest("BTCUSDT")
	if p.MarkPrice != 2 {
		t.Fatalf("expected newer price kept, got %+v", p)
	}
	if snap := feed.Snapshot(); len(snap) != 1 {
		t.Fatalf("expected one entry, got %d", len(snap))
	}
}
