package marketdata

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ksred/klear-exchange/internal/auth"
)

const testSecret = "hub-test-secret"

type wireMsg struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Seq     uint64          `json:"seq"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func startHub(t *testing.T) (*httptest.Server, *Publisher, *clock) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	p, clk := newTestPublisher(t)
	hub := NewHub(p, testSecret)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/ws", hub.HandleWS())
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv, p, clk
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, action string, channels ...string) {
	t.Helper()
	if err := conn.WriteJSON(clientMsg{Action: action, Channels: channels}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// await reads until a message matching want arrives
func await(t *testing.T, conn *websocket.Conn, want func(wireMsg) bool) wireMsg {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg wireMsg
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if want(msg) {
			return msg
		}
	}
}

func TestHubSubscribeAndReceive(t *testing.T) {
	srv, p, clk := startHub(t)
	conn := dial(t, srv, "")
	channel := "trades:" + symbol

	send(t, conn, "subscribe", channel)
	await(t, conn, func(m wireMsg) bool { return m.Type == "subscribed" && m.Channel == channel })

	// the subscription is live once the ack is out
	p.HandleEvent(trade("100", "1", clk.Now()))
	msg := await(t, conn, func(m wireMsg) bool { return m.Type == MsgTrade })
	if msg.Channel != channel || msg.Seq != 1 {
		t.Errorf("trade message = %+v, want seq 1 on %s", msg, channel)
	}
}

func TestHubRejectsUnknownChannel(t *testing.T) {
	srv, _, _ := startHub(t)
	conn := dial(t, srv, "")

	send(t, conn, "subscribe", "orderbook:NOPE/USD")
	msg := await(t, conn, func(m wireMsg) bool { return m.Type == "error" })
	if msg.Channel != "orderbook:NOPE/USD" {
		t.Errorf("error channel = %q", msg.Channel)
	}
}

func TestHubPortfolioRequiresOwnToken(t *testing.T) {
	srv, _, _ := startHub(t)

	anon := dial(t, srv, "")
	send(t, anon, "subscribe", "portfolio:alice")
	await(t, anon, func(m wireMsg) bool { return m.Type == "error" && m.Channel == "portfolio:alice" })

	svc := auth.NewService(testSecret)
	svc.RegisterAPICredentials("alice-key", "alice-secret", "alice", auth.PermissionTrade)
	tok, err := svc.GenerateToken(auth.Credentials{APIKey: "alice-key", APISecret: "alice-secret"})
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	conn := dial(t, srv, tok.Token)
	send(t, conn, "subscribe", "portfolio:bob")
	await(t, conn, func(m wireMsg) bool { return m.Type == "error" && m.Channel == "portfolio:bob" })

	send(t, conn, "subscribe", "portfolio:alice")
	snap := await(t, conn, func(m wireMsg) bool { return m.Type == MsgSnapshot && m.Channel == "portfolio:alice" })
	var ps PortfolioSnapshot
	if err := json.Unmarshal(snap.Data, &ps); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if ps.UserID != "alice" || len(ps.Balances) != 1 {
		t.Errorf("portfolio snapshot = %+v", ps)
	}
}

type wireReplay struct {
	Type     string    `json:"type"`
	Channel  string    `json:"channel"`
	Seq      uint64    `json:"seq"`
	Messages []wireMsg `json:"messages"`
}

func TestHubResync(t *testing.T) {
	srv, p, clk := startHub(t)
	conn := dial(t, srv, "")
	channel := "trades:" + symbol

	for i := 0; i < 3; i++ {
		p.HandleEvent(trade("100", "1", clk.Now()))
	}

	if err := conn.WriteJSON(clientMsg{Action: "resync", Channels: []string{channel}, AfterSeq: 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var batch wireReplay
	if err := conn.ReadJSON(&batch); err != nil {
		t.Fatalf("read: %v", err)
	}
	if batch.Type != MsgReplay || batch.Channel != channel || batch.Seq != 3 {
		t.Fatalf("replay = %+v, want type replay through seq 3", batch)
	}
	if len(batch.Messages) != 2 || batch.Messages[0].Seq != 2 || batch.Messages[1].Seq != 3 {
		t.Errorf("replayed messages = %+v, want seqs 2, 3", batch.Messages)
	}
}

func TestHubResyncKeepsLiveOrder(t *testing.T) {
	srv, p, clk := startHub(t)
	conn := dial(t, srv, "")
	channel := "trades:" + symbol

	send(t, conn, "subscribe", channel)
	await(t, conn, func(m wireMsg) bool { return m.Type == "subscribed" })
	for i := 0; i < 5; i++ {
		p.HandleEvent(trade("100", "1", clk.Now()))
	}

	const total = 10
	go func() {
		for i := 5; i < total; i++ {
			p.HandleEvent(trade("101", "1", clk.Now()))
		}
	}()
	if err := conn.WriteJSON(clientMsg{Action: "resync", Channels: []string{channel}, AfterSeq: 0}); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var (
		lastLive   uint64
		replayTail uint64
		replayed   bool
		highest    uint64
	)
	for !replayed || highest < total {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v (replayed %v, highest %d)", err, replayed, highest)
		}
		var head struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(raw, &head)
		switch head.Type {
		case MsgReplay:
			var batch wireReplay
			if err := json.Unmarshal(raw, &batch); err != nil {
				t.Fatal(err)
			}
			for i, m := range batch.Messages {
				if m.Seq != uint64(i+1) {
					t.Fatalf("replay message %d has seq %d", i, m.Seq)
				}
			}
			replayed, replayTail = true, batch.Seq
			highest = max(highest, batch.Seq)
		case MsgTrade:
			var m wireMsg
			_ = json.Unmarshal(raw, &m)
			if m.Seq <= lastLive {
				t.Fatalf("live seq %d after %d", m.Seq, lastLive)
			}
			if replayed && m.Seq <= replayTail {
				t.Fatalf("live seq %d repeats the replay through %d", m.Seq, replayTail)
			}
			lastLive = m.Seq
			highest = max(highest, m.Seq)
		}
	}
}
