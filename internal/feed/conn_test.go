package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raj577/DeltaDeck/internal/broker"
	"github.com/raj577/DeltaDeck/internal/models"
)

type stubStore struct {
	mu   sync.Mutex
	sess broker.Session
}

func (s *stubStore) LoadSession() (broker.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess, nil
}

func (s *stubStore) SaveSession(sess broker.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess = sess
	return nil
}

func (s *stubStore) ClearSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess = broker.Session{}
	return nil
}

func validSessions(t *testing.T) *broker.SessionManager {
	t.Helper()
	store := &stubStore{sess: broker.Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		FeedToken:    "feed-1",
		ExpiresAt:    time.Now().Add(12 * time.Hour),
	}}
	creds := broker.Credentials{APIKey: "key-1", ClientCode: "C123", Password: "1234", TOTPSecret: "JBSWY3DPEHPK3PXP"}
	return broker.NewSessionManager(broker.NewSmartAPI("key-1"), creds, store, testLogger())
}

// feedServer upgrades connections and hands them to the test.
func feedServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnection_SubscribeAndStream(t *testing.T) {
	authed := make(chan *http.Request, 1)
	subscribed := make(chan subscribeRequest, 1)

	srv := feedServer(t, func(conn *websocket.Conn, r *http.Request) {
		authed <- r

		var req subscribeRequest
		if err := conn.ReadJSON(&req); err != nil {
			t.Errorf("reading subscribe: %v", err)
			return
		}
		subscribed <- req

		if err := conn.WriteMessage(websocket.BinaryMessage, packet("99926000", 2431000, minPacketLen)); err != nil {
			return
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ticks := make(chan models.Tick, 4)
	c := NewConnection(ConnectionConfig{
		URL:               wsURL(srv),
		APIKey:            "key-1",
		ClientCode:        "C123",
		ReconnectBackoff:  50 * time.Millisecond,
		HeartbeatInterval: time.Minute,
	}, validSessions(t), func(tk models.Tick) { ticks <- tk }, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	select {
	case r := <-authed:
		if got := r.Header.Get("x-feed-token"); got != "feed-1" {
			t.Errorf("x-feed-token = %q, want feed-1", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer access-1" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("clientCode"); got != "C123" {
			t.Errorf("clientCode query = %q, want C123", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connection received")
	}

	select {
	case req := <-subscribed:
		if req.Action != actionSubscribe {
			t.Errorf("action = %d, want %d", req.Action, actionSubscribe)
		}
		if req.Params.Mode != modeLTP {
			t.Errorf("mode = %d, want %d", req.Params.Mode, modeLTP)
		}
		if len(req.Params.TokenList) != 1 || req.Params.TokenList[0].ExchangeType != models.ExchangeNSECM {
			t.Errorf("tokenList = %+v", req.Params.TokenList)
		}
		tokens := strings.Join(req.Params.TokenList[0].Tokens, ",")
		if !strings.Contains(tokens, "99926000") || !strings.Contains(tokens, "99926009") {
			t.Errorf("tokens = %q, want both index tokens", tokens)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe message received")
	}

	select {
	case tk := <-ticks:
		if tk.Symbol != "NIFTY" || tk.LTP != 24310.00 {
			t.Errorf("tick = %+v, want NIFTY @ 24310.00", tk)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick published")
	}
}

func TestConnection_ReconnectsAfterDrop(t *testing.T) {
	var mu sync.Mutex
	conns := 0

	srv := feedServer(t, func(conn *websocket.Conn, r *http.Request) {
		mu.Lock()
		conns++
		mu.Unlock()
		var req subscribeRequest
		conn.ReadJSON(&req) //nolint:errcheck
		// Drop immediately; the client should come back after its backoff.
	})

	c := NewConnection(ConnectionConfig{
		URL:               wsURL(srv),
		APIKey:            "key-1",
		ClientCode:        "C123",
		ReconnectBackoff:  20 * time.Millisecond,
		HeartbeatInterval: time.Minute,
	}, validSessions(t), func(models.Tick) {}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return conns >= 2
	})

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestConnection_Heartbeat(t *testing.T) {
	pings := make(chan string, 4)

	srv := feedServer(t, func(conn *websocket.Conn, r *http.Request) {
		var req subscribeRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType == websocket.TextMessage {
				pings <- string(data)
				conn.WriteMessage(websocket.TextMessage, []byte("pong")) //nolint:errcheck
			}
		}
	})

	c := NewConnection(ConnectionConfig{
		URL:               wsURL(srv),
		APIKey:            "key-1",
		ClientCode:        "C123",
		ReconnectBackoff:  time.Minute,
		HeartbeatInterval: 30 * time.Millisecond,
	}, validSessions(t), func(models.Tick) {}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	select {
	case msg := <-pings:
		if msg != "ping" {
			t.Errorf("heartbeat = %q, want ping", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat received")
	}
}

func TestConnection_CancelIsTerminal(t *testing.T) {
	srv := feedServer(t, func(conn *websocket.Conn, r *http.Request) {
		var req subscribeRequest
		conn.ReadJSON(&req) //nolint:errcheck
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := NewConnection(ConnectionConfig{
		URL:               wsURL(srv),
		APIKey:            "key-1",
		ClientCode:        "C123",
		ReconnectBackoff:  10 * time.Millisecond,
		HeartbeatInterval: time.Minute,
	}, validSessions(t), func(models.Tick) {}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not terminate on cancel")
	}
}

// Ensure the subscribe payload wire shape stays stable.
func TestSubscribeRequest_JSON(t *testing.T) {
	req := subscribeRequest{
		CorrelationID: "abc",
		Action:        actionSubscribe,
		Params: subscribeParams{
			Mode:      modeLTP,
			TokenList: []tokenGroup{{ExchangeType: 1, Tokens: []string{"99926000"}}},
		},
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"correlationID":"abc","action":1,"params":{"mode":1,"tokenList":[{"exchangeType":1,"tokens":["99926000"]}]}}`
	if string(data) != want {
		t.Errorf("subscribe JSON = %s, want %s", data, want)
	}
}
