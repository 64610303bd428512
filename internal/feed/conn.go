package feed

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/raj577/DeltaDeck/internal/broker"
	"github.com/raj577/DeltaDeck/internal/models"
)

const (
	// Subscribe control message constants, vendor-defined.
	actionSubscribe = 1
	modeLTP         = 1

	writeTimeout = 5 * time.Second
)

type subscribeRequest struct {
	CorrelationID string          `json:"correlationID"`
	Action        int             `json:"action"`
	Params        subscribeParams `json:"params"`
}

type subscribeParams struct {
	Mode      int          `json:"mode"`
	TokenList []tokenGroup `json:"tokenList"`
}

type tokenGroup struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

// ConnectionConfig carries the streaming endpoint and the credentials the
// venue expects alongside the session tokens.
type ConnectionConfig struct {
	URL               string
	APIKey            string
	ClientCode        string
	ReconnectBackoff  time.Duration
	HeartbeatInterval time.Duration
}

// Connection owns the single upstream streaming connection. It authorizes
// through the session manager, decodes inbound packets, and publishes ticks.
// Any fault tears the connection down and retries after a fixed backoff;
// only context cancellation is terminal.
type Connection struct {
	cfg      ConnectionConfig
	sessions *broker.SessionManager
	publish  func(models.Tick)
	logger   *logrus.Logger
	dialer   *websocket.Dialer
}

// NewConnection creates a feed connection. publish is called once per decoded
// tick, in arrival order.
func NewConnection(cfg ConnectionConfig, sessions *broker.SessionManager, publish func(models.Tick), logger *logrus.Logger) *Connection {
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Connection{
		cfg:      cfg,
		sessions: sessions,
		publish:  publish,
		logger:   logger,
		dialer:   websocket.DefaultDialer,
	}
}

// Run drives the connect/subscribe/stream loop until ctx is canceled. Auth
// failures and I/O faults alike wait the fixed backoff and retry.
func (c *Connection) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if !c.sessions.EnsureValid(ctx) {
			c.logger.Warn("No valid session for feed, retrying")
			if !c.sleep(ctx) {
				return
			}
			continue
		}

		if err := c.streamOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.WithError(err).Warn("Feed connection lost, reconnecting")
		}
		if ctx.Err() != nil {
			return
		}
		if !c.sleep(ctx) {
			return
		}
	}
}

// streamOnce runs one full connection lifetime: dial, subscribe, heartbeat,
// read until failure. The heartbeat is fully stopped before it returns.
func (c *Connection) streamOnce(ctx context.Context) error {
	sess := c.sessions.Session()

	conn, resp, err := c.dialer.DialContext(ctx, c.dialURL(sess), c.dialHeaders(sess))
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return err
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	defer func() {
		hbCancel()
		conn.Close()
		wg.Wait()
	}()

	// Unblock the read loop on cancellation.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-hbCtx.Done()
		conn.Close()
	}()

	if err := c.subscribe(conn); err != nil {
		return err
	}
	c.logger.WithField("url", c.cfg.URL).Info("Feed subscribed")

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(hbCtx, conn)
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(2 * c.cfg.HeartbeatInterval)); err != nil {
			return err
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		switch msgType {
		case websocket.BinaryMessage:
			if tick := Decode(data); tick != nil {
				c.publish(*tick)
			}
		case websocket.TextMessage:
			// "pong" heartbeat replies, nothing to do
		}
	}
}

func (c *Connection) subscribe(conn *websocket.Conn) error {
	tokens := make([]string, 0)
	for _, in := range models.Instruments() {
		tokens = append(tokens, in.Token)
	}

	req := subscribeRequest{
		CorrelationID: uuid.NewString(),
		Action:        actionSubscribe,
		Params: subscribeParams{
			Mode: modeLTP,
			TokenList: []tokenGroup{
				{ExchangeType: models.ExchangeNSECM, Tokens: tokens},
			},
		},
	}

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(req)
}

func (c *Connection) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
				c.logger.WithError(err).Warn("Heartbeat write failed")
				conn.Close()
				return
			}
		}
	}
}

func (c *Connection) dialURL(sess broker.Session) string {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return c.cfg.URL
	}
	q := u.Query()
	q.Set("clientCode", c.cfg.ClientCode)
	q.Set("feedToken", sess.FeedToken)
	q.Set("apiKey", c.cfg.APIKey)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Connection) dialHeaders(sess broker.Session) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+sess.AccessToken)
	h.Set("x-api-key", c.cfg.APIKey)
	h.Set("x-client-code", c.cfg.ClientCode)
	h.Set("x-feed-token", sess.FeedToken)
	return h
}

// sleep waits the fixed reconnect backoff; false means ctx was canceled.
func (c *Connection) sleep(ctx context.Context) bool {
	t := time.NewTimer(c.cfg.ReconnectBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
