package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/raj577/DeltaDeck/internal/models"
)

// subscriberBuffer bounds how far a slow subscriber may fall behind before it
// is dropped.
const subscriberBuffer = 16

// SubscriptionToken identifies one registered subscriber.
type SubscriptionToken string

// PricePayload is the per-symbol body of a price update message.
type PricePayload struct {
	LTP    float64 `json:"ltp"`
	Symbol string  `json:"symbol"`
}

// PriceUpdate is the JSON message delivered to every subscriber per tick.
type PriceUpdate struct {
	Type      string                  `json:"type"`
	Data      map[string]PricePayload `json:"data"`
	Timestamp string                  `json:"timestamp"`
}

// Hub fans decoded ticks out to subscribers and drives the upstream feed
// lifecycle from the subscriber count: the first subscriber starts the feed,
// the last departure cancels it.
type Hub struct {
	mu          sync.Mutex
	subscribers map[SubscriptionToken]chan []byte
	runFeed     func(ctx context.Context)
	cancelFeed  context.CancelFunc
	feedDone    chan struct{}
	logger      *logrus.Logger
}

// NewHub creates a hub. runFeed is invoked on its own goroutine when the
// subscriber count goes from zero to one and canceled when it returns to
// zero; it must return promptly once its context is canceled.
func NewHub(runFeed func(ctx context.Context), logger *logrus.Logger) *Hub {
	return &Hub{
		subscribers: make(map[SubscriptionToken]chan []byte),
		runFeed:     runFeed,
		logger:      logger,
	}
}

// Subscribe registers a new delivery channel and returns its token. The
// channel is closed by the hub when the subscriber is removed.
func (h *Hub) Subscribe() (SubscriptionToken, <-chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	token := SubscriptionToken(uuid.NewString())
	ch := make(chan []byte, subscriberBuffer)
	h.subscribers[token] = ch

	if len(h.subscribers) == 1 {
		h.startFeedLocked()
	}
	h.logger.WithFields(logrus.Fields{"token": token, "subscribers": len(h.subscribers)}).Info("Subscriber registered")
	return token, ch
}

// Unsubscribe removes a subscriber. Removing the last one cancels the feed.
// Unknown tokens are ignored.
func (h *Hub) Unsubscribe(token SubscriptionToken) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(token)
}

// SubscriberCount reports the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Broadcast delivers a tick to every live subscriber. Delivery is best effort
// per subscriber: a dead or unresponsive channel is removed so it never
// blocks the rest.
func (h *Hub) Broadcast(tick models.Tick) {
	msg, err := json.Marshal(PriceUpdate{
		Type: "price_update",
		Data: map[string]PricePayload{
			tick.Symbol: {LTP: tick.LTP, Symbol: tick.Symbol},
		},
		Timestamp: tick.ReceivedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode price update")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var dead []SubscriptionToken
	for token, ch := range h.subscribers {
		select {
		case ch <- msg:
		default:
			dead = append(dead, token)
		}
	}
	for _, token := range dead {
		h.logger.WithField("token", token).Warn("Dropping unresponsive subscriber")
		h.removeLocked(token)
	}
}

// Shutdown cancels the feed and removes every subscriber.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	for token := range h.subscribers {
		ch := h.subscribers[token]
		delete(h.subscribers, token)
		close(ch)
	}
	done := h.feedDone
	h.stopFeedLocked()
	h.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (h *Hub) removeLocked(token SubscriptionToken) {
	ch, ok := h.subscribers[token]
	if !ok {
		return
	}
	delete(h.subscribers, token)
	close(ch)
	h.logger.WithFields(logrus.Fields{"token": token, "subscribers": len(h.subscribers)}).Info("Subscriber removed")

	if len(h.subscribers) == 0 {
		h.stopFeedLocked()
	}
}

func (h *Hub) startFeedLocked() {
	if h.runFeed == nil || h.cancelFeed != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	h.cancelFeed = cancel
	h.feedDone = done

	h.logger.Info("Starting upstream feed")
	go func() {
		defer close(done)
		h.runFeed(ctx)
	}()
}

func (h *Hub) stopFeedLocked() {
	if h.cancelFeed == nil {
		return
	}
	h.logger.Info("Stopping upstream feed")
	h.cancelFeed()
	h.cancelFeed = nil
	h.feedDone = nil
}
