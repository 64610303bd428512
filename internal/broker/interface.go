package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/raj577/DeltaDeck/internal/models"
)

// Valid gainers/losers request enums.
var (
	validDataTypes   = map[string]bool{"PercPriceGainers": true, "PercPriceLosers": true, "PercOIGainers": true, "PercOILosers": true}
	validExpiryTypes = map[string]bool{"NEAR": true, "NEXT": true, "FAR": true}
)

// Broker defines the interface for interacting with the trading venue.
type Broker interface {
	// Session
	EnsureSession(ctx context.Context) bool
	GetProfile(ctx context.Context) (*Profile, error)
	Logout(ctx context.Context) error

	// Market data
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	GetOptionGreeks(ctx context.Context, symbol, expiryDate string) ([]GreekRow, error)
	GetRelevantStrikes(ctx context.Context, symbol string, strikesRange int) ([]GreekRow, float64, error)
	GetGainersLosers(ctx context.Context, dataType, expiryType string) ([]MoverRow, error)
	GetCandles(ctx context.Context, symbol, interval, fromDate, toDate string) ([]Candle, error)
}

// Client implements Broker against the Angel One SmartAPI.
type Client struct {
	api      *SmartAPI
	sessions *SessionManager
	logger   *logrus.Logger
}

// Ensure Client implements Broker at compile time.
var _ Broker = (*Client)(nil)

// NewClient creates a venue client over the given REST layer and session
// manager.
func NewClient(api *SmartAPI, sessions *SessionManager, logger *logrus.Logger) *Client {
	return &Client{
		api:      api,
		sessions: sessions,
		logger:   logger,
	}
}

// Sessions exposes the session manager for the feed layer, which authorizes
// its streaming connection with the same tokens.
func (c *Client) Sessions() *SessionManager {
	return c.sessions
}

// EnsureSession reports whether a valid session is held, refreshing or
// re-authenticating if needed.
func (c *Client) EnsureSession(ctx context.Context) bool {
	return c.sessions.EnsureValid(ctx)
}

func (c *Client) requireSession(ctx context.Context) (Session, error) {
	if !c.sessions.EnsureValid(ctx) {
		return Session{}, NewAPIError(codeNotLoggedIn, "Authentication required")
	}
	return c.sessions.Session(), nil
}

// GetProfile fetches the authenticated user profile.
func (c *Client) GetProfile(ctx context.Context) (*Profile, error) {
	sess, err := c.requireSession(ctx)
	if err != nil {
		return nil, err
	}
	return c.api.GetProfile(ctx, sess.AccessToken)
}

// GetCurrentPrice returns the last traded price for a supported index symbol.
func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	in, ok := models.LookupSymbol(symbol)
	if !ok {
		return 0, &ValidationError{Field: "symbol", Msg: fmt.Sprintf("unsupported symbol %q", symbol)}
	}

	sess, err := c.requireSession(ctx)
	if err != nil {
		return 0, err
	}

	ltp, err := c.api.GetLTPData(ctx, sess.AccessToken, in.Exchange, in.Symbol, in.Token)
	if err != nil {
		return 0, err
	}
	return ltp.LTP, nil
}

// GetOptionGreeks fetches the Greeks snapshot for a symbol and expiry. An
// empty expiryDate resolves to the nearest expiry for the symbol.
func (c *Client) GetOptionGreeks(ctx context.Context, symbol, expiryDate string) ([]GreekRow, error) {
	if _, ok := models.LookupSymbol(symbol); !ok {
		return nil, &ValidationError{Field: "symbol", Msg: fmt.Sprintf("unsupported symbol %q", symbol)}
	}
	if expiryDate == "" {
		expiryDate = NearestExpiry(symbol, time.Now())
	}

	sess, err := c.requireSession(ctx)
	if err != nil {
		return nil, err
	}
	return c.api.GetOptionGreeks(ctx, sess.AccessToken, symbol, expiryDate)
}

// GetRelevantStrikes fetches the Greeks snapshot for the nearest expiry and
// filters it to the strikes around the current price. It returns the filtered
// rows together with the price used for the ATM computation.
func (c *Client) GetRelevantStrikes(ctx context.Context, symbol string, strikesRange int) ([]GreekRow, float64, error) {
	price, err := c.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, 0, err
	}
	c.logger.WithFields(logrus.Fields{"symbol": symbol, "price": price}).Info("Fetched current price")

	rows, err := c.GetOptionGreeks(ctx, symbol, "")
	if err != nil {
		return nil, 0, err
	}

	relevant := RelevantStrikes(rows, symbol, price, strikesRange)
	c.logger.WithFields(logrus.Fields{"symbol": symbol, "rows": len(relevant)}).Info("Filtered relevant strikes")
	return relevant, price, nil
}

// GetGainersLosers fetches the top derivative movers.
func (c *Client) GetGainersLosers(ctx context.Context, dataType, expiryType string) ([]MoverRow, error) {
	if !validDataTypes[dataType] {
		return nil, &ValidationError{Field: "data_type", Msg: fmt.Sprintf("must be one of PercPriceGainers, PercPriceLosers, PercOIGainers, PercOILosers; got %q", dataType)}
	}
	if !validExpiryTypes[expiryType] {
		return nil, &ValidationError{Field: "expiry_type", Msg: fmt.Sprintf("must be one of NEAR, NEXT, FAR; got %q", expiryType)}
	}

	sess, err := c.requireSession(ctx)
	if err != nil {
		return nil, err
	}
	return c.api.GetGainersLosers(ctx, sess.AccessToken, dataType, expiryType)
}

// GetCandles fetches historical OHLCV bars for a supported symbol. Empty
// dates default to the last seven days.
func (c *Client) GetCandles(ctx context.Context, symbol, interval, fromDate, toDate string) ([]Candle, error) {
	in, ok := models.LookupSymbol(symbol)
	if !ok {
		return nil, &ValidationError{Field: "symbol", Msg: fmt.Sprintf("unsupported symbol %q", symbol)}
	}
	if interval == "" {
		interval = "ONE_MINUTE"
	}
	if fromDate == "" || toDate == "" {
		end := time.Now()
		start := end.AddDate(0, 0, -7)
		fromDate = start.Format("2006-01-02 15:04")
		toDate = end.Format("2006-01-02 15:04")
	}

	sess, err := c.requireSession(ctx)
	if err != nil {
		return nil, err
	}
	return c.api.GetCandleData(ctx, sess.AccessToken, in.Exchange, in.Token, interval, fromDate, toDate)
}

// Logout terminates the venue session and clears local token state even when
// the venue call fails.
func (c *Client) Logout(ctx context.Context) error {
	sess := c.sessions.Session()
	if sess.IsZero() {
		return nil
	}
	err := c.api.Logout(ctx, sess.AccessToken, c.sessions.creds.ClientCode)
	c.sessions.Invalidate()
	if err != nil {
		return fmt.Errorf("terminating venue session: %w", err)
	}
	c.logger.Info("Logged out from venue")
	return nil
}

// ============ Circuit breaker wrapper ============

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with sensible defaults.
func NewCircuitBreakerBroker(broker Broker, logger *logrus.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, logger, CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, logger *logrus.Logger, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "VenueCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warnf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// EnsureSession bypasses the breaker: it is the recovery path itself.
func (c *CircuitBreakerBroker) EnsureSession(ctx context.Context) bool {
	return c.broker.EnsureSession(ctx)
}

// GetProfile wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetProfile(ctx context.Context) (*Profile, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Profile, error) { return b.GetProfile(ctx) })
}

// GetCurrentPrice wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) { return b.GetCurrentPrice(ctx, symbol) })
}

// GetOptionGreeks wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetOptionGreeks(ctx context.Context, symbol, expiryDate string) ([]GreekRow, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]GreekRow, error) {
		return b.GetOptionGreeks(ctx, symbol, expiryDate)
	})
}

// GetRelevantStrikes wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetRelevantStrikes(ctx context.Context, symbol string, strikesRange int) ([]GreekRow, float64, error) {
	type result struct {
		rows  []GreekRow
		price float64
	}
	res, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (result, error) {
		rows, price, err := b.GetRelevantStrikes(ctx, symbol, strikesRange)
		return result{rows: rows, price: price}, err
	})
	return res.rows, res.price, err
}

// GetGainersLosers wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetGainersLosers(ctx context.Context, dataType, expiryType string) ([]MoverRow, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]MoverRow, error) {
		return b.GetGainersLosers(ctx, dataType, expiryType)
	})
}

// GetCandles wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetCandles(ctx context.Context, symbol, interval, fromDate, toDate string) ([]Candle, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Candle, error) {
		return b.GetCandles(ctx, symbol, interval, fromDate, toDate)
	})
}

// Logout wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) Logout(ctx context.Context) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) { return struct{}{}, b.Logout(ctx) })
	return err
}
