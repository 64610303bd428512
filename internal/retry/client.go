// Package retry wraps broker market-data calls with bounded retries and
// jittered backoff for transient venue failures.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/raj577/DeltaDeck/internal/broker"
)

type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Client retries market-data fetches against the venue. Validation errors and
// venue rejections fail fast; only transport-level failures are retried.
type Client struct {
	broker broker.Broker
	logger *logrus.Logger
	config Config
}

func NewClient(b broker.Broker, logger *logrus.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	return &Client{
		broker: b,
		logger: logger,
		config: cfg,
	}
}

// GetCurrentPriceWithRetry fetches the spot price, retrying transient failures.
func (c *Client) GetCurrentPriceWithRetry(ctx context.Context, symbol string) (float64, error) {
	return doRetry(ctx, c, "current price", func(ctx context.Context) (float64, error) {
		return c.broker.GetCurrentPrice(ctx, symbol)
	})
}

// GetRelevantStrikesWithRetry fetches the filtered Greeks snapshot, retrying
// transient failures.
func (c *Client) GetRelevantStrikesWithRetry(ctx context.Context, symbol string, strikesRange int) ([]broker.GreekRow, float64, error) {
	type result struct {
		rows  []broker.GreekRow
		price float64
	}
	res, err := doRetry(ctx, c, "relevant strikes", func(ctx context.Context) (result, error) {
		rows, price, err := c.broker.GetRelevantStrikes(ctx, symbol, strikesRange)
		return result{rows: rows, price: price}, err
	})
	return res.rows, res.price, err
}

// GetGainersLosersWithRetry fetches the top movers, retrying transient failures.
func (c *Client) GetGainersLosersWithRetry(ctx context.Context, dataType, expiryType string) ([]broker.MoverRow, error) {
	return doRetry(ctx, c, "gainers/losers", func(ctx context.Context) ([]broker.MoverRow, error) {
		return c.broker.GetGainersLosers(ctx, dataType, expiryType)
	})
}

func doRetry[T any](ctx context.Context, c *Client, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := opCtx.Err(); err != nil {
			return zero, fmt.Errorf("%s fetch canceled: %w", op, err)
		}

		res, err := fn(opCtx)
		if err == nil {
			return res, nil
		}

		lastErr = err
		c.logger.WithError(err).Warnf("Fetch %s attempt %d/%d failed", op, attempt+1, c.config.MaxRetries+1)

		if !isTransientError(err) || attempt == c.config.MaxRetries {
			break
		}

		select {
		case <-time.After(backoff):
			backoff = c.calculateNextBackoff(backoff)
		case <-opCtx.Done():
			return zero, fmt.Errorf("%s fetch canceled during backoff: %w", op, opCtx.Err())
		}
	}

	return zero, fmt.Errorf("fetching %s after %d attempts: %w", op, c.config.MaxRetries+1, lastErr)
}

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.WithError(err).Warn("Failed to generate jitter")
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if broker.IsValidationError(err) {
		return false
	}
	if _, ok := broker.AsAPIError(err); ok {
		// Venue rejections carry stable error codes; retrying the same
		// request will not change the answer.
		return false
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429", // HTTP 429 Too Many Requests
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
