package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/powercast/internal/market"
	"github.com/aristath/powercast/pkg/logger"
)

const (
	maxAttempts    = 3
	backoffBase    = 1 * time.Second
	backoffFactor  = 2
	requestTimeout = 10 * time.Second
)

// FeedConfig holds one feed's endpoint and credentials.
type FeedConfig struct {
	URL    string
	APIKey string
}

// Config wires the three upstream feeds.
type Config struct {
	LoadForecast       FeedConfig
	HistoricalPrices   FeedConfig
	GenerationForecast FeedConfig
	Timezone           string
}

// Client fetches and normalizes the upstream feeds. Each feed has its own
// circuit breaker so one flapping endpoint does not block the others.
type Client struct {
	http     *http.Client
	cfg      Config
	loc      *time.Location
	breakers map[string]*gobreaker.CircuitBreaker
	logger   zerolog.Logger
}

// NewClient creates a feed client.
func NewClient(cfg Config) (*Client, error) {
	loc, err := market.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, name := range []string{"load_forecast", "historical_prices", "generation_forecast"} {
		breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}

	return &Client{
		http:     &http.Client{Timeout: requestTimeout},
		cfg:      cfg,
		loc:      loc,
		breakers: breakers,
		logger:   logger.Component("ingest"),
	}, nil
}

// Ingest fetches all three feeds concurrently and returns the normalized
// triple. Any feed failing terminally fails the whole ingest.
func (c *Client) Ingest(ctx context.Context, targetDate time.Time) (*FeedData, error) {
	var data FeedData

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := c.fetchLoadForecast(gctx, targetDate)
		if err != nil {
			return fmt.Errorf("load forecast feed: %w", err)
		}
		data.LoadForecast = rows
		return nil
	})
	g.Go(func() error {
		rows, err := c.fetchHistoricalPrices(gctx, targetDate)
		if err != nil {
			return fmt.Errorf("historical prices feed: %w", err)
		}
		data.HistoricalPrices = rows
		return nil
	})
	g.Go(func() error {
		rows, err := c.fetchGenerationForecast(gctx, targetDate)
		if err != nil {
			return fmt.Errorf("generation forecast feed: %w", err)
		}
		data.GenerationForecast = rows
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	c.logger.Info().
		Int("load_rows", len(data.LoadForecast)).
		Int("price_rows", len(data.HistoricalPrices)).
		Int("generation_rows", len(data.GenerationForecast)).
		Msg("Feeds ingested")
	return &data, nil
}

// FeedStates reports each feed's circuit breaker state, keyed by feed name.
func (c *Client) FeedStates() map[string]string {
	states := make(map[string]string, len(c.breakers))
	for name, cb := range c.breakers {
		states[name] = cb.State().String()
	}
	return states
}

// wire-format rows before normalization
type rawLoadRow struct {
	Timestamp string  `json:"timestamp"`
	LoadMW    float64 `json:"load_mw"`
	Region    string  `json:"region"`
}

type rawPriceRow struct {
	Timestamp string  `json:"timestamp"`
	Product   string  `json:"product"`
	Price     float64 `json:"price"`
	Node      string  `json:"node"`
}

type rawGenerationRow struct {
	Timestamp    string  `json:"timestamp"`
	FuelType     string  `json:"fuel_type"`
	GenerationMW float64 `json:"generation_mw"`
	Region       string  `json:"region"`
}

func (c *Client) fetchLoadForecast(ctx context.Context, targetDate time.Time) ([]LoadRow, error) {
	var payload struct {
		Data []rawLoadRow `json:"data"`
	}
	if err := c.fetch(ctx, "load_forecast", c.cfg.LoadForecast, targetDate, &payload); err != nil {
		return nil, err
	}

	rows := make([]LoadRow, 0, len(payload.Data))
	for _, raw := range payload.Data {
		ts, err := c.parseFeedTimestamp(raw.Timestamp)
		if err != nil || raw.LoadMW < 0 || math.IsNaN(raw.LoadMW) {
			c.rejectRow("load_forecast", raw.Timestamp, err)
			continue
		}
		rows = append(rows, LoadRow{Timestamp: ts, LoadMW: raw.LoadMW, Region: raw.Region})
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no valid rows after normalization")
	}
	return rows, nil
}

func (c *Client) fetchHistoricalPrices(ctx context.Context, targetDate time.Time) ([]PriceRow, error) {
	var payload struct {
		Data []rawPriceRow `json:"data"`
	}
	if err := c.fetch(ctx, "historical_prices", c.cfg.HistoricalPrices, targetDate, &payload); err != nil {
		return nil, err
	}

	rows := make([]PriceRow, 0, len(payload.Data))
	for _, raw := range payload.Data {
		ts, err := c.parseFeedTimestamp(raw.Timestamp)
		if err != nil {
			c.rejectRow("historical_prices", raw.Timestamp, err)
			continue
		}
		product, err := market.ParseProduct(raw.Product)
		if err != nil || math.IsNaN(raw.Price) || math.IsInf(raw.Price, 0) {
			c.rejectRow("historical_prices", raw.Timestamp, err)
			continue
		}
		rows = append(rows, PriceRow{Timestamp: ts, Product: product, Price: raw.Price, Node: raw.Node})
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no valid rows after normalization")
	}
	return rows, nil
}

func (c *Client) fetchGenerationForecast(ctx context.Context, targetDate time.Time) ([]GenerationRow, error) {
	var payload struct {
		Data []rawGenerationRow `json:"data"`
	}
	if err := c.fetch(ctx, "generation_forecast", c.cfg.GenerationForecast, targetDate, &payload); err != nil {
		return nil, err
	}

	rows := make([]GenerationRow, 0, len(payload.Data))
	for _, raw := range payload.Data {
		ts, err := c.parseFeedTimestamp(raw.Timestamp)
		if err != nil || raw.FuelType == "" || raw.GenerationMW < 0 || math.IsNaN(raw.GenerationMW) {
			c.rejectRow("generation_forecast", raw.Timestamp, err)
			continue
		}
		rows = append(rows, GenerationRow{Timestamp: ts, FuelType: raw.FuelType, GenerationMW: raw.GenerationMW, Region: raw.Region})
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no valid rows after normalization")
	}
	return rows, nil
}

// fetch performs a GET with retries (3 attempts, exponential backoff) and
// the feed's circuit breaker, decoding JSON into out.
func (c *Client) fetch(ctx context.Context, feed string, fc FeedConfig, targetDate time.Time, out interface{}) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := backoffBase * time.Duration(math.Pow(backoffFactor, float64(attempt-2)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		body, err := c.breakers[feed].Execute(func() (interface{}, error) {
			return c.doRequest(ctx, fc, targetDate)
		})
		if err != nil {
			lastErr = err
			c.logger.Warn().Err(err).Str("feed", feed).Int("attempt", attempt).Msg("Feed fetch failed")
			continue
		}

		if err := json.Unmarshal(body.([]byte), out); err != nil {
			lastErr = fmt.Errorf("failed to decode response: %w", err)
			continue
		}
		return nil
	}
	return fmt.Errorf("all %d attempts failed: %w", maxAttempts, lastErr)
}

func (c *Client) doRequest(ctx context.Context, fc FeedConfig, targetDate time.Time) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fc.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	q := req.URL.Query()
	q.Set("date", targetDate.Format("2006-01-02"))
	req.URL.RawQuery = q.Encode()
	if fc.APIKey != "" {
		req.Header.Set("X-API-Key", fc.APIKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// parseFeedTimestamp accepts RFC3339 or a naive timestamp interpreted in
// the market zone, always returning market-zone time.
func (c *Client) parseFeedTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(c.loc), nil
	}
	t, err := time.ParseInLocation("2006-01-02 15:04:05", s, c.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	return t, nil
}

func (c *Client) rejectRow(feed, ts string, err error) {
	c.logger.Warn().Str("feed", feed).Str("timestamp", ts).Err(err).Msg("Rejecting feed row")
}
