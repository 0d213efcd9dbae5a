// Package ingest fetches the three upstream feeds (load forecast,
// historical prices, generation forecast by fuel type), normalizes them to
// the market timezone and engineers the feature table the forecasting
// engine consumes.
package ingest

import (
	"time"

	"github.com/aristath/powercast/internal/market"
)

// LoadRow is one row of the load forecast feed.
type LoadRow struct {
	Timestamp time.Time `json:"timestamp"`
	LoadMW    float64   `json:"load_mw"`
	Region    string    `json:"region"`
}

// PriceRow is one row of the historical prices feed.
type PriceRow struct {
	Timestamp time.Time      `json:"timestamp"`
	Product   market.Product `json:"product"`
	Price     float64        `json:"price"`
	Node      string         `json:"node"`
}

// GenerationRow is one row of the generation forecast feed.
type GenerationRow struct {
	Timestamp    time.Time `json:"timestamp"`
	FuelType     string    `json:"fuel_type"`
	GenerationMW float64   `json:"generation_mw"`
	Region       string    `json:"region"`
}

// FeedData is the normalized triple handed to the pipeline.
type FeedData struct {
	LoadForecast       []LoadRow
	HistoricalPrices   []PriceRow
	GenerationForecast []GenerationRow
}
