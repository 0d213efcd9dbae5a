package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/markcheno/go-talib"

	"github.com/aristath/powercast/internal/forecast"
	"github.com/aristath/powercast/internal/frame"
	"github.com/aristath/powercast/internal/market"
)

const smaPeriod = 24

// BuildFeatures engineers the feature table for one forecast window: load,
// wind and solar supply, a 24-hour load moving average and calendar
// features, one row per horizon hour.
func BuildFeatures(data *FeedData, windowStart time.Time, horizonHours int) (*frame.Frame, error) {
	if data == nil || len(data.LoadForecast) == 0 {
		return nil, fmt.Errorf("load forecast data is empty")
	}

	loadByHour := make(map[int64]float64)
	countByHour := make(map[int64]int)
	for _, row := range data.LoadForecast {
		key := row.Timestamp.Truncate(time.Hour).Unix()
		loadByHour[key] += row.LoadMW
		countByHour[key]++
	}
	for key, n := range countByHour {
		loadByHour[key] /= float64(n)
	}

	windByHour := make(map[int64]float64)
	solarByHour := make(map[int64]float64)
	for _, row := range data.GenerationForecast {
		key := row.Timestamp.Truncate(time.Hour).Unix()
		fuel := strings.ToLower(row.FuelType)
		switch {
		case strings.Contains(fuel, "wind"):
			windByHour[key] += row.GenerationMW
		case strings.Contains(fuel, "solar"):
			solarByHour[key] += row.GenerationMW
		}
	}

	timestamps := make([]time.Time, horizonHours)
	load := make([]float64, horizonHours)
	wind := make([]float64, horizonHours)
	solar := make([]float64, horizonHours)
	hourOfDay := make([]float64, horizonHours)
	dayOfWeek := make([]float64, horizonHours)

	var lastLoad float64
	haveLoad := false
	for i := 0; i < horizonHours; i++ {
		ts := windowStart.Add(time.Duration(i) * time.Hour)
		key := ts.Unix()
		timestamps[i] = ts

		if v, ok := loadByHour[key]; ok {
			load[i] = v
			lastLoad = v
			haveLoad = true
		} else if haveLoad {
			// Carry the last known load forward over gaps.
			load[i] = lastLoad
		} else {
			return nil, fmt.Errorf("load forecast has no data at or before %s", ts.Format(time.RFC3339))
		}

		wind[i] = windByHour[key]
		solar[i] = solarByHour[key]
		hourOfDay[i] = float64(ts.Hour())
		dayOfWeek[i] = float64(ts.Weekday())
	}

	loadSMA := talib.Sma(load, smaPeriod)
	// The SMA warms up over the first period; substitute the raw load there.
	for i := 0; i < smaPeriod-1 && i < horizonHours; i++ {
		loadSMA[i] = load[i]
	}

	f := frame.New(timestamps)
	for _, col := range []struct {
		name   string
		values []float64
	}{
		{"load_mw", load},
		{"wind_mw", wind},
		{"solar_mw", solar},
		{"load_sma_24", loadSMA},
		{"hour_of_day", hourOfDay},
		{"day_of_week", dayOfWeek},
	} {
		if err := f.SetColumn(col.name, col.values); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// BuildHistory derives the per-(product, hour) error track record from
// historical prices. Residuals are deviations from that hour's mean price,
// which approximates model error when no prediction log exists yet.
func BuildHistory(prices []PriceRow) forecast.HistorySet {
	grouped := make(map[string][]float64)
	for _, row := range prices {
		key := market.ModelKey(row.Product, row.Timestamp.Hour())
		grouped[key] = append(grouped[key], row.Price)
	}

	history := make(forecast.HistorySet, len(grouped))
	for key, values := range grouped {
		if len(values) < 2 {
			continue
		}
		var sum float64
		for _, v := range values {
			sum += v
		}
		mean := sum / float64(len(values))

		residuals := make([]float64, len(values))
		var pctErrors []float64
		for i, v := range values {
			residuals[i] = v - mean
			if mean != 0 {
				pctErrors = append(pctErrors, (v-mean)/mean)
			}
		}

		recent := residuals
		if len(recent) > 24 {
			recent = recent[len(recent)-24:]
		}
		history[key] = forecast.History{
			Residuals:    residuals,
			PctErrors:    pctErrors,
			RecentErrors: recent,
		}
	}
	return history
}
