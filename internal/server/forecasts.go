package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/powercast/internal/forecast"
	"github.com/aristath/powercast/internal/market"
	"github.com/aristath/powercast/internal/store"
)

// handleForecastByDate serves the artifact whose window contains the given
// date, in the requested format.
func (s *Server) handleForecastByDate(w http.ResponseWriter, r *http.Request) {
	product, ok := s.parseProduct(w, r)
	if !ok {
		return
	}
	date, err := market.ParseDate(chi.URLParam(r, "date"), s.tz)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	format, ok := s.parseFormat(w, r)
	if !ok {
		return
	}

	ensemble, err := s.store.Get(date, product)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeFormatted(w, format, ensemble)
}

// handleForecastLatest serves the latest artifact for a product.
func (s *Server) handleForecastLatest(w http.ResponseWriter, r *http.Request) {
	product, ok := s.parseProduct(w, r)
	if !ok {
		return
	}
	format, ok := s.parseFormat(w, r)
	if !ok {
		return
	}

	ensemble, err := s.store.GetLatest(product)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeFormatted(w, format, ensemble)
}

// handleForecastRange serves every artifact overlapping [start, end],
// concatenated, ordered by start time.
func (s *Server) handleForecastRange(w http.ResponseWriter, r *http.Request) {
	product, ok := s.parseProduct(w, r)
	if !ok {
		return
	}
	start, err := market.ParseDate(chi.URLParam(r, "start"), s.tz)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := market.ParseDate(chi.URLParam(r, "end"), s.tz)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if end.Before(start) {
		s.writeError(w, http.StatusBadRequest, "range end precedes start")
		return
	}
	format, ok := s.parseFormat(w, r)
	if !ok {
		return
	}

	ensembles, err := s.store.GetRange(start, end, product)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if len(ensembles) == 0 {
		s.writeError(w, http.StatusNotFound, "no forecasts in range")
		return
	}
	s.writeFormatted(w, format, ensembles...)
}

// handleModelByDate serves the artifact for a date as forecast objects
// with derived statistics, JSON only.
func (s *Server) handleModelByDate(w http.ResponseWriter, r *http.Request) {
	product, ok := s.parseProduct(w, r)
	if !ok {
		return
	}
	date, err := market.ParseDate(chi.URLParam(r, "date"), s.tz)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ensemble, err := s.store.Get(date, product)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeModel(w, ensemble)
}

// handleModelLatest serves the latest artifact as forecast objects.
func (s *Server) handleModelLatest(w http.ResponseWriter, r *http.Request) {
	product, ok := s.parseProduct(w, r)
	if !ok {
		return
	}

	ensemble, err := s.store.GetLatest(product)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeModel(w, ensemble)
}

func (s *Server) writeModel(w http.ResponseWriter, e *forecast.Ensemble) {
	items := make([]map[string]interface{}, 0, len(e.Forecasts))
	for _, fc := range e.Forecasts {
		items = append(items, map[string]interface{}{
			"timestamp":            fc.Timestamp,
			"product":              fc.Product,
			"point_forecast":       fc.PointForecast,
			"samples":              fc.Samples,
			"statistics":           fc.Stats(),
			"generation_timestamp": fc.GenerationTimestamp,
			"is_fallback":          fc.IsFallback,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"product":              e.Product,
		"start_time":           e.StartTime,
		"end_time":             e.EndTime,
		"generation_timestamp": e.GenerationTimestamp,
		"is_fallback":          e.IsFallback(),
		"forecasts":            items,
	})
}

func (s *Server) parseProduct(w http.ResponseWriter, r *http.Request) (market.Product, bool) {
	product, err := market.ParseProduct(chi.URLParam(r, "product"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return product, true
}

// writeStoreError maps store failures to HTTP: a missing index row is 404,
// anything else is a 500.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "forecast not found")
		return
	}
	s.logger.Error().Err(err).Msg("Store read failed")
	s.writeError(w, http.StatusInternalServerError, "storage error")
}
