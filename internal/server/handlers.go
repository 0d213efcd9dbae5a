package server

import (
	"encoding/json"
	"net/http"

	"github.com/aristath/powercast/internal/market"
)

// handleRoot lists the API surface.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "powercast",
		"version": Version,
		"endpoints": []string{
			"/health",
			"/health/detailed",
			"/health/component/{name}",
			"/storage/status",
			"/products",
			"/forecasts/{date}/{product}",
			"/forecasts/latest/{product}",
			"/forecasts/range/{start}/{end}/{product}",
			"/forecasts/model/{date}/{product}",
			"/forecasts/model/latest/{product}",
		},
	})
}

// handleProducts lists the tradable products in canonical order.
func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	products := make([]map[string]interface{}, 0, len(market.Products))
	for _, p := range market.Products {
		products = append(products, map[string]interface{}{
			"product":      p,
			"is_ancillary": p.IsAncillary(),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"products": products})
}

// handleStorageStatus reports store info, 500 on store error.
func (s *Server) handleStorageStatus(w http.ResponseWriter, r *http.Request) {
	info, err := s.store.Info()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read store info")
		s.writeError(w, http.StatusInternalServerError, "storage status unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error body with the given status.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{"error": message})
}
