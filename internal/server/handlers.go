package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meridianfund/meridian/internal/optimizer"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	isins, err := s.store.ListISINs()
	status := "ok"
	if err != nil {
		status = "degraded"
		s.log.Error().Err(err).Msg("health check store read failed")
	}
	writeJSON(w, map[string]interface{}{
		"status":      status,
		"instruments": len(isins),
		"time":        time.Now().UTC().Format(time.RFC3339),
	})
}

// handleOptimize runs one optimization request. Degraded outcomes are still
// HTTP 200; the result's status field carries the degradation level.
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req optimizer.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Assets) == 0 {
		http.Error(w, "assets must not be empty", http.StatusBadRequest)
		return
	}
	if req.RiskLevel < 1 || req.RiskLevel > 10 {
		http.Error(w, "risk_level must be between 1 and 10", http.StatusBadRequest)
		return
	}

	result := s.optimizer.Run(r.Context(), req)
	writeJSON(w, result)
}

// handleSeriesMetrics returns realized backtest metrics for one instrument.
// These are compounded figures and intentionally differ from the optimizer's
// quadratic-form metrics.
func (s *Server) handleSeriesMetrics(w http.ResponseWriter, r *http.Request) {
	isin := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "isin")))
	if isin == "" {
		http.Error(w, "isin required", http.StatusBadRequest)
		return
	}

	series, report := s.cache.Resolve([]string{isin})
	points, ok := series[isin]
	if !ok || len(report.Missing) > 0 {
		http.Error(w, "no usable history for instrument", http.StatusNotFound)
		return
	}

	riskFree := s.rates.GetRate(r.Context())
	if v := r.URL.Query().Get("risk_free"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			http.Error(w, "invalid risk_free parameter", http.StatusBadRequest)
			return
		}
		riskFree = parsed
	}

	m, err := s.metrics.FromPrices(points, riskFree)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, map[string]interface{}{
		"isin":      isin,
		"synthetic": len(report.Synthetic) > 0,
		"metrics":   m,
	})
}

func (s *Server) handleRiskFreeRate(w http.ResponseWriter, r *http.Request) {
	rate := s.rates.GetRate(r.Context())
	writeJSON(w, map[string]interface{}{
		"rate":        rate,
		"cycle_start": s.rates.CycleStart(time.Now().UTC()).Format(time.RFC3339),
	})
}

func (s *Server) handleListUniverse(w http.ResponseWriter, r *http.Request) {
	isins, err := s.store.ListISINs()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list universe")
		http.Error(w, "failed to list universe", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{
		"count": len(isins),
		"isins": isins,
	})
}

// handleRefresh triggers one refresh run synchronously. Partial completion is
// reported, not treated as an error.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.refresher == nil {
		http.Error(w, "refresh job not configured", http.StatusServiceUnavailable)
		return
	}
	report, err := s.refresher.Run(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("manual refresh failed")
		http.Error(w, "refresh failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, report)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) // response already committed
}
