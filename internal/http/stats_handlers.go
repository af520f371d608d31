package httpx

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/956zs/discord-embed-app-sub001/internal/domain"
	"github.com/956zs/discord-embed-app-sub001/internal/service/metrics"
	"github.com/956zs/discord-embed-app-sub001/internal/service/rollup"
)

const (
	defaultStatsRange = 30
	maxStatsRange     = 366
)

// dailyStatView renders DailyStat with its calendar date as a plain string.
type dailyStatView struct {
	Date string `json:"date"`
	domain.DailyStat
}

func (r *Router) handleMetrics(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	period := strings.TrimSpace(req.URL.Query().Get("period"))
	if period == "" {
		period = "1h"
	}
	snap, err := r.metrics.Snapshot(period)
	if err != nil {
		if errors.Is(err, metrics.ErrUnknownPeriod) {
			writeError(w, http.StatusBadRequest, "period must be one of 1h, 6h, 24h")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to read metrics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"period":   snap.Period,
		"taken_at": snap.TakenAt,
		"uptime":   int64(r.metrics.Uptime().Seconds()),
		"current": map[string]any{
			"counters": snap.Counters,
			"gauges":   snap.Gauges,
			"timings":  snap.Timings,
		},
		"historical": snap.Historical,
		"summary":    snap.Summary,
	})
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	guildID := strings.TrimSpace(req.PathValue("guildID"))
	if guildID == "" {
		r.notFound(w)
		return
	}
	query := req.URL.Query()
	to := time.Now().UTC().AddDate(0, 0, -1)
	if raw := strings.TrimSpace(query.Get("to")); raw != "" {
		parsed, err := time.Parse(domain.DateLayout, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be YYYY-MM-DD")
			return
		}
		to = parsed
	}
	from := to.AddDate(0, 0, -(defaultStatsRange - 1))
	if raw := strings.TrimSpace(query.Get("from")); raw != "" {
		parsed, err := time.Parse(domain.DateLayout, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be YYYY-MM-DD")
			return
		}
		from = parsed
	}
	from, _ = domain.DayBounds(from, time.UTC)
	to, _ = domain.DayBounds(to, time.UTC)
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "from must not be after to")
		return
	}
	if to.Sub(from) > maxStatsRange*24*time.Hour {
		writeError(w, http.StatusBadRequest, "date range too large")
		return
	}

	stats, err := r.stats.ListDailyStats(req.Context(), guildID, from, to)
	if err != nil {
		r.logger.Error("list daily stats failed", "guild_id", guildID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	views := make([]dailyStatView, 0, len(stats))
	for _, stat := range stats {
		views = append(views, dailyStatView{Date: stat.Date.Format(domain.DateLayout), DailyStat: stat})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"guild_id": guildID,
		"from":     from.Format(domain.DateLayout),
		"to":       to.Format(domain.DateLayout),
		"stats":    views,
	})
}

// handleRollups re-runs aggregation for one date. The run is synchronous;
// each guild is bounded by the job's own timeout and keeps going if the
// caller disconnects.
func (r *Router) handleRollups(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Date   string   `json:"date"`
		Guilds []string `json:"guilds"`
	}
	if err := decodeJSON(req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	date, err := r.rollups.ParseDate(payload.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	report, err := r.rollups.RunForDate(req.Context(), date, payload.Guilds)
	switch {
	case err == nil:
	case errors.Is(err, rollup.ErrNoGuilds):
		writeError(w, http.StatusUnprocessableEntity, "no guilds to aggregate for that date")
		return
	default:
		r.logger.Error("rollup run failed", "date", payload.Date, "error", err)
		writeError(w, http.StatusInternalServerError, "rollup failed")
		return
	}
	status := http.StatusOK
	if report.Failed > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, report)
}
