package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/956zs/discord-embed-app-sub001/internal/domain"
	"github.com/956zs/discord-embed-app-sub001/internal/repository"
	"github.com/956zs/discord-embed-app-sub001/internal/service/alert"
	"github.com/956zs/discord-embed-app-sub001/internal/ws"
)

const (
	defaultAlertLimit = 100
	maxAlertLimit     = 500
)

func (r *Router) handleAlerts(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	query := req.URL.Query()
	filter := domain.AlertFilter{
		Status:   strings.ToLower(strings.TrimSpace(query.Get("status"))),
		Category: strings.TrimSpace(query.Get("category")),
		Limit:    defaultAlertLimit,
	}
	switch filter.Status {
	case "", domain.AlertStatusActive, domain.AlertStatusResolved:
	default:
		writeError(w, http.StatusBadRequest, "status must be active or resolved")
		return
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = min(limit, maxAlertLimit)
	}
	alerts, err := r.alerts.ListAlerts(req.Context(), filter)
	if err != nil {
		r.logger.Error("list alerts failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"active": len(r.alerts.ActiveAlerts()),
	})
}

func (r *Router) handleResolveAlert(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	id := strings.TrimSpace(req.PathValue("id"))
	if id == "" {
		r.notFound(w)
		return
	}
	var payload struct {
		ResolvedBy string `json:"resolved_by"`
	}
	if req.ContentLength != 0 {
		if err := decodeJSON(req, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	by := strings.TrimSpace(payload.ResolvedBy)
	if by == "" {
		if info, ok := authInfoFromContext(req.Context()); ok {
			by = info.Subject
		}
	}
	resolved, err := r.alerts.ResolveAlert(req.Context(), id, by)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resolved)
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "alert not found or already resolved")
	case errors.Is(err, repository.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid alert id")
	default:
		r.logger.Error("resolve alert failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve alert")
	}
}

func (r *Router) handleAlertConfig(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, r.alerts.Thresholds())
	case http.MethodPut:
		// Start from the current values so partial bodies only touch the
		// fields they name.
		next := r.alerts.Thresholds()
		if err := decodeJSON(req, &next); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := r.alerts.SetThresholds(next); err != nil {
			if errors.Is(err, repository.ErrInvalidArgument) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to update thresholds")
			return
		}
		r.logger.Info("alert thresholds updated", "thresholds", next)
		writeJSON(w, http.StatusOK, r.alerts.Thresholds())
	default:
		r.methodNotAllowed(w)
	}
}

// snapshotMessage is the first frame a live subscriber receives.
func (r *Router) snapshotMessage() []byte {
	payload, _ := json.Marshal(struct {
		Type   string         `json:"type"`
		Alerts []domain.Alert `json:"alerts"`
	}{Type: "alert.snapshot", Alerts: r.alerts.ActiveAlerts()})
	return payload
}

func (r *Router) handleAlertsWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	if err := client.Send(r.snapshotMessage()); err != nil {
		client.Close()
		return
	}
	r.hub.Register(ws.TopicAlerts, client)
	go client.WritePump()
	go func() {
		defer func() {
			r.hub.Unregister(ws.TopicAlerts, client)
			client.Close()
		}()
		client.ReadPump()
	}()
}

func (r *Router) handleAlertStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, "alert", r.logger)
	if err := client.Send(r.snapshotMessage()); err != nil {
		return
	}
	r.hub.Register(ws.TopicAlerts, client)
	defer r.hub.Unregister(ws.TopicAlerts, client)

	if err := client.Stream(req.Context(), sseHeartbeat); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		r.logger.Debug("alert stream ended", "error", err)
	}
}

var _ AlertService = (*alert.Manager)(nil)
