package httpx

import (
	"errors"
	"net/http"
	"strings"

	"github.com/956zs/discord-embed-app-sub001/internal/repository"
	"github.com/956zs/discord-embed-app-sub001/pkg/jwt"
)

// handleEvents ingests one raw guild event from the bot process.
func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyIngest(w, req) {
		return
	}
	var payload struct {
		Kind  string         `json:"kind"`
		Attrs map[string]any `json:"attrs"`
	}
	if err := decodeJSON(req, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	event, err := r.events.RecordEvent(req.Context(), payload.Kind, payload.Attrs)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidArgument) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to record event")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":          event.ID,
		"occurred_at": event.OccurredAt,
	})
}

// verifyIngest accepts the ingest token via X-Ingest-Token or bearer. When
// no ingest token is configured the operator credentials apply instead.
func (r *Router) verifyIngest(w http.ResponseWriter, req *http.Request) bool {
	if r.ingestToken == "" {
		if _, err := r.authenticate(req); err != nil {
			writeAuthError(w, authReason(err))
			return false
		}
		return true
	}
	token := strings.TrimSpace(req.Header.Get("X-Ingest-Token"))
	if token == "" {
		var err error
		token, err = bearerToken(req.Header.Get("Authorization"))
		if err != nil {
			writeAuthError(w, authReason(err))
			return false
		}
	}
	if !constantTimeEqual(token, r.ingestToken) {
		r.logger.Warn("ingest token mismatch", "ip", clientIP(req))
		writeAuthError(w, reasonInvalidToken)
		return false
	}
	return true
}

// handleAuthToken exchanges the raw operator token for a signed session
// token. Session tokens cannot be used to mint further sessions.
func (r *Router) handleAuthToken(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if r.auth.Token == "" {
		writeError(w, http.StatusConflict, "operator token not configured")
		return
	}
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		writeAuthError(w, authReason(err))
		return
	}
	if !constantTimeEqual(token, r.auth.Token) {
		r.logger.Warn("operator token mismatch", "ip", clientIP(req))
		writeAuthError(w, reasonInvalidToken)
		return
	}
	signed, expires, err := jwt.GenerateToken("operator", jwt.RoleOperator, r.auth.Token, r.sessionTTL)
	if err != nil {
		r.logger.Error("issue session token failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      signed,
		"token_type": "Bearer",
		"expires_at": expires.UTC(),
	})
}
