package httpx

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/956zs/discord-embed-app-sub001/pkg/config"
	"github.com/956zs/discord-embed-app-sub001/pkg/jwt"
)

// AuthMode selects how operator endpoints are protected. In open mode every
// request is accepted; enforced mode requires the operator token or a
// session token signed with it.
type AuthMode struct {
	Mode  string
	Token string
}

// Enforced reports whether operator credentials are required.
func (a AuthMode) Enforced() bool {
	return a.Mode == config.AuthModeEnforced
}

type authContextKey string

type authInfo struct {
	Subject string
	Method  string
}

const contextKeyAuth authContextKey = "embed-auth-info"

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid bearer token")
)

type contextSetter interface {
	SetContext(context.Context)
}

// requireOperator ensures the caller presents operator credentials before
// invoking the handler. Open mode lets everything through as "anonymous".
func (r *Router) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		info, err := r.authenticate(req)
		if err != nil {
			reason := authReason(err)
			r.logger.Warn("operator authentication failed", "reason", reason, "path", req.URL.Path)
			writeAuthError(w, reason)
			return
		}
		ctx := context.WithValue(req.Context(), contextKeyAuth, info)
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

func (r *Router) authenticate(req *http.Request) (authInfo, error) {
	if !r.auth.Enforced() {
		return authInfo{Subject: "anonymous", Method: "open"}, nil
	}
	token, err := requestToken(req)
	if err != nil {
		return authInfo{}, err
	}
	if constantTimeEqual(token, r.auth.Token) {
		return authInfo{Subject: "operator", Method: "token"}, nil
	}
	claims, err := jwt.Parse(token, r.auth.Token)
	if err != nil || claims.Role != jwt.RoleOperator {
		return authInfo{}, errInvalidToken
	}
	return authInfo{Subject: claims.Subject, Method: "session"}, nil
}

// requestToken reads the bearer token, falling back to the token query
// parameter for websocket and event-stream clients that cannot set headers.
func requestToken(req *http.Request) (string, error) {
	if header := req.Header.Get("Authorization"); strings.TrimSpace(header) != "" {
		return bearerToken(header)
	}
	if token := strings.TrimSpace(req.URL.Query().Get("token")); token != "" {
		return token, nil
	}
	return "", errMissingToken
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	return info, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errMissingToken
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errInvalidToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errMissingToken
	}
	return token, nil
}

func authReason(err error) string {
	if errors.Is(err, errMissingToken) {
		return reasonMissingToken
	}
	return reasonInvalidToken
}

func constantTimeEqual(got, want string) bool {
	if want == "" || len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
