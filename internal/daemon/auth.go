package daemon

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"bloom/internal/api"
	"bloom/internal/logging"
)

const tokenHint = "pass the rig's api.token (or BLOOM_API_TOKEN) as a bearer token"

// operatorOnly gates a rig route behind the configured API token. With no
// token configured every operator on the bind address may drive the rig.
func (s *apiServer) operatorOnly(token string, next http.HandlerFunc) http.HandlerFunc {
	if token == "" {
		return next
	}
	want := []byte(token)
	return func(w http.ResponseWriter, r *http.Request) {
		presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if ok && subtle.ConstantTimeCompare([]byte(presented), want) == 1 {
			next(w, r)
			return
		}
		s.log().Warn("rejected rig request without a valid token",
			logging.String(logging.FieldEventType, "api_unauthorized"),
			logging.String("route", r.Method+" "+r.URL.Path),
			logging.String("remote", r.RemoteAddr),
		)
		s.writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{
			Error: "unauthorized",
			Hint:  tokenHint,
		})
	}
}
