package observe

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// tokenAuth checks a single shared bearer token. An empty token admits
// every request.
type tokenAuth struct {
	token []byte
}

func newTokenAuth(token string) tokenAuth {
	return tokenAuth{token: []byte(token)}
}

// allow accepts "Authorization: Bearer <token>" or, for browsers opening a
// WebSocket, a token query parameter.
func (a tokenAuth) allow(r *http.Request) bool {
	if len(a.token) == 0 {
		return true
	}
	got := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); h != "" {
		got = strings.TrimPrefix(h, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(got), a.token) == 1
}

func (a tokenAuth) wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.allow(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}
