package middleware

import (
	"net/http"
	"strings"

	"adsplice-proxy/work/logger"

	"golang.org/x/crypto/bcrypt"
)

// OperatorHeader carries the operator token
const OperatorHeader = "X-Operator-Token"

// OperatorToken returns the token from X-Operator-Token or a bearer
// Authorization header.
func OperatorToken(r *http.Request) string {
	if t := r.Header.Get(OperatorHeader); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// IsOperator reports whether the request carries a token matching the
// bcrypt hash. An empty hash matches nobody.
func IsOperator(r *http.Request, hash string) bool {
	if hash == "" {
		return false
	}
	token := OperatorToken(r)
	if token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}

// RequireOperator guards next with the operator token. Without a
// configured hash the endpoints are open.
func RequireOperator(hash string, next http.HandlerFunc) http.HandlerFunc {
	if hash == "" {
		logger.Warn("{middleware/operator - RequireOperator} no operator token configured, admin endpoints are unprotected")
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !IsOperator(r, hash) {
			logger.Warn("{middleware/operator - RequireOperator} rejected %s %s without a valid operator token", r.Method, r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="adsplice"`)
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"Unauthorized"}` + "\n"))
			return
		}
		next(w, r)
	}
}
