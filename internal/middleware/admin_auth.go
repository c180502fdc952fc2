package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

type contextKey string

const ctxOperatorKey contextKey = "operator"

// AdminAuth authenticates operator requests by comparing the Bearer token
// against a bcrypt hash. On success it stores a short fingerprint of the key
// in the request context for audit logs. An empty hash rejects every request.
func AdminAuth(keyHash string, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	hash := []byte(keyHash)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			if len(hash) == 0 || bcrypt.CompareHashAndPassword(hash, []byte(raw)) != nil {
				log.Warn("admin auth rejected", "path", r.URL.Path, "remote", r.RemoteAddr)
				http.Error(w, `{"error":"invalid admin key"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), fingerprint(raw))))
		})
	}
}

// OperatorFromCtx returns the authenticated operator fingerprint, or "".
func OperatorFromCtx(ctx context.Context) string {
	op, _ := ctx.Value(ctxOperatorKey).(string)
	return op
}

// WithOperator returns a context carrying the given operator fingerprint.
func WithOperator(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, ctxOperatorKey, op)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func fingerprint(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:4])
}
