package middleware

import (
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// ProviderRateLimit applies a token bucket per {provider} path value so one
// noisy provider cannot starve webhook handling for the others.
func ProviderRateLimit(perSec float64, burst int, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)
	limiterFor := func(provider string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[provider]
		if !ok {
			l = rate.NewLimiter(rate.Limit(perSec), burst)
			limiters[provider] = l
		}
		return l
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provider := r.PathValue("provider")
			if !limiterFor(provider).Allow() {
				log.Warn("webhook rate limited", "provider", provider)
				w.Header().Set("Retry-After", "1")
				http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
