package server

import (
	"math"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware sheds ingress load beyond rps requests per second with
// 429 Too Many Requests. Responses carry x-ratelimit-limit-requests and,
// when rejected, Retry-After in whole seconds. rps <= 0 disables limiting.
func RateLimitMiddleware(rps float64, burst int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rps <= 0 {
			return next
		}
		if burst < 1 {
			burst = int(math.Ceil(rps))
		}
		limiter := rate.NewLimiter(rate.Limit(rps), burst)
		limit := strconv.Itoa(burst)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("x-ratelimit-limit-requests", limit)

			res := limiter.Reserve()
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				secs := int(math.Ceil(delay.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				AddLogField(r.Context(), "rate_limited", "true")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
