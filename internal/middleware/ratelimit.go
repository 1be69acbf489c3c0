package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
	"google.golang.org/grpc/codes"
)

// RateLimit allows limit requests per client IP within window and answers the
// rest with 429. Put chi's RealIP earlier in the chain when running behind a proxy.
func RateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	retry := strconv.Itoa(int(math.Ceil(window.Seconds())))
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			slog.Default().WarnContext(r.Context(), "rate limit exceeded",
				slog.String("client_ip", ClientIP(r)),
				slog.String("path", r.URL.Path),
			)
			w.Header().Set("Retry-After", retry)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "too many requests, please try again later",
				"code":  codes.ResourceExhausted.String(),
			})
		}),
	)
}
