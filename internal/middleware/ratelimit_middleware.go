package middleware

import (
	"net/http"

	"fieldsync-server/internal/logger"
	"fieldsync-server/internal/ratelimit"
	"fieldsync-server/pkg/response"

	"github.com/sirupsen/logrus"
)

// RateLimit throttles per device. It must run after DeviceGuard. A limiter
// backend failure lets the request through.
func RateLimit(limiter ratelimit.Limiter, class ratelimit.Class, log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := GetIdentity(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), id.DeviceID, class)
			if err != nil {
				logger.LogError(log, "RateLimit", "Allow", "limiter unavailable, allowing request",
					logrus.Fields{"device_id": id.DeviceID, "class": class}, err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				log.WithFields(logrus.Fields{
					"device_id": id.DeviceID,
					"class":     class,
				}).Warn("rate limit exceeded")
				w.Header().Set("Retry-After", "60")
				response.TooManyRequests(w, "Too many requests, please slow down")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
