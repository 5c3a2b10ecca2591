package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"fieldsync-server/internal/domain"
	"fieldsync-server/internal/logger"
	"fieldsync-server/internal/service"
	"fieldsync-server/pkg/response"

	"github.com/sirupsen/logrus"
)

const DeviceIDHeader = "X-Device-Id"

type AccessVerifier interface {
	Verify(ctx context.Context, id domain.Identity, allowInactive bool) error
}

// DeviceGuard binds the authenticated user to the device named in the
// X-Device-Id header. Routes that only report state pass allowInactive so a
// revoked device can still learn that it is revoked.
func DeviceGuard(access AccessVerifier, allowInactive bool, log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := GetUserID(r)
			if userID == "" {
				response.Unauthorized(w, "Unauthorized")
				return
			}

			deviceID := strings.TrimSpace(r.Header.Get(DeviceIDHeader))
			if deviceID == "" {
				response.BadRequest(w, "Missing X-Device-Id header")
				return
			}

			id := domain.Identity{UserID: userID, DeviceID: deviceID}
			if err := access.Verify(r.Context(), id, allowInactive); err != nil {
				switch {
				case errors.Is(err, service.ErrDeviceNotRegistered),
					errors.Is(err, service.ErrDeviceNotOwned),
					errors.Is(err, service.ErrDeviceRevoked),
					errors.Is(err, service.ErrUserInactive):
					log.WithFields(logrus.Fields{
						"user_id":   userID,
						"device_id": deviceID,
						"reason":    err.Error(),
					}).Warn("device access denied")
					response.Forbidden(w, err.Error())
				default:
					logger.LogError(log, "DeviceGuard", "Verify", "access check failed",
						logrus.Fields{"device_id": deviceID}, err)
					response.InternalError(w, "Failed to verify device")
				}
				return
			}

			ctx := context.WithValue(r.Context(), IdentityKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetIdentity(r *http.Request) (domain.Identity, bool) {
	id, ok := r.Context().Value(IdentityKey).(domain.Identity)
	return id, ok
}
