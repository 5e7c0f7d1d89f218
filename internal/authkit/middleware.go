package authkit

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/playforge/dauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const authUserContextKey = "auth_user"

// ResolveSession annotates every request with the authenticated user when a
// valid session cookie resolves to a directory record. It never aborts the
// pipeline: missing, malformed, expired, or foreign credentials all demote
// to an unauthenticated context, and 401 decisions belong to handlers.
func ResolveSession(validator *sessionvalidator.Validator, users UserStore, logger *zap.Logger) gin.HandlerFunc {
	if validator == nil || users == nil {
		panic("session validator and user store are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		claims, validateErr := validator.ValidateRequest(contextGin.Request)
		if validateErr != nil {
			contextGin.Next()
			return
		}
		subject, _ := claims.GetSubject()
		record, findErr := users.FindByExternalID(contextGin.Request.Context(), subject)
		if findErr != nil {
			// A stale or foreign credential resolves to no record.
			if !errors.Is(findErr, ErrUserNotFound) {
				logger.Error("session user lookup error",
					zap.String("code", "session.resolve.lookup_error"),
					zap.Error(findErr))
			}
			contextGin.Next()
			return
		}
		contextGin.Set(authUserContextKey, record)
		contextGin.Next()
	}
}

// CurrentUser returns the user resolved by ResolveSession, if any.
func CurrentUser(contextGin *gin.Context) (UserRecord, bool) {
	value, found := contextGin.Get(authUserContextKey)
	if !found {
		return UserRecord{}, false
	}
	record, ok := value.(UserRecord)
	if !ok {
		return UserRecord{}, false
	}
	return record, ok
}
