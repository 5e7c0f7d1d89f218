package authkit

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// directoryTimeout bounds each directory call made during a callback; a
// stalled database must not hold the provider redirect open indefinitely.
const directoryTimeout = 5 * time.Second

const (
	metricAuthLoginSuccess         = "auth.login.success"
	metricAuthLoginUnknownUser     = "auth.login.unknown_user"
	metricAuthLoginDeclined        = "auth.login.declined"
	metricAuthLoginExchangeFailure = "auth.login.exchange_failure"

	metricAuthSignupSuccess         = "auth.signup.success"
	metricAuthSignupConflict        = "auth.signup.conflict"
	metricAuthSignupDeclined        = "auth.signup.declined"
	metricAuthSignupExchangeFailure = "auth.signup.exchange_failure"

	metricAuthLogoutSuccess = "auth.logout.success"
)

// MountAuthRoutes registers the gateway surface: the two consent redirects,
// their callbacks, /logout, and /user. ResolveSession must run ahead of
// these handlers so logout and whoami can consult the resolved context.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, users UserStore, exchanger IdentityExchanger, clock Clock, logger *zap.Logger, metrics MetricsRecorder) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}

	router.GET("/auth/login", func(contextGin *gin.Context) {
		contextGin.Redirect(http.StatusFound, exchanger.AuthorizationURL(IntentLogin))
	})

	router.GET("/auth/signup", func(contextGin *gin.Context) {
		contextGin.Redirect(http.StatusFound, exchanger.AuthorizationURL(IntentSignup))
	})

	router.GET("/auth/login/callback", handleProviderCallback(IntentLogin, configuration, users, exchanger, clock, logger, metrics))
	router.GET("/auth/signup/callback", handleProviderCallback(IntentSignup, configuration, users, exchanger, clock, logger, metrics))

	router.GET("/logout", func(contextGin *gin.Context) {
		if _, authenticated := CurrentUser(contextGin); !authenticated {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		clearSessionCookie(contextGin, configuration)
		metrics.Increment(metricAuthLogoutSuccess)
		contextGin.Redirect(http.StatusFound, configuration.AppRedirectURL)
	})

	router.GET("/user", func(contextGin *gin.Context) {
		record, authenticated := CurrentUser(contextGin)
		if !authenticated {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"external_id":  record.ExternalID,
			"display_name": record.DisplayName,
			"email":        record.Email,
		})
	})
}

// handleProviderCallback completes one flow of the authorization-code
// exchange. Every outcome ends in a redirect to the client application; the
// result is observable only through presence or absence of the session
// cookie and, for signup, the directory write.
func handleProviderCallback(intent Intent, configuration ServerConfig, users UserStore, exchanger IdentityExchanger, clock Clock, logger *zap.Logger, metrics MetricsRecorder) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		redirectToApp := func() {
			contextGin.Redirect(http.StatusFound, configuration.AppRedirectURL)
		}

		if providerError := contextGin.Query("error"); providerError != "" {
			logger.Warn("authorization declined",
				zap.String("code", "auth.callback.declined"),
				zap.String("flow", intent.String()),
				zap.String("provider_error", providerError))
			metrics.Increment(declinedMetric(intent))
			redirectToApp()
			return
		}

		code := strings.TrimSpace(contextGin.Query("code"))
		if code == "" {
			logger.Warn("callback missing authorization code",
				zap.String("code", "auth.callback.missing_code"),
				zap.String("flow", intent.String()))
			metrics.Increment(exchangeFailureMetric(intent))
			redirectToApp()
			return
		}

		identity, exchangeErr := exchanger.ExchangeCode(contextGin.Request.Context(), code, intent)
		if exchangeErr != nil {
			logger.Warn("authorization code exchange failed",
				zap.String("code", "auth.callback.exchange_failed"),
				zap.String("flow", intent.String()),
				zap.Error(exchangeErr))
			metrics.Increment(exchangeFailureMetric(intent))
			redirectToApp()
			return
		}

		directoryCtx, directoryCancel := context.WithTimeout(contextGin.Request.Context(), directoryTimeout)
		defer directoryCancel()

		switch intent {
		case IntentSignup:
			insertErr := users.Insert(directoryCtx, UserRecord{
				ExternalID:  identity.ExternalID,
				DisplayName: identity.DisplayName,
				Email:       identity.Email,
			})
			switch {
			case insertErr == nil:
				metrics.Increment(metricAuthSignupSuccess)
			case errors.Is(insertErr, ErrUserAlreadyExists):
				// Repeat signup is benign; existing profile fields stand.
				metrics.Increment(metricAuthSignupConflict)
			default:
				logger.Error("signup directory insert failed",
					zap.String("code", "auth.signup.insert_error"),
					zap.Error(insertErr))
				metrics.Increment(exchangeFailureMetric(intent))
			}
			redirectToApp()

		default:
			record, findErr := users.FindByExternalID(directoryCtx, identity.ExternalID)
			if findErr != nil {
				if errors.Is(findErr, ErrUserNotFound) {
					// Not signed up yet; no credential is issued.
					metrics.Increment(metricAuthLoginUnknownUser)
				} else {
					logger.Error("login directory lookup failed",
						zap.String("code", "auth.login.lookup_error"),
						zap.Error(findErr))
					metrics.Increment(exchangeFailureMetric(intent))
				}
				redirectToApp()
				return
			}
			if _, authenticated := CurrentUser(contextGin); !authenticated {
				sessionToken, sessionExpiresAt, mintErr := MintSessionJWT(clock, record.ExternalID, configuration.AppJWTIssuer, configuration.AppJWTSigningKey, configuration.SessionTTL)
				if mintErr != nil {
					logger.Error("session credential mint failed",
						zap.String("code", "auth.login.mint_error"),
						zap.Error(mintErr))
					redirectToApp()
					return
				}
				writeSessionCookie(contextGin, configuration, sessionToken, sessionExpiresAt)
			}
			metrics.Increment(metricAuthLoginSuccess)
			redirectToApp()
		}
	}
}

func declinedMetric(intent Intent) string {
	if intent == IntentSignup {
		return metricAuthSignupDeclined
	}
	return metricAuthLoginDeclined
}

func exchangeFailureMetric(intent Intent) string {
	if intent == IntentSignup {
		return metricAuthSignupExchangeFailure
	}
	return metricAuthLoginExchangeFailure
}

func writeSessionCookie(contextGin *gin.Context, configuration ServerConfig, sessionToken string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.SessionCookieName,
		Value:    sessionToken,
		Path:     "/",
		Domain:   configuration.CookieDomain,
		Expires:  expiresAt,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func clearSessionCookie(contextGin *gin.Context, configuration ServerConfig) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}
