package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/playforge/dauth/pkg/sessionvalidator"
	"go.uber.org/zap/zaptest"
)

type controllableClock struct {
	current time.Time
}

func (clock *controllableClock) Now() time.Time {
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.current = clock.current.Add(duration)
}

type fakeExchanger struct {
	identities  map[string]Identity
	exchangeErr error
}

func (exchanger *fakeExchanger) AuthorizationURL(intent Intent) string {
	return "https://provider.example/oauth/authorize?flow=" + intent.String()
}

func (exchanger *fakeExchanger) ExchangeCode(ctx context.Context, code string, intent Intent) (Identity, error) {
	if exchanger.exchangeErr != nil {
		return Identity{}, exchanger.exchangeErr
	}
	identity, ok := exchanger.identities[code]
	if !ok {
		return Identity{}, &ExchangeError{Reason: ExchangeProviderError, Err: errors.New("unknown code")}
	}
	return identity, nil
}

func newTestServerConfig() ServerConfig {
	return ServerConfig{
		DiscordClientID:     "client-id",
		DiscordClientSecret: "client-secret",
		LoginRedirectURI:    "https://gateway.example/auth/login/callback",
		SignupRedirectURI:   "https://gateway.example/auth/signup/callback",
		AppRedirectURL:      "https://app.example/",
		AppJWTSigningKey:    []byte("test-signing-key"),
		AppJWTIssuer:        "dauth-test",
		SessionCookieName:   "token",
		SessionTTL:          time.Hour,
		SameSiteMode:        http.SameSiteLaxMode,
		AllowInsecureHTTP:   true,
	}
}

type gatewayHarness struct {
	router    *gin.Engine
	config    ServerConfig
	users     *MemoryUserStore
	exchanger *fakeExchanger
	clock     *controllableClock
	metrics   *CounterMetrics
	validator *sessionvalidator.Validator
}

func newGatewayHarness(t *testing.T) *gatewayHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	config := newTestServerConfig()
	clock := &controllableClock{current: time.Unix(1700000000, 0).UTC()}
	users := NewMemoryUserStore()
	exchanger := &fakeExchanger{identities: map[string]Identity{}}
	metrics := NewCounterMetrics()

	validator, validatorErr := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: config.AppJWTSigningKey,
		Issuer:     config.AppJWTIssuer,
		CookieName: config.SessionCookieName,
		Clock:      clock,
	})
	if validatorErr != nil {
		t.Fatalf("validator error: %v", validatorErr)
	}

	router := gin.New()
	router.Use(ResolveSession(validator, users, zaptest.NewLogger(t)))
	MountAuthRoutes(router, config, users, exchanger, clock, zaptest.NewLogger(t), metrics)

	return &gatewayHarness{
		router:    router,
		config:    config,
		users:     users,
		exchanger: exchanger,
		clock:     clock,
		metrics:   metrics,
		validator: validator,
	}
}

func (harness *gatewayHarness) do(t *testing.T, path string, cookieValue string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodGet, path, nil)
	if cookieValue != "" {
		request.AddCookie(&http.Cookie{Name: harness.config.SessionCookieName, Value: cookieValue})
	}
	recorder := httptest.NewRecorder()
	harness.router.ServeHTTP(recorder, request)
	return recorder
}

func sessionCookieFrom(recorder *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, cookie := range recorder.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func TestAuthRedirectsCarryFlowIntent(t *testing.T) {
	harness := newGatewayHarness(t)

	loginResp := harness.do(t, "/auth/login", "")
	if loginResp.Code != http.StatusFound {
		t.Fatalf("expected 302 from /auth/login, got %d", loginResp.Code)
	}
	if location := loginResp.Header().Get("Location"); !strings.Contains(location, "flow=login") {
		t.Fatalf("unexpected login redirect location: %s", location)
	}

	signupResp := harness.do(t, "/auth/signup", "")
	if signupResp.Code != http.StatusFound {
		t.Fatalf("expected 302 from /auth/signup, got %d", signupResp.Code)
	}
	if location := signupResp.Header().Get("Location"); !strings.Contains(location, "flow=signup") {
		t.Fatalf("unexpected signup redirect location: %s", location)
	}
}

func TestCallbackDeclinedSkipsExchangeAndWrites(t *testing.T) {
	harness := newGatewayHarness(t)

	response := harness.do(t, "/auth/signup/callback?error=access_denied", "")
	if response.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", response.Code)
	}
	if location := response.Header().Get("Location"); location != harness.config.AppRedirectURL {
		t.Fatalf("expected redirect to client app, got %s", location)
	}
	if cookie := sessionCookieFrom(response, harness.config.SessionCookieName); cookie != nil {
		t.Fatalf("declined callback must not set a session cookie")
	}
	if _, err := harness.users.FindByExternalID(context.Background(), "42"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("declined callback must not write the directory")
	}
	if harness.metrics.Count(metricAuthSignupDeclined) != 1 {
		t.Fatalf("expected signup declined metric increment")
	}
}

func TestSignupCallbackCreatesRecordWithoutCookie(t *testing.T) {
	harness := newGatewayHarness(t)
	harness.exchanger.identities["fresh-code"] = Identity{
		ExternalID:  "42",
		DisplayName: "alice",
		Email:       "a@x.com",
		AccessToken: "provider-access-token",
	}

	response := harness.do(t, "/auth/signup/callback?code=fresh-code", "")
	if response.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", response.Code)
	}

	record, findErr := harness.users.FindByExternalID(context.Background(), "42")
	if findErr != nil {
		t.Fatalf("expected record after signup, got %v", findErr)
	}
	if record.DisplayName != "alice" || record.Email != "a@x.com" {
		t.Fatalf("unexpected record: %+v", record)
	}

	// Signup does not auto-log-in.
	if cookie := sessionCookieFrom(response, harness.config.SessionCookieName); cookie != nil {
		t.Fatalf("signup callback must not set a session cookie")
	}
	if harness.metrics.Count(metricAuthSignupSuccess) != 1 {
		t.Fatalf("expected signup success metric increment")
	}
}

func TestSignupCallbackConflictIsBenign(t *testing.T) {
	harness := newGatewayHarness(t)
	if err := harness.users.Insert(context.Background(), UserRecord{ExternalID: "42", DisplayName: "alice", Email: "a@x.com"}); err != nil {
		t.Fatalf("seed insert error: %v", err)
	}
	harness.exchanger.identities["repeat-code"] = Identity{
		ExternalID:  "42",
		DisplayName: "alice-renamed",
		Email:       "new@x.com",
	}

	response := harness.do(t, "/auth/signup/callback?code=repeat-code", "")
	if response.Code != http.StatusFound {
		t.Fatalf("repeat signup must still redirect, got %d", response.Code)
	}

	record, _ := harness.users.FindByExternalID(context.Background(), "42")
	if record.DisplayName != "alice" || record.Email != "a@x.com" {
		t.Fatalf("repeat signup must not refresh profile fields, got %+v", record)
	}
	if harness.metrics.Count(metricAuthSignupConflict) != 1 {
		t.Fatalf("expected signup conflict metric increment")
	}
}

func TestLoginCallbackIssuesCookieForKnownUser(t *testing.T) {
	harness := newGatewayHarness(t)
	if err := harness.users.Insert(context.Background(), UserRecord{ExternalID: "42", DisplayName: "alice", Email: "a@x.com"}); err != nil {
		t.Fatalf("seed insert error: %v", err)
	}
	harness.exchanger.identities["login-code"] = Identity{ExternalID: "42", DisplayName: "alice", Email: "a@x.com"}

	response := harness.do(t, "/auth/login/callback?code=login-code", "")
	if response.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", response.Code)
	}

	cookie := sessionCookieFrom(response, harness.config.SessionCookieName)
	if cookie == nil || cookie.Value == "" {
		t.Fatalf("expected session cookie after login")
	}
	if !cookie.HttpOnly {
		t.Fatalf("session cookie must be http-only")
	}

	claims, validateErr := harness.validator.ValidateToken(cookie.Value)
	if validateErr != nil {
		t.Fatalf("issued credential failed verification: %v", validateErr)
	}
	if subject, _ := claims.GetSubject(); subject != "42" {
		t.Fatalf("expected subject 42, got %q", subject)
	}
	if harness.metrics.Count(metricAuthLoginSuccess) != 1 {
		t.Fatalf("expected login success metric increment")
	}
}

func TestLoginCallbackUnknownUserIssuesNothing(t *testing.T) {
	harness := newGatewayHarness(t)
	harness.exchanger.identities["login-code"] = Identity{ExternalID: "42", DisplayName: "alice"}

	response := harness.do(t, "/auth/login/callback?code=login-code", "")
	if response.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", response.Code)
	}
	if cookie := sessionCookieFrom(response, harness.config.SessionCookieName); cookie != nil {
		t.Fatalf("login without a directory record must not set a cookie")
	}
	if harness.metrics.Count(metricAuthLoginUnknownUser) != 1 {
		t.Fatalf("expected unknown user metric increment")
	}
}

func TestLoginCallbackExchangeFailureRedirectsWithoutCookie(t *testing.T) {
	harness := newGatewayHarness(t)
	harness.exchanger.exchangeErr = &ExchangeError{Reason: ExchangeNetworkError, Err: errors.New("connection refused")}

	response := harness.do(t, "/auth/login/callback?code=whatever", "")
	if response.Code != http.StatusFound {
		t.Fatalf("exchange failure must still redirect, got %d", response.Code)
	}
	if cookie := sessionCookieFrom(response, harness.config.SessionCookieName); cookie != nil {
		t.Fatalf("failed exchange must not set a cookie")
	}
	if harness.metrics.Count(metricAuthLoginExchangeFailure) != 1 {
		t.Fatalf("expected login exchange failure metric increment")
	}
}

func TestUserEndpointRequiresValidSession(t *testing.T) {
	harness := newGatewayHarness(t)
	if err := harness.users.Insert(context.Background(), UserRecord{ExternalID: "42", DisplayName: "alice", Email: "a@x.com"}); err != nil {
		t.Fatalf("seed insert error: %v", err)
	}

	if response := harness.do(t, "/user", ""); response.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without cookie, got %d", response.Code)
	}

	token, _, mintErr := MintSessionJWT(harness.clock, "42", harness.config.AppJWTIssuer, harness.config.AppJWTSigningKey, harness.config.SessionTTL)
	if mintErr != nil {
		t.Fatalf("mint error: %v", mintErr)
	}

	response := harness.do(t, "/user", token)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid cookie, got %d", response.Code)
	}
	var payload map[string]interface{}
	if decodeErr := json.Unmarshal(response.Body.Bytes(), &payload); decodeErr != nil {
		t.Fatalf("failed to decode payload: %v", decodeErr)
	}
	if payload["external_id"] != "42" || payload["display_name"] != "alice" || payload["email"] != "a@x.com" {
		t.Fatalf("unexpected payload: %v", payload)
	}

	// The same credential stops working once its TTL elapses.
	harness.clock.Advance(harness.config.SessionTTL + time.Minute)
	if expiredResp := harness.do(t, "/user", token); expiredResp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired credential, got %d", expiredResp.Code)
	}
}

type deadlineObservingStore struct {
	inner             *MemoryUserStore
	findHadDeadline   bool
	insertHadDeadline bool
}

func (store *deadlineObservingStore) FindByExternalID(ctx context.Context, externalID string) (UserRecord, error) {
	_, store.findHadDeadline = ctx.Deadline()
	return store.inner.FindByExternalID(ctx, externalID)
}

func (store *deadlineObservingStore) Insert(ctx context.Context, record UserRecord) error {
	_, store.insertHadDeadline = ctx.Deadline()
	return store.inner.Insert(ctx, record)
}

func TestCallbackDirectoryCallsCarryDeadline(t *testing.T) {
	gin.SetMode(gin.TestMode)

	config := newTestServerConfig()
	store := &deadlineObservingStore{inner: NewMemoryUserStore()}
	if err := store.inner.Insert(context.Background(), UserRecord{ExternalID: "42", DisplayName: "alice"}); err != nil {
		t.Fatalf("seed insert error: %v", err)
	}
	exchanger := &fakeExchanger{identities: map[string]Identity{
		"login-code":  {ExternalID: "42", DisplayName: "alice"},
		"signup-code": {ExternalID: "77", DisplayName: "bob"},
	}}

	router := gin.New()
	MountAuthRoutes(router, config, store, exchanger, &controllableClock{current: time.Unix(1700000000, 0).UTC()}, zaptest.NewLogger(t), NewCounterMetrics())

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/auth/signup/callback?code=signup-code", nil))
	if !store.insertHadDeadline {
		t.Fatalf("signup insert ran without a deadline")
	}

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/auth/login/callback?code=login-code", nil))
	if !store.findHadDeadline {
		t.Fatalf("login lookup ran without a deadline")
	}
}

func TestLogoutFlow(t *testing.T) {
	harness := newGatewayHarness(t)
	if err := harness.users.Insert(context.Background(), UserRecord{ExternalID: "42", DisplayName: "alice", Email: "a@x.com"}); err != nil {
		t.Fatalf("seed insert error: %v", err)
	}

	if response := harness.do(t, "/logout", ""); response.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for logout without session, got %d", response.Code)
	}

	token, _, mintErr := MintSessionJWT(harness.clock, "42", harness.config.AppJWTIssuer, harness.config.AppJWTSigningKey, harness.config.SessionTTL)
	if mintErr != nil {
		t.Fatalf("mint error: %v", mintErr)
	}

	response := harness.do(t, "/logout", token)
	if response.Code != http.StatusFound {
		t.Fatalf("expected 302 from logout, got %d", response.Code)
	}
	cleared := sessionCookieFrom(response, harness.config.SessionCookieName)
	if cleared == nil || cleared.Value != "" || cleared.MaxAge >= 0 {
		t.Fatalf("expected cleared session cookie, got %+v", cleared)
	}
	if harness.metrics.Count(metricAuthLogoutSuccess) != 1 {
		t.Fatalf("expected logout success metric increment")
	}
}
