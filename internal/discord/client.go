// Package discord implements the OAuth2 authorization-code exchange against
// Discord: consent URL construction per flow, code-to-token exchange, and
// the bearer identity fetch from /users/@me.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/playforge/dauth/internal/authkit"
	"golang.org/x/oauth2"
)

const (
	defaultAuthorizeEndpoint = "https://discord.com/oauth2/authorize"
	defaultTokenEndpoint     = "https://discord.com/api/oauth2/token"
	defaultUserEndpoint      = "https://discord.com/api/users/@me"

	defaultTimeout = 10 * time.Second
)

var (
	errMissingClientID     = errors.New("discord.missing_client_id")
	errMissingClientSecret = errors.New("discord.missing_client_secret")
	errMissingRedirectURI  = errors.New("discord.missing_redirect_uri")
	errEmptyCode           = errors.New("discord.empty_code")
	errEmptyAccessToken    = errors.New("discord.empty_access_token")
	errEmptySubject        = errors.New("discord.profile_missing_id")
)

// Config configures the exchange client. Endpoints default to Discord's
// production API and are overridable for tests.
type Config struct {
	ClientID          string
	ClientSecret      string
	LoginRedirectURI  string
	SignupRedirectURI string
	Scopes            []string
	AuthorizeEndpoint string
	TokenEndpoint     string
	UserEndpoint      string
	Timeout           time.Duration
}

// Client performs the code-to-identity exchange. It implements
// authkit.IdentityExchanger.
type Client struct {
	configuration Config
	httpClient    *http.Client
}

// New validates the configuration and constructs a Client.
func New(configuration Config) (*Client, error) {
	if strings.TrimSpace(configuration.ClientID) == "" {
		return nil, fmt.Errorf("discord.new: %w", errMissingClientID)
	}
	if strings.TrimSpace(configuration.ClientSecret) == "" {
		return nil, fmt.Errorf("discord.new: %w", errMissingClientSecret)
	}
	if strings.TrimSpace(configuration.LoginRedirectURI) == "" || strings.TrimSpace(configuration.SignupRedirectURI) == "" {
		return nil, fmt.Errorf("discord.new: %w", errMissingRedirectURI)
	}
	if configuration.AuthorizeEndpoint == "" {
		configuration.AuthorizeEndpoint = defaultAuthorizeEndpoint
	}
	if configuration.TokenEndpoint == "" {
		configuration.TokenEndpoint = defaultTokenEndpoint
	}
	if configuration.UserEndpoint == "" {
		configuration.UserEndpoint = defaultUserEndpoint
	}
	if len(configuration.Scopes) == 0 {
		configuration.Scopes = []string{"identify", "email"}
	}
	if configuration.Timeout <= 0 {
		configuration.Timeout = defaultTimeout
	}
	return &Client{
		configuration: configuration,
		httpClient:    &http.Client{Timeout: configuration.Timeout},
	}, nil
}

// AuthorizationURL renders the consent-screen URL for the given flow. The
// intent-specific redirect URI is the only state carried across the
// redirect; it must exactly match a URI registered with Discord.
func (client *Client) AuthorizationURL(intent authkit.Intent) string {
	return client.oauthConfig(intent).AuthCodeURL("")
}

// ExchangeCode redeems the single-use authorization code for an access
// token and fetches the identity profile with it. Failures are never
// retried; the user restarts the flow.
func (client *Client) ExchangeCode(ctx context.Context, code string, intent authkit.Intent) (authkit.Identity, error) {
	if strings.TrimSpace(code) == "" {
		return authkit.Identity{}, &authkit.ExchangeError{Reason: authkit.ExchangeProviderError, Err: errEmptyCode}
	}

	requestCtx, cancel := context.WithTimeout(ctx, client.configuration.Timeout)
	defer cancel()
	requestCtx = context.WithValue(requestCtx, oauth2.HTTPClient, client.httpClient)

	token, exchangeErr := client.oauthConfig(intent).Exchange(requestCtx, code)
	if exchangeErr != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(exchangeErr, &retrieveErr) {
			return authkit.Identity{}, &authkit.ExchangeError{Reason: authkit.ExchangeProviderError, Err: exchangeErr}
		}
		return authkit.Identity{}, &authkit.ExchangeError{Reason: authkit.ExchangeNetworkError, Err: exchangeErr}
	}
	if strings.TrimSpace(token.AccessToken) == "" {
		return authkit.Identity{}, &authkit.ExchangeError{Reason: authkit.ExchangeProviderError, Err: errEmptyAccessToken}
	}

	return client.fetchIdentity(requestCtx, token.AccessToken)
}

func (client *Client) fetchIdentity(ctx context.Context, accessToken string) (authkit.Identity, error) {
	request, buildErr := http.NewRequestWithContext(ctx, http.MethodGet, client.configuration.UserEndpoint, nil)
	if buildErr != nil {
		return authkit.Identity{}, &authkit.ExchangeError{Reason: authkit.ExchangeNetworkError, Err: buildErr}
	}
	request.Header.Set("Authorization", "Bearer "+accessToken)
	request.Header.Set("Accept", "application/json")

	response, doErr := client.httpClient.Do(request)
	if doErr != nil {
		return authkit.Identity{}, &authkit.ExchangeError{Reason: authkit.ExchangeNetworkError, Err: doErr}
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != http.StatusOK {
		return authkit.Identity{}, &authkit.ExchangeError{
			Reason: authkit.ExchangeProviderError,
			Err:    fmt.Errorf("discord.profile_status_%d", response.StatusCode),
		}
	}

	var payload struct {
		ID         string `json:"id"`
		Username   string `json:"username"`
		GlobalName string `json:"global_name"`
		Email      string `json:"email"`
	}
	if decodeErr := json.NewDecoder(response.Body).Decode(&payload); decodeErr != nil {
		return authkit.Identity{}, &authkit.ExchangeError{Reason: authkit.ExchangeProviderError, Err: decodeErr}
	}
	if payload.ID == "" {
		return authkit.Identity{}, &authkit.ExchangeError{Reason: authkit.ExchangeProviderError, Err: errEmptySubject}
	}

	displayName := payload.GlobalName
	if displayName == "" {
		displayName = payload.Username
	}
	return authkit.Identity{
		ExternalID:  payload.ID,
		DisplayName: displayName,
		Email:       payload.Email,
		AccessToken: accessToken,
	}, nil
}

func (client *Client) oauthConfig(intent authkit.Intent) *oauth2.Config {
	redirectURI := client.configuration.LoginRedirectURI
	if intent == authkit.IntentSignup {
		redirectURI = client.configuration.SignupRedirectURI
	}
	return &oauth2.Config{
		ClientID:     client.configuration.ClientID,
		ClientSecret: client.configuration.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       client.configuration.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   client.configuration.AuthorizeEndpoint,
			TokenURL:  client.configuration.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}
