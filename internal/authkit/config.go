package authkit

import (
	"net/http"
	"time"
)

// ServerConfig configures the provider client, cookies, and session TTL.
// It is built once at startup and injected into every component.
type ServerConfig struct {
	DiscordClientID     string
	DiscordClientSecret string
	LoginRedirectURI    string
	SignupRedirectURI   string
	AppRedirectURL      string
	AppJWTSigningKey    []byte
	AppJWTIssuer        string
	CookieDomain        string
	SessionCookieName   string
	SessionTTL          time.Duration
	SameSiteMode        http.SameSite
	AllowInsecureHTTP   bool
}
