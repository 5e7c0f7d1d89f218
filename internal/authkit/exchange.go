package authkit

import (
	"context"
	"fmt"
)

// Intent identifies which flow a provider redirect or callback belongs to.
// Login and signup use distinct redirect URIs registered with the provider;
// the URI is the only state carried across the redirect.
type Intent int

const (
	// IntentLogin completes an existing user's sign-in.
	IntentLogin Intent = iota
	// IntentSignup registers a first-time user.
	IntentSignup
)

// String returns the lowercase flow label used in logs and metrics.
func (intent Intent) String() string {
	if intent == IntentSignup {
		return "signup"
	}
	return "login"
}

// Identity is the profile fetched from the provider during a callback. It is
// used once to reconcile or authenticate, then discarded; the access token
// is never retained.
type Identity struct {
	ExternalID  string
	DisplayName string
	Email       string
	AccessToken string
}

// ExchangeReason classifies a failed code exchange.
type ExchangeReason int

const (
	// ExchangeDeclined means the user refused consent at the provider. The
	// gateway resolves declines from the callback's error parameter before
	// any exchange runs, so exchangers themselves never return this reason;
	// it completes the taxonomy for logs and for callers outside the
	// callback path.
	ExchangeDeclined ExchangeReason = iota
	// ExchangeProviderError means the provider rejected the exchange or
	// returned an unusable response.
	ExchangeProviderError
	// ExchangeNetworkError means the provider could not be reached in time.
	ExchangeNetworkError
)

func (reason ExchangeReason) String() string {
	switch reason {
	case ExchangeDeclined:
		return "declined"
	case ExchangeNetworkError:
		return "network_error"
	default:
		return "provider_error"
	}
}

// ExchangeError wraps a failed authorization-code exchange. Codes are
// single-use, so a failed exchange is never retried; the user restarts the
// flow instead.
type ExchangeError struct {
	Reason ExchangeReason
	Err    error
}

func (exchangeError *ExchangeError) Error() string {
	if exchangeError.Err == nil {
		return fmt.Sprintf("oauth_exchange.%s", exchangeError.Reason)
	}
	return fmt.Sprintf("oauth_exchange.%s: %v", exchangeError.Reason, exchangeError.Err)
}

func (exchangeError *ExchangeError) Unwrap() error {
	return exchangeError.Err
}

// IdentityExchanger performs the provider-facing half of a callback:
// authorization URL construction and the code-to-identity exchange.
type IdentityExchanger interface {
	AuthorizationURL(intent Intent) string
	ExchangeCode(ctx context.Context, code string, intent Intent) (Identity, error)
}
