package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/playforge/dauth/internal/authkit"
	"github.com/playforge/dauth/internal/authkitpg"
	"github.com/playforge/dauth/internal/discord"
	"github.com/playforge/dauth/internal/web"
	"github.com/playforge/dauth/pkg/sessionvalidator"
	webassets "github.com/playforge/dauth/web"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildIdentityExchanger = func(serverConfig authkit.ServerConfig) (authkit.IdentityExchanger, error) {
	return discord.New(discord.Config{
		ClientID:          serverConfig.DiscordClientID,
		ClientSecret:      serverConfig.DiscordClientSecret,
		LoginRedirectURI:  serverConfig.LoginRedirectURI,
		SignupRedirectURI: serverConfig.SignupRedirectURI,
	})
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "dauth",
		Short:   "Auth gateway with Discord OAuth2 login, stateless JWT session cookies, and a minimal user directory",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().String("discord_client_id", "", "Discord OAuth2 application client ID")
	rootCmd.Flags().String("discord_client_secret", "", "Discord OAuth2 application client secret")
	rootCmd.Flags().String("login_redirect_uri", "", "Callback URI registered for the login flow")
	rootCmd.Flags().String("signup_redirect_uri", "", "Callback URI registered for the signup flow")
	rootCmd.Flags().String("app_redirect_url", "", "Client application URL the browser lands on after every callback")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for the session JWT")
	rootCmd.Flags().Duration("session_ttl", 24*time.Hour, "Session credential TTL")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP cookies for local dev")
	rootCmd.Flags().String("database_url", "", "User directory URL (postgres:// or sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	_ = viper.BindPFlag("listen_addr", rootCmd.Flags().Lookup("listen_addr"))
	_ = viper.BindPFlag("cookie_domain", rootCmd.Flags().Lookup("cookie_domain"))
	_ = viper.BindPFlag("discord_client_id", rootCmd.Flags().Lookup("discord_client_id"))
	_ = viper.BindPFlag("discord_client_secret", rootCmd.Flags().Lookup("discord_client_secret"))
	_ = viper.BindPFlag("login_redirect_uri", rootCmd.Flags().Lookup("login_redirect_uri"))
	_ = viper.BindPFlag("signup_redirect_uri", rootCmd.Flags().Lookup("signup_redirect_uri"))
	_ = viper.BindPFlag("app_redirect_url", rootCmd.Flags().Lookup("app_redirect_url"))
	_ = viper.BindPFlag("jwt_signing_key", rootCmd.Flags().Lookup("jwt_signing_key"))
	_ = viper.BindPFlag("session_ttl", rootCmd.Flags().Lookup("session_ttl"))
	_ = viper.BindPFlag("dev_insecure_http", rootCmd.Flags().Lookup("dev_insecure_http"))
	_ = viper.BindPFlag("database_url", rootCmd.Flags().Lookup("database_url"))
	_ = viper.BindPFlag("enable_cors", rootCmd.Flags().Lookup("enable_cors"))
	_ = viper.BindPFlag("cors_allowed_origins", rootCmd.Flags().Lookup("cors_allowed_origins"))

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	sessionCookieName = "token"
	sessionJWTIssuer  = "dauth"

	configCodeMissingDiscordClientID     = "config.missing_discord_client_id"
	configCodeMissingDiscordClientSecret = "config.missing_discord_client_secret"
	configCodeMissingLoginRedirectURI    = "config.missing_login_redirect_uri"
	configCodeMissingSignupRedirectURI   = "config.missing_signup_redirect_uri"
	configCodeMissingAppRedirectURL      = "config.missing_app_redirect_url"
	configCodeMissingJWTSigningKey       = "config.missing_jwt_signing_key"
	configCodeInvalidSessionTTL          = "config.invalid_session_ttl"
	configCodeUninitializedServerConf    = "config.uninitialized_server_config"
	configCodeExchangerInit              = "config.exchanger_init"
	configCodeValidatorInit              = "config.session_validator_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerConfig() (authkit.ServerConfig, error) {
	discordClientID := viper.GetString("discord_client_id")
	if discordClientID == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingDiscordClientID, "discord_client_id must be provided")
	}

	discordClientSecret := viper.GetString("discord_client_secret")
	if discordClientSecret == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingDiscordClientSecret, "discord_client_secret must be provided")
	}

	loginRedirectURI := viper.GetString("login_redirect_uri")
	if loginRedirectURI == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingLoginRedirectURI, "login_redirect_uri must be provided")
	}

	signupRedirectURI := viper.GetString("signup_redirect_uri")
	if signupRedirectURI == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingSignupRedirectURI, "signup_redirect_uri must be provided")
	}

	appRedirectURL := viper.GetString("app_redirect_url")
	if appRedirectURL == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingAppRedirectURL, "app_redirect_url must be provided")
	}

	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	sessionTTL := viper.GetDuration("session_ttl")
	if sessionTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidSessionTTL, "session_ttl must be greater than zero")
	}

	return authkit.ServerConfig{
		DiscordClientID:     discordClientID,
		DiscordClientSecret: discordClientSecret,
		LoginRedirectURI:    loginRedirectURI,
		SignupRedirectURI:   signupRedirectURI,
		AppRedirectURL:      appRedirectURL,
		AppJWTSigningKey:    []byte(jwtSigningKey),
		AppJWTIssuer:        sessionJWTIssuer,
		CookieDomain:        viper.GetString("cookie_domain"),
		SessionCookieName:   sessionCookieName,
		SessionTTL:          sessionTTL,
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	devInsecureHTTP := viper.GetBool("dev_insecure_http")
	databaseURL := viper.GetString("database_url")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET("/", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok", "service": "dauth"})
	})

	router.GET("/static/auth-client.js", func(contextGin *gin.Context) {
		web.ServeEmbeddedStaticJS(contextGin, webassets.FS, "auth-client.js")
	})

	router.GET("/demo/config.js", func(contextGin *gin.Context) {
		web.ServeDemoConfig(contextGin, web.DemoConfig{
			DiscordClientID: serverConfig.DiscordClientID,
		})
	})

	router.GET("/demo", func(contextGin *gin.Context) {
		contextGin.File("web/demo.html")
	})

	userStore, storeErr := buildUserStore(command.Context(), logger, databaseURL)
	if storeErr != nil {
		return storeErr
	}

	serverConfig.AllowInsecureHTTP = devInsecureHTTP
	serverConfig.SameSiteMode = http.SameSiteLaxMode
	if enableCORS {
		serverConfig.SameSiteMode = http.SameSiteNoneMode
	}

	exchanger, exchangerErr := buildIdentityExchanger(serverConfig)
	if exchangerErr != nil {
		return fmt.Errorf("%s: %w", configCodeExchangerInit, exchangerErr)
	}

	clock := authkit.NewSystemClock()

	validator, validatorErr := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: serverConfig.AppJWTSigningKey,
		Issuer:     serverConfig.AppJWTIssuer,
		CookieName: serverConfig.SessionCookieName,
		Clock:      clock,
	})
	if validatorErr != nil {
		return fmt.Errorf("%s: %w", configCodeValidatorInit, validatorErr)
	}

	metricsRecorder := authkit.NewCounterMetrics()

	router.Use(authkit.ResolveSession(validator, userStore, logger))
	authkit.MountAuthRoutes(router, serverConfig, userStore, exchanger, clock, logger, metricsRecorder)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

// buildUserStore selects the directory backend from the database URL:
// Postgres goes through the pgx store, sqlite through the GORM store, and
// an empty URL falls back to the in-memory store.
func buildUserStore(ctx context.Context, logger *zap.Logger, databaseURL string) (authkit.UserStore, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if databaseURL == "" {
		logger.Info("using in-memory user directory")
		return authkit.NewMemoryUserStore(), nil
	}
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		pool, poolErr := authkitpg.BuildPool(ctx, databaseURL)
		if poolErr != nil {
			return nil, poolErr
		}
		if schemaErr := authkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			return nil, schemaErr
		}
		logger.Info("using persistent user directory", zap.String("driver", "postgres"))
		return authkitpg.NewPostgresUserStore(pool), nil
	}
	persistentStore, storeErr := authkit.NewDatabaseUserStore(ctx, databaseURL)
	if storeErr != nil {
		return nil, storeErr
	}
	logger.Info("using persistent user directory", zap.String("driver", persistentStore.Driver()))
	return persistentStore, nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
