package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/openloomlab/polydoc/internal/auth"
	"github.com/openloomlab/polydoc/internal/config"
	"github.com/openloomlab/polydoc/internal/database"
	"github.com/openloomlab/polydoc/internal/docs"
	"github.com/openloomlab/polydoc/internal/logging"
	"github.com/openloomlab/polydoc/internal/notify"
	"github.com/openloomlab/polydoc/internal/pubsub"
	"github.com/openloomlab/polydoc/internal/server"
	"github.com/openloomlab/polydoc/internal/translation"
	"github.com/openloomlab/polydoc/internal/users"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "polydoc-api",
		Short: "Polydoc multilingual document service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for the translation cache")
	cmd.PersistentFlags().String("localize-endpoint", defaults.GetString("translate.localize_endpoint"), "Primary translation endpoint")
	cmd.PersistentFlags().String("form-endpoint", defaults.GetString("translate.form_endpoint"), "Secondary translation endpoint")
	cmd.PersistentFlags().String("reconciler-endpoint", defaults.GetString("reconciler.endpoint"), "Generative reconciler endpoint")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "translate.localize_endpoint", "localize-endpoint")
	bindFlag(cmd, "translate.form_endpoint", "form-endpoint")
	bindFlag(cmd, "reconciler.endpoint", "reconciler-endpoint")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		Audience:      appConfig.SessionAudience,
		TokenTTL:      appConfig.SessionTTL,
	})
	if err != nil {
		return err
	}

	translator, err := buildTranslator(appConfig, db, logger)
	if err != nil {
		return err
	}
	reconciler, err := buildReconciler(appConfig)
	if err != nil {
		return err
	}

	usersService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}

	broker := pubsub.NewBroker()
	docsService, err := docs.NewService(docs.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: docs.NewUUIDProvider(),
		Logger:     logger,
		Translator: translator,
		Reconciler: reconciler,
		Events:     pubsub.NewEventSink(broker),
	})
	if err != nil {
		return err
	}

	notifier, err := notify.NewNotifier(notify.Config{
		Broker: broker,
		Baselines: notify.BaselineFunc(func(ctx context.Context, rawBranchID string) (int64, error) {
			branchID, err := docs.NewBranchID(rawBranchID)
			if err != nil {
				return 0, err
			}
			return docsService.BranchBaseline(ctx, branchID)
		}),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		DocsService:  docsService,
		Broker:       broker,
		Notifier:     notifier,
		Users:        usersService,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildTranslator assembles the cached translation pipeline. Without any
// provider endpoint configured the service runs untranslated: merges using
// the translate-and-union strategy will fail until a provider is added.
func buildTranslator(appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) (docs.BatchTranslator, error) {
	providers := make([]translation.Provider, 0, 2)
	if appConfig.LocalizeEndpoint != "" {
		primary, err := translation.NewLocalizeProvider(translation.LocalizeProviderConfig{
			Endpoint: appConfig.LocalizeEndpoint,
			APIKey:   appConfig.LocalizeAPIKey,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, primary)
	}
	if appConfig.FormEndpoint != "" {
		secondary, err := translation.NewFormProvider(translation.FormProviderConfig{
			Endpoint: appConfig.FormEndpoint,
			APIKey:   appConfig.FormAPIKey,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, secondary)
	}
	if len(providers) == 0 {
		logger.Warn("no translation providers configured")
		return nil, nil
	}

	chain, err := translation.NewChain(logger, providers...)
	if err != nil {
		return nil, err
	}

	var store translation.CacheStore
	if appConfig.RedisURL != "" {
		store, err = translation.NewRedisStore(appConfig.RedisURL)
		if err != nil {
			return nil, err
		}
	} else {
		store, err = translation.NewGormStore(db, time.Now)
		if err != nil {
			return nil, err
		}
	}

	cached, err := translation.NewService(translation.ServiceConfig{
		Origin: chain,
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	return cached, nil
}

func buildReconciler(appConfig config.AppConfig) (docs.Reconciler, error) {
	if appConfig.ReconcilerEndpoint == "" {
		return nil, nil
	}
	reconciler, err := translation.NewGenerativeReconciler(translation.GenerativeReconcilerConfig{
		Endpoint: appConfig.ReconcilerEndpoint,
		APIKey:   appConfig.ReconcilerAPIKey,
		Model:    appConfig.ReconcilerModel,
	})
	if err != nil {
		return nil, err
	}
	return reconciler, nil
}
