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

	"github.com/TimotheeJamin/flaggedrevs/internal/auth"
	"github.com/TimotheeJamin/flaggedrevs/internal/config"
	"github.com/TimotheeJamin/flaggedrevs/internal/database"
	"github.com/TimotheeJamin/flaggedrevs/internal/flagging"
	"github.com/TimotheeJamin/flaggedrevs/internal/logging"
	"github.com/TimotheeJamin/flaggedrevs/internal/server"
	"github.com/TimotheeJamin/flaggedrevs/internal/wiki"
)

var (
	cfgFile  string
	readOnly bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "flaggedrevs-api",
		Short: "Flagged revisions review service",
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
	cmd.PersistentFlags().String("signing-secret", "", "Review session signing secret (overrides env)")
	cmd.PersistentFlags().String("tag-name", defaults.GetString("tag.name"), "Quality tag dimension name")
	cmd.PersistentFlags().Int("tag-levels", defaults.GetInt("tag.levels"), "Number of quality tag levels")
	cmd.PersistentFlags().String("inclusion-policy", defaults.GetString("inclusion.policy"), "Child version policy (current, freeze, stable_or_freeze)")
	cmd.PersistentFlags().BoolVar(&readOnly, "read-only", false, "Refuse review submissions")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "tag.name", "tag-name")
	bindFlag(cmd, "tag.levels", "tag-levels")
	bindFlag(cmd, "inclusion.policy", "inclusion-policy")
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

	store, err := wiki.NewStore(wiki.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	capabilities := auth.NewStaticCapabilities(appConfig.CapabilityGrants)
	policy := flagging.NewTagPolicy(appConfig.Site, capabilities)

	sessionIssuer := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		TTL:           appConfig.SessionTTL,
	})

	selector, err := flagging.NewSelector(flagging.SelectorConfig{
		Database: db,
		Site:     appConfig.Site,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	reviewService, err := flagging.NewReviewService(flagging.ReviewServiceConfig{
		Database:   db,
		Site:       appConfig.Site,
		Policy:     policy,
		Sessions:   sessionIssuer,
		IDProvider: flagging.NewUUIDProvider(),
		Clock:      time.Now,
		Logger:     logger,
		ReadOnly:   func() bool { return readOnly },
	})
	if err != nil {
		return err
	}

	autoReviewer, err := flagging.NewAutoReviewer(flagging.AutoReviewerConfig{
		Database: db,
		Site:     appConfig.Site,
		Policy:   policy,
		Caps:     capabilities,
		Reviews:  reviewService,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Store:        store,
		Reviews:      reviewService,
		Selector:     selector,
		AutoReviewer: autoReviewer,
		Sessions:     sessionIssuer,
		Dispatcher:   flagging.NewLogDispatcher(logger),
		Site:         appConfig.Site,
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
