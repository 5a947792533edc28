package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/markup/backend/internal/annotations"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/blobstore"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/config"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/database"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/editor"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/persistence"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/receipts"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/review"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/server"
	"github.com/MarcoPoloResearchLab/markup/backend/internal/users"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "markup-api",
		Short: "Markup annotation and review backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Postgres connection string")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("blob-endpoint", defaults.GetString("blob.endpoint"), "S3-compatible endpoint; empty keeps blobs in memory")
	cmd.PersistentFlags().String("blob-bucket", defaults.GetString("blob.bucket"), "Bucket for page images and overlays")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for read receipts; empty keeps them in memory")
	cmd.PersistentFlags().StringSlice("cors-allowed-origins", nil, "Origins allowed to call the API with credentials")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "blob.endpoint", "blob-endpoint")
	bindFlag(cmd, "blob.bucket", "blob-bucket")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "cors.allowed_origins", "cors-allowed-origins")
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

func newIssueTokenCommand() *cobra.Command {
	var subject auth.Subject
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Print a session token for a reviewer",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      appConfig.AuthTokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueReviewerToken(subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject.UserID, "user-id", "", "Reviewer user id")
	cmd.Flags().StringVar(&subject.DisplayName, "display-name", "", "Reviewer display name")
	cmd.Flags().StringVar(&subject.Email, "email", "", "Reviewer email")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.New(registry)

	blobs, err := openBlobStore(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	receiptStore, closeReceipts, err := openReceiptStore(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeReceipts()

	records, err := annotations.NewService(annotations.ServiceConfig{
		Database:   db,
		IDProvider: annotations.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	documentService, err := documents.NewService(documents.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	profiles, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	reviewService, err := review.NewService(review.Config{
		Source:       records,
		Receipts:     receiptStore,
		Logger:       logger,
		Metrics:      appMetrics,
		SettleWindow: appConfig.ReviewSettleWindow,
	})
	if err != nil {
		return err
	}
	sessions, err := editor.NewRegistry(editor.Config{
		Documents: documentService,
		Records:   records,
		Blobs:     blobs,
		Saver: persistence.Config{
			Records:    records,
			Publisher:  reviewService,
			Multiplier: appConfig.RenderMultiplier,
		},
		HistoryDepth: appConfig.HistoryMaxDepth,
		IdleTTL:      appConfig.SessionIdleTTL,
		PageWidth:    appConfig.PageWidth,
		PageHeight:   appConfig.PageHeight,
		Logger:       logger,
		Metrics:      appMetrics,
	})
	if err != nil {
		return err
	}

	validator, err := auth.NewReviewerTokenValidator(auth.ReviewerTokenConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       validator,
		Profiles:       profiles,
		Documents:      documentService,
		Annotations:    records,
		Review:         reviewService,
		Editor:         sessions,
		Blobs:          blobs,
		Metrics:        appMetrics,
		Gatherer:       registry,
		AllowedOrigins: appConfig.CORSAllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	sessionsDone := make(chan struct{})
	go func() {
		defer close(sessionsDone)
		sessions.Run(signalCtx)
	}()

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		<-sessionsDone
		return err
	case err := <-errCh:
		stop()
		<-sessionsDone
		return err
	}
}

// openBlobStore connects to the configured bucket, or keeps blobs in memory
// when no endpoint is set.
func openBlobStore(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (blobstore.Store, error) {
	if appConfig.BlobEndpoint == "" {
		logger.Warn("blob endpoint not configured; page images and overlays are kept in memory")
		return blobstore.NewMemoryStore(appConfig.BlobPublicBaseURL), nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return blobstore.NewMinioStore(connectCtx, blobstore.MinioConfig{
		Endpoint:      appConfig.BlobEndpoint,
		AccessKey:     appConfig.BlobAccessKey,
		SecretKey:     appConfig.BlobSecretKey,
		Bucket:        appConfig.BlobBucket,
		UseSSL:        appConfig.BlobUseSSL,
		PublicBaseURL: appConfig.BlobPublicBaseURL,
	})
}

func openReceiptStore(appConfig config.AppConfig, logger *zap.Logger) (receipts.Store, func(), error) {
	if appConfig.RedisURL == "" {
		logger.Info("redis not configured; read receipts are kept in memory")
		return receipts.NewMemoryStore(), func() {}, nil
	}
	store, err := receipts.NewRedisStore(appConfig.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {
		if err := store.Close(); err != nil {
			logger.Warn("redis close failed", zap.Error(err))
		}
	}, nil
}
