package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/formdesk/internal/auth"
	"github.com/MarcoPoloResearchLab/formdesk/internal/blobstore"
	"github.com/MarcoPoloResearchLab/formdesk/internal/config"
	"github.com/MarcoPoloResearchLab/formdesk/internal/database"
	"github.com/MarcoPoloResearchLab/formdesk/internal/forms"
	"github.com/MarcoPoloResearchLab/formdesk/internal/logging"
	"github.com/MarcoPoloResearchLab/formdesk/internal/metrics"
	"github.com/MarcoPoloResearchLab/formdesk/internal/sales"
	"github.com/MarcoPoloResearchLab/formdesk/internal/server"
	"github.com/MarcoPoloResearchLab/formdesk/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "formdesk-api",
		Short: "Formdesk form builder and submission backend",
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
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("cors-allowed-origins", defaults.GetString("http.cors_allowed_origins"), "Comma separated list of allowed CORS origins")
	cmd.PersistentFlags().String("trusted-proxies", "", "Comma separated proxy addresses or CIDRs whose X-Forwarded-For is trusted")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string")
	cmd.PersistentFlags().String("blob-backend", defaults.GetString("blob.backend"), "Attachment storage backend (local, s3)")
	cmd.PersistentFlags().String("blob-local-root", defaults.GetString("blob.local_root"), "Directory for locally stored attachments")
	cmd.PersistentFlags().Int("max-upload-mb", defaults.GetInt("submissions.max_upload_mb"), "Maximum submission body size in megabytes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.cors_allowed_origins", "cors-allowed-origins")
	bindFlag(cmd, "http.trusted_proxies", "trusted-proxies")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "blob.backend", "blob-backend")
	bindFlag(cmd, "blob.local_root", "blob-local-root")
	bindFlag(cmd, "submissions.max_upload_mb", "max-upload-mb")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

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

func openBlobStore(cfg config.BlobConfig) (forms.BlobStore, error) {
	if cfg.Backend == config.BlobBackendS3 {
		return blobstore.NewS3(blobstore.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
	}
	return blobstore.NewLocal(cfg.LocalRoot)
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

	blobs, err := openBlobStore(appConfig.Blob)
	if err != nil {
		return err
	}

	collectors := metrics.New()
	realtime := server.NewRealtimeDispatcher()

	formsService, err := forms.NewService(forms.ServiceConfig{
		Database:         db,
		Blobs:            blobs,
		Clock:            time.Now,
		IDProvider:       forms.NewUUIDProvider(),
		Validator:        forms.NewValidator(forms.ValidatorConfig{SanitizeHTML: appConfig.SanitizeHTML}),
		Events:           realtime,
		Metrics:          collectors,
		Logger:           logger,
		PurgeConcurrency: appConfig.PurgeConcurrency,
	})
	if err != nil {
		return err
	}

	salesService, err := sales.NewService(sales.ServiceConfig{
		Database:   db,
		IDProvider: forms.NewUUIDProvider(),
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessions,
		Users:          userService,
		Forms:          formsService,
		Sales:          salesService,
		Realtime:       realtime,
		Metrics:        collectors,
		HealthCheck:    sqlDB.PingContext,
		Logger:         logger,
		AllowedOrigins: appConfig.CORSAllowedOrigins,
		TrustedProxies: appConfig.TrustedProxies,
		MaxUploadBytes: int64(appConfig.MaxUploadMB) << 20,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_driver", appConfig.DatabaseDriver),
			zap.String("blob_backend", appConfig.Blob.Backend),
		)
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
