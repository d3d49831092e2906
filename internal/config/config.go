package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix                = "FORMDESK"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = DatabaseDriverSQLite
	defaultDatabasePath      = "formdesk.db"
	defaultLogLevel          = "info"
	defaultCookieName        = "app_session"
	defaultBlobBackend       = BlobBackendLocal
	defaultBlobLocalRoot     = "media"
	defaultS3Region          = "auto"
	defaultMaxUploadMB       = 25
	defaultPurgeConcurrency  = 4
	defaultCORSAllowedOrigin = "*"
)

const (
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"

	BlobBackendLocal = "local"
	BlobBackendS3    = "s3"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	CORSAllowedOrigins []string
	TrustedProxies     []string
	LogLevel           string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string

	Blob BlobConfig

	MaxUploadMB      int
	SanitizeHTML     bool
	PurgeConcurrency int
}

// BlobConfig selects and configures the attachment blob backend.
type BlobConfig struct {
	Backend   string
	LocalRoot string
	S3        S3Config
}

// S3Config configures an S3-compatible bucket.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.cors_allowed_origins", defaultCORSAllowedOrigin)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("blob.backend", defaultBlobBackend)
	configViper.SetDefault("blob.local_root", defaultBlobLocalRoot)
	configViper.SetDefault("blob.s3.region", defaultS3Region)
	configViper.SetDefault("submissions.max_upload_mb", defaultMaxUploadMB)
	configViper.SetDefault("submissions.sanitize_html", true)
	configViper.SetDefault("deletion.purge_concurrency", defaultPurgeConcurrency)

	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{
		"http.trusted_proxies",
		"database.dsn",
		"auth.signing_secret",
		"auth.issuer",
		"blob.s3.bucket",
		"blob.s3.endpoint",
		"blob.s3.access_key_id",
		"blob.s3.secret_access_key",
	} {
		_ = configViper.BindEnv(key)
	}
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		CORSAllowedOrigins: splitList(configViper.GetString("http.cors_allowed_origins")),
		TrustedProxies:     splitList(configViper.GetString("http.trusted_proxies")),
		LogLevel:           configViper.GetString("log.level"),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:       configViper.GetString("database.path"),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		AuthSigningSecret:  configViper.GetString("auth.signing_secret"),
		AuthIssuer:         configViper.GetString("auth.issuer"),
		AuthCookieName:     configViper.GetString("auth.cookie_name"),
		Blob: BlobConfig{
			Backend:   strings.ToLower(strings.TrimSpace(configViper.GetString("blob.backend"))),
			LocalRoot: configViper.GetString("blob.local_root"),
			S3: S3Config{
				Bucket:          configViper.GetString("blob.s3.bucket"),
				Region:          configViper.GetString("blob.s3.region"),
				Endpoint:        configViper.GetString("blob.s3.endpoint"),
				AccessKeyID:     configViper.GetString("blob.s3.access_key_id"),
				SecretAccessKey: configViper.GetString("blob.s3.secret_access_key"),
			},
		},
		MaxUploadMB:      configViper.GetInt("submissions.max_upload_mb"),
		SanitizeHTML:     configViper.GetBool("submissions.sanitize_html"),
		PurgeConcurrency: configViper.GetInt("deletion.purge_concurrency"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	switch c.Blob.Backend {
	case BlobBackendLocal:
		if strings.TrimSpace(c.Blob.LocalRoot) == "" {
			return fmt.Errorf("blob.local_root is required for the local backend")
		}
	case BlobBackendS3:
		if strings.TrimSpace(c.Blob.S3.Bucket) == "" {
			return fmt.Errorf("blob.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("blob.backend %q is not supported", c.Blob.Backend)
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("submissions.max_upload_mb must be positive")
	}
	if c.PurgeConcurrency <= 0 {
		return fmt.Errorf("deletion.purge_concurrency must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
