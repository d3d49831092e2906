package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabaseDriver != DatabaseDriverSQLite || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected defaults %#v", cfg)
	}
	if cfg.Blob.Backend != BlobBackendLocal || cfg.Blob.S3.Region != defaultS3Region {
		t.Fatalf("unexpected blob defaults %#v", cfg.Blob)
	}
	if cfg.MaxUploadMB != defaultMaxUploadMB || cfg.PurgeConcurrency != defaultPurgeConcurrency || !cfg.SanitizeHTML {
		t.Fatalf("unexpected submission defaults %#v", cfg)
	}
	if len(cfg.CORSAllowedOrigins) != 1 || cfg.CORSAllowedOrigins[0] != "*" {
		t.Fatalf("unexpected cors origins %v", cfg.CORSAllowedOrigins)
	}
	if len(cfg.TrustedProxies) != 0 {
		t.Fatalf("expected no trusted proxies by default, got %v", cfg.TrustedProxies)
	}
}

func TestLoadReadsPrefixedEnvironment(t *testing.T) {
	t.Setenv("FORMDESK_AUTH_SIGNING_SECRET", "from-env")
	t.Setenv("FORMDESK_BLOB_BACKEND", "S3")
	t.Setenv("FORMDESK_BLOB_S3_BUCKET", "uploads")
	t.Setenv("FORMDESK_HTTP_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("FORMDESK_HTTP_TRUSTED_PROXIES", "10.0.0.0/8, 192.168.1.4")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.AuthSigningSecret != "from-env" {
		t.Fatalf("expected secret from env, got %q", cfg.AuthSigningSecret)
	}
	if cfg.Blob.Backend != BlobBackendS3 || cfg.Blob.S3.Bucket != "uploads" {
		t.Fatalf("unexpected blob config %#v", cfg.Blob)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected cors origins %v", cfg.CORSAllowedOrigins)
	}
	if len(cfg.TrustedProxies) != 2 || cfg.TrustedProxies[0] != "10.0.0.0/8" || cfg.TrustedProxies[1] != "192.168.1.4" {
		t.Fatalf("unexpected trusted proxies %v", cfg.TrustedProxies)
	}
}

func TestLoadRejectsIncompleteConfiguration(t *testing.T) {
	testCases := []struct {
		name     string
		settings map[string]any
		message  string
	}{
		{name: "missing secret", settings: map[string]any{}, message: "auth.signing_secret"},
		{name: "postgres without dsn", settings: map[string]any{"auth.signing_secret": "s", "database.driver": "postgres"}, message: "database.dsn"},
		{name: "unknown driver", settings: map[string]any{"auth.signing_secret": "s", "database.driver": "oracle"}, message: "not supported"},
		{name: "s3 without bucket", settings: map[string]any{"auth.signing_secret": "s", "blob.backend": "s3"}, message: "blob.s3.bucket"},
		{name: "zero concurrency", settings: map[string]any{"auth.signing_secret": "s", "deletion.purge_concurrency": 0}, message: "purge_concurrency"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.settings {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.message, err)
			}
		})
	}
}

func TestLoadDotEnvPopulatesEnvironment(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("FORMDESK_DOTENV_PROBE=loaded\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("FORMDESK_DOTENV_PROBE", "")
	os.Unsetenv("FORMDESK_DOTENV_PROBE")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), envPath); err != nil {
		t.Fatalf("unexpected dotenv error: %v", err)
	}
	if got := os.Getenv("FORMDESK_DOTENV_PROBE"); got != "loaded" {
		t.Fatalf("expected dotenv value, got %q", got)
	}
}
