package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("CONFIG_ENV_PATH", "")
	t.Setenv("DB_DSN", "file::memory:")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("PROVIDER_API_KEY", "key")
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "https://api.kie.ai", cfg.ProviderBaseURL)
	assert.Equal(t, 30, cfg.PollMaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 1, cfg.CreditsPerChar)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	assert.False(t, cfg.ArchiveEnabled())
}

func TestLoadReportsAllMissing(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV_PATH", "")
	t.Setenv("DB_DSN", "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("PROVIDER_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_DSN")
	assert.Contains(t, err.Error(), "JWT_SECRET")
	assert.Contains(t, err.Error(), "PROVIDER_API_KEY")
}

func TestLoadArchiveRequiresCredentials(t *testing.T) {
	t.Chdir(t.TempDir())
	setRequired(t)
	t.Setenv("S3_BUCKET", "voices")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S3_REGION")
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Chdir(t.TempDir())
	setRequired(t)
	t.Setenv("DB_DRIVER", "oracle")

	_, err := Load()
	require.Error(t, err)
}

func TestNormalizeBaseURL(t *testing.T) {
	assert.Equal(t, "https://api.kie.ai", normalizeBaseURL("kie.ai", "x"))
	assert.Equal(t, "http://localhost:9000", normalizeBaseURL("http://localhost:9000/", "x"))
	assert.Equal(t, "x", normalizeBaseURL("  ", "x"))
}
