package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("MAX_UPLOAD_BYTES", "1024")
	t.Setenv("ALLOWED_MIME_TYPES", "image/png, text/plain ,")
	t.Setenv("ONLINE_WINDOW_MINUTES", "2")
	t.Setenv("RATE_LIMIT_PER_SECOND", "0.5")
	t.Setenv("DB_MAX_OPEN_CONNS", "not-a-number")

	LoadConfig()

	assert.Equal(t, "s3cret", AppConfig.JWTSecret)
	assert.Equal(t, int64(1024), AppConfig.MaxUploadBytes)
	assert.Equal(t, []string{"image/png", "text/plain"}, AppConfig.AllowedMIMETypes)
	assert.Equal(t, 2*time.Minute, AppConfig.OnlineWindow)
	assert.Equal(t, 0.5, AppConfig.RateLimitPerSecond)
	assert.Equal(t, 1, AppConfig.DBMaxOpen, "unparsable ints fall back to the default")
}

func TestDefault(t *testing.T) {
	d := Default()

	require.NotEmpty(t, d.AllowedMIMETypes)
	assert.Equal(t, int64(25<<20), d.MaxUploadBytes)
	assert.Empty(t, d.JWTSecret)

	d.AllowedMIMETypes[0] = "changed"
	assert.NotEqual(t, "changed", Default().AllowedMIMETypes[0], "defaults must not share backing arrays")
}
