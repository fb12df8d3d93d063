package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	jww "github.com/spf13/jwalterweatherman"
)

type Config struct {
	DatabaseURL  string
	HTTPPort     string
	LogLevel     string
	JWTSecret    string
	JWTTTL       time.Duration
	CORSOrigins  []string
	DBMaxOpen    int
	WriteRetries int

	BlobDir          string
	MaxUploadBytes   int64
	AllowedMIMETypes []string
	MaxTextLength    int

	DispatchQueueSize int
	SessionBufferSize int
	OnlineWindow      time.Duration

	RateLimitPerSecond float64
	RateLimitBurst     int
}

var AppConfig Config

var defaultMIMETypes = []string{
	"image/jpeg", "image/png", "image/gif", "image/webp",
	"video/mp4", "video/webm", "video/quicktime",
	"audio/mpeg", "audio/ogg", "audio/wav", "audio/mp4", "audio/webm",
	"application/pdf",
}

// Default returns the configuration used when no environment overrides are
// present. JWTSecret is left empty.
func Default() Config {
	return Config{
		DatabaseURL:        "chatcore.db",
		HTTPPort:           "8080",
		LogLevel:           "INFO",
		JWTTTL:             24 * time.Hour,
		CORSOrigins:        []string{"*"},
		DBMaxOpen:          1,
		WriteRetries:       5,
		BlobDir:            "media",
		MaxUploadBytes:     25 << 20,
		AllowedMIMETypes:   append([]string(nil), defaultMIMETypes...),
		MaxTextLength:      4096,
		DispatchQueueSize:  1024,
		SessionBufferSize:  64,
		OnlineWindow:       5 * time.Minute,
		RateLimitPerSecond: 20,
		RateLimitBurst:     40,
	}
}

func LoadConfig() {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		jww.INFO.Println("No .env file found, relying on environment variables")
	}

	d := Default()
	AppConfig = Config{
		DatabaseURL:        getEnv("DATABASE_URL", d.DatabaseURL),
		HTTPPort:           getEnv("HTTP_PORT", d.HTTPPort),
		LogLevel:           getEnv("LOG_LEVEL", d.LogLevel),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		JWTTTL:             time.Duration(getEnvAsInt("JWT_TTL_HOURS", 24)) * time.Hour,
		CORSOrigins:        getEnvAsList("CORS_ORIGINS", d.CORSOrigins),
		DBMaxOpen:          getEnvAsInt("DB_MAX_OPEN_CONNS", d.DBMaxOpen),
		WriteRetries:       getEnvAsInt("WRITE_RETRY_ATTEMPTS", d.WriteRetries),
		BlobDir:            getEnv("BLOB_DIR", d.BlobDir),
		MaxUploadBytes:     int64(getEnvAsInt("MAX_UPLOAD_BYTES", int(d.MaxUploadBytes))),
		AllowedMIMETypes:   getEnvAsList("ALLOWED_MIME_TYPES", d.AllowedMIMETypes),
		MaxTextLength:      getEnvAsInt("MAX_TEXT_LENGTH", d.MaxTextLength),
		DispatchQueueSize:  getEnvAsInt("DISPATCH_QUEUE_SIZE", d.DispatchQueueSize),
		SessionBufferSize:  getEnvAsInt("SESSION_BUFFER_SIZE", d.SessionBufferSize),
		OnlineWindow:       time.Duration(getEnvAsInt("ONLINE_WINDOW_MINUTES", 5)) * time.Minute,
		RateLimitPerSecond: getEnvAsFloat("RATE_LIMIT_PER_SECOND", d.RateLimitPerSecond),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", d.RateLimitBurst),
	}

	if AppConfig.JWTSecret == "" {
		jww.FATAL.Fatalln("JWT_SECRET environment variable is required")
	}
	if AppConfig.MaxUploadBytes <= 0 {
		jww.FATAL.Fatalln("MAX_UPLOAD_BYTES must be positive")
	}
}

// SetupLogging maps LOG_LEVEL onto the jww stdout threshold.
func SetupLogging(level string) {
	switch strings.ToUpper(level) {
	case "TRACE":
		jww.SetStdoutThreshold(jww.LevelTrace)
	case "DEBUG":
		jww.SetStdoutThreshold(jww.LevelDebug)
	case "WARN":
		jww.SetStdoutThreshold(jww.LevelWarn)
	case "ERROR":
		jww.SetStdoutThreshold(jww.LevelError)
	default:
		jww.SetStdoutThreshold(jww.LevelInfo)
	}
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
