package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port     string
	Env      string
	LogLevel string

	DBDriver    string
	DatabaseURL string
	SQLitePath  string

	JWTSecret string
	TokenTTL  time.Duration

	StrictOwnership bool
	StrictAccept    bool
	AdminSignup     bool

	NotifierProvider     string
	NotifierWebhookURL   string
	NotifierWebhookToken string
	NotifierTimeout      time.Duration
	TelegramBotToken     string
	TelegramAPIURL       string
	PublicURL            string

	RateLimitPerMinute     int
	RateLimitBurst         int
	UserRateLimitPerMinute int
	UserRateLimitBurst     int
	CORSOrigins            []string

	BootstrapAdminName     string
	BootstrapAdminEmail    string
	BootstrapAdminPassword string
}

func Load() Config {
	port := os.Getenv("DISPATCH_PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:     port,
		Env:      readString("DISPATCH_ENV", "local"),
		LogLevel: os.Getenv("DISPATCH_LOG_LEVEL"),

		DBDriver:    readString("DB_DRIVER", "postgres"),
		DatabaseURL: os.Getenv("DB_DSN"),
		SQLitePath:  readString("SQLITE_PATH", "data/dispatch.db"),

		JWTSecret: readString("JWT_SECRET", "change-me"),
		TokenTTL:  readDurationHours("JWT_TTL_HOURS", 24),

		StrictOwnership: readBool("DISPATCH_STRICT_OWNERSHIP", false),
		StrictAccept:    readBool("DISPATCH_STRICT_ACCEPT", false),
		AdminSignup:     readBool("DISPATCH_ADMIN_SIGNUP", false),

		NotifierProvider:     readString("NOTIFIER_PROVIDER", "log"),
		NotifierWebhookURL:   os.Getenv("NOTIFIER_WEBHOOK_URL"),
		NotifierWebhookToken: os.Getenv("NOTIFIER_WEBHOOK_TOKEN"),
		NotifierTimeout:      readDurationSeconds("NOTIFIER_TIMEOUT_SECONDS", 5),
		TelegramBotToken:     os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramAPIURL:       readString("TELEGRAM_API_URL", "https://api.telegram.org"),
		PublicURL:            strings.TrimRight(os.Getenv("DISPATCH_PUBLIC_URL"), "/"),

		RateLimitPerMinute:     readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:         readInt("RATE_LIMIT_BURST", 30),
		UserRateLimitPerMinute: readInt("USER_RATE_LIMIT_PER_MIN", 300),
		UserRateLimitBurst:     readInt("USER_RATE_LIMIT_BURST", 60),
		CORSOrigins:            readList("CORS_ORIGINS", []string{"*"}),

		BootstrapAdminName:     readString("BOOTSTRAP_ADMIN_NAME", "Administrator"),
		BootstrapAdminEmail:    os.Getenv("BOOTSTRAP_ADMIN_EMAIL"),
		BootstrapAdminPassword: os.Getenv("BOOTSTRAP_ADMIN_PASSWORD"),
	}
}

func readString(key, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	return raw
}

func readList(key string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	var values []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			values = append(values, item)
		}
	}
	if len(values) == 0 {
		return fallback
	}
	return values
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readDurationHours(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Hour
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
