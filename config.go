package main

import (
	"os"
	"strconv"
	"time"
)

const DefaultBaseURL = "https://api.textbee.dev/api/v1"

// Config holds everything one bridge instance needs. One instance serves
// one TextBee account; nothing here is process-global.
type Config struct {
	APIKey  string
	BaseURL string

	// PublicURL is the externally reachable address of this bridge. Used
	// for webhook self-registration and media links. Optional.
	PublicURL string

	WebListen     string
	WebhookSecret string
	ActionAPIKey  string
	ProxyProtocol bool

	PollInterval  time.Duration
	FlapTolerance int
	HTTPTimeout   time.Duration
	EventQueueLen int

	// Optional backing services. Empty disables the corresponding feature.
	DatabaseDSN  string
	MongoURI     string
	AMQPURL      string
	LokiURL      string
	LokiUsername string
	LokiPassword string

	MediaArchive bool
	LogPrivacy   bool
}

func loadConfig() *Config {
	cfg := &Config{
		APIKey:        os.Getenv("TEXTBEE_API_KEY"),
		BaseURL:       envOr("TEXTBEE_BASE_URL", DefaultBaseURL),
		PublicURL:     os.Getenv("PUBLIC_URL"),
		WebListen:     envOr("WEB_LISTEN", "0.0.0.0:3000"),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		ActionAPIKey:  os.Getenv("API_KEY"),
		ProxyProtocol: envBool("PROXY_PROTOCOL"),
		PollInterval:  envDuration("POLL_INTERVAL", 15*time.Second),
		FlapTolerance: envInt("FLAP_TOLERANCE", 3),
		HTTPTimeout:   envDuration("HTTP_TIMEOUT", 15*time.Second),
		EventQueueLen: envInt("EVENT_QUEUE_LEN", 256),
		DatabaseDSN:   os.Getenv("DATABASE_DSN"),
		MongoURI:      os.Getenv("MONGODB_URI"),
		AMQPURL:       os.Getenv("AMQP_URL"),
		LokiURL:       os.Getenv("LOKI_URL"),
		LokiUsername:  os.Getenv("LOKI_USERNAME"),
		LokiPassword:  os.Getenv("LOKI_PASSWORD"),
		MediaArchive:  envBool("MEDIA_ARCHIVE"),
		LogPrivacy:    envBool("LOG_PRIVACY"),
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	v, _ := strconv.ParseBool(os.Getenv(key))
	return v
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// plain seconds also accepted, e.g. POLL_INTERVAL=15
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
