package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MTES-MCT/fonds-prevention-argile/internal/models"
)

// Default token lifetimes. The in-app link is opened by an agent already logged
// in, the emailed link may sit in an inbox for days; the two are kept apart on purpose.
const (
	DefaultInAppTokenTTL = 2 * time.Hour
	DefaultEmailTokenTTL = 15 * 24 * time.Hour
)

// Config holds the service configuration read from the environment
type Config struct {
	Port       string
	JWTSecret  string
	AppBaseURL string

	InAppTokenTTL time.Duration
	EmailTokenTTL time.Duration

	WebhookSecret        string
	WebhookArchiveBucket string

	DSAPIURL    string
	DSAPIToken  string
	DSTimeout   time.Duration
	DSDemarches map[models.Stage]string

	SESFromEmail        string
	SESConfigurationSet string
	SESRegion           string
	SNSRegion           string
	SMSEnabled          bool
	AWSRegion           string
}

// Load reads the configuration from environment variables.
// Call godotenv.Load() before this in main.
func Load() Config {
	cfg := Config{
		Port:                 getEnv("PARCOURS_PORT", "8084"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		AppBaseURL:           strings.TrimRight(getEnv("APP_BASE_URL", "http://localhost:3000"), "/"),
		InAppTokenTTL:        getEnvDuration("AMO_TOKEN_TTL_IN_APP", DefaultInAppTokenTTL),
		EmailTokenTTL:        getEnvDuration("AMO_TOKEN_TTL_EMAIL", DefaultEmailTokenTTL),
		WebhookSecret:        os.Getenv("WEBHOOK_SECRET"),
		WebhookArchiveBucket: os.Getenv("WEBHOOK_ARCHIVE_BUCKET"),
		DSAPIURL:             getEnv("DS_API_URL", "https://www.demarches-simplifiees.fr/api/v2/graphql"),
		DSAPIToken:           os.Getenv("DS_API_TOKEN"),
		DSTimeout:            getEnvDuration("DS_TIMEOUT", 10*time.Second),
		DSDemarches:          map[models.Stage]string{},
		SESFromEmail:         os.Getenv("SES_FROM_EMAIL"),
		SESConfigurationSet:  os.Getenv("SES_CONFIGURATION_SET"),
		SESRegion:            regionFor("SES_AWS_REGION"),
		SNSRegion:            regionFor("SNS_AWS_REGION"),
		SMSEnabled:           getEnvBool("SMS_ENABLED", false),
		AWSRegion:            regionFor("AWS_REGION"),
	}
	for _, stage := range models.Stages() {
		key := "DS_DEMARCHE_" + strings.ToUpper(string(stage))
		if v := os.Getenv(key); v != "" {
			cfg.DSDemarches[stage] = v
		}
	}
	return cfg
}

// TokenTTL returns the lifetime for tokens issued through the given entry point
func (c Config) TokenTTL(entry models.EntryPoint) time.Duration {
	if entry == models.EntryPointEmail {
		return c.EmailTokenTTL
	}
	return c.InAppTokenTTL
}

// regionFor resolves an AWS region the way the auth service does:
// specific variable, then AWS_DEFAULT_REGION, then eu-west-3.
func regionFor(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if v := os.Getenv("AWS_DEFAULT_REGION"); v != "" {
		return v
	}
	return "eu-west-3"
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("Invalid %s value: %s, using default %d", key, v, defaultValue)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		log.Printf("Invalid %s value: %s, using default %t", key, v, defaultValue)
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90m") or a bare number of seconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n := getEnvInt(key, -1); n > 0 {
		return time.Duration(n) * time.Second
	}
	log.Printf("Invalid %s value: %s, using default %s", key, v, defaultValue)
	return defaultValue
}
