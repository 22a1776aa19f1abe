// config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"partner-onboarding/utils"

	"github.com/joho/godotenv"
)

const (
	MailTransportLog   = "log"
	MailTransportSMTP  = "smtp"
	MailTransportKafka = "kafka"
)

type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

type KafkaConfig struct {
	Brokers   []string
	MailTopic string
}

type RedisConfig struct {
	Addr     string
	Password string
}

type Config struct {
	Port                string
	Env                 string
	DatabaseURL         string
	ServiceToken        string
	AllowedOrigins      []string
	VerificationURLBase string

	MailTransport string
	SMTP          SMTPConfig
	Kafka         KafkaConfig

	Redis        RedisConfig
	ResendLimit  int
	ResendWindow time.Duration

	R2 utils.R2Config

	RepairInterval  time.Duration
	RepairBatchSize int
}

func (c *Config) IsDevelopment() bool { return c.Env == "development" }

// Load reads a .env file if present, then the process environment.
// The returned bool reports whether a .env file was found.
func Load() (*Config, bool, error) {
	foundDotEnv := godotenv.Load() == nil
	cfg, err := FromEnv()
	return cfg, foundDotEnv, err
}

// FromEnv builds a Config from the environment. Every missing or malformed
// variable is reported in one error.
func FromEnv() (*Config, error) {
	var problems []string
	required := func(key string) string {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			problems = append(problems, key+" is required")
		}
		return v
	}
	positiveInt := func(key string, def int) int {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			return def
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
			return def
		}
		return n
	}
	duration := func(key string, def time.Duration) time.Duration {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			return def
		}
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
			return def
		}
		return d
	}

	cfg := &Config{
		Port:                getenv("PORT", "5200"),
		Env:                 getenv("APP_ENV", "production"),
		DatabaseURL:         required("DATABASE_URL"),
		ServiceToken:        required("SERVICE_TOKEN"),
		AllowedOrigins:      splitList(getenv("ALLOWED_ORIGINS", "http://localhost:3000")),
		VerificationURLBase: required("VERIFICATION_URL_BASE"),
		MailTransport:       strings.ToLower(getenv("MAIL_TRANSPORT", MailTransportLog)),
		SMTP: SMTPConfig{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     getenv("SMTP_PORT", "465"),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     os.Getenv("SMTP_FROM"),
		},
		Kafka: KafkaConfig{
			Brokers:   splitList(os.Getenv("KAFKA_BROKERS")),
			MailTopic: getenv("KAFKA_MAIL_TOPIC", "partner-onboarding.mail"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
		},
		ResendLimit:  positiveInt("RESEND_LIMIT", 5),
		ResendWindow: duration("RESEND_WINDOW", time.Hour),
		R2: utils.R2Config{
			AccountID:       os.Getenv("CLOUDFLARE_ACCOUNT_ID"),
			AccessKeyID:     os.Getenv("R2_ACCESS_KEY_ID"),
			AccessKeySecret: os.Getenv("R2_ACCESS_KEY_SECRET"),
			Bucket:          os.Getenv("R2_BUCKET_NAME"),
			CDNBaseURL:      os.Getenv("CDN_BASE_URL"),
		},
		RepairInterval:  duration("REPAIR_INTERVAL", 5*time.Minute),
		RepairBatchSize: positiveInt("REPAIR_BATCH_SIZE", 50),
	}

	switch cfg.MailTransport {
	case MailTransportLog:
	case MailTransportSMTP:
		if cfg.SMTP.Host == "" || cfg.SMTP.Username == "" {
			problems = append(problems, "SMTP_HOST and SMTP_USERNAME are required when MAIL_TRANSPORT=smtp")
		}
	case MailTransportKafka:
		if len(cfg.Kafka.Brokers) == 0 {
			problems = append(problems, "KAFKA_BROKERS is required when MAIL_TRANSPORT=kafka")
		}
	default:
		problems = append(problems, fmt.Sprintf("MAIL_TRANSPORT must be one of log, smtp, kafka, got %q", cfg.MailTransport))
	}

	if len(problems) > 0 {
		return nil, errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
