package config

import "github.com/kelseyhightower/envconfig"

// Config holds application configuration loaded from environment variables.
type Config struct {
	// Local datastore.
	DBPath string `envconfig:"DB_PATH" default:"./data/engagement.db"`

	// Outbound mail (MailerSend-compatible SMTP).
	SMTPHost     string `envconfig:"SMTP_SERVER" default:"smtp.mailersend.net"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPUser     string `envconfig:"SMTP_USER"`
	SMTPPassword string `envconfig:"SMTP_PASSWORD"`
	FromEmail    string `envconfig:"EMAIL_HOST_USER" default:"team@buildly.io"`
	BCCEmail     string `envconfig:"BCC_EMAIL" default:"greg@buildly.io"`
	SendDelayMS  int    `envconfig:"SEND_DELAY_MS" default:"1000"` // delay between sequential sends

	// Remote user directory (Buildly core API).
	BuildlyBaseURL  string `envconfig:"BUILDLY_BASE_URL" default:"https://labs-api.buildly.io"`
	BuildlyUsername string `envconfig:"BUILDLY_USERNAME"`
	BuildlyPassword string `envconfig:"BUILDLY_PASSWORD"`

	// Activity classification thresholds (days).
	ActiveThresholdDays   int `envconfig:"ACTIVE_THRESHOLD_DAYS" default:"7"`
	InactiveThresholdDays int `envconfig:"INACTIVE_THRESHOLD_DAYS" default:"30"`

	// Unsubscribe registry.
	UnsubscribeFile string `envconfig:"UNSUBSCRIBE_FILE" default:"./data/unsubscribed_emails.json"`
	UnsubscribeURL  string `envconfig:"UNSUBSCRIBE_URL" default:"https://raw.githubusercontent.com/buildlyio/MarketingTool/main/data/unsubscribed_emails.json"`
	UnsubCacheTTL   int    `envconfig:"UNSUBSCRIBE_CACHE_TTL" default:"300"` // seconds
	TokenSecret     string `envconfig:"UNSUBSCRIBE_TOKEN_SECRET" default:"buildly-marketing-2024"`

	// Daemon mode.
	HTTPAddr         string `envconfig:"HTTP_ADDR" default:":8080"`
	SyncSchedule     string `envconfig:"SYNC_SCHEDULE" default:"0 6 * * *"`
	ReengageSchedule string `envconfig:"REENGAGE_SCHEDULE" default:"30 9 * * 1"`
	OnboardSchedule  string `envconfig:"ONBOARDING_SCHEDULE" default:"0 10 * * *"`

	// Operator notifications (optional; disabled when token is empty).
	TelegramToken  string `envconfig:"TELEGRAM_TOKEN"`
	TelegramChatID int64  `envconfig:"TELEGRAM_CHAT_ID"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"` // debug|info|warn|error
}

// Load reads environment variables into Config.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
