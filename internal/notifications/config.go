package notifications

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/crosslogic/credits/pkg/events"
)

// Channel names accepted in event routing.
const (
	ChannelSlack   = "slack"
	ChannelWebhook = "webhook"
)

// AlertEvents are the events operators are paged about by default.
var AlertEvents = []events.EventType{
	events.EventUsageUnbilled,
	events.EventDriftDetected,
	events.EventDoubleChargeDetected,
	events.EventPaymentFailed,
	events.EventCreditsDepleted,
	events.EventPurchaseExpired,
}

// Config holds the configuration for alert delivery
type Config struct {
	// Slack configuration
	SlackEnabled    bool
	SlackWebhookURL string
	SlackChannel    string

	// Generic webhook configuration
	WebhookEnabled bool
	WebhookURL     string
	WebhookSecret  string
	WebhookMethod  string
	WebhookHeaders map[string]string

	// Retry configuration
	MaxRetries       int
	RetryBackoffBase time.Duration
	RetryQueueSize   int
	RetryWorkers     int

	// EventRouting maps event types to channels,
	// e.g. {"payment.failed": ["slack", "webhook"]}
	EventRouting map[string][]string

	Enabled         bool
	DeliveryTimeout time.Duration
	DedupTTL        time.Duration
}

// LoadConfig loads the alert delivery configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		SlackEnabled:    getEnvBool("NOTIFICATIONS_SLACK_ENABLED", false),
		SlackWebhookURL: os.Getenv("NOTIFICATIONS_SLACK_WEBHOOK_URL"),
		SlackChannel:    getEnv("NOTIFICATIONS_SLACK_CHANNEL", "#billing-alerts"),

		WebhookEnabled: getEnvBool("NOTIFICATIONS_WEBHOOK_ENABLED", false),
		WebhookURL:     os.Getenv("NOTIFICATIONS_WEBHOOK_URL"),
		WebhookSecret:  os.Getenv("NOTIFICATIONS_WEBHOOK_SECRET"),
		WebhookMethod:  getEnv("NOTIFICATIONS_WEBHOOK_METHOD", "POST"),
		WebhookHeaders: getEnvJSONMap("NOTIFICATIONS_WEBHOOK_HEADERS"),

		MaxRetries:       getEnvInt("NOTIFICATIONS_MAX_RETRIES", 3),
		RetryBackoffBase: getEnvDuration("NOTIFICATIONS_RETRY_BACKOFF_BASE", 5*time.Second),
		RetryQueueSize:   getEnvInt("NOTIFICATIONS_RETRY_QUEUE_SIZE", 1000),
		RetryWorkers:     getEnvInt("NOTIFICATIONS_RETRY_WORKERS", 2),

		EventRouting: getEnvEventRouting("NOTIFICATIONS_EVENT_ROUTING"),

		Enabled:         getEnvBool("NOTIFICATIONS_ENABLED", false),
		DeliveryTimeout: getEnvDuration("NOTIFICATIONS_DELIVERY_TIMEOUT", 10*time.Second),
		DedupTTL:        getEnvDuration("NOTIFICATIONS_DEDUP_TTL", 24*time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid notification config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if !c.SlackEnabled && !c.WebhookEnabled {
		return fmt.Errorf("no notification channels enabled")
	}

	if c.SlackEnabled && c.SlackWebhookURL == "" {
		return fmt.Errorf("slack enabled but webhook URL not provided")
	}

	if c.WebhookEnabled {
		if c.WebhookURL == "" {
			return fmt.Errorf("webhook enabled but URL not provided")
		}
		if c.WebhookMethod != "POST" && c.WebhookMethod != "PUT" {
			return fmt.Errorf("webhook method must be POST or PUT")
		}
	}

	for eventType, channels := range c.EventRouting {
		for _, ch := range channels {
			if ch != ChannelSlack && ch != ChannelWebhook {
				return fmt.Errorf("unknown channel %q routed for %s", ch, eventType)
			}
		}
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoffBase <= 0 {
		return fmt.Errorf("retry backoff base must be positive")
	}
	if c.RetryQueueSize <= 0 {
		return fmt.Errorf("retry queue size must be positive")
	}
	if c.RetryWorkers <= 0 {
		return fmt.Errorf("retry workers must be positive")
	}

	return nil
}

// GetChannelsForEvent returns the channels an event type is delivered to.
// Unrouted event types go to every enabled channel.
func (c *Config) GetChannelsForEvent(eventType events.EventType) []string {
	if channels, ok := c.EventRouting[string(eventType)]; ok {
		return channels
	}

	var channels []string
	if c.SlackEnabled {
		channels = append(channels, ChannelSlack)
	}
	if c.WebhookEnabled {
		channels = append(channels, ChannelWebhook)
	}
	return channels
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return defaultValue
		}
		return b
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err != nil {
			return defaultValue
		}
		return i
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil {
			return defaultValue
		}
		return d
	}
	return defaultValue
}

func getEnvJSONMap(key string) map[string]string {
	m := make(map[string]string)
	if value := os.Getenv(key); value != "" {
		if err := json.Unmarshal([]byte(value), &m); err != nil {
			return make(map[string]string)
		}
	}
	return m
}

func getEnvEventRouting(key string) map[string][]string {
	routing := make(map[string][]string)
	if value := os.Getenv(key); value != "" {
		if err := json.Unmarshal([]byte(value), &routing); err != nil {
			return make(map[string][]string)
		}
	}
	return routing
}
