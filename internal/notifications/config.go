package notifications

import (
	"fmt"
	"time"

	"github.com/crosslogic/credit-engine/internal/config"
)

// Delivery channels
const (
	ChannelSlack   = "slack"
	ChannelWebhook = "webhook"
)

// Config holds the configuration for the alerting service
type Config struct {
	SlackWebhookURL string
	SlackChannel    string

	// Generic webhook; payloads are HMAC signed when WebhookSecret is set
	WebhookURL    string
	WebhookSecret string

	MaxRetries       int
	RetryBackoffBase time.Duration
	RetryQueueSize   int
	RetryWorkers     int
	DeliveryTimeout  time.Duration

	// EventRouting overrides the channel list per event type
	EventRouting map[string][]string
}

// FromConfig builds the service config from the process configuration
func FromConfig(c config.NotificationsConfig) *Config {
	return &Config{
		SlackWebhookURL:  c.SlackWebhookURL,
		SlackChannel:     c.SlackChannel,
		WebhookURL:       c.WebhookURL,
		WebhookSecret:    c.WebhookSecret,
		MaxRetries:       c.MaxRetries,
		RetryBackoffBase: c.RetryBackoffBase,
		RetryQueueSize:   c.RetryQueueSize,
		RetryWorkers:     c.RetryWorkers,
		DeliveryTimeout:  c.DeliveryTimeout,
		EventRouting:     c.EventRouting,
	}
}

// Enabled reports whether any channel is configured
func (c *Config) Enabled() bool {
	return c.SlackWebhookURL != "" || c.WebhookURL != ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !c.Enabled() {
		return nil
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
	if c.DeliveryTimeout <= 0 {
		return fmt.Errorf("delivery timeout must be positive")
	}
	for event, channels := range c.EventRouting {
		for _, ch := range channels {
			if ch != ChannelSlack && ch != ChannelWebhook {
				return fmt.Errorf("event %s routed to unknown channel %q", event, ch)
			}
		}
	}
	return nil
}

// ChannelsFor returns the channels an event type is delivered to
func (c *Config) ChannelsFor(eventType string) []string {
	if channels, ok := c.EventRouting[eventType]; ok {
		return channels
	}

	// Default: send to all enabled channels
	var channels []string
	if c.SlackWebhookURL != "" {
		channels = append(channels, ChannelSlack)
	}
	if c.WebhookURL != "" {
		channels = append(channels, ChannelWebhook)
	}
	return channels
}
