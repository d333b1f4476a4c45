package internal

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// EnvWebhookSecret is read when webhook.secret is not set in the config file.
	EnvWebhookSecret = "RESEND_WEBHOOK_SECRET"
	// EnvRelayURL is read when relay.url is not set in the config file.
	EnvRelayURL = "DISCORD_WEBHOOK_URL"
)

// AppConfig represents the main application configuration.
type AppConfig struct {
	// Server holds server-specific configuration.
	Server struct {
		Port           int    `yaml:"port"`
		ReadTimeoutMS  int64  `yaml:"read_timeout_ms"`
		WriteTimeoutMS int64  `yaml:"write_timeout_ms"`
		IdleTimeoutMS  int64  `yaml:"idle_timeout_ms"`
		ReadHeaderMS   int64  `yaml:"read_header_timeout_ms"`
		MaxBodyBytes   int64  `yaml:"max_body_bytes"`
		MetricsEnabled bool   `yaml:"metrics_enabled"`
		MetricsPath    string `yaml:"metrics_path"`
		HealthPath     string `yaml:"health_path"`
		LogLevel       string `yaml:"log_level"`
	} `yaml:"server"`
	// Webhook configures the inbound endpoint and signature verification.
	Webhook WebhookConfig `yaml:"webhook"`
	// Relay configures alert rendering and the chat webhook destination.
	Relay RelayConfig `yaml:"relay"`
	// Watermill holds configuration for the alert bus.
	Watermill WatermillConfig `yaml:"watermill"`
}

// Config represents the application configuration including mute rules.
type Config struct {
	AppConfig `yaml:",inline"`
	Mute      []MuteRule `yaml:"mute"`
}

// WebhookConfig describes the inbound Resend endpoint.
type WebhookConfig struct {
	Path   string `yaml:"path"`
	Secret string `yaml:"secret"`
	// ToleranceSeconds bounds timestamp drift. Negative values disable the check.
	ToleranceSeconds int64 `yaml:"tolerance_seconds"`
	DebugEvents      bool  `yaml:"debug_events"`
}

// RelayConfig describes how alerts are rendered and where they are sent.
type RelayConfig struct {
	URL               string   `yaml:"url"`
	TimeoutMS         int64    `yaml:"timeout_ms"`
	Format            string   `yaml:"format"`
	Username          string   `yaml:"username"`
	Color             int      `yaml:"color"`
	AlertTypes        []string `yaml:"alert_types"`
	ReasonPlaceholder string   `yaml:"reason_placeholder"`
	Placeholder       string   `yaml:"placeholder"`
	ReasonPaths       []string `yaml:"reason_paths"`
	DescriptionPaths  []string `yaml:"description_paths"`
}

// WatermillConfig holds the configuration for the alert bus.
type WatermillConfig struct {
	Drivers []string `yaml:"drivers"`
	Topic   string   `yaml:"topic"`
	// PublishTimeoutMS bounds each background publish of a delivered alert.
	PublishTimeoutMS int64           `yaml:"publish_timeout_ms"`
	GoChannel        GoChannelConfig `yaml:"gochannel"`
	Kafka            KafkaConfig     `yaml:"kafka"`
	NATS             NATSConfig      `yaml:"nats"`
	AMQP             AMQPConfig      `yaml:"amqp"`
	HTTP             HTTPBusConfig   `yaml:"http"`
}

// GoChannelConfig holds configuration for the GoChannel pub/sub.
// Nothing in the process subscribes to it, so it only serves tests and
// embedders that attach their own subscriber; persistence is rejected.
type GoChannelConfig struct {
	OutputChannelBuffer            int64 `yaml:"output_buffer"`
	Persistent                     bool  `yaml:"persistent"`
	BlockPublishUntilSubscriberAck bool  `yaml:"block_publish_until_subscriber_ack"`
}

// KafkaConfig holds configuration for the Kafka pub/sub.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

// NATSConfig holds configuration for the NATS streaming pub/sub.
type NATSConfig struct {
	ClusterID string `yaml:"cluster_id"`
	ClientID  string `yaml:"client_id"`
	URL       string `yaml:"url"`
}

// AMQPConfig holds configuration for the AMQP pub/sub.
type AMQPConfig struct {
	URL  string `yaml:"url"`
	Mode string `yaml:"mode"`
}

// HTTPBusConfig holds configuration for the HTTP alert bus driver.
// Alerts are posted to BaseURL/<topic>.
type HTTPBusConfig struct {
	BaseURL string `yaml:"base_url"`
}

// MuteRule suppresses alerts for verified events matching When.
type MuteRule struct {
	Name string `yaml:"name"`
	When string `yaml:"when"`
}

// LoadConfig loads the application configuration from a YAML file.
// It expands environment variables, applies defaults and validates the result.
// An empty path yields the defaults, filled from the environment.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return cfg, err
		}
	}

	applyDefaults(&cfg.AppConfig)
	normalized, err := normalizeMuteRules(cfg.Mute)
	if err != nil {
		return cfg, err
	}
	cfg.Mute = normalized

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports configuration values that can never work.
// Missing secrets and URLs are not errors here: the endpoint rejects
// requests at the point of use instead.
func (c Config) Validate() error {
	if !strings.HasPrefix(c.Webhook.Path, "/") {
		return fmt.Errorf("webhook path must start with /: %q", c.Webhook.Path)
	}
	switch strings.ToLower(c.Relay.Format) {
	case "", "embed", "text":
	default:
		return fmt.Errorf("unsupported relay format: %s", c.Relay.Format)
	}
	if c.Relay.TimeoutMS < 0 {
		return fmt.Errorf("relay timeout_ms must not be negative")
	}
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server max_body_bytes must not be negative")
	}
	if c.Watermill.PublishTimeoutMS < 0 {
		return fmt.Errorf("watermill publish_timeout_ms must not be negative")
	}
	if c.Watermill.GoChannel.Persistent {
		return fmt.Errorf("watermill gochannel persistent is not supported: nothing consumes the in-process bus")
	}
	for _, driver := range c.Watermill.Drivers {
		if _, ok := publisherFactories[strings.ToLower(strings.TrimSpace(driver))]; !ok {
			return fmt.Errorf("unsupported watermill driver: %s", driver)
		}
	}
	return nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeoutMS == 0 {
		cfg.Server.ReadTimeoutMS = 5000
	}
	if cfg.Server.WriteTimeoutMS == 0 {
		cfg.Server.WriteTimeoutMS = 15000
	}
	if cfg.Server.IdleTimeoutMS == 0 {
		cfg.Server.IdleTimeoutMS = 60000
	}
	if cfg.Server.ReadHeaderMS == 0 {
		cfg.Server.ReadHeaderMS = 5000
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.Server.HealthPath == "" {
		cfg.Server.HealthPath = "/healthz"
	}
	if cfg.Webhook.Path == "" {
		cfg.Webhook.Path = "/api/resend-webhook"
	}
	if cfg.Webhook.Secret == "" {
		cfg.Webhook.Secret = os.Getenv(EnvWebhookSecret)
	}
	if cfg.Webhook.ToleranceSeconds == 0 {
		cfg.Webhook.ToleranceSeconds = 300
	}
	if cfg.Relay.URL == "" {
		cfg.Relay.URL = os.Getenv(EnvRelayURL)
	}
	if cfg.Relay.TimeoutMS == 0 {
		cfg.Relay.TimeoutMS = 10000
	}
	if cfg.Relay.Format == "" {
		cfg.Relay.Format = "embed"
	}
	if cfg.Watermill.Topic == "" {
		cfg.Watermill.Topic = "mailhooks.alerts"
	}
	if cfg.Watermill.PublishTimeoutMS == 0 {
		cfg.Watermill.PublishTimeoutMS = 5000
	}
	if cfg.Watermill.GoChannel.OutputChannelBuffer == 0 {
		cfg.Watermill.GoChannel.OutputChannelBuffer = 64
	}
}

func normalizeMuteRules(rules []MuteRule) ([]MuteRule, error) {
	out := make([]MuteRule, 0, len(rules))
	for i := range rules {
		rule := rules[i]
		rule.Name = strings.TrimSpace(rule.Name)
		rule.When = strings.TrimSpace(rule.When)
		if rule.When == "" {
			return nil, fmt.Errorf("mute rule %d is missing when", i)
		}
		if rule.Name == "" {
			rule.Name = fmt.Sprintf("mute-%d", i)
		}
		out = append(out, rule)
	}
	return out, nil
}
