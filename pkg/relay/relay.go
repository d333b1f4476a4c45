package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"

	"mailhooks/internal"
)

const (
	FormatEmbed = "embed"
	FormatText  = "text"

	DefaultColor             = 15158332
	DefaultReasonPlaceholder = "Unknown"
	DefaultPlaceholder       = "N/A"
)

// DefaultAlertTypes are the event types that represent a failed delivery.
var DefaultAlertTypes = []string{"email.failed", "email.bounced", "email.complained"}

var (
	defaultReasonPaths      = []string{"$.delivery_drop_reason", "$.bounce_type", "$.bounce.type", "$.reason"}
	defaultDescriptionPaths = []string{"$.error_description", "$.bounce.message", "$.reason"}
)

// Config controls which events alert and how alerts look.
type Config struct {
	URL               string
	AlertTypes        []string
	Format            string
	Username          string
	Color             int
	ReasonPlaceholder string
	Placeholder       string
	ReasonPaths       []string
	DescriptionPaths  []string
}

// ConfigFromApp maps the file configuration onto a relay Config.
func ConfigFromApp(cfg internal.RelayConfig) Config {
	return Config{
		URL:               cfg.URL,
		AlertTypes:        cfg.AlertTypes,
		Format:            cfg.Format,
		Username:          cfg.Username,
		Color:             cfg.Color,
		ReasonPlaceholder: cfg.ReasonPlaceholder,
		Placeholder:       cfg.Placeholder,
		ReasonPaths:       cfg.ReasonPaths,
		DescriptionPaths:  cfg.DescriptionPaths,
	}
}

// Outcome is what Handle did with a verified event.
type Outcome int

const (
	// Ignored events are not alert-worthy.
	Ignored Outcome = iota
	// Muted events are alert-worthy but matched a mute rule.
	Muted
	// Delivered events were posted to the chat webhook.
	Delivered
)

func (o Outcome) String() string {
	switch o {
	case Ignored:
		return "ignored"
	case Muted:
		return "muted"
	case Delivered:
		return "delivered"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result describes a handled event. Outcome is only meaningful when Handle
// returns no error; Alert and Payload are set once rendering happened.
type Result struct {
	Outcome  Outcome
	MuteRule string
	Alert    *Alert
	Payload  []byte
}

// Muter reports whether an alert-worthy event should be suppressed.
type Muter interface {
	Match(event internal.Event) (string, bool)
}

// Relay filters verified events and forwards alerts to the chat webhook.
// It keeps no state between calls.
type Relay struct {
	cfg              Config
	sender           Sender
	muter            Muter
	alertTypes       map[string]struct{}
	reasonPaths      []string
	descriptionPaths []string
	now              func() time.Time
}

// Option configures a Relay.
type Option func(*Relay)

// WithMuter installs mute rules checked before delivery.
func WithMuter(m Muter) Option {
	return func(r *Relay) { r.muter = m }
}

// WithClock replaces time.Now for alert timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) {
		if now != nil {
			r.now = now
		}
	}
}

// New validates cfg, fills defaults and returns a Relay sending through sender.
// An empty URL is accepted; Handle then fails with a ConfigError.
func New(cfg Config, sender Sender, opts ...Option) (*Relay, error) {
	if sender == nil {
		return nil, errors.New("relay sender is required")
	}
	cfg.Format = strings.ToLower(strings.TrimSpace(cfg.Format))
	switch cfg.Format {
	case "":
		cfg.Format = FormatEmbed
	case FormatEmbed, FormatText:
	default:
		return nil, fmt.Errorf("unsupported relay format: %s", cfg.Format)
	}
	cfg.URL = strings.TrimSpace(cfg.URL)
	if len(cfg.AlertTypes) == 0 {
		cfg.AlertTypes = DefaultAlertTypes
	}
	if cfg.Color == 0 {
		cfg.Color = DefaultColor
	}
	if cfg.ReasonPlaceholder == "" {
		cfg.ReasonPlaceholder = DefaultReasonPlaceholder
	}
	if cfg.Placeholder == "" {
		cfg.Placeholder = DefaultPlaceholder
	}

	reasonPaths, err := compilePaths(cfg.ReasonPaths, defaultReasonPaths)
	if err != nil {
		return nil, fmt.Errorf("reason paths: %w", err)
	}
	descriptionPaths, err := compilePaths(cfg.DescriptionPaths, defaultDescriptionPaths)
	if err != nil {
		return nil, fmt.Errorf("description paths: %w", err)
	}

	types := make(map[string]struct{}, len(cfg.AlertTypes))
	for _, t := range cfg.AlertTypes {
		if t = strings.TrimSpace(t); t != "" {
			types[t] = struct{}{}
		}
	}

	r := &Relay{
		cfg:              cfg,
		sender:           sender,
		alertTypes:       types,
		reasonPaths:      reasonPaths,
		descriptionPaths: descriptionPaths,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func compilePaths(paths, defaults []string) ([]string, error) {
	if len(paths) == 0 {
		return defaults, nil
	}
	out := make([]string, 0, len(paths))
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		if _, err := jsonpath.New(path); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, path)
	}
	return out, nil
}

// AlertWorthy reports whether eventType is in the configured alert set.
func (r *Relay) AlertWorthy(eventType string) bool {
	_, ok := r.alertTypes[eventType]
	return ok
}

// Handle decides whether event alerts and, if so, makes one delivery attempt.
// Failed deliveries are not retried here; the provider redelivers the webhook.
func (r *Relay) Handle(ctx context.Context, event internal.Event) (Result, error) {
	if !r.AlertWorthy(event.Type) {
		return Result{Outcome: Ignored}, nil
	}
	if r.muter != nil {
		if rule, ok := r.muter.Match(event); ok {
			return Result{Outcome: Muted, MuteRule: rule}, nil
		}
	}
	if r.cfg.URL == "" {
		return Result{}, &ConfigError{Setting: "relay url"}
	}

	alert := r.Render(event)
	payload, err := r.Payload(alert)
	if err != nil {
		return Result{}, fmt.Errorf("encode alert: %w", err)
	}
	result := Result{Alert: &alert, Payload: payload}

	if err := r.sender.Send(ctx, r.cfg.URL, payload); err != nil {
		deliveryErr := &DeliveryError{Err: err}
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			deliveryErr.StatusCode = statusErr.StatusCode
		}
		return result, deliveryErr
	}
	result.Outcome = Delivered
	return result, nil
}
