package relay

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PaesslerAG/jsonpath"

	"mailhooks/internal"
)

// Discord rejects messages over these sizes.
const (
	maxTitle       = 256
	maxDescription = 4096
	maxFieldValue  = 1024
	maxContent     = 2000
)

// Alert is the rendered form of an alert-worthy event.
type Alert struct {
	Title       string
	Description string
	Fields      []Field
	Footer      string
	Timestamp   time.Time
	Color       int

	EventType        string
	MessageID        string
	Recipients       []string
	From             string
	Subject          string
	Reason           string
	ErrorDescription string
}

// Field is one labelled value of an alert.
type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Field returns the value of the named field.
func (a Alert) Field(name string) (string, bool) {
	for _, field := range a.Fields {
		if field.Name == name {
			return field.Value, true
		}
	}
	return "", false
}

// Category derives the display category from an event type such as
// "email.bounced" -> "BOUNCED". Types without a "." segment come back as is.
func Category(eventType string) string {
	_, suffix, ok := strings.Cut(eventType, ".")
	if !ok || strings.TrimSpace(suffix) == "" {
		return eventType
	}
	return strings.ToUpper(suffix)
}

// Render builds the alert for event. Missing optional values are replaced by
// the configured placeholders so every alert has the same shape.
func (r *Relay) Render(event internal.Event) Alert {
	recipients := recipientsOf(event.Data)
	subject := firstString(event.Data, "$.subject")
	from := firstString(event.Data, "$.from")
	reason := firstString(event.Data, r.reasonPaths...)
	description := firstString(event.Data, r.descriptionPaths...)
	messageID := firstString(event.Data, "$.email_id", "$.id")
	if messageID == "" {
		messageID = event.ID
	}

	to := r.orPlaceholder(strings.Join(recipients, ", "))
	alert := Alert{
		Title:       "❌ FAILED EMAIL ALERT: " + Category(event.Type),
		Description: fmt.Sprintf("**To:** %s\n**Subject:** %s", to, r.orPlaceholder(subject)),
		Fields: []Field{
			{Name: "Recipient", Value: to},
			{Name: "Event Type", Value: event.Type, Inline: true},
			{Name: "Reason", Value: orDefault(reason, r.cfg.ReasonPlaceholder), Inline: true},
			{Name: "Error Description", Value: r.orPlaceholder(description)},
		},
		Footer:    "Resend ID: " + r.orPlaceholder(messageID),
		Timestamp: r.now().UTC(),
		Color:     r.cfg.Color,

		EventType:        event.Type,
		MessageID:        messageID,
		Recipients:       recipients,
		From:             r.orPlaceholder(from),
		Subject:          subject,
		Reason:           reason,
		ErrorDescription: description,
	}
	return alert
}

type discordMessage struct {
	Username string         `json:"username,omitempty"`
	Content  string         `json:"content,omitempty"`
	Embeds   []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields"`
	Footer      discordFooter  `json:"footer"`
	Timestamp   string         `json:"timestamp"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordFooter struct {
	Text string `json:"text"`
}

// Payload encodes alert in the chat webhook's message schema.
func (r *Relay) Payload(alert Alert) ([]byte, error) {
	msg := discordMessage{Username: r.cfg.Username}
	switch r.cfg.Format {
	case FormatText:
		msg.Content = truncate(textContent(alert), maxContent)
	default:
		fields := make([]discordField, 0, len(alert.Fields))
		for _, field := range alert.Fields {
			fields = append(fields, discordField{
				Name:   field.Name,
				Value:  truncate(field.Value, maxFieldValue),
				Inline: field.Inline,
			})
		}
		msg.Embeds = []discordEmbed{{
			Title:       truncate(alert.Title, maxTitle),
			Description: truncate(alert.Description, maxDescription),
			Color:       alert.Color,
			Fields:      fields,
			Footer:      discordFooter{Text: alert.Footer},
			Timestamp:   alert.Timestamp.Format(time.RFC3339),
		}}
	}
	return json.Marshal(msg)
}

func textContent(alert Alert) string {
	var b strings.Builder
	b.WriteString("**" + alert.Title + "**\n")
	b.WriteString(alert.Description)
	if alert.From != "" {
		b.WriteString("\n**From:** " + alert.From)
	}
	for _, field := range alert.Fields {
		if field.Name == "Recipient" {
			continue
		}
		b.WriteString("\n**" + field.Name + ":** " + field.Value)
	}
	b.WriteString("\n" + alert.Footer)
	return b.String()
}

func (r *Relay) orPlaceholder(value string) string {
	return orDefault(value, r.cfg.Placeholder)
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// recipientsOf accepts "to" as a list of addresses or a single address.
func recipientsOf(data map[string]interface{}) []string {
	switch to := data["to"].(type) {
	case string:
		if strings.TrimSpace(to) == "" {
			return nil
		}
		return []string{to}
	case []interface{}:
		out := make([]string, 0, len(to))
		for _, item := range to {
			if value := scalarString(item); value != "" {
				out = append(out, value)
			}
		}
		return out
	case []string:
		return to
	default:
		return nil
	}
}

// firstString returns the first non-empty scalar found at paths.
func firstString(data map[string]interface{}, paths ...string) string {
	if data == nil {
		return ""
	}
	for _, path := range paths {
		value, err := jsonpath.Get(path, data)
		if err != nil {
			continue
		}
		if s := scalarString(value); s != "" {
			return s
		}
	}
	return ""
}

func scalarString(value interface{}) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(typed)
	case json.Number:
		return typed.String()
	default:
		return ""
	}
}

func truncate(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit-1]) + "…"
}
