package signature

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	svix "github.com/svix/svix-webhooks/go"

	"mailhooks/internal"
)

const (
	secretPrefix = "whsec_"

	// DefaultTolerance is how far a delivery timestamp may drift from the local
	// clock. It matches the window the svix library enforces itself.
	DefaultTolerance = 5 * time.Minute
)

// Verifier authenticates Svix-signed webhook deliveries against a shared secret.
// It holds no mutable state and is safe for concurrent use.
type Verifier struct {
	hook      *svix.Webhook
	tolerance time.Duration
	now       func() time.Time
	clockSet  bool
	provider  string
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithTolerance sets the accepted timestamp drift. Zero disables the check,
// which accepts replays of a captured delivery indefinitely.
func WithTolerance(d time.Duration) Option {
	return func(v *Verifier) {
		if d < 0 {
			d = 0
		}
		v.tolerance = d
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
			v.clockSet = true
		}
	}
}

// WithProvider sets the provider name stamped on verified events.
func WithProvider(name string) Option {
	return func(v *Verifier) {
		if name != "" {
			v.provider = name
		}
	}
}

// NewVerifier decodes secret and returns a Verifier.
// An empty secret is allowed; every delivery is then rejected as missing_secret.
func NewVerifier(secret string, opts ...Option) (*Verifier, error) {
	hook, err := newHook(secret)
	if err != nil {
		return nil, err
	}
	v := &Verifier{
		hook:      hook,
		tolerance: DefaultTolerance,
		now:       time.Now,
		provider:  "resend",
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

func newHook(secret string) (*svix.Webhook, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, nil
	}
	if strings.TrimPrefix(secret, secretPrefix) == "" {
		return nil, errors.New("decode webhook secret: empty key")
	}
	hook, err := svix.NewWebhook(secret)
	if err != nil {
		return nil, errors.Join(errors.New("decode webhook secret"), err)
	}
	return hook, nil
}

// Verify authenticates d and parses its body into an Event.
// Header and secret presence are checked before any HMAC is computed.
func (v *Verifier) Verify(d Delivery) (internal.Event, error) {
	if !d.complete() {
		return internal.Event{}, authError(ReasonMissingHeaders, nil)
	}
	if v.hook == nil {
		return internal.Event{}, authError(ReasonMissingSecret, nil)
	}

	ts, err := parseTimestamp(d.Timestamp)
	if err != nil {
		return internal.Event{}, authError(ReasonInvalidTimestamp, err)
	}

	if v.libraryWindow() {
		err = v.hook.Verify(d.Body, d.header())
	} else {
		if reason, ok := v.checkFreshness(ts); !ok {
			return internal.Event{}, authError(reason, nil)
		}
		err = v.hook.VerifyIgnoringTimestamp(d.Body, d.header())
	}
	if err != nil {
		return internal.Event{}, authError(reasonFor(err), err)
	}

	event, err := decodeEvent(d.Body)
	if err != nil {
		return internal.Event{}, authError(ReasonMalformedPayload, err)
	}
	event.Provider = v.provider
	event.ID = d.ID
	event.Timestamp = ts
	event.RawPayload = d.Body
	return event, nil
}

// libraryWindow reports whether the svix library can enforce the freshness
// window on its own: default tolerance against the wall clock.
func (v *Verifier) libraryWindow() bool {
	return v.tolerance == DefaultTolerance && !v.clockSet
}

func reasonFor(err error) Reason {
	switch {
	case errors.Is(err, svix.ErrRequiredHeaders):
		return ReasonMissingHeaders
	case errors.Is(err, svix.ErrInvalidHeaders):
		return ReasonInvalidTimestamp
	case errors.Is(err, svix.ErrMessageTooOld):
		return ReasonStaleTimestamp
	case errors.Is(err, svix.ErrMessageTooNew):
		return ReasonFutureTimestamp
	default:
		return ReasonInvalidSignature
	}
}

// Sign returns the signature header value for body, as the provider would send it.
func (v *Verifier) Sign(id string, ts time.Time, body []byte) (string, error) {
	if v.hook == nil {
		return "", authError(ReasonMissingSecret, nil)
	}
	return v.hook.Sign(id, ts, body)
}

func (v *Verifier) checkFreshness(ts time.Time) (Reason, bool) {
	if v.tolerance <= 0 {
		return "", true
	}
	now := v.now()
	if now.Sub(ts) > v.tolerance {
		return ReasonStaleTimestamp, false
	}
	if ts.Sub(now) > v.tolerance {
		return ReasonFutureTimestamp, false
	}
	return "", true
}

func parseTimestamp(raw string) (time.Time, error) {
	seconds, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(seconds, 0).UTC(), nil
}

type envelope struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

func decodeEvent(body []byte) (internal.Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return internal.Event{}, err
	}
	if strings.TrimSpace(env.Type) == "" {
		return internal.Event{}, errors.New("event type is empty")
	}
	if env.Data == nil {
		env.Data = map[string]interface{}{}
	}
	return internal.Event{Type: env.Type, Data: env.Data}, nil
}
