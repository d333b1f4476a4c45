package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"mailhooks/internal"
)

type stubSender struct {
	mu       sync.Mutex
	calls    int
	urls     []string
	payloads [][]byte
	err      error
}

func (s *stubSender) Send(ctx context.Context, url string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.urls = append(s.urls, url)
	s.payloads = append(s.payloads, payload)
	return s.err
}

type muterFunc func(internal.Event) (string, bool)

func (f muterFunc) Match(event internal.Event) (string, bool) { return f(event) }

func bounceEvent() internal.Event {
	return internal.Event{
		Provider: "resend",
		ID:       "msg_1",
		Type:     "email.bounced",
		Data: map[string]interface{}{
			"to":          []interface{}{"a@x.com"},
			"subject":     "Hi",
			"bounce_type": "hard",
			"email_id":    "em_1",
		},
	}
}

func TestNewRequiresSender(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Fatalf("expected error without sender")
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Config{Format: "xml"}, &stubSender{}); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}

func TestNewRejectsInvalidPath(t *testing.T) {
	if _, err := New(Config{ReasonPaths: []string{"$.["}}, &stubSender{}); err == nil {
		t.Fatalf("expected error for invalid reason path")
	}
}

func TestAlertWorthy(t *testing.T) {
	r := newTestRelay(t, Config{}, nil)
	for _, eventType := range DefaultAlertTypes {
		if !r.AlertWorthy(eventType) {
			t.Fatalf("expected %s to be alert-worthy", eventType)
		}
	}
	for _, eventType := range []string{"email.sent", "email.delivered", "email.opened", "", "EMAIL.FAILED"} {
		if r.AlertWorthy(eventType) {
			t.Fatalf("expected %q to be ignored", eventType)
		}
	}

	custom := newTestRelay(t, Config{AlertTypes: []string{" email.delivery_delayed "}}, nil)
	if !custom.AlertWorthy("email.delivery_delayed") || custom.AlertWorthy("email.failed") {
		t.Fatalf("expected configured alert types to replace defaults")
	}
}

func TestHandleIgnoredMakesNoCall(t *testing.T) {
	sender := &stubSender{}
	r := newTestRelay(t, Config{URL: "https://chat.example/hook"}, sender)

	result, err := r.Handle(context.Background(), internal.Event{Type: "email.delivered", Data: map[string]interface{}{}})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.Outcome != Ignored {
		t.Fatalf("expected ignored, got %s", result.Outcome)
	}
	if sender.calls != 0 {
		t.Fatalf("expected no outbound call, got %d", sender.calls)
	}
}

func TestHandleDeliversOnce(t *testing.T) {
	sender := &stubSender{}
	r := newTestRelay(t, Config{URL: " https://chat.example/hook "}, sender)

	result, err := r.Handle(context.Background(), bounceEvent())
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.Outcome != Delivered {
		t.Fatalf("expected delivered, got %s", result.Outcome)
	}
	if sender.calls != 1 {
		t.Fatalf("expected exactly one call, got %d", sender.calls)
	}
	if sender.urls[0] != "https://chat.example/hook" {
		t.Fatalf("unexpected url %q", sender.urls[0])
	}
	if string(sender.payloads[0]) != string(result.Payload) {
		t.Fatalf("expected sent payload to match result payload")
	}
	if result.Alert == nil || result.Alert.Reason != "hard" {
		t.Fatalf("expected rendered alert in result: %+v", result.Alert)
	}
	if !json.Valid(result.Payload) {
		t.Fatalf("expected valid json payload")
	}
}

func TestHandleMissingURL(t *testing.T) {
	sender := &stubSender{}
	r := newTestRelay(t, Config{URL: "   "}, sender)

	_, err := r.Handle(context.Background(), bounceEvent())
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %T", err)
	}
	if sender.calls != 0 {
		t.Fatalf("expected no outbound call, got %d", sender.calls)
	}
}

func TestHandleMissingURLForIgnoredEvent(t *testing.T) {
	r := newTestRelay(t, Config{}, nil)
	result, err := r.Handle(context.Background(), internal.Event{Type: "email.sent"})
	if err != nil || result.Outcome != Ignored {
		t.Fatalf("expected ignored without error, got %s/%v", result.Outcome, err)
	}
}

func TestHandleMuted(t *testing.T) {
	sender := &stubSender{}
	muter := muterFunc(func(event internal.Event) (string, bool) {
		return "test-inbox", event.Data["subject"] == "Hi"
	})
	r := newTestRelay(t, Config{URL: "https://chat.example/hook"}, sender, WithMuter(muter))

	result, err := r.Handle(context.Background(), bounceEvent())
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.Outcome != Muted || result.MuteRule != "test-inbox" {
		t.Fatalf("expected muted by test-inbox, got %s/%q", result.Outcome, result.MuteRule)
	}
	if sender.calls != 0 {
		t.Fatalf("expected no outbound call, got %d", sender.calls)
	}
}

func TestHandleWithConfiguredMuteRules(t *testing.T) {
	rules, err := internal.NewMuteRules([]internal.MuteRule{
		{Name: "seed-list", When: `like($.to[0], "%@seed.example")`},
	}, internal.NewLogger("test"))
	if err != nil {
		t.Fatalf("mute rules: %v", err)
	}
	sender := &stubSender{}
	r := newTestRelay(t, Config{URL: "https://chat.example/hook"}, sender, WithMuter(rules))

	muted := bounceEvent()
	muted.Data["to"] = []interface{}{"inbox@seed.example"}
	result, err := r.Handle(context.Background(), muted)
	if err != nil || result.Outcome != Muted || result.MuteRule != "seed-list" {
		t.Fatalf("expected seed-list mute, got %s/%q/%v", result.Outcome, result.MuteRule, err)
	}

	result, err = r.Handle(context.Background(), bounceEvent())
	if err != nil || result.Outcome != Delivered {
		t.Fatalf("expected delivery for other recipients, got %s/%v", result.Outcome, err)
	}
	if sender.calls != 1 {
		t.Fatalf("expected one call, got %d", sender.calls)
	}
}

func TestHandleDeliveryFailure(t *testing.T) {
	sender := &stubSender{err: &StatusError{StatusCode: http.StatusBadRequest, Status: "400 Bad Request"}}
	r := newTestRelay(t, Config{URL: "https://chat.example/hook"}, sender)

	result, err := r.Handle(context.Background(), bounceEvent())
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("expected ErrDelivery, got %v", err)
	}
	var deliveryErr *DeliveryError
	if !errors.As(err, &deliveryErr) || deliveryErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected delivery error with status 400, got %v", err)
	}
	if result.Outcome == Delivered {
		t.Fatalf("expected failed delivery not to report delivered")
	}
	if sender.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", sender.calls)
	}
}

func TestHandleTransportFailure(t *testing.T) {
	sender := &stubSender{err: errors.New("connection refused")}
	r := newTestRelay(t, Config{URL: "https://chat.example/hook"}, sender)

	_, err := r.Handle(context.Background(), bounceEvent())
	var deliveryErr *DeliveryError
	if !errors.As(err, &deliveryErr) {
		t.Fatalf("expected delivery error, got %v", err)
	}
	if deliveryErr.StatusCode != 0 {
		t.Fatalf("expected no status code for transport errors, got %d", deliveryErr.StatusCode)
	}
}

func TestHTTPSenderPostsJSON(t *testing.T) {
	var (
		mu          sync.Mutex
		requests    int
		contentType string
		method      string
		body        []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		requests++
		contentType = r.Header.Get("Content-Type")
		method = r.Method
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sender, err := NewHTTPSender(server.Client(), time.Second)
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	defer sender.Close()

	if err := sender.Send(context.Background(), server.URL, []byte(`{"content":"hi"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if requests != 1 || method != http.MethodPost {
		t.Fatalf("expected one POST, got %d %s", requests, method)
	}
	if contentType != "application/json" {
		t.Fatalf("unexpected content type %q", contentType)
	}
	if string(body) != `{"content":"hi"}` {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestHTTPSenderNon2xx(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusBadRequest, http.StatusFound} {
		var hits int
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits++
			if status == http.StatusFound {
				w.Header().Set("Location", "/elsewhere")
			}
			w.WriteHeader(status)
		}))

		sender, err := NewHTTPSender(server.Client(), time.Second)
		if err != nil {
			server.Close()
			t.Fatalf("new sender: %v", err)
		}
		r := newTestRelay(t, Config{URL: server.URL}, sender)
		_, err = r.Handle(context.Background(), bounceEvent())
		_ = sender.Close()
		server.Close()

		var deliveryErr *DeliveryError
		if !errors.As(err, &deliveryErr) {
			t.Fatalf("status %d: expected delivery error, got %v", status, err)
		}
		if deliveryErr.StatusCode != status {
			t.Fatalf("status %d: expected status on error, got %d", status, deliveryErr.StatusCode)
		}
		if hits != 1 {
			t.Fatalf("status %d: expected one request, got %d", status, hits)
		}
	}
}

func TestHTTPSenderUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	sender, err := NewHTTPSender(nil, time.Second)
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	defer sender.Close()
	if err := sender.Send(context.Background(), url, []byte(`{}`)); err == nil {
		t.Fatalf("expected error for closed server")
	}
}
