package internal

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// stubPublisher is a watermill publisher recording what it receives.
type stubPublisher struct {
	published    int
	lastTopic    string
	lastPayload  []byte
	lastMetadata message.Metadata
	err          error
}

func (s *stubPublisher) Publish(topic string, msgs ...*message.Message) error {
	if s.err != nil {
		return s.err
	}
	s.published += len(msgs)
	s.lastTopic = topic
	if len(msgs) > 0 {
		s.lastPayload = append([]byte(nil), msgs[0].Payload...)
		s.lastMetadata = msgs[0].Metadata
	}
	return nil
}

func (s *stubPublisher) Close() error {
	return nil
}

func withDriver(t *testing.T, name string, factory PublisherFactory) {
	t.Helper()
	orig, had := publisherFactories[name]
	RegisterPublisherDriver(name, factory)
	t.Cleanup(func() {
		if had {
			publisherFactories[name] = orig
		} else {
			delete(publisherFactories, name)
		}
	})
}

// TestRegisterPublisherDriver tests that a custom driver is built and closed.
func TestRegisterPublisherDriver(t *testing.T) {
	stub := &stubPublisher{}
	closed := false
	withDriver(t, "custom", func(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
		return stub, func() error { closed = true; return nil }, nil
	})

	pub, err := NewPublisher(WatermillConfig{Drivers: []string{"custom"}}, nil)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}

	if err := pub.Publish(context.Background(), "mailhooks.alerts", Envelope{EventType: "email.bounced"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if stub.published != 1 || stub.lastTopic != "mailhooks.alerts" {
		t.Fatalf("expected publish to mailhooks.alerts once, got %d to %q", stub.published, stub.lastTopic)
	}

	if err := pub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !closed {
		t.Fatalf("expected custom close to be called")
	}
}

// TestMultipleDrivers tests that every configured driver receives the alert.
func TestMultipleDrivers(t *testing.T) {
	a := &stubPublisher{}
	b := &stubPublisher{}
	withDriver(t, "multi-a", func(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
		return a, nil, nil
	})
	withDriver(t, "multi-b", func(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
		return b, nil, nil
	})

	pub, err := NewPublisher(WatermillConfig{Drivers: []string{"multi-a", "MULTI-B"}}, nil)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	if err := pub.Publish(context.Background(), "multi.topic", Envelope{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if a.published != 1 || b.published != 1 {
		t.Fatalf("expected publish to both drivers, got a=%d b=%d", a.published, b.published)
	}
}

// TestPublishSetsPayloadAndMetadata ensures the rendered alert and ids are forwarded.
func TestPublishSetsPayloadAndMetadata(t *testing.T) {
	stub := &stubPublisher{}
	withDriver(t, "payload", func(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
		return stub, nil, nil
	})

	pub, err := NewPublisher(WatermillConfig{Drivers: []string{"payload"}}, nil)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}

	raw := []byte(`{"embeds":[]}`)
	env := Envelope{
		EventID:   "msg_123",
		EventType: "email.failed",
		RequestID: "req-123",
		Payload:   raw,
	}
	if err := pub.Publish(context.Background(), "payload.topic", env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if string(stub.lastPayload) != string(raw) {
		t.Fatalf("expected alert payload to be forwarded")
	}
	if stub.lastMetadata.Get("event") != "email.failed" {
		t.Fatalf("expected event metadata")
	}
	if stub.lastMetadata.Get("event_id") != "msg_123" {
		t.Fatalf("expected event_id metadata")
	}
	if stub.lastMetadata.Get("request_id") != "req-123" {
		t.Fatalf("expected request_id metadata")
	}
}

// TestPublishJoinsDriverErrors tests that one failing driver does not hide others.
func TestPublishJoinsDriverErrors(t *testing.T) {
	boom := errors.New("broker down")
	bad := &stubPublisher{err: boom}
	good := &stubPublisher{}
	withDriver(t, "bad", func(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
		return bad, nil, nil
	})
	withDriver(t, "good", func(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
		return good, nil, nil
	})

	pub, err := NewPublisher(WatermillConfig{Drivers: []string{"bad", "good"}}, nil)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	err = pub.Publish(context.Background(), "topic", Envelope{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected broker error, got %v", err)
	}
	if good.published != 1 {
		t.Fatalf("expected healthy driver to still publish")
	}
}

// TestNewPublisherNoDrivers tests that an empty driver list is a no-op bus.
func TestNewPublisherNoDrivers(t *testing.T) {
	pub, err := NewPublisher(WatermillConfig{}, nil)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	if err := pub.Publish(context.Background(), "topic", Envelope{}); err != nil {
		t.Fatalf("noop publish: %v", err)
	}
}

// TestNewPublisherUnknownDriver tests that typos in driver names fail fast.
func TestNewPublisherUnknownDriver(t *testing.T) {
	if _, err := NewPublisher(WatermillConfig{Drivers: []string{"carrier-pigeon"}}, nil); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

// TestNewPublisherGoChannel tests the built-in in-process driver end to end.
func TestNewPublisherGoChannel(t *testing.T) {
	cfg := WatermillConfig{Drivers: []string{"gochannel"}}
	cfg.GoChannel.OutputChannelBuffer = 1
	pub, err := NewPublisher(cfg, nil)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer pub.Close()
	if err := pub.Publish(context.Background(), "mailhooks.alerts", Envelope{Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

// TestNewPublisherHTTP tests that the http driver posts alerts to base_url/<topic>.
func TestNewPublisherHTTP(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		body  []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.URL.Path)
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	cfg := WatermillConfig{Drivers: []string{"http"}}
	cfg.HTTP.BaseURL = server.URL + "/"
	pub, err := NewPublisher(cfg, nil)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer pub.Close()

	if err := pub.Publish(context.Background(), "mailhooks.alerts", Envelope{EventID: "msg_1", Payload: []byte(`{"embeds":[]}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 1 || paths[0] != "/mailhooks.alerts" {
		t.Fatalf("expected one post to /mailhooks.alerts, got %v", paths)
	}
	if string(body) != `{"embeds":[]}` {
		t.Fatalf("unexpected body %q", body)
	}
}

// TestNewPublisherSkipsBrokenDriver tests that a driver failing every build is skipped.
func TestNewPublisherSkipsBrokenDriver(t *testing.T) {
	origAttempts, origDelay := buildAttempts, buildDelay
	buildAttempts, buildDelay = 2, 0
	t.Cleanup(func() { buildAttempts, buildDelay = origAttempts, origDelay })

	builds := 0
	withDriver(t, "flaky", func(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
		builds++
		return nil, nil, errors.New("connection refused")
	})
	stub := &stubPublisher{}
	withDriver(t, "steady", func(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
		return stub, nil, nil
	})

	pub, err := NewPublisher(WatermillConfig{Drivers: []string{"flaky", "steady"}}, nil)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	if builds != 2 {
		t.Fatalf("expected two build attempts, got %d", builds)
	}
	if err := pub.Publish(context.Background(), "topic", Envelope{}); err != nil || stub.published != 1 {
		t.Fatalf("expected remaining driver to publish, got %v/%d", err, stub.published)
	}

	if _, err := NewPublisher(WatermillConfig{Drivers: []string{"flaky"}}, nil); err == nil {
		t.Fatalf("expected error when no driver could be built")
	}
}

// TestAMQPConfigFromMode tests that unknown amqp modes are rejected.
func TestAMQPConfigFromMode(t *testing.T) {
	if _, err := amqpConfigFromMode("amqp://localhost", "durable_queue"); err != nil {
		t.Fatalf("expected durable_queue to be supported: %v", err)
	}
	if _, err := amqpConfigFromMode("amqp://localhost", "fanout"); err == nil {
		t.Fatalf("expected unsupported mode error")
	}
}
