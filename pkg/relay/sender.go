package relay

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Sender performs one POST of an encoded alert to url.
type Sender interface {
	Send(ctx context.Context, url string, payload []byte) error
}

// HTTPSender posts alerts through a watermill HTTP publisher, using the
// webhook URL as the topic. It makes exactly one attempt per Send.
type HTTPSender struct {
	publisher *wmhttp.Publisher
}

// NewHTTPSender builds a sender whose requests are bounded by timeout.
// A nil client gets a default one.
func NewHTTPSender(client *http.Client, timeout time.Duration) (*HTTPSender, error) {
	if client == nil {
		client = &http.Client{}
	}
	guarded := *client
	guarded.Transport = statusGuard{next: transportOf(client)}
	if timeout > 0 {
		guarded.Timeout = timeout
	}

	pub, err := wmhttp.NewPublisher(wmhttp.PublisherConfig{
		MarshalMessageFunc: marshalAlertRequest,
		Client:             &guarded,
	}, watermill.NewStdLogger(false, false))
	if err != nil {
		return nil, err
	}
	return &HTTPSender{publisher: pub}, nil
}

func (s *HTTPSender) Send(ctx context.Context, url string, payload []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	return s.publisher.Publish(url, msg)
}

func (s *HTTPSender) Close() error {
	return s.publisher.Close()
}

func marshalAlertRequest(url string, msg *message.Message) (*http.Request, error) {
	req, err := http.NewRequestWithContext(msg.Context(), http.MethodPost, url, bytes.NewReader(msg.Payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mailhooks")
	return req, nil
}

func transportOf(client *http.Client) http.RoundTripper {
	if client.Transport != nil {
		return client.Transport
	}
	return http.DefaultTransport
}

// statusGuard turns any response outside 2xx into a StatusError so that
// redirects and informational codes are not mistaken for delivery.
type statusGuard struct {
	next http.RoundTripper
}

func (g statusGuard) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := g.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return resp, nil
}
