package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"mailhooks/internal"
	"mailhooks/pkg/relay"
	"mailhooks/pkg/signature"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	provider        = "resend"
	requestIDHeader = "X-Request-Id"

	msgVerificationFailed = "Verification failed."
	msgNotConfigured      = "Alert destination not configured."
	msgForwardFailed      = "Error forwarding alert."
	msgDelivered          = "Webhook received and alert sent."

	defaultMirrorTimeout = 5 * time.Second
)

// Verifier authenticates a raw delivery and decodes its event.
type Verifier interface {
	Verify(d signature.Delivery) (internal.Event, error)
}

// Relay decides what to do with a verified event.
type Relay interface {
	Handle(ctx context.Context, event internal.Event) (relay.Result, error)
}

// ResendOptions tunes a ResendHandler.
type ResendOptions struct {
	// Topic receives a copy of every delivered alert. Empty disables mirroring.
	Topic string
	// MaxBodyBytes caps the request body. Zero or less means no cap.
	MaxBodyBytes int64
	// MirrorTimeout bounds each alert bus publish. Zero means 5s.
	MirrorTimeout time.Duration
	// DebugEvents logs verified payloads at debug level.
	DebugEvents bool
	Logger      *logrus.Entry
}

// ResendHandler is the inbound endpoint for Resend webhook deliveries.
type ResendHandler struct {
	verifier Verifier
	relay    Relay
	bus      internal.Publisher
	opts     ResendOptions
	logger   *logrus.Entry
	mirrors  sync.WaitGroup
}

func NewResendHandler(verifier Verifier, rel Relay, bus internal.Publisher, opts ResendOptions) (*ResendHandler, error) {
	if verifier == nil {
		return nil, errors.New("resend handler: verifier is required")
	}
	if rel == nil {
		return nil, errors.New("resend handler: relay is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = internal.NewLogger("webhook")
	}
	if opts.MirrorTimeout <= 0 {
		opts.MirrorTimeout = defaultMirrorTimeout
	}
	return &ResendHandler{verifier: verifier, relay: rel, bus: bus, opts: opts, logger: logger}, nil
}

func (h *ResendHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, requestID)
	logger := internal.WithRequestID(h.logger, requestID)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		internal.IncRequest(provider, "method_not_allowed")
		writeMessage(w, http.StatusMethodNotAllowed, "Method not allowed.")
		return
	}

	body, err := h.readBody(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.WithField("limit", tooLarge.Limit).Warn("request body too large")
			internal.IncRequest(provider, "too_large")
			writeMessage(w, http.StatusRequestEntityTooLarge, "Request body too large.")
			return
		}
		logger.WithError(err).Warn("read request body failed")
		internal.IncRequest(provider, "bad_request")
		writeMessage(w, http.StatusBadRequest, "Invalid request body.")
		return
	}

	event, err := h.verifier.Verify(signature.DeliveryFromRequest(r.Header, body))
	if err != nil {
		reason := signature.ReasonOf(err)
		entry := logger.WithError(err).WithField("reason", reason)
		if reason.Configuration() {
			entry.WithField("kind", "configuration").Error("webhook secret not configured")
		} else {
			entry.Warn("webhook verification failed")
		}
		internal.IncAuthFailure(string(reason))
		internal.IncRequest(provider, "unauthorized")
		writeMessage(w, http.StatusUnauthorized, msgVerificationFailed)
		return
	}

	logger = logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
	})
	if h.opts.DebugEvents {
		logger.WithField("payload", string(event.RawPayload)).Debug("verified event")
	}

	result, err := h.relay.Handle(r.Context(), event)
	if err != nil {
		h.handleRelayError(w, logger, err)
		return
	}

	switch result.Outcome {
	case relay.Ignored:
		logger.Debug("event ignored")
		internal.IncRequest(provider, "ignored")
		writeMessage(w, http.StatusOK, fmt.Sprintf("Event type %s ignored.", event.Type))
	case relay.Muted:
		logger.WithField("rule", result.MuteRule).Info("alert muted")
		internal.IncRequest(provider, "muted")
		writeMessage(w, http.StatusOK, fmt.Sprintf("Event type %s muted.", event.Type))
	default:
		logger.Info("alert sent")
		internal.IncRelayDelivery("delivered")
		internal.IncRequest(provider, "delivered")
		writeMessage(w, http.StatusOK, msgDelivered)
		h.mirror(r.Context(), logger, requestID, event, result.Payload)
	}
}

func (h *ResendHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	reader := io.Reader(r.Body)
	if h.opts.MaxBodyBytes > 0 {
		reader = http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)
	}
	return io.ReadAll(reader)
}

func (h *ResendHandler) handleRelayError(w http.ResponseWriter, logger *logrus.Entry, err error) {
	internal.IncRequest(provider, "error")
	if errors.Is(err, relay.ErrNotConfigured) {
		logger.WithError(err).WithField("kind", "configuration").Error("alert destination not configured")
		internal.IncRelayDelivery("not_configured")
		writeMessage(w, http.StatusInternalServerError, msgNotConfigured)
		return
	}

	entry := logger.WithError(err)
	var deliveryErr *relay.DeliveryError
	if errors.As(err, &deliveryErr) && deliveryErr.StatusCode != 0 {
		entry = entry.WithField("status", deliveryErr.StatusCode)
	}
	entry.Error("forward alert failed")
	internal.IncRelayDelivery("failed")
	writeMessage(w, http.StatusInternalServerError, msgForwardFailed)
}

// mirror copies a delivered alert to the alert bus in the background, after
// the response is written. Failures are logged only; the alert already
// reached its destination.
func (h *ResendHandler) mirror(ctx context.Context, logger *logrus.Entry, requestID string, event internal.Event, payload []byte) {
	if h.bus == nil || h.opts.Topic == "" {
		return
	}
	env := internal.Envelope{
		EventID:   event.ID,
		EventType: event.Type,
		RequestID: requestID,
		Payload:   payload,
	}
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.opts.MirrorTimeout)
	h.mirrors.Add(1)
	go func() {
		defer h.mirrors.Done()
		defer cancel()
		if err := h.bus.Publish(publishCtx, h.opts.Topic, env); err != nil {
			logger.WithError(err).WithField("topic", h.opts.Topic).Warn("alert bus publish failed")
		}
	}()
}

// Wait blocks until pending alert bus publishes finish or ctx is done.
func (h *ResendHandler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.mirrors.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type messageResponse struct {
	Message string `json:"message"`
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(messageResponse{Message: message})
}

// HealthHandler answers liveness probes.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
}
