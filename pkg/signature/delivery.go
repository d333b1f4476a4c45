package signature

import (
	"net/http"
	"strings"
)

// Header names used by Svix-signed deliveries.
const (
	HeaderID        = "svix-id"
	HeaderTimestamp = "svix-timestamp"
	HeaderSignature = "svix-signature"
)

// Standard Webhooks names for the same scheme.
const (
	altHeaderID        = "webhook-id"
	altHeaderTimestamp = "webhook-timestamp"
	altHeaderSignature = "webhook-signature"
)

// Delivery is one inbound webhook request as it arrived on the wire.
type Delivery struct {
	ID        string
	Timestamp string
	Signature string
	// Body is the exact request body. It is the signed content and must not be re-encoded.
	Body []byte
}

// DeliveryFromRequest collects the signature headers and the raw body.
func DeliveryFromRequest(header http.Header, body []byte) Delivery {
	return Delivery{
		ID:        headerValue(header, HeaderID, altHeaderID),
		Timestamp: headerValue(header, HeaderTimestamp, altHeaderTimestamp),
		Signature: headerValue(header, HeaderSignature, altHeaderSignature),
		Body:      body,
	}
}

func headerValue(header http.Header, names ...string) string {
	for _, name := range names {
		if value := strings.TrimSpace(header.Get(name)); value != "" {
			return value
		}
	}
	return ""
}

func (d Delivery) complete() bool {
	return strings.TrimSpace(d.ID) != "" &&
		strings.TrimSpace(d.Timestamp) != "" &&
		strings.TrimSpace(d.Signature) != ""
}

// header rebuilds the canonical signature headers for d.
func (d Delivery) header() http.Header {
	h := make(http.Header, 3)
	h.Set(HeaderID, d.ID)
	h.Set(HeaderTimestamp, d.Timestamp)
	h.Set(HeaderSignature, d.Signature)
	return h
}
