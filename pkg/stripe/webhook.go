package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Webhook event types the payment flow consumes.
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventCheckoutExpired   = "checkout.session.expired"
	EventPaymentFailed     = "checkout.session.async_payment_failed"
)

// DefaultSignatureTolerance bounds the age of a signed payload.
const DefaultSignatureTolerance = 5 * time.Minute

// ErrInvalidSignature is returned when webhook signature verification
// fails for any reason.
var ErrInvalidSignature = eris.New("stripe: invalid webhook signature")

// Event is a Stripe webhook event envelope.
type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Created int64     `json:"created"`
	Data    EventData `json:"data"`
}

// EventData wraps the event's object payload.
type EventData struct {
	Object json.RawMessage `json:"object"`
}

// Session decodes the event object as a checkout session.
func (e *Event) Session() (*CheckoutSession, error) {
	var s CheckoutSession
	if err := json.Unmarshal(e.Data.Object, &s); err != nil {
		return nil, eris.Wrap(err, "stripe: decode event session")
	}
	return &s, nil
}

// ConstructEvent verifies the Stripe-Signature header against the raw
// payload and decodes the event. The header carries a timestamp and one
// or more v1 HMAC-SHA256 signatures over "<timestamp>.<payload>".
func ConstructEvent(payload []byte, sigHeader, secret string) (*Event, error) {
	return constructEventAt(payload, sigHeader, secret, DefaultSignatureTolerance, time.Now())
}

func constructEventAt(payload []byte, sigHeader, secret string, tolerance time.Duration, now time.Time) (*Event, error) {
	ts, sigs, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return nil, err
	}

	if tolerance > 0 {
		age := now.Sub(time.Unix(ts, 0))
		if age > tolerance || age < -tolerance {
			return nil, eris.Wrapf(ErrInvalidSignature, "timestamp outside tolerance (%s)", age)
		}
	}

	expected := computeSignature(ts, payload, secret)
	ok := false
	for _, sig := range sigs {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			ok = true
			break
		}
	}
	if !ok {
		return nil, eris.Wrap(ErrInvalidSignature, "no matching v1 signature")
	}

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, eris.Wrap(err, "stripe: decode event")
	}
	return &event, nil
}

// SignPayload produces a Stripe-Signature header value for the payload.
// Used by tests and the reconciliation tooling.
func SignPayload(payload []byte, secret string, at time.Time) string {
	ts := at.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, computeSignature(ts, payload, secret))
}

func computeSignature(ts int64, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (int64, []string, error) {
	if header == "" {
		return 0, nil, eris.Wrap(ErrInvalidSignature, "missing header")
	}

	var ts int64 = -1
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, nil, eris.Wrap(ErrInvalidSignature, "bad timestamp")
			}
			ts = parsed
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts < 0 || len(sigs) == 0 {
		return 0, nil, eris.Wrap(ErrInvalidSignature, "malformed header")
	}
	return ts, sigs, nil
}
