package realtime

import (
	"encoding/json"
	"strings"
	"time"

	"paychat/payment"
)

// Event names carried in Envelope.Event.
const (
	EventSubmit  = "submit_message"
	EventAck     = "ack"
	EventMessage = "message"
	EventError   = "error"
)

// Generic texts sent to clients. Details stay in the server log.
const (
	msgProcessingFailed = "Failed to process message"
	msgRateLimited      = "Too many messages, slow down"
	msgBadRequest       = "Malformed request"
)

// Envelope frames every websocket message. ID correlates a submit with its ack.
type Envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SubmitPayload is the body of a submit_message event. UsedSol is accepted from older
// clients that predate PaymentKind.
type SubmitPayload struct {
	Sender               string `json:"sender"`
	Content              string `json:"content"`
	TransactionSignature string `json:"transactionSignature"`
	PaymentKind          string `json:"paymentKind,omitempty"`
	UsedSol              *bool  `json:"usedSol,omitempty"`
}

// Kind resolves the payment kind, preferring the explicit field.
func (p SubmitPayload) Kind() payment.Kind {
	if kind := strings.ToLower(strings.TrimSpace(p.PaymentKind)); kind != "" {
		return payment.Kind(kind)
	}
	if p.UsedSol != nil && !*p.UsedSol {
		return payment.KindToken
	}
	return payment.KindNative
}

// AckPayload answers a submit.
type AckPayload struct {
	Success bool `json:"success"`
}

// ErrorPayload reports a pipeline failure to the submitter.
type ErrorPayload struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func encode(event, id string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, ID: id, Data: raw})
}
