package mediatx

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Kind is the role of an envelope on the wire.
type Kind string

const (
	KindRequest      Kind = "request"
	KindNotification Kind = "notification"
	KindReply        Kind = "reply"
)

// Status is the outcome carried by a reply envelope.
type Status string

const (
	StatusOK    Status = "success"
	StatusError Status = "error"
)

// Envelope is the wire format exchanged over a Transport. The payload is the
// JSON encoding of the message or response.
type Envelope struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	ReplyTo       string          `json:"reply_to,omitempty"`
	Origin        string          `json:"origin,omitempty"`
	Status        Status          `json:"status,omitempty"`
	Error         *ErrorDetail    `json:"error,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ErrorDetail describes a failure on the worker side of a request.
type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEnvelope creates an envelope with a fresh id and the current time.
func NewEnvelope(kind Kind, typ string) *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		Kind:      kind,
		Type:      typ,
		Timestamp: time.Now().UTC(),
	}
}

// Marshal encodes the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", e.ID, err)
	}
	return raw, nil
}

// DecodeEnvelope parses an envelope received from a Transport.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// Reply builds the reply envelope for a request envelope.
func (e *Envelope) Reply(origin string) *Envelope {
	rep := NewEnvelope(KindReply, e.Type)
	rep.CorrelationID = e.CorrelationID
	rep.Origin = origin
	return rep
}

// remoteError converts an error reply to the caller-side error.
func (e *Envelope) remoteError() *RemoteError {
	if e.Error == nil {
		return &RemoteError{Message: e.Type, Detail: "error reply without detail"}
	}
	return &RemoteError{
		Message: e.Type,
		Type:    e.Error.Type,
		Code:    e.Error.Code,
		Detail:  e.Error.Message,
	}
}
