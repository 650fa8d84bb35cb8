package mediatx

import (
	"errors"

	"github.com/tidwall/gjson"
)

// ErrInvalidJSON is returned when received bytes are not valid JSON.
var ErrInvalidJSON = errors.New("invalid JSON")

// Inspector gives the receiver field access to raw envelopes so it can
// classify and address them before, or without, decoding the payload.
type Inspector interface {
	Inspect(raw []byte) (View, error)
}

// View reads fields of one received envelope.
type View interface {
	// HasField reports whether path exists.
	HasField(path string) bool

	// GetString returns the string at path. It reports false when the path
	// is missing or holds another JSON type.
	GetString(path string) (string, bool)

	// GetBytes returns the raw JSON value at path, quotes included.
	GetBytes(path string) ([]byte, bool)

	// Header returns the routing fields of the envelope.
	Header() Header
}

// Header holds the routing fields of an envelope. Missing or non-string
// fields are empty.
type Header struct {
	Kind          Kind
	Type          string
	CorrelationID string
	ReplyTo       string
	Origin        string
}

// Envelope returns a payload-less envelope addressed like h, used to answer
// a request whose body does not decode.
func (h Header) Envelope() *Envelope {
	return &Envelope{
		Kind:          h.Kind,
		Type:          h.Type,
		CorrelationID: h.CorrelationID,
		ReplyTo:       h.ReplyTo,
		Origin:        h.Origin,
	}
}

// JSONInspector returns the gjson-backed Inspector used for envelopes.
func JSONInspector() Inspector {
	return jsonInspector{}
}

type jsonInspector struct{}

func (jsonInspector) Inspect(raw []byte) (View, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrInvalidJSON
	}
	return jsonView(raw), nil
}

type jsonView []byte

func (v jsonView) HasField(path string) bool {
	return gjson.GetBytes(v, path).Exists()
}

func (v jsonView) GetString(path string) (string, bool) {
	return str(gjson.GetBytes(v, path))
}

func (v jsonView) GetBytes(path string) ([]byte, bool) {
	r := gjson.GetBytes(v, path)
	if !r.Exists() {
		return nil, false
	}
	return []byte(r.Raw), true
}

func (v jsonView) Header() Header {
	rs := gjson.GetManyBytes(v, "kind", "type", "correlation_id", "reply_to", "origin")
	kind, _ := str(rs[0])
	typ, _ := str(rs[1])
	id, _ := str(rs[2])
	replyTo, _ := str(rs[3])
	origin, _ := str(rs[4])
	return Header{
		Kind:          Kind(kind),
		Type:          typ,
		CorrelationID: id,
		ReplyTo:       replyTo,
		Origin:        origin,
	}
}

func str(r gjson.Result) (string, bool) {
	if r.Type != gjson.String {
		return "", false
	}
	return r.Str, true
}
