// Package envelope implements the Message Envelope & Type Registry (§4.A):
// typed payload framing with tolerant fallback decoding. Grounded on the
// teacher's pgnotify.Event wire shape (pkg/pgnotify/bus.go), generalized
// from a Postgres-specific envelope into the transport-agnostic one the
// spec requires, with the tolerant-tree fallback built on
// github.com/tidwall/gjson instead of a typed json.Unmarshal failure path.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Envelope is the self-describing wire format (§3, §4.A, §6).
type Envelope struct {
	Type          string          `json:"type"`
	SenderID      string          `json:"senderId"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// New builds an envelope around a typed payload, marshaling it to JSON.
func New(typeTag, senderID string, payload any, correlationID string) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: marshal payload: %w", err)
	}
	return Envelope{
		Type:          typeTag,
		SenderID:      senderID,
		Payload:       data,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}, nil
}

// Marshal serializes the envelope for transport.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses a wire-format envelope.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("envelope: unmarshal: %w", err)
	}
	return e, nil
}

// TolerantTree is the schema-tolerant fallback representation: a gjson
// result over the raw payload bytes, navigable by dotted path without a
// matching Go struct.
type TolerantTree struct {
	raw    []byte
	parsed gjson.Result
}

// AsTolerantTree parses the envelope payload as a generic key/value tree,
// never failing — an empty tree is returned for malformed JSON.
func (e Envelope) AsTolerantTree() TolerantTree {
	return TolerantTree{raw: e.Payload, parsed: gjson.ParseBytes(e.Payload)}
}

// Get looks up a dotted path in the tolerant tree.
func (t TolerantTree) Get(path string) gjson.Result {
	return t.parsed.Get(path)
}

// Map returns the tree's top-level fields, useful for logging unknown
// payload shapes without panicking.
func (t TolerantTree) Map() map[string]gjson.Result {
	return t.parsed.Map()
}

// Raw returns the tree's original bytes.
func (t TolerantTree) Raw() []byte {
	return t.raw
}

// TypeRegistry decodes envelope payloads into typed values. Decode reports
// ok=false when the type tag is not registered or the payload does not
// decode; the caller then reads the payload through AsTolerantTree.
// Decoding never panics and never returns a fatal error to the caller
// (§4.A "Failure semantics").
type TypeRegistry struct {
	schemas map[string]func([]byte) (any, error)
}

// NewTypeRegistry constructs an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{schemas: make(map[string]func([]byte) (any, error))}
}

// Register associates a type tag with a decode function that parses the
// raw payload into the concrete Go type for that tag. The decode function
// should use json.Unmarshal directly — unknown fields are ignored by the
// standard decoder, matching the spec's "ignores unknown fields" contract.
func (r *TypeRegistry) Register(typeTag string, decode func([]byte) (any, error)) {
	r.schemas[typeTag] = decode
}

// Decode resolves the envelope's typed value via its registered schema. If
// no schema is registered, or decoding fails, it returns ok=false and the
// caller should fall back to AsTolerantTree.
func (r *TypeRegistry) Decode(e Envelope) (value any, ok bool) {
	decode, registered := r.schemas[e.Type]
	if !registered {
		return nil, false
	}
	v, err := decode(e.Payload)
	if err != nil {
		return nil, false
	}
	return v, true
}
