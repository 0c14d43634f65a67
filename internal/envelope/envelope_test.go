package envelope

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type heartbeatPayload struct {
	NodeID string `json:"nodeId"`
	TPS    float64 `json:"tps"`
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := New("Heartbeat", "proxy-0-1", heartbeatPayload{NodeID: "backend-0-3", TPS: 19.8}, "corr-1")
	require.NoError(t, err)

	data, err := env.Marshal()
	require.NoError(t, err)

	parsed, err := Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, "Heartbeat", parsed.Type)
	assert.Equal(t, "proxy-0-1", parsed.SenderID)
	assert.Equal(t, "corr-1", parsed.CorrelationID)
	assert.False(t, parsed.Timestamp.IsZero())

	var payload heartbeatPayload
	require.NoError(t, json.Unmarshal(parsed.Payload, &payload))
	assert.Equal(t, "backend-0-3", payload.NodeID)
	assert.InDelta(t, 19.8, payload.TPS, 0.001)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte("not json"))
	assert.Error(t, err)
}

func TestAsTolerantTreeNeverFailsOnMalformedPayload(t *testing.T) {
	env := Envelope{Type: "Unknown", Payload: json.RawMessage(`{not valid`)}
	tree := env.AsTolerantTree()
	assert.Equal(t, "", tree.Get("anything").String())
}

func TestAsTolerantTreeNavigatesUnknownSchema(t *testing.T) {
	env := Envelope{Type: "Unknown", Payload: json.RawMessage(`{"nested":{"value":42}}`)}
	tree := env.AsTolerantTree()
	assert.Equal(t, int64(42), tree.Get("nested.value").Int())
}

func TestTypeRegistryDecodesRegisteredType(t *testing.T) {
	reg := NewTypeRegistry()
	reg.Register("Heartbeat", func(data []byte) (any, error) {
		var p heartbeatPayload
		err := json.Unmarshal(data, &p)
		return p, err
	})

	env, err := New("Heartbeat", "proxy-0-1", heartbeatPayload{NodeID: "x", TPS: 20}, "")
	require.NoError(t, err)

	value, ok := reg.Decode(env)
	require.True(t, ok)
	assert.Equal(t, "x", value.(heartbeatPayload).NodeID)
}

func TestTypeRegistryFallsBackWhenUnregistered(t *testing.T) {
	reg := NewTypeRegistry()
	env, err := New("Unknown", "sender", map[string]string{"a": "b"}, "")
	require.NoError(t, err)

	_, ok := reg.Decode(env)
	assert.False(t, ok)
}

func TestTypeRegistryFallsBackOnDecodeError(t *testing.T) {
	reg := NewTypeRegistry()
	reg.Register("Bad", func([]byte) (any, error) {
		return nil, errors.New("boom")
	})

	env, err := New("Bad", "sender", map[string]string{}, "")
	require.NoError(t, err)

	_, ok := reg.Decode(env)
	assert.False(t, ok)
}
