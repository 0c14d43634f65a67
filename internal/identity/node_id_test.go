package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeIdentifierRoundTrip(t *testing.T) {
	id, err := New(KindBackend, 7, 1)
	require.NoError(t, err)

	parsed, err := Parse(id.String())
	require.NoError(t, err)
	assert.True(t, id.Equal(parsed))
	assert.Equal(t, id.String(), parsed.String())
}

func TestParseRejectsMalformedText(t *testing.T) {
	_, err := Parse("not-a-valid-identifier")
	assert.Error(t, err)
}

func TestParseRejectsUnknownKind(t *testing.T) {
	id, err := New(KindProxy, 1, 1)
	require.NoError(t, err)
	malformed := "ghost" + id.String()[len("proxy"):]
	_, err = Parse(malformed)
	assert.Error(t, err)
}

func TestValidateRejectsOutOfRangeInstance(t *testing.T) {
	id, err := New(KindProxy, 0, 1)
	require.NoError(t, err)
	id.InstanceID = maxInstance + 1
	assert.Error(t, id.Validate())
}

func TestLessOrdersByEpochThenUUIDThenInstance(t *testing.T) {
	a, err := New(KindProxy, 1, 1)
	require.NoError(t, err)
	b := a
	b.InstanceID = 2
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))

	c := a
	c.EpochMillis = a.EpochMillis + 1
	c.InstanceID = 0
	assert.True(t, a.Less(c))
}
