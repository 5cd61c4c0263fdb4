package codec

import (
	"bytes"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNestedMapsDecodeWithStringKeys(t *testing.T) {
	c := New()

	data, err := c.Marshal(map[string]any{
		"id":    "t1",
		"owner": map[string]any{"name": "ada"},
		"tags":  []any{"a", map[string]any{"k": "v"}},
	})
	require.NoError(t, err)

	var got any
	require.NoError(t, c.Unmarshal(data, &got))

	m, ok := got.(map[string]any)
	require.True(t, ok, "top level should be map[string]any, got %T", got)
	assert.IsType(t, map[string]any{}, m["owner"])

	tags, ok := m["tags"].([]any)
	require.True(t, ok)
	assert.IsType(t, map[string]any{}, tags[1])
}

func TestRawMessageDefersDecoding(t *testing.T) {
	c := New()

	data, err := c.Marshal(struct {
		ID     string `json:"id"`
		Result any    `json:"result"`
	}{ID: "1", Result: []any{"x", "y"}})
	require.NoError(t, err)

	var res struct {
		ID     string           `json:"id"`
		Result *cbor.RawMessage `json:"result"`
	}
	require.NoError(t, c.Unmarshal(data, &res))
	require.NotNil(t, res.Result)

	var items []string
	require.NoError(t, c.Unmarshal(*res.Result, &items))
	assert.Equal(t, []string{"x", "y"}, items)
}

func TestStreamingEncoderDecoder(t *testing.T) {
	c := New()
	var buf bytes.Buffer

	enc := c.NewEncoder(&buf)
	require.NoError(t, enc.Encode("one"))
	require.NoError(t, enc.Encode("two"))

	dec := c.NewDecoder(&buf)
	var a, b string
	require.NoError(t, dec.Decode(&a))
	require.NoError(t, dec.Decode(&b))
	assert.Equal(t, "one", a)
	assert.Equal(t, "two", b)
}

func TestNonStringKeysAreRejected(t *testing.T) {
	c := New()

	data, err := cbor.Marshal(map[int]string{1: "x"})
	require.NoError(t, err)

	var got any
	assert.Error(t, c.Unmarshal(data, &got))
}
