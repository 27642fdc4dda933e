package payload

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	in := bytes.Repeat([]byte(`{"name":"pod-a","namespace":"default"}`), 64)
	c := Compress(in)
	assert.Less(t, len(c), len(in))
	out, err := Decompress(c)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEmpty(t *testing.T) {
	out, err := Decompress(Compress(nil))
	require.NoError(t, err)
	assert.Equal(t, []byte{}, out)
}

func TestGarbage(t *testing.T) {
	_, err := Decompress([]byte("definitely not zstd"))
	assert.Error(t, err)
}
