package secure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_Reveal(t *testing.T) {
	buf := NewBufferFromString("hunter2")

	var got []byte
	err := buf.Reveal(func(plaintext []byte) error {
		got = append([]byte(nil), plaintext...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), got)
}

func TestBuffer_RevealRepeatable(t *testing.T) {
	buf := NewBufferFromString("hunter2")

	for range 3 {
		value, err := buf.String()
		require.NoError(t, err)
		assert.Equal(t, "hunter2", value)
	}
}

func TestBuffer_ConsumesInput(t *testing.T) {
	data := []byte("hunter2")
	buf := NewBuffer(data)

	// memguard wipes the source slice during sealing.
	assert.Equal(t, make([]byte, len(data)), data)

	value, err := buf.String()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", value)
}

func TestBuffer_Destroy(t *testing.T) {
	buf := NewBufferFromString("hunter2")

	buf.Destroy()
	buf.Destroy() // idempotent

	_, err := buf.String()
	assert.Error(t, err)
}

func TestZero(t *testing.T) {
	data := []byte{1, 2, 3}
	Zero(data)
	assert.Equal(t, []byte{0, 0, 0}, data)

	Zero(nil) // must not panic
}
