package mail

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBodyCodec(t *testing.T) {
	t.Run("roundTrip", func(t *testing.T) {
		body := bytes.Repeat([]byte("Subject: hello\r\n\r\nbody text "), 64)
		compressed := CompressBody(body)
		assert.Less(t, len(compressed), len(body))

		decoded, err := DecompressBody(compressed)
		assert.NoError(t, err)
		assert.Equal(t, body, decoded)
	})

	t.Run("incompressibleFallsBackToRaw", func(t *testing.T) {
		body := make([]byte, 256)
		_, err := rand.Read(body)
		assert.NoError(t, err)

		compressed := CompressBody(body)
		decoded, err := DecompressBody(compressed)
		assert.NoError(t, err)
		assert.Equal(t, body, decoded)
	})

	t.Run("empty", func(t *testing.T) {
		decoded, err := DecompressBody(CompressBody(nil))
		assert.NoError(t, err)
		assert.Empty(t, decoded)
	})

	t.Run("rejectsGarbage", func(t *testing.T) {
		_, err := DecompressBody([]byte{9, 0, 0, 0, 0, 1, 2})
		assert.Error(t, err)
		_, err = DecompressBody([]byte{1})
		assert.Error(t, err)
	})
}
