package lens

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZstdCompress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{"nil_input", nil},
		{"ascii_text", []byte("for i in range(3):\n    x = i * 2\nprint(x)\n")},
		{"binary_data", []byte{0x00, 0xFF, 0x10, 0x20, 0x7F}},
		{"repetitive", bytes.Repeat([]byte(`{"type":"int","value":1,"preview":"1"}`), 512)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			compressed := ZstdCompress(nil, tt.input)
			out, err := ZstdDecompress(nil, compressed)
			require.NoError(t, err)
			assert.Equal(t, len(tt.input), len(out))
			if len(tt.input) > 0 {
				assert.Equal(t, tt.input, out)
			}
		})
	}

	t.Run("appends_to_dst", func(t *testing.T) {
		t.Parallel()

		prefix := []byte("hdr")
		compressed := ZstdCompress(append([]byte(nil), prefix...), []byte("payload"))
		require.True(t, bytes.HasPrefix(compressed, prefix))

		out, err := ZstdDecompress([]byte("x"), compressed[len(prefix):])
		require.NoError(t, err)
		assert.Equal(t, "xpayload", string(out))
	})

	t.Run("shrinks_repetitive", func(t *testing.T) {
		t.Parallel()

		input := bytes.Repeat([]byte("step"), 4096)
		assert.Less(t, len(ZstdCompress(nil, input)), len(input)/10)
	})
}

func TestZstdDecompressError(t *testing.T) {
	t.Parallel()

	invalid := []byte{0x42, 0x43, 0x44}
	_, err := ZstdDecompress(nil, invalid)
	require.Error(t, err)
}
