package lens

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// archive blobs are small and frequent, so a single encoder and decoder are shared, EncodeAll and DecodeAll are
// safe for concurrent use
var (
	zstdEncoder = sync.OnceValue(func() *zstd.Encoder {
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if err != nil {
			panic(err) // theoretically not possible
		}
		return encoder
	})
	zstdDecoder = sync.OnceValue(func() *zstd.Decoder {
		decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(256<<20))
		if err != nil {
			panic(err) // theoretically not possible
		}
		return decoder
	})
)

// ZstdCompress compresses a byte slice using zstd and returns the compressed data appended to dst.
func ZstdCompress(dst, data []byte) []byte {
	return zstdEncoder().EncodeAll(data, dst)
}

// ZstdDecompress decompresses a zstd-compressed byte slice and returns the original data appended to dst.
func ZstdDecompress(dst, data []byte) ([]byte, error) {
	return zstdDecoder().DecodeAll(data, dst)
}
