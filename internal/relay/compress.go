package relay

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// compressThreshold is the envelope size above which frames are zstd
// compressed. Chat and presence frames stay below it; document state
// and long pasted inserts usually do not.
const compressThreshold = 1024

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder

	errIncompressible = errors.New("relay: envelope does not compress")
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("relay: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))
	if err != nil {
		panic("relay: zstd decoder initialization failed: " + err.Error())
	}
}

func compressEnvelope(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressEnvelope(compressed []byte, size int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
	}
	return result, nil
}

// pack compresses f's envelope in place when that pays off.
func pack(f *Frame) {
	if len(f.Envelope) < compressThreshold {
		return
	}
	compressed, err := compressEnvelope(f.Envelope)
	if err != nil {
		return
	}
	f.Size = len(f.Envelope)
	f.Envelope = compressed
	f.Compressed = true
}

// unpack reverses pack.
func unpack(f *Frame) error {
	if !f.Compressed {
		return nil
	}
	data, err := decompressEnvelope(f.Envelope, f.Size)
	if err != nil {
		return err
	}
	f.Envelope = data
	f.Compressed = false
	f.Size = 0
	return nil
}
