package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"lsmkv/pkg/config"
)

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

// initZstd creates the process wide codec pair. EncodeAll and DecodeAll are
// safe for concurrent use.
func initZstd() error {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdErr
}

func blockTypeFor(c config.Compression) blockType {
	switch c {
	case config.CompressionSnappy:
		return blockSnappy
	case config.CompressionZstd:
		return blockZstd
	default:
		return blockNone
	}
}

// encodeBlock compresses raw with t and appends the block trailer. The block
// is stored uncompressed if compression saves less than an eighth.
func encodeBlock(dst, raw []byte, t blockType) ([]byte, error) {
	payload := raw

	switch t {
	case blockSnappy:
		payload = snappy.Encode(nil, raw)
	case blockZstd:
		if err := initZstd(); err != nil {
			return nil, err
		}
		payload = zstdEncoder.EncodeAll(raw, nil)
	}

	if t != blockNone && len(payload) >= len(raw)-len(raw)/8 {
		payload, t = raw, blockNone
	}

	start := len(dst)
	dst = append(dst, payload...)
	dst = append(dst, byte(t))
	return binary.LittleEndian.AppendUint32(dst, crc32.Checksum(dst[start:], crcTable)), nil
}

// decodeBlock verifies the trailer of b and returns the uncompressed payload.
func decodeBlock(b []byte) ([]byte, error) {
	if len(b) < blockTrailerSize {
		return nil, errors.New("block too short")
	}

	n := len(b) - 4
	if binary.LittleEndian.Uint32(b[n:]) != crc32.Checksum(b[:n], crcTable) {
		return nil, errors.New("block checksum mismatch")
	}

	payload, t := b[:n-1], blockType(b[n-1])
	switch t {
	case blockNone:
		return payload, nil
	case blockSnappy:
		return snappy.Decode(nil, payload)
	case blockZstd:
		if err := initZstd(); err != nil {
			return nil, err
		}
		return zstdDecoder.DecodeAll(payload, nil)
	default:
		return nil, fmt.Errorf("unknown block compression %d", t)
	}
}
