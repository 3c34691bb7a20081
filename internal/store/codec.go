package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Compression tags stored next to compressed columns. Changing them breaks
// existing rows.
const (
	compressionNone = "none"
	compressionZstd = "zstd"
)

// Text shorter than this is stored raw; zstd framing would outweigh the gain.
const compressMinBytes = 256

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

func encodeEntry(entry Entry) ([]byte, error) {
	data, err := encMode.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode entry %d: %w", entry.Sequence, err)
	}
	return data, nil
}

func decodeEntry(data []byte) (Entry, error) {
	var entry Entry
	if err := decMode.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	return entry, nil
}

func compressText(text string) ([]byte, string) {
	if len(text) < compressMinBytes {
		return []byte(text), compressionNone
	}
	return zstdEncoder.EncodeAll([]byte(text), nil), compressionZstd
}

func decompressText(data []byte, tag string) (string, error) {
	switch tag {
	case "", compressionNone:
		return string(data), nil
	case compressionZstd:
		raw, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return "", fmt.Errorf("decompress column: %w", err)
		}
		return string(raw), nil
	default:
		return "", fmt.Errorf("unknown compression tag %q", tag)
	}
}
