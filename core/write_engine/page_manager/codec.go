package pagemanager

import (
	"encoding/binary"
	"fmt"
)

// Codec is the serialize/deserialize pair a caller supplies when storing or
// loading a typed value through a transaction.
type Codec[T any] struct {
	Encode func(T) ([]byte, error)
	Decode func([]byte) (T, error)
}

// StringCodec stores a string as its raw bytes.
var StringCodec = Codec[string]{
	Encode: func(s string) ([]byte, error) { return []byte(s), nil },
	Decode: func(b []byte) (string, error) { return string(b), nil },
}

// BytesCodec stores a byte slice unchanged.
var BytesCodec = Codec[[]byte]{
	Encode: func(b []byte) ([]byte, error) { return b, nil },
	Decode: func(b []byte) ([]byte, error) {
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	},
}

// Uint64Codec stores a uint64 as 8 big endian bytes.
var Uint64Codec = Codec[uint64]{
	Encode: func(v uint64) ([]byte, error) {
		return binary.BigEndian.AppendUint64(nil, v), nil
	},
	Decode: func(b []byte) (uint64, error) {
		if len(b) != 8 {
			return 0, fmt.Errorf("%w: uint64 needs 8 bytes, got %d", ErrInvalidPageData, len(b))
		}
		return binary.BigEndian.Uint64(b), nil
	},
}
