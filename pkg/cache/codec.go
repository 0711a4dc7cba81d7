package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/golang/snappy"
)

const headerLen = 16

var errShortValue = errors.New("packed entry is too short")

// Pack serializes e as [8B stored unix nano][8B ttl seconds][snappy payload].
// The key is not included; backends store it alongside.
func Pack(e *Entry) []byte {
	b := make([]byte, headerLen, headerLen+snappy.MaxEncodedLen(len(e.Payload)))
	binary.BigEndian.PutUint64(b[:8], uint64(e.StoredAt.UnixNano()))
	binary.BigEndian.PutUint64(b[8:16], uint64(e.TTLSeconds))
	enc := snappy.Encode(b[headerLen:cap(b)], e.Payload)
	return b[:headerLen+len(enc)]
}

// Unpack is the inverse of Pack.
func Unpack(key string, b []byte) (*Entry, error) {
	if len(b) < headerLen {
		return nil, errShortValue
	}
	payload, err := snappy.Decode(nil, b[headerLen:])
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return &Entry{
		Key:        key,
		Payload:    payload,
		StoredAt:   time.Unix(0, int64(binary.BigEndian.Uint64(b[:8]))),
		TTLSeconds: int64(binary.BigEndian.Uint64(b[8:16])),
	}, nil
}

// CompressPayload and DecompressPayload are used by backends that keep the
// entry metadata in their own columns.
func CompressPayload(p []byte) []byte {
	return snappy.Encode(nil, p)
}

func DecompressPayload(b []byte) ([]byte, error) {
	return snappy.Decode(nil, b)
}
