package badger

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/nicktill/tinyapm/pkg/aggregate"
)

// Key kinds, the first byte of every key.
const (
	kindAggregate byte = 0x01
	kindProfile   byte = 0x02
	kindType      byte = 0x03
)

// Bucket key format: [kind (1)][type hash (8)][resolution (1)][capture time (8)]
const bucketKeyLen = 18

type parsedKey struct {
	kind        byte
	typeHash    uint64
	resolution  aggregate.Resolution
	captureTime time.Time
}

func resolutionByte(r aggregate.Resolution) byte {
	for i, res := range aggregate.Resolutions {
		if res == r {
			return byte(i + 1)
		}
	}
	return 0
}

func resolutionOf(b byte) (aggregate.Resolution, bool) {
	if b == 0 || int(b) > len(aggregate.Resolutions) {
		return "", false
	}
	return aggregate.Resolutions[b-1], true
}

// bucketKey creates a sortable key: kind + type hash + resolution + capture time
func bucketKey(kind byte, typ string, res aggregate.Resolution, captureTime time.Time) []byte {
	key := make([]byte, bucketKeyLen)
	key[0] = kind
	binary.BigEndian.PutUint64(key[1:9], xxhash.Sum64String(typ))
	key[9] = resolutionByte(res)
	binary.BigEndian.PutUint64(key[10:18], uint64(captureTime.UnixNano()))
	return key
}

func parseBucketKey(key []byte) (parsedKey, bool) {
	if len(key) != bucketKeyLen || (key[0] != kindAggregate && key[0] != kindProfile) {
		return parsedKey{}, false
	}
	res, ok := resolutionOf(key[9])
	if !ok {
		return parsedKey{}, false
	}
	return parsedKey{
		kind:        key[0],
		typeHash:    binary.BigEndian.Uint64(key[1:9]),
		resolution:  res,
		captureTime: time.Unix(0, int64(binary.BigEndian.Uint64(key[10:18]))).UTC(),
	}, true
}

// scanPrefix narrows an iteration to one type, and resolution, when given.
func scanPrefix(kind byte, typ string, res aggregate.Resolution) []byte {
	if typ == "" {
		return []byte{kind}
	}
	prefix := make([]byte, 9, 10)
	prefix[0] = kind
	binary.BigEndian.PutUint64(prefix[1:9], xxhash.Sum64String(typ))
	if res != "" {
		prefix = append(prefix, resolutionByte(res))
	}
	return prefix
}

func typeKey(typ string) []byte {
	key := make([]byte, 9)
	key[0] = kindType
	binary.BigEndian.PutUint64(key[1:9], xxhash.Sum64String(typ))
	return key
}

// Profile values: [uvarint type length][type][profile bytes]
func encodeProfile(typ string, data []byte) []byte {
	buf := make([]byte, 0, binary.MaxVarintLen64+len(typ)+len(data))
	buf = binary.AppendUvarint(buf, uint64(len(typ)))
	buf = append(buf, typ...)
	return append(buf, data...)
}

func decodeProfile(val []byte) (string, []byte, error) {
	n, size := binary.Uvarint(val)
	if size <= 0 || n > uint64(len(val)-size) {
		return "", nil, errors.New("bad profile header")
	}
	typ := string(val[size : size+int(n)])
	rest := val[size+int(n):]
	if len(rest) == 0 {
		return typ, nil, nil
	}
	return typ, append([]byte(nil), rest...), nil
}
