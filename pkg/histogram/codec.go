package histogram

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/HdrHistogram/hdrhistogram-go"
)

var magic = []byte("THG")

const version byte = 1

// header: magic, version, count, sum, lowest, highest, sigfigs
const headerLen = 3 + 1 + 8 + 8 + 8 + 8 + 1

// countsLen is the bucket array length of the fixed layout.
var countsLen = len(New().hdr.Export().Counts)

// DecodeError reports a buffer that is empty, truncated or inconsistent.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("histogram: decode: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(format string, args ...interface{}) error {
	return &DecodeError{Err: fmt.Errorf(format, args...)}
}

// Encode serializes h. Bucket counts are run-length encoded as uvarint
// pairs of (zero run, non-zero count); trailing zeros are implied by the
// declared bucket count.
func (h *Histogram) Encode() []byte {
	snap := h.hdr.Export()

	buf := make([]byte, headerLen, headerLen+64)
	copy(buf, magic)
	buf[3] = version
	binary.BigEndian.PutUint64(buf[4:], uint64(h.Count()))
	binary.BigEndian.PutUint64(buf[12:], uint64(h.sum))
	binary.BigEndian.PutUint64(buf[20:], uint64(snap.LowestTrackableValue))
	binary.BigEndian.PutUint64(buf[28:], uint64(snap.HighestTrackableValue))
	buf[36] = byte(snap.SignificantFigures)

	buf = binary.AppendUvarint(buf, uint64(len(snap.Counts)))
	var zeros uint64
	for _, c := range snap.Counts {
		if c == 0 {
			zeros++
			continue
		}
		buf = binary.AppendUvarint(buf, zeros)
		buf = binary.AppendUvarint(buf, uint64(c))
		zeros = 0
	}
	return buf
}

// Decode parses a buffer written by Encode. A zero-length buffer is an
// error: "no histogram" and "empty histogram" are different things.
func Decode(data []byte) (*Histogram, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Err: errors.New("zero-length input")}
	}
	if len(data) < headerLen {
		return nil, decodeErr("truncated header: %d bytes", len(data))
	}
	if !bytes.Equal(data[:3], magic) {
		return nil, decodeErr("bad magic %q", data[:3])
	}
	if data[3] != version {
		return nil, decodeErr("unsupported version %d", data[3])
	}
	count := binary.BigEndian.Uint64(data[4:])
	sum := binary.BigEndian.Uint64(data[12:])
	lowest := int64(binary.BigEndian.Uint64(data[20:]))
	highest := int64(binary.BigEndian.Uint64(data[28:]))
	sigfigs := int(data[36])
	if lowest != LowestTrackable || highest != HighestTrackable || sigfigs != SignificantFigures {
		return nil, decodeErr("unsupported layout lowest=%d highest=%d sigfigs=%d", lowest, highest, sigfigs)
	}
	if count > math.MaxInt64 || sum > math.MaxInt64 {
		return nil, decodeErr("count or sum out of range")
	}

	r := bytes.NewReader(data[headerLen:])
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, decodeErr("bucket count: %w", err)
	}
	if n != uint64(countsLen) {
		return nil, decodeErr("bucket count %d, want %d", n, countsLen)
	}

	counts := make([]int64, countsLen)
	var idx, total uint64
	for r.Len() > 0 {
		zeros, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, decodeErr("zero run: %w", err)
		}
		c, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, decodeErr("bucket value: %w", err)
		}
		if c == 0 || c > math.MaxInt64 {
			return nil, decodeErr("invalid bucket value %d", c)
		}
		if zeros >= n-idx {
			return nil, decodeErr("bucket index %d out of range", idx+zeros)
		}
		idx += zeros
		counts[idx] = int64(c)
		total += c
		if total > count {
			return nil, decodeErr("bucket counts exceed total %d", count)
		}
		idx++
	}
	if total != count {
		return nil, decodeErr("bucket counts sum to %d, header says %d", total, count)
	}

	return &Histogram{
		hdr: hdrhistogram.Import(&hdrhistogram.Snapshot{
			LowestTrackableValue:  lowest,
			HighestTrackableValue: highest,
			SignificantFigures:    int64(sigfigs),
			Counts:                counts,
		}),
		sum: int64(sum),
	}, nil
}
