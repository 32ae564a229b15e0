package aggregate

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nicktill/tinyapm/pkg/aggregate/nullable"
)

var recordMagic = []byte("TAG")

const recordVersion byte = 1

// ErrBadRecord is wrapped by UnmarshalBinary failures.
var ErrBadRecord = errors.New("aggregate: bad record")

// MarshalBinary encodes the aggregate as a storage record: magic, version,
// resolution, type, capture time, the three counters, the two payloads,
// a presence bitmap and the thread counters that are present. Strings and
// payloads are uvarint length prefixed; integers are big endian.
func (a *Aggregate) MarshalBinary() ([]byte, error) {
	size := 4 + 3*binary.MaxVarintLen64 + len(a.Resolution) + len(a.TransactionType) +
		8*4 + 2*binary.MaxVarintLen64 + len(a.TimerTree) + len(a.Histogram) + 1 + 8*4
	buf := make([]byte, 0, size)
	buf = append(buf, recordMagic...)
	buf = append(buf, recordVersion)
	buf = appendBytes(buf, []byte(a.Resolution))
	buf = appendBytes(buf, []byte(a.TransactionType))
	buf = binary.BigEndian.AppendUint64(buf, uint64(a.CaptureTime.UnixNano()))
	buf = binary.BigEndian.AppendUint64(buf, a.TransactionCount)
	buf = binary.BigEndian.AppendUint64(buf, a.TotalMicros)
	buf = binary.BigEndian.AppendUint64(buf, a.ErrorCount)
	buf = appendBytes(buf, a.TimerTree)
	buf = appendBytes(buf, a.Histogram)

	counters := a.threadCounters()
	var present byte
	for i, c := range counters {
		if c.Valid() {
			present |= 1 << i
		}
	}
	buf = append(buf, present)
	for _, c := range counters {
		if v, ok := c.Value(); ok {
			buf = binary.BigEndian.AppendUint64(buf, v)
		}
	}
	return buf, nil
}

// UnmarshalBinary decodes a record written by MarshalBinary. Payloads are
// copied out of data.
func (a *Aggregate) UnmarshalBinary(data []byte) error {
	if len(data) < 4 || !bytes.Equal(data[:3], recordMagic) {
		return fmt.Errorf("%w: missing magic", ErrBadRecord)
	}
	if data[3] != recordVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrBadRecord, data[3])
	}
	r := bytes.NewReader(data[4:])

	var out Aggregate
	res, err := readBytes(r)
	if err != nil {
		return fmt.Errorf("%w: resolution: %v", ErrBadRecord, err)
	}
	out.Resolution = Resolution(res)
	typ, err := readBytes(r)
	if err != nil {
		return fmt.Errorf("%w: transaction type: %v", ErrBadRecord, err)
	}
	out.TransactionType = string(typ)

	var fixed [4]uint64
	for i := range fixed {
		if fixed[i], err = readUint64(r); err != nil {
			return fmt.Errorf("%w: header: %v", ErrBadRecord, err)
		}
	}
	out.CaptureTime = time.Unix(0, int64(fixed[0])).UTC()
	out.TransactionCount = fixed[1]
	out.TotalMicros = fixed[2]
	out.ErrorCount = fixed[3]

	if out.TimerTree, err = readBytes(r); err != nil {
		return fmt.Errorf("%w: timer tree: %v", ErrBadRecord, err)
	}
	if out.Histogram, err = readBytes(r); err != nil {
		return fmt.Errorf("%w: histogram: %v", ErrBadRecord, err)
	}

	present, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: presence: %v", ErrBadRecord, err)
	}
	if present>>4 != 0 {
		return fmt.Errorf("%w: presence bits %08b", ErrBadRecord, present)
	}
	counters := out.threadCounterPtrs()
	for i, c := range counters {
		if present&(1<<i) == 0 {
			continue
		}
		v, err := readUint64(r)
		if err != nil {
			return fmt.Errorf("%w: thread counters: %v", ErrBadRecord, err)
		}
		*c = nullable.Of(v)
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrBadRecord, r.Len())
	}
	*a = out
	return nil
}

func (a *Aggregate) threadCounters() [4]nullable.Uint64 {
	return [4]nullable.Uint64{a.CPUMicros, a.BlockedMicros, a.WaitedMicros, a.AllocatedKBytes}
}

func (a *Aggregate) threadCounterPtrs() [4]*nullable.Uint64 {
	return [4]*nullable.Uint64{&a.CPUMicros, &a.BlockedMicros, &a.WaitedMicros, &a.AllocatedKBytes}
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Len()) {
		return nil, io.ErrUnexpectedEOF
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	_, err = io.ReadFull(r, b)
	return b, err
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
