package vedirect

import (
	"bytes"
	"fmt"
	"time"
)

// ChecksumLabel is the reserved label terminating a telemetry frame.
// Its value is one raw byte chosen by the device so that the sum of
// every byte in the frame is 0 mod 256.
const ChecksumLabel = "Checksum"

const fieldSeparator = '\t'

// Field is one label/value pair from a telemetry line.
type Field struct {
	Label string
	Value string
}

// DecodeError marks a line that parses as neither a telemetry field nor
// a hex reply. It is always recovered locally, never surfaced to callers.
type DecodeError struct {
	Raw   []byte
	Cause string
}

func (e DecodeError) Error() string {
	return fmt.Sprintf("vedirect: decode %s raw=%q", e.Cause, e.Raw)
}

// parseField splits one raw line `LABEL\tVALUE\r\n` into a Field.
// The label must be non-empty printable ASCII without the separator.
func parseField(raw []byte) (Field, error) {
	line := bytes.TrimRight(raw, "\r\n")
	i := bytes.IndexByte(line, fieldSeparator)
	if i <= 0 {
		return Field{}, DecodeError{Raw: raw, Cause: "no separator"}
	}
	label := line[:i]
	for _, b := range label {
		if b < 0x21 || b > 0x7e {
			return Field{}, DecodeError{Raw: raw, Cause: "label not ASCII"}
		}
	}
	return Field{Label: string(label), Value: string(line[i+1:])}, nil
}

// Snapshot is the merged latest-known telemetry state after one accepted
// frame. The Fields map is shared and must not be modified by consumers.
type Snapshot struct {
	Fields map[string]string
	At     time.Time

	seq uint64
}

func (s Snapshot) Get(label string) (string, bool) {
	v, ok := s.Fields[label]
	return v, ok
}

// assembler accumulates fields of the frame in progress plus a running
// byte sum over everything consumed since the previous frame boundary.
// Junk lines feed the sum too, so stream corruption surfaces as a
// checksum reject instead of silently passing. Owned by the read loop,
// no locking.
type assembler struct {
	fields map[string]string
	sum    byte
	last   Snapshot
}

func newAssembler() *assembler {
	return &assembler{fields: make(map[string]string, 16)}
}

func (a *assembler) count(raw []byte) {
	for _, b := range raw {
		a.sum += b
	}
}

// feed consumes one parsed field. On the checksum field it closes the
// frame: accepted fields merge over the previous snapshot (the device
// does not resend unchanged labels every frame), a reject discards only
// the frame in progress. Either way the running sum restarts at the
// boundary.
func (a *assembler) feed(f Field) (Snapshot, bool) {
	if f.Label != ChecksumLabel {
		a.fields[f.Label] = f.Value
		return Snapshot{}, false
	}

	ok := a.sum == 0
	if ok {
		merged := make(map[string]string, len(a.last.Fields)+len(a.fields))
		for k, v := range a.last.Fields {
			merged[k] = v
		}
		for k, v := range a.fields {
			merged[k] = v
		}
		a.last = Snapshot{Fields: merged, At: time.Now(), seq: a.last.seq + 1}
	}
	a.fields = make(map[string]string, 16)
	a.sum = 0
	if !ok {
		return Snapshot{}, false
	}
	return a.last, true
}
