package vedirect

import (
	"bytes"
	"encoding/hex"
	"strings"
)

// Hex command/reply wire format:
// ':' + 2 hex digits op + 4 hex digits register (little-endian) +
// payload hex + 2 hex digits checksum + '\n', upper case.
// The checksum byte makes the decoded byte sequence sum to 0 mod 256.
const hexFrameStart = ':'

const (
	OpGet byte = 0x07
	OpSet byte = 0x08

	rspUnknown byte = 0x03
)

// Known device registers.
const (
	// Charge current limit, value is a flags byte plus uint16
	// little-endian deciamps.
	RegChargeCurrentLimit uint16 = 0xEDF0
)

type Status byte

const (
	StatusOK Status = iota
	StatusUnknown
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnknown:
		return "unknown"
	case StatusError:
		return "error"
	}
	return "invalid"
}

// Command is a request to read or write one device register.
type Command struct {
	Register uint16
	Op       byte
	Payload  []byte
}

// Reply is a decoded, checksum-verified acknowledgement.
type Reply struct {
	Register uint16
	Status   Status
	Payload  []byte
}

// SetCurrentLimit builds the set-register command for the charge current
// limit. Resolution is 0.1A.
func SetCurrentLimit(amps float64) Command {
	d := uint16(amps*10 + 0.5)
	return Command{
		Op:       OpSet,
		Register: RegChargeCurrentLimit,
		Payload:  []byte{0x00, byte(d), byte(d >> 8)},
	}
}

// Encode renders the command to exact wire bytes.
func (c Command) Encode() []byte {
	raw := make([]byte, 0, 4+len(c.Payload))
	raw = append(raw, c.Op, byte(c.Register), byte(c.Register>>8))
	raw = append(raw, c.Payload...)
	var sum byte
	for _, b := range raw {
		sum += b
	}
	raw = append(raw, -sum)

	w := make([]byte, 0, len(raw)*2+2)
	w = append(w, hexFrameStart)
	w = append(w, strings.ToUpper(hex.EncodeToString(raw))...)
	w = append(w, '\n')
	return w
}

func replyStatus(op byte) Status {
	switch op {
	case OpGet, OpSet:
		return StatusOK
	case rspUnknown:
		return StatusUnknown
	}
	return StatusError
}

// DecodeReply parses a candidate reply line. Any failure is a
// DecodeError: the correlator treats it as a transient corrupt reply.
func DecodeReply(raw []byte) (Reply, error) {
	line := bytes.TrimRight(raw, "\r\n")
	if len(line) < 1 || line[0] != hexFrameStart {
		return Reply{}, DecodeError{Raw: raw, Cause: "no frame start"}
	}
	body := line[1:]
	if len(body) == 0 || len(body)%2 != 0 {
		return Reply{}, DecodeError{Raw: raw, Cause: "odd hex length"}
	}
	buf := make([]byte, len(body)/2)
	if _, err := hex.Decode(buf, body); err != nil {
		return Reply{}, DecodeError{Raw: raw, Cause: "invalid hex"}
	}
	var sum byte
	for _, b := range buf {
		sum += b
	}
	if sum != 0 {
		return Reply{}, DecodeError{Raw: raw, Cause: "checksum mismatch"}
	}
	if len(buf) < 2 {
		return Reply{}, DecodeError{Raw: raw, Cause: "short frame"}
	}

	r := Reply{Status: replyStatus(buf[0])}
	data := buf[1 : len(buf)-1]
	if len(data) >= 2 {
		r.Register = uint16(data[0]) | uint16(data[1])<<8
		r.Payload = data[2:]
	} else {
		r.Payload = data
	}
	return r, nil
}
