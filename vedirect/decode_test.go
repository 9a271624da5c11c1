package vedirect

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildFrame renders telemetry lines plus a checksum line whose byte
// makes the whole frame sum to 0 mod 256.
func buildFrame(fields ...[2]string) []byte {
	var b bytes.Buffer
	for _, f := range fields {
		b.WriteString(f[0])
		b.WriteByte('\t')
		b.WriteString(f[1])
		b.WriteString("\r\n")
	}
	b.WriteString(ChecksumLabel)
	b.WriteByte('\t')
	var sum byte
	for _, x := range b.Bytes() {
		sum += x
	}
	sum += '\r' + '\n'
	b.WriteByte(-sum)
	b.WriteString("\r\n")
	return b.Bytes()
}

// feedLines pushes raw bytes through parse+assemble the way the engine
// read loop does, returning every accepted snapshot.
func feedLines(t testing.TB, asm *assembler, raw []byte) []Snapshot {
	t.Helper()
	var out []Snapshot
	for len(raw) > 0 {
		i := bytes.IndexByte(raw, '\n')
		require.GreaterOrEqual(t, i, 0, "test input must be newline terminated")
		line := raw[:i+1]
		raw = raw[i+1:]
		f, err := parseField(line)
		asm.count(line)
		if err != nil {
			continue
		}
		if snap, ok := asm.feed(f); ok {
			out = append(out, snap)
		}
	}
	return out
}

func TestParseField(t *testing.T) {
	t.Parallel()

	f, err := parseField([]byte("V\t12800\r\n"))
	require.NoError(t, err)
	assert.Equal(t, Field{Label: "V", Value: "12800"}, f)

	f, err = parseField([]byte("SER#\tHQ2132ABCDE\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "SER#", f.Label)

	for _, bad := range []string{"noseparator\r\n", "\tnovalue\r\n", "\r\n", "b\xffd\tx\r\n"} {
		_, err = parseField([]byte(bad))
		assert.Error(t, err, "input=%q", bad)
		assert.IsType(t, DecodeError{}, err)
	}
}

func TestFrameSingle(t *testing.T) {
	t.Parallel()

	asm := newAssembler()
	snaps := feedLines(t, asm, buildFrame([2]string{"V", "12800"}, [2]string{"I", "1500"}))
	require.Len(t, snaps, 1)
	assert.Equal(t, map[string]string{"V": "12800", "I": "1500"}, snaps[0].Fields)
	assert.False(t, snaps[0].At.IsZero())
}

func TestFrameLastOccurrenceWins(t *testing.T) {
	t.Parallel()

	asm := newAssembler()
	snaps := feedLines(t, asm, buildFrame([2]string{"V", "111"}, [2]string{"V", "222"}))
	require.Len(t, snaps, 1)
	assert.Equal(t, "222", snaps[0].Fields["V"])
}

func TestFrameChecksumRejectIsolation(t *testing.T) {
	t.Parallel()

	good := buildFrame([2]string{"V", "12800"})
	bad := make([]byte, len(good))
	copy(bad, good)
	bad[len(bad)-3]++ // corrupt the checksum byte

	asm := newAssembler()
	snaps := feedLines(t, asm, bad)
	assert.Len(t, snaps, 0)
	// the next valid frame is unaffected by the reject
	snaps = feedLines(t, asm, good)
	require.Len(t, snaps, 1)
	assert.Equal(t, "12800", snaps[0].Fields["V"])
}

func TestFrameMerge(t *testing.T) {
	t.Parallel()

	asm := newAssembler()
	first := buildFrame([2]string{"V", "12800"}, [2]string{"I", "1500"})
	second := buildFrame([2]string{"V", "12900"})
	snaps := feedLines(t, asm, first)
	snaps = append(snaps, feedLines(t, asm, second)...)
	require.Len(t, snaps, 2)
	// label I was not resent in the second frame but survives the merge
	assert.Equal(t, map[string]string{"V": "12900", "I": "1500"}, snaps[1].Fields)
	// the earlier snapshot is not mutated by later frames
	assert.Equal(t, "12800", snaps[0].Fields["V"])
}

func TestFrameJunkFeedsRunningSum(t *testing.T) {
	t.Parallel()

	// junk line between fields is discarded as a decode error but its raw
	// bytes still count toward the frame sum
	junk := []byte("garbage-no-separator\r\n")
	var b bytes.Buffer
	b.WriteString("V\t12800\r\n")
	b.Write(junk)
	b.WriteString(ChecksumLabel)
	b.WriteByte('\t')
	var sum byte
	for _, x := range b.Bytes() {
		sum += x
	}
	sum += '\r' + '\n'
	b.WriteByte(-sum)
	b.WriteString("\r\n")

	asm := newAssembler()
	snaps := feedLines(t, asm, b.Bytes())
	require.Len(t, snaps, 1)
	assert.Equal(t, "12800", snaps[0].Fields["V"])
	_, ok := snaps[0].Fields["garbage-no-separator"]
	assert.False(t, ok)

	// the same junk not accounted for by the device checksum rejects the frame
	asm = newAssembler()
	withExtra := append(junk, buildFrame([2]string{"V", "12800"})...)
	assert.Len(t, feedLines(t, asm, withExtra), 0)
}
