package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilcore/veil/common/errors"
)

func TestFrameAtSoftCapPasses(t *testing.T) {
	var buf bytes.Buffer
	body := bytes.Repeat([]byte{0x42}, SoftCapBytes)

	require.NoError(t, WriteFrame(&buf, HardCapBytes, body))

	read, err := ReadFrame(&buf, HardCapBytes)
	require.NoError(t, err)
	assert.Equal(t, body, read)
}

func TestFrameOverHardCapRejected(t *testing.T) {
	var buf bytes.Buffer
	body := bytes.Repeat([]byte{0x42}, HardCapBytes+1)

	err := WriteFrame(&buf, HardCapBytes, body)
	assert.ErrorIs(t, err, errors.ErrFrameTooLarge)
	assert.Zero(t, buf.Len(), "an oversized frame must not write any bytes, including the length prefix")
}

func TestReadFrameRejectsOversizedLengthPrefix(t *testing.T) {
	var buf bytes.Buffer
	// Write a length prefix claiming a body larger than maxLength without
	// actually supplying that much data, so ReadFrame must reject on the
	// prefix alone rather than blocking on a read.
	lengthOnly := []byte{0x01, 0x00, 0x00, 0x01} // 16,777,217 == HardCapBytes + 1
	buf.Write(lengthOnly)

	_, err := ReadFrame(&buf, HardCapBytes)
	assert.ErrorIs(t, err, errors.ErrFrameTooLarge)
}

func TestReadFrameTruncatedBodyReportsTruncated(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, 0x05}) // claims 5 bytes
	buf.Write([]byte{0x01, 0x02})             // only 2 supplied

	_, err := ReadFrame(&buf, HardCapBytes)
	assert.ErrorIs(t, err, errors.ErrTruncatedFrame)
}
