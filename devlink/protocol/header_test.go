package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func testHeader() Header {
	return Header{
		MessageLength:  128,
		Type:           MessageTypeSession,
		Flags:          FlagShouldAck,
		SequenceNumber: 0x01020304,
		RequestID:      0x1112131415161718,
		FragmentIndex:  2,
		FragmentCount:  5,
		SessionID:      0x2122232425262728,
		ChannelID:      0x3132333435363738,
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := testHeader()
	require.NoError(t, WriteHeader(&buf, in))
	require.Equal(t, HeaderSize, buf.Len())

	out, err := ReadHeader(&buf)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestHeaderMessageLengthOffset(t *testing.T) {
	h := testHeader()
	h.MessageLength = 0xBEEF
	b, err := h.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, uint16(0xBEEF), binary.BigEndian.Uint16(b[MessageLengthOffset:]))
}

func TestHeaderIVBlock(t *testing.T) {
	h := testHeader()
	blk := h.IVBlock()
	want := []byte{
		0x21, 0x22, 0x23, 0x24, 0x25, 0x26, 0x27, 0x28, // session id
		0x01, 0x02, 0x03, 0x04, // sequence number
		0x00, 0x02, // fragment index
		0x00, 0x05, // fragment count
	}
	require.Equal(t, want, blk[:])
}

func TestHeaderUnmarshalFailures(t *testing.T) {
	good, err := testHeader().MarshalBinary()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"short", func(b []byte) []byte { return b[:HeaderSize-1] }, ErrShortHeader},
		{"signature", func(b []byte) []byte { b[0] ^= 0xff; return b }, ErrBadSignature},
		{"version", func(b []byte) []byte { b[4] = 9; return b }, ErrUnsupportedVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.mutate(append([]byte(nil), good...))
			var h Header
			err := h.UnmarshalBinary(b)
			require.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestFlags(t *testing.T) {
	var f Flags
	f.Set(FlagSessionEncrypted | FlagHasHMAC)
	require.True(t, f.Has(FlagSessionEncrypted))
	require.True(t, f.Has(FlagHasHMAC))
	require.True(t, f.Has(FlagSessionEncrypted|FlagHasHMAC))
	require.False(t, f.Has(FlagShouldAck))

	f.Clear(FlagHasHMAC)
	require.False(t, f.Has(FlagHasHMAC))
	require.False(t, f.Has(FlagSessionEncrypted|FlagHasHMAC))
}

func TestMessageTypeString(t *testing.T) {
	require.Equal(t, "SESSION", MessageTypeSession.String())
	require.Equal(t, "UNKNOWN", MessageType(200).String())
}
