package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Signature opens every serialized header.
	Signature uint16 = 0x3030
	// Version is the only header version understood.
	Version uint8 = 1

	// HeaderSize is the serialized header length.
	HeaderSize = 40
	// MessageLengthOffset is the byte offset of the 16-bit MessageLength
	// field inside the serialized header.
	MessageLengthOffset = 2
	// IVBlockSize is the width of the IV-derivation block.
	IVBlockSize = 16
)

var (
	ErrShortHeader        = errors.New("protocol: short header")
	ErrBadSignature       = errors.New("protocol: bad header signature")
	ErrUnsupportedVersion = errors.New("protocol: unsupported header version")
)

// Header is the fixed-layout framing record for one message or fragment.
// Format (big endian):
//
//	2 bytes: signature (0x3030)
//	2 bytes: message length
//	1 byte:  version
//	1 byte:  message type
//	2 bytes: flags
//	4 bytes: sequence number
//	8 bytes: request id
//	2 bytes: fragment index
//	2 bytes: fragment count
//	8 bytes: session id
//	8 bytes: channel id
//
// MessageLength counts the bytes that follow the header on the wire.
type Header struct {
	MessageLength  uint16
	Type           MessageType
	Flags          Flags
	SequenceNumber uint32
	RequestID      uint64
	FragmentIndex  uint16
	FragmentCount  uint16
	SessionID      uint64
	ChannelID      uint64
}

// AppendBinary appends the serialized header to b.
func (h Header) AppendBinary(b []byte) ([]byte, error) {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint16(buf[0:2], Signature)
	binary.BigEndian.PutUint16(buf[MessageLengthOffset:MessageLengthOffset+2], h.MessageLength)
	buf[4] = Version
	buf[5] = byte(h.Type)
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Flags))
	binary.BigEndian.PutUint32(buf[8:12], h.SequenceNumber)
	binary.BigEndian.PutUint64(buf[12:20], h.RequestID)
	binary.BigEndian.PutUint16(buf[20:22], h.FragmentIndex)
	binary.BigEndian.PutUint16(buf[22:24], h.FragmentCount)
	binary.BigEndian.PutUint64(buf[24:32], h.SessionID)
	binary.BigEndian.PutUint64(buf[32:40], h.ChannelID)
	return append(b, buf[:]...), nil
}

func (h Header) MarshalBinary() ([]byte, error) {
	return h.AppendBinary(make([]byte, 0, HeaderSize))
}

func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	if binary.BigEndian.Uint16(b[0:2]) != Signature {
		return ErrBadSignature
	}
	if b[4] != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, b[4])
	}
	h.MessageLength = binary.BigEndian.Uint16(b[MessageLengthOffset : MessageLengthOffset+2])
	h.Type = MessageType(b[5])
	h.Flags = Flags(binary.BigEndian.Uint16(b[6:8]))
	h.SequenceNumber = binary.BigEndian.Uint32(b[8:12])
	h.RequestID = binary.BigEndian.Uint64(b[12:20])
	h.FragmentIndex = binary.BigEndian.Uint16(b[20:22])
	h.FragmentCount = binary.BigEndian.Uint16(b[22:24])
	h.SessionID = binary.BigEndian.Uint64(b[24:32])
	h.ChannelID = binary.BigEndian.Uint64(b[32:40])
	return nil
}

// IVBlock returns SessionID || SequenceNumber || FragmentIndex || FragmentCount.
func (h Header) IVBlock() [IVBlockSize]byte {
	var blk [IVBlockSize]byte
	binary.BigEndian.PutUint64(blk[0:8], h.SessionID)
	binary.BigEndian.PutUint32(blk[8:12], h.SequenceNumber)
	binary.BigEndian.PutUint16(blk[12:14], h.FragmentIndex)
	binary.BigEndian.PutUint16(blk[14:16], h.FragmentCount)
	return blk
}

func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	var h Header
	if err := h.UnmarshalBinary(buf[:]); err != nil {
		return Header{}, err
	}
	return h, nil
}

func WriteHeader(w io.Writer, h Header) error {
	b, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
