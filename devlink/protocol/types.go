package protocol

type MessageType uint8

const (
	MessageTypeNone                MessageType = 0
	MessageTypeDiscovery           MessageType = 1
	MessageTypeConnect             MessageType = 2
	MessageTypeControl             MessageType = 3
	MessageTypeSession             MessageType = 4
	MessageTypeAck                 MessageType = 5
	MessageTypeReliabilityResponse MessageType = 6
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeNone:
		return "NONE"
	case MessageTypeDiscovery:
		return "DISCOVERY"
	case MessageTypeConnect:
		return "CONNECT"
	case MessageTypeControl:
		return "CONTROL"
	case MessageTypeSession:
		return "SESSION"
	case MessageTypeAck:
		return "ACK"
	case MessageTypeReliabilityResponse:
		return "RELIABILITY_RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// Flags is the header flag bit set.
type Flags uint16

const (
	FlagShouldAck        Flags = 0x1
	FlagHasHMAC          Flags = 0x2
	FlagSessionEncrypted Flags = 0x4
	// FlagCompressed marks an lz4-compressed body. Only the transfer layer
	// reads it; the envelope does not.
	FlagCompressed Flags = 0x8
)

// Has reports whether every bit of f is set.
func (fl Flags) Has(f Flags) bool { return fl&f == f }

func (fl *Flags) Set(f Flags) { *fl |= f }

func (fl *Flags) Clear(f Flags) { *fl &^= f }
