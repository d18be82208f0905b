package packet

import (
	"errors"
)

// Type identifies the kind of data a packet carries
type Type uint8

const (
	TypeResult Type = 0x01 // labeled inference result
	TypeHealth Type = 0x02 // device health status
	TypeConfig Type = 0x03 // configuration update
	TypeAlert  Type = 0x04 // high-priority alert
	TypeBatch  Type = 0x05 // batched packets
	TypeAck    Type = 0x06 // acknowledgment
	TypeError  Type = 0x07 // error report
)

// Wire format constants
const (
	Version        = 0x01
	MaxPayloadSize = 1024
	MaxDeviceIDLen = 64
	ChecksumSize   = 32
	SignatureSize  = 64
)

// GatewayID is the device id a gateway stamps on packets it originates,
// such as acks. Agents ignore acks claiming any other sender.
const GatewayID = "gateway"

// Magic bytes prefixing every packet
var Magic = [4]byte{'E', 'm', 'b', 'r'}

var (
	ErrMalformedHeader  = errors.New("malformed packet header")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrTruncatedPacket  = errors.New("truncated packet")
	ErrOversizedPayload = errors.New("payload exceeds maximum size")
)

// Packet is the atomic unit of transmission between an agent and a gateway.
// A packet is never mutated once constructed; retransmission re-encodes the
// same packet with its original sequence number.
type Packet struct {
	Version   uint8
	Type      Type
	DeviceID  string
	Timestamp int64 // unix milliseconds, device clock
	Sequence  uint64
	Payload   []byte
	Signature []byte // optional Ed25519 signature, empty if unsigned
}

// String returns a string representation of the packet type
func (t Type) String() string {
	switch t {
	case TypeResult:
		return "result"
	case TypeHealth:
		return "health"
	case TypeConfig:
		return "config"
	case TypeAlert:
		return "alert"
	case TypeBatch:
		return "batch"
	case TypeAck:
		return "ack"
	case TypeError:
		return "error"
	default:
		return "unknown"
	}
}

func (t Type) valid() bool {
	return t >= TypeResult && t <= TypeError
}
