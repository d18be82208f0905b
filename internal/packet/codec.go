package packet

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
)

// fixedHeaderSize is the header length excluding the variable device id:
// magic(4) + version(1) + type(1) + idLen(1) + timestamp(8) + sequence(8) + payloadLen(2)
const fixedHeaderSize = 25

// Encode serializes a packet into its wire form. The SHA-256 checksum is
// computed over header+payload before the signature is appended.
func Encode(p *Packet) ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, ErrOversizedPayload
	}
	if p.DeviceID == "" || len(p.DeviceID) > MaxDeviceIDLen {
		return nil, ErrMalformedHeader
	}
	if !p.Type.valid() {
		return nil, ErrMalformedHeader
	}
	if len(p.Signature) != 0 && len(p.Signature) != SignatureSize {
		return nil, ErrMalformedHeader
	}

	buf := &bytes.Buffer{}
	buf.Write(Magic[:])
	buf.WriteByte(Version)
	buf.WriteByte(byte(p.Type))
	buf.WriteByte(byte(len(p.DeviceID)))
	buf.WriteString(p.DeviceID)
	binary.Write(buf, binary.BigEndian, uint64(p.Timestamp))
	binary.Write(buf, binary.BigEndian, p.Sequence)
	binary.Write(buf, binary.BigEndian, uint16(len(p.Payload)))
	buf.Write(p.Payload)

	checksum := sha256.Sum256(buf.Bytes())
	buf.Write(checksum[:])

	buf.WriteByte(byte(len(p.Signature)))
	buf.Write(p.Signature)

	return buf.Bytes(), nil
}

// Decode parses a wire-form packet, validating magic bytes, version,
// declared lengths and the integrity checksum.
func Decode(data []byte) (*Packet, error) {
	if len(data) < len(Magic) {
		return nil, ErrTruncatedPacket
	}
	if !bytes.Equal(data[:4], Magic[:]) {
		return nil, ErrMalformedHeader
	}
	if len(data) < fixedHeaderSize {
		return nil, ErrTruncatedPacket
	}
	if data[4] != Version {
		return nil, ErrMalformedHeader
	}

	p := &Packet{Version: data[4], Type: Type(data[5])}
	if !p.Type.valid() {
		return nil, ErrMalformedHeader
	}

	idLen := int(data[6])
	if idLen == 0 || idLen > MaxDeviceIDLen {
		return nil, ErrMalformedHeader
	}
	if len(data) < fixedHeaderSize+idLen {
		return nil, ErrTruncatedPacket
	}
	off := 7
	p.DeviceID = string(data[off : off+idLen])
	off += idLen

	p.Timestamp = int64(binary.BigEndian.Uint64(data[off:]))
	off += 8
	p.Sequence = binary.BigEndian.Uint64(data[off:])
	off += 8
	payloadLen := int(binary.BigEndian.Uint16(data[off:]))
	off += 2

	if payloadLen > MaxPayloadSize {
		return nil, ErrMalformedHeader
	}
	if len(data) < off+payloadLen+ChecksumSize+1 {
		return nil, ErrTruncatedPacket
	}
	if payloadLen > 0 {
		p.Payload = make([]byte, payloadLen)
		copy(p.Payload, data[off:off+payloadLen])
	}
	off += payloadLen

	checksum := sha256.Sum256(data[:off])
	if !bytes.Equal(checksum[:], data[off:off+ChecksumSize]) {
		return nil, ErrChecksumMismatch
	}
	off += ChecksumSize

	sigLen := int(data[off])
	off++
	if sigLen != 0 && sigLen != SignatureSize {
		return nil, ErrMalformedHeader
	}
	if len(data) < off+sigLen {
		return nil, ErrTruncatedPacket
	}
	if sigLen > 0 {
		p.Signature = make([]byte, sigLen)
		copy(p.Signature, data[off:off+sigLen])
	}

	return p, nil
}

// Sign returns a copy of the packet carrying an Ed25519 signature over
// header, payload and checksum.
func Sign(p *Packet, priv ed25519.PrivateKey) (*Packet, error) {
	unsigned := *p
	unsigned.Signature = nil

	data, err := Encode(&unsigned)
	if err != nil {
		return nil, err
	}

	// Strip the trailing zero signature-length byte; the signature covers
	// header+payload+checksum only.
	signed := unsigned
	signed.Signature = ed25519.Sign(priv, data[:len(data)-1])
	return &signed, nil
}

// Verify reports whether the packet's signature is valid for pub.
func Verify(p *Packet, pub ed25519.PublicKey) bool {
	if len(p.Signature) != SignatureSize {
		return false
	}

	unsigned := *p
	unsigned.Signature = nil
	data, err := Encode(&unsigned)
	if err != nil {
		return false
	}

	return ed25519.Verify(pub, data[:len(data)-1], p.Signature)
}
