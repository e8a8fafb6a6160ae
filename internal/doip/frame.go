package doip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ProtocolVersion is the fixed version byte of every frame this system emits;
// byte 1 of the header carries its bitwise complement.
const ProtocolVersion uint8 = 0x02

// HeaderLen is the size of the fixed wire header in bytes.
const HeaderLen = 8

// Payload types. The 16-bit type space is open on the wire: unknown codes are
// structurally valid and are silently dropped by the session layer.
const (
	TypeVehicleIDRequest    uint16 = 0x0004
	TypeVehicleAnnouncement uint16 = 0x0005
	TypeDiagnostic          uint16 = 0x8001
	TypeDiagnosticError     uint16 = 0x8002 // reserved, never emitted
)

var (
	ErrShortHeader     = errors.New("doip: short header")
	ErrPayloadTooLarge = errors.New("doip: declared payload length exceeds limit")
	ErrVersionInverse  = errors.New("doip: inverse protocol version mismatch")
)

// Header is the fixed 8-byte frame header. PayloadLength is carried on the
// wire only; in-memory code derives it from the payload slice.
type Header struct {
	Version        uint8
	InverseVersion uint8
	PayloadType    uint16
	PayloadLength  uint32
}

// Frame is one complete header-plus-payload unit.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode memory use. The wire format itself carries
// no upper bound on the declared length; the limit here is local hardening.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 64 * 1024 * 1024}
}

// Validate checks the version/inverse-version pairing. The server read path
// deliberately does not call this: non-compliant version bytes are accepted
// input, and callers wanting strict framing opt in explicitly.
func (h Header) Validate() error {
	if h.InverseVersion != ^h.Version {
		return ErrVersionInverse
	}
	return nil
}

// EncodeHeader serializes h with multi-byte fields in network byte order.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	buf[0] = h.Version
	buf[1] = h.InverseVersion
	binary.BigEndian.PutUint16(buf[2:4], h.PayloadType)
	binary.BigEndian.PutUint32(buf[4:8], h.PayloadLength)
	return buf
}

// DecodeHeader parses the fixed header. It performs no semantic validation;
// see Header.Validate.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("doip: invalid fixed header length: %d", len(b))
	}
	return Header{
		Version:        b[0],
		InverseVersion: b[1],
		PayloadType:    binary.BigEndian.Uint16(b[2:4]),
		PayloadLength:  binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

// EncodeFrame builds a complete wire frame for payloadType.
func EncodeFrame(payloadType uint16, payload []byte) []byte {
	h := Header{
		Version:        ProtocolVersion,
		InverseVersion: ^ProtocolVersion,
		PayloadType:    payloadType,
		PayloadLength:  uint32(len(payload)),
	}
	return append(EncodeHeader(h), payload...)
}

// ReadFrame reads one frame: a full header, then exactly the declared number
// of payload bytes. A zero declared length performs no second read.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.PayloadLength > limits.MaxPayloadBytes {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.PayloadLength, limits.MaxPayloadBytes)
	}

	if h.PayloadLength == 0 {
		return Frame{Header: h}, nil
	}
	payload := make([]byte, h.PayloadLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame encodes and writes one frame in a single write.
func WriteFrame(w io.Writer, payloadType uint16, payload []byte) error {
	if _, err := w.Write(EncodeFrame(payloadType, payload)); err != nil {
		return err
	}
	return nil
}

// TypeName renders a payload type for logs and metric labels.
func TypeName(payloadType uint16) string {
	switch payloadType {
	case TypeVehicleIDRequest:
		return "vehicle_id_request"
	case TypeVehicleAnnouncement:
		return "vehicle_announcement"
	case TypeDiagnostic:
		return "diagnostic"
	case TypeDiagnosticError:
		return "diagnostic_error"
	default:
		return fmt.Sprintf("0x%04x", payloadType)
	}
}
