// Package uds encodes and decodes the diagnostic service payloads carried
// inside Diagnostic-type frames. Byte 0 of every payload is the service id;
// positive responses echo the service id with 0x40 added. Pure codec, no I/O.
package uds

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Request service ids.
const (
	ServiceRoutineControl      uint8 = 0x31
	ServiceRequestDownload     uint8 = 0x34
	ServiceTransferData        uint8 = 0x36
	ServiceRequestTransferExit uint8 = 0x37
)

// Positive response offset and the resulting response service ids.
const (
	PositiveResponseOffset uint8 = 0x40

	ResponseRoutineControl      = ServiceRoutineControl + PositiveResponseOffset      // 0x71
	ResponseRequestDownload     = ServiceRequestDownload + PositiveResponseOffset     // 0x74
	ResponseTransferData        = ServiceTransferData + PositiveResponseOffset        // 0x76
	ResponseRequestTransferExit = ServiceRequestTransferExit + PositiveResponseOffset // 0x77
)

// RoutineControl sub-functions and routine ids.
const (
	SubFunctionStartRoutine uint8 = 0x01

	RoutineEnterProgramming uint16 = 0xFF00
)

// RequestDownload wire layout constants. The declared image size occupies the
// final four bytes of the fixed 10-byte request.
const (
	requestDownloadLen = 10
	downloadSizeOffset = 6

	dataFormatRaw       uint8 = 0x00
	addrAndLenFormatU32 uint8 = 0x44
)

var (
	ErrShortPayload    = errors.New("uds: payload too short")
	ErrServiceMismatch = errors.New("uds: unexpected service id")
)

// RoutineControlRequest is a decoded 0x31 request.
type RoutineControlRequest struct {
	SubFunction uint8
	RoutineID   uint16
}

// ParseRoutineControl decodes [0x31][sub_function][routine_id u16].
func ParseRoutineControl(p []byte) (RoutineControlRequest, error) {
	if len(p) < 4 {
		return RoutineControlRequest{}, fmt.Errorf("%w: routine control needs 4 bytes, got %d", ErrShortPayload, len(p))
	}
	if p[0] != ServiceRoutineControl {
		return RoutineControlRequest{}, ErrServiceMismatch
	}
	return RoutineControlRequest{
		SubFunction: p[1],
		RoutineID:   binary.BigEndian.Uint16(p[2:4]),
	}, nil
}

// BuildRoutineControl produces a tester-side 0x31 request payload.
func BuildRoutineControl(subFunction uint8, routineID uint16) []byte {
	p := make([]byte, 4)
	p[0] = ServiceRoutineControl
	p[1] = subFunction
	binary.BigEndian.PutUint16(p[2:4], routineID)
	return p
}

// BuildRoutineControlResponse echoes the request descriptor bytes behind the
// positive response id: [0x71][sub_function][routine_id u16].
func BuildRoutineControlResponse(request []byte) []byte {
	resp := make([]byte, 0, len(request))
	resp = append(resp, ResponseRoutineControl)
	resp = append(resp, request[1:]...)
	return resp
}

// DownloadRequest is a decoded 0x34 request.
type DownloadRequest struct {
	DataFormatID uint8
	Size         uint32
}

// ParseRequestDownload decodes [0x34][data_format][addr_len_format][address...]
// [size u32]. Only the declared size is consumed; the address bytes are unused
// in this model.
func ParseRequestDownload(p []byte) (DownloadRequest, error) {
	if len(p) < requestDownloadLen {
		return DownloadRequest{}, fmt.Errorf("%w: request download needs %d bytes, got %d", ErrShortPayload, requestDownloadLen, len(p))
	}
	if p[0] != ServiceRequestDownload {
		return DownloadRequest{}, ErrServiceMismatch
	}
	return DownloadRequest{
		DataFormatID: p[1],
		Size:         binary.BigEndian.Uint32(p[downloadSizeOffset : downloadSizeOffset+4]),
	}, nil
}

// BuildRequestDownload produces a tester-side 0x34 request declaring size
// bytes of raw (uncompressed, unencrypted) image data at address zero.
func BuildRequestDownload(size uint32) []byte {
	p := make([]byte, requestDownloadLen)
	p[0] = ServiceRequestDownload
	p[1] = dataFormatRaw
	p[2] = addrAndLenFormatU32
	binary.BigEndian.PutUint32(p[downloadSizeOffset:], size)
	return p
}

// BuildRequestDownloadResponse is the fixed positive acknowledgment carrying
// the length-format descriptor: [0x74][0x20][0x10][0x00].
func BuildRequestDownloadResponse() []byte {
	return []byte{ResponseRequestDownload, 0x20, 0x10, 0x00}
}

// TransferDataRequest is a decoded 0x36 request.
type TransferDataRequest struct {
	BlockCounter uint8
	Chunk        []byte
}

// ParseTransferData decodes [0x36][block_counter][chunk...]. The chunk slice
// aliases p; callers that retain it past the frame's lifetime must copy.
func ParseTransferData(p []byte) (TransferDataRequest, error) {
	if len(p) < 2 {
		return TransferDataRequest{}, fmt.Errorf("%w: transfer data needs 2 bytes, got %d", ErrShortPayload, len(p))
	}
	if p[0] != ServiceTransferData {
		return TransferDataRequest{}, ErrServiceMismatch
	}
	return TransferDataRequest{
		BlockCounter: p[1],
		Chunk:        p[2:],
	}, nil
}

// BuildTransferData produces a tester-side 0x36 request.
func BuildTransferData(blockCounter uint8, chunk []byte) []byte {
	p := make([]byte, 0, 2+len(chunk))
	p = append(p, ServiceTransferData, blockCounter)
	return append(p, chunk...)
}

// BuildTransferDataResponse echoes the received block counter: [0x76][counter].
func BuildTransferDataResponse(blockCounter uint8) []byte {
	return []byte{ResponseTransferData, blockCounter}
}

// TransferExitRequest is a decoded 0x37 request. ExpectedDigest is the
// peer-supplied hex digest of the complete source image.
type TransferExitRequest struct {
	ExpectedDigest string
}

// ParseRequestTransferExit decodes [0x37][hex digest string...].
func ParseRequestTransferExit(p []byte) (TransferExitRequest, error) {
	if len(p) < 1 {
		return TransferExitRequest{}, fmt.Errorf("%w: transfer exit needs 1 byte, got %d", ErrShortPayload, len(p))
	}
	if p[0] != ServiceRequestTransferExit {
		return TransferExitRequest{}, ErrServiceMismatch
	}
	return TransferExitRequest{ExpectedDigest: string(p[1:])}, nil
}

// BuildRequestTransferExit produces a tester-side 0x37 request.
func BuildRequestTransferExit(digest string) []byte {
	p := make([]byte, 0, 1+len(digest))
	p = append(p, ServiceRequestTransferExit)
	return append(p, digest...)
}

// BuildTransferExitResponse is the single-byte positive acknowledgment [0x77].
func BuildTransferExitResponse() []byte {
	return []byte{ResponseRequestTransferExit}
}
