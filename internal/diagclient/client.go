// Package diagclient implements the tester side of the diagnostic protocol:
// vehicle identification and the full OTA flashing sequence
// (enter-programming -> request-download -> transfer-data -> transfer-exit).
package diagclient

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/vecusim/vecud/internal/doip"
	"github.com/vecusim/vecud/internal/integrity"
	"github.com/vecusim/vecud/internal/uds"
)

// DefaultChunkSize is the transfer-data chunk size used by Flash.
const DefaultChunkSize = 4096

var (
	ErrUnexpectedResponse = errors.New("diagclient: unexpected response")
	ErrNegativeSilence    = errors.New("diagclient: server went silent")
)

// Client is one tester connection to an ECU diagnostic endpoint.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	limits doip.Limits

	// Timeout bounds each response read. The server never answers rejected
	// requests, so a stalled read is the tester's only failure signal.
	Timeout time.Duration
}

func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		limits:  doip.DefaultLimits(),
		Timeout: 5 * time.Second,
	}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// VehicleIdent requests the vehicle identifier string.
func (c *Client) VehicleIdent() (string, error) {
	if err := doip.WriteFrame(c.conn, doip.TypeVehicleIDRequest, nil); err != nil {
		return "", err
	}
	fr, err := c.readResponse()
	if err != nil {
		return "", err
	}
	if fr.Header.PayloadType != doip.TypeVehicleAnnouncement {
		return "", fmt.Errorf("%w: payload type %#x", ErrUnexpectedResponse, fr.Header.PayloadType)
	}
	return string(fr.Payload), nil
}

// EnterProgramming asks the ECU to enter its programming session.
func (c *Client) EnterProgramming() error {
	req := uds.BuildRoutineControl(uds.SubFunctionStartRoutine, uds.RoutineEnterProgramming)
	resp, err := c.diagnosticExchange(req)
	if err != nil {
		return err
	}
	if len(resp) < 1 || resp[0] != uds.ResponseRoutineControl {
		return fmt.Errorf("%w: routine control response %x", ErrUnexpectedResponse, resp)
	}
	return nil
}

// RequestDownload declares the image size and opens the download.
func (c *Client) RequestDownload(size uint32) error {
	resp, err := c.diagnosticExchange(uds.BuildRequestDownload(size))
	if err != nil {
		return err
	}
	if len(resp) < 1 || resp[0] != uds.ResponseRequestDownload {
		return fmt.Errorf("%w: request download response %x", ErrUnexpectedResponse, resp)
	}
	return nil
}

// TransferChunk sends one block of image data.
func (c *Client) TransferChunk(blockCounter uint8, chunk []byte) error {
	resp, err := c.diagnosticExchange(uds.BuildTransferData(blockCounter, chunk))
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[0] != uds.ResponseTransferData || resp[1] != blockCounter {
		return fmt.Errorf("%w: transfer data response %x", ErrUnexpectedResponse, resp)
	}
	return nil
}

// TransferExit finalizes the download with the digest of the source image.
func (c *Client) TransferExit(digest string) error {
	resp, err := c.diagnosticExchange(uds.BuildRequestTransferExit(digest))
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: no transfer exit response (integrity mismatch?)", ErrNegativeSilence)
		}
		return err
	}
	if len(resp) < 1 || resp[0] != uds.ResponseRequestTransferExit {
		return fmt.Errorf("%w: transfer exit response %x", ErrUnexpectedResponse, resp)
	}
	return nil
}

// Flash runs the complete OTA sequence for the image at path, computing the
// integrity digest locally and sending the image in chunkSize blocks. The
// block counter wraps at 0xFF the way real testers roll it over.
func (c *Client) Flash(path string, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	image, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("diagclient: read image: %w", err)
	}
	digest := integrity.SumBytes(image)

	if err := c.EnterProgramming(); err != nil {
		return fmt.Errorf("diagclient: enter programming: %w", err)
	}
	if err := c.RequestDownload(uint32(len(image))); err != nil {
		return fmt.Errorf("diagclient: request download: %w", err)
	}
	block := uint8(1)
	for off := 0; off < len(image); off += chunkSize {
		end := off + chunkSize
		if end > len(image) {
			end = len(image)
		}
		if err := c.TransferChunk(block, image[off:end]); err != nil {
			return fmt.Errorf("diagclient: transfer block %d: %w", block, err)
		}
		block++
	}
	if err := c.TransferExit(digest); err != nil {
		return fmt.Errorf("diagclient: transfer exit: %w", err)
	}
	return nil
}

func (c *Client) diagnosticExchange(payload []byte) ([]byte, error) {
	if err := doip.WriteFrame(c.conn, doip.TypeDiagnostic, payload); err != nil {
		return nil, err
	}
	fr, err := c.readResponse()
	if err != nil {
		return nil, err
	}
	if fr.Header.PayloadType != doip.TypeDiagnostic {
		return nil, fmt.Errorf("%w: payload type %#x", ErrUnexpectedResponse, fr.Header.PayloadType)
	}
	return fr.Payload, nil
}

func (c *Client) readResponse() (doip.Frame, error) {
	if c.Timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.Timeout)); err != nil {
			return doip.Frame{}, err
		}
	}
	return doip.ReadFrame(c.reader, c.limits)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
