package doip

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/rs/zerolog"

	"github.com/vecusim/vecud/internal/ecu"
	"github.com/vecusim/vecud/internal/integrity"
	"github.com/vecusim/vecud/internal/observability"
	"github.com/vecusim/vecud/internal/uds"
	"github.com/vecusim/vecud/internal/update"
)

// transferState is the per-connection firmware transfer. It exists only
// between RequestDownload and RequestTransferExit; a nil sink after close
// marks the transfer as no longer writable.
type transferState struct {
	declaredSize uint32
	bytesWritten uint32
	sink         *os.File
}

// session owns one connection and runs the read->decode->dispatch->respond
// cycle until the peer disconnects or a terminal transfer outcome occurs.
// Requests are processed strictly in arrival order with at most one response
// per request; there is no pipelining.
type session struct {
	conn   net.Conn
	reader *bufio.Reader
	cfg    Config
	life   *ecu.Lifecycle
	log    zerolog.Logger

	transfer *transferState
}

func newSession(conn net.Conn, cfg Config, life *ecu.Lifecycle, logger zerolog.Logger) *session {
	return &session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		cfg:    cfg,
		life:   life,
		log:    logger,
	}
}

func (s *session) run() {
	defer s.closeTransfer()

	for {
		fr, err := ReadFrame(s.reader, s.cfg.Limits)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Warn().Err(err).Msg("read frame failed")
			}
			return
		}
		observability.RecordFrame(TypeName(fr.Header.PayloadType))
		s.log.Debug().
			Str("type", TypeName(fr.Header.PayloadType)).
			Uint32("length", fr.Header.PayloadLength).
			Msg("frame received")

		var resp []byte
		var respType uint16
		switch fr.Header.PayloadType {
		case TypeVehicleIDRequest:
			respType = TypeVehicleAnnouncement
			resp = []byte(s.cfg.VIN)
		case TypeDiagnostic:
			respType = TypeDiagnostic
			resp = s.handleDiagnostic(fr.Payload)
		default:
			// Silent drop: unknown traffic never fails the session and never
			// signals failure to the peer.
			s.log.Warn().
				Str("type", TypeName(fr.Header.PayloadType)).
				Msg("unhandled payload type, waiting for next frame")
			continue
		}
		if resp == nil {
			continue
		}
		if err := WriteFrame(s.conn, respType, resp); err != nil {
			s.log.Warn().Err(err).Msg("write response failed")
			return
		}
	}
}

// handleDiagnostic dispatches on the embedded service id. A nil return means
// no response frame is emitted.
func (s *session) handleDiagnostic(payload []byte) []byte {
	if len(payload) == 0 {
		s.log.Warn().Msg("empty diagnostic payload")
		return nil
	}

	switch payload[0] {
	case uds.ServiceRoutineControl:
		return s.handleRoutineControl(payload)
	case uds.ServiceRequestDownload:
		return s.handleRequestDownload(payload)
	case uds.ServiceTransferData:
		return s.handleTransferData(payload)
	case uds.ServiceRequestTransferExit:
		return s.handleTransferExit(payload)
	default:
		s.log.Warn().Uint8("service", payload[0]).Msg("unsupported diagnostic service")
		observability.RecordDiagnostic(fmt.Sprintf("0x%02x", payload[0]), "unsupported")
		return nil
	}
}

func (s *session) handleRoutineControl(payload []byte) []byte {
	req, err := uds.ParseRoutineControl(payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed routine control request")
		observability.RecordDiagnostic("routine_control", "malformed")
		return nil
	}
	if req.RoutineID != uds.RoutineEnterProgramming {
		s.log.Warn().Uint16("routine_id", req.RoutineID).Msg("unimplemented routine")
		observability.RecordDiagnostic("routine_control", "unimplemented")
		return nil
	}
	if !s.life.EnterProgramming() {
		s.log.Warn().Msg("enter programming rejected: ECU is bricked")
		observability.RecordDiagnostic("routine_control", "rejected")
		return nil
	}
	s.log.Info().Msg("entered programming session, lifecycle UPDATE_PENDING")
	observability.RecordDiagnostic("routine_control", "accepted")
	return uds.BuildRoutineControlResponse(payload)
}

func (s *session) handleRequestDownload(payload []byte) []byte {
	if s.life.State() != ecu.StateUpdatePending {
		s.log.Warn().
			Stringer("state", s.life.State()).
			Msg("request download outside of update session")
		observability.RecordDiagnostic("request_download", "rejected")
		return nil
	}
	req, err := uds.ParseRequestDownload(payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed request download")
		observability.RecordDiagnostic("request_download", "malformed")
		return nil
	}

	// A new download clobbers any staged data this connection already has.
	s.closeTransfer()
	sink, err := os.OpenFile(s.cfg.StagingPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		s.log.Error().Err(err).Str("path", s.cfg.StagingPath).Msg("cannot open staging image")
		observability.RecordDiagnostic("request_download", "staging_error")
		return nil
	}
	s.transfer = &transferState{declaredSize: req.Size, sink: sink}
	s.log.Info().
		Uint32("declared_size", req.Size).
		Str("staging", s.cfg.StagingPath).
		Msg("download session opened")
	observability.RecordDiagnostic("request_download", "accepted")
	return uds.BuildRequestDownloadResponse()
}

func (s *session) handleTransferData(payload []byte) []byte {
	if s.life.State() != ecu.StateUpdatePending || !s.downloading() {
		s.log.Warn().Msg("transfer data in wrong state")
		observability.RecordDiagnostic("transfer_data", "rejected")
		return nil
	}
	req, err := uds.ParseTransferData(payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed transfer data")
		observability.RecordDiagnostic("transfer_data", "malformed")
		return nil
	}
	if _, err := s.transfer.sink.Write(req.Chunk); err != nil {
		s.log.Error().Err(err).Msg("write to staging image failed")
		observability.RecordDiagnostic("transfer_data", "staging_error")
		return nil
	}
	s.transfer.bytesWritten += uint32(len(req.Chunk))
	observability.AddTransferBytes(len(req.Chunk))
	observability.RecordDiagnostic("transfer_data", "accepted")
	s.log.Debug().
		Uint8("block", req.BlockCounter).
		Int("chunk_bytes", len(req.Chunk)).
		Uint32("received", s.transfer.bytesWritten).
		Uint32("declared", s.transfer.declaredSize).
		Msg("chunk staged")
	return uds.BuildTransferDataResponse(req.BlockCounter)
}

func (s *session) handleTransferExit(payload []byte) []byte {
	if s.life.State() != ecu.StateUpdatePending || !s.downloading() {
		s.log.Warn().Msg("transfer exit in wrong state")
		observability.RecordDiagnostic("transfer_exit", "rejected")
		return nil
	}
	req, err := uds.ParseRequestTransferExit(payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed transfer exit")
		observability.RecordDiagnostic("transfer_exit", "malformed")
		return nil
	}

	if err := s.transfer.sink.Close(); err != nil {
		s.log.Error().Err(err).Msg("close staging image failed")
	}
	s.transfer.sink = nil

	calculated, err := integrity.SumFile(s.cfg.StagingPath)
	if err != nil {
		s.log.Error().Err(err).Msg("hash staging image failed")
		observability.RecordDiagnostic("transfer_exit", "staging_error")
		return nil
	}
	if calculated != req.ExpectedDigest {
		// Deliberately no negative response: the peer observes a silent
		// connection. The mismatched image is never applied.
		s.log.Error().
			Str("calculated", calculated).
			Str("expected", req.ExpectedDigest).
			Msg("firmware integrity check FAILED")
		observability.RecordDiagnostic("transfer_exit", "digest_mismatch")
		observability.RecordTransferResult("digest_mismatch")
		return nil
	}

	s.log.Info().Str("digest", calculated).Msg("firmware integrity check passed")
	observability.RecordDiagnostic("transfer_exit", "accepted")

	// Acknowledge before applying so the tester sees the positive response
	// even though the endpoint goes away right after.
	if err := WriteFrame(s.conn, TypeDiagnostic, uds.BuildTransferExitResponse()); err != nil {
		s.log.Warn().Err(err).Msg("write transfer exit response failed")
	}

	if err := update.Apply(s.cfg.StagingPath, s.cfg.TargetPath); err != nil {
		s.log.Error().Err(err).Msg("apply update failed")
		observability.RecordTransferResult("apply_error")
		return nil
	}
	observability.RecordTransferResult("applied")
	s.log.Info().Str("target", s.cfg.TargetPath).Msg("update applied, requesting restart")
	s.life.RequestRestart()
	return nil
}

func (s *session) downloading() bool {
	return s.transfer != nil && s.transfer.sink != nil
}

func (s *session) closeTransfer() {
	if s.transfer != nil && s.transfer.sink != nil {
		_ = s.transfer.sink.Close()
		s.transfer.sink = nil
	}
}
