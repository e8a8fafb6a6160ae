package doip_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vecusim/vecud/internal/diagclient"
	"github.com/vecusim/vecud/internal/doip"
	"github.com/vecusim/vecud/internal/ecu"
	"github.com/vecusim/vecud/internal/integrity"
	"github.com/vecusim/vecud/internal/uds"
)

type testServer struct {
	addr    string
	life    *ecu.Lifecycle
	staging string
	target  string
}

func startServer(t *testing.T, life *ecu.Lifecycle) testServer {
	t.Helper()
	dir := t.TempDir()
	cfg := doip.DefaultConfig()
	cfg.StagingPath = filepath.Join(dir, "update.bin")
	cfg.TargetPath = filepath.Join(dir, "vecud")
	if err := os.WriteFile(cfg.TargetPath, []byte("old firmware"), 0o755); err != nil {
		t.Fatalf("write target: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := doip.NewServer(cfg, life, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})

	return testServer{
		addr:    ln.Addr().String(),
		life:    life,
		staging: cfg.StagingPath,
		target:  cfg.TargetPath,
	}
}

func dial(t *testing.T, addr string, timeout time.Duration) *diagclient.Client {
	t.Helper()
	c, err := diagclient.Dial(addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c.Timeout = timeout
	t.Cleanup(func() { c.Close() })
	return c
}

func applicationLifecycle(t *testing.T) *ecu.Lifecycle {
	t.Helper()
	life := ecu.NewLifecycle()
	if !life.SetApplication() {
		t.Fatal("set application")
	}
	return life
}

func restartRequested(life *ecu.Lifecycle) bool {
	select {
	case <-life.RestartRequested():
		return true
	default:
		return false
	}
}

func TestVehicleIdentification(t *testing.T) {
	ts := startServer(t, applicationLifecycle(t))
	c := dial(t, ts.addr, 2*time.Second)

	vin, err := c.VehicleIdent()
	if err != nil {
		t.Fatalf("vehicle ident: %v", err)
	}
	if vin != "VECU-SIM-1234567" {
		t.Fatalf("vin: %q", vin)
	}
}

func TestEnterProgrammingSessionResponseAndState(t *testing.T) {
	ts := startServer(t, applicationLifecycle(t))
	c := dial(t, ts.addr, 2*time.Second)

	if err := c.EnterProgramming(); err != nil {
		t.Fatalf("enter programming: %v", err)
	}
	if got := ts.life.State(); got != ecu.StateUpdatePending {
		t.Fatalf("lifecycle: %v", got)
	}

	// Idempotent: a second request succeeds and the state stays put.
	if err := c.EnterProgramming(); err != nil {
		t.Fatalf("second enter programming: %v", err)
	}
	if got := ts.life.State(); got != ecu.StateUpdatePending {
		t.Fatalf("lifecycle after repeat: %v", got)
	}
}

func TestRoutineControlExactResponseBytes(t *testing.T) {
	ts := startServer(t, applicationLifecycle(t))

	conn, err := net.Dial("tcp", ts.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := doip.WriteFrame(conn, doip.TypeDiagnostic, []byte{0x31, 0x01, 0xFF, 0x00}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	fr, err := doip.ReadFrame(conn, doip.DefaultLimits())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if fr.Header.PayloadType != doip.TypeDiagnostic {
		t.Fatalf("response type: %#x", fr.Header.PayloadType)
	}
	if !bytes.Equal(fr.Payload, []byte{0x71, 0x01, 0xFF, 0x00}) {
		t.Fatalf("response payload: %x", fr.Payload)
	}
}

func TestFullTransferAppliesUpdate(t *testing.T) {
	ts := startServer(t, applicationLifecycle(t))
	c := dial(t, ts.addr, 2*time.Second)

	image := make([]byte, 10000)
	if _, err := rand.Read(image); err != nil {
		t.Fatalf("rand: %v", err)
	}
	imagePath := filepath.Join(t.TempDir(), "firmware-2.0.bin")
	if err := os.WriteFile(imagePath, image, 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}

	// Three chunks: 4096 + 4096 + 1808.
	if err := c.Flash(imagePath, 4096); err != nil {
		t.Fatalf("flash: %v", err)
	}

	staged, err := os.ReadFile(ts.staging)
	if err != nil {
		t.Fatalf("read staging: %v", err)
	}
	if len(staged) != 10000 {
		t.Fatalf("staged size: %d", len(staged))
	}
	if !bytes.Equal(staged, image) {
		t.Fatal("staged image differs from source")
	}

	target, err := os.ReadFile(ts.target)
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	if !bytes.Equal(target, image) {
		t.Fatal("target executable was not replaced")
	}
	if !restartRequested(ts.life) {
		t.Fatal("restart not requested after applied update")
	}
}

func TestTransferExitDigestMismatchStaysSilent(t *testing.T) {
	// Contract behavior, preserved as-is: an integrity mismatch emits no
	// negative response; the connection simply goes silent and the image is
	// never applied.
	ts := startServer(t, applicationLifecycle(t))
	c := dial(t, ts.addr, 300*time.Millisecond)

	if err := c.EnterProgramming(); err != nil {
		t.Fatalf("enter programming: %v", err)
	}
	if err := c.RequestDownload(16); err != nil {
		t.Fatalf("request download: %v", err)
	}
	if err := c.TransferChunk(1, bytes.Repeat([]byte{0xAB}, 16)); err != nil {
		t.Fatalf("transfer data: %v", err)
	}

	err := c.TransferExit(integrity.SumBytes([]byte("a different image")))
	if !errors.Is(err, diagclient.ErrNegativeSilence) {
		t.Fatalf("expected silent mismatch, got %v", err)
	}

	if restartRequested(ts.life) {
		t.Fatal("restart requested despite digest mismatch")
	}
	target, err := os.ReadFile(ts.target)
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	if string(target) != "old firmware" {
		t.Fatal("target replaced despite digest mismatch")
	}
	// The staged file is left behind, closed but unconsumed.
	staged, err := os.ReadFile(ts.staging)
	if err != nil {
		t.Fatalf("read staging: %v", err)
	}
	if len(staged) != 16 {
		t.Fatalf("staged size: %d", len(staged))
	}
}

func TestTransferCommandsRejectedOutsideUpdateSession(t *testing.T) {
	ts := startServer(t, applicationLifecycle(t))
	c := dial(t, ts.addr, 300*time.Millisecond)

	if err := c.RequestDownload(100); err == nil {
		t.Fatal("request download must be rejected outside UPDATE_PENDING")
	}
	if err := c.TransferChunk(1, []byte{1, 2, 3}); err == nil {
		t.Fatal("transfer data must be rejected outside UPDATE_PENDING")
	}
	if err := c.TransferExit("00"); err == nil {
		t.Fatal("transfer exit must be rejected outside UPDATE_PENDING")
	}
	if _, err := os.Stat(ts.staging); !os.IsNotExist(err) {
		t.Fatal("rejected commands must not create a staging image")
	}
	if got := ts.life.State(); got != ecu.StateApplication {
		t.Fatalf("lifecycle must be untouched: %v", got)
	}
}

func TestTransferDataRejectedBeforeRequestDownload(t *testing.T) {
	ts := startServer(t, applicationLifecycle(t))
	c := dial(t, ts.addr, 300*time.Millisecond)

	if err := c.EnterProgramming(); err != nil {
		t.Fatalf("enter programming: %v", err)
	}
	if err := c.TransferChunk(1, []byte{1, 2, 3}); err == nil {
		t.Fatal("transfer data without an open download must be rejected")
	}
	if _, err := os.Stat(ts.staging); !os.IsNotExist(err) {
		t.Fatal("no staging image may be created")
	}
}

func TestUnknownFrameTypeIsSilentlyDropped(t *testing.T) {
	ts := startServer(t, applicationLifecycle(t))

	conn, err := net.Dial("tcp", ts.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Unknown type, then a reserved type, then a valid request: the session
	// must survive the first two and answer the third.
	if err := doip.WriteFrame(conn, 0x4242, []byte{9, 9, 9}); err != nil {
		t.Fatalf("write unknown: %v", err)
	}
	if err := doip.WriteFrame(conn, doip.TypeDiagnosticError, nil); err != nil {
		t.Fatalf("write reserved: %v", err)
	}
	if err := doip.WriteFrame(conn, doip.TypeVehicleIDRequest, nil); err != nil {
		t.Fatalf("write ident: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	fr, err := doip.ReadFrame(conn, doip.DefaultLimits())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if fr.Header.PayloadType != doip.TypeVehicleAnnouncement {
		t.Fatalf("response type: %#x", fr.Header.PayloadType)
	}
}

func TestUnimplementedRoutineIsSilentlyDropped(t *testing.T) {
	ts := startServer(t, applicationLifecycle(t))
	conn, err := net.Dial("tcp", ts.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload := uds.BuildRoutineControl(uds.SubFunctionStartRoutine, 0x0203)
	if err := doip.WriteFrame(conn, doip.TypeDiagnostic, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, err := doip.ReadFrame(conn, doip.DefaultLimits()); err == nil {
		t.Fatal("unimplemented routine must not be answered")
	}
	if got := ts.life.State(); got != ecu.StateApplication {
		t.Fatalf("lifecycle must be untouched: %v", got)
	}
}

func TestEnterProgrammingRejectedWhenBricked(t *testing.T) {
	life := ecu.NewLifecycle()
	life.Brick()
	ts := startServer(t, life)
	c := dial(t, ts.addr, 300*time.Millisecond)

	if err := c.EnterProgramming(); err == nil {
		t.Fatal("enter programming must be rejected when bricked")
	}
	if got := ts.life.State(); got != ecu.StateBricked {
		t.Fatalf("lifecycle: %v", got)
	}
}
