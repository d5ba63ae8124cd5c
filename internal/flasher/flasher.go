// Package flasher drives a K210 from cold reset to flashed firmware: ISP
// greeting, SRAM bootloader install, flash-mode hand-off, baud
// renegotiation, chunked flash writes and reboot.
package flasher

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/bigbag/k210-flasher/internal/board"
	"github.com/bigbag/k210-flasher/internal/protocol"
	"github.com/bigbag/k210-flasher/internal/serial"
	"github.com/bigbag/k210-flasher/internal/slip"
)

const (
	// InitialBaudRate is what the boot ROM listens at; every run opens
	// the port here and renegotiates later.
	InitialBaudRate = 115200

	// DefaultBaudRate is the post-renegotiation target.
	DefaultBaudRate = 2_000_000

	// MinBaudRate rejects nonsense before any I/O.
	MinBaudRate = 110

	ispChunkSize   = 1024
	flashChunkSize = 4096

	bootSettle  = 2 * time.Second
	reopenDelay = 50 * time.Millisecond
)

// Device is the serial device the engine owns for the flashing lifetime.
// *serial.Port implements it; tests substitute a scripted fake.
type Device interface {
	Write(data []byte) (int, error)
	ReadByte() (byte, error)
	SetDTR(value bool) error
	SetRTS(value bool) error
	ResetInput() error
	Reopen(baudRate int) error
	Close() error
}

// Target is one firmware image to be written to SPI flash.
type Target struct {
	Address       uint32
	Data          []byte
	SHA256Prefix  bool
	Reverse4Bytes bool
}

// Engine sequences the flashing phases over a single device.
// Phases are strictly serial; run them in order or use Run.
type Engine struct {
	dev     Device
	ctrl    *board.Controller
	variant board.Variant
	status  *StatusBoard
	config  Config

	sleep func(time.Duration)
	buf   []byte
}

// New creates an Engine for the given device.
func New(dev Device, opts ...Option) *Engine {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Engine{
		dev:     dev,
		ctrl:    board.NewController(dev),
		variant: cfg.Board,
		status:  NewStatusBoard(),
		config:  cfg,
		sleep:   time.Sleep,
	}
}

// Status returns the observable job status board.
func (e *Engine) Status() *StatusBoard {
	return e.status
}

// Board returns the detected (or pinned) board variant.
func (e *Engine) Board() board.Variant {
	return e.variant
}

// Run drives the full sequence: detection, ISP entry, bootloader install,
// flash-mode hand-off, baud renegotiation, flash init, every target in
// order, reboot.
func (e *Engine) Run(ctx context.Context, bootloader []byte, targets []Target, baudRate int) error {
	if err := e.DetectBoard(ctx); err != nil {
		return err
	}
	if err := e.BootToISPMode(ctx); err != nil {
		return err
	}
	if err := e.Greeting(ctx); err != nil {
		return err
	}
	if err := e.InstallFlashBootloader(ctx, bootloader); err != nil {
		return err
	}
	if err := e.FlashModeGreeting(ctx); err != nil {
		return err
	}
	if err := e.ChangeBaudRate(ctx, baudRate); err != nil {
		return err
	}
	if err := e.InitializeFlash(ctx); err != nil {
		return err
	}
	if err := e.FlashTargets(ctx, targets); err != nil {
		return err
	}
	return e.Reboot()
}

// DetectBoard probes each board variant with its enter-ISP dance followed
// by an ISP greeting. A greeting timeout means wrong variant; any other
// failure propagates. With a pinned variant the phase completes without
// touching the wire.
func (e *Engine) DetectBoard(ctx context.Context) error {
	e.status.start(PhaseDetectBoard)

	if e.variant != board.Unknown {
		e.logDebug("board pinned", "variant", e.variant.String())
		e.status.finish(PhaseDetectBoard)
		return nil
	}

	for _, v := range board.Variants() {
		if err := ctx.Err(); err != nil {
			e.status.fail(PhaseDetectBoard)
			return fmt.Errorf("cancelled: %w", err)
		}

		e.logDebug("probing board", "variant", v.String())
		if err := e.ctrl.EnterISP(v); err != nil {
			e.status.fail(PhaseDetectBoard)
			return err
		}
		e.dev.ResetInput()

		err := e.greet(protocol.ISPGreeting)
		if err == nil {
			e.variant = v
			e.logInfo("board detected", "variant", v.String())
			e.status.finish(PhaseDetectBoard)
			return nil
		}
		if errors.Is(err, serial.ErrTimeout) {
			continue
		}
		e.status.fail(PhaseDetectBoard)
		return err
	}

	e.status.fail(PhaseDetectBoard)
	return ErrNoBoard
}

// BootToISPMode reruns the detected variant's enter-ISP dance so the
// following phases start from a freshly reset ROM.
func (e *Engine) BootToISPMode(ctx context.Context) error {
	e.status.start(PhaseBootToISPMode)

	if err := ctx.Err(); err != nil {
		e.status.fail(PhaseBootToISPMode)
		return fmt.Errorf("cancelled: %w", err)
	}
	if err := e.ctrl.EnterISP(e.variant); err != nil {
		e.status.fail(PhaseBootToISPMode)
		return err
	}
	e.dev.ResetInput()

	e.status.finish(PhaseBootToISPMode)
	return nil
}

// Greeting checks boot ROM liveness. Only a strict OK is accepted.
func (e *Engine) Greeting(ctx context.Context) error {
	e.status.start(PhaseGreeting)

	if err := e.greet(protocol.ISPGreeting); err != nil {
		e.status.fail(PhaseGreeting)
		return err
	}

	e.status.finish(PhaseGreeting)
	return nil
}

// InstallFlashBootloader uploads the flash bootloader blob into SRAM in
// 1024-byte MEMORY_WRITE chunks, then boots it and waits for it to come up.
func (e *Engine) InstallFlashBootloader(ctx context.Context, blob []byte) error {
	e.status.start(PhaseInstallFlashBootloader)

	total := len(blob)
	for offset := 0; offset < total; offset += ispChunkSize {
		if err := ctx.Err(); err != nil {
			e.status.fail(PhaseInstallFlashBootloader)
			return fmt.Errorf("cancelled: %w", err)
		}

		end := offset + ispChunkSize
		if end > total {
			end = total
		}

		addr := uint32(protocol.SRAMBase) + uint32(offset)
		if err := e.writeChunk(protocol.OpMemoryWrite, addr, blob[offset:end]); err != nil {
			e.status.fail(PhaseInstallFlashBootloader)
			return fmt.Errorf("install bootloader at 0x%08X: %w", addr, err)
		}

		e.status.progress(PhaseInstallFlashBootloader, float64(end)/float64(total))
	}

	// Hand off to the bootloader. The ROM sends no reply to MEMORY_BOOT;
	// give the bootloader time to take over the UART.
	if err := e.send(protocol.OpMemoryBoot, protocol.SRAMBase, nil); err != nil {
		e.status.fail(PhaseInstallFlashBootloader)
		return err
	}
	e.sleep(bootSettle)

	e.logInfo("flash bootloader installed", "bytes", total)
	e.status.finish(PhaseInstallFlashBootloader)
	return nil
}

// FlashModeGreeting checks that the flash bootloader answers. Strict OK
// only.
func (e *Engine) FlashModeGreeting(ctx context.Context) error {
	e.status.start(PhaseFlashGreeting)

	if err := e.greet(protocol.FlashGreeting); err != nil {
		e.status.fail(PhaseFlashGreeting)
		return err
	}

	e.status.finish(PhaseFlashGreeting)
	return nil
}

// ChangeBaudRate renegotiates the UART speed. The request gets no reply;
// the port is closed, the target given time to switch, and the port
// reopened at the new rate. A no-op when already at the initial rate.
func (e *Engine) ChangeBaudRate(ctx context.Context, baudRate int) error {
	e.status.start(PhaseChangeBaudRate)

	if baudRate == InitialBaudRate {
		e.status.finish(PhaseChangeBaudRate)
		return nil
	}

	payload := binary.LittleEndian.AppendUint32(nil, uint32(baudRate))
	if err := e.send(protocol.OpBaudRateSet, 0, payload); err != nil {
		e.status.fail(PhaseChangeBaudRate)
		return err
	}

	if err := e.dev.Close(); err != nil {
		e.status.fail(PhaseChangeBaudRate)
		return err
	}
	e.sleep(reopenDelay)
	if err := e.dev.Reopen(baudRate); err != nil {
		e.status.fail(PhaseChangeBaudRate)
		return err
	}

	e.logInfo("baud rate changed", "baud", baudRate)
	e.status.finish(PhaseChangeBaudRate)
	return nil
}

// InitializeFlash selects the SPI flash chip. One retransmission on a bad
// response, then the failure is fatal.
func (e *Engine) InitializeFlash(ctx context.Context) error {
	e.status.start(PhaseInitializeFlash)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := ctx.Err(); err != nil {
			e.status.fail(PhaseInitializeFlash)
			return fmt.Errorf("cancelled: %w", err)
		}

		lastErr = e.exchange(protocol.OpFlashInit, e.config.Chip, nil)
		if lastErr == nil {
			e.status.finish(PhaseInitializeFlash)
			return nil
		}

		var badResp *BadResponseError
		if !errors.As(lastErr, &badResp) {
			break
		}
	}

	e.status.fail(PhaseInitializeFlash)
	return fmt.Errorf("flash init: %w", lastErr)
}

// FlashFirmware writes one firmware image. The payload is optionally
// word-reversed and sha256-wrapped, then streamed in 4096-byte FLASH_WRITE
// chunks whose addresses advance by the chunk size regardless of how many
// bytes the final chunk carries.
func (e *Engine) FlashFirmware(ctx context.Context, target Target) error {
	e.status.start(PhaseFlashFirmware)

	if err := e.flashOne(ctx, target, func(sent, total int) {
		e.status.progress(PhaseFlashFirmware, float64(sent)/float64(total))
	}); err != nil {
		e.status.fail(PhaseFlashFirmware)
		return err
	}

	e.status.finish(PhaseFlashFirmware)
	return nil
}

// FlashTargets writes every target in listing order under a single
// FlashFirmware phase, with progress aggregated over the combined size.
func (e *Engine) FlashTargets(ctx context.Context, targets []Target) error {
	e.status.start(PhaseFlashFirmware)

	total := 0
	for _, t := range targets {
		total += envelopeSize(t)
	}

	done := 0
	for _, t := range targets {
		size := envelopeSize(t)
		err := e.flashOne(ctx, t, func(sent, _ int) {
			e.status.progress(PhaseFlashFirmware, float64(done+sent)/float64(total))
		})
		if err != nil {
			e.status.fail(PhaseFlashFirmware)
			return fmt.Errorf("flash at 0x%08X: %w", t.Address, err)
		}
		done += size
	}

	e.status.finish(PhaseFlashFirmware)
	return nil
}

// Reboot runs the board's reboot dance. No protocol exchange.
func (e *Engine) Reboot() error {
	e.status.start(PhaseReboot)

	if err := e.ctrl.Reboot(e.variant); err != nil {
		e.status.fail(PhaseReboot)
		return err
	}

	e.status.finish(PhaseReboot)
	return nil
}

func envelopeSize(t Target) int {
	if t.SHA256Prefix {
		return 1 + 4 + len(t.Data) + 32
	}
	return len(t.Data)
}

func (e *Engine) flashOne(ctx context.Context, target Target, report func(sent, total int)) error {
	data := target.Data
	if target.Reverse4Bytes {
		data = reverse4Bytes(data)
	}
	if target.SHA256Prefix {
		data = sha256Envelope(data)
	}

	total := len(data)
	chunk := 0
	for offset := 0; offset < total; offset += flashChunkSize {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled: %w", err)
		}

		end := offset + flashChunkSize
		if end > total {
			end = total
		}

		// The bootloader expects the address to move by a full chunk
		// even when the final chunk is short.
		addr := target.Address + uint32(chunk)*flashChunkSize
		if err := e.writeChunk(protocol.OpFlashWrite, addr, data[offset:end]); err != nil {
			return err
		}

		chunk++
		report(end, total)
	}

	return nil
}

// writeChunk sends one packet and retransmits it while the response is a
// bad one, up to the retry cap. Timeouts and transport errors are fatal.
func (e *Engine) writeChunk(op protocol.Op, addr uint32, payload []byte) error {
	var lastErr error
	for attempt := 0; attempt < e.config.RetryLimit; attempt++ {
		lastErr = e.exchange(op, addr, payload)
		if lastErr == nil {
			return nil
		}

		var badResp *BadResponseError
		if !errors.As(lastErr, &badResp) {
			return lastErr
		}
		e.logDebug("retransmitting chunk",
			"op", op.String(), "addr", fmt.Sprintf("0x%08X", addr), "attempt", attempt+1)
	}

	err := &RetryLimitError{Attempts: e.config.RetryLimit, Last: lastErr}
	e.logError("chunk retry limit exceeded",
		"op", op.String(), "addr", fmt.Sprintf("0x%08X", addr), "err", lastErr)
	return err
}

// exchange sends one packet and parses the lenient-success response.
func (e *Engine) exchange(op protocol.Op, addr uint32, payload []byte) error {
	if err := e.send(op, addr, payload); err != nil {
		return err
	}

	resp, err := e.readResponse()
	if err != nil {
		return err
	}
	if !resp.Code.OK(false) {
		return &BadResponseError{Op: resp.Op, Code: resp.Code}
	}
	return nil
}

// send frames and writes one packet without reading anything back.
func (e *Engine) send(op protocol.Op, addr uint32, payload []byte) error {
	packet := protocol.NewRequest(op, addr, payload).Encode()
	e.buf = slip.AppendEncode(e.buf[:0], packet)

	if _, err := e.dev.Write(e.buf); err != nil {
		return fmt.Errorf("write %s: %w", op, err)
	}
	return nil
}

// greet sends a pre-framed greeting and requires a strict OK back.
func (e *Engine) greet(frame []byte) error {
	if _, err := e.dev.Write(frame); err != nil {
		return fmt.Errorf("write greeting: %w", err)
	}

	resp, err := e.readResponse()
	if err != nil {
		return err
	}
	if !resp.Code.OK(true) {
		return &BadResponseError{Op: resp.Op, Code: resp.Code}
	}
	return nil
}

func (e *Engine) readResponse() (*protocol.Response, error) {
	frame, err := slip.NewReader(byteReaderFunc(e.dev.ReadByte)).ReadFrame()
	if err != nil {
		return nil, err
	}
	return protocol.ParseResponse(frame)
}

// byteReaderFunc adapts the device's single-byte read to io.ByteReader.
type byteReaderFunc func() (byte, error)

func (f byteReaderFunc) ReadByte() (byte, error) {
	return f()
}

func (e *Engine) logDebug(msg string, keysAndValues ...any) {
	if e.config.Logger != nil {
		e.config.Logger.Debug(msg, keysAndValues...)
	}
}

func (e *Engine) logInfo(msg string, keysAndValues ...any) {
	if e.config.Logger != nil {
		e.config.Logger.Info(msg, keysAndValues...)
	}
}

func (e *Engine) logError(msg string, keysAndValues ...any) {
	if e.config.Logger != nil {
		e.config.Logger.Error(msg, keysAndValues...)
	}
}
