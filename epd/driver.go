// Package epd drives the Waveshare 3.7" e-paper panel (280x480, 1-bit and
// 4-level gray).
//
// The blocking API talks to the panel directly over a synchronous SPI
// connection and is meant for initialization and tooling. Frame updates that
// must not stall the caller go through QueueDisplay1Bit and QueueSleep, which
// build the same command sequences as bus transactions for a shared queue.
package epd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mklimuk/station"
	"github.com/mklimuk/station/spibus"
	"periph.io/x/conn/v3/gpio"
)

const (
	Width  = 280
	Height = 480
	// FrameSize is the size of a 1-bit frame in bytes.
	FrameSize = Width * Height / 8
	// GrayFrameSize is the size of a 4-gray (2bpp) frame in bytes.
	GrayFrameSize = FrameSize * 2
	// RowBytes is the 1-bit row stride.
	RowBytes = Width / 8

	BusyTimeout = 12 * time.Second
)

var (
	ErrBusyTimeout = errors.New("panel busy wait timed out")
	ErrNotReady    = errors.New("panel command frame not open")
)

type State uint8

const (
	StateUninitialized State = iota
	StateReady
	StateSleeping
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateSleeping:
		return "sleeping"
	}
	return "uninitialized"
}

type SleepMode uint8

const (
	SleepNormal SleepMode = iota
	SleepDeep
)

// Timing groups the panel delays. Zero durations skip the delay, except
// BusyTimeout which falls back to the package default.
type Timing struct {
	ResetHigh   time.Duration
	ResetLow    time.Duration
	SoftReset   time.Duration
	BusyTimeout time.Duration
	BusySettle  time.Duration
	BusyPoll    time.Duration
}

var DefaultTiming = Timing{
	ResetHigh:   300 * time.Millisecond,
	ResetLow:    3 * time.Millisecond,
	SoftReset:   300 * time.Millisecond,
	BusyTimeout: BusyTimeout,
	BusySettle:  200 * time.Millisecond,
	BusyPoll:    5 * time.Millisecond,
}

// Pins are the panel control lines. CS is active low; DC is low for commands
// and high for data.
type Pins struct {
	Reset gpio.PinOut
	DC    gpio.PinOut
	CS    gpio.PinOut
	Busy  gpio.PinIn
	// BusyActiveHigh means the panel drives BUSY high while working.
	BusyActiveHigh bool
}

type Option func(*Driver)

func WithClock(c clock.Clock) Option {
	return func(d *Driver) {
		d.clock = c
	}
}

func WithTiming(t Timing) Option {
	return func(d *Driver) {
		d.timing = t
	}
}

func WithBusyActiveHigh(high bool) Option {
	return func(d *Driver) {
		d.pins.BusyActiveHigh = high
	}
}

// WithRegisters sets the bus register snapshot attached to queued
// transactions.
func WithRegisters(r station.Registers) Option {
	return func(d *Driver) {
		d.regs = r
	}
}

type Driver struct {
	mx     sync.Mutex
	pins   Pins
	conn   spibus.Conn
	regs   station.Registers
	clock  clock.Clock
	timing Timing

	state State
	lut   LUT
	// lutValid is false until a table is loaded and after reset, init or sleep
	lutValid bool
	// csLow tracks the open command frame
	csLow bool
	// failed is set by a queued transaction that did not complete and holds
	// until the next init
	failed atomic.Bool
}

// New creates a driver over a synchronous connection (periph spi.Conn or a
// TinyGo drivers.SPI).
func New(pins Pins, conn spibus.Conn, opts ...Option) (*Driver, error) {
	if pins.Reset == nil || pins.DC == nil || pins.CS == nil || pins.Busy == nil {
		return nil, fmt.Errorf("epd: missing control pin: %w", station.ErrParam)
	}
	if conn == nil {
		return nil, fmt.Errorf("epd: missing spi connection: %w", station.ErrParam)
	}
	d := &Driver{
		pins:   pins,
		conn:   conn,
		clock:  clock.New(),
		timing: DefaultTiming,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.timing.BusyTimeout <= 0 {
		d.timing.BusyTimeout = BusyTimeout
	}
	return d, nil
}

func (d *Driver) Size() (int, int) {
	return Width, Height
}

// State reports the panel state. A failed queued transaction leaves the
// panel uninitialized.
func (d *Driver) State() State {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.settle()
	return d.state
}

// CachedLUT returns the table the panel currently holds, if known.
func (d *Driver) CachedLUT() (LUT, bool) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.settle()
	return d.lut, d.lutValid
}

// settle applies a queued failure. Callers hold d.mx.
func (d *Driver) settle() {
	if d.failed.Load() {
		d.state = StateUninitialized
		d.lutValid = false
	}
}

// IsBusy reads the BUSY line.
func (d *Driver) IsBusy() bool {
	l := d.pins.Busy.Read()
	if d.pins.BusyActiveHigh {
		return l == gpio.High
	}
	return l == gpio.Low
}

// Ready reports the opposite of IsBusy. It has the shape of a queue ready
// predicate.
func (d *Driver) Ready(any) bool {
	return !d.IsBusy()
}

// WaitIdle polls BUSY until the panel is idle, then lets it settle.
func (d *Driver) WaitIdle(ctx context.Context) error {
	start := station.Millis(d.clock)
	limit := uint32(d.timing.BusyTimeout / time.Millisecond)
	for d.IsBusy() {
		if station.Millis(d.clock)-start > limit {
			return ErrBusyTimeout
		}
		if err := d.delay(ctx, d.timing.BusyPoll); err != nil {
			return err
		}
	}
	return d.delay(ctx, d.timing.BusySettle)
}

// Reset pulses the hardware reset line. The panel forgets its LUT.
func (d *Driver) Reset(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.reset(ctx)
}

func (d *Driver) reset(ctx context.Context) error {
	d.lutValid = false
	steps := []struct {
		level gpio.Level
		wait  time.Duration
	}{
		{gpio.High, d.timing.ResetHigh},
		{gpio.Low, d.timing.ResetLow},
		{gpio.High, d.timing.ResetHigh},
	}
	for _, s := range steps {
		if err := d.pins.Reset.Out(s.level); err != nil {
			return fmt.Errorf("%w: reset line: %w", station.ErrTransfer, err)
		}
		if err := d.delay(ctx, s.wait); err != nil {
			return err
		}
	}
	return nil
}

var (
	displayOption4Gray = []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	displayOption1Bit  = []byte{0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0x4F, 0xFF, 0xFF, 0xFF, 0xFF}

	ramXFull = []byte{0x00, 0x00, 0x17, 0x01}
	ramYFull = []byte{0x00, 0x00, 0xDF, 0x01}
)

// Init1Bit resets the panel and programs it for 1-bit frames.
func (d *Driver) Init1Bit(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	if err := d.reset(ctx); err != nil {
		return fmt.Errorf("epd: init: %w", err)
	}
	if err := d.WaitIdle(ctx); err != nil {
		return fmt.Errorf("epd: init: %w", err)
	}
	return d.init(ctx, displayOption1Bit)
}

// Init4Gray programs the panel for 4-level gray frames. Unlike Init1Bit it
// waits for the panel before pulsing reset.
func (d *Driver) Init4Gray(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	if err := d.WaitIdle(ctx); err != nil {
		return fmt.Errorf("epd: init: %w", err)
	}
	if err := d.reset(ctx); err != nil {
		return fmt.Errorf("epd: init: %w", err)
	}
	return d.init(ctx, displayOption4Gray)
}

func (d *Driver) init(ctx context.Context, displayOption []byte) error {
	w := d.frame()
	w.command(CmdSWReset)
	w.delay(ctx, d.timing.SoftReset)
	w.command(CmdAutoWriteRedPattern, 0xF7)
	w.waitIdle(ctx)
	w.command(CmdAutoWriteBWPattern, 0xF7)
	w.waitIdle(ctx)
	w.command(CmdGateSetting, 0xDF, 0x01, 0x00)
	w.command(CmdGateVoltage, 0x00)
	w.command(CmdGateVoltageSource, 0x41, 0xA8, 0x32)
	w.command(CmdDataEntrySequence, 0x03)
	w.command(CmdBorderWaveform, 0x03)
	w.command(CmdBoosterSoftStart, 0xAE, 0xC7, 0xC3, 0xC0, 0xC0)
	w.command(CmdTempSensorSelect, 0x80)
	w.command(CmdWriteVCOM, 0x44)
	w.command(CmdDisplayOption, displayOption...)
	w.command(CmdRAMXStartEnd, ramXFull...)
	w.command(CmdRAMYStartEnd, ramYFull...)
	w.command(CmdUpdateSequenceSetting, 0xCF)
	if err := w.end(); err != nil {
		return fmt.Errorf("epd: init: %w", err)
	}
	d.lutValid = false
	d.state = StateReady
	d.failed.Store(false)
	return nil
}

// Clear1Bit fills the panel white with a 1-bit refresh.
func (d *Driver) Clear1Bit(ctx context.Context, mode Mode) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	if err := d.WaitIdle(ctx); err != nil {
		return fmt.Errorf("epd: clear: %w", err)
	}
	w := d.frame()
	w.command(CmdRAMXCounter, 0x00, 0x00)
	w.command(CmdRAMYCounter, 0x00, 0x00)
	w.command(CmdWriteRAM)
	w.fill(0xFF, FrameSize)
	w.lut(LUTFor(mode, true))
	w.command(CmdDisplayUpdate)
	if err := w.end(); err != nil {
		return fmt.Errorf("epd: clear: %w", err)
	}
	return nil
}

// Clear4Gray fills both RAM planes white and runs a 4-gray refresh.
func (d *Driver) Clear4Gray(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	if err := d.WaitIdle(ctx); err != nil {
		return fmt.Errorf("epd: clear: %w", err)
	}
	w := d.frame()
	w.command(CmdUnknown49, 0x00)
	w.command(CmdRAMXCounter, 0x00, 0x00)
	w.command(CmdRAMYCounter, 0x00, 0x00)
	w.command(CmdWriteRAM)
	w.fill(0xFF, FrameSize)
	w.command(CmdRAMXCounter, 0x00, 0x00)
	w.command(CmdRAMYCounter, 0x00, 0x00)
	w.command(CmdWriteRAM2)
	w.fill(0xFF, FrameSize)
	w.lut(LUT4GrayGC)
	w.command(CmdUpdateSequenceSetting, 0xC7)
	w.command(CmdDisplayUpdate)
	if err := w.end(); err != nil {
		return fmt.Errorf("epd: clear: %w", err)
	}
	return nil
}

// Display1Bit shows a full 1-bit frame (MSB-first rows, 1 is white).
func (d *Driver) Display1Bit(ctx context.Context, img []byte, mode Mode) error {
	if len(img) < FrameSize {
		return fmt.Errorf("epd: frame of %d bytes, need %d: %w", len(img), FrameSize, station.ErrParam)
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	if err := d.WaitIdle(ctx); err != nil {
		return fmt.Errorf("epd: display: %w", err)
	}
	w := d.frame()
	w.command(CmdRAMXStartEnd, ramXFull...)
	w.command(CmdRAMYStartEnd, ramYFull...)
	w.command(CmdRAMXCounter, 0x00)
	w.command(CmdRAMYCounter, 0x00, 0x00)
	w.command(CmdWriteRAM, img[:FrameSize]...)
	w.lut(LUTFor(mode, true))
	w.command(CmdDisplayUpdate)
	if err := w.end(); err != nil {
		return fmt.Errorf("epd: display: %w", err)
	}
	return nil
}

// Display1BitTop refreshes rows [0, yEnd) only. img holds those rows at the
// window stride; rows below the window keep their previous content.
func (d *Driver) Display1BitTop(ctx context.Context, img []byte, yEnd int, mode Mode) error {
	if yEnd <= 0 || yEnd > Height {
		return fmt.Errorf("epd: window end %d outside 1..%d: %w", yEnd, Height, station.ErrParam)
	}
	n := TopWindowSize(yEnd)
	if len(img) < n {
		return fmt.Errorf("epd: window of %d bytes, need %d: %w", len(img), n, station.ErrParam)
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	if err := d.WaitIdle(ctx); err != nil {
		return fmt.Errorf("epd: display: %w", err)
	}
	const xEnd = Width - 1
	y := yEnd - 1
	w := d.frame()
	w.command(CmdRAMXStartEnd, 0x00, 0x00, xEnd&0xFF, (xEnd>>8)&0x03)
	w.command(CmdRAMYStartEnd, 0x00, 0x00, byte(y&0xFF), byte((y>>8)&0x03))
	w.command(CmdRAMXCounter, 0x00)
	w.command(CmdRAMYCounter, 0x00, 0x00)
	w.command(CmdWriteRAM, img[:n]...)
	w.lut(LUTFor(mode, true))
	w.command(CmdDisplayUpdate)
	if err := w.end(); err != nil {
		return fmt.Errorf("epd: display: %w", err)
	}
	return nil
}

// TopWindowSize is the byte count Display1BitTop sends for rows [0, yEnd).
// The window stride is derived from the inclusive end column and comes out
// at 35 bytes, the same as a full row.
func TopWindowSize(yEnd int) int {
	const span = Width - 1
	stride := span / 8
	if span%8 != 0 {
		stride++
	}
	return stride * yEnd
}

// Display4Gray shows a 2bpp frame (four pixels per byte, leftmost in the top
// bits).
func (d *Driver) Display4Gray(ctx context.Context, img []byte) error {
	if len(img) < GrayFrameSize {
		return fmt.Errorf("epd: gray frame of %d bytes, need %d: %w", len(img), GrayFrameSize, station.ErrParam)
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	if err := d.WaitIdle(ctx); err != nil {
		return fmt.Errorf("epd: display: %w", err)
	}
	w := d.frame()
	w.command(CmdUnknown49, 0x00)
	w.command(CmdRAMXCounter, 0x00, 0x00)
	w.command(CmdRAMYCounter, 0x00, 0x00)
	w.command(CmdWriteRAM, packImage(img, PlaneBW)...)
	w.command(CmdRAMXCounter, 0x00, 0x00)
	w.command(CmdRAMYCounter, 0x00, 0x00)
	w.command(CmdWriteRAM2, packImage(img, PlaneRed)...)
	w.lut(LUT4GrayGC)
	w.command(CmdUpdateSequenceSetting, 0xC7)
	w.command(CmdDisplayUpdate)
	if err := w.end(); err != nil {
		return fmt.Errorf("epd: display: %w", err)
	}
	return nil
}

// Sleep puts the panel to sleep. A normal sleep keeps RAM; deep sleep needs
// a reset and init to wake up.
func (d *Driver) Sleep(ctx context.Context, mode SleepMode) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	w := d.frame()
	for _, s := range sleepSequence(mode) {
		w.command(s.cmd, s.data...)
	}
	if err := w.end(); err != nil {
		return fmt.Errorf("epd: sleep: %w", err)
	}
	d.sleeping()
	return nil
}

func (d *Driver) sleeping() {
	d.state = StateSleeping
	d.lutValid = false
}

type step struct {
	cmd  Command
	data []byte
}

func sleepSequence(mode SleepMode) []step {
	if mode == SleepDeep {
		return []step{{CmdDeepSleep, []byte{0x03}}}
	}
	return []step{
		{CmdSleep, []byte{0xF7}},
		{CmdPowerOff, nil},
		{CmdSleep2, []byte{0xA5}},
	}
}

// LoadLUT writes a waveform table unless the panel already holds it. It must
// run inside an open command frame.
func (d *Driver) LoadLUT(l LUT) error {
	if d.lutValid && d.lut == l {
		return nil
	}
	if !d.csLow {
		return ErrNotReady
	}
	table := l.Bytes()
	if table == nil {
		return fmt.Errorf("epd: unknown lut %d: %w", l, station.ErrParam)
	}
	if err := d.send(false, []byte{byte(CmdWriteLUT)}); err != nil {
		return err
	}
	if err := d.send(true, table); err != nil {
		return err
	}
	d.lut, d.lutValid = l, true
	return nil
}

func (d *Driver) send(data bool, b []byte) error {
	if err := d.pins.DC.Out(gpio.Level(data)); err != nil {
		return fmt.Errorf("%w: dc line: %w", station.ErrTransfer, err)
	}
	if err := spibus.Transfer(d.conn, b, nil); err != nil {
		return fmt.Errorf("%w: %w", station.ErrTransfer, err)
	}
	return nil
}

func (d *Driver) delay(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return ctx.Err()
	}
	t := d.clock.Timer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
