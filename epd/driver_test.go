package epd

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mklimuk/station"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/conntest"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/spi/spitest"
)

type op struct {
	data bool
	b    []byte
}

// recorder captures every write together with the DC level, merging
// consecutive data writes.
type recorder struct {
	dc, cs       *gpiotest.Pin
	ops          []op
	outsideFrame int
	fail         error
}

func (r *recorder) Tx(w, _ []byte) error {
	if r.fail != nil {
		return r.fail
	}
	if r.cs.Read() != gpio.Low {
		r.outsideFrame++
	}
	data := r.dc.Read() == gpio.High
	if n := len(r.ops); data && n > 0 && r.ops[n-1].data {
		r.ops[n-1].b = append(r.ops[n-1].b, w...)
		return nil
	}
	r.ops = append(r.ops, op{data: data, b: append([]byte(nil), w...)})
	return nil
}

func (r *recorder) commands() []Command {
	var cmds []Command
	for _, o := range r.ops {
		if !o.data {
			cmds = append(cmds, Command(o.b[0]))
		}
	}
	return cmds
}

// payload returns the data written after the n-th occurrence of c.
func (r *recorder) payload(c Command, n int) []byte {
	for i, o := range r.ops {
		if o.data || Command(o.b[0]) != c {
			continue
		}
		if n > 0 {
			n--
			continue
		}
		if i+1 < len(r.ops) && r.ops[i+1].data {
			return r.ops[i+1].b
		}
		return nil
	}
	return nil
}

type testPins struct {
	reset, dc, cs, busy *gpiotest.Pin
}

var fastTiming = Timing{BusyTimeout: 30 * time.Millisecond, BusyPoll: time.Millisecond}

func newTestDriver(t *testing.T, opts ...Option) (*Driver, *recorder, testPins) {
	t.Helper()
	p := testPins{
		reset: &gpiotest.Pin{N: "RST", L: gpio.High},
		dc:    &gpiotest.Pin{N: "DC", L: gpio.Low},
		cs:    &gpiotest.Pin{N: "CS", L: gpio.High},
		busy:  &gpiotest.Pin{N: "BUSY", L: gpio.High},
	}
	rec := &recorder{dc: p.dc, cs: p.cs}
	d, err := New(Pins{Reset: p.reset, DC: p.dc, CS: p.cs, Busy: p.busy}, rec,
		append([]Option{WithTiming(fastTiming)}, opts...)...)
	require.NoError(t, err)
	return d, rec, p
}

func TestNew_MissingPins(t *testing.T) {
	_, err := New(Pins{}, &recorder{})
	assert.ErrorIs(t, err, station.ErrParam)
}

func TestDriver_Init(t *testing.T) {
	tests := []struct {
		name   string
		init   func(d *Driver) error
		option []byte
	}{
		{"1bit", func(d *Driver) error { return d.Init1Bit(context.Background()) }, displayOption1Bit},
		{"4gray", func(d *Driver) error { return d.Init4Gray(context.Background()) }, displayOption4Gray},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			d, rec, pins := newTestDriver(t)
			require.NoError(t, test.init(d))
			assert.Equal(t, []Command{
				CmdSWReset, CmdAutoWriteRedPattern, CmdAutoWriteBWPattern, CmdGateSetting,
				CmdGateVoltage, CmdGateVoltageSource, CmdDataEntrySequence, CmdBorderWaveform,
				CmdBoosterSoftStart, CmdTempSensorSelect, CmdWriteVCOM, CmdDisplayOption,
				CmdRAMXStartEnd, CmdRAMYStartEnd, CmdUpdateSequenceSetting,
			}, rec.commands())
			assert.Equal(t, test.option, rec.payload(CmdDisplayOption, 0))
			assert.Equal(t, []byte{0xDF, 0x01, 0x00}, rec.payload(CmdGateSetting, 0))
			assert.Equal(t, []byte{0xAE, 0xC7, 0xC3, 0xC0, 0xC0}, rec.payload(CmdBoosterSoftStart, 0))
			assert.Equal(t, []byte{0xCF}, rec.payload(CmdUpdateSequenceSetting, 0))
			assert.Zero(t, rec.outsideFrame)
			assert.Equal(t, gpio.High, pins.cs.Read())
			assert.Equal(t, gpio.High, pins.reset.Read())
			assert.Equal(t, StateReady, d.State())
			_, valid := d.CachedLUT()
			assert.False(t, valid)
		})
	}
}

func TestDriver_Display1Bit(t *testing.T) {
	d, rec, _ := newTestDriver(t)
	ctx := context.Background()
	img := bytes.Repeat([]byte{0xAA}, FrameSize)

	require.NoError(t, d.Display1Bit(ctx, img, ModeGC))
	assert.Equal(t, []Command{
		CmdRAMXStartEnd, CmdRAMYStartEnd, CmdRAMXCounter, CmdRAMYCounter,
		CmdWriteRAM, CmdWriteLUT, CmdDisplayUpdate,
	}, rec.commands())
	assert.Equal(t, []byte{0x00, 0x00, 0x17, 0x01}, rec.payload(CmdRAMXStartEnd, 0))
	assert.Equal(t, []byte{0x00, 0x00, 0xDF, 0x01}, rec.payload(CmdRAMYStartEnd, 0))
	assert.Equal(t, []byte{0x00}, rec.payload(CmdRAMXCounter, 0))
	assert.Equal(t, img, rec.payload(CmdWriteRAM, 0))
	assert.Equal(t, LUT1GrayGC.Bytes(), rec.payload(CmdWriteLUT, 0))

	// same table is not sent twice
	rec.ops = nil
	require.NoError(t, d.Display1Bit(ctx, img, ModeGC))
	assert.NotContains(t, rec.commands(), CmdWriteLUT)

	rec.ops = nil
	require.NoError(t, d.Display1Bit(ctx, img, ModeDU))
	assert.Equal(t, LUT1GrayDU.Bytes(), rec.payload(CmdWriteLUT, 0))
	l, valid := d.CachedLUT()
	assert.True(t, valid)
	assert.Equal(t, LUT1GrayDU, l)
}

func TestDriver_Display1BitShortFrame(t *testing.T) {
	d, rec, _ := newTestDriver(t)
	err := d.Display1Bit(context.Background(), make([]byte, FrameSize-1), ModeGC)
	assert.ErrorIs(t, err, station.ErrParam)
	assert.Empty(t, rec.ops)
}

func TestDriver_Display1BitTop(t *testing.T) {
	d, rec, _ := newTestDriver(t)
	ctx := context.Background()
	img := make([]byte, FrameSize)

	for _, yEnd := range []int{0, -1, Height + 1} {
		assert.ErrorIs(t, d.Display1BitTop(ctx, img, yEnd, ModeDU), station.ErrParam)
	}
	assert.Empty(t, rec.ops)

	require.NoError(t, d.Display1BitTop(ctx, img, 100, ModeDU))
	assert.Equal(t, []byte{0x00, 0x00, 0x17, 0x01}, rec.payload(CmdRAMXStartEnd, 0))
	assert.Equal(t, []byte{0x00, 0x00, 99, 0x00}, rec.payload(CmdRAMYStartEnd, 0))
	assert.Len(t, rec.payload(CmdWriteRAM, 0), 35*100)

	rec.ops = nil
	require.NoError(t, d.Display1BitTop(ctx, img, Height, ModeDU))
	assert.Equal(t, []byte{0x00, 0x00, 0xDF, 0x01}, rec.payload(CmdRAMYStartEnd, 0))
	assert.Len(t, rec.payload(CmdWriteRAM, 0), FrameSize)
	assert.NotContains(t, rec.commands(), CmdWriteLUT, "cached table reused")
}

func TestDriver_Clear4Gray(t *testing.T) {
	d, rec, _ := newTestDriver(t)
	require.NoError(t, d.Clear4Gray(context.Background()))
	assert.Equal(t, []Command{
		CmdUnknown49, CmdRAMXCounter, CmdRAMYCounter, CmdWriteRAM,
		CmdRAMXCounter, CmdRAMYCounter, CmdWriteRAM2,
		CmdWriteLUT, CmdUpdateSequenceSetting, CmdDisplayUpdate,
	}, rec.commands())
	white := bytes.Repeat([]byte{0xFF}, FrameSize)
	assert.Equal(t, white, rec.payload(CmdWriteRAM, 0))
	assert.Equal(t, white, rec.payload(CmdWriteRAM2, 0))
	assert.Equal(t, LUT4GrayGC.Bytes(), rec.payload(CmdWriteLUT, 0))
	assert.Equal(t, []byte{0xC7}, rec.payload(CmdUpdateSequenceSetting, 0))
}

func TestDriver_Clear1Bit(t *testing.T) {
	d, rec, _ := newTestDriver(t)
	require.NoError(t, d.Clear1Bit(context.Background(), ModeA2))
	assert.Equal(t, []Command{
		CmdRAMXCounter, CmdRAMYCounter, CmdWriteRAM, CmdWriteLUT, CmdDisplayUpdate,
	}, rec.commands())
	assert.Len(t, rec.payload(CmdWriteRAM, 0), FrameSize)
	assert.Equal(t, LUT1GrayA2.Bytes(), rec.payload(CmdWriteLUT, 0))
}

func TestDriver_Display4Gray(t *testing.T) {
	d, rec, _ := newTestDriver(t)
	img := make([]byte, GrayFrameSize)
	img[0], img[1] = 0xC9, 0x63
	require.NoError(t, d.Display4Gray(context.Background(), img))

	bw := rec.payload(CmdWriteRAM, 0)
	red := rec.payload(CmdWriteRAM2, 0)
	require.Len(t, bw, FrameSize)
	require.Len(t, red, FrameSize)
	assert.Equal(t, byte(0x99), bw[0])
	assert.Equal(t, byte(0xA5), red[0])
	assert.Equal(t, byte(0x00), bw[1])

	assert.ErrorIs(t, d.Display4Gray(context.Background(), make([]byte, FrameSize)), station.ErrParam)
}

func TestDriver_BusyTimeout(t *testing.T) {
	d, rec, pins := newTestDriver(t)
	pins.busy.Out(gpio.Low)

	err := d.Display1Bit(context.Background(), make([]byte, FrameSize), ModeGC)
	assert.ErrorIs(t, err, ErrBusyTimeout)
	assert.NotErrorIs(t, err, station.ErrTransfer)
	assert.Empty(t, rec.ops)
	assert.Equal(t, gpio.High, pins.cs.Read())
}

func TestDriver_WaitIdleCancelled(t *testing.T) {
	d, _, pins := newTestDriver(t, WithTiming(Timing{BusyTimeout: time.Second, BusyPoll: time.Millisecond}))
	pins.busy.Out(gpio.Low)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.WaitIdle(ctx), context.Canceled)
}

func TestDriver_BusyPolarity(t *testing.T) {
	tests := []struct {
		activeHigh bool
		level      gpio.Level
		busy       bool
	}{
		{false, gpio.Low, true},
		{false, gpio.High, false},
		{true, gpio.High, true},
		{true, gpio.Low, false},
	}
	for _, test := range tests {
		d, _, pins := newTestDriver(t, WithBusyActiveHigh(test.activeHigh))
		pins.busy.Out(test.level)
		assert.Equal(t, test.busy, d.IsBusy(), "active high %v level %s", test.activeHigh, test.level)
		assert.Equal(t, !test.busy, d.Ready(nil))
	}
}

func TestDriver_TransferError(t *testing.T) {
	d, rec, pins := newTestDriver(t)
	rec.fail = errors.New("spidev: EIO")
	err := d.Clear1Bit(context.Background(), ModeGC)
	assert.ErrorIs(t, err, station.ErrTransfer)
	assert.ErrorIs(t, err, rec.fail)
	assert.Equal(t, gpio.High, pins.cs.Read(), "frame closed after error")
	_, valid := d.CachedLUT()
	assert.False(t, valid)
}

func TestDriver_SleepNormal(t *testing.T) {
	conn := &spitest.Playback{
		Playback: conntest.Playback{
			Ops: []conntest.IO{
				{W: []byte{0x50}}, {W: []byte{0xF7}},
				{W: []byte{0x02}},
				{W: []byte{0x07}}, {W: []byte{0xA5}},
			},
			DontPanic: true,
		},
	}
	cs := &gpiotest.Pin{N: "CS", L: gpio.High}
	d, err := New(Pins{
		Reset: &gpiotest.Pin{N: "RST"},
		DC:    &gpiotest.Pin{N: "DC"},
		CS:    cs,
		Busy:  &gpiotest.Pin{N: "BUSY", L: gpio.High},
	}, conn, WithTiming(fastTiming))
	require.NoError(t, err)

	require.NoError(t, d.Sleep(context.Background(), SleepNormal))
	assert.NoError(t, conn.Close())
	assert.Equal(t, StateSleeping, d.State())
	assert.Equal(t, gpio.High, cs.Read())
}

func TestDriver_SleepDeep(t *testing.T) {
	d, rec, _ := newTestDriver(t)
	require.NoError(t, d.Sleep(context.Background(), SleepDeep))
	assert.Equal(t, []Command{CmdDeepSleep}, rec.commands())
	assert.Equal(t, []byte{0x03}, rec.payload(CmdDeepSleep, 0))
}

func TestDriver_LoadLUTOutsideFrame(t *testing.T) {
	d, rec, _ := newTestDriver(t)
	assert.ErrorIs(t, d.LoadLUT(LUT1GrayGC), ErrNotReady)
	assert.Empty(t, rec.ops)
}

func TestDriver_ResetInvalidatesLUT(t *testing.T) {
	d, _, _ := newTestDriver(t)
	ctx := context.Background()
	require.NoError(t, d.Display1Bit(ctx, make([]byte, FrameSize), ModeGC))
	_, valid := d.CachedLUT()
	require.True(t, valid)
	require.NoError(t, d.Reset(ctx))
	_, valid = d.CachedLUT()
	assert.False(t, valid)
}

func TestCommand_String(t *testing.T) {
	assert.Equal(t, "display update", CmdDisplayUpdate.String())
	assert.Equal(t, "command 0x99", Command(0x99).String())
}
