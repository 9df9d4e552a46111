package epd

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mklimuk/station"
	"github.com/mklimuk/station/spibus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
)

func TestQueueDisplay1Bit(t *testing.T) {
	regs := station.Registers{CR1: 0x0800, CR2: 4000}
	d, rec, pins := newTestDriver(t, WithRegisters(regs))
	p := spibus.NewMockPeripheral(nil)
	p.AutoComplete = true
	m, err := spibus.New(p, 32)
	require.NoError(t, err)

	img := bytes.Repeat([]byte{0x5A}, FrameSize)
	require.NoError(t, d.QueueDisplay1Bit(m, img, ModeDU))

	expected := [][]byte{
		{0x44}, {0x00, 0x00, 0x17, 0x01},
		{0x45}, {0x00, 0x00, 0xDF, 0x01},
		{0x4E}, {0x00},
		{0x4F}, {0x00, 0x00},
		{0x24}, img,
		{0x32}, LUT1GrayDU.Bytes(),
		{0x20},
	}
	require.Equal(t, len(expected), p.StartCount())
	for i, e := range expected {
		assert.Equal(t, e, p.Started(i), "transaction %d", i)
	}
	for _, r := range p.Registers {
		assert.Equal(t, regs, r)
	}
	assert.Empty(t, rec.ops, "queued path does not use the blocking connection")
	assert.Equal(t, gpio.High, pins.cs.Read())
	assert.True(t, m.IsIdle())

	l, valid := d.CachedLUT()
	assert.True(t, valid)
	assert.Equal(t, LUT1GrayDU, l)

	// cached table is skipped on the next frame
	require.NoError(t, d.QueueDisplay1Bit(m, img, ModeDU))
	assert.Equal(t, len(expected)+len(expected)-2, p.StartCount())
}

func TestQueueDisplay1Bit_WaitsForPanel(t *testing.T) {
	d, _, pins := newTestDriver(t)
	pins.busy.Out(gpio.Low)
	p := spibus.NewMockPeripheral(nil)
	m, err := spibus.New(p, 32)
	require.NoError(t, err)

	require.NoError(t, d.QueueDisplay1Bit(m, make([]byte, FrameSize), ModeGC))
	for i := 0; i < 12; i++ {
		p.FireComplete()
	}
	// display update is in flight; its completion waits on BUSY until the timeout
	assert.Equal(t, 13, p.StartCount())
	assert.False(t, m.IsIdle())
	start := time.Now()
	p.FireComplete()
	assert.GreaterOrEqual(t, time.Since(start), fastTiming.BusyTimeout)
	assert.True(t, m.IsIdle())
	assert.Equal(t, StateUninitialized, d.State(), "busy timeout drops the panel state")
}

func TestQueueDisplay1Bit_FailureResetsState(t *testing.T) {
	tests := []struct {
		name string
		fail func(p *spibus.MockPeripheral, pins testPins)
	}{
		{"transfer error", func(p *spibus.MockPeripheral, _ testPins) {
			p.FireError(errors.New("overrun"))
		}},
		{"stuck busy", func(p *spibus.MockPeripheral, pins testPins) {
			for i := 0; i < 12; i++ {
				p.FireComplete()
			}
			pins.busy.Out(gpio.Low)
			p.FireComplete()
			pins.busy.Out(gpio.High)
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			d, _, pins := newTestDriver(t)
			require.NoError(t, d.Init1Bit(context.Background()))
			p := spibus.NewMockPeripheral(nil)
			m, err := spibus.New(p, 32)
			require.NoError(t, err)

			require.NoError(t, d.QueueDisplay1Bit(m, make([]byte, FrameSize), ModeGC))
			test.fail(p, pins)
			for !m.IsIdle() {
				p.FireComplete()
			}
			assert.Equal(t, StateUninitialized, d.State())
			_, valid := d.CachedLUT()
			assert.False(t, valid)

			// the next sequence loads the table again
			p.AutoComplete = true
			require.NoError(t, d.Init1Bit(context.Background()))
			require.NoError(t, d.QueueDisplay1Bit(m, make([]byte, FrameSize), ModeGC))
			assert.Equal(t, StateReady, d.State())
			l, valid := d.CachedLUT()
			assert.True(t, valid)
			assert.Equal(t, LUTFor(ModeGC, true), l)
		})
	}
}

func TestQueueDisplay1Bit_Invalid(t *testing.T) {
	d, _, _ := newTestDriver(t)
	m, err := spibus.New(spibus.NewMockPeripheral(nil), 4)
	require.NoError(t, err)
	assert.ErrorIs(t, d.QueueDisplay1Bit(nil, make([]byte, FrameSize), ModeGC), station.ErrParam)
	assert.ErrorIs(t, d.QueueDisplay1Bit(m, make([]byte, 10), ModeGC), station.ErrParam)
}

func TestQueueDisplay1Bit_QueueFull(t *testing.T) {
	d, _, _ := newTestDriver(t)
	m, err := spibus.New(spibus.NewMockPeripheral(nil), 4)
	require.NoError(t, err)
	err = d.QueueDisplay1Bit(m, make([]byte, FrameSize), ModeGC)
	assert.ErrorIs(t, err, station.ErrQueueFull)
	_, valid := d.CachedLUT()
	assert.False(t, valid, "table not marked loaded when it was never queued")
}

func TestQueueSleep(t *testing.T) {
	tests := []struct {
		mode     SleepMode
		expected [][]byte
	}{
		{SleepDeep, [][]byte{{0x10}, {0x03}}},
		{SleepNormal, [][]byte{{0x50}, {0xF7}, {0x02}, {0x07}, {0xA5}}},
	}
	for _, test := range tests {
		d, _, _ := newTestDriver(t)
		p := spibus.NewMockPeripheral(nil)
		p.AutoComplete = true
		m, err := spibus.New(p, 8)
		require.NoError(t, err)

		require.NoError(t, d.QueueSleep(m, test.mode))
		require.Equal(t, len(test.expected), p.StartCount())
		for i, e := range test.expected {
			assert.Equal(t, e, p.Started(i))
		}
		assert.Equal(t, StateSleeping, d.State())
	}
}
