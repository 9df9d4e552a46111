package epd

import (
	"fmt"

	"github.com/mklimuk/station"
)

// sequence accumulates panel transactions for a bus queue. The first submit
// error stops it; entries already accepted stay queued.
type sequence struct {
	d   *Driver
	q   station.Queue
	err error
}

func (d *Driver) lines() (cs, dc station.Line) {
	return station.Line{Pin: d.pins.CS, ActiveLow: true}, station.Line{Pin: d.pins.DC}
}

func (s *sequence) submit(mode station.DCMode, b []byte, ready bool) {
	if s.err != nil {
		return
	}
	cs, dc := s.d.lines()
	t := station.Transaction{
		CS:        cs,
		DC:        dc,
		DCMode:    mode,
		Registers: s.d.regs,
		Tx:        b,
	}
	if ready {
		t.Ready = s.d.Ready
		t.ReadyTimeout = s.d.timing.BusyTimeout
	}
	t.OnError = s.d.queuedFailed
	s.err = s.q.Submit(t)
}

// queuedFailed runs from the queue, possibly inside a Submit made under d.mx,
// so it only flags the failure.
func (d *Driver) queuedFailed(_ station.Queue, _ any, _ error) {
	d.failed.Store(true)
}

func (s *sequence) command(c Command, data ...byte) {
	s.submit(station.DCCommand, []byte{byte(c)}, false)
	if len(data) > 0 {
		s.submit(station.DCData, data, false)
	}
}

// commandWait queues a command whose transaction completes only once the
// panel drops BUSY.
func (s *sequence) commandWait(c Command) {
	s.submit(station.DCCommand, []byte{byte(c)}, true)
}

func (s *sequence) lut(l LUT) {
	if s.err != nil || (s.d.lutValid && s.d.lut == l) {
		return
	}
	s.command(CmdWriteLUT, l.Bytes()...)
	if s.err == nil {
		s.d.lut, s.d.lutValid = l, true
	}
}

// QueueDisplay1Bit queues a full 1-bit frame update. img is sent in place and
// must not change until the queue has run the sequence. The last entry holds
// the queue until the panel finishes refreshing.
func (d *Driver) QueueDisplay1Bit(q station.Queue, img []byte, mode Mode) error {
	if q == nil {
		return fmt.Errorf("epd: missing queue: %w", station.ErrParam)
	}
	if len(img) < FrameSize {
		return fmt.Errorf("epd: frame of %d bytes, need %d: %w", len(img), FrameSize, station.ErrParam)
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	d.settle()
	s := &sequence{d: d, q: q}
	s.command(CmdRAMXStartEnd, ramXFull...)
	s.command(CmdRAMYStartEnd, ramYFull...)
	s.command(CmdRAMXCounter, 0x00)
	s.command(CmdRAMYCounter, 0x00, 0x00)
	s.command(CmdWriteRAM, img[:FrameSize]...)
	s.lut(LUTFor(mode, true))
	s.commandWait(CmdDisplayUpdate)
	if s.err != nil {
		return fmt.Errorf("epd: queue display: %w", s.err)
	}
	return nil
}

// QueueSleep queues the same command sequence as Sleep.
func (d *Driver) QueueSleep(q station.Queue, mode SleepMode) error {
	if q == nil {
		return fmt.Errorf("epd: missing queue: %w", station.ErrParam)
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	d.settle()
	s := &sequence{d: d, q: q}
	for _, st := range sleepSequence(mode) {
		s.command(st.cmd, st.data...)
	}
	if s.err != nil {
		return fmt.Errorf("epd: queue sleep: %w", s.err)
	}
	d.sleeping()
	return nil
}
