package epd

import (
	"context"
	"fmt"
	"time"

	"github.com/mklimuk/station"
	"periph.io/x/conn/v3/gpio"
)

const fillChunk = 512

// frameWriter sends a command sequence inside one chip select frame. The
// first error sticks and turns the remaining calls into no-ops; end always
// releases chip select.
type frameWriter struct {
	d   *Driver
	err error
}

// frame opens a chip select frame. Callers hold d.mx.
func (d *Driver) frame() *frameWriter {
	w := &frameWriter{d: d}
	if err := d.pins.CS.Out(gpio.Low); err != nil {
		w.err = fmt.Errorf("%w: chip select: %w", station.ErrTransfer, err)
		return w
	}
	d.csLow = true
	return w
}

func (w *frameWriter) command(c Command, data ...byte) {
	if w.err != nil {
		return
	}
	if w.err = w.d.send(false, []byte{byte(c)}); w.err != nil {
		w.err = fmt.Errorf("%s: %w", c, w.err)
		return
	}
	if len(data) > 0 {
		w.data(data)
	}
}

func (w *frameWriter) data(b []byte) {
	if w.err != nil {
		return
	}
	w.err = w.d.send(true, b)
}

func (w *frameWriter) fill(v byte, n int) {
	buf := make([]byte, min(fillChunk, n))
	for i := range buf {
		buf[i] = v
	}
	for n > 0 && w.err == nil {
		c := min(len(buf), n)
		w.data(buf[:c])
		n -= c
	}
}

func (w *frameWriter) lut(l LUT) {
	if w.err != nil {
		return
	}
	if w.err = w.d.LoadLUT(l); w.err != nil {
		w.err = fmt.Errorf("lut %s: %w", l, w.err)
	}
}

func (w *frameWriter) waitIdle(ctx context.Context) {
	if w.err != nil {
		return
	}
	w.err = w.d.WaitIdle(ctx)
}

func (w *frameWriter) delay(ctx context.Context, dur time.Duration) {
	if w.err != nil {
		return
	}
	w.err = w.d.delay(ctx, dur)
}

func (w *frameWriter) end() error {
	w.d.csLow = false
	if err := w.d.pins.CS.Out(gpio.High); err != nil && w.err == nil {
		w.err = fmt.Errorf("%w: chip select: %w", station.ErrTransfer, err)
	}
	return w.err
}
