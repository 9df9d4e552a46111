package display

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mklimuk/station"
	"github.com/mklimuk/station/epd"
	"go.uber.org/multierr"
	"tinygo.org/x/drivers"
)

const (
	DefaultRefreshCyclesBeforeGC = 10

	// the first flush after init always runs a full refresh
	refreshCounterStart = 99
)

// ErrFlushPending is returned by Wait when the context ends first.
var ErrFlushPending = errors.New("flush still pending")

// Panel is the part of the panel driver the adapter needs.
type Panel interface {
	Size() (int, int)
	// State turns StateUninitialized once a queued transaction has failed.
	State() epd.State
	Init1Bit(ctx context.Context) error
	Display1Bit(ctx context.Context, img []byte, mode epd.Mode) error
	Sleep(ctx context.Context, mode epd.SleepMode) error
	QueueDisplay1Bit(q station.Queue, img []byte, mode epd.Mode) error
	QueueSleep(q station.Queue, mode epd.SleepMode) error
}

var _ Panel = &epd.Driver{}

type Option func(*Adapter)

// WithQueue switches flushes to the queued path. A nil queue keeps the
// blocking path.
func WithQueue(q station.Queue) Option {
	return func(a *Adapter) {
		a.q = q
	}
}

// WithWorkBuffer provides the frame buffer queued flushes are sent from. It
// must hold a full panel frame. Without it queued flushes fall back to
// blocking.
func WithWorkBuffer(buf []byte) Option {
	return func(a *Adapter) {
		a.work = buf
	}
}

func WithRefreshCyclesBeforeGC(n int) Option {
	return func(a *Adapter) {
		a.cycles = n
	}
}

// WithDefaultMode sets the partial refresh mode used between full refreshes.
func WithDefaultMode(m epd.Mode) Option {
	return func(a *Adapter) {
		a.mode = m
	}
}

func WithClock(c clock.Clock) Option {
	return func(a *Adapter) {
		a.clock = c
	}
}

// WithIdlePoll sets how often the queue is checked while waiting for it to
// drain.
func WithIdlePoll(d time.Duration) Option {
	return func(a *Adapter) {
		a.idlePoll = d
	}
}

// Adapter turns library flush requests into panel refreshes. Every
// refreshCyclesBeforeGC-th refresh is a full (GC) one; the others use the
// default partial mode.
type Adapter struct {
	mx    sync.Mutex
	panel Panel
	q     station.Queue

	work    []byte
	scratch []byte

	cycles  int
	counter int
	mode    epd.Mode

	clock    clock.Clock
	idlePoll time.Duration

	initialized bool
	inFlight    atomic.Bool
	// mailbox holds the ready hook of the finished queued flush
	mailbox chan func()
}

func New(panel Panel, opts ...Option) (*Adapter, error) {
	if panel == nil {
		return nil, fmt.Errorf("display: missing panel: %w", station.ErrParam)
	}
	a := &Adapter{
		panel:    panel,
		cycles:   DefaultRefreshCyclesBeforeGC,
		counter:  refreshCounterStart,
		mode:     epd.ModeDU,
		clock:    clock.New(),
		idlePoll: time.Millisecond,
		mailbox:  make(chan func(), 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.mode == epd.ModeGC {
		return nil, fmt.Errorf("display: default mode must be partial: %w", station.ErrParam)
	}
	if a.work != nil && len(a.work) < a.frameSize() {
		return nil, fmt.Errorf("display: work buffer of %d bytes, need %d: %w", len(a.work), a.frameSize(), station.ErrParam)
	}
	return a, nil
}

func (a *Adapter) frameSize() int {
	w, h := a.panel.Size()
	return (w + 7) / 8 * h
}

// Flush refreshes the panel with px, a palette-prefixed 1-bit buffer
// covering area in the rotated orientation. ready is called exactly once:
// before Flush returns on the blocking path, or from Poll once the queue has
// run the whole refresh on the queued path.
func (a *Adapter) Flush(ctx context.Context, area Area, px []byte, rot drivers.Rotation, ready func()) error {
	if ready == nil {
		ready = func() {}
	}
	if len(px) < PaletteSize {
		ready()
		return fmt.Errorf("display: missing pixel data: %w", station.ErrParam)
	}

	a.mx.Lock()
	defer a.mx.Unlock()
	if a.inFlight.Load() || len(a.mailbox) > 0 {
		ready()
		return fmt.Errorf("display: previous frame not acknowledged: %w", station.ErrBusBusy)
	}
	a.checkPanel()
	if a.q == nil || a.work == nil {
		defer ready()
		return a.flushBlocking(ctx, area, px, rot)
	}
	return a.flushQueued(ctx, area, px, rot, ready)
}

func (a *Adapter) flushBlocking(ctx context.Context, area Area, px []byte, rot drivers.Rotation) error {
	if a.q != nil {
		if err := a.q.Acquire(ctx); err != nil {
			return fmt.Errorf("display: flush: %w", err)
		}
		defer a.q.Release()
	}
	if err := a.init(ctx); err != nil {
		return err
	}
	mode := a.nextMode()
	buf := a.work
	if buf == nil {
		if a.scratch == nil {
			a.scratch = make([]byte, a.frameSize())
		}
		buf = a.scratch
	}
	img, err := a.convert(buf, area, px, rot, true)
	if err != nil {
		return err
	}
	err = a.panel.Display1Bit(ctx, img, mode)
	err = multierr.Append(err, a.panel.Sleep(ctx, epd.SleepNormal))
	if err != nil {
		a.initialized = false
		return fmt.Errorf("display: flush: %w", err)
	}
	return nil
}

func (a *Adapter) flushQueued(ctx context.Context, area Area, px []byte, rot drivers.Rotation, ready func()) error {
	if !a.initialized {
		if err := a.initExclusive(ctx); err != nil {
			ready()
			return err
		}
	}
	mode := a.nextMode()
	img, err := a.convert(a.work, area, px, rot, false)
	if err != nil {
		ready()
		return err
	}

	err = a.panel.QueueDisplay1Bit(a.q, img, mode)
	if err == nil {
		err = a.panel.QueueSleep(a.q, epd.SleepNormal)
	}
	if err != nil {
		a.initialized = false
	}

	a.inFlight.Store(true)
	done := func(station.Queue, any) {
		a.mailbox <- ready
		a.inFlight.Store(false)
	}
	if cbErr := a.q.EnqueueCallback(done, nil); cbErr != nil {
		// nothing will signal the queue drain; hand the hook over right away
		done(a.q, nil)
		err = multierr.Append(err, cbErr)
	}
	if err != nil {
		return fmt.Errorf("display: queued flush: %w", err)
	}
	return nil
}

// Poll runs the ready hook of a finished queued flush. It belongs in the
// caller's main loop and reports whether a hook ran.
func (a *Adapter) Poll() bool {
	select {
	case ready := <-a.mailbox:
		ready()
		return true
	default:
		return false
	}
}

// Pending reports whether a queued flush has not reached its completion
// callback yet.
func (a *Adapter) Pending() bool {
	return a.inFlight.Load()
}

// Close lets queued work drain and puts the panel to sleep.
func (a *Adapter) Close(ctx context.Context) error {
	a.mx.Lock()
	defer a.mx.Unlock()
	if a.q != nil {
		if err := a.waitIdle(ctx); err != nil {
			return fmt.Errorf("display: close: %w", err)
		}
	}
	a.checkPanel()
	if !a.initialized {
		return nil
	}
	var err error
	if a.q != nil {
		err = a.panel.QueueSleep(a.q, epd.SleepNormal)
		err = multierr.Append(err, a.waitIdle(ctx))
	} else {
		err = a.panel.Sleep(ctx, epd.SleepNormal)
	}
	a.initialized = false
	if err != nil {
		return fmt.Errorf("display: close: %w", err)
	}
	return nil
}

// initExclusive runs init with the bus held; init talks to the panel
// directly and nothing else may start a transfer meanwhile.
func (a *Adapter) initExclusive(ctx context.Context) error {
	if err := a.q.Acquire(ctx); err != nil {
		return fmt.Errorf("display: init: %w", err)
	}
	defer a.q.Release()
	return a.init(ctx)
}

// checkPanel drops the init flag when a queued refresh failed after Flush
// returned.
func (a *Adapter) checkPanel() {
	if a.initialized && a.panel.State() == epd.StateUninitialized {
		a.initialized = false
	}
}

func (a *Adapter) init(ctx context.Context) error {
	if a.initialized {
		return nil
	}
	if err := a.panel.Init1Bit(ctx); err != nil {
		return fmt.Errorf("display: init: %w", err)
	}
	a.counter = refreshCounterStart
	a.initialized = true
	return nil
}

func (a *Adapter) nextMode() epd.Mode {
	if a.counter >= a.cycles-1 {
		a.counter = 0
		return epd.ModeGC
	}
	a.counter++
	return a.mode
}

// convert strips the palette and lays the pixels out in panel orientation.
// With inPlace an unrotated frame already at the panel stride is returned
// without copying.
func (a *Adapter) convert(dst []byte, area Area, px []byte, rot drivers.Rotation, inPlace bool) ([]byte, error) {
	src := px[PaletteSize:]
	w, h := area.Width(), area.Height()
	dw, dh := w, h
	if rot == drivers.Rotation90 || rot == drivers.Rotation270 {
		dw, dh = h, w
	}
	pw, ph := a.panel.Size()
	if dw != pw || dh != ph {
		return nil, fmt.Errorf("display: %dx%d area does not cover the %dx%d panel: %w", dw, dh, pw, ph, station.ErrParam)
	}
	srcStride := (w + 7) / 8
	if len(src) < srcStride*h {
		return nil, fmt.Errorf("display: %d pixel bytes for %dx%d: %w", len(src), w, h, station.ErrParam)
	}
	dstStride := (dw + 7) / 8
	if inPlace && rot == drivers.Rotation0 && srcStride == dstStride {
		return src[:srcStride*h], nil
	}
	Rotate(src, dst, w, h, srcStride, dstStride, rot)
	return dst, nil
}

func (a *Adapter) waitIdle(ctx context.Context) error {
	for !a.q.IsIdle() {
		t := a.clock.Timer(a.idlePoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("waiting for bus: %w", ctx.Err())
		case <-t.C:
		}
	}
	return nil
}

// Wait polls until the queued flush, if any, has delivered its ready hook.
func (a *Adapter) Wait(ctx context.Context) error {
	for {
		a.Poll()
		if !a.Pending() && len(a.mailbox) == 0 {
			return nil
		}
		t := a.clock.Timer(a.idlePoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %w", ErrFlushPending, ctx.Err())
		case <-t.C:
		}
	}
}
