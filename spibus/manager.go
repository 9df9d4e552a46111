// Package spibus arbitrates a single SPI bus between several device drivers.
//
// A Manager keeps a fixed ring of transaction descriptors and runs them one at
// a time, in submission order. It drives chip select and data/command lines
// around every transfer, optionally waits for the device to report ready and
// then dispatches the entry's callbacks. Forward progress after a transfer has
// started comes only from the peripheral's completion notifications
// (see Handler); the manager never polls the bus.
//
// Typical wiring:
//
//	prof, _ := spibus.Connect(port, 4*physic.MegaHertz, spi.Mode0, 8)
//	p, _ := spibus.NewConnPeripheral(prof)
//	m, _ := spibus.New(p, 64)
//	_ = m.Submit(station.Transaction{CS: cs, Tx: buf, Registers: prof.Registers})
package spibus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mklimuk/station"
)

var _ station.Queue = &Manager{}
var _ Handler = &Manager{}

type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// WithCacheClean enables the data cache clean over Tx before each start.
func WithCacheClean(enabled bool) Option {
	return func(m *Manager) {
		m.cleanCache = enabled
	}
}

// WithReadyPoll sets the pause between ready predicate polls. Zero yields
// the processor between polls instead of sleeping.
func WithReadyPoll(d time.Duration) Option {
	return func(m *Manager) {
		m.readyPoll = d
	}
}

type Manager struct {
	mx     sync.Mutex
	periph Peripheral

	ring       []station.Transaction
	head, tail int
	// busy is set while a transfer is on the wire
	busy     bool
	draining bool
	// held blocks new starts while a caller owns the bus outside the queue
	held    bool
	changed chan struct{}

	clock      clock.Clock
	log        *slog.Logger
	cleanCache bool
	readyPoll  time.Duration
}

// New binds a manager to p. The ring has capacity slots and holds at most
// capacity-1 pending entries.
func New(p Peripheral, capacity int, opts ...Option) (*Manager, error) {
	if p == nil {
		return nil, fmt.Errorf("spibus: missing peripheral: %w", station.ErrParam)
	}
	if capacity < 1 {
		return nil, fmt.Errorf("spibus: capacity %d: %w", capacity, station.ErrParam)
	}
	m := &Manager{
		periph:  p,
		ring:    make([]station.Transaction, capacity),
		changed: make(chan struct{}),
		clock:   clock.New(),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	p.Bind(m)
	return m, nil
}

// Submit copies t into the queue and starts it if the bus is idle. It is safe
// to call from completion callbacks.
func (m *Manager) Submit(t station.Transaction) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.mx.Lock()
	next := (m.tail + 1) % len(m.ring)
	if next == m.head {
		m.mx.Unlock()
		return station.ErrQueueFull
	}
	m.ring[m.tail] = t
	m.tail = next
	m.mx.Unlock()

	m.drain()
	return nil
}

// EnqueueCallback queues cb to run once every entry submitted before it has
// finished. It does not touch the bus.
func (m *Manager) EnqueueCallback(cb station.Callback, user any) error {
	if cb == nil {
		return fmt.Errorf("spibus: nil callback: %w", station.ErrParam)
	}
	return m.Submit(station.Transaction{
		Kind:   station.KindCallback,
		OnDone: cb,
		User:   user,
	})
}

// IsIdle reports whether nothing is in flight, nothing is queued and the bus
// is not held.
func (m *Manager) IsIdle() bool {
	m.mx.Lock()
	defer m.mx.Unlock()
	return !m.held && !m.busy && m.head == m.tail
}

// Acquire waits until the queue drains and then holds the bus for the caller.
// Entries submitted while the bus is held are queued but not started until
// Release. Do not call it from a completion callback.
func (m *Manager) Acquire(ctx context.Context) error {
	for {
		m.mx.Lock()
		if !m.held && !m.busy && m.head == m.tail {
			m.held = true
			m.mx.Unlock()
			return nil
		}
		changed := m.changed
		m.mx.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("spibus: acquire: %w", ctx.Err())
		}
	}
}

// Release gives the bus back to the queue and starts whatever was submitted
// while it was held.
func (m *Manager) Release() {
	m.mx.Lock()
	if !m.held {
		m.mx.Unlock()
		return
	}
	m.held = false
	m.signal()
	m.mx.Unlock()
	m.drain()
}

// Len returns the number of entries in the ring, the in-flight one included.
func (m *Manager) Len() int {
	m.mx.Lock()
	defer m.mx.Unlock()
	return (m.tail - m.head + len(m.ring)) % len(m.ring)
}

// CancelPending drops all entries that have not started yet. The transfer in
// flight, if any, still completes and reports normally. Do not call it from
// a completion callback.
func (m *Manager) CancelPending() {
	m.mx.Lock()
	defer m.mx.Unlock()
	keep := m.head
	if m.busy {
		keep = (m.head + 1) % len(m.ring)
	}
	for i := keep; i != m.tail; i = (i + 1) % len(m.ring) {
		m.ring[i] = station.Transaction{}
	}
	m.tail = keep
	m.signal()
}

// HalfComplete forwards the half-transfer notification to the head entry.
func (m *Manager) HalfComplete(p Peripheral) {
	t, ok := m.inFlight(p)
	if !ok || t.OnHalf == nil {
		return
	}
	t.OnHalf(m, t.User)
}

// Complete finishes the head entry: releases chip select, waits for the
// device to report ready and runs OnDone or OnError.
func (m *Manager) Complete(p Peripheral) {
	t, ok := m.inFlight(p)
	if !ok {
		return
	}
	_ = t.CS.Deassert()
	if t.Ready != nil && !m.waitReady(&t) {
		m.log.Warn("spibus: device not ready after transfer", "timeout", t.ReadyTimeout)
		if t.OnError != nil {
			t.OnError(m, t.User, station.ErrReadyTimeout)
		}
	} else if t.OnDone != nil {
		t.OnDone(m, t.User)
	}
	m.finish()
}

// Error drops the head entry after a failed transfer so the rest of the
// queue keeps moving.
func (m *Manager) Error(p Peripheral, cause error) {
	t, ok := m.inFlight(p)
	if !ok {
		return
	}
	_ = t.CS.Deassert()
	m.log.Debug("spibus: transfer error", "error", cause)
	if t.OnError != nil {
		t.OnError(m, t.User, fmt.Errorf("%w: %w", station.ErrTransfer, cause))
	}
	m.finish()
}

func (m *Manager) inFlight(p Peripheral) (station.Transaction, bool) {
	if p != m.periph {
		return station.Transaction{}, false
	}
	m.mx.Lock()
	defer m.mx.Unlock()
	if !m.busy || m.head == m.tail {
		return station.Transaction{}, false
	}
	return m.ring[m.head], true
}

func (m *Manager) finish() {
	m.mx.Lock()
	m.pop()
	m.busy = false
	m.mx.Unlock()
	m.drain()
}

// signal wakes Acquire waiters. It requires m.mx held.
func (m *Manager) signal() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// pop requires m.mx held.
func (m *Manager) pop() {
	if m.head == m.tail {
		return
	}
	m.ring[m.head] = station.Transaction{}
	m.head = (m.head + 1) % len(m.ring)
}

// drain starts queued work until a transfer is in flight or the ring is
// empty. Only one goroutine drains at a time; nested calls from callbacks
// return immediately and the outer loop picks up their work.
func (m *Manager) drain() {
	m.mx.Lock()
	if m.draining {
		m.mx.Unlock()
		return
	}
	m.draining = true
	for !m.busy && !m.held && m.head != m.tail {
		t := m.ring[m.head]
		if t.Kind == station.KindCallback {
			m.pop()
			m.mx.Unlock()
			t.OnDone(m, t.User)
			m.mx.Lock()
			continue
		}
		m.busy = true
		m.mx.Unlock()
		err := m.start(&t)
		m.mx.Lock()
		if err == nil {
			// completion may already have been reported; the loop condition
			// sees the fresh busy flag
			continue
		}
		m.busy = false
		m.pop()
		m.mx.Unlock()
		m.log.Warn("spibus: could not start transfer", "error", err)
		if t.OnError != nil {
			t.OnError(m, t.User, err)
		}
		m.mx.Lock()
	}
	m.draining = false
	m.signal()
	m.mx.Unlock()
}

func (m *Manager) start(t *station.Transaction) error {
	err := m.periph.Configure(t.Registers)
	if err != nil {
		return fmt.Errorf("%w: configure: %w", station.ErrTransfer, err)
	}
	switch t.DCMode {
	case station.DCCommand:
		err = t.DC.Deassert()
	case station.DCData:
		err = t.DC.Assert()
	}
	if err != nil {
		return fmt.Errorf("%w: data/command line: %w", station.ErrTransfer, err)
	}
	if err = t.CS.Assert(); err != nil {
		_ = t.CS.Deassert()
		return fmt.Errorf("%w: chip select: %w", station.ErrTransfer, err)
	}
	if m.cleanCache {
		if cc, ok := m.periph.(CacheCleaner); ok {
			cc.CleanCache(t.Tx)
		}
	}
	if t.Dir == station.DirTxRx {
		err = m.periph.StartTxRx(t.Tx, t.Rx)
	} else {
		err = m.periph.StartTx(t.Tx)
	}
	if err != nil {
		_ = t.CS.Deassert()
		return fmt.Errorf("%w: start: %w", station.ErrTransfer, err)
	}
	return nil
}

func (m *Manager) waitReady(t *station.Transaction) bool {
	start := station.Millis(m.clock)
	limit := uint32(t.ReadyTimeout / time.Millisecond)
	for !t.Ready(t.User) {
		if station.Millis(m.clock)-start >= limit {
			return false
		}
		if m.readyPoll > 0 {
			time.Sleep(m.readyPoll)
		} else {
			runtime.Gosched()
		}
	}
	return true
}
