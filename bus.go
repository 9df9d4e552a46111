package station

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"periph.io/x/conn/v3/gpio"
)

var (
	ErrBusBusy      = fmt.Errorf("bus is busy (transfer not completed)")
	ErrParam        = errors.New("invalid parameter")
	ErrQueueFull    = errors.New("transaction queue is full")
	ErrTransfer     = errors.New("transfer failed")
	ErrReadyTimeout = errors.New("device not ready after transfer")
)

// Kind tells a bus transfer apart from a pure callback entry.
type Kind uint8

const (
	KindTransfer Kind = iota
	KindCallback
)

// DCMode is the phase the data/command line is driven to before a transfer.
type DCMode uint8

const (
	DCUnused DCMode = iota
	DCCommand
	DCData
)

type Direction uint8

const (
	DirTx Direction = iota
	DirTxRx
)

// Registers is an opaque snapshot of the two peripheral control registers
// applied right before a transfer. Peripherals decide how to interpret it.
type Registers struct {
	CR1 uint32
	CR2 uint32
}

// Line is a GPIO output with its active polarity.
type Line struct {
	Pin       gpio.PinOut
	ActiveLow bool
}

func (l Line) Valid() bool {
	return l.Pin != nil
}

func (l Line) Assert() error {
	if l.Pin == nil {
		return nil
	}
	return l.Pin.Out(gpio.Level(!l.ActiveLow))
}

func (l Line) Deassert() error {
	if l.Pin == nil {
		return nil
	}
	return l.Pin.Out(gpio.Level(l.ActiveLow))
}

// Callback is invoked with the queue that ran the entry and the entry's user value.
type Callback func(q Queue, user any)

// ErrorCallback receives the cause: ErrTransfer (wrapped) or ErrReadyTimeout.
type ErrorCallback func(q Queue, user any, err error)

// ReadyFunc reports whether the device finished processing after a transfer.
type ReadyFunc func(user any) bool

// Transaction is one unit of queued work. It is copied by value on submit;
// Tx and Rx must stay valid until the entry completes.
type Transaction struct {
	Kind Kind

	CS     Line
	DC     Line
	DCMode DCMode

	Registers Registers

	Tx  []byte
	Rx  []byte
	Dir Direction

	// Ready is polled after the transfer until it returns true or
	// ReadyTimeout elapses. A Ready predicate requires a positive timeout.
	Ready        ReadyFunc
	ReadyTimeout time.Duration

	OnHalf  Callback
	OnDone  Callback
	OnError ErrorCallback
	User    any
}

// Validate checks that a transfer entry can be started. Callback entries only need OnDone.
func (t *Transaction) Validate() error {
	if t.Kind == KindCallback {
		if t.OnDone == nil {
			return fmt.Errorf("callback entry without callback: %w", ErrParam)
		}
		return nil
	}
	if !t.CS.Valid() {
		return fmt.Errorf("missing chip select: %w", ErrParam)
	}
	if len(t.Tx) == 0 {
		return fmt.Errorf("empty tx buffer: %w", ErrParam)
	}
	if t.Dir == DirTxRx && len(t.Rx) < len(t.Tx) {
		return fmt.Errorf("rx buffer shorter than tx (%d < %d): %w", len(t.Rx), len(t.Tx), ErrParam)
	}
	if t.Ready != nil && t.ReadyTimeout <= 0 {
		return fmt.Errorf("ready predicate without timeout: %w", ErrParam)
	}
	return nil
}

// Queue is the arbitrated transaction queue shared by device drivers.
//
// Acquire grants exclusive use of the bus to a caller that drives chip select
// itself, outside the queue. It waits until the queue is idle; entries
// submitted while the bus is held stay queued until Release.
type Queue interface {
	Submit(t Transaction) error
	EnqueueCallback(cb Callback, user any) error
	IsIdle() bool
	Acquire(ctx context.Context) error
	Release()
}

// Millis returns the millisecond tick of c. It wraps like a 32-bit hardware
// counter, so elapsed time must be computed as now-start on uint32.
func Millis(c clock.Clock) uint32 {
	return uint32(c.Now().UnixMilli())
}

type AddressableReader interface {
	ReadFromAddr(ctx context.Context, address byte, buffer []byte) error
}

type AddressableWriter interface {
	WriteToAddr(ctx context.Context, address byte, buffer []byte) error
	Release(ctx context.Context) error
}

type I2CBus interface {
	AddressableReader
	AddressableWriter
}
