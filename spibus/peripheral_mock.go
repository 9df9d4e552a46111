package spibus

import (
	"sync"

	"github.com/mklimuk/station"
)

// StartBehaviorFunc decides the outcome of a transfer start. rx is nil for
// write-only transfers.
type StartBehaviorFunc func(tx, rx []byte) error

// MockPeripheral is a peripheral that never touches hardware. Starts are
// recorded and completion is reported either synchronously (AutoComplete)
// or manually through FireComplete, FireHalf and FireError.
//
// Example usage:
//
//	p := NewMockPeripheral(func(tx, rx []byte) error {
//		copy(rx, []byte{0x00, 0x51})
//		return nil
//	})
//	p.AutoComplete = true
//	m, _ := New(p, 8)
type MockPeripheral struct {
	mx       sync.Mutex
	behavior StartBehaviorFunc
	handler  Handler

	// AutoComplete reports Complete from inside the start call.
	AutoComplete bool

	Starts    [][]byte
	Registers []station.Registers
}

var _ Peripheral = &MockPeripheral{}

// NewMockPeripheral creates a mock; a nil behavior accepts every start.
func NewMockPeripheral(behavior StartBehaviorFunc) *MockPeripheral {
	return &MockPeripheral{behavior: behavior}
}

func (m *MockPeripheral) Bind(h Handler) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.handler = h
}

func (m *MockPeripheral) Configure(r station.Registers) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.Registers = append(m.Registers, r)
	return nil
}

func (m *MockPeripheral) StartTx(tx []byte) error {
	return m.start(tx, nil)
}

func (m *MockPeripheral) StartTxRx(tx, rx []byte) error {
	return m.start(tx, rx)
}

// StartCount returns the number of transfers started so far.
func (m *MockPeripheral) StartCount() int {
	m.mx.Lock()
	defer m.mx.Unlock()
	return len(m.Starts)
}

// Started returns a copy of the tx buffer of the i-th start.
func (m *MockPeripheral) Started(i int) []byte {
	m.mx.Lock()
	defer m.mx.Unlock()
	return append([]byte(nil), m.Starts[i]...)
}

func (m *MockPeripheral) FireComplete() {
	m.bound().Complete(m)
}

func (m *MockPeripheral) FireHalf() {
	m.bound().HalfComplete(m)
}

func (m *MockPeripheral) FireError(err error) {
	m.bound().Error(m, err)
}

func (m *MockPeripheral) bound() Handler {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.handler
}

func (m *MockPeripheral) start(tx, rx []byte) error {
	m.mx.Lock()
	m.Starts = append(m.Starts, append([]byte(nil), tx...))
	behavior, auto, h := m.behavior, m.AutoComplete, m.handler
	m.mx.Unlock()

	if behavior != nil {
		if err := behavior(tx, rx); err != nil {
			return err
		}
	}
	if auto && h != nil {
		h.Complete(m)
	}
	return nil
}
