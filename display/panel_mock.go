package display

import (
	"context"
	"sync"

	"github.com/mklimuk/station"
	"github.com/mklimuk/station/epd"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

// PanelOp names a panel operation seen by MockPanel.
type PanelOp string

const (
	OpInit         PanelOp = "init"
	OpDisplay      PanelOp = "display"
	OpSleep        PanelOp = "sleep"
	OpQueueDisplay PanelOp = "queue-display"
	OpQueueSleep   PanelOp = "queue-sleep"
)

// PanelCall is one recorded panel operation. Frame is a copy of the image.
type PanelCall struct {
	Op    PanelOp
	Mode  epd.Mode
	Sleep epd.SleepMode
	Frame []byte
}

// PanelBehaviorFunc decides the outcome of a panel operation.
type PanelBehaviorFunc func(op PanelOp) error

// MockPanel is a panel without hardware. Queued operations submit one
// transaction each on their own chip select, so they take part in the queue
// order like the real driver's sequences. A failed queued transaction leaves
// the panel uninitialized.
//
// Example usage:
//
//	panel := NewMockPanel(280, 480, func(op PanelOp) error {
//		if op == OpInit {
//			return epd.ErrBusyTimeout
//		}
//		return nil
//	})
type MockPanel struct {
	mx       sync.Mutex
	behavior PanelBehaviorFunc
	width    int
	height   int
	cs       station.Line
	state    epd.State
	failed   bool

	Calls []PanelCall
}

var _ Panel = &MockPanel{}

// NewMockPanel creates a mock; a nil behavior accepts every operation.
func NewMockPanel(width, height int, behavior PanelBehaviorFunc) *MockPanel {
	return &MockPanel{
		behavior: behavior,
		width:    width,
		height:   height,
		cs:       station.Line{Pin: &gpiotest.Pin{N: "PANEL_CS", L: gpio.High}, ActiveLow: true},
	}
}

func (m *MockPanel) Size() (int, int) {
	return m.width, m.height
}

func (m *MockPanel) State() epd.State {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.failed {
		return epd.StateUninitialized
	}
	return m.state
}

// CS returns the chip select line queued operations use.
func (m *MockPanel) CS() station.Line {
	return m.cs
}

func (m *MockPanel) Init1Bit(context.Context) error {
	if err := m.record(PanelCall{Op: OpInit}); err != nil {
		return err
	}
	m.setState(epd.StateReady)
	return nil
}

func (m *MockPanel) Display1Bit(_ context.Context, img []byte, mode epd.Mode) error {
	return m.record(PanelCall{Op: OpDisplay, Mode: mode, Frame: append([]byte(nil), img...)})
}

func (m *MockPanel) Sleep(_ context.Context, mode epd.SleepMode) error {
	if err := m.record(PanelCall{Op: OpSleep, Sleep: mode}); err != nil {
		return err
	}
	m.setState(epd.StateSleeping)
	return nil
}

func (m *MockPanel) QueueDisplay1Bit(q station.Queue, img []byte, mode epd.Mode) error {
	if err := m.record(PanelCall{Op: OpQueueDisplay, Mode: mode, Frame: append([]byte(nil), img...)}); err != nil {
		return err
	}
	return q.Submit(m.transaction(img))
}

func (m *MockPanel) QueueSleep(q station.Queue, mode epd.SleepMode) error {
	if err := m.record(PanelCall{Op: OpQueueSleep, Sleep: mode}); err != nil {
		return err
	}
	if err := q.Submit(m.transaction([]byte{byte(epd.CmdSleep)})); err != nil {
		return err
	}
	m.setState(epd.StateSleeping)
	return nil
}

func (m *MockPanel) transaction(b []byte) station.Transaction {
	return station.Transaction{
		CS: m.cs,
		Tx: b,
		OnError: func(station.Queue, any, error) {
			m.mx.Lock()
			defer m.mx.Unlock()
			m.failed = true
		},
	}
}

func (m *MockPanel) setState(s epd.State) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.state = s
	if s == epd.StateReady {
		m.failed = false
	}
}

// Ops returns the recorded operation names in order.
func (m *MockPanel) Ops() []PanelOp {
	m.mx.Lock()
	defer m.mx.Unlock()
	ops := make([]PanelOp, len(m.Calls))
	for i, c := range m.Calls {
		ops[i] = c.Op
	}
	return ops
}

// Modes returns the refresh modes of all display calls.
func (m *MockPanel) Modes() []epd.Mode {
	m.mx.Lock()
	defer m.mx.Unlock()
	var modes []epd.Mode
	for _, c := range m.Calls {
		if c.Op == OpDisplay || c.Op == OpQueueDisplay {
			modes = append(modes, c.Mode)
		}
	}
	return modes
}

// LastFrame returns the image of the latest display call.
func (m *MockPanel) LastFrame() []byte {
	m.mx.Lock()
	defer m.mx.Unlock()
	for i := len(m.Calls) - 1; i >= 0; i-- {
		if m.Calls[i].Frame != nil {
			return m.Calls[i].Frame
		}
	}
	return nil
}

func (m *MockPanel) record(c PanelCall) error {
	m.mx.Lock()
	m.Calls = append(m.Calls, c)
	behavior := m.behavior
	m.mx.Unlock()
	if behavior != nil {
		return behavior(c.Op)
	}
	return nil
}
