package gpio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mklimuk/station"
	pgpio "periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

const (
	PinCount = 16

	// DefaultPinTimeout bounds the bus access behind a single pin operation.
	DefaultPinTimeout = time.Second
)

// ExpanderPin is one MCP23017 line seen as a periph pin. Pins 0-7 are port A,
// 8-15 port B. It suits slow control lines (panel RESET and BUSY); chip
// selects belong on native GPIO.
type ExpanderPin struct {
	m       *MCP23017
	n       int
	timeout time.Duration

	mx   sync.Mutex
	pull pgpio.Pull
	err  error
}

var _ pgpio.PinIO = &ExpanderPin{}

// Pin returns line n of the expander.
func (m *MCP23017) Pin(n int) (*ExpanderPin, error) {
	if n < 0 || n >= PinCount {
		return nil, fmt.Errorf("expander pin %d outside 0..%d: %w", n, PinCount-1, station.ErrParam)
	}
	return &ExpanderPin{m: m, n: n, timeout: DefaultPinTimeout, pull: pgpio.PullNoChange}, nil
}

func (p *ExpanderPin) line() (Port, byte) {
	if p.n < 8 {
		return PortA, 1 << p.n
	}
	return PortB, 1 << (p.n - 8)
}

func (p *ExpanderPin) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), p.timeout)
}

// record keeps the last bus error for calls that cannot return one.
func (p *ExpanderPin) record(err error) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.err = err
}

// Err returns the error of the last Read, if any.
func (p *ExpanderPin) Err() error {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.err
}

func (p *ExpanderPin) String() string {
	return p.Name()
}

func (p *ExpanderPin) Halt() error {
	return nil
}

func (p *ExpanderPin) Name() string {
	if p.n < 8 {
		return fmt.Sprintf("MCP23017_%02X_GPA%d", p.m.address, p.n)
	}
	return fmt.Sprintf("MCP23017_%02X_GPB%d", p.m.address, p.n-8)
}

func (p *ExpanderPin) Number() int {
	return p.n
}

func (p *ExpanderPin) Function() string {
	return "GPIO"
}

// In turns the line into an input. Only PullUp and Float are supported;
// edges are not.
func (p *ExpanderPin) In(pull pgpio.Pull, edge pgpio.Edge) error {
	if edge != pgpio.NoEdge {
		return fmt.Errorf("%s: edge detection not supported: %w", p, station.ErrParam)
	}
	if pull == pgpio.PullDown {
		return fmt.Errorf("%s: no pull-down on expander: %w", p, station.ErrParam)
	}
	ctx, cancel := p.ctx()
	defer cancel()
	port, mask := p.line()
	if err := p.m.Update(ctx, port.reg(IODIRA), mask, true); err != nil {
		return fmt.Errorf("%s: %w", p, err)
	}
	if pull == pgpio.PullNoChange {
		return nil
	}
	if err := p.m.Update(ctx, port.reg(GPPUA), mask, pull == pgpio.PullUp); err != nil {
		return fmt.Errorf("%s: %w", p, err)
	}
	p.mx.Lock()
	p.pull = pull
	p.mx.Unlock()
	return nil
}

// Read returns the line level. A bus failure reads as Low; see Err.
func (p *ExpanderPin) Read() pgpio.Level {
	ctx, cancel := p.ctx()
	defer cancel()
	port, mask := p.line()
	v, err := p.m.Get(ctx, port.reg(GPIOA))
	p.record(err)
	if err != nil {
		return pgpio.Low
	}
	return v&mask != 0
}

func (p *ExpanderPin) WaitForEdge(time.Duration) bool {
	return false
}

func (p *ExpanderPin) Pull() pgpio.Pull {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.pull
}

func (p *ExpanderPin) DefaultPull() pgpio.Pull {
	return pgpio.Float
}

// Out latches l and then makes the line an output.
func (p *ExpanderPin) Out(l pgpio.Level) error {
	ctx, cancel := p.ctx()
	defer cancel()
	port, mask := p.line()
	if err := p.m.Update(ctx, port.reg(OLATA), mask, bool(l)); err != nil {
		return fmt.Errorf("%s: %w", p, err)
	}
	if err := p.m.Update(ctx, port.reg(IODIRA), mask, false); err != nil {
		return fmt.Errorf("%s: %w", p, err)
	}
	return nil
}

func (p *ExpanderPin) PWM(pgpio.Duty, physic.Frequency) error {
	return fmt.Errorf("%s: pwm not supported: %w", p, station.ErrParam)
}
