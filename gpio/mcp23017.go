package gpio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mklimuk/station"
)

const DefaultMCP23017Address = 0x21

// Register is an MCP23017 register named by its IOCON.BANK = 0 address,
// where the A and B registers of a pair are interleaved.
type Register byte

const (
	IODIRA Register = iota * 2
	IPOLA
	GPINTENA
	DEFVALA
	INTCONA
	IOCON
	GPPUA
	INTFA
	INTCAPA
	GPIOA
	OLATA
)

const (
	IODIRB Register = IODIRA + 1 + iota*2
	IPOLB
	GPINTENB
	DEFVALB
	INTCONB
	_
	GPPUB
	INTFB
	INTCAPB
	GPIOB
	OLATB
)

// bankBit in IOCON splits the register map into one block per port.
const bankBit = 0x80

// Port selects one of the two 8-bit ports.
type Port int

const (
	PortA Port = iota
	PortB
)

func (p Port) String() string {
	if p == PortB {
		return "B"
	}
	return "A"
}

func (p Port) reg(a Register) Register {
	return a + Register(p)
}

// address maps r to the wire address for the current bank layout.
func (r Register) address(bank1 bool) byte {
	if !bank1 {
		return byte(r)
	}
	return byte(r)&1<<4 | byte(r)>>1
}

// MCP23017 is a 16-line I2C expander. Outputs are driven through OLAT so a
// read-modify-write never picks up the level of a pin configured as input.
type MCP23017 struct {
	mx         sync.Mutex
	transport  station.I2CBus
	bank1      bool
	address    byte
	retryLimit int
}

func NewMCP23017(bus station.I2CBus, address byte) *MCP23017 {
	return &MCP23017{retryLimit: 3, transport: bus, address: address}
}

// SetRetryLimit sets how many times a transfer is attempted when the bus
// reports it is busy.
func (m *MCP23017) SetRetryLimit(n int) {
	m.retryLimit = max(n, 1)
}

// retry runs op until it succeeds, fails with an error other than
// ErrBusBusy or the retry limit is reached. The bus is released between
// attempts.
func (m *MCP23017) retry(ctx context.Context, what string, op func() error) error {
	var err error
	for i := m.retryLimit; i > 0; i-- {
		err = op()
		if err == nil {
			return nil
		}
		if !errors.Is(err, station.ErrBusBusy) {
			return fmt.Errorf("could not %s: %w", what, err)
		}
		_ = m.transport.Release(ctx)
	}
	return fmt.Errorf("could not %s (retry limit reached): %w", what, err)
}

func (m *MCP23017) write(ctx context.Context, reg Register, value byte) error {
	return m.transport.WriteToAddr(ctx, m.address, []byte{reg.address(m.bank1), value})
}

func (m *MCP23017) read(ctx context.Context, reg Register) (byte, error) {
	err := m.transport.WriteToAddr(ctx, m.address, []byte{reg.address(m.bank1)})
	if err != nil {
		return 0x00, fmt.Errorf("could not set register address: %w", err)
	}
	buf := make([]byte, 1)
	err = m.transport.ReadFromAddr(ctx, m.address, buf)
	if err != nil {
		return 0x00, fmt.Errorf("could not read register: %w", err)
	}
	return buf[0], nil
}

// Write sets a register.
func (m *MCP23017) Write(ctx context.Context, reg Register, value byte) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.retry(ctx, "write register", func() error {
		return m.write(ctx, reg, value)
	})
}

// Get reads a register.
func (m *MCP23017) Get(ctx context.Context, reg Register) (byte, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	var res byte
	err := m.retry(ctx, "read register", func() error {
		var err error
		res, err = m.read(ctx, reg)
		return err
	})
	return res, err
}

// Update sets or clears the mask bits of a register.
func (m *MCP23017) Update(ctx context.Context, reg Register, mask byte, set bool) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.retry(ctx, "update register", func() error {
		v, err := m.read(ctx, reg)
		if err != nil {
			return err
		}
		if set {
			v |= mask
		} else {
			v &^= mask
		}
		return m.write(ctx, reg, v)
	})
}

// SetDirection writes IODIR of port p. A set bit makes the line an input.
func (m *MCP23017) SetDirection(ctx context.Context, p Port, inout byte) error {
	if err := m.Write(ctx, p.reg(IODIRA), inout); err != nil {
		return fmt.Errorf("could not set direction of port %s: %w", p, err)
	}
	return nil
}

// SetPullUp writes GPPU of port p.
func (m *MCP23017) SetPullUp(ctx context.Context, p Port, settings byte) error {
	if err := m.Write(ctx, p.reg(GPPUA), settings); err != nil {
		return fmt.Errorf("could not set pull-up of port %s: %w", p, err)
	}
	return nil
}

// ReadPort returns the GPIO levels of port p.
func (m *MCP23017) ReadPort(ctx context.Context, p Port) (byte, error) {
	res, err := m.Get(ctx, p.reg(GPIOA))
	if err != nil {
		return res, fmt.Errorf("could not read port %s: %w", p, err)
	}
	return res, nil
}

// Read returns the levels of both ports, A first.
func (m *MCP23017) Read(ctx context.Context) ([]byte, error) {
	a, err := m.ReadPort(ctx, PortA)
	if err != nil {
		return nil, err
	}
	b, err := m.ReadPort(ctx, PortB)
	if err != nil {
		return nil, err
	}
	return []byte{a, b}, nil
}

// ReadSettings reads IOCON.
func (m *MCP23017) ReadSettings(ctx context.Context) (byte, error) {
	return m.Get(ctx, IOCON)
}

// WriteSettings writes IOCON and follows a change of the BANK bit.
func (m *MCP23017) WriteSettings(ctx context.Context, settings byte) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	err := m.retry(ctx, "write settings", func() error {
		return m.write(ctx, IOCON, settings)
	})
	if err != nil {
		return err
	}
	m.bank1 = settings&bankBit != 0
	return nil
}
