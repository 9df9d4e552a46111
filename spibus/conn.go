package spibus

import (
	"fmt"
	"sync"

	"github.com/mklimuk/station"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"tinygo.org/x/drivers"
)

// Conn is a synchronous full-duplex transfer. r may be nil for writes.
type Conn interface {
	Tx(w, r []byte) error
}

var (
	_ Conn = spi.Conn(nil)
	_ Conn = drivers.SPI(nil)
)

// Profile binds a register snapshot to the connection opened with the link
// parameters it encodes.
type Profile struct {
	Registers station.Registers
	Conn      Conn
}

// RegistersFor encodes link parameters into a register snapshot: mode and
// word size in CR1, clock in kHz in CR2.
func RegistersFor(f physic.Frequency, mode spi.Mode, bits int) station.Registers {
	return station.Registers{
		CR1: uint32(mode)&0xFF | uint32(bits&0xFF)<<8,
		CR2: uint32(f / physic.KiloHertz),
	}
}

// Connect opens a periph connection on port and returns it as a profile.
func Connect(port spi.Port, f physic.Frequency, mode spi.Mode, bits int) (Profile, error) {
	c, err := port.Connect(f, mode, bits)
	if err != nil {
		return Profile{}, fmt.Errorf("could not connect to spi port: %w", err)
	}
	return Profile{Registers: RegistersFor(f, mode, bits), Conn: c}, nil
}

// ConnPeripheral turns synchronous connections into a completion-driven
// peripheral. Each transfer runs on its own goroutine and reports back
// through the bound Handler.
type ConnPeripheral struct {
	mx       sync.Mutex
	handler  Handler
	profiles []Profile
	active   Conn
	running  bool
	wg       sync.WaitGroup
}

var _ Peripheral = &ConnPeripheral{}

func NewConnPeripheral(profiles ...Profile) (*ConnPeripheral, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("no spi profile: %w", station.ErrParam)
	}
	for i, p := range profiles {
		if p.Conn == nil {
			return nil, fmt.Errorf("profile %d has no connection: %w", i, station.ErrParam)
		}
	}
	return &ConnPeripheral{profiles: profiles, active: profiles[0].Conn}, nil
}

func (p *ConnPeripheral) Bind(h Handler) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.handler = h
}

// Configure selects the connection matching r. Unknown snapshots fall back
// to the first profile.
func (p *ConnPeripheral) Configure(r station.Registers) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.running {
		return station.ErrBusBusy
	}
	p.active = p.profiles[0].Conn
	for _, prof := range p.profiles {
		if prof.Registers == r {
			p.active = prof.Conn
			break
		}
	}
	return nil
}

func (p *ConnPeripheral) StartTx(tx []byte) error {
	return p.start(tx, nil)
}

func (p *ConnPeripheral) StartTxRx(tx, rx []byte) error {
	return p.start(tx, rx[:len(tx)])
}

// Wait blocks until the running transfer, if any, has reported.
func (p *ConnPeripheral) Wait() {
	p.wg.Wait()
}

func (p *ConnPeripheral) start(tx, rx []byte) error {
	p.mx.Lock()
	if p.running {
		p.mx.Unlock()
		return station.ErrBusBusy
	}
	if p.handler == nil {
		p.mx.Unlock()
		return fmt.Errorf("peripheral not bound: %w", station.ErrParam)
	}
	p.running = true
	c, h := p.active, p.handler
	p.wg.Add(1)
	p.mx.Unlock()

	go func() {
		defer p.wg.Done()
		err := Transfer(c, tx, rx)
		p.mx.Lock()
		p.running = false
		p.mx.Unlock()
		if err != nil {
			h.Error(p, err)
			return
		}
		h.Complete(p)
	}()
	return nil
}

// Transfer runs one exchange on c, split into chunks when the connection
// limits the transfer size (spidev does). rx may be nil.
func Transfer(c Conn, tx, rx []byte) error {
	size := len(tx)
	if l, ok := c.(conn.Limits); ok && l.MaxTxSize() > 0 && l.MaxTxSize() < size {
		size = l.MaxTxSize()
	}
	for off := 0; off < len(tx); off += size {
		end := min(off+size, len(tx))
		var r []byte
		if rx != nil {
			r = rx[off:end]
		}
		if err := c.Tx(tx[off:end], r); err != nil {
			return err
		}
	}
	return nil
}
