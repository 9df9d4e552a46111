package spibus

import (
	"fmt"
	"sync"

	"github.com/mklimuk/station"
	"go.uber.org/multierr"
	"gobot.io/x/gobot/v2/drivers/spi"
)

// gobotOps is the subset of the gobot SPI connection used for transfers.
type gobotOps interface {
	ReadCommandData(command []byte, data []byte) error
	WriteBytes(data []byte) error
}

// GobotProfile binds a register snapshot to a started gobot SPI driver.
type GobotProfile struct {
	Registers station.Registers
	Driver    *spi.Driver
}

// NewGobotDriver builds and starts a gobot SPI driver on the given bus with
// the requested mode and speed (in Hz, 0 keeps the adaptor default).
func NewGobotDriver(adaptor spi.Connector, bus string, mode int, speed int64, opts ...func(spi.Config)) (*spi.Driver, error) {
	d := spi.NewDriver(adaptor, bus, opts...)
	d.SetMode(mode)
	if speed > 0 && d.GetSpeedOrDefault(0) == 0 {
		d.SetSpeed(speed)
	}
	if err := d.Start(); err != nil {
		return nil, fmt.Errorf("could not start spi driver: %w", err)
	}
	return d, nil
}

// GobotConn is the synchronous Conn view of a started gobot driver, for the
// blocking panel writer and register access. Reads send w[0] as the command
// byte and leave r[0] zero.
type GobotConn struct {
	Driver *spi.Driver
}

var _ Conn = GobotConn{}

func (c GobotConn) Tx(w, r []byte) error {
	ops, ok := c.Driver.Connection().(gobotOps)
	if !ok {
		return fmt.Errorf("spi connection does not support required operations")
	}
	return gobotTx(ops, w, r)
}

func gobotTx(ops gobotOps, w, r []byte) error {
	if len(r) == 0 {
		if len(w) == 0 {
			return nil
		}
		return ops.WriteBytes(w)
	}
	if len(w) == 0 || len(r) < len(w) {
		return fmt.Errorf("tx/rx length mismatch: %d != %d: %w", len(w), len(r), station.ErrParam)
	}
	r[0] = 0
	return ops.ReadCommandData(w[:1], r[1:len(w)])
}

// GobotPeripheral runs transfers over gobot SPI connections. Register reads
// (TxRx) send tx[0] as the command byte and receive into rx[1:], so rx[0]
// stays zero where a full-duplex link would hold the address echo.
type GobotPeripheral struct {
	mx       sync.Mutex
	handler  Handler
	profiles []GobotProfile
	active   *spi.Driver
	running  bool
	wg       sync.WaitGroup
}

var _ Peripheral = &GobotPeripheral{}

func NewGobotPeripheral(profiles ...GobotProfile) (*GobotPeripheral, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("no spi profile: %w", station.ErrParam)
	}
	for i, p := range profiles {
		if p.Driver == nil {
			return nil, fmt.Errorf("profile %d has no driver: %w", i, station.ErrParam)
		}
	}
	return &GobotPeripheral{profiles: profiles, active: profiles[0].Driver}, nil
}

func (p *GobotPeripheral) Bind(h Handler) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.handler = h
}

func (p *GobotPeripheral) Configure(r station.Registers) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.running {
		return station.ErrBusBusy
	}
	p.active = p.profiles[0].Driver
	for _, prof := range p.profiles {
		if prof.Registers == r {
			p.active = prof.Driver
			break
		}
	}
	return nil
}

func (p *GobotPeripheral) StartTx(tx []byte) error {
	return p.start(func(ops gobotOps) error {
		return ops.WriteBytes(tx)
	})
}

func (p *GobotPeripheral) StartTxRx(tx, rx []byte) error {
	return p.start(func(ops gobotOps) error {
		return gobotTx(ops, tx, rx)
	})
}

func (p *GobotPeripheral) Wait() {
	p.wg.Wait()
}

// Halt stops every profile driver.
func (p *GobotPeripheral) Halt() error {
	p.wg.Wait()
	var err error
	for _, prof := range p.profiles {
		err = multierr.Append(err, prof.Driver.Halt())
	}
	return err
}

func (p *GobotPeripheral) start(run func(ops gobotOps) error) error {
	p.mx.Lock()
	if p.running {
		p.mx.Unlock()
		return station.ErrBusBusy
	}
	if p.handler == nil {
		p.mx.Unlock()
		return fmt.Errorf("peripheral not bound: %w", station.ErrParam)
	}
	ops, ok := p.active.Connection().(gobotOps)
	if !ok {
		p.mx.Unlock()
		return fmt.Errorf("spi connection does not support required operations")
	}
	p.running = true
	h := p.handler
	p.wg.Add(1)
	p.mx.Unlock()

	go func() {
		defer p.wg.Done()
		err := run(ops)
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
