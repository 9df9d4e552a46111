package main

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/mklimuk/station"
	"github.com/mklimuk/station/adapter"
	"github.com/mklimuk/station/config"
	"github.com/mklimuk/station/display"
	"github.com/mklimuk/station/environment"
	"github.com/mklimuk/station/epd"
	stgpio "github.com/mklimuk/station/gpio"
	sti2c "github.com/mklimuk/station/i2c"
	"github.com/mklimuk/station/spibus"
	"go.uber.org/multierr"
	gspi "gobot.io/x/gobot/v2/drivers/spi"
	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
	"tinygo.org/x/drivers"
)

// link is one opened SPI device: the synchronous connection plus the
// register snapshot its queued transactions carry.
type link struct {
	conn spibus.Conn
	regs station.Registers
}

// hardware owns everything opened from the configuration. Close releases it
// in reverse order.
type hardware struct {
	cfg        *config.Config
	peripheral spibus.Peripheral
	manager    *spibus.Manager
	panel      *epd.Driver
	sensorCS   station.Line
	sensor     link
	closers    []func() error
}

func openHardware(cfg *config.Config) (*hardware, error) {
	h := &hardware{cfg: cfg}
	if err := h.open(); err != nil {
		return nil, multierr.Append(err, h.Close())
	}
	return h, nil
}

func (h *hardware) open() error {
	cfg := h.cfg
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("could not init host: %w", err)
	}

	var panel link
	var err error
	switch cfg.Bus.Backend {
	case config.BackendGobot:
		panel, err = h.openGobot()
	default:
		panel, err = h.openPeriph()
	}
	if err != nil {
		return err
	}

	h.manager, err = spibus.New(h.peripheral, cfg.Bus.Capacity,
		spibus.WithLogger(slog.Default()),
		spibus.WithCacheClean(cfg.Bus.CacheClean),
	)
	if err != nil {
		return fmt.Errorf("could not create bus manager: %w", err)
	}
	h.closers = append(h.closers, func() error {
		h.manager.CancelPending()
		return nil
	})

	pins, err := h.panelPins()
	if err != nil {
		return err
	}
	t := cfg.Panel.Timing
	h.panel, err = epd.New(pins, panel.conn,
		epd.WithRegisters(panel.regs),
		epd.WithTiming(epd.Timing{
			ResetHigh:   t.ResetHigh,
			ResetLow:    t.ResetLow,
			SoftReset:   t.SoftReset,
			BusyTimeout: t.BusyTimeout,
			BusySettle:  t.BusySettle,
			BusyPoll:    t.BusyPoll,
		}),
	)
	if err != nil {
		return fmt.Errorf("could not create panel driver: %w", err)
	}

	if cfg.Sensor.Enabled {
		cs, err := outputPin(cfg.Sensor.CS)
		if err != nil {
			return fmt.Errorf("sensor chip select: %w", err)
		}
		h.sensorCS = station.Line{Pin: cs, ActiveLow: true}
	}
	return nil
}

// sharedSPI returns the link parameters used when the panel and the sensor
// sit on the same device: the lower of the two clocks, panel mode.
func sharedSPI(cfg *config.Config, samePort bool) config.SPIConfig {
	s := cfg.Panel.SPI
	if cfg.Sensor.Enabled && samePort {
		s.Frequency = min(s.Frequency, cfg.Sensor.SPI.Frequency)
	}
	return s
}

func (h *hardware) openPeriph() (link, error) {
	cfg := h.cfg
	shared := cfg.Sensor.SPI.Port == cfg.Panel.SPI.Port
	connect := func(s config.SPIConfig) (spibus.Profile, error) {
		port, err := spireg.Open(s.Port)
		if err != nil {
			return spibus.Profile{}, fmt.Errorf("could not open spi port %q: %w", s.Port, err)
		}
		h.closers = append(h.closers, port.Close)
		return spibus.Connect(port, physic.Frequency(s.Frequency)*physic.Hertz, spi.Mode(s.Mode), 8)
	}
	panel, err := connect(sharedSPI(cfg, shared))
	if err != nil {
		return link{}, err
	}
	profiles := []spibus.Profile{panel}
	h.sensor = link{conn: panel.Conn, regs: panel.Registers}
	if cfg.Sensor.Enabled && !shared {
		sensor, err := connect(cfg.Sensor.SPI)
		if err != nil {
			return link{}, err
		}
		profiles = append(profiles, sensor)
		h.sensor = link{conn: sensor.Conn, regs: sensor.Registers}
	}
	p, err := spibus.NewConnPeripheral(profiles...)
	if err != nil {
		return link{}, err
	}
	h.peripheral = p
	h.closers = append(h.closers, func() error {
		p.Wait()
		return nil
	})
	return link{conn: panel.Conn, regs: panel.Registers}, nil
}

// openGobot runs the transfers through gobot on a NanoPi. Control lines
// still come from periph.
func (h *hardware) openGobot() (link, error) {
	cfg := h.cfg
	a := nanopi.NewNeoAdaptor()
	if err := a.Connect(); err != nil {
		return link{}, fmt.Errorf("adaptor connect error: %w", err)
	}
	h.closers = append(h.closers, a.Finalize)

	shared := cfg.Sensor.SPI.Bus == cfg.Panel.SPI.Bus && cfg.Sensor.SPI.Chip == cfg.Panel.SPI.Chip
	start := func(name string, s config.SPIConfig) (spibus.GobotProfile, error) {
		d, err := spibus.NewGobotDriver(a, name, s.Mode, s.Frequency,
			gspi.WithBusNumber(s.Bus),
			gspi.WithChipNumber(s.Chip),
		)
		if err != nil {
			return spibus.GobotProfile{}, fmt.Errorf("%s: %w", name, err)
		}
		f := physic.Frequency(s.Frequency) * physic.Hertz
		return spibus.GobotProfile{Registers: spibus.RegistersFor(f, spi.Mode(s.Mode), 8), Driver: d}, nil
	}
	panel, err := start("panel", sharedSPI(cfg, shared))
	if err != nil {
		return link{}, err
	}
	profiles := []spibus.GobotProfile{panel}
	sensor := panel
	if cfg.Sensor.Enabled && !shared {
		if sensor, err = start("sensor", cfg.Sensor.SPI); err != nil {
			_ = panel.Driver.Halt()
			return link{}, err
		}
		profiles = append(profiles, sensor)
	}
	p, err := spibus.NewGobotPeripheral(profiles...)
	if err != nil {
		return link{}, err
	}
	h.peripheral = p
	h.closers = append(h.closers, p.Halt)
	h.sensor = link{conn: spibus.GobotConn{Driver: sensor.Driver}, regs: sensor.Registers}
	return link{conn: spibus.GobotConn{Driver: panel.Driver}, regs: panel.Registers}, nil
}

func outputPin(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("no gpio pin %q", name)
	}
	if err := p.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("could not drive %s: %w", name, err)
	}
	return p, nil
}

func inputPin(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("no gpio pin %q", name)
	}
	if err := p.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("could not configure %s as input: %w", name, err)
	}
	return p, nil
}

func (h *hardware) panelPins() (epd.Pins, error) {
	cfg := h.cfg.Panel
	pins := epd.Pins{BusyActiveHigh: cfg.BusyActiveHigh}
	var err error
	if pins.DC, err = outputPin(cfg.Pins.DC); err != nil {
		return pins, fmt.Errorf("panel dc: %w", err)
	}
	if pins.CS, err = outputPin(cfg.Pins.CS); err != nil {
		return pins, fmt.Errorf("panel cs: %w", err)
	}

	var expander *stgpio.MCP23017
	if h.cfg.Expander.Enabled {
		if expander, err = h.openExpander(); err != nil {
			return pins, err
		}
	}
	expanderPin := func(n int) (*stgpio.ExpanderPin, error) {
		if expander == nil {
			return nil, fmt.Errorf("expander pin %d configured but expander disabled", n)
		}
		return expander.Pin(n)
	}

	if n := cfg.Pins.ExpanderReset; n != config.NoPin {
		p, err := expanderPin(n)
		if err != nil {
			return pins, fmt.Errorf("panel reset: %w", err)
		}
		if err := p.Out(gpio.High); err != nil {
			return pins, fmt.Errorf("panel reset: %w", err)
		}
		pins.Reset = p
	} else if pins.Reset, err = outputPin(cfg.Pins.Reset); err != nil {
		return pins, fmt.Errorf("panel reset: %w", err)
	}

	if n := cfg.Pins.ExpanderBusy; n != config.NoPin {
		p, err := expanderPin(n)
		if err != nil {
			return pins, fmt.Errorf("panel busy: %w", err)
		}
		if err := p.In(gpio.PullUp, gpio.NoEdge); err != nil {
			return pins, fmt.Errorf("panel busy: %w", err)
		}
		pins.Busy = p
	} else if pins.Busy, err = inputPin(cfg.Pins.Busy); err != nil {
		return pins, fmt.Errorf("panel busy: %w", err)
	}
	return pins, nil
}

func (h *hardware) openExpander() (*stgpio.MCP23017, error) {
	cfg := h.cfg.Expander
	var bus station.I2CBus
	switch cfg.Transport {
	case config.TransportMCP2221:
		bus = adapter.NewMCP2221()
	default:
		b, err := sti2c.NewGenericBus(cfg.Device)
		if err != nil {
			return nil, fmt.Errorf("expander bus: %w", err)
		}
		h.closers = append(h.closers, b.Close)
		bus = b
	}
	return stgpio.NewMCP23017(bus, byte(cfg.Address)), nil
}

// newSensor calibrates and configures the BME280 over a blocking link with
// the bus held, then hands it to the queue.
func (h *hardware) newSensor(ctx context.Context, opts ...environment.BME280Opt) (*environment.BME280, error) {
	if !h.cfg.Sensor.Enabled {
		return nil, fmt.Errorf("sensor disabled in configuration")
	}
	if err := h.manager.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("sensor setup: %w", err)
	}
	defer h.manager.Release()
	regs := environment.SPIRegisters{Conn: h.sensor.conn, CS: h.sensorCS}
	cal, err := environment.ReadCalibration(ctx, regs)
	if err != nil {
		return nil, fmt.Errorf("could not calibrate sensor: %w", err)
	}
	o := h.cfg.Sensor.Oversampling
	err = environment.Configure(ctx, regs, environment.Settings{
		Temperature: oversampling(o.Temperature),
		Pressure:    oversampling(o.Pressure),
		Humidity:    oversampling(o.Humidity),
		Mode:        environment.ModeNormal,
		Standby:     uint8(h.cfg.Sensor.Standby),
		Filter:      uint8(h.cfg.Sensor.Filter),
	})
	if err != nil {
		return nil, fmt.Errorf("could not configure sensor: %w", err)
	}
	return environment.NewBME280(h.manager, h.sensorCS, h.sensor.regs, append(opts, environment.WithCalibration(cal))...)
}

// oversampling maps a sample count (0, 1, 2, 4, 8, 16) to its register code.
func oversampling(n int) environment.Oversampling {
	o := environment.OversamplingSkip
	for v := 1; v <= n && o < environment.Oversampling16x; v *= 2 {
		o++
	}
	return o
}

func rotation(degrees int) drivers.Rotation {
	return drivers.Rotation((degrees / 90) % 4)
}

// newDisplay builds the adapter and a framebuffer whose Display flushes
// through it with ctx.
func (h *hardware) newDisplay(ctx context.Context) (*display.Adapter, *display.Framebuffer, error) {
	cfg := h.cfg.Display
	mode, err := epd.ParseMode(cfg.DefaultMode)
	if err != nil {
		return nil, nil, err
	}
	opts := []display.Option{
		display.WithRefreshCyclesBeforeGC(cfg.RefreshCyclesBeforeGC),
		display.WithDefaultMode(mode),
	}
	if cfg.Queued {
		opts = append(opts, display.WithQueue(h.manager), display.WithWorkBuffer(make([]byte, epd.FrameSize)))
	}
	a, err := display.New(h.panel, opts...)
	if err != nil {
		return nil, nil, err
	}
	w, ht := h.panel.Size()
	fb := display.NewFramebuffer(w, ht, func(area display.Area, px []byte, rot drivers.Rotation) error {
		return a.Flush(ctx, area, px, rot, nil)
	})
	if err := fb.SetRotation(rotation(cfg.Rotation)); err != nil {
		return nil, nil, err
	}
	return a, fb, nil
}

func (h *hardware) Close() error {
	var err error
	for _, c := range slices.Backward(h.closers) {
		err = multierr.Append(err, c())
	}
	h.closers = nil
	return err
}
