package environment

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/mklimuk/station"
)

// BME280 register map (datasheet section 5.3)
const (
	bme280RegCalib00   = 0x88
	bme280RegChipID    = 0xD0
	bme280RegReset     = 0xE0
	bme280RegCalib26   = 0xE1
	bme280RegCtrlHum   = 0xF2
	bme280RegStatus    = 0xF3
	bme280RegCtrlMeas  = 0xF4
	bme280RegConfig    = 0xF5
	bme280RegPressData = 0xF7

	bme280ChipID    = 0x60
	bme280ResetWord = 0xB6

	bme280StatusImUpdate = 0x01

	// bme280BurstLen covers press_msb..hum_lsb
	bme280BurstLen = 8

	// Disabled is reported for a channel that is switched off (skipped
	// oversampling).
	Disabled = -99.0
)

var (
	ErrChipID           = errors.New("unexpected BME280 chip id")
	ErrHumidityDisabled = errors.New("humidity measurement disabled")
)

// Measurement is one compensated BME280 reading.
type Measurement struct {
	// Temperature in °C.
	Temperature float64
	// Pressure in Pa.
	Pressure int32
	// Humidity in %RH.
	Humidity float64
	// Stamp is the millisecond tick at which the reading was decoded.
	Stamp uint32
	Valid bool
}

// Altitude estimates the altitude in meters from the pressure and the given
// sea level pressure (Pa).
func (m Measurement) Altitude(seaLevel float64) float64 {
	if m.Pressure <= 0 || seaLevel <= 0 {
		return math.NaN()
	}
	return 44330.0 * (1.0 - math.Pow(float64(m.Pressure)/seaLevel, 0.1903))
}

type BME280Opt func(*BME280)

func WithCalibration(c Calibration) BME280Opt {
	return func(b *BME280) {
		b.cal = c
	}
}

func WithClock(c clock.Clock) BME280Opt {
	return func(b *BME280) {
		b.clock = c
	}
}

// WithDoneCallback registers fn to run after every successful read. It runs
// from the queue's completion context and must not block.
func WithDoneCallback(fn func(Measurement)) BME280Opt {
	return func(b *BME280) {
		b.onDone = fn
	}
}

// BME280 reads the sensor through a shared bus queue. A read is a single
// 9-byte burst from the pressure data register; the sensor must already be
// calibrated (see ReadCalibration) and running in normal mode.
type BME280 struct {
	mx    sync.Mutex
	q     station.Queue
	cs    station.Line
	regs  station.Registers
	cal   Calibration
	clock clock.Clock

	tx [1 + bme280BurstLen]byte
	rx [1 + bme280BurstLen]byte

	busy   bool
	failed bool
	last   Measurement
	onDone func(Measurement)
}

func NewBME280(q station.Queue, cs station.Line, regs station.Registers, opts ...BME280Opt) (*BME280, error) {
	if q == nil {
		return nil, fmt.Errorf("bme280: missing queue: %w", station.ErrParam)
	}
	if !cs.Valid() {
		return nil, fmt.Errorf("bme280: missing chip select: %w", station.ErrParam)
	}
	b := &BME280{q: q, cs: cs, regs: regs, clock: clock.New()}
	for _, opt := range opts {
		opt(b)
	}
	b.tx[0] = bme280RegPressData | 0x80
	return b, nil
}

// TriggerRead queues a burst read. A read already in flight is not
// duplicated and the call succeeds.
func (b *BME280) TriggerRead() error {
	b.mx.Lock()
	if b.busy {
		b.mx.Unlock()
		return nil
	}
	b.busy = true
	b.failed = false
	b.mx.Unlock()

	err := b.q.Submit(station.Transaction{
		CS:        b.cs,
		Registers: b.regs,
		Tx:        b.tx[:],
		Rx:        b.rx[:],
		Dir:       station.DirTxRx,
		OnDone:    b.readDone,
		OnError:   b.readFailed,
	})
	if err != nil {
		b.mx.Lock()
		b.busy = false
		b.failed = true
		b.mx.Unlock()
		return fmt.Errorf("bme280: could not queue read: %w", err)
	}
	return nil
}

func (b *BME280) readDone(station.Queue, any) {
	b.mx.Lock()
	// rx[0] is clocked in while the address goes out
	adcP, adcT, adcH := decodeBurst(b.rx[1:])
	m := b.cal.Compensate(adcT, adcP, adcH)
	m.Stamp = station.Millis(b.clock)
	b.last = m
	b.busy = false
	b.failed = false
	cb := b.onDone
	b.mx.Unlock()

	if cb != nil {
		cb(m)
	}
}

func (b *BME280) readFailed(station.Queue, any, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.busy = false
	b.failed = true
}

// IsBusy reports whether a read is in flight.
func (b *BME280) IsBusy() bool {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.busy
}

// HasData reports whether the last reading is valid.
func (b *BME280) HasData() bool {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.last.Valid
}

func (b *BME280) Last() Measurement {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.last
}

// Err reports whether the last read failed. It clears on the next trigger.
func (b *BME280) Err() bool {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.failed
}

// decodeBurst splits the 8 data bytes starting at press_msb into raw
// pressure, temperature (20 bit) and humidity (16 bit).
func decodeBurst(d []byte) (adcP, adcT, adcH int32) {
	adcP = int32(d[0])<<12 | int32(d[1])<<4 | int32(d[2]>>4)
	adcT = int32(d[3])<<12 | int32(d[4])<<4 | int32(d[5]>>4)
	adcH = int32(d[6])<<8 | int32(d[7])
	return
}
