package environment

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mklimuk/station"
	"github.com/mklimuk/station/spibus"
)

var ErrTemperatureDisabled = errors.New("temperature measurement disabled")

// Calibration holds the factory trimming parameters of one BME280.
type Calibration struct {
	T1 uint16
	T2 int16
	T3 int16

	P1 uint16
	P2 int16
	P3 int16
	P4 int16
	P5 int16
	P6 int16
	P7 int16
	P8 int16
	P9 int16

	H1 uint8
	H2 int16
	H3 uint8
	H4 int16
	H5 int16
	H6 int8
}

// ParseCalibration decodes the two calibration blocks: 26 bytes from 0x88 and
// 7 bytes from 0xE1.
func ParseCalibration(lo, hi []byte) (Calibration, error) {
	if len(lo) < 26 || len(hi) < 7 {
		return Calibration{}, fmt.Errorf("bme280: short calibration block: %w", station.ErrParam)
	}
	le := binary.LittleEndian
	return Calibration{
		T1: le.Uint16(lo[0:]),
		T2: int16(le.Uint16(lo[2:])),
		T3: int16(le.Uint16(lo[4:])),
		P1: le.Uint16(lo[6:]),
		P2: int16(le.Uint16(lo[8:])),
		P3: int16(le.Uint16(lo[10:])),
		P4: int16(le.Uint16(lo[12:])),
		P5: int16(le.Uint16(lo[14:])),
		P6: int16(le.Uint16(lo[16:])),
		P7: int16(le.Uint16(lo[18:])),
		P8: int16(le.Uint16(lo[20:])),
		P9: int16(le.Uint16(lo[22:])),
		H1: lo[25],
		H2: int16(le.Uint16(hi[0:])),
		H3: hi[2],
		// H4 and H5 share the nibbles of 0xE5
		H4: int16(int8(hi[3]))<<4 | int16(hi[4]&0x0F),
		H5: int16(int8(hi[5]))<<4 | int16(hi[4]>>4),
		H6: int8(hi[6]),
	}, nil
}

// CompensateTemperature returns the temperature in °C together with the
// fine temperature the other channels depend on.
func (c *Calibration) CompensateTemperature(adcT int32) (float64, int32) {
	if adcT == 0x80000 {
		return Disabled, 0
	}
	var1 := ((adcT >> 3) - int32(c.T1)<<1) * int32(c.T2) >> 11
	d := (adcT >> 4) - int32(c.T1)
	var2 := ((d * d) >> 12) * int32(c.T3) >> 14
	tFine := var1 + var2
	return float64((tFine*5+128)>>8) / 100, tFine
}

// CompensatePressure returns the pressure in Pa using the 64-bit datasheet
// formula.
func (c *Calibration) CompensatePressure(adcP, tFine int32) int32 {
	var1 := int64(tFine) - 128000
	var2 := var1 * var1 * int64(c.P6)
	var2 += (var1 * int64(c.P5)) << 17
	var2 += int64(c.P4) << 35
	var1 = (var1*var1*int64(c.P3))>>8 + (var1*int64(c.P2))<<12
	var1 = ((int64(1)<<47 + var1) * int64(c.P1)) >> 33
	if var1 == 0 {
		return 0
	}
	p := int64(1048576 - adcP)
	p = ((p<<31 - var2) * 3125) / var1
	var1 = (int64(c.P9) * (p >> 13) * (p >> 13)) >> 25
	var2 = (int64(c.P8) * p) >> 19
	p = (p+var1+var2)>>8 + int64(c.P7)<<4
	return int32(p) / 256
}

// CompensateHumidity returns the relative humidity in %RH, or Disabled.
func (c *Calibration) CompensateHumidity(adcH, tFine int32) float64 {
	if adcH == 0x8000 {
		return Disabled
	}
	v := tFine - 76800
	a := (adcH<<14 - int32(c.H4)<<20 - int32(c.H5)*v + 16384) >> 15
	b := ((v * int32(c.H6)) >> 10) * (((v * int32(c.H3)) >> 11) + 32768)
	b = ((b>>10+2097152)*int32(c.H2) + 8192) >> 14
	v = a * b
	v -= ((((v >> 15) * (v >> 15)) >> 7) * int32(c.H1)) >> 4
	v = max(0, min(v, 419430400))
	return float64(v>>12) / 1024
}

// Compensate converts one raw burst. Temperature goes first since it
// produces the fine temperature.
func (c *Calibration) Compensate(adcT, adcP, adcH int32) Measurement {
	t, tFine := c.CompensateTemperature(adcT)
	m := Measurement{Temperature: t}
	if t != Disabled {
		m.Pressure = c.CompensatePressure(adcP, tFine)
	}
	m.Humidity = c.CompensateHumidity(adcH, tFine)
	m.Valid = m.Temperature != Disabled && m.Humidity != Disabled
	return m
}

// Check tells which channel made the measurement invalid.
func (m Measurement) Check() error {
	if m.Temperature == Disabled {
		return ErrTemperatureDisabled
	}
	if m.Humidity == Disabled {
		return ErrHumidityDisabled
	}
	return nil
}

// RegisterBus gives blocking register access to a BME280.
type RegisterBus interface {
	ReadRegisters(ctx context.Context, addr byte, buf []byte) error
	WriteRegister(ctx context.Context, addr, value byte) error
}

// SPIRegisters accesses registers over a synchronous SPI link with a manually
// driven chip select. It must not be used while the bus queue is running.
type SPIRegisters struct {
	Conn spibus.Conn
	CS   station.Line
}

var _ RegisterBus = SPIRegisters{}

func (s SPIRegisters) ReadRegisters(ctx context.Context, addr byte, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w := make([]byte, len(buf)+1)
	r := make([]byte, len(w))
	w[0] = addr | 0x80
	if err := s.tx(w, r); err != nil {
		return fmt.Errorf("could not read register 0x%02X: %w", addr, err)
	}
	copy(buf, r[1:])
	return nil
}

func (s SPIRegisters) WriteRegister(ctx context.Context, addr, value byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.tx([]byte{addr & 0x7F, value}, nil); err != nil {
		return fmt.Errorf("could not write register 0x%02X: %w", addr, err)
	}
	return nil
}

func (s SPIRegisters) tx(w, r []byte) error {
	if err := s.CS.Assert(); err != nil {
		return err
	}
	err := spibus.Transfer(s.Conn, w, r)
	if dErr := s.CS.Deassert(); err == nil {
		err = dErr
	}
	return err
}

const DefaultBME280Address = 0x76

// I2CRegisters accesses registers through an I2C transport.
type I2CRegisters struct {
	Bus     station.I2CBus
	Address byte
}

var _ RegisterBus = I2CRegisters{}

func (i I2CRegisters) ReadRegisters(ctx context.Context, addr byte, buf []byte) error {
	if err := i.Bus.WriteToAddr(ctx, i.Address, []byte{addr}); err != nil {
		return fmt.Errorf("could not set register address: %w", err)
	}
	if err := i.Bus.ReadFromAddr(ctx, i.Address, buf); err != nil {
		return fmt.Errorf("could not read register 0x%02X: %w", addr, err)
	}
	return nil
}

func (i I2CRegisters) WriteRegister(ctx context.Context, addr, value byte) error {
	if err := i.Bus.WriteToAddr(ctx, i.Address, []byte{addr, value}); err != nil {
		return fmt.Errorf("could not write register 0x%02X: %w", addr, err)
	}
	return nil
}

type calibrationOpts struct {
	clock      clock.Clock
	resetDelay time.Duration
	idTimeout  time.Duration
	nvmTimeout time.Duration
}

type CalibrationOpt func(*calibrationOpts)

func WithCalibrationClock(c clock.Clock) CalibrationOpt {
	return func(o *calibrationOpts) {
		o.clock = c
	}
}

// WithResetDelay overrides the 300ms pause after the soft reset.
func WithResetDelay(d time.Duration) CalibrationOpt {
	return func(o *calibrationOpts) {
		o.resetDelay = d
	}
}

// ReadCalibration checks the chip id, soft-resets the sensor, waits for the
// NVM copy and loads the trimming parameters.
func ReadCalibration(ctx context.Context, bus RegisterBus, opts ...CalibrationOpt) (Calibration, error) {
	o := calibrationOpts{
		clock:      clock.New(),
		resetDelay: 300 * time.Millisecond,
		idTimeout:  50 * time.Millisecond,
		nvmTimeout: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}

	id := make([]byte, 1)
	start := station.Millis(o.clock)
	for {
		if err := bus.ReadRegisters(ctx, bme280RegChipID, id); err != nil {
			return Calibration{}, fmt.Errorf("bme280: %w", err)
		}
		if id[0] == bme280ChipID {
			break
		}
		if station.Millis(o.clock)-start > uint32(o.idTimeout/time.Millisecond) {
			return Calibration{}, fmt.Errorf("bme280: chip id 0x%02X: %w", id[0], ErrChipID)
		}
		if err := sleep(ctx, o.clock, time.Millisecond); err != nil {
			return Calibration{}, err
		}
	}

	if err := bus.WriteRegister(ctx, bme280RegReset, bme280ResetWord); err != nil {
		return Calibration{}, fmt.Errorf("bme280: soft reset: %w", err)
	}
	if err := sleep(ctx, o.clock, o.resetDelay); err != nil {
		return Calibration{}, err
	}

	// a stuck NVM copy flag is not fatal; the data is read anyway
	status := make([]byte, 1)
	start = station.Millis(o.clock)
	for {
		if err := bus.ReadRegisters(ctx, bme280RegStatus, status); err != nil {
			return Calibration{}, fmt.Errorf("bme280: %w", err)
		}
		if status[0]&bme280StatusImUpdate == 0 || station.Millis(o.clock)-start > uint32(o.nvmTimeout/time.Millisecond) {
			break
		}
		if err := sleep(ctx, o.clock, time.Millisecond); err != nil {
			return Calibration{}, err
		}
	}

	lo := make([]byte, 26)
	hi := make([]byte, 7)
	if err := bus.ReadRegisters(ctx, bme280RegCalib00, lo); err != nil {
		return Calibration{}, fmt.Errorf("bme280: calibration: %w", err)
	}
	if err := bus.ReadRegisters(ctx, bme280RegCalib26, hi); err != nil {
		return Calibration{}, fmt.Errorf("bme280: calibration: %w", err)
	}
	return ParseCalibration(lo, hi)
}

// Oversampling values for ctrl_hum and ctrl_meas.
type Oversampling uint8

const (
	OversamplingSkip Oversampling = iota
	Oversampling1x
	Oversampling2x
	Oversampling4x
	Oversampling8x
	Oversampling16x
)

type SensorMode uint8

const (
	ModeSleep  SensorMode = 0x00
	ModeForced SensorMode = 0x01
	ModeNormal SensorMode = 0x03
)

// Standby and Filter are raw config register fields (t_sb, filter).
type Settings struct {
	Temperature Oversampling
	Pressure    Oversampling
	Humidity    Oversampling
	Mode        SensorMode
	Standby     uint8
	Filter      uint8
}

// DefaultSettings keep the sensor measuring continuously, which the burst
// reader relies on.
var DefaultSettings = Settings{
	Temperature: Oversampling1x,
	Pressure:    Oversampling1x,
	Humidity:    Oversampling1x,
	Mode:        ModeNormal,
}

// Configure writes the measurement settings. ctrl_hum only takes effect after
// a ctrl_meas write, so it goes first. Forced mode is written as sleep; the
// conversion is triggered per read.
func Configure(ctx context.Context, bus RegisterBus, s Settings) error {
	s.Temperature = min(s.Temperature, Oversampling16x)
	s.Pressure = min(s.Pressure, Oversampling16x)
	s.Humidity = min(s.Humidity, Oversampling16x)
	mode := s.Mode
	switch {
	case mode > ModeNormal:
		mode = ModeNormal
	case mode == ModeForced:
		mode = ModeSleep
	}

	hum := make([]byte, 1)
	if err := bus.ReadRegisters(ctx, bme280RegCtrlHum, hum); err != nil {
		return fmt.Errorf("bme280: configure: %w", err)
	}
	if err := bus.WriteRegister(ctx, bme280RegCtrlHum, hum[0]&0xF8|byte(s.Humidity)); err != nil {
		return fmt.Errorf("bme280: configure: %w", err)
	}
	meas := byte(s.Temperature)<<5 | byte(s.Pressure)<<2 | byte(mode)
	if err := bus.WriteRegister(ctx, bme280RegCtrlMeas, meas); err != nil {
		return fmt.Errorf("bme280: configure: %w", err)
	}
	if mode == ModeNormal {
		cfg := (s.Standby&0x07)<<5 | (s.Filter&0x07)<<2
		if err := bus.WriteRegister(ctx, bme280RegConfig, cfg); err != nil {
			return fmt.Errorf("bme280: configure: %w", err)
		}
	}
	return nil
}

func sleep(ctx context.Context, c clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := c.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
