package environment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mklimuk/station"
	"github.com/mklimuk/station/spibus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/conntest"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spitest"
)

var testCalibration = Calibration{
	T1: 27504, T2: 26435, T3: -1000,
	P1: 36477, P2: -10685, P3: 3024, P4: 2855, P5: 140, P6: -7, P7: 15500, P8: -14600, P9: 6000,
	H1: 75, H2: 362, H3: 0, H4: 315, H5: 50, H6: 30,
}

// raw calibration blocks encoding testCalibration
var (
	testCalibLo = []byte{
		0x70, 0x6B, 0x43, 0x67, 0x18, 0xFC,
		0x7D, 0x8E, 0x43, 0xD6, 0xD0, 0x0B, 0x27, 0x0B, 0x8C, 0x00,
		0xF9, 0xFF, 0x8C, 0x3C, 0xF8, 0xC6, 0x70, 0x17,
		0x00, 0x4B,
	}
	testCalibHi = []byte{0x6A, 0x01, 0x00, 0x13, 0x2B, 0x03, 0x1E}
)

// burst for adcP=415148, adcT=519888, adcH=30000
var testBurst = []byte{0x65, 0x5A, 0xC0, 0x7E, 0xED, 0x00, 0x75, 0x30}

func TestCalibration_Temperature(t *testing.T) {
	c := testCalibration
	temp, tFine := c.CompensateTemperature(519888)
	assert.Equal(t, int32(128422), tFine)
	assert.InDelta(t, 25.08, temp, 1e-9)

	temp, _ = c.CompensateTemperature(0x80000)
	assert.Equal(t, Disabled, temp)
}

func TestCalibration_Pressure(t *testing.T) {
	c := testCalibration
	assert.Equal(t, int32(100653), c.CompensatePressure(415148, 128422))

	c.P1 = 0
	assert.Equal(t, int32(0), c.CompensatePressure(415148, 128422), "division by zero guarded")
}

func TestCalibration_Humidity(t *testing.T) {
	tests := []struct {
		adc      int32
		expected float64
	}{
		{30000, 54.28515625},
		{0, 0.0},
		{65535, 100.0},
		{0x8000, Disabled},
	}
	c := testCalibration
	for _, test := range tests {
		t.Run(fmt.Sprintf("%d", test.adc), func(t *testing.T) {
			assert.Equal(t, test.expected, c.CompensateHumidity(test.adc, 128422))
		})
	}
}

func TestCalibration_Compensate(t *testing.T) {
	c := testCalibration
	m := c.Compensate(519888, 415148, 30000)
	assert.True(t, m.Valid)
	assert.NoError(t, m.Check())
	assert.InDelta(t, 25.08, m.Temperature, 1e-9)
	assert.Equal(t, int32(100653), m.Pressure)
	assert.Equal(t, 54.28515625, m.Humidity)

	m = c.Compensate(519888, 415148, 0x8000)
	assert.False(t, m.Valid)
	assert.ErrorIs(t, m.Check(), ErrHumidityDisabled)

	m = c.Compensate(0x80000, 415148, 30000)
	assert.False(t, m.Valid)
	assert.ErrorIs(t, m.Check(), ErrTemperatureDisabled)
}

func TestParseCalibration(t *testing.T) {
	c, err := ParseCalibration(testCalibLo, testCalibHi)
	require.NoError(t, err)
	assert.Equal(t, testCalibration, c)

	_, err = ParseCalibration(testCalibLo[:10], testCalibHi)
	assert.ErrorIs(t, err, station.ErrParam)
}

func TestMeasurement_Altitude(t *testing.T) {
	m := Measurement{Pressure: 101325}
	assert.InDelta(t, 0.0, m.Altitude(101325), 1e-9)
	m.Pressure = 100653
	assert.InDelta(t, 56.2, m.Altitude(101325), 0.5)
	assert.True(t, math.IsNaN(Measurement{}.Altitude(101325)))
}

func TestDecodeBurst(t *testing.T) {
	p, temp, h := decodeBurst(testBurst)
	assert.Equal(t, int32(415148), p)
	assert.Equal(t, int32(519888), temp)
	assert.Equal(t, int32(30000), h)
}

func csLine() (station.Line, *gpiotest.Pin) {
	pin := &gpiotest.Pin{N: "CS", L: gpio.High}
	return station.Line{Pin: pin, ActiveLow: true}, pin
}

func burstBehavior(burst []byte) spibus.StartBehaviorFunc {
	return func(tx, rx []byte) error {
		copy(rx[1:], burst)
		return nil
	}
}

func TestBME280_Read(t *testing.T) {
	p := spibus.NewMockPeripheral(burstBehavior(testBurst))
	p.AutoComplete = true
	m, err := spibus.New(p, 4)
	require.NoError(t, err)
	cs, pin := csLine()
	mock := clock.NewMock()
	mock.Add(1500 * time.Millisecond)

	var got []Measurement
	b, err := NewBME280(m, cs, station.Registers{CR1: 0x0800},
		WithCalibration(testCalibration),
		WithClock(mock),
		WithDoneCallback(func(m Measurement) { got = append(got, m) }))
	require.NoError(t, err)
	assert.False(t, b.HasData())

	require.NoError(t, b.TriggerRead())
	require.Equal(t, 1, p.StartCount())
	tx := p.Started(0)
	assert.Len(t, tx, 9)
	assert.Equal(t, byte(0xF7), tx[0])

	assert.False(t, b.IsBusy())
	assert.False(t, b.Err())
	assert.True(t, b.HasData())
	last := b.Last()
	assert.InDelta(t, 25.08, last.Temperature, 1e-9)
	assert.Equal(t, int32(100653), last.Pressure)
	assert.Equal(t, 54.28515625, last.Humidity)
	assert.Equal(t, station.Millis(mock), last.Stamp)
	assert.Equal(t, []Measurement{last}, got)
	assert.Equal(t, gpio.High, pin.Read())
}

func TestBME280_ReadInFlight(t *testing.T) {
	p := spibus.NewMockPeripheral(burstBehavior(testBurst))
	m, err := spibus.New(p, 4)
	require.NoError(t, err)
	cs, _ := csLine()
	b, err := NewBME280(m, cs, station.Registers{}, WithCalibration(testCalibration))
	require.NoError(t, err)

	require.NoError(t, b.TriggerRead())
	require.NoError(t, b.TriggerRead())
	assert.True(t, b.IsBusy())
	assert.Equal(t, 1, p.StartCount(), "second trigger is absorbed")

	p.FireComplete()
	assert.False(t, b.IsBusy())
	assert.True(t, b.HasData())
}

func TestBME280_ReadFailure(t *testing.T) {
	p := spibus.NewMockPeripheral(nil)
	m, err := spibus.New(p, 4)
	require.NoError(t, err)
	cs, _ := csLine()
	b, err := NewBME280(m, cs, station.Registers{}, WithCalibration(testCalibration))
	require.NoError(t, err)

	require.NoError(t, b.TriggerRead())
	p.FireError(errors.New("overrun"))
	assert.False(t, b.IsBusy())
	assert.True(t, b.Err())
	assert.False(t, b.HasData())

	// a new trigger clears the failure flag
	require.NoError(t, b.TriggerRead())
	assert.False(t, b.Err())
}

func TestBME280_QueueFull(t *testing.T) {
	p := spibus.NewMockPeripheral(nil)
	m, err := spibus.New(p, 2)
	require.NoError(t, err)
	cs, _ := csLine()
	// the in-flight entry holds the only slot
	require.NoError(t, m.Submit(station.Transaction{CS: cs, Tx: []byte{0x00}}))

	b, err := NewBME280(m, cs, station.Registers{})
	require.NoError(t, err)
	err = b.TriggerRead()
	assert.ErrorIs(t, err, station.ErrQueueFull)
	assert.False(t, b.IsBusy())
	assert.True(t, b.Err())
}

func TestBME280_HumidityDisabled(t *testing.T) {
	burst := append([]byte(nil), testBurst...)
	burst[6], burst[7] = 0x80, 0x00
	p := spibus.NewMockPeripheral(burstBehavior(burst))
	p.AutoComplete = true
	m, err := spibus.New(p, 4)
	require.NoError(t, err)
	cs, _ := csLine()
	b, err := NewBME280(m, cs, station.Registers{}, WithCalibration(testCalibration))
	require.NoError(t, err)

	require.NoError(t, b.TriggerRead())
	assert.False(t, b.HasData())
	assert.Equal(t, Disabled, b.Last().Humidity)
	assert.False(t, b.Err())
}

func TestNewBME280_Invalid(t *testing.T) {
	m, err := spibus.New(spibus.NewMockPeripheral(nil), 4)
	require.NoError(t, err)
	cs, _ := csLine()
	_, err = NewBME280(nil, cs, station.Registers{})
	assert.ErrorIs(t, err, station.ErrParam)
	_, err = NewBME280(m, station.Line{}, station.Registers{})
	assert.ErrorIs(t, err, station.ErrParam)
}

// fakeRegisters is a register file with auto-incrementing burst reads.
type fakeRegisters struct {
	mx     sync.Mutex
	regs   [256]byte
	writes [][2]byte
	// idAfter makes the chip id readable only after that many reads
	idAfter int
	reads   int
}

func newFakeRegisters() *fakeRegisters {
	f := &fakeRegisters{}
	f.regs[bme280RegChipID] = bme280ChipID
	copy(f.regs[bme280RegCalib00:], testCalibLo)
	copy(f.regs[bme280RegCalib26:], testCalibHi)
	return f
}

func (f *fakeRegisters) ReadRegisters(_ context.Context, addr byte, buf []byte) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	if addr == bme280RegChipID {
		f.reads++
		if f.reads <= f.idAfter {
			buf[0] = 0x58
			return nil
		}
	}
	copy(buf, f.regs[int(addr):])
	return nil
}

func (f *fakeRegisters) WriteRegister(_ context.Context, addr, value byte) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.writes = append(f.writes, [2]byte{addr, value})
	f.regs[addr] = value
	return nil
}

func TestReadCalibration(t *testing.T) {
	f := newFakeRegisters()
	f.idAfter = 3
	c, err := ReadCalibration(context.Background(), f, WithResetDelay(0))
	require.NoError(t, err)
	assert.Equal(t, testCalibration, c)
	assert.Equal(t, [][2]byte{{bme280RegReset, bme280ResetWord}}, f.writes)
}

func TestReadCalibration_WrongChip(t *testing.T) {
	f := newFakeRegisters()
	f.idAfter = math.MaxInt
	_, err := ReadCalibration(context.Background(), f, WithResetDelay(0))
	assert.ErrorIs(t, err, ErrChipID)
	assert.Empty(t, f.writes, "no reset on a foreign chip")
}

func TestReadCalibration_Cancelled(t *testing.T) {
	f := newFakeRegisters()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ReadCalibration(ctx, f)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConfigure(t *testing.T) {
	tests := []struct {
		name     string
		given    Settings
		expected [][2]byte
	}{
		{
			name: "normal",
			given: Settings{
				Temperature: Oversampling1x, Pressure: Oversampling16x, Humidity: Oversampling2x,
				Mode: ModeNormal, Standby: 5, Filter: 4,
			},
			expected: [][2]byte{{0xF2, 0xFA}, {0xF4, 0x37}, {0xF5, 0xB0}},
		},
		{
			name:     "forced is written as sleep",
			given:    Settings{Temperature: Oversampling2x, Pressure: Oversampling2x, Humidity: Oversampling1x, Mode: ModeForced},
			expected: [][2]byte{{0xF2, 0xF9}, {0xF4, 0x48}},
		},
		{
			name:     "out of range is clamped",
			given:    Settings{Temperature: 9, Pressure: 7, Humidity: 6, Mode: 7},
			expected: [][2]byte{{0xF2, 0xFD}, {0xF4, 0xB7}, {0xF5, 0x00}},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := newFakeRegisters()
			f.regs[bme280RegCtrlHum] = 0xFF
			require.NoError(t, Configure(context.Background(), f, test.given))
			assert.Equal(t, test.expected, f.writes)
		})
	}
}

func TestSPIRegisters(t *testing.T) {
	port := &spitest.Playback{
		Playback: conntest.Playback{
			Ops: []conntest.IO{
				{W: []byte{0xD0 | 0x80, 0x00}, R: []byte{0x00, 0x60}},
				{W: []byte{0x74, 0x27}},
			},
			DontPanic: true,
		},
	}
	prof, err := spibus.Connect(port, physic.MegaHertz, spi.Mode0, 8)
	require.NoError(t, err)
	cs, pin := csLine()
	r := SPIRegisters{Conn: prof.Conn, CS: cs}

	id := make([]byte, 1)
	require.NoError(t, r.ReadRegisters(context.Background(), bme280RegChipID, id))
	assert.Equal(t, byte(0x60), id[0])
	require.NoError(t, r.WriteRegister(context.Background(), bme280RegCtrlMeas, 0x27))
	assert.Equal(t, gpio.High, pin.Read())
	assert.NoError(t, port.Close())
}

type fakeI2C struct {
	regs    *fakeRegisters
	pointer byte
	addr    byte
}

func (f *fakeI2C) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	f.addr = address
	return f.regs.ReadRegisters(ctx, f.pointer, buffer)
}

func (f *fakeI2C) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	f.addr = address
	f.pointer = buffer[0]
	if len(buffer) > 1 {
		return f.regs.WriteRegister(ctx, buffer[0], buffer[1])
	}
	return nil
}

func (f *fakeI2C) Release(context.Context) error {
	return nil
}

func TestI2CRegisters(t *testing.T) {
	bus := &fakeI2C{regs: newFakeRegisters()}
	r := I2CRegisters{Bus: bus, Address: DefaultBME280Address}
	c, err := ReadCalibration(context.Background(), r, WithResetDelay(0))
	require.NoError(t, err)
	assert.Equal(t, testCalibration, c)
	assert.Equal(t, byte(0x76), bus.addr)
}
