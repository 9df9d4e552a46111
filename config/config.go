package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendPeriph = "periph"
	BackendGobot  = "gobot"

	TransportI2C     = "i2c"
	TransportMCP2221 = "mcp2221"

	// NoPin marks an expander line that is not used.
	NoPin = -1
)

// SPIConfig describes the link to one device. Port is the periph port name
// ("" opens the first one); Bus and Chip select the gobot device.
type SPIConfig struct {
	Port      string `yaml:"port"`
	Bus       int    `yaml:"bus"`
	Chip      int    `yaml:"chip"`
	Frequency int64  `yaml:"frequency"`
	Mode      int    `yaml:"mode"`
}

type BusConfig struct {
	// Backend is either periph or gobot.
	Backend string `yaml:"backend"`
	// Capacity is the queue ring size; one slot stays free. Values below
	// MinCapacity are raised to it.
	Capacity   int  `yaml:"capacity"`
	CacheClean bool `yaml:"cache_clean"`
}

type PanelPins struct {
	Reset string `yaml:"reset"`
	DC    string `yaml:"dc"`
	Busy  string `yaml:"busy"`
	CS    string `yaml:"cs"`
	// ExpanderReset and ExpanderBusy route the slow lines through the
	// MCP23017 instead of native GPIO. NoPin keeps the native line.
	ExpanderReset int `yaml:"expander_reset"`
	ExpanderBusy  int `yaml:"expander_busy"`
}

type PanelTiming struct {
	ResetHigh   time.Duration `yaml:"reset_high"`
	ResetLow    time.Duration `yaml:"reset_low"`
	SoftReset   time.Duration `yaml:"soft_reset"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
	BusySettle  time.Duration `yaml:"busy_settle"`
	BusyPoll    time.Duration `yaml:"busy_poll"`
}

type PanelConfig struct {
	SPI            SPIConfig   `yaml:"spi"`
	Pins           PanelPins   `yaml:"pins"`
	BusyActiveHigh bool        `yaml:"busy_active_high"`
	Timing         PanelTiming `yaml:"timing"`
}

type Oversampling struct {
	Temperature int `yaml:"temperature"`
	Pressure    int `yaml:"pressure"`
	Humidity    int `yaml:"humidity"`
}

type SensorConfig struct {
	Enabled      bool         `yaml:"enabled"`
	SPI          SPIConfig    `yaml:"spi"`
	CS           string       `yaml:"cs"`
	Oversampling Oversampling `yaml:"oversampling"`
	// Standby and Filter are the raw config register fields (0..7).
	Standby int `yaml:"standby"`
	Filter  int `yaml:"filter"`
	// SeaLevel is the reference pressure in Pa used for the altitude estimate.
	SeaLevel float64 `yaml:"sea_level"`
}

type DisplayConfig struct {
	// Rotation in degrees: 0, 90, 180 or 270.
	Rotation              int    `yaml:"rotation"`
	RefreshCyclesBeforeGC int    `yaml:"refresh_cycles_before_gc"`
	DefaultMode           string `yaml:"default_mode"`
	Queued                bool   `yaml:"queued"`
}

type ScheduleConfig struct {
	// SensorRead and Refresh are cron specs (robfig/cron, descriptors like
	// "@every 30s" are accepted).
	SensorRead string `yaml:"sensor_read"`
	Refresh    string `yaml:"refresh"`
}

type ExpanderConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Transport string `yaml:"transport"`
	// Device is the periph I2C bus name for the i2c transport.
	Device  string `yaml:"device"`
	Address int    `yaml:"address"`
}

// Config is the station configuration document.
type Config struct {
	Bus      BusConfig      `yaml:"bus"`
	Panel    PanelConfig    `yaml:"panel"`
	Sensor   SensorConfig   `yaml:"sensor"`
	Display  DisplayConfig  `yaml:"display"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Expander ExpanderConfig `yaml:"expander"`
}

var defaultPanelTiming = PanelTiming{
	ResetHigh:   300 * time.Millisecond,
	ResetLow:    3 * time.Millisecond,
	SoftReset:   300 * time.Millisecond,
	BusyTimeout: 5 * time.Second,
	BusySettle:  200 * time.Millisecond,
	BusyPoll:    5 * time.Millisecond,
}

// DefaultConfig matches a Waveshare 3.7" HAT on a Raspberry Pi header with
// the BME280 on the second chip select line.
func DefaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			Backend:  BackendPeriph,
			Capacity: 32,
		},
		Panel: PanelConfig{
			SPI: SPIConfig{Frequency: 4_000_000},
			Pins: PanelPins{
				Reset:         "GPIO17",
				DC:            "GPIO25",
				Busy:          "GPIO24",
				CS:            "GPIO8",
				ExpanderReset: NoPin,
				ExpanderBusy:  NoPin,
			},
			Timing: defaultPanelTiming,
		},
		Sensor: SensorConfig{
			Enabled: true,
			SPI:     SPIConfig{Frequency: 1_000_000},
			CS:      "GPIO7",
			Oversampling: Oversampling{
				Temperature: 1,
				Pressure:    1,
				Humidity:    1,
			},
			Standby:  5,
			SeaLevel: 101325,
		},
		Display: DisplayConfig{
			RefreshCyclesBeforeGC: 10,
			DefaultMode:           "du",
			Queued:                true,
		},
		Schedule: ScheduleConfig{
			SensorRead: "@every 30s",
			Refresh:    "@every 1m",
		},
		Expander: ExpanderConfig{
			Transport: TransportI2C,
			Address:   0x21,
		},
	}
}

func normalizeSPI(s *SPIConfig, frequency int64) {
	if s.Frequency <= 0 {
		s.Frequency = frequency
	}
	if s.Mode < 0 || s.Mode > 3 {
		s.Mode = 0
	}
	if s.Bus < 0 {
		s.Bus = 0
	}
	if s.Chip < 0 {
		s.Chip = 0
	}
}

func normalizeDuration(d *time.Duration, def time.Duration) {
	if *d < 0 {
		*d = def
	}
}

// MinCapacity fits one queued panel refresh (13 display, 5 sleep and 1
// callback entries), a sensor read and the free slot, with room to spare.
const MinCapacity = 24

// Normalize fills zero values with defaults and clamps out of range ones so
// that partial or older files still load.
func (c *Config) Normalize() {
	def := DefaultConfig()

	switch c.Bus.Backend {
	case BackendPeriph, BackendGobot:
	default:
		c.Bus.Backend = def.Bus.Backend
	}
	switch {
	case c.Bus.Capacity <= 0:
		c.Bus.Capacity = def.Bus.Capacity
	case c.Bus.Capacity < MinCapacity:
		c.Bus.Capacity = MinCapacity
	}

	normalizeSPI(&c.Panel.SPI, def.Panel.SPI.Frequency)
	normalizeSPI(&c.Sensor.SPI, def.Sensor.SPI.Frequency)
	if c.Panel.Pins.ExpanderReset < NoPin || c.Panel.Pins.ExpanderReset > 15 {
		c.Panel.Pins.ExpanderReset = NoPin
	}
	if c.Panel.Pins.ExpanderBusy < NoPin || c.Panel.Pins.ExpanderBusy > 15 {
		c.Panel.Pins.ExpanderBusy = NoPin
	}
	t := &c.Panel.Timing
	if *t == (PanelTiming{}) {
		*t = defaultPanelTiming
	}
	normalizeDuration(&t.ResetHigh, defaultPanelTiming.ResetHigh)
	normalizeDuration(&t.ResetLow, defaultPanelTiming.ResetLow)
	normalizeDuration(&t.SoftReset, defaultPanelTiming.SoftReset)
	normalizeDuration(&t.BusySettle, defaultPanelTiming.BusySettle)
	if t.BusyTimeout <= 0 {
		t.BusyTimeout = defaultPanelTiming.BusyTimeout
	}
	if t.BusyPoll <= 0 {
		t.BusyPoll = defaultPanelTiming.BusyPoll
	}

	o := &c.Sensor.Oversampling
	o.Temperature = normalizeOversampling(o.Temperature)
	o.Pressure = normalizeOversampling(o.Pressure)
	o.Humidity = normalizeOversampling(o.Humidity)
	c.Sensor.Standby = min(max(c.Sensor.Standby, 0), 7)
	c.Sensor.Filter = min(max(c.Sensor.Filter, 0), 7)
	if c.Sensor.SeaLevel <= 0 {
		c.Sensor.SeaLevel = def.Sensor.SeaLevel
	}

	c.Display.Rotation = ((c.Display.Rotation/90)%4 + 4) % 4 * 90
	if c.Display.RefreshCyclesBeforeGC < 1 {
		c.Display.RefreshCyclesBeforeGC = def.Display.RefreshCyclesBeforeGC
	}
	switch strings.ToLower(c.Display.DefaultMode) {
	case "du", "a2":
		c.Display.DefaultMode = strings.ToLower(c.Display.DefaultMode)
	default:
		// GC is the periodic full refresh, never the default
		c.Display.DefaultMode = def.Display.DefaultMode
	}

	if c.Schedule.SensorRead == "" {
		c.Schedule.SensorRead = def.Schedule.SensorRead
	}
	if c.Schedule.Refresh == "" {
		c.Schedule.Refresh = def.Schedule.Refresh
	}

	switch c.Expander.Transport {
	case TransportI2C, TransportMCP2221:
	default:
		c.Expander.Transport = def.Expander.Transport
	}
	if c.Expander.Address <= 0 || c.Expander.Address > 0x7F {
		c.Expander.Address = def.Expander.Address
	}
}

// normalizeOversampling maps a sample count to the nearest supported one
// (0 skips the channel).
func normalizeOversampling(n int) int {
	switch {
	case n <= 0:
		return 0
	case n >= 16:
		return 16
	}
	v := 1
	for v*2 <= n {
		v *= 2
	}
	return v
}

// Load reads the configuration at path. A missing file is created with the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("could not read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("could not parse config %s: %w", path, err)
	}
	cfg.Normalize()
	return cfg, nil
}

// Save writes cfg atomically (temp file and rename) with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".station-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}
