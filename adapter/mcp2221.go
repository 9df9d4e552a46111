package adapter

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/karalabe/hid"
	"github.com/mklimuk/station"
	"github.com/mklimuk/station/stctx"
)

const VendorID = 0x04D8
const ProductID = 0x00DD

const reportSize = 64

var ErrCommandFailed = errors.New("command failed")
var ErrDeviceNotFound = errors.New("MCP2221 device not found")

// Device is an open HID report channel.
type Device interface {
	io.ReadWriteCloser
}

// Opener opens the bridge for a single exchange.
type Opener func() (Device, error)

// HIDOpener opens the MCP2221 at the given enumeration index. A negative index
// requires exactly one bridge to be connected.
func HIDOpener(index int) Opener {
	return func() (Device, error) {
		devs := hid.Enumerate(VendorID, ProductID)
		if len(devs) == 0 {
			return nil, ErrDeviceNotFound
		}
		if index < 0 {
			if len(devs) > 1 {
				return nil, fmt.Errorf("ambiguous device identification: %d bridges found", len(devs))
			}
			index = 0
		}
		if index >= len(devs) {
			return nil, fmt.Errorf("no device with id %d: %w", index, ErrDeviceNotFound)
		}
		dev, err := devs[index].Open()
		if err != nil {
			return nil, fmt.Errorf("error opening device: %w", err)
		}
		return dev, nil
	}
}

var _ station.I2CBus = &MCP2221{}

// MCP2221 is the USB-HID I2C bridge used on bench setups to reach the line
// expander. Every command is one 64 byte report out and one report back.
type MCP2221 struct {
	mx           sync.Mutex
	open         Opener
	request      []byte
	response     []byte
	responseWait time.Duration
}

// MCP2221Status is the I2C engine state reported by a status command.
type MCP2221Status struct {
	I2CDataBufferCounter   int
	I2CSpeedDivider        int
	I2CTimeout             int
	CurrentAddress         string
	LastWriteRequestedSize uint16
	LastWriteSentSize      uint16
	ReadPending            int
}

type MCP2221Opt func(*MCP2221)

// WithOpener replaces HID enumeration, e.g. with a recorded device in tests.
func WithOpener(open Opener) MCP2221Opt {
	return func(d *MCP2221) {
		d.open = open
	}
}

// WithResponseWait sets the delay between a request and reading its response.
func WithResponseWait(wait time.Duration) MCP2221Opt {
	return func(d *MCP2221) {
		d.responseWait = wait
	}
}

func NewMCP2221(opts ...MCP2221Opt) *MCP2221 {
	d := &MCP2221{
		open:         HIDOpener(-1),
		request:      make([]byte, reportSize),
		response:     make([]byte, reportSize),
		responseWait: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HID commands, see the MCP2221 datasheet section 3.1.
const (
	cmdStatus   byte = 0x10
	cmdWrite    byte = 0x90
	cmdRead     byte = 0x91
	cmdReadData byte = 0x40

	// status byte 2 of a status request: cancel the current transfer
	cancelTransfer byte = 0x10
	// response byte 1 of a write or read request: engine busy
	engineBusy byte = 0x01
	// response byte 1 of a read data request: engine error
	engineError byte = 0x41
	// response byte 3 of a read data request when the engine had no data
	readDataInvalid byte = 127
)

// maxTransfer is the payload of one report after the four header bytes.
const maxTransfer = reportSize - 4

func (d *MCP2221) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	if err := d.transfer(ctx, cmdWrite, address<<1, buffer, len(buffer)); err != nil {
		return fmt.Errorf("write to %x failed: %w", address, err)
	}
	return nil
}

func (d *MCP2221) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	if err := d.transfer(ctx, cmdRead, address<<1|1, nil, len(buffer)); err != nil {
		return fmt.Errorf("read from %x failed: %w", address, err)
	}
	err := d.command(ctx, cmdReadData, nil)
	if err != nil {
		return fmt.Errorf("could not fetch read data: %w", err)
	}
	if d.response[1] == engineError {
		return fmt.Errorf("i2c engine could not read from %x: %w", address, ErrCommandFailed)
	}
	if n := d.response[3]; n == readDataInvalid || int(n) != len(buffer) {
		return fmt.Errorf("read data size: expected %d, got %d", len(buffer), n)
	}
	copy(buffer, d.response[4:])
	return nil
}

// transfer starts an I2C write or read of n bytes on the bridge engine.
func (d *MCP2221) transfer(ctx context.Context, cmd, addr byte, payload []byte, n int) error {
	if n > maxTransfer {
		return fmt.Errorf("%d bytes exceed one report: %w", n, station.ErrParam)
	}
	err := d.command(ctx, cmd, func(req []byte) {
		binary.LittleEndian.PutUint16(req[1:3], uint16(n))
		req[3] = addr
		copy(req[4:], payload)
	})
	if err != nil {
		return err
	}
	if d.response[1] == engineBusy {
		stctx.Logger(ctx).Debug("bridge busy", "address", addr>>1)
		return station.ErrBusBusy
	}
	return nil
}

func (d *MCP2221) Status(ctx context.Context) (*MCP2221Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	if err := d.command(ctx, cmdStatus, nil); err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return parseStatus(d.response), nil
}

// Release cancels the current I2C transfer so the engine accepts new ones.
func (d *MCP2221) Release(ctx context.Context) error {
	_, err := d.ReleaseBus(ctx)
	return err
}

func (d *MCP2221) ReleaseBus(ctx context.Context) (*MCP2221Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	err := d.command(ctx, cmdStatus, func(req []byte) {
		req[2] = cancelTransfer
	})
	if err != nil {
		return nil, fmt.Errorf("release request failed: %w", err)
	}
	return parseStatus(d.response), nil
}

// parseStatus decodes the I2C part of a status response.
func parseStatus(r []byte) *MCP2221Status {
	return &MCP2221Status{
		LastWriteRequestedSize: binary.LittleEndian.Uint16(r[9:11]),
		LastWriteSentSize:      binary.LittleEndian.Uint16(r[11:13]),
		I2CDataBufferCounter:   int(r[13]),
		I2CSpeedDivider:        int(r[14]),
		I2CTimeout:             int(r[15]),
		CurrentAddress:         hex.EncodeToString(r[16:18]),
		ReadPending:            int(r[25]),
	}
}

// command sends one report starting with cmd and reads the answer into
// d.response. fill completes the request after the command byte.
func (d *MCP2221) command(ctx context.Context, cmd byte, fill func(req []byte)) (err error) {
	clear(d.request)
	clear(d.response)
	d.request[0] = cmd
	if fill != nil {
		fill(d.request)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dev, err := d.open()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := dev.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("could not close device: %w", cerr)
		}
	}()
	log := stctx.Logger(ctx)
	verbose := stctx.IsVerbose(ctx)
	if verbose {
		log.Debug("bridge request", "report", hex.EncodeToString(d.request))
	}
	if n, err := dev.Write(d.request); err != nil {
		return fmt.Errorf("could not write request: %w", err)
	} else if n != reportSize {
		return fmt.Errorf("short write: %d", n)
	}
	if d.responseWait > 0 {
		t := time.NewTimer(d.responseWait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if n, err := dev.Read(d.response); err != nil {
		return fmt.Errorf("could not read response: %w", err)
	} else if n != reportSize {
		return fmt.Errorf("short read: %d", n)
	}
	if verbose {
		log.Debug("bridge response", "report", hex.EncodeToString(d.response))
	}
	return nil
}
