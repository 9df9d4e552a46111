package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/mklimuk/station"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice answers each written report with the next queued response.
type fakeDevice struct {
	requests  [][]byte
	responses [][]byte
	closed    int
}

func (f *fakeDevice) Write(p []byte) (int, error) {
	f.requests = append(f.requests, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeDevice) Read(p []byte) (int, error) {
	if len(f.responses) == 0 {
		return 0, errors.New("no response queued")
	}
	n := copy(p, f.responses[0])
	f.responses = f.responses[1:]
	return n, nil
}

func (f *fakeDevice) Close() error {
	f.closed++
	return nil
}

func (f *fakeDevice) opener() Opener {
	return func() (Device, error) {
		return f, nil
	}
}

func report(b ...byte) []byte {
	r := make([]byte, reportSize)
	copy(r, b)
	return r
}

func newTestBridge(dev *fakeDevice) *MCP2221 {
	return NewMCP2221(WithOpener(dev.opener()), WithResponseWait(0))
}

func TestMCP2221_WriteToAddr(t *testing.T) {
	dev := &fakeDevice{responses: [][]byte{report(0x90, 0x00)}}
	d := newTestBridge(dev)

	require.NoError(t, d.WriteToAddr(context.Background(), 0x21, []byte{0x15, 0x02}))
	require.Len(t, dev.requests, 1)
	assert.Equal(t, []byte{0x90, 0x02, 0x00, 0x42, 0x15, 0x02}, dev.requests[0][:6])
	assert.Equal(t, 1, dev.closed)
}

func TestMCP2221_WriteBusy(t *testing.T) {
	dev := &fakeDevice{responses: [][]byte{report(0x90, 0x01)}}
	d := newTestBridge(dev)
	assert.ErrorIs(t, d.WriteToAddr(context.Background(), 0x21, []byte{0x00}), station.ErrBusBusy)
}

func TestMCP2221_ReadFromAddr(t *testing.T) {
	dev := &fakeDevice{responses: [][]byte{
		report(0x91, 0x00),
		report(0x40, 0x00, 0x00, 0x02, 0xA5, 0x3C),
	}}
	d := newTestBridge(dev)

	buf := make([]byte, 2)
	require.NoError(t, d.ReadFromAddr(context.Background(), 0x21, buf))
	assert.Equal(t, []byte{0xA5, 0x3C}, buf)
	require.Len(t, dev.requests, 2)
	assert.Equal(t, []byte{0x91, 0x02, 0x00, 0x43}, dev.requests[0][:4])
	assert.Equal(t, byte(0x40), dev.requests[1][0])
}

func TestMCP2221_ReadErrors(t *testing.T) {
	tests := []struct {
		name     string
		response []byte
		expected error
	}{
		{"engine error", report(0x40, 0x41), ErrCommandFailed},
		{"size mismatch", report(0x40, 0x00, 0x00, 0x01, 0xA5), nil},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			dev := &fakeDevice{responses: [][]byte{report(0x91, 0x00), test.response}}
			err := newTestBridge(dev).ReadFromAddr(context.Background(), 0x21, make([]byte, 2))
			require.Error(t, err)
			if test.expected != nil {
				assert.ErrorIs(t, err, test.expected)
			}
		})
	}
}

func TestMCP2221_Oversized(t *testing.T) {
	d := newTestBridge(&fakeDevice{})
	assert.ErrorIs(t, d.WriteToAddr(context.Background(), 0x21, make([]byte, 61)), station.ErrParam)
	assert.ErrorIs(t, d.ReadFromAddr(context.Background(), 0x21, make([]byte, 61)), station.ErrParam)
}

func TestMCP2221_ReleaseBus(t *testing.T) {
	resp := report(0x10, 0x00)
	resp[9], resp[10] = 0x02, 0x00
	resp[13] = 0x01
	resp[16], resp[17] = 0x42, 0x00
	dev := &fakeDevice{responses: [][]byte{resp}}
	d := newTestBridge(dev)

	status, err := d.ReleaseBus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0x00, 0x10}, dev.requests[0][:3])
	assert.Equal(t, uint16(2), status.LastWriteRequestedSize)
	assert.Equal(t, 1, status.I2CDataBufferCounter)
	assert.Equal(t, "4200", status.CurrentAddress)
}

func TestMCP2221_DeviceMissing(t *testing.T) {
	d := NewMCP2221(WithOpener(func() (Device, error) { return nil, ErrDeviceNotFound }))
	assert.ErrorIs(t, d.Release(context.Background()), ErrDeviceNotFound)
}

func TestMCP2221_Cancelled(t *testing.T) {
	dev := &fakeDevice{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, newTestBridge(dev).WriteToAddr(ctx, 0x21, nil), context.Canceled)
	assert.Empty(t, dev.requests)
}
