package spibus

import (
	"testing"

	"github.com/mklimuk/station"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGobotOps struct {
	written [][]byte
	command []byte
	reply   []byte
}

func (f *fakeGobotOps) ReadCommandData(command []byte, data []byte) error {
	f.command = append([]byte(nil), command...)
	copy(data, f.reply)
	return nil
}

func (f *fakeGobotOps) WriteBytes(data []byte) error {
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func TestGobotTx(t *testing.T) {
	t.Run("write", func(t *testing.T) {
		ops := &fakeGobotOps{}
		require.NoError(t, gobotTx(ops, []byte{0x74, 0x27}, nil))
		assert.Equal(t, [][]byte{{0x74, 0x27}}, ops.written)
		assert.NoError(t, gobotTx(ops, nil, nil))
		assert.Len(t, ops.written, 1)
	})
	t.Run("read", func(t *testing.T) {
		ops := &fakeGobotOps{reply: []byte{0x60}}
		r := []byte{0xAA, 0xAA}
		require.NoError(t, gobotTx(ops, []byte{0xD0, 0x00}, r))
		assert.Equal(t, []byte{0xD0}, ops.command)
		assert.Equal(t, []byte{0x00, 0x60}, r)
	})
	t.Run("short rx", func(t *testing.T) {
		err := gobotTx(&fakeGobotOps{}, []byte{0xF7, 0, 0}, make([]byte, 2))
		assert.ErrorIs(t, err, station.ErrParam)
	})
}
