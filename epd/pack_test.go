package epd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPackPlane(t *testing.T) {
	tests := []struct {
		name    string
		src     []byte
		bw, red byte
	}{
		{"white", []byte{0xFF, 0xFF}, 0xFF, 0xFF},
		{"black", []byte{0x00, 0x00}, 0x00, 0x00},
		{"gray1", []byte{0xAA, 0xAA}, 0x00, 0xFF},
		{"gray2", []byte{0x55, 0x55}, 0xFF, 0x00},
		// W B G1 G2 | G2 G1 B W
		{"mixed", []byte{0xC9, 0x63}, 0x99, 0xA5},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.bw, PackPlane(test.src, PlaneBW))
			assert.Equal(t, test.red, PackPlane(test.src, PlaneRed))
		})
	}
}

func TestLUTFor(t *testing.T) {
	tests := []struct {
		mode     Mode
		oneBit   bool
		expected LUT
	}{
		{ModeGC, true, LUT1GrayGC},
		{ModeDU, true, LUT1GrayDU},
		{ModeA2, true, LUT1GrayA2},
		{ModeDU, false, LUT4GrayGC},
		{ModeGC, false, LUT4GrayGC},
	}
	for _, test := range tests {
		assert.Equal(t, test.expected, LUTFor(test.mode, test.oneBit), "%s one bit %v", test.mode, test.oneBit)
	}
}

func TestLUT_Tables(t *testing.T) {
	for _, l := range []LUT{LUT4GrayGC, LUT1GrayGC, LUT1GrayDU, LUT1GrayA2} {
		b := l.Bytes()
		assert.Len(t, b, LUTSize, l.String())
		assert.Equal(t, []byte{0x22, 0x22, 0x22, 0x22, 0x22}, b[100:], l.String())
	}
	assert.Nil(t, LUT(9).Bytes())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" DU ")
	assert.NoError(t, err)
	assert.Equal(t, ModeDU, m)
	_, err = ParseMode("fast")
	assert.Error(t, err)
}
