package epd

import (
	"fmt"
	"strings"
)

// Mode is the refresh waveform family. GC is a full refresh with flashing,
// DU and A2 are fast partial refreshes for 1-bit content.
type Mode uint8

const (
	ModeGC Mode = iota
	ModeDU
	ModeA2
)

func (m Mode) String() string {
	switch m {
	case ModeGC:
		return "gc"
	case ModeDU:
		return "du"
	case ModeA2:
		return "a2"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// ParseMode accepts gc, du or a2 in any case.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gc":
		return ModeGC, nil
	case "du":
		return ModeDU, nil
	case "a2":
		return ModeA2, nil
	}
	return ModeGC, fmt.Errorf("unknown refresh mode %q", s)
}

// LUT identifies one of the waveform tables loaded with CmdWriteLUT.
type LUT uint8

const (
	LUT4GrayGC LUT = iota
	LUT1GrayGC
	LUT1GrayDU
	LUT1GrayA2
)

const LUTSize = 105

func (l LUT) String() string {
	switch l {
	case LUT4GrayGC:
		return "4gray-gc"
	case LUT1GrayGC:
		return "1gray-gc"
	case LUT1GrayDU:
		return "1gray-du"
	case LUT1GrayA2:
		return "1gray-a2"
	}
	return fmt.Sprintf("lut(%d)", uint8(l))
}

// Bytes returns the table. The slice is shared and must not be modified.
func (l LUT) Bytes() []byte {
	switch l {
	case LUT4GrayGC:
		return lut4GrayGC[:]
	case LUT1GrayGC:
		return lut1GrayGC[:]
	case LUT1GrayDU:
		return lut1GrayDU[:]
	case LUT1GrayA2:
		return lut1GrayA2[:]
	}
	return nil
}

// LUTFor picks the table for a refresh mode. Grayscale content always uses
// the 4-gray GC table.
func LUTFor(mode Mode, oneBit bool) LUT {
	if !oneBit {
		return LUT4GrayGC
	}
	switch mode {
	case ModeDU:
		return LUT1GrayDU
	case ModeA2:
		return LUT1GrayA2
	}
	return LUT1GrayGC
}

var lut4GrayGC = [LUTSize]byte{
	0x2A, 0x06, 0x15, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x28, 0x06, 0x14, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x20, 0x06, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x14, 0x06, 0x28, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x02, 0x02, 0x0A, 0x00, 0x00, 0x00, 0x08, 0x08, 0x02,
	0x00, 0x02, 0x02, 0x0A, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x22, 0x22, 0x22, 0x22, 0x22,
}

var lut1GrayGC = [LUTSize]byte{
	0x2A, 0x05, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x05, 0x2A, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x2A, 0x15, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x05, 0x0A, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x02, 0x03, 0x0A, 0x00, 0x02, 0x06, 0x0A, 0x05, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x22, 0x22, 0x22, 0x22, 0x22,
}

var lut1GrayDU = [LUTSize]byte{
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x2A, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x0A, 0x55, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x05, 0x05, 0x00, 0x05, 0x03, 0x05, 0x05, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x22, 0x22, 0x22, 0x22, 0x22,
}

var lut1GrayA2 = [LUTSize]byte{
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x0A, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x05, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x03, 0x05, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x22, 0x22, 0x22, 0x22, 0x22,
}
