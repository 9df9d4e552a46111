package epd

// Plane selects one of the two controller RAM planes fed by a 4-gray image.
type Plane uint8

const (
	// PlaneBW is written with CmdWriteRAM.
	PlaneBW Plane = iota
	// PlaneRed is written with CmdWriteRAM2.
	PlaneRed
)

// 2bpp gray levels as they appear in the top bits of an input byte
const (
	levelBlack = 0x00
	levelGray2 = 0x40
	levelGray1 = 0x80
	levelWhite = 0xC0
)

// PackPlane folds two 2bpp input bytes (8 pixels, leftmost in the top bits)
// into one plane byte, leftmost pixel in bit 7. White is 1 in both planes,
// black is 0 in both; the two grays are told apart by which plane has them set.
func PackPlane(src []byte, plane Plane) byte {
	var out byte
	for j := 0; j < 2; j++ {
		b := src[j]
		for k := 0; k < 4; k++ {
			out <<= 1
			if planeBit(b&0xC0, plane) {
				out |= 1
			}
			b <<= 2
		}
	}
	return out
}

func planeBit(level byte, plane Plane) bool {
	switch level {
	case levelWhite:
		return true
	case levelBlack:
		return false
	case levelGray1:
		return plane == PlaneRed
	default:
		return plane == PlaneBW
	}
}

// packImage converts a full 4-gray frame into one plane.
func packImage(img []byte, plane Plane) []byte {
	out := make([]byte, FrameSize)
	for i := range out {
		out[i] = PackPlane(img[i*2:i*2+2], plane)
	}
	return out
}
