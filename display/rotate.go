package display

import "tinygo.org/x/drivers"

// Rotate remaps a w x h MSB-first 1-bit bitmap into dst. Quarter turns swap
// the destination axes. Rotation0, and any mirrored value, copies rows.
func Rotate(src, dst []byte, w, h, srcStride, dstStride int, rot drivers.Rotation) {
	dstH := h
	if rot == drivers.Rotation90 || rot == drivers.Rotation270 {
		dstH = w
	}
	clear(dst[:dstStride*dstH])

	switch rot {
	case drivers.Rotation90, drivers.Rotation180, drivers.Rotation270:
	default:
		n := min(srcStride, dstStride)
		for y := 0; y < h; y++ {
			copy(dst[y*dstStride:y*dstStride+n], src[y*srcStride:])
		}
		return
	}

	for y := 0; y < h; y++ {
		row := src[y*srcStride:]
		for x := 0; x < w; x++ {
			if row[x>>3]&(0x80>>(x&7)) == 0 {
				continue
			}
			var xd, yd int
			switch rot {
			case drivers.Rotation90:
				xd, yd = h-1-y, x
			case drivers.Rotation180:
				xd, yd = w-1-x, h-1-y
			default:
				xd, yd = y, w-1-x
			}
			dst[yd*dstStride+xd>>3] |= 0x80 >> (xd & 7)
		}
	}
}
