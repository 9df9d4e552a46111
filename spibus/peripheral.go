package spibus

import "github.com/mklimuk/station"

// Handler receives completion notifications from a Peripheral. Exactly one of
// Complete or Error must be reported per started transfer.
type Handler interface {
	HalfComplete(p Peripheral)
	Complete(p Peripheral)
	Error(p Peripheral, err error)
}

// Peripheral is the low-level, non-blocking transfer primitive.
type Peripheral interface {
	Bind(h Handler)
	Configure(r station.Registers) error
	StartTx(tx []byte) error
	StartTxRx(tx, rx []byte) error
}

// CacheCleaner is implemented by peripherals whose DMA engine reads the
// transmit buffer past the CPU data cache.
type CacheCleaner interface {
	CleanCache(buf []byte)
}
