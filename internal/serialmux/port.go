package serialmux

import "io"

// SerialPorter is the minimal port surface the mux needs. Tests use an
// in-memory pipe in place of hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}
