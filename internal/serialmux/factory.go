package serialmux

import (
	"fmt"

	"go.bug.st/serial"

	"github.com/banshee-data/worldlock/internal/monitoring"
)

// NewRealSerialMux opens the tracker at path and wraps it in a mux. Bytes
// buffered by the driver before the open are discarded so the first line
// read is not a fragment.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		monitoring.Logf("[SerialMux] %s: failed to flush input buffer: %v", path, err)
	}
	monitoring.Logf("[SerialMux] opened %s at %s", path, opts)

	return NewSerialMux[serial.Port](port), nil
}
