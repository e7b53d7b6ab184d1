// Package monitoring carries the process-wide diagnostic logger and the
// structured diagnostic channel used to report per-anchor failures.
package monitoring

import "log"

// Logf is the process-wide logger. Components prefix their messages with a
// bracketed name such as "[AnchorManager]".
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces Logf; nil mutes logging.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Warnf logs through Logf with a WARNING marker so persistent conditions
// stand out from routine progress messages.
func Warnf(format string, v ...interface{}) {
	Logf("WARNING: "+format, v...)
}
