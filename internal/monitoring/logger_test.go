package monitoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// captureLogs redirects Logf for the duration of the test.
func captureLogs(t *testing.T) *[]string {
	t.Helper()
	original := Logf
	t.Cleanup(func() { Logf = original })

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	return &lines
}

func TestSetLogger(t *testing.T) {
	lines := captureLogs(t)

	Logf("[AnchorManager] started: min=%.2fm", 1.0)
	assert.Equal(t, []string{"[AnchorManager] started: min=1.00m"}, *lines)

	SetLogger(nil)
	assert.NotPanics(t, func() { Logf("muted %d", 1) })
	assert.Len(t, *lines, 1, "nil logger must not reach the previous sink")
}

func TestWarnf(t *testing.T) {
	lines := captureLogs(t)

	Warnf("anchor %d rejected", 3)
	assert.Equal(t, []string{"WARNING: anchor 3 rejected"}, *lines)
}
