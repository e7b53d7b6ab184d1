package serialmux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/banshee-data/worldlock/internal/testutil"
)

// pipePort reads from an io.Pipe fed by the test and records every write.
type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
	short   bool
	closed  bool
}

func newPipePort() *pipePort {
	r, w := io.Pipe()
	return &pipePort{r: r, w: w}
}

func (p *pipePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.short {
		return len(b) - 1, nil
	}
	return p.written.Write(b)
}

func (p *pipePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.r.Close()
}

func (p *pipePort) writes() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

// ----------------------------------------------------------------------------
// Monitor
// ----------------------------------------------------------------------------

func TestMonitorBroadcastsLines(t *testing.T) {
	t.Parallel()
	port := newPipePort()
	mux := NewSerialMux(port)

	_, a := mux.Subscribe()
	_, b := mux.Subscribe()
	require.Equal(t, 2, mux.SubscriberCount())

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background()) }()

	go func() {
		io.WriteString(port.w, "first\nsecond\n")
		port.w.Close()
	}()

	for _, ch := range []chan string{a, b} {
		assert.Equal(t, "first", <-ch)
		assert.Equal(t, "second", <-ch)
	}

	select {
	case err := <-done:
		assert.NoError(t, err, "EOF ends the monitor cleanly")
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not return at EOF")
	}
}

func TestMonitorCountsDroppedLines(t *testing.T) {
	t.Parallel()
	port := newPipePort()
	mux := NewSerialMux(port)
	_, slow := mux.Subscribe()

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background()) }()

	go func() {
		io.WriteString(port.w, strings.Repeat("pose\n", SubscriberBuffer+5))
		port.w.Close()
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not return at EOF")
	}

	st := mux.Stats()
	assert.Equal(t, uint64(SubscriberBuffer+5), st.LinesRead)
	assert.Equal(t, uint64(5), st.LinesDropped)
	assert.Equal(t, 1, st.Subscribers)
	assert.Len(t, slow, SubscriberBuffer)
}

func TestMonitorStopsOnContext(t *testing.T) {
	t.Parallel()
	port := newPipePort()
	mux := NewSerialMux(port)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor ignored cancellation")
	}
	port.Close()
}

func TestMonitorReturnsReadError(t *testing.T) {
	t.Parallel()
	port := newPipePort()
	mux := NewSerialMux(port)
	boom := errors.New("cable unplugged")

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background()) }()
	port.w.CloseWithError(boom)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not surface the read error")
	}
}

// ----------------------------------------------------------------------------
// Commands and lifecycle
// ----------------------------------------------------------------------------

func TestSendCommandAppendsNewline(t *testing.T) {
	t.Parallel()
	port := newPipePort()
	mux := NewSerialMux(port)

	require.NoError(t, mux.SendCommand("RESET"))
	require.NoError(t, mux.SendCommand("STREAM ON\n"))
	assert.Equal(t, "RESET\nSTREAM ON\n", port.writes())
}

func TestSendCommandShortWrite(t *testing.T) {
	t.Parallel()
	port := newPipePort()
	port.short = true
	mux := NewSerialMux(port)

	assert.ErrorIs(t, mux.SendCommand("RESET"), ErrWriteFailed)
}

func TestInitializeSendsInOrder(t *testing.T) {
	t.Parallel()
	port := newPipePort()
	mux := NewSerialMux(port)

	require.NoError(t, mux.Initialize("RESET", "  ", "RATE 60", "STREAM ON"))
	assert.Equal(t, "RESET\nRATE 60\nSTREAM ON\n", port.writes())

	port.short = true
	err := mux.Initialize("RESET")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"RESET"`)
}

func TestCloseClosesSubscribers(t *testing.T) {
	t.Parallel()
	port := newPipePort()
	mux := NewSerialMux(port)

	id, ch := mux.Subscribe()
	require.NoError(t, mux.Close())

	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, mux.SubscriberCount())
	assert.True(t, port.closed)

	mux.Unsubscribe(id)
}

// ----------------------------------------------------------------------------
// Admin routes
// ----------------------------------------------------------------------------

func TestAdminCommandAPI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		method string
		form   url.Values
		status int
		body   string
	}{
		{"valid", http.MethodPost, url.Values{"command": {"RATE 90"}}, http.StatusOK, `"RATE 90"`},
		{"empty", http.MethodPost, url.Values{"command": {"  "}}, http.StatusBadRequest, "Missing command"},
		{"wrong method", http.MethodGet, nil, http.StatusMethodNotAllowed, "Method not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			port := newPipePort()
			mux := NewSerialMux(port)
			httpMux := http.NewServeMux()
			mux.AttachAdminRoutes(httpMux)

			req := testutil.NewLocalRequest(tt.method, "/debug/tracker-command-api", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := httptest.NewRecorder()
			httpMux.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.body)
		})
	}
}

func TestAdminCommandPage(t *testing.T) {
	t.Parallel()
	mux := NewSerialMux(newPipePort())
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, testutil.NewLocalRequest(http.MethodGet, "/debug/tracker-command", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tracker-tail")
}

func TestAdminTailStreamsLines(t *testing.T) {
	t.Parallel()
	port := newPipePort()
	mux := NewSerialMux(port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)

	req := testutil.NewLocalRequest(http.MethodGet, "/debug/tracker-tail", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	served := make(chan struct{})
	go func() {
		httpMux.ServeHTTP(rec, req)
		close(served)
	}()

	require.Eventually(t, func() bool { return mux.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	probeID, probe := mux.Subscribe()
	io.WriteString(port.w, "1717243200000000000,0,1.6,0,1,0,0,0,1\n")
	<-probe

	// Once the tail handler has drained its channel it writes the event
	// before checking ctx again.
	require.Eventually(t, func() bool {
		mux.subscriberMu.Lock()
		defer mux.subscriberMu.Unlock()
		for id, ch := range mux.subscribers {
			if id != probeID && len(ch) > 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-served

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), ": ping")
	assert.Contains(t, rec.Body.String(), "data: 1717243200000000000,0,1.6,0,1,0,0,0,1")
	port.Close()
}

// ----------------------------------------------------------------------------
// Port options
// ----------------------------------------------------------------------------

func TestPortOptions(t *testing.T) {
	t.Parallel()

	n, err := PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "N"}, n)
	assert.Equal(t, "115200 8N1", PortOptions{}.String())
	assert.Equal(t, "9600 7E2", PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "even"}.String())

	mode, err := PortOptions{Parity: "o", StopBits: 2}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.OddParity, mode.Parity)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)

	for name, bad := range map[string]PortOptions{
		"data bits": {DataBits: 9},
		"stop bits": {StopBits: 3},
		"parity":    {Parity: "mark"},
	} {
		_, err := bad.Normalize()
		assert.Error(t, err, name)
		_, err = bad.SerialMode()
		assert.Error(t, err, name)
	}
	assert.Contains(t, PortOptions{DataBits: 4}.String(), "invalid")
}
