// Package testutil provides shared test utilities and fixtures.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/banshee-data/worldlock/internal/anchor"
	"github.com/banshee-data/worldlock/internal/spatial"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewLocalRequest creates a test request from a loopback address so that
// it passes the tsweb debug access check.
func NewLocalRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

// ServeLocal runs a loopback request through h.
func ServeLocal(h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, NewLocalRequest(method, target, body))
	return rec
}

// DecodeJSON decodes the recorded body into v, failing the test on error.
func DecodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

// ChainSnapshot returns a tracking snapshot of n located anchors spaced
// along +x at head height, each linked to the next. The head sits on the
// first anchor, which is therefore the most significant.
func ChainSnapshot(frame uint64, n int, spacing float64) *anchor.Snapshot {
	snap := &anchor.Snapshot{
		Frame:    frame,
		State:    anchor.StateTracking,
		Tracking: true,
		Head:     spatial.At(0, 1.6, 0),
	}
	if n == 0 {
		return snap
	}
	frag := make([]anchor.AnchorID, 0, n)
	for i := 0; i < n; i++ {
		id := anchor.FirstValidID + anchor.AnchorID(i)
		snap.Anchors = append(snap.Anchors, anchor.AnchorState{
			ID:      id,
			Pose:    spatial.At(float64(i)*spacing, 1.6, 0),
			Located: true,
		})
		if i > 0 {
			snap.Edges = append(snap.Edges, anchor.NewEdge(id-1, id))
		}
		frag = append(frag, id)
	}
	snap.MostSignificant = anchor.FirstValidID
	snap.Fragments = [][]anchor.AnchorID{frag}
	return snap
}
