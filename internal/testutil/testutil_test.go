package testutil

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/worldlock/internal/anchor"
)

func TestAssertStatusCode_FailurePath(t *testing.T) {
	t.Parallel()

	AssertStatusCode(t, http.StatusOK, http.StatusOK)
	ok := t.Run("status mismatch", func(t *testing.T) {
		AssertStatusCode(t, http.StatusOK, http.StatusBadRequest)
	})
	if ok {
		t.Fatal("expected subtest to fail on mismatched status code")
	}
}

func TestServeLocal(t *testing.T) {
	t.Parallel()
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"remote":"` + r.RemoteAddr + `"}`))
	})

	rec := ServeLocal(h, http.MethodGet, "/x", nil)
	var body map[string]string
	DecodeJSON(t, rec, &body)
	assert.Equal(t, "127.0.0.1:12345", body["remote"])
}

func TestChainSnapshot(t *testing.T) {
	t.Parallel()
	snap := ChainSnapshot(7, 3, 1.1)

	require.Len(t, snap.Anchors, 3)
	assert.Equal(t, uint64(7), snap.Frame)
	assert.Equal(t, 3, snap.LocatedCount())
	assert.Equal(t, []anchor.Edge{{A: 1, B: 2}, {A: 2, B: 3}}, snap.Edges)
	assert.Equal(t, [][]anchor.AnchorID{{1, 2, 3}}, snap.Fragments)
	assert.InDelta(t, 2.2, snap.Anchors[2].Pose.Position.X, 1e-12)
	assert.Equal(t, anchor.AnchorID(1), snap.MostSignificant)

	empty := ChainSnapshot(1, 0, 1)
	assert.Empty(t, empty.Anchors)
	assert.Equal(t, anchor.InvalidID, empty.MostSignificant)
}
