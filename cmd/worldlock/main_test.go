package main

import (
	"context"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/worldlock/internal/anchordb"
	"github.com/banshee-data/worldlock/internal/config"
	"github.com/banshee-data/worldlock/internal/monitoring"
	"github.com/banshee-data/worldlock/internal/timeutil"
)

func TestOptionsValidate(t *testing.T) {
	t.Parallel()
	base := options{DBPath: "anchors.db", Feed: feedSynthetic}

	tests := []struct {
		name    string
		mutate  func(o *options)
		wantErr bool
	}{
		{"synthetic", func(o *options) {}, false},
		{"udp", func(o *options) { o.Feed = feedUDP }, false},
		{"serial", func(o *options) { o.Feed = feedSerial; o.SerialPort = "/dev/ttyUSB0" }, false},
		{"serial without port", func(o *options) { o.Feed = feedSerial }, true},
		{"pcap", func(o *options) { o.Feed = feedPCAP; o.PCAPFile = "walk.pcap" }, false},
		{"pcap without file", func(o *options) { o.Feed = feedPCAP }, true},
		{"pcap port out of range", func(o *options) { o.Feed = feedPCAP; o.PCAPFile = "walk.pcap"; o.PCAPPort = 70000 }, true},
		{"unknown feed", func(o *options) { o.Feed = "carrier-pigeon" }, true},
		{"no database", func(o *options) { o.DBPath = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := base
			tt.mutate(&o)
			err := o.validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestRunSyntheticPersistsFrozenGraph drives the whole service on a mock
// clock and checks that the frozen registry reaches the database.
func TestRunSyntheticPersistsFrozenGraph(t *testing.T) {
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(log.Printf) })

	dbPath := filepath.Join(t.TempDir(), "anchors.db")
	cfg := config.EmptyConfig()
	cfg.SaveInterval = ptr("1s")

	clock := timeutil.NewMockClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, options{
			Config: cfg,
			DBPath: dbPath,
			Feed:   feedSynthetic,
			Seed:   3,
			Clock:  clock,
		})
	}()

	// walk, frame and save loops
	require.True(t, clock.WaitForTickers(3, 5*time.Second), "service loops never started")
	for i := 0; i < 800; i++ {
		clock.Advance(20 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	db, err := anchordb.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	frozen, err := db.ListFrozen(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(frozen), 2)
	edges, err := db.ListFrozenEdges(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, edges)

	natives, err := db.ListNative(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, natives)
}

func TestRunRejectsBadDatabasePath(t *testing.T) {
	t.Parallel()
	err := run(context.Background(), options{
		DBPath: filepath.Join(t.TempDir(), "missing", "dir", "anchors.db"),
		Feed:   feedSynthetic,
	})
	assert.Error(t, err)
}

func ptr[T any](v T) *T { return &v }
