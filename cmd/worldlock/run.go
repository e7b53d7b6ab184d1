package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/worldlock/internal/alignment"
	"github.com/banshee-data/worldlock/internal/anchor"
	"github.com/banshee-data/worldlock/internal/anchordb"
	"github.com/banshee-data/worldlock/internal/config"
	"github.com/banshee-data/worldlock/internal/graphstream"
	"github.com/banshee-data/worldlock/internal/monitor"
	"github.com/banshee-data/worldlock/internal/monitoring"
	"github.com/banshee-data/worldlock/internal/posefeed"
	"github.com/banshee-data/worldlock/internal/serialmux"
	"github.com/banshee-data/worldlock/internal/simprovider"
	"github.com/banshee-data/worldlock/internal/timeutil"
)

const (
	feedSynthetic = "synthetic"
	feedSerial    = "serial"
	feedUDP       = "udp"
	feedPCAP      = "pcap"

	shutdownTimeout = 5 * time.Second
	diagnosticsRing = 256
)

type options struct {
	Config     *config.AnchorConfig
	DBPath     string
	HTTPListen string
	GRPCListen string

	Feed       string
	SerialPort string
	BaudRate   int
	SerialInit string
	UDPListen  string
	RcvBuf     int
	PCAPFile   string
	PCAPPort   int
	PCAPSpeed  float64
	Seed       int64

	Clock timeutil.Clock
}

func (o options) validate() error {
	if o.DBPath == "" {
		return errors.New("a database path is required")
	}
	switch o.Feed {
	case feedSynthetic, feedUDP:
	case feedSerial:
		if o.SerialPort == "" {
			return errors.New("feed=serial needs -serial-port")
		}
	case feedPCAP:
		if o.PCAPFile == "" {
			return errors.New("feed=pcap needs -pcap-file")
		}
		if o.PCAPPort < 0 || o.PCAPPort > 65535 {
			return fmt.Errorf("pcap port %d out of range", o.PCAPPort)
		}
	default:
		return fmt.Errorf("unknown feed %q: expected synthetic, serial, udp or pcap", o.Feed)
	}
	return nil
}

// run wires the service together and blocks until ctx is cancelled or a
// component fails. The frozen registry is saved on the way out.
func run(ctx context.Context, o options) error {
	if o.Config == nil {
		o.Config = config.EmptyConfig()
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}

	db, err := anchordb.Open(o.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	engine := alignment.NewEngine(o.Clock)
	if o.Config.GetPersistenceEnabled() {
		if err := engine.LoadFrom(ctx, db); err != nil {
			return fmt.Errorf("restore frozen registry: %w", err)
		}
	}

	latest := posefeed.NewLatest(o.Clock)
	provider := simprovider.New(latest, simprovider.Options{
		Clock:      o.Clock,
		StaleAfter: o.Config.GetTrackingStaleAfter(),
		Store:      db,
	})
	monitoring.Logf("[Worldlock] session %s, feed=%s, db=%s", provider.SessionID(), o.Feed, db.Path())

	recorder := monitoring.NewRecorder(diagnosticsRing)
	publisher := graphstream.NewPublisher(graphstream.Config{
		ListenAddr:    o.GRPCListen,
		StatsInterval: graphstream.DefaultConfig().StatsInterval,
	})
	manager := anchor.NewManager(provider, anchor.ConfigFromTuning(o.Config), anchor.Options{
		Registry:   engine,
		Publishers: []anchor.Publisher{engine, publisher},
		Clock:      o.Clock,
		Reporter: monitoring.MultiReporter{
			monitoring.LogReporter{Prefix: "[AnchorManager]"},
			recorder,
		},
	})

	if o.GRPCListen != "" {
		if err := publisher.Start(); err != nil {
			return fmt.Errorf("start graph stream: %w", err)
		}
		defer publisher.Stop()
	}

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start anchor manager: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	stats := &posefeed.Stats{}
	tracker, err := startFeed(gctx, g, o, stats, latest.Update)
	if err != nil {
		manager.Shutdown(context.Background())
		return err
	}

	if o.HTTPListen != "" {
		wsCfg := monitor.WebServerConfig{
			Address:     o.HTTPListen,
			Graph:       manager,
			Diagnostics: recorder,
			DB:          db,
			FeedStats:   stats,
			StreamStats: publisher.Stats,
		}
		if tracker != nil {
			wsCfg.Admin = append(wsCfg.Admin, tracker)
		}
		ws := monitor.NewWebServer(wsCfg)
		g.Go(func() error { return ws.Start(gctx) })
	}

	g.Go(func() error { return frameLoop(gctx, manager, o.Clock, o.Config.GetFrameInterval()) })
	if o.Config.GetPersistenceEnabled() {
		g.Go(func() error { return saveLoop(gctx, engine, db, o.Clock, o.Config.GetSaveInterval()) })
	}

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		monitoring.Warnf("[Worldlock] %v", err)
	}
	if o.Config.GetPersistenceEnabled() {
		if err := engine.SaveTo(shutdownCtx, db); err != nil {
			monitoring.Warnf("[Worldlock] final frozen registry save failed: %v", err)
		}
	}
	if snap := manager.CurrentGraph(); snap != nil {
		monitoring.Logf("[Worldlock] final graph: %d anchors, %d edges, %d fragments, %d diagnostics",
			len(snap.Anchors), len(snap.Edges), len(snap.Fragments), recorder.Total())
	}
	return runErr
}

// startFeed launches the selected pose feed in g. For the serial feed it
// returns the mux so its admin routes can be mounted.
func startFeed(ctx context.Context, g *errgroup.Group, o options, stats *posefeed.Stats, sink posefeed.Sink) (monitor.AdminRouter, error) {
	switch o.Feed {
	case feedSynthetic:
		walk := posefeed.NewWalk(o.Seed, o.Clock)
		g.Go(func() error {
			return ignoreCanceled(walk.Run(ctx, o.Config.GetFrameInterval(), sink))
		})
		return nil, nil

	case feedSerial:
		mux, err := serialmux.NewRealSerialMux(o.SerialPort, serialmux.PortOptions{BaudRate: o.BaudRate})
		if err != nil {
			return nil, err
		}
		if err := mux.Initialize(o.SerialInit); err != nil {
			mux.Close()
			return nil, err
		}
		g.Go(func() error {
			defer mux.Close()
			return ignoreCanceled(mux.Monitor(ctx))
		})
		g.Go(func() error {
			return ignoreCanceled(posefeed.FromSerial(ctx, mux, stats, sink))
		})
		return mux, nil

	case feedUDP:
		g.Go(func() error {
			return ignoreCanceled(posefeed.ListenUDP(ctx, o.UDPListen, o.RcvBuf, stats, sink))
		})
		return nil, nil

	case feedPCAP:
		g.Go(func() error {
			err := posefeed.ReplayPCAPFile(ctx, o.PCAPFile, posefeed.PCAPOptions{
				Port:     uint16(o.PCAPPort),
				Realtime: true,
				Speed:    o.PCAPSpeed,
			}, stats, sink)
			if err == nil {
				monitoring.Logf("[Worldlock] capture %s finished; tracking will go stale", o.PCAPFile)
			}
			return ignoreCanceled(err)
		})
		return nil, nil
	}
	return nil, fmt.Errorf("unknown feed %q", o.Feed)
}

// frameLoop drives the manager at the configured frame rate.
func frameLoop(ctx context.Context, m *anchor.Manager, clock timeutil.Clock, interval time.Duration) error {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if _, err := m.Update(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("frame update: %w", err)
			}
		}
	}
}

// saveLoop writes the frozen registry whenever it changed since the last
// save. Failures are logged and retried on the next tick.
func saveLoop(ctx context.Context, e *alignment.Engine, store alignment.FrozenStore, clock timeutil.Clock, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if !e.Dirty() {
				continue
			}
			if err := e.SaveTo(ctx, store); err != nil && ctx.Err() == nil {
				monitoring.Warnf("[Worldlock] frozen registry save failed: %v", err)
			}
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

var _ monitor.AdminRouter = (*serialmux.SerialMux[serialmux.SerialPorter])(nil)
