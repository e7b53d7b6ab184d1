package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/worldlock/internal/config"
	"github.com/banshee-data/worldlock/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to the anchor configuration JSON (defaults built in when empty)")
	dbFile      = flag.String("db", "anchors.db", "Path to the SQLite anchor database")
	listen      = flag.String("listen", "localhost:8090", "Debug HTTP listen address (empty disables)")
	grpcListen  = flag.String("grpc-listen", "localhost:50061", "gRPC graph stream listen address (empty disables)")
	feed        = flag.String("feed", "synthetic", "Pose feed: synthetic, serial, udp or pcap")
	serialPort  = flag.String("serial-port", "/dev/ttyUSB0", "Serial port of the head tracker (feed=serial)")
	baudRate    = flag.Int("baud", 0, "Serial baud rate (default 115200)")
	initCmd     = flag.String("serial-init", "", "Command sent to the tracker after opening the port")
	udpListen   = flag.String("udp-listen", ":7410", "UDP listen address for pose datagrams (feed=udp)")
	rcvBuf      = flag.Int("rcvbuf", 1<<20, "UDP receive buffer size in bytes")
	pcapFile    = flag.String("pcap-file", "", "Capture to replay (feed=pcap)")
	pcapPort    = flag.Int("pcap-port", 7410, "UDP destination port to keep when replaying; 0 keeps all")
	pcapSpeed   = flag.Float64("pcap-speed", 1, "Replay speed multiplier")
	seed        = flag.Int64("seed", 1, "Random seed for the synthetic walk")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("worldlock %s\n", version.String())
		return
	}

	cfg := config.EmptyConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadConfig(*configFile); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	opts := options{
		Config:     cfg,
		DBPath:     *dbFile,
		HTTPListen: *listen,
		GRPCListen: *grpcListen,
		Feed:       *feed,
		SerialPort: *serialPort,
		BaudRate:   *baudRate,
		SerialInit: *initCmd,
		UDPListen:  *udpListen,
		RcvBuf:     *rcvBuf,
		PCAPFile:   *pcapFile,
		PCAPPort:   *pcapPort,
		PCAPSpeed:  *pcapSpeed,
		Seed:       *seed,
	}
	if err := opts.validate(); err != nil {
		log.Fatalf("invalid flags: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	if err := run(ctx, opts); err != nil {
		log.Fatalf("worldlock: %v", err)
	}
	log.Printf("worldlock stopped after %s", time.Since(start).Round(time.Second))
}
