// Command relayd runs a standalone relay node: an ActorSystem, a BASP
// Middleman bound to a real TCP transport, periodic heartbeats, and
// automatic connection upgrade.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btclog/v2"

	baseactor "github.com/roasbeef/relay/internal/baselib/actor"
	"github.com/roasbeef/relay/internal/build"
	"github.com/roasbeef/relay/internal/middleman"
	log2 "github.com/roasbeef/relay/internal/rlog"
	"github.com/roasbeef/relay/internal/transport"
	"github.com/roasbeef/relay/internal/wire"
)

func main() {
	var (
		iface          = flag.String("iface", "", "Interface to publish actors on (empty = all)")
		port           = flag.Int("port", 0, "Port to accept BASP connections on (0 = ephemeral)")
		processID      = flag.Uint("process-id", 1, "This node's process id component")
		heartbeat      = flag.Duration("heartbeat", 10*time.Second, "Interval between OpHeartbeat frames to each peer")
		upgradeEvery   = flag.Duration("upgrade-interval", 30*time.Second, "Interval between automatic direct-connection upgrade sweeps")
		upgradeTimeout = flag.Duration("upgrade-timeout", 2*time.Second, "Per-node ConfigServ query timeout during an upgrade sweep")
		logDir         = flag.String("log-dir", "~/.relay/logs", "Directory for log files (empty to disable file logging)")
		maxLogFiles    = flag.Int("max-log-files", build.DefaultMaxLogFiles, "Maximum number of rotated log files to keep")
		maxLogFileSize = flag.Int("max-log-file-size", build.DefaultMaxLogFileSize, "Maximum log file size in MB before rotation")
	)
	flag.Parse()

	logDirExpanded := expandHome(*logDir)

	var logRotator *build.RotatingLogWriter
	if logDirExpanded != "" {
		logRotator = build.NewRotatingLogWriter()
		err := logRotator.InitLogRotator(&build.LogRotatorConfig{
			LogDir:         logDirExpanded,
			MaxLogFiles:    *maxLogFiles,
			MaxLogFileSize: *maxLogFileSize,
		})
		if err != nil {
			log.Printf("Failed to init log rotator: %v (continuing without file logging)", err)
			logRotator = nil
		} else {
			defer logRotator.Close()
			log.SetOutput(io.MultiWriter(os.Stderr, logRotator))
		}
	}

	log.Printf("relayd version %s commit=%s go=%s",
		build.Version(), build.CommitHash(), build.GoVersion)

	var handlers []btclog.Handler
	handlers = append(handlers, btclog.NewDefaultHandler(os.Stderr))
	if logRotator != nil {
		handlers = append(handlers, btclog.NewDefaultHandler(logRotator))
	}
	combined := build.NewHandlerSet(handlers...)
	logger := btclog.NewSLogger(combined)

	log2.UseLogger(logger)

	node, err := baseactor.NewNodeID(uint32(*processID))
	if err != nil {
		log.Fatalf("Failed to generate node id: %v", err)
	}
	log.Printf("Starting node %s", node.String())

	sys := baseactor.NewActorSystem()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := transport.NewTCPMultiplexer()
	ser := wire.NewBinarySerializer()
	mm := middleman.New(sys, mux, node, 1, ser)

	boundPort, err := mm.Broker().Listen(ctx, *iface, *port, true, false)
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
	log.Printf("Listening for BASP connections on %s:%d", *iface, boundPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %v, shutting down", sig)
		cancel()
	}()

	go func() {
		if err := mm.Broker().SendHeartbeats(ctx, *heartbeat); err != nil && err != context.Canceled {
			log.Printf("Heartbeat loop stopped: %v", err)
		}
	}()

	go runUpgradeLoop(ctx, mm, *upgradeEvery, *upgradeTimeout)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := sys.Shutdown(shutdownCtx); err != nil {
		log.Printf("Actor system shutdown incomplete: %v", err)
	}
}

// runUpgradeLoop periodically calls Middleman.UpgradeIndirect so nodes this
// process only knows about through a neighbor get promoted to a direct
// connection as soon as ConfigServ learns their address.
func runUpgradeLoop(
	ctx context.Context, mm *middleman.Middleman,
	every, perNodeTimeout time.Duration,
) {

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mm.UpgradeIndirect(ctx, perNodeTimeout)
		}
	}
}

func expandHome(path string) string {
	if path == "" {
		return ""
	}
	if path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}
