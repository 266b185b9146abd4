// Command backupd runs one backup server's replica store: it opens (or
// adopts) the frame storage named by the config, starts the maintenance
// task queue, and serves until interrupted. The RPC listener in front of
// the service is deployment-specific; the in-process transport is bound
// so colocated masters can reach the service directly.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/LiumxNL/RAMCloud/backup"
	"github.com/LiumxNL/RAMCloud/cluster"
	"github.com/LiumxNL/RAMCloud/config"
	"github.com/LiumxNL/RAMCloud/pkg/xlog"
	"github.com/LiumxNL/RAMCloud/storage"
	"github.com/LiumxNL/RAMCloud/transport"
)

var logger = xlog.NewLogger("backupd", xlog.INFO)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config")
		serverID   = flag.Uint64("server-id", 0, "this backup's server id")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Fatalf("%v", err)
		}
	}
	if *serverID == 0 {
		logger.Fatalf("-server-id must be set")
	}

	var (
		st  storage.Storage
		err error
	)
	if cfg.InMemory {
		st = storage.NewInMemory(uint32(cfg.SegmentSize.Bytes()), cfg.NumSegmentFrames)
	} else {
		st, err = storage.NewSingleFile(cfg.BackupFilePath,
			uint32(cfg.SegmentSize.Bytes()), cfg.NumSegmentFrames)
		if err != nil {
			logger.Fatalf("open storage: %v", err)
		}
	}

	view := cluster.NewView()
	net := transport.NewNetwork()
	svc, err := backup.NewService(cfg, cluster.ServerID(*serverID), st, view, net)
	if err != nil {
		logger.Fatalf("start backup service: %v", err)
	}
	net.AddBackup(svc)
	svc.TaskQueue().Start()
	logger.Infof("backup %d serving %d frames of %s each (cluster %q)",
		*serverID, cfg.NumSegmentFrames, cfg.SegmentSize, cfg.ClusterName)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc

	svc.TaskQueue().Halt()
	if err := st.Close(); err != nil {
		logger.Errorf("close storage: %v", err)
	}
}
