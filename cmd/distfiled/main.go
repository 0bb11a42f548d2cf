// Command distfiled runs one peer-to-peer file replication node,
// generalizing the teacher's cmd/fileserver/main.go entry point
// (flag parsing, logcfg.Load, logs.Configure) from a single TCP file
// server into the full daemon: local store, metadata store, discovery,
// heartbeat, and replication all started together and stopped together
// on signal.
package main

import (
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	logs "github.com/danmuck/smplog"

	"github.com/danmuck/distfile/cmd/internal/logcfg"
	"github.com/danmuck/distfile/internal/config"
	"github.com/danmuck/distfile/internal/daemon"
)

func main() {
	logs.Configure(logcfg.Load())

	configPath := flag.String("config", "distfile.toml", "path to daemon config file")
	nodeName := flag.String("node-name", "", "override node.name from the config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath, *nodeName)
	if err != nil {
		logs.Fatalf(err, "failed to load config")
	}

	if err := daemon.EnsureRootDir(cfg.Filesystem.RootPath); err != nil {
		logs.Fatalf(err, "failed to prepare storage root %s", cfg.Filesystem.RootPath)
	}

	d, err := daemon.New(cfg)
	if err != nil {
		logs.Fatalf(err, "failed to construct daemon")
	}
	if err := d.Start(); err != nil {
		logs.Fatalf(err, "failed to start daemon")
	}

	logs.Infof("distfiled: node %q up, storage root %s", cfg.Node.Name, cfg.Filesystem.RootPath)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logs.Infof("distfiled: shutting down")
	if err := d.Shutdown(); err != nil {
		logs.Errorf(err, "error during shutdown")
	}
}

// loadConfig loads path as TOML, but tolerates a missing file so a node
// can be brought up from -node-name alone during local experimentation;
// any other load error (malformed TOML, failed validation) is fatal.
func loadConfig(path, nodeNameOverride string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return cfg, err
		}
		cfg = config.Default()
	}
	if nodeNameOverride != "" {
		cfg.Node.Name = nodeNameOverride
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
