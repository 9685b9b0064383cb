// Command fs2d serves a single fs2 log file over TCP, following the
// teacher's cmd/ublk-mem shape: flag.Parse, build a logging.Logger,
// run until SIGINT/SIGTERM, shut down.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/fs2store/fs2"
	"github.com/fs2store/fs2/internal/logging"
	"github.com/fs2store/fs2/internal/server"
)

func main() {
	var (
		path    = flag.String("path", "data.fs", "Path to the fs2 log file")
		addr    = flag.String("addr", "127.0.0.1:8100", "Address to listen on")
		verbose = flag.Bool("v", false, "Verbose (debug) logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	fstore, err := fs2.OpenWithLogger(*path, logger)
	if err != nil {
		logger.Error("failed to open storage", "path", *path, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := fstore.Close(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}()

	srv := server.New(fstore, logger)

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Error("failed to listen", "addr", *addr, "error", err)
		os.Exit(1)
	}

	logger.Info("fs2d listening", "addr", *addr, "path", *path)
	fmt.Printf("fs2d serving %s on %s\n", *path, *addr)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
		if err := srv.Close(); err != nil {
			logger.Error("error closing listener", "error", err)
		}
		<-serveErr
	case err := <-serveErr:
		if err != nil {
			logger.Error("serve failed", "error", err)
			os.Exit(1)
		}
	}
}
