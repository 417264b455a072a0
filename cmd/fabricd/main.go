// Command fabricd is the fleet coordination kernel's process entry
// point: load configuration, build the core context, and serve the RPC
// surface until terminated.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/signal18/mysql-fabric-manager/internal/config"
	"github.com/signal18/mysql-fabric-manager/internal/core"
	"github.com/signal18/mysql-fabric-manager/internal/logging"
)

func main() {
	configFile := flag.String("config", "", "path to a config file (optional; env vars prefixed FABRICD_ always apply)")
	flag.Parse()

	log := logging.New()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := core.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to build core context")
	}
	defer c.Close()

	srv := &http.Server{Addr: cfg.ListenAddress, Handler: c.RPC}

	go func() {
		log.WithField("address", cfg.ListenAddress).Info("starting rpc server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("rpc server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
}
