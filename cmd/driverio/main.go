// Command driverio is the process entry point: it loads the driver and
// recipe configuration, builds the DistributionServer and runs it until
// a signal or a RESTART_PROCESS general-cmd asks it to relaunch itself,
// following the teacher's main() top to bottom (signal handling, pprof
// goroutine, log flags, graceful shutdown).
package main

import (
	"context"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/ZHDKk/driver-io/internal/config"
	"github.com/ZHDKk/driver-io/internal/server"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.LoadDriverConfig(os.Getenv("DRIVERIO_CONFIG"))
	if err != nil {
		log.Fatalf("driverio: config: %v", err)
	}
	recipeCfg, err := config.LoadRecipeConfig(os.Getenv("DRIVERIO_RECIPE_CONFIG"))
	if err != nil {
		log.Fatalf("driverio: recipe config: %v", err)
	}

	if err := config.SnapshotCSV("config-files/driver-config-snapshot.csv", cfg); err != nil {
		log.Printf("driverio: config snapshot: %v", err)
	}

	if addr := cfg.Diagnostics.PprofAddr; addr != "" {
		go func() {
			log.Printf("driverio: pprof listening on %s", addr)
			if err := http.ListenAndServe(addr, nil); err != nil {
				log.Printf("driverio: pprof: %v", err)
			}
		}()
	}

	logger := log.Default()
	srv := server.New(cfg, recipeCfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigc
		log.Printf("driverio: shutting down, signal=%v", sig)
		cancel()
	}()

	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("driverio: run: %v", err)
	}
	signal.Stop(sigc)

	if srv.RestartRequested() {
		relaunch()
	}
}

// relaunch re-execs the current binary in place, per RESTART_PROCESS's
// "relaunch the driver process" semantics (distribution.py's
// restart_io_process, which os.execve's itself rather than just
// returning).
func relaunch() {
	self, err := os.Executable()
	if err != nil {
		log.Fatalf("driverio: restart: resolve executable: %v", err)
	}
	log.Printf("driverio: restarting %s", self)
	if err := syscall.Exec(self, os.Args, os.Environ()); err != nil {
		log.Fatalf("driverio: restart: exec: %v", err)
	}
}
