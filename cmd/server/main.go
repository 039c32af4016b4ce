// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/gorm/logger"

	"github.com/onboardhq/sessionlock/internal/config"
	"github.com/onboardhq/sessionlock/internal/database"
	"github.com/onboardhq/sessionlock/internal/history"
	"github.com/onboardhq/sessionlock/internal/server"
	"github.com/onboardhq/sessionlock/pkg/sweeper"
)

// Version is set at build time via ldflags (e.g. -X main.Version={{.Version}}).
var Version string

func main() {
	log.SetOutput(os.Stderr)

	configPath := flag.String("config", "", "Path to config file")
	dbType := flag.String("db-type", "", "Database type (sqlite or postgres)")
	dbPath := flag.String("db-path", "", "Database path (for sqlite)")
	dbDSN := flag.String("db-dsn", "", "Database DSN (for postgres)")
	port := flag.Int("port", 0, "Server port")
	sweepInterval := flag.Int("sweep-interval", 0, "Lease sweep interval in seconds")
	noSweeper := flag.Bool("no-sweeper", false, "Disable the background lease sweeper")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Session Lock Server\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Arbitrates concurrent access to onboarding session records:\n")
		fmt.Fprintf(os.Stderr, "lease-based locks, optimistic version control, and lock history.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		if Version == "" {
			Version = "dev"
		}
		fmt.Println(Version)
		return
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// CLI flags override file configuration
	if *dbType != "" {
		cfg.Database.Type = *dbType
	}
	if *dbPath != "" {
		cfg.Database.SQLitePath = *dbPath
	}
	if *dbDSN != "" {
		cfg.Database.PostgresDSN = *dbDSN
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *sweepInterval != 0 {
		cfg.Sweeper.IntervalSeconds = *sweepInterval
	}
	if *noSweeper {
		cfg.Sweeper.Enabled = false
	}

	db, err := database.Connect(&database.Config{
		Type:        cfg.Database.Type,
		SQLitePath:  cfg.Database.SQLitePath,
		PostgresDSN: cfg.Database.PostgresDSN,
		LogLevel:    logger.Warn,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(db) //nolint:errcheck

	if err := database.Migrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	var sw *sweeper.Sweeper
	if cfg.Sweeper.Enabled {
		recorder := history.NewRecorder(db)
		sw = sweeper.NewSweeper(db, recorder, time.Duration(cfg.Sweeper.IntervalSeconds)*time.Second)
		sw.Start()
		defer sw.Stop()
		log.Printf("Lease sweeper running every %ds", cfg.Sweeper.IntervalSeconds)
	}

	httpServer := server.NewHTTPServer(cfg, db)
	mux := http.NewServeMux()
	httpServer.RegisterRoutes(mux)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		log.Printf("Session lock server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
}
