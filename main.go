package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"dtv-relay/work/app"
	"dtv-relay/work/config"
	"dtv-relay/work/logger"
	"dtv-relay/work/netenv"
)

var (
	Version = "v0.1.0" // default version
)

// our main app worker
func main() {

	// load our config
	cfg := config.LoadConfig()
	logger.SetLogLevel(cfg.LogLevel)

	// proxy variables must be in place before any http client reads them
	netenv.Apply(cfg.DefaultProxy, cfg.NoProxy)

	cmds, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize relay: %v", err)
	}

	// Setup HTTP routes
	router := mux.NewRouter()

	// Metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// add the control routes
	setupControlRoutes(router, cmds)

	addr := net.JoinHostPort(cfg.BindHost, strconv.Itoa(cfg.ControlPort))
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// show info
	logger.Info("Starting DTV Relay %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Control API: http://%s", addr)
	logger.Info("  - Primary Relay: %s", cmds.Relays.PrimaryURL())
	logger.Info("  - Static Relay: %s", cmds.Relays.StaticURL())
	logger.Info("  - Upstream Timeout: %s", cfg.UpstreamTimeout)
	logger.Info("  - Server Keep-Alive: %s", cfg.ServerKeepAlive)
	logger.Info("  - Header Rules: %d custom", len(cfg.HeaderRules))
	logger.Info("  - Chat Feeds: %d configured", len(cfg.Feeds))
	logger.Info("  - Log Level: %s", logger.GetLogLevel())
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// wait for a signal or a server failure, then take everything down
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return errors.Join(
			srv.Shutdown(shutdownCtx),
			cmds.Close(shutdownCtx),
		)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
