// questsyncd is the sync server. It terminates websocket connections
// from desktop agents and browser clients, verifies step submissions,
// persists quest progress, and fans changes out to project rooms.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"questsync/pkg/config"
	"questsync/pkg/eventlog"
	"questsync/pkg/healthserver"
	"questsync/pkg/hub"
	"questsync/pkg/ledger"
	"questsync/pkg/logx"
	"questsync/pkg/metrics"
	"questsync/pkg/registry"
	"questsync/pkg/session"
	"questsync/pkg/version"
)

const shutdownTimeout = 15 * time.Second

// Daemon holds the wired server components for startup and shutdown.
type Daemon struct {
	cfg          *config.Config
	logger       *logx.Logger
	ledger       *ledger.Ledger
	registry     *registry.Registry
	coordinator  *session.Coordinator
	auditLog     *eventlog.Writer
	syncServer   *http.Server
	statusServer *http.Server
}

func main() {
	var configPath string
	var listenAddr string
	var statusAddr string
	var dbPath string
	flag.StringVar(&configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&listenAddr, "listen", "", "Sync listen address (overrides config)")
	flag.StringVar(&statusAddr, "status", "", "Status listen address (overrides config)")
	flag.StringVar(&dbPath, "db", "", "Progress database path (overrides config)")
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv("QUESTSYNC_CONFIG")
	}
	if err := config.LoadConfig(configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("Failed to read config: %v", err)
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}
	if statusAddr != "" {
		cfg.Server.StatusAddr = statusAddr
	}
	if dbPath != "" {
		cfg.Server.DatabasePath = dbPath
	}

	daemon, err := NewDaemon(cfg)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	daemon.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	daemon.logger.Info("Received signal %v, initiating graceful shutdown", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := daemon.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error during shutdown: %v", err)
		os.Exit(1)
	}
	daemon.logger.Info("Shutdown completed")
}

// NewDaemon wires every server component against the loaded config.
func NewDaemon(cfg *config.Config) (*Daemon, error) {
	logger := logx.NewLogger("questsyncd")
	logger.Info("questsyncd %s (%s) starting", version.Version, version.Commit)

	secret, err := cfg.TokenSecret()
	if err != nil {
		return nil, err
	}

	store, err := ledger.Open(cfg.Server.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening progress database: %w", err)
	}

	recorder := metrics.NewRecorder()
	store.SetRecorder(recorder)

	reg := registry.New(nil)
	reg.SetRecorder(recorder)

	coord := session.New(context.Background(), store, reg)
	coord.SetRecorder(recorder)

	var auditLog *eventlog.Writer
	if cfg.Server.AuditLogDir != "" {
		auditLog, err = eventlog.NewWriter(cfg.Server.AuditLogDir)
		if err != nil {
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
		coord.SetAuditSink(auditLog)
	}

	hubServer := hub.NewServer(hub.NewTokenAuth(string(secret)), reg, coord)
	hubServer.SetRecorder(recorder)
	syncMux := http.NewServeMux()
	hubServer.RegisterRoutes(syncMux)

	statusSrv := healthserver.NewServer(store)
	if cfg.Metrics.PrometheusURL != "" {
		queries, qErr := metrics.NewQueryService(cfg.Metrics.PrometheusURL)
		if qErr != nil {
			return nil, fmt.Errorf("configuring metrics queries: %w", qErr)
		}
		statusSrv.SetQueryService(queries)
	}
	statusMux := http.NewServeMux()
	statusSrv.RegisterRoutes(statusMux)

	return &Daemon{
		cfg:         cfg,
		logger:      logger,
		ledger:      store,
		registry:    reg,
		coordinator: coord,
		auditLog:    auditLog,
		syncServer: &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           syncMux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		statusServer: &http.Server{
			Addr:              cfg.Server.StatusAddr,
			Handler:           statusMux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Start launches both listeners. Listener failures other than a clean
// close are fatal; the process has nothing useful to do without them.
func (d *Daemon) Start() {
	go func() {
		d.logger.Info("sync listener on %s", d.syncServer.Addr)
		if err := d.syncServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Sync listener failed: %v", err)
		}
	}()
	go func() {
		d.logger.Info("status listener on %s", d.statusServer.Addr)
		if err := d.statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Status listener failed: %v", err)
		}
	}()
}

// Shutdown stops the listeners, drains the coordinator, and closes the
// ledger and audit log.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var firstErr error

	if err := d.syncServer.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := d.statusServer.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	d.coordinator.Close()

	if d.auditLog != nil {
		if err := d.auditLog.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := d.ledger.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
