// questsync-agent is the desktop client. It watches a project
// workspace, attaches step context from the project's manifest, and
// streams debounced change batches to the sync server over a
// websocket. Results come back on the same connection.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"questsync/internal/stepmap"
	"questsync/pkg/config"
	"questsync/pkg/logx"
	"questsync/pkg/version"
)

func main() {
	var configPath string
	var serverURL string
	var projectID string
	var rootPath string
	var tokenFile string
	flag.StringVar(&configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&serverURL, "server", "", "Sync server websocket URL (overrides config)")
	flag.StringVar(&projectID, "project", "", "Project ID (overrides config)")
	flag.StringVar(&rootPath, "root", "", "Workspace root to watch (overrides config)")
	flag.StringVar(&tokenFile, "token-file", "", "File holding the identity token (overrides config)")
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
	if serverURL != "" {
		cfg.Agent.ServerURL = serverURL
	}
	if projectID != "" {
		cfg.Agent.ProjectID = projectID
	}
	if rootPath != "" {
		cfg.Agent.RootPath = rootPath
	}
	if tokenFile != "" {
		cfg.Agent.TokenFile = tokenFile
	}

	if cfg.Agent.ServerURL == "" || cfg.Agent.ProjectID == "" {
		log.Fatalf("Both -server and -project are required (or set them in the config file)")
	}
	if cfg.Agent.RootPath == "" {
		cfg.Agent.RootPath, _ = os.Getwd()
	}

	logger := logx.NewLogger("agent")
	logger.Info("questsync-agent %s watching %s for project %s",
		version.Version, cfg.Agent.RootPath, cfg.Agent.ProjectID)

	token, err := resolveToken(cfg)
	if err != nil {
		log.Fatalf("Failed to obtain identity token: %v", err)
	}

	manifest, err := stepmap.Load(cfg.Agent.RootPath)
	if err != nil {
		log.Fatalf("Failed to load step manifest: %v", err)
	}
	if manifest == nil {
		logger.Info("no %s found, syncing without verification", stepmap.ManifestName)
	}

	agent, err := NewAgent(cfg, token, manifest)
	if err != nil {
		log.Fatalf("Failed to start agent: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go agent.Run()

	select {
	case sig := <-sigChan:
		logger.Info("Received signal %v, shutting down", sig)
		agent.Stop()
	case <-agent.Done():
		// The agent only stops itself after a fatal watch failure.
		logger.Error("Agent stopped, exiting")
		os.Exit(1)
	}
}

// resolveToken finds the identity token: the token file if configured,
// the QUESTSYNC_TOKEN environment variable, then an interactive prompt.
func resolveToken(cfg *config.Config) (string, error) {
	if cfg.Agent.TokenFile != "" {
		data, err := os.ReadFile(cfg.Agent.TokenFile)
		if err != nil {
			return "", fmt.Errorf("reading token file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if token := os.Getenv("QUESTSYNC_TOKEN"); token != "" {
		return token, nil
	}
	return promptToken()
}
