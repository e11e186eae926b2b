// ABOUTME: Entry point for the inbox-allocator server
// ABOUTME: Serves the allocation API and runs maintenance commands against the configured store

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/inbox-allocator/internal/allocation"
	"github.com/2389/inbox-allocator/internal/config"
	"github.com/2389/inbox-allocator/internal/server"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _       _                             _ _                 _
 (_)_ __ | |__   _____  __     __ _| | | | ___   ___ __ _| |_ ___  _ __
 | | '_ \| '_ \ / _ \ \/ /____/ _' | | | |/ _ \ / __/ _' | __/ _ \| '__|
 | | | | | |_) | (_) >  <_____| (_| | | | | (_) | (_| (_| | || (_) | |
 |_|_| |_|_.__/ \___/_/\_\     \__,_|_|_|_|\___/ \___\__,_|\__\___/|_|
`

// getConfigPath returns the config file path, falling back to a local file
// when no home directory is available.
func getConfigPath() string {
	p, err := config.DefaultPath()
	if err != nil {
		return "allocator.yaml"
	}
	return p
}

// getDataPath returns the inbox-allocator data directory.
// Priority: XDG_DATA_HOME/inbox-allocator > ~/.local/share/inbox-allocator
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "inbox-allocator")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: inbox-allocator <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the allocation server")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  sweep    Reclaim expired grace assignments once and exit")
		fmt.Println("  health   Check server liveness")
		fmt.Println("  ready    Check server readiness")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "sweep":
		err = runSweep(ctx)
	case "health":
		err = runProbe(ctx, "/health")
	case "ready":
		err = runProbe(ctx, "/health/ready")
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Grace:     %s", cfg.Allocation.GracePeriod)
	if !cfg.Sweeper.IsEnabled() {
		yellow.Print(" [sweeper disabled]")
	}
	fmt.Println()
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! HTTP auth disabled (anonymous mode)")
	}
	fmt.Println()

	server.Version = version
	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return srv.Run(ctx)
}

// runSweep performs a single grace expiry pass against the configured store.
func runSweep(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	s, err := server.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	engine := allocation.New(s, server.EngineConfig(cfg.Allocation), logger)
	n, err := engine.ProcessGraceExpiry(ctx)
	if err != nil {
		return fmt.Errorf("sweeping grace assignments: %w", err)
	}

	fmt.Printf("reclaimed %d conversation(s)\n", n)
	return nil
}

// runProbe requests a health endpoint of the running server.
func runProbe(ctx context.Context, path string) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("inbox-allocator configuration setup")
	fmt.Println("===================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	dbPath := prompt(reader, "SQLite database path", filepath.Join(getDataPath(), "allocator.db"))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(config.Starter(dbPath)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Println("  inbox-allocator serve")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
