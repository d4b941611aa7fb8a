// ABOUTME: Entry point for the persona-gateway server
// ABOUTME: Runs the multi-account persona engine and its management API

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/persona-gateway/internal/config"
	"github.com/2389/persona-gateway/internal/engine"
	"github.com/2389/persona-gateway/internal/httpapi"
	"github.com/2389/persona-gateway/internal/platform"
	"github.com/2389/persona-gateway/internal/provider"
	"github.com/2389/persona-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _ __   ___ _ __ ___  ___  _ __   __ _        __ _  __ _| |_ _____      ____ _ _   _
| '_ \ / _ \ '__/ __|/ _ \| '_ \ / _' |_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| |_) |  __/ |  \__ \ (_) | | | | (_| |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
| .__/ \___|_|  |___/\___/|_| |_|\__,_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
|_|                                          |___/                             |___/
`

// getConfigPath returns the path to the config file.
// Priority: PERSONA_CONFIG env var > XDG_CONFIG_HOME/persona-gateway/gateway.yaml > ~/.config/persona-gateway/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("PERSONA_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "persona-gateway", "gateway.yaml")
}

// getDataPath returns the path to the data directory.
// Priority: XDG_DATA_HOME/persona-gateway > ~/.local/share/persona-gateway
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "persona-gateway")
}

func getTokenPath() string {
	return filepath.Join(filepath.Dir(getConfigPath()), "token")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: persona-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the engine and management API")
		fmt.Println("  init      Create a new config file interactively")
		fmt.Println("  token     Generate a management API token")
		fmt.Println("  health    Check server health")
		fmt.Println("  status    Show running accounts")
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
	case "token":
		err = runToken()
	case "health":
		err = runHealth(ctx)
	case "status":
		err = runStatus(ctx)
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

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Provider:  %s (%s)\n", cfg.Provider.BaseURL, cfg.Provider.Model)
	fmt.Println()

	logger.Info("starting persona-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	client, err := provider.NewOpenAIClient(cfg.Provider.BaseURL, cfg.Provider.Model, cfg.Provider.Timeout)
	if err != nil {
		return fmt.Errorf("creating provider client: %w", err)
	}

	eng := engine.New(engine.Options{
		Store:            st,
		Connector:        platform.NewLoopbackConnector(),
		Provider:         client,
		GlobalAPIKey:     cfg.Provider.APIKey,
		ProviderTimeout:  cfg.Provider.Timeout,
		StartConcurrency: cfg.Engine.StartConcurrency,
		DedupeMax:        cfg.Engine.DedupeMax,
		DedupeTTL:        cfg.Engine.DedupeTTL,
		Defaults: engine.Defaults{
			ResponseDelayMS:   cfg.Defaults.ResponseDelayMS,
			MaxResponseLength: cfg.Defaults.MaxResponseLength,
		},
		Logger: logger,
	})
	defer eng.Close()

	api := httpapi.NewServer(eng, st, httpapi.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)), logger)
	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: api.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if cfg.Engine.Autostart {
		report, err := eng.StartAll(ctx)
		if err != nil {
			logger.Error("autostart failed", "error", err)
		} else {
			logger.Info("autostart complete",
				"started", len(report.Started),
				"failed", len(report.Failed),
			)
		}
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", "error", err)
	}
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// runToken generates a management API token signed with the configured
// secret and saves it next to the config file for the CLI to use.
func runToken() error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Default TTL: 30 days
	tokenTTL := 30 * 24 * time.Hour
	expiresAt := time.Now().Add(tokenTTL).UTC()

	verifier := httpapi.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate("admin", tokenTTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	tokenPath := getTokenPath()
	if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Saved token: %s\n", tokenPath)
	fmt.Printf("  Expires: %s\n", expiresAt.Format("Jan 02, 2006"))
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runStatus(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	token, err := os.ReadFile(getTokenPath())
	if err != nil {
		return fmt.Errorf("reading token (run 'persona-gateway token' first): %w", err)
	}

	url := fmt.Sprintf("http://%s/api/engine/status", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(string(token)))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("status check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("persona-gateway configuration setup")
	fmt.Println("===================================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "gateway.db")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	// Provider
	fmt.Println("\n--- Provider Configuration ---")
	baseURL := prompt(reader, "Completion API base URL", "https://api.openai.com/v1")
	model := prompt(reader, "Model", "gpt-4o-mini")
	apiKeyEnv := prompt(reader, "API key env var", "OPENAI_API_KEY")

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate a random JWT secret for the management API
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# persona-gateway configuration\n")
	cfg.WriteString("# Generated by persona-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: \"%s\"\n", jwtSecret))
	cfg.WriteString("\n")

	cfg.WriteString("provider:\n")
	cfg.WriteString(fmt.Sprintf("  base_url: \"%s\"\n", baseURL))
	cfg.WriteString(fmt.Sprintf("  model: \"%s\"\n", model))
	cfg.WriteString(fmt.Sprintf("  api_key: \"${%s}\"\n", apiKeyEnv))
	cfg.WriteString("  timeout: \"30s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("engine:\n")
	cfg.WriteString("  autostart: true\n")
	cfg.WriteString("  start_concurrency: 4\n")
	cfg.WriteString("  dedupe_max: 10000\n")
	cfg.WriteString("  dedupe_ttl: \"10m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("defaults:\n")
	cfg.WriteString("  response_delay_ms: 0\n")
	cfg.WriteString("  max_response_length: 500\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  persona-gateway serve\n")

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
