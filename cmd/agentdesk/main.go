// ABOUTME: Entry point for agentdesk, a terminal chat client for A2A agents and LLM providers
// ABOUTME: Dispatches subcommands and builds the colorized root logger

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/agentdesk/internal/app"
	"github.com/2389/agentdesk/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                         _      _           _
  __ _  __ _  ___ _ __ | |_ __| | ___  ___| | __
 / _' |/ _' |/ _ \ '_ \| __/ _' |/ _ \/ __| |/ /
| (_| | (_| |  __/ | | | || (_| |  __/\__ \   <
 \__,_|\__, |\___|_| |_|\__\__,_|\___||___/_|\_\
       |___/
`

// getConfigPath returns the path to the agentdesk config file.
// Priority: AGENTDESK_CONFIG env var > XDG_CONFIG_HOME/agentdesk/config.yaml > ~/.config/agentdesk/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("AGENTDESK_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "agentdesk", "config.yaml")
}

func printUsage() {
	fmt.Println("Usage: agentdesk <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                       Run the webhook listener, tunnel, and watchers")
	fmt.Println("  chat [agent|provider]       Chat in the terminal")
	fmt.Println("  init                        Create a new config file interactively")
	fmt.Println("  agents [list|add|remove|default|discover]")
	fmt.Println("                              Manage the agent registry")
	fmt.Println("  providers [list|models]     Inspect LLM providers")
	fmt.Println("  mcp [list|tools [server]]   Inspect MCP tool servers")
	fmt.Println("  export <thread-id> [file]   Write a thread transcript (.html or .md)")
	fmt.Println("  version                     Print the version")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "chat":
		err = runChat(ctx, args)
	case "init":
		err = runInit()
	case "agents":
		err = runAgents(ctx, args)
	case "providers":
		err = runProviders(ctx, args)
	case "mcp":
		err = runMCP(ctx, args)
	case "export":
		err = runExport(ctx, args)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads .env files and the config file. A missing config file
// yields the defaults so a fresh install works without running init.
func loadConfig() (*config.Config, string, error) {
	configPath := getConfigPath()
	envFiles := []string{".env", filepath.Join(filepath.Dir(configPath), ".env")}
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(config.DataDir()), configPath, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context) error {
	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Webhook:   http://%s%s\n", cfg.Webhook.Addr(), cfg.Webhook.Path)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)

	green.Print("    ▶ ")
	fmt.Printf("Tunnel:    ")
	if cfg.Tunnel.Enabled {
		cyan.Print(cfg.Tunnel.Provider)
		if cfg.Tunnel.Provider == "tailscale" && cfg.Tunnel.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
	} else {
		yellow.Print("disabled (agents will be polled)")
	}
	fmt.Println()

	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   http://%s%s\n", cfg.Webhook.Addr(), cfg.Metrics.Path)
	}
	fmt.Println()

	logger.Info("starting agentdesk",
		"config", configPath,
		"webhook_addr", cfg.Webhook.Addr(),
	)

	a, err := app.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating app: %w", err)
	}
	return a.Run(ctx)
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

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{
			level: level,
			mu:    &sync.Mutex{},
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
// Derived handlers share the parent's mutex so lines never interleave.
type colorHandler struct {
	mu     *sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

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

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprint(os.Stderr, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		mu:     h.mu,
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
		mu:     h.mu,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
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

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
}
