// ABOUTME: Interactive config writer for agentdesk init
// ABOUTME: Generates a random signing secret so notification tokens survive restarts

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/agentdesk/internal/config"
)

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("agentdesk configuration setup")
	fmt.Println("=============================")
	fmt.Println()

	dataDir := config.DataDir()

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Webhook Listener ---")
	host := prompt(reader, "Listen host", config.DefaultWebhookHost)
	port := prompt(reader, "Listen port", fmt.Sprint(config.DefaultWebhookPort))
	path := prompt(reader, "Webhook path", config.DefaultWebhookPath)

	fmt.Println("\n--- Storage ---")
	dbPath := prompt(reader, "SQLite database path", filepath.Join(dataDir, "agentdesk.db"))
	agentsFile := prompt(reader, "Agent registry file", filepath.Join(dataDir, "agents.yaml"))
	providersFile := prompt(reader, "LLM providers file", filepath.Join(dataDir, "providers.toml"))

	fmt.Println("\n--- Tunnel ---")
	tunnelEnabled := yes(prompt(reader, "Expose the webhook through a tunnel?", "no"))

	var provider, region, publicURL, tsHostname string
	var tsEphemeral bool
	if tunnelEnabled {
		provider = prompt(reader, "Tunnel provider (tailscale/ngrok/static)", "tailscale")
		switch provider {
		case "tailscale":
			tsHostname = prompt(reader, "Tailscale hostname", "agentdesk")
			tsEphemeral = yes(prompt(reader, "Ephemeral node?", "yes"))
		case "ngrok":
			region = prompt(reader, "ngrok region (leave empty for auto)", "")
			fmt.Println("  ngrok reads its auth token from NGROK_AUTHTOKEN")
		case "static":
			publicURL = prompt(reader, "Public URL forwarding to this listener", "")
		default:
			return fmt.Errorf("unknown tunnel provider: %s", provider)
		}
	}

	fmt.Println("\n--- Logging ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating signing secret: %w", err)
	}
	secret := base64.StdEncoding.EncodeToString(secretBytes)

	var cfg strings.Builder
	cfg.WriteString("# agentdesk configuration\n")
	cfg.WriteString("# Generated by agentdesk init\n\n")

	cfg.WriteString("webhook:\n")
	cfg.WriteString(fmt.Sprintf("  host: \"%s\"\n", host))
	cfg.WriteString(fmt.Sprintf("  port: %s\n", port))
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", path))
	cfg.WriteString("  rate_limit:\n")
	cfg.WriteString("    rps: 20\n")
	cfg.WriteString("    burst: 40\n")
	cfg.WriteString("\n")

	cfg.WriteString("tunnel:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tunnelEnabled))
	if tunnelEnabled {
		cfg.WriteString(fmt.Sprintf("  provider: \"%s\"\n", provider))
		if region != "" {
			cfg.WriteString(fmt.Sprintf("  region: \"%s\"\n", region))
		}
		if provider == "ngrok" {
			cfg.WriteString("  auth_token: \"${NGROK_AUTHTOKEN}\"\n")
		}
		if publicURL != "" {
			cfg.WriteString(fmt.Sprintf("  public_url: \"%s\"\n", publicURL))
		}
		if provider == "tailscale" {
			cfg.WriteString("  tailscale:\n")
			cfg.WriteString(fmt.Sprintf("    hostname: \"%s\"\n", tsHostname))
			cfg.WriteString(fmt.Sprintf("    ephemeral: %t\n", tsEphemeral))
		}
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("agents:\n")
	cfg.WriteString(fmt.Sprintf("  file: \"%s\"\n", agentsFile))
	cfg.WriteString("  request_timeout: \"60s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("providers:\n")
	cfg.WriteString(fmt.Sprintf("  file: \"%s\"\n", providersFile))
	cfg.WriteString("\n")

	cfg.WriteString("tasks:\n")
	cfg.WriteString("  pending_timeout: \"5m\"\n")
	cfg.WriteString("  poll_interval: \"1s\"\n")
	cfg.WriteString(fmt.Sprintf("  max_polls: %d\n", config.DefaultMaxPolls))
	cfg.WriteString("\n")

	cfg.WriteString("threads:\n")
	cfg.WriteString(fmt.Sprintf("  max_per_owner: %d\n", config.DefaultMaxPerOwner))
	cfg.WriteString("\n")

	cfg.WriteString("security:\n")
	cfg.WriteString(fmt.Sprintf("  signing_secret: \"%s\"\n", secret))
	cfg.WriteString("  token_ttl: \"1h\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  path: \"/metrics\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("mcp:\n")
	cfg.WriteString(fmt.Sprintf("  max_tool_rounds: %d\n", config.DefaultMaxToolRounds))
	cfg.WriteString("  call_timeout: \"30s\"\n")
	cfg.WriteString("  servers: []\n")
	cfg.WriteString("  # - id: github\n")
	cfg.WriteString("  #   command: npx\n")
	cfg.WriteString("  #   args: [\"-y\", \"@modelcontextprotocol/server-github\"]\n")
	cfg.WriteString("  #   env: {GITHUB_PERSONAL_ACCESS_TOKEN: \"${GITHUB_TOKEN}\"}\n")
	cfg.WriteString("  #   default: true\n")

	// Validate before writing so a typo never lands on disk
	if _, err := config.Parse([]byte(cfg.String())); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// 0600: the file carries the signing secret
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", filepath.Dir(dbPath))
	fmt.Println("\nNext steps:")
	fmt.Println("  agentdesk agents discover <url>   # register an A2A agent")
	fmt.Println("  agentdesk chat                    # start chatting")

	return nil
}
