// ABOUTME: agentdesk mcp subcommands: list configured servers and the tools they offer
// ABOUTME: tools connects to each server, lists its tools, and disconnects

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/agentdesk/internal/app"
	"github.com/2389/agentdesk/internal/mcp"
)

func runMCP(ctx context.Context, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	tools, err := mcp.New(app.MCPServers(cfg.MCP), mcp.Options{CallTimeout: cfg.MCP.CallTimeout}, setupLogger(cfg.Logging))
	if err != nil {
		return err
	}
	defer tools.Close()

	switch subcmd {
	case "list", "ls":
		return cmdMCPList(tools)
	case "tools":
		return cmdMCPTools(ctx, tools, args)
	default:
		return fmt.Errorf("unknown mcp subcommand: %s (use list, tools)", subcmd)
	}
}

func cmdMCPList(tools *mcp.Registry) error {
	servers := tools.Servers()
	if len(servers) == 0 {
		fmt.Println("No MCP servers configured. Add them under mcp.servers in the config file.")
		return nil
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  MCP Servers")
	cyan.Println("  -----------")

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tNAME\tTRANSPORT\tTARGET\tDEFAULT")
	fmt.Fprintln(w, "  --\t----\t---------\t------\t-------")
	for _, s := range servers {
		def := ""
		if s.Default {
			def = "*"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n", s.ID, s.DisplayName(), s.Transport, s.Target(), def)
	}
	w.Flush()
	fmt.Println()
	return nil
}

// cmdMCPTools lists the tools of the named servers, or of every server.
// A server that cannot be reached is reported and skipped.
func cmdMCPTools(ctx context.Context, tools *mcp.Registry, ids []string) error {
	if len(ids) == 0 {
		for _, s := range tools.Servers() {
			ids = append(ids, s.ID)
		}
	}

	cyan := color.New(color.FgCyan)
	red := color.New(color.FgRed)
	for _, id := range ids {
		listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		list, err := tools.Tools(listCtx, []string{id})
		cancel()

		cyan.Printf("\n  %s\n\n", id)
		if err != nil {
			red.Printf("  ✗ %v\n", err)
			continue
		}
		if len(list) == 0 {
			fmt.Println("  (no tools)")
			continue
		}
		for _, t := range list {
			desc := strings.SplitN(t.Description, "\n", 2)[0]
			fmt.Printf("  %-40s %s\n", t.Name, desc)
		}
	}
	fmt.Println()
	return nil
}
