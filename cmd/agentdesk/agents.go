// ABOUTME: agentdesk agents subcommands: list, add, remove, default, discover
// ABOUTME: Edits the registry file directly; a running agentdesk picks changes up via its watcher

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/agentdesk/internal/registry"
)

func runAgents(ctx context.Context, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	reg, err := registry.Load(cfg.Agents.File, logger)
	if err != nil {
		return fmt.Errorf("loading agents: %w", err)
	}

	// Default to list
	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "list", "ls":
		return cmdAgentsList(reg)
	case "add":
		return cmdAgentsAdd(reg, args)
	case "remove", "rm", "delete":
		return cmdAgentsRemove(reg, args)
	case "default":
		return cmdAgentsDefault(reg, args)
	case "discover":
		return cmdAgentsDiscover(ctx, reg, args, logger)
	default:
		return fmt.Errorf("unknown agents subcommand: %s (use list, add, remove, default, discover)", subcmd)
	}
}

func cmdAgentsList(reg *registry.Registry) error {
	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Agents")
	cyan.Println("  ------")

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tNAME\tURL\tCAPABILITIES\tFLAGS")
	fmt.Fprintln(w, "  --\t----\t---\t------------\t-----")

	for _, a := range reg.List() {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n", a.ID, a.Name, a.URL, capabilityList(a.Capabilities), agentFlags(a))
	}
	w.Flush()
	fmt.Println()
	return nil
}

func capabilityList(c registry.Capabilities) string {
	var caps []string
	if c.Streaming {
		caps = append(caps, "streaming")
	}
	if c.PushNotifications {
		caps = append(caps, "push")
	}
	if c.FileUpload {
		caps = append(caps, "files")
	}
	if c.ToolUse {
		caps = append(caps, "tools")
	}
	if len(caps) == 0 {
		return "-"
	}
	return strings.Join(caps, ",")
}

func agentFlags(a *registry.Agent) string {
	var flags []string
	if a.IsDefault {
		flags = append(flags, "default")
	}
	if a.IsBuiltIn {
		flags = append(flags, "built-in")
	}
	return strings.Join(flags, ",")
}

// cmdAgentsAdd registers an agent from flags:
// add --id ID --name NAME --url URL [--stream] [--push] [--bearer TOKEN] [--api-key KEY] [--default]
func cmdAgentsAdd(reg *registry.Registry, args []string) error {
	agent := &registry.Agent{}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		value := func() (string, error) {
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s requires a value", arg)
			}
			i++
			return args[i], nil
		}

		var err error
		switch arg {
		case "--id":
			agent.ID, err = value()
		case "--name", "-n":
			agent.Name, err = value()
		case "--url", "-u":
			agent.URL, err = value()
		case "--description":
			agent.Description, err = value()
		case "--stream":
			agent.Capabilities.Streaming = true
		case "--push":
			agent.Capabilities.PushNotifications = true
		case "--bearer":
			agent.Authentication.Type = registry.AuthBearer
			agent.Authentication.Token, err = value()
		case "--api-key":
			agent.Authentication.Type = registry.AuthAPIKey
			agent.Authentication.Token, err = value()
		case "--default":
			agent.IsDefault = true
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
		if err != nil {
			return err
		}
	}

	if agent.Name == "" {
		agent.Name = agent.ID
	}
	if err := reg.Add(agent); err != nil {
		return err
	}
	if err := reg.Save(); err != nil {
		return err
	}

	color.New(color.FgGreen).Printf("  ✓ Added agent %s\n", agent.ID)
	return nil
}

func cmdAgentsRemove(reg *registry.Registry, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: agents remove <agent-id>")
	}
	if err := reg.Remove(args[0]); err != nil {
		return err
	}
	if err := reg.Save(); err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("  ✓ Removed agent %s\n", args[0])
	return nil
}

func cmdAgentsDefault(reg *registry.Registry, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: agents default <agent-id>")
	}
	if err := reg.SetDefault(args[0]); err != nil {
		return err
	}
	if err := reg.Save(); err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("  ✓ Default agent is now %s\n", args[0])
	return nil
}

// cmdAgentsDiscover fetches an agent card and registers (or refreshes) the agent.
func cmdAgentsDiscover(ctx context.Context, reg *registry.Registry, args []string, logger *slog.Logger) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: agents discover <base-url>")
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	agent, err := registry.NewDiscoverer(nil).Discover(ctx, args[0])
	if err != nil {
		return err
	}
	if err := reg.Upsert(agent); err != nil {
		return err
	}
	if err := reg.Save(); err != nil {
		return err
	}
	logger.Debug("agent discovered", "agent_id", agent.ID, "skills", len(agent.Skills))

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Registered %s (%s)\n", agent.Name, agent.ID)
	fmt.Printf("    URL:          %s\n", agent.URL)
	fmt.Printf("    Capabilities: %s\n", capabilityList(agent.Capabilities))
	for _, s := range agent.Skills {
		fmt.Printf("    Skill:        %s\n", s.Name)
	}
	return nil
}
