// ABOUTME: agentdesk providers subcommands: list, models, init
// ABOUTME: Reads the TOML providers file and queries provider model catalogs

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/agentdesk/internal/llm"
)

func runProviders(ctx context.Context, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "list", "ls":
		f, err := llm.LoadProviders(cfg.Providers.File)
		if err != nil {
			return err
		}
		return cmdProvidersList(f)
	case "models":
		f, err := llm.LoadProviders(cfg.Providers.File)
		if err != nil {
			return err
		}
		router := llm.NewRouter(setupLogger(cfg.Logging))
		if err := router.Reload(f); err != nil {
			return err
		}
		name := ""
		if len(args) > 0 {
			name = args[0]
		}
		return cmdProvidersModels(ctx, router, name)
	case "init":
		if _, err := os.Stat(cfg.Providers.File); err == nil {
			return fmt.Errorf("%s already exists", cfg.Providers.File)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := llm.SaveProviders(cfg.Providers.File, llm.DefaultProvidersFile()); err != nil {
			return err
		}
		color.New(color.FgGreen).Printf("  ✓ Wrote %s\n", cfg.Providers.File)
		return nil
	default:
		return fmt.Errorf("unknown providers subcommand: %s (use list, models, init)", subcmd)
	}
}

func cmdProvidersList(f *llm.ProvidersFile) error {
	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  LLM Providers")
	cyan.Println("  -------------")

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  NAME\tKIND\tMODEL\tENDPOINT\tDEFAULT")
	fmt.Fprintln(w, "  ----\t----\t-----\t--------\t-------")
	for _, name := range f.Names() {
		pc := f.Providers[name]
		endpoint := pc.BaseURL
		if pc.Kind == llm.KindOllama {
			endpoint = pc.Host
		}
		if endpoint == "" {
			endpoint = "-"
		}
		def := ""
		if name == f.DefaultProvider {
			def = "*"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n", name, pc.Kind, pc.DefaultModel, endpoint, def)
	}
	w.Flush()
	fmt.Println()
	return nil
}

// cmdProvidersModels lists models of the named provider, or the default one.
func cmdProvidersModels(ctx context.Context, router *llm.Router, name string) error {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	if name == "" {
		name = router.Default()
	}
	models, err := router.AvailableModels(ctx, name)
	if err != nil {
		return err
	}

	color.New(color.FgCyan).Printf("\n  Models for %s\n\n", name)
	for _, m := range models {
		fmt.Printf("  %s\n", m)
	}
	fmt.Println()
	return nil
}
