// ABOUTME: agentdesk export writes a thread transcript as HTML or Markdown
// ABOUTME: Reads the store directly; no listener or tunnel is started

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/agentdesk/internal/store"
	"github.com/2389/agentdesk/internal/transcript"
)

// runExport handles: export <thread-id> [out.html|out.md]. With no file the
// Markdown transcript goes to stdout.
func runExport(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: export <thread-id> [out.html|out.md]")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("AGENTDESK_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	th, err := s.GetThread(ctx, args[0])
	if err != nil {
		return fmt.Errorf("thread %s: %w", args[0], err)
	}
	msgs, err := s.ListMessages(ctx, th.ID)
	if err != nil {
		return fmt.Errorf("loading messages: %w", err)
	}

	if len(args) == 1 {
		fmt.Print(transcript.Markdown(th, msgs))
		return nil
	}

	out := args[1]
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("creating %s: %w", out, err)
	}

	switch strings.ToLower(filepath.Ext(out)) {
	case ".md", ".markdown":
		_, err = f.WriteString(transcript.Markdown(th, msgs))
	default:
		err = transcript.WriteHTML(f, th, msgs, time.Now())
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	color.New(color.FgGreen).Printf("  ✓ Exported %d messages to %s\n", len(msgs), out)
	return nil
}
