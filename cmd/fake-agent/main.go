// ABOUTME: Fake A2A agent for manual end-to-end runs, answering with markdown echoes
// ABOUTME: Usage: fake-agent [-addr localhost:9000] [-mode sync|stream|async] [-ask "question"] [-autopush 2s]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/2389/agentdesk/internal/a2a/a2atest"
)

func main() {
	addr := flag.String("addr", "localhost:9000", "listen address")
	name := flag.String("name", "Echo Agent", "agent display name")
	mode := flag.String("mode", "sync", "answer mode: sync, stream, or async")
	ask := flag.String("ask", "", "ask this question before answering each task")
	autoPush := flag.Duration("autopush", 2*time.Second, "async mode: push the result after this delay (0 waits forever)")
	flag.Parse()

	if err := run(*addr, *name, a2atest.Mode(*mode), *ask, *autoPush); err != nil {
		log.Fatal(err)
	}
}

func run(addr, name string, mode a2atest.Mode, ask string, autoPush time.Duration) error {
	switch mode {
	case a2atest.ModeSync, a2atest.ModeStream, a2atest.ModeAsync:
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	agent := a2atest.New(mode)
	agent.Name = name
	agent.Ask = ask
	agent.AutoPush = autoPush
	agent.Reply = echoReply
	agent.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	srv := &http.Server{
		Addr:              addr,
		Handler:           agent,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(os.Stderr, "%s listening on http://%s (%s)\n", name, addr, mode)
	fmt.Fprintf(os.Stderr, "register with: agentdesk agents discover http://%s\n", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}
