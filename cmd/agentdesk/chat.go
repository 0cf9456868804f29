// ABOUTME: Terminal chat REPL over the session manager
// ABOUTME: Runs the full app so async agents can push results while the user types

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/2389/agentdesk/internal/app"
	"github.com/2389/agentdesk/internal/session"
	"github.com/2389/agentdesk/internal/store"
)

const defaultShutdown = 5 * time.Second

// chatState tracks the thread the REPL is attached to and any streamed draft.
type chatState struct {
	mu      sync.Mutex
	current *store.Thread
	printed int
	// streamed is set once a draft has been echoed so the final message is
	// not printed twice.
	streamed bool
}

func (s *chatState) thread() *store.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *chatState) use(th *store.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = th
	s.printed = 0
	s.streamed = false
}

func runChat(ctx context.Context, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	// Keep the prompt readable unless debugging
	if cfg.Logging.Level != "debug" {
		cfg.Logging.Level = "warn"
	}
	logger := setupLogger(cfg.Logging)

	a, err := app.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating app: %w", err)
	}
	if _, err := a.Start(ctx); err != nil {
		a.Close()
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdown)
		defer cancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	state := &chatState{}
	owner := ""
	if len(args) > 0 {
		owner = args[0]
	}
	th, err := openThread(ctx, a, owner, "")
	if err != nil {
		return err
	}
	state.use(th)

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go printEvents(state, a.Sessions().Subscribe(subCtx, ""))

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	cyan.Printf("Chatting in %q with %s %s (/help for commands, Ctrl+D to exit)\n\n", th.Title, th.OwnerKind, th.OwnerID)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), 1024*1024) // 1MB max input
	for {
		green.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := chatCommand(ctx, a, state, line)
			if err != nil {
				color.New(color.FgRed).Printf("  %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		current := state.thread()
		if current == nil {
			color.New(color.FgYellow).Println("  no thread selected - use /new or /use")
			continue
		}
		state.use(current)
		if err := a.Sessions().SendUserMessage(ctx, current.ID, line); err != nil {
			// Failures recorded in the thread are printed by the event loop
			if errors.Is(err, session.ErrThreadBusy) {
				color.New(color.FgYellow).Println("  still waiting on the previous reply")
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
		}
	}
}

// openThread starts a thread with owner, resolved first as an agent id and
// then as a provider name. An empty owner means the default agent.
func openThread(ctx context.Context, a *app.App, owner, title string) (*store.Thread, error) {
	kind := store.OwnerAgent
	switch {
	case owner == "":
		def, err := a.Agents().Default()
		if err != nil {
			return nil, fmt.Errorf("no default agent: %w", err)
		}
		owner = def.ID
	case a.LLM().Has(owner):
		if _, err := a.Agents().Get(owner); err != nil {
			kind = store.OwnerProvider
		}
	}
	return a.Sessions().CreateThread(ctx, kind, owner, title)
}

func printEvents(state *chatState, events <-chan session.Event) {
	gray := color.New(color.FgHiBlack)
	agentColor := color.New(color.FgMagenta)
	note := color.New(color.FgYellow)

	for ev := range events {
		current := state.thread()
		if current == nil || ev.ThreadID != current.ID {
			continue
		}

		switch ev.Kind {
		case session.EventDraftUpdated:
			state.mu.Lock()
			if ev.Draft == "" {
				if state.printed > 0 {
					fmt.Println()
					state.streamed = true
				}
				state.printed = 0
			} else if len(ev.Draft) > state.printed {
				if state.printed == 0 {
					agentColor.Printf("\n%s: ", current.OwnerID)
				}
				fmt.Print(ev.Draft[state.printed:])
				state.printed = len(ev.Draft)
			}
			state.mu.Unlock()

		case session.EventMessageAppended:
			msg := ev.Message
			switch msg.Role {
			case store.RoleUser:
			case store.RoleSystem:
				note.Printf("\n  [%s]\n", msg.Content)
			default:
				state.mu.Lock()
				skip := state.streamed
				state.streamed = false
				state.mu.Unlock()
				if !skip {
					agentColor.Printf("\n%s: ", current.OwnerID)
					fmt.Println(msg.Content)
				}
			}

		case session.EventTaskStatus:
			gray.Printf("  (%s)\n", ev.Status)

		case session.EventThreadDeleted:
			note.Println("\n  [thread deleted - use /new or /use]")
		}
	}
}

const chatHelp = `  /new [agent|provider] [title]  start a thread
  /threads                       list threads
  /use <n|thread-id>             switch thread
  /history                       reprint the current thread
  /rename <title>                rename the current thread
  /delete [thread-id]            delete a thread (default current)
  /tools [server...|none]        show or set MCP servers for an LLM thread
  /quit                          exit`

// chatCommand runs one slash command. It reports whether the REPL should exit.
func chatCommand(ctx context.Context, a *app.App, state *chatState, line string) (bool, error) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	sessions := a.Sessions()
	cyan := color.New(color.FgCyan)

	switch cmd {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		fmt.Println(chatHelp)

	case "/new":
		owner, title := "", ""
		if len(args) > 0 {
			owner = args[0]
		}
		if len(args) > 1 {
			title = strings.Join(args[1:], " ")
		}
		th, err := openThread(ctx, a, owner, title)
		if err != nil {
			return false, err
		}
		state.use(th)
		cyan.Printf("  now in %q (%s)\n", th.Title, th.ID)

	case "/threads":
		current := state.thread()
		for i, th := range sessions.ListThreads("", "") {
			marker := " "
			if current != nil && th.ID == current.ID {
				marker = "*"
			}
			busy := ""
			if sessions.Busy(th.ID) {
				busy = " (busy)"
			}
			fmt.Printf(" %s %d. %s  %s %s  %s%s\n", marker, i+1, th.Title, th.OwnerKind, th.OwnerID, th.ID, busy)
		}

	case "/use":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /use <n|thread-id>")
		}
		th, err := findThread(sessions, args[0])
		if err != nil {
			return false, err
		}
		state.use(th)
		cyan.Printf("  now in %q with %s %s\n", th.Title, th.OwnerKind, th.OwnerID)

	case "/history":
		current := state.thread()
		if current == nil {
			return false, fmt.Errorf("no current thread")
		}
		msgs, err := sessions.Messages(ctx, current.ID)
		if err != nil {
			return false, err
		}
		for _, m := range msgs {
			fmt.Printf("  %s: %s\n", m.Role, m.Content)
		}

	case "/rename":
		current := state.thread()
		if current == nil || len(args) == 0 {
			return false, fmt.Errorf("usage: /rename <title>")
		}
		title := strings.Join(args, " ")
		if err := sessions.RenameThread(ctx, current.ID, title); err != nil {
			return false, err
		}
		if th, ok := sessions.Thread(current.ID); ok {
			state.use(th)
		}

	case "/delete":
		target := state.thread()
		if len(args) == 1 {
			th, err := findThread(sessions, args[0])
			if err != nil {
				return false, err
			}
			target = th
		}
		if target == nil {
			return false, fmt.Errorf("usage: /delete [thread-id]")
		}
		if err := sessions.DeleteThread(ctx, target.ID); err != nil {
			return false, err
		}
		if current := state.thread(); current != nil && current.ID == target.ID {
			state.use(nil)
		}

	case "/tools":
		current := state.thread()
		if current == nil {
			return false, fmt.Errorf("no current thread")
		}
		if len(args) > 0 {
			ids := args
			if len(args) == 1 && args[0] == "none" {
				ids = nil
			}
			if err := sessions.SetThreadTools(current.ID, ids); err != nil {
				return false, err
			}
		}
		ids, err := sessions.ThreadTools(current.ID)
		if err != nil {
			return false, err
		}
		if len(ids) == 0 {
			cyan.Println("  no tools")
		} else {
			cyan.Printf("  tools: %s\n", strings.Join(ids, ", "))
		}
		for _, s := range a.Tools().Servers() {
			fmt.Printf("    %s  %s\n", s.ID, s.DisplayName())
		}

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return false, nil
}

// findThread resolves a 1-based index from /threads or a thread id.
func findThread(sessions *session.Manager, ref string) (*store.Thread, error) {
	if n, err := strconv.Atoi(ref); err == nil {
		threads := sessions.ListThreads("", "")
		if n < 1 || n > len(threads) {
			return nil, fmt.Errorf("no thread %d", n)
		}
		return threads[n-1], nil
	}
	th, ok := sessions.Thread(ref)
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", ref, store.ErrNotFound)
	}
	return th, nil
}
