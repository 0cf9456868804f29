// ABOUTME: MCP tool selection per LLM thread and the tool calling loop
// ABOUTME: Tool calls are noted in the thread; providers without function calling fall back to streaming

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/2389/agentdesk/internal/apperr"
	"github.com/2389/agentdesk/internal/llm"
	"github.com/2389/agentdesk/internal/mcp"
	"github.com/2389/agentdesk/internal/store"
)

// ToolBox is the MCP server registry.
type ToolBox interface {
	Server(id string) (mcp.Server, bool)
	Defaults() []string
	Tools(ctx context.Context, ids []string) ([]mcp.Tool, error)
	Call(ctx context.Context, name string, args json.RawMessage) (mcp.Result, error)
}

func (m *Manager) defaultTools(kind store.OwnerKind) []string {
	if kind != store.OwnerProvider || m.deps.Tools == nil {
		return nil
	}
	return m.deps.Tools.Defaults()
}

// SetThreadTools selects the MCP servers an LLM thread may call. An empty ids
// turns tools off for the thread.
func (m *Manager) SetThreadTools(threadID string, ids []string) error {
	if len(ids) > 0 && m.deps.Tools == nil {
		return apperr.Newf(apperr.KindConfiguration, "set tools", "no MCP servers are configured")
	}
	for _, id := range ids {
		if _, ok := m.deps.Tools.Server(id); !ok {
			return apperr.Configuration("set tools", fmt.Errorf("%w: %s", mcp.ErrUnknownServer, id))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok {
		return fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
	}
	if t.rec.OwnerKind != store.OwnerProvider {
		return apperr.Newf(apperr.KindConfiguration, "set tools", "tools are only available in LLM threads")
	}
	t.tools = slices.Compact(slices.Sorted(slices.Values(ids)))
	m.logger.Info("thread tools changed", "thread_id", threadID, "servers", t.tools)
	return nil
}

// ThreadTools returns the MCP servers selected for a thread.
func (m *Manager) ThreadTools(threadID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
	}
	return slices.Clone(t.tools), nil
}

// completeWithTools runs model turns until one answers without requesting
// tools. Each requested call is noted in the thread and its result fed back.
func (m *Manager) completeWithTools(ctx context.Context, rec store.Thread, prompt llm.Prompt, ids []string) (string, error) {
	tools, err := m.deps.Tools.Tools(ctx, ids)
	if err != nil {
		return "", err
	}
	specs := make([]llm.ToolSpec, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, llm.ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}

	p := prompt
	p.System = mcp.SystemPrompt(prompt.System, tools)
	p.History = append(slices.Clone(prompt.History), llm.Turn{Role: "user", Content: prompt.Text})
	p.Text = ""

	for round := 0; round < m.opts.MaxToolRounds; round++ {
		out, err := m.deps.LLM.CompleteWithTools(ctx, rec.OwnerID, p, specs)
		if err != nil {
			return "", err
		}
		if len(out.ToolCalls) == 0 {
			return out.Text, nil
		}

		p.History = append(p.History, llm.Turn{Role: "assistant", Content: out.Text, ToolCalls: out.ToolCalls})
		for _, call := range out.ToolCalls {
			if _, err := m.appendMessage(ctx, rec.ID, store.RoleSystem, "Calling tool "+call.Name); err != nil {
				return "", err
			}
			res, err := m.deps.Tools.Call(ctx, call.Name, call.Arguments)
			if err != nil {
				res = mcp.Result{Text: err.Error(), IsError: true}
			}
			m.logger.Debug("tool called", "thread_id", rec.ID, "tool", call.Name, "is_error", res.IsError)
			p.History = append(p.History, llm.Turn{Role: "tool", ToolCallID: call.ID, Content: res.Text})
		}
	}
	return "", apperr.Newf(apperr.KindProtocol, "generate",
		"provider %s still requested tools after %d rounds", rec.OwnerID, m.opts.MaxToolRounds)
}

// toolReply is the tool calling path of sendLLM. ok is false when the thread
// has no tools or the provider cannot call them.
func (m *Manager) toolReply(ctx context.Context, rec store.Thread, prompt llm.Prompt) (reply string, ok bool, err error) {
	if m.deps.Tools == nil {
		return "", false, nil
	}
	ids, _ := m.ThreadTools(rec.ID)
	if len(ids) == 0 {
		return "", false, nil
	}
	reply, err = m.completeWithTools(ctx, rec, prompt, ids)
	if errors.Is(err, llm.ErrToolsUnsupported) {
		m.logger.Debug("provider cannot call tools, streaming instead", "thread_id", rec.ID, "provider", rec.OwnerID)
		return "", false, nil
	}
	return reply, true, err
}
