// ABOUTME: System prompt addendum telling the model which MCP tools it may call
// ABOUTME: Lists every tool with its description and how tool results come back

package mcp

import (
	"fmt"
	"strings"
)

// SystemPrompt extends base with instructions for tools. With no tools base
// is returned unchanged.
func SystemPrompt(base string, tools []Tool) string {
	if len(tools) == 0 {
		return base
	}

	var b strings.Builder
	if base != "" {
		b.WriteString(base)
		b.WriteString("\n\n")
	} else {
		b.WriteString("You are a helpful AI assistant with access to tools.\n\n")
	}
	fmt.Fprintf(&b, "You have access to %d tools that you can use to help answer the user's questions:\n\n", len(tools))
	for _, t := range tools {
		fmt.Fprintf(&b, "  - %s: %s\n", t.Name, t.Description)
	}
	b.WriteString(`
When to use tools:
1. Use a tool when the answer needs external data such as files, APIs, or search.
2. Call a tool only once you have its required parameters; ask the user for missing ones first.
3. You may call several tools to answer thoroughly.
4. Each tool result arrives in the next message with role "tool". Read it and use it in your answer instead of asking again.
5. If a tool returns an error, explain it to the user and suggest an alternative.

Prefer small result pages (10 or 20 items) unless the user asks for more.`)
	return b.String()
}
