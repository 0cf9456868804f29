// Package mcp connects LLM threads to Model Context Protocol tool servers.
//
// # Overview
//
// MCP servers expose tools over JSON-RPC. A Registry holds the configured
// servers and connects to each one the first time a thread asks for its
// tools. Servers are reached over one of three transports:
//
//   - stdio: a subprocess started from Command and Args
//   - sse: the legacy HTTP+SSE transport at URL
//   - http: the streamable HTTP transport at URL
//
// # Tool Names
//
// Tools are offered to the model as mcp_<server>_<tool>, with characters
// outside [A-Za-z0-9_] replaced by underscores:
//
//	mcp_github_search_repositories
//
// The registry keeps the mapping back to the server and the tool's own name,
// so Call accepts exactly the names Tools returned.
//
// # Results
//
// A tool that reports an error is not a Go error: the text is handed back to
// the model with IsError set so it can explain the failure. Go errors are
// reserved for servers that cannot be reached or names that do not resolve.
package mcp
