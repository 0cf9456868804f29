// Package config handles configuration loading for agentdesk.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from AGENTDESK_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/agentdesk/config.yaml
//  3. ~/.config/agentdesk/config.yaml
//
// A missing file is not an error for the CLI; Default supplies a working
// configuration rooted in DataDir.
//
// # Environment Variable Expansion
//
// Values can reference environment variables, which may come from a .env file
// loaded with LoadDotEnv:
//
//	tunnel:
//	  auth_token: "${NGROK_AUTHTOKEN}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	tasks:
//	  pending_timeout: "5m"
//	  poll_interval: "1s"
//
// # Collaborator Files
//
// The agent registry (YAML) and the LLM provider table (TOML) live in their own
// files, referenced by agents.file and providers.file. Watch reloads them when
// they change on disk.
package config
