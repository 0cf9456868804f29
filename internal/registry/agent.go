// ABOUTME: Agent descriptor types: identity, endpoint, capabilities, and authentication
// ABOUTME: Authentication renders the HTTP headers attached to every call to the agent

package registry

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"slices"
)

// AuthType selects how requests to an agent are authenticated.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthAPIKey AuthType = "api_key"
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
)

// DefaultAPIKeyHeader is used when an api_key agent names no header.
const DefaultAPIKeyHeader = "X-API-Key"

// Capabilities advertised by an agent.
type Capabilities struct {
	Streaming         bool `yaml:"streaming" json:"streaming"`
	PushNotifications bool `yaml:"push_notifications" json:"push_notifications"`
	FileUpload        bool `yaml:"file_upload" json:"file_upload"`
	ToolUse           bool `yaml:"tool_use" json:"tool_use"`
}

// Authentication holds the secret material for one auth variant.
type Authentication struct {
	Type       AuthType `yaml:"type" json:"type"`
	HeaderName string   `yaml:"header_name,omitempty" json:"header_name,omitempty"`
	Token      string   `yaml:"token,omitempty" json:"token,omitempty"`
	Username   string   `yaml:"username,omitempty" json:"username,omitempty"`
	Password   string   `yaml:"password,omitempty" json:"password,omitempty"`
}

// Headers returns the request headers for this authentication.
func (a Authentication) Headers() map[string]string {
	switch a.Type {
	case AuthAPIKey:
		if a.Token == "" {
			return nil
		}
		name := a.HeaderName
		if name == "" {
			name = DefaultAPIKeyHeader
		}
		return map[string]string{name: a.Token}
	case AuthBearer:
		if a.Token == "" {
			return nil
		}
		return map[string]string{"Authorization": "Bearer " + a.Token}
	case AuthBasic:
		if a.Username == "" {
			return nil
		}
		creds := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
		return map[string]string{"Authorization": "Basic " + creds}
	default:
		return nil
	}
}

// Skill is a capability an agent card advertises.
type Skill struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Tags        []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// Agent describes a remote A2A agent.
type Agent struct {
	ID                 string         `yaml:"id" json:"id"`
	Name               string         `yaml:"name" json:"name"`
	Description        string         `yaml:"description,omitempty" json:"description,omitempty"`
	URL                string         `yaml:"url" json:"url"`
	Transport          string         `yaml:"transport,omitempty" json:"transport,omitempty"`
	Capabilities       Capabilities   `yaml:"capabilities" json:"capabilities"`
	Authentication     Authentication `yaml:"authentication" json:"authentication"`
	DefaultInputModes  []string       `yaml:"default_input_modes" json:"default_input_modes"`
	DefaultOutputModes []string       `yaml:"default_output_modes" json:"default_output_modes"`
	Skills             []Skill        `yaml:"skills,omitempty" json:"skills,omitempty"`
	IsDefault          bool           `yaml:"is_default" json:"is_default"`
	IsBuiltIn          bool           `yaml:"is_built_in" json:"is_built_in"`
}

// DefaultModes is used when an agent declares no content types.
var DefaultModes = []string{"text/plain"}

// normalize applies defaults to unset fields.
func (a *Agent) normalize() {
	if len(a.DefaultInputModes) == 0 {
		a.DefaultInputModes = slices.Clone(DefaultModes)
	}
	if len(a.DefaultOutputModes) == 0 {
		a.DefaultOutputModes = slices.Clone(DefaultModes)
	}
	if a.Authentication.Type == "" {
		a.Authentication.Type = AuthNone
	}
	if a.Transport == "" {
		a.Transport = "JSONRPC"
	}
}

// Validate checks the descriptor is usable.
func (a *Agent) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	if a.Name == "" {
		return fmt.Errorf("agent %s: name is required", a.ID)
	}
	u, err := url.Parse(a.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("agent %s: url %q must be an absolute http(s) URL", a.ID, a.URL)
	}
	switch a.Authentication.Type {
	case AuthNone, AuthAPIKey, AuthBearer, AuthBasic:
	default:
		return fmt.Errorf("agent %s: unknown authentication type %q", a.ID, a.Authentication.Type)
	}
	return nil
}

// Clone returns a deep copy.
func (a *Agent) Clone() *Agent {
	cp := *a
	cp.DefaultInputModes = slices.Clone(a.DefaultInputModes)
	cp.DefaultOutputModes = slices.Clone(a.DefaultOutputModes)
	if a.Skills != nil {
		cp.Skills = make([]Skill, len(a.Skills))
		for i, s := range a.Skills {
			s.Tags = slices.Clone(s.Tags)
			cp.Skills[i] = s
		}
	}
	return &cp
}
