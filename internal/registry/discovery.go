// ABOUTME: Agent discovery from a published A2A agent card
// ABOUTME: Resolves /.well-known/agent-card.json and maps the card onto an Agent descriptor

package registry

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2aclient/agentcard"
)

var nonIDChars = regexp.MustCompile(`[^a-z0-9]+`)

// Discoverer fetches agent cards over HTTP.
type Discoverer struct {
	resolver *agentcard.Resolver
}

// NewDiscoverer uses httpClient for card fetches; nil uses the library default.
func NewDiscoverer(httpClient *http.Client) *Discoverer {
	if httpClient == nil {
		return &Discoverer{resolver: agentcard.DefaultResolver}
	}
	return &Discoverer{resolver: agentcard.NewResolver(httpClient)}
}

// Discover resolves the agent card served under baseURL.
func (d *Discoverer) Discover(ctx context.Context, baseURL string) (*Agent, error) {
	card, err := d.resolver.Resolve(ctx, baseURL)
	if err != nil {
		return nil, fmt.Errorf("fetching agent card from %s: %w", baseURL, err)
	}
	agent := FromCard(card, baseURL)
	if err := agent.Validate(); err != nil {
		return nil, err
	}
	return agent, nil
}

// FromCard converts an agent card. fallbackURL is used when the card omits its URL.
func FromCard(card *a2a.AgentCard, fallbackURL string) *Agent {
	agent := &Agent{
		ID:                 slugify(card.Name),
		Name:               card.Name,
		Description:        card.Description,
		URL:                card.URL,
		Transport:          string(card.PreferredTransport),
		DefaultInputModes:  card.DefaultInputModes,
		DefaultOutputModes: card.DefaultOutputModes,
		Capabilities: Capabilities{
			Streaming:         card.Capabilities.Streaming,
			PushNotifications: card.Capabilities.PushNotifications,
		},
	}
	if agent.URL == "" {
		agent.URL = fallbackURL
	}
	for _, s := range card.Skills {
		agent.Skills = append(agent.Skills, Skill{
			ID:          s.ID,
			Name:        s.Name,
			Description: s.Description,
			Tags:        s.Tags,
		})
	}
	agent.normalize()
	return agent
}

func slugify(name string) string {
	s := strings.Trim(nonIDChars.ReplaceAllString(strings.ToLower(name), "_"), "_")
	if s == "" {
		return "agent"
	}
	return s
}
