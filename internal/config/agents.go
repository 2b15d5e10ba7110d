package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/billfrog/billfrog/internal/schedule"
	"gopkg.in/yaml.v3"
)

// ErrInvalidAgent marks a malformed agent record. A bad entry is skipped
// and logged; it never stops the rest of the file from loading.
var ErrInvalidAgent = errors.New("invalid agent config")

// Agent is one configured agent: who to meter, how often to dispatch, and
// where the receipt goes.
type Agent struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
	// APIKeyEnv names the environment variable holding the provider
	// credential; key material never lives in the file itself.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
	// Target is the notification target (webhook URL or Redis channel)
	Target  string `yaml:"target"`
	Cadence string `yaml:"cadence"`
	// AnchorHour is the UTC hour dispatches aim for (default 9)
	AnchorHour int `yaml:"anchor_hour"`
}

// Validate checks the record and returns ErrInvalidAgent with detail.
func (a Agent) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidAgent)
	}
	if a.Target == "" {
		return fmt.Errorf("%w: agent %q has no target", ErrInvalidAgent, a.Name)
	}
	if _, err := schedule.ParseCadence(a.Cadence); err != nil {
		return fmt.Errorf("%w: agent %q: %v", ErrInvalidAgent, a.Name, err)
	}
	if a.AnchorHour < 0 || a.AnchorHour > 23 {
		return fmt.Errorf("%w: agent %q anchor_hour %d out of range", ErrInvalidAgent, a.Name, a.AnchorHour)
	}
	return nil
}

// APIKey resolves the provider credential from the environment.
func (a Agent) APIKey() string {
	if a.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(a.APIKeyEnv)
}

type agentsFile struct {
	Agents []Agent `yaml:"agents"`
}

// agentDoc mirrors Agent for decoding only. AnchorHour is a pointer so an
// absent key is distinguishable from an explicit midnight (0).
type agentDoc struct {
	Name       string `yaml:"name"`
	Provider   string `yaml:"provider"`
	APIKeyEnv  string `yaml:"api_key_env"`
	Target     string `yaml:"target"`
	Cadence    string `yaml:"cadence"`
	AnchorHour *int   `yaml:"anchor_hour"`
}

type agentsDoc struct {
	Agents []agentDoc `yaml:"agents"`
}

func (d agentDoc) agent() Agent {
	anchor := 9
	if d.AnchorHour != nil {
		anchor = *d.AnchorHour
	}
	return Agent{
		Name:       d.Name,
		Provider:   d.Provider,
		APIKeyEnv:  d.APIKeyEnv,
		Target:     d.Target,
		Cadence:    d.Cadence,
		AnchorHour: anchor,
	}
}

// LoadAgents reads the agents file. Malformed entries are skipped and
// returned separately so the caller can log them; a missing file yields an
// empty set.
func LoadAgents(path string) (valid []Agent, skipped []error, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read agents file: %w", err)
	}

	var f agentsDoc
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("parse agents file: %w", err)
	}

	seen := make(map[string]bool)
	for _, doc := range f.Agents {
		a := doc.agent()
		if err := a.Validate(); err != nil {
			skipped = append(skipped, err)
			continue
		}
		if seen[a.Name] {
			skipped = append(skipped, fmt.Errorf("%w: duplicate agent %q", ErrInvalidAgent, a.Name))
			continue
		}
		seen[a.Name] = true
		valid = append(valid, a)
	}
	return valid, skipped, nil
}

// SaveAgents writes the agents file with owner-only permissions.
func SaveAgents(path string, agents []Agent) error {
	data, err := yaml.Marshal(agentsFile{Agents: agents})
	if err != nil {
		return fmt.Errorf("encode agents file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write agents file: %w", err)
	}
	return nil
}
