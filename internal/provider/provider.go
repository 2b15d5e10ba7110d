// Package provider integrates upstream AI metering sources. A fetcher is
// selected once, when an agent is registered; the dispatch path never
// branches on provider-name strings.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/billfrog/billfrog/internal/usage"
)

// UsageFetcher pulls raw usage events for one agent from an upstream
// metering source.
type UsageFetcher interface {
	Name() string

	// TestConnection verifies credentials. Called at agent registration.
	TestConnection(ctx context.Context) error

	// FetchUsage returns events recorded upstream since the given time.
	FetchUsage(ctx context.Context, agentID string, since time.Time) ([]usage.Event, error)
}

// New returns the fetcher for a provider name. Unknown providers are a
// registration-time error, not a dispatch-time one.
func New(name, apiKey string) (UsageFetcher, error) {
	switch name {
	case "openai":
		return NewOpenAI(apiKey), nil
	}
	return nil, fmt.Errorf("unsupported provider %q (supported: openai)", name)
}
