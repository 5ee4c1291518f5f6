package resilience

import (
	"context"

	"github.com/tahfizlab/rattil/pkg/provider/live"
)

// LiveFallback implements [live.Provider] with automatic failover across
// multiple streaming recognizers. Failover applies to session start only;
// an already-open session is never migrated mid-stream.
type LiveFallback struct {
	group *FallbackGroup[live.Provider]
}

// Compile-time interface assertion.
var _ live.Provider = (*LiveFallback)(nil)

// NewLiveFallback creates a [LiveFallback] with primary as the preferred
// backend.
func NewLiveFallback(primary live.Provider, primaryName string, cfg FallbackConfig) *LiveFallback {
	return &LiveFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional live provider as a fallback.
func (f *LiveFallback) AddFallback(name string, provider live.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a live session against the first healthy provider.
func (f *LiveFallback) StartStream(ctx context.Context, cfg live.StreamConfig) (live.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p live.Provider) (live.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}
