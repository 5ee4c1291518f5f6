// Package mock provides a test double for the transcribe package.
//
// Use Provider to return canned final text or an injected error, and to
// inspect the requests that were submitted.
package mock

import (
	"context"
	"sync"

	"github.com/tahfizlab/rattil/pkg/provider/transcribe"
)

// Provider is a mock implementation of transcribe.Provider.
type Provider struct {
	mu sync.Mutex

	// Text is the recognized text returned on success.
	Text string

	// Err, if non-nil, is returned from Transcribe.
	Err error

	// Calls records every request passed to Transcribe.
	Calls []transcribe.Request
}

// Ensure Provider implements transcribe.Provider at compile time.
var _ transcribe.Provider = (*Provider)(nil)

// Transcribe records the request and returns Text, Err.
func (p *Provider) Transcribe(_ context.Context, req transcribe.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, req)
	if p.Err != nil {
		return "", p.Err
	}
	return p.Text, nil
}

// CallCount returns the number of recorded Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
