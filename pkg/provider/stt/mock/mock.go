// Package mock provides a test double for the stt.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Result: stt.Transcript{Text: "hello"}}
//	tr, _ := p.Transcribe(ctx, stt.Request{Clip: clip})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/panelist/pkg/provider/stt"
)

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Transcribe when Err is nil.
	Result stt.Transcript

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// Hold, if non-nil, makes Transcribe block until it is closed or the
	// context is cancelled. Useful for exercising in-flight cancellation.
	Hold chan struct{}

	// Calls records every request passed to Transcribe.
	Calls []stt.Request
}

var _ stt.Provider = (*Provider)(nil)

// Transcribe records the call and returns Result, Err.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, req)
	hold, res, err := p.Hold, p.Result, p.Err
	p.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return stt.Transcript{}, ctx.Err()
		}
	}
	if err != nil {
		return stt.Transcript{}, err
	}
	return res, nil
}

// Set replaces Result and Err. Thread-safe.
func (p *Provider) Set(res stt.Transcript, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Result, p.Err = res, err
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// LastCall returns the most recent request. Thread-safe.
func (p *Provider) LastCall() (stt.Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Calls) == 0 {
		return stt.Request{}, false
	}
	return p.Calls[len(p.Calls)-1], true
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}
