// Package robot is a reference worker: it accepts process requests from the
// orchestrator, runs a handler per channel and reports the outcome back.
package robot

import (
	"context"
	"fmt"
	"sort"

	"github.com/yourorg/robotq/internal/allocation"
	"github.com/yourorg/robotq/internal/domain"
)

// Output is what a handler produced for one work item.
type Output struct {
	Messages    []string
	Attachments []domain.Attachment
}

// Handler is the function signature every channel handler must implement.
type Handler func(ctx context.Context, job *allocation.ProcessRequest) (*Output, error)

// FatalError wraps a handler error that must be reported as a failed result.
// Any other error leaves the item unreported so the orchestrator reclaims
// and retries it.
type FatalError struct {
	Cause error
}

func (e *FatalError) Error() string { return e.Cause.Error() }
func (e *FatalError) Unwrap() error { return e.Cause }

// Registry maps channels to handlers.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(channel string, h Handler) {
	r.handlers[channel] = h
}

func (r *Registry) Lookup(channel string) (Handler, error) {
	h, ok := r.handlers[channel]
	if !ok {
		return nil, &FatalError{Cause: fmt.Errorf("no handler registered for channel %q", channel)}
	}
	return h, nil
}

func (r *Registry) Channels() []string {
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
