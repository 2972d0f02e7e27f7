// Package events publishes target state transitions.
package events

import (
	"context"
	"time"

	"github.com/3cpo-dev/launchpad/pkg/api"
)

type Event struct {
	Target string     `json:"target"`
	Status api.Status `json:"status"`
	PID    int        `json:"pid,omitempty"`
	Error  string     `json:"error,omitempty"`
	Time   time.Time  `json:"time"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
