// Package events publishes session lifecycle records for downstream
// consumers (audit, analytics). Publishing is strictly fire-and-forget from
// the coordinator's point of view: a failed publish never blocks or fails
// the session protocol itself.
package events

import (
	"context"
	"time"
)

type Type string

const (
	TypeSessionOpened Type = "session_opened"
	TypeSessionClosed Type = "session_closed"
)

// Event is one lifecycle transition of a (user, node) session.
type Event struct {
	Type Type      `json:"type"`
	User string    `json:"user"`
	Node string    `json:"node"`
	Time time.Time `json:"time"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher discards all events. Used when events are disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }
