// Package watchbus streams library change events to interested clients.
//
// The library service publishes one Event per successful mutation on the
// key of the affected user. Handlers in http.go relay those events over
// Server-Sent Events or WebSocket.
package watchbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// WatchBus provides a simple message bus for streaming events.
// Clients can publish messages to a key and watch for updates.
type WatchBus interface {
	// Publish sends the given data to all watchers of key.
	Publish(ctx context.Context, key string, data []byte) error
	// Watch subscribes to messages for key. Returned channel receives
	// message payloads until the context is canceled or Unwatch is called.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// Unwatch stops delivering messages for key to ch.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}

// EventType names the mutation behind an Event.
type EventType string

const (
	BookAdded       EventType = "book_added"
	ProgressUpdated EventType = "progress_updated"
)

// Event describes a change to one library entry.
type Event struct {
	Type          EventType `json:"type"`
	UserID        int64     `json:"userId"`
	AssociationID int64     `json:"associationId"`
	BookID        int64     `json:"bookId"`
	State         string    `json:"state"`
	CurrentPage   int       `json:"currentPage"`
	At            time.Time `json:"at"`
}

// UserKey returns the feed key of a user.
func UserKey(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

// PublishEvent encodes ev as JSON and publishes it on the user's key.
func PublishEvent(ctx context.Context, bus WatchBus, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return bus.Publish(ctx, UserKey(ev.UserID), data)
}

// DecodeEvent parses a payload produced by PublishEvent.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}
