package node

import (
	"fmt"
	"time"

	"github.com/tomaslejdung/meshchat/pkg/mesh"
)

// EventKind classifies node events
type EventKind string

const (
	EventChat   EventKind = "chat"
	EventSystem EventKind = "system"
	EventError  EventKind = "error"
	EventLink   EventKind = "link"
)

// Event is something a UI should show
type Event struct {
	Kind    EventKind      `json:"kind"`
	From    string         `json:"from,omitempty"`
	Text    string         `json:"text"`
	Channel string         `json:"channel,omitempty"`
	Link    *mesh.LinkInfo `json:"link,omitempty"`
	At      time.Time      `json:"at"`
}

// String renders the event as a chat line
func (e Event) String() string {
	switch e.Kind {
	case EventChat:
		return fmt.Sprintf("%s: %s", e.From, e.Text)
	case EventError:
		return "[error] " + e.Text
	default:
		return "[system] " + e.Text
	}
}
