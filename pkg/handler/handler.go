// Package handler defines the contract between the runtime and handler units.
//
// A unit implements Handler plus any subset of the capability interfaces.
// The runtime discovers capabilities with type assertions, so a unit that
// only reacts to membership events never has to stub out command handling.
package handler

import (
	"context"
	"encoding/json"
	"strings"
)

// Handler is implemented by every handler unit.
type Handler interface {
	// Description is a one-line summary shown by `qqbot plugins`.
	Description() string
}

// LoadHook runs once before the unit becomes active. A non-nil error keeps
// the unit out of the registry.
type LoadHook interface {
	OnLoad(ctx context.Context) error
}

// UnloadHook runs once before the unit is dropped from the registry.
type UnloadHook interface {
	OnUnload(ctx context.Context) error
}

// CommandHandler answers message text. Returning NoReply lets the next unit
// try the same text.
type CommandHandler interface {
	HandleCommand(ctx context.Context, text string, cc CommandContext) (Reply, error)
}

// EventHandler observes membership events.
type EventHandler interface {
	HandleEvent(ctx context.Context, kind EventKind, payload json.RawMessage) error
}

// CommandContext carries the identifiers supplied by the originating channel.
// Empty fields were not supplied.
type CommandContext struct {
	GroupID  string
	MemberID string
	UserID   string
}

// Reply is the optional text produced by a command handler.
type Reply struct {
	text string
}

// NoReply means the handler did not recognise the command.
var NoReply = Reply{}

// Text wraps s as a reply. Blank text is equivalent to NoReply.
func Text(s string) Reply {
	return Reply{text: s}
}

// Present reports whether the reply carries non-blank text.
func (r Reply) Present() bool {
	return strings.TrimSpace(r.text) != ""
}

func (r Reply) String() string {
	return r.text
}

// Capabilities lists the optional interfaces h implements, in a stable order.
func Capabilities(h Handler) []string {
	caps := make([]string, 0, 4)
	if _, ok := h.(CommandHandler); ok {
		caps = append(caps, "command")
	}
	if _, ok := h.(EventHandler); ok {
		caps = append(caps, "event")
	}
	if _, ok := h.(LoadHook); ok {
		caps = append(caps, "load")
	}
	if _, ok := h.(UnloadHook); ok {
		caps = append(caps, "unload")
	}

	return caps
}
