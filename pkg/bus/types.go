package bus

import (
	"encoding/json"
	"time"

	"qqbot/pkg/handler"
)

// InboundFrame is one raw frame as read from the connection.
type InboundFrame struct {
	ID         string
	Data       []byte
	ReceivedAt time.Time
}

type EventClass string

const (
	ClassMessage    EventClass = "message"
	ClassMembership EventClass = "membership"
	ClassOther      EventClass = "other"
)

// InboundEvent is a decoded frame. It is immutable once built.
type InboundEvent struct {
	Class         EventClass        `json:"class"`
	Type          handler.EventKind `json:"type"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	CorrelationID string            `json:"correlation_id"`
}

type ChannelKind string

const (
	ChannelGroup      ChannelKind = "group"
	ChannelDirectUser ChannelKind = "c2c"
)

// OutboundMessage is a reply addressed to one group or user.
type OutboundMessage struct {
	Channel     ChannelKind `json:"channel"`
	TargetID    string      `json:"target_id"`
	Body        string      `json:"content"`
	InReplyToID string      `json:"msg_id,omitempty"`
	Sequence    int64       `json:"msg_seq"`
}
