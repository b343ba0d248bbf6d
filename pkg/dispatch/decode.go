package dispatch

import (
	"encoding/json"
	"fmt"

	"qqbot/pkg/bus"
	"qqbot/pkg/channel/qq"
	"qqbot/pkg/handler"
)

// DecodeError reports a frame that cannot be turned into an event.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode frame: %s: %v", e.Reason, e.Err)
	}
	return "decode frame: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decode turns a raw frame into an event. Frames that are well formed but
// carry no dispatch (op != 0) or an unknown type decode to ClassOther.
func Decode(correlationID string, raw []byte) (bus.InboundEvent, error) {
	var frame qq.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return bus.InboundEvent{}, &DecodeError{Reason: "invalid json", Err: err}
	}
	if frame.Op == nil {
		return bus.InboundEvent{}, &DecodeError{Reason: "missing op"}
	}

	event := bus.InboundEvent{
		Class:         bus.ClassOther,
		Type:          handler.EventKind(frame.T),
		Payload:       frame.D,
		CorrelationID: correlationID,
	}
	if *frame.Op != qq.OpDispatch {
		return event, nil
	}
	if frame.T == "" {
		return bus.InboundEvent{}, &DecodeError{Reason: "dispatch frame without t"}
	}

	switch {
	case event.Type.IsMessage():
		if _, err := parseMessage(event.Type, frame.D); err != nil {
			return bus.InboundEvent{}, err
		}
		event.Class = bus.ClassMessage
	case event.Type.IsMembership():
		if !isObject(frame.D) {
			return bus.InboundEvent{}, &DecodeError{Reason: string(event.Type) + " without d object"}
		}
		event.Class = bus.ClassMembership
	}

	return event, nil
}

// parseMessage decodes and validates a message payload for kind.
func parseMessage(kind handler.EventKind, data json.RawMessage) (qq.MessagePayload, error) {
	if len(data) == 0 {
		return qq.MessagePayload{}, &DecodeError{Reason: string(kind) + " without d"}
	}

	var msg qq.MessagePayload
	if err := json.Unmarshal(data, &msg); err != nil {
		return qq.MessagePayload{}, &DecodeError{Reason: "invalid message payload", Err: err}
	}

	switch {
	case msg.Content == nil:
		return qq.MessagePayload{}, &DecodeError{Reason: "message without content"}
	case msg.ID == "":
		return qq.MessagePayload{}, &DecodeError{Reason: "message without id"}
	case kind == handler.EventGroupAtMessage && msg.GroupOpenID == "":
		return qq.MessagePayload{}, &DecodeError{Reason: "group message without group_openid"}
	case kind == handler.EventDirectMessage && msg.Author.UserOpenID == "":
		return qq.MessagePayload{}, &DecodeError{Reason: "direct message without author.user_openid"}
	}

	return msg, nil
}

func isObject(data json.RawMessage) bool {
	var obj map[string]json.RawMessage
	return len(data) > 0 && json.Unmarshal(data, &obj) == nil && obj != nil
}
