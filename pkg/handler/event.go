package handler

// EventKind is the platform's dispatch type tag (the `t` field of a frame).
type EventKind string

const (
	EventGroupAtMessage EventKind = "GROUP_AT_MESSAGE_CREATE"
	EventDirectMessage  EventKind = "C2C_MESSAGE_CREATE"
	EventGroupAddRobot  EventKind = "GROUP_ADD_ROBOT"
	EventGroupDelRobot  EventKind = "GROUP_DEL_ROBOT"
	EventFriendAdd      EventKind = "FRIEND_ADD"
	EventFriendDel      EventKind = "FRIEND_DEL"
)

// IsMessage reports whether k carries user text that command handlers answer.
func (k EventKind) IsMessage() bool {
	switch k {
	case EventGroupAtMessage, EventDirectMessage:
		return true
	default:
		return false
	}
}

// IsMembership reports whether k is a robot/friend membership change.
func (k EventKind) IsMembership() bool {
	switch k {
	case EventGroupAddRobot, EventGroupDelRobot, EventFriendAdd, EventFriendDel:
		return true
	default:
		return false
	}
}
