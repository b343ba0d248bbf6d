// Package qq speaks the QQ bot platform's event stream and delivery API.
package qq

import "encoding/json"

// Opcodes carried in a frame's op field.
const (
	OpDispatch     = 0
	OpHeartbeat    = 1
	OpHello        = 10
	OpHeartbeatAck = 11
)

// Frame is the envelope of every event-stream message.
type Frame struct {
	Op *int            `json:"op"`
	T  string          `json:"t,omitempty"`
	S  *int64          `json:"s,omitempty"`
	ID string          `json:"id,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

// MessagePayload is the d field of GROUP_AT_MESSAGE_CREATE and
// C2C_MESSAGE_CREATE.
type MessagePayload struct {
	ID          string  `json:"id"`
	Content     *string `json:"content"`
	GroupOpenID string  `json:"group_openid,omitempty"`
	Timestamp   string  `json:"timestamp,omitempty"`
	Author      Author  `json:"author"`
}

type Author struct {
	MemberOpenID string `json:"member_openid,omitempty"`
	UserOpenID   string `json:"user_openid,omitempty"`
}

// GroupMemberPayload is the d field of GROUP_ADD_ROBOT and GROUP_DEL_ROBOT.
type GroupMemberPayload struct {
	GroupOpenID    string `json:"group_openid"`
	OpMemberOpenID string `json:"op_member_openid"`
}

// FriendPayload is the d field of FRIEND_ADD and FRIEND_DEL.
type FriendPayload struct {
	OpenID string `json:"openid"`
}
