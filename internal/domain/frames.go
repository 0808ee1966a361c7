package domain

import "encoding/json"

// Client -> server frame types.
const (
	FrameAuth        = "auth"
	FrameJoinRoom    = "join_room"
	FrameSendMessage = "send_message"
	FramePing        = "ping"
)

// Server -> client frame types.
const (
	FrameAuthResult = "auth_result"
	FrameNewMessage = "new_message"
	FrameError      = "error"
)

// Local lifecycle events raised by a connection, delivered through the
// same listener registry as server pushes.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventError      = "error"
)

// Frame is the envelope of every socket message in both directions.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type AuthData struct {
	Token string `json:"token"`
}

type AuthResultData struct {
	Success  bool   `json:"success"`
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Message  string `json:"message,omitempty"`
}

type JoinRoomData struct {
	RoomID string `json:"room_id"`
}

// SendMessageData mirrors an outgoing chat line for peer delivery. The
// connection stamps client_timestamp on emit.
type SendMessageData struct {
	ChatID   string `json:"chatId"`
	SenderID string `json:"senderId"`
	Message  string `json:"message"`
	ClientID string `json:"clientId,omitempty"`
}

type ErrorData struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ConnState is the lifecycle state of a real-time connection.
type ConnState string

const (
	ConnUninitialized ConnState = "uninitialized"
	ConnConnecting    ConnState = "connecting"
	ConnConnected     ConnState = "connected"
	ConnDisconnected  ConnState = "disconnected"
	ConnClosed        ConnState = "closed"
)
