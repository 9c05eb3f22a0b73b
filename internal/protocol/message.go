package protocol

// Frame types emitted by the relay.
const (
	TypePresence      = "presence"
	TypeRoomDestroyed = "roomDestroyed"
	TypeConnected     = "connected"
	TypeNewMessage    = "newMessage"
)

// Frame types accepted from clients.
const (
	TypeControl = "control"
	TypeAck     = "ack"
)

// ActionBurnRoom is the only control action the relay interprets. Every
// other frame is opaque payload and is relayed untouched.
const ActionBurnRoom = "burnRoom"

// Presence reports current room occupancy to every member.
type Presence struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	Count  int    `json:"count"`
}

// RoomDestroyed tells members their room is gone for good.
type RoomDestroyed struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// ChatFrame is the JSON envelope pushed to live chat sockets.
type ChatFrame struct {
	Type        string       `json:"type"`
	Fingerprint string       `json:"fingerprint,omitempty"`
	Message     *PushMessage `json:"message,omitempty"`
}

// PushMessage is the payload inside a newMessage frame.
type PushMessage struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	Payload string `json:"payload"`
}

// Inbound is the envelope for client JSON frames on both socket kinds.
// Frames that do not parse into it, or parse into an unrecognized shape,
// are not errors: room sockets relay them verbatim and chat sockets ignore
// them.
type Inbound struct {
	Type       string   `json:"type"`
	Action     string   `json:"action,omitempty"`
	RoomID     string   `json:"roomId,omitempty"`
	MessageIDs []string `json:"messageIds,omitempty"`
}
