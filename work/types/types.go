package types

import "time"

// Platform identifiers accepted by the listener commands.
const (
	PlatformDouyu    = "douyu"
	PlatformDouyin   = "douyin"
	PlatformHuya     = "huya"
	PlatformBilibili = "bilibili"
)

// Platforms lists every platform that gets its own listener registry.
var Platforms = []string{PlatformDouyu, PlatformDouyin, PlatformHuya, PlatformBilibili}

// ChatMessage is one raw frame received from a room's real-time chat feed. Decoding
// platform wire formats happens in the GUI layer; the relay only moves frames.
type ChatMessage struct {
	Platform string    `json:"platform"`
	RoomID   string    `json:"roomId"`
	Text     string    `json:"text,omitempty"`
	Data     []byte    `json:"data,omitempty"` // binary frames, base64 in JSON
	Received time.Time `json:"received"`
}

// ListenerInfo describes one registered room listener.
type ListenerInfo struct {
	Platform string    `json:"platform"`
	RoomID   string    `json:"roomId"`
	ID       string    `json:"id"`
	Started  time.Time `json:"started"`
	Running  bool      `json:"running"`
}

// ListenerExit records a listener task that has returned.
type ListenerExit struct {
	Platform  string    `json:"platform"`
	RoomID    string    `json:"roomId"`
	ID        string    `json:"id"`
	Started   time.Time `json:"started"`
	Exited    time.Time `json:"exited"`
	Cancelled bool      `json:"cancelled"`       // the exit followed a stop or supersede
	Error     string    `json:"error,omitempty"` // empty for a clean return
}
