package model

import (
	"errors"
	"fmt"
)

// Role is a side of the matchmaking queue.
type Role string

const (
	RoleVenter   Role = "venter"
	RoleListener Role = "listener"
)

var ErrUnknownRole = errors.New("unknown role")

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleVenter:
		return RoleVenter, nil
	case RoleListener:
		return RoleListener, nil
	}
	return "", ErrUnknownRole
}

// Client event types accepted by the server.
const (
	EventJoinQueue = "joinQueue"
	EventJoinRoom  = "joinRoom"
	EventMessage   = "message"
	EventLeaveRoom = "leaveRoom"
)

// Notice types sent by the server.
const (
	NoticeRoomJoined = "roomJoined"
	NoticeMessage    = "message"
)

// Event is an inbound client request.
type Event struct {
	SRC  string `json:"-"` // server re-assigns this based on websocket session
	Type string `json:"type"`
	Role string `json:"role,omitempty"`
	Room string `json:"room,omitempty"`
	Text string `json:"text,omitempty"`
}

// Notice is an outbound server message.
type Notice struct {
	DST  string `json:"-"` // empty means broadcast
	SRC  string `json:"-"` // origin connection, excluded from broadcasts
	Type string `json:"type"`
	Room string `json:"room,omitempty"`
	Text string `json:"text,omitempty"`
}

type Wire struct {
	RX chan Event
	TX chan Notice
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Event),
		TX: make(chan Notice),
	}
}

type Room struct {
	Name    string   `json:"room"`
	Members []string `json:"members"`
}

// Status is a point-in-time occupancy snapshot.
type Status struct {
	Venters   int `json:"venters_waiting"`
	Listeners int `json:"listeners_waiting"`
	Rooms     int `json:"rooms"`
}

// PairingResult is produced once per successful pairing and consumed
// to notify both members.
type PairingResult struct {
	VenterID   string
	ListenerID string
	Room       string
}

// RoomName derives the deterministic room name for a pairing.
func RoomName(venterID, listenerID string) string {
	return fmt.Sprintf("room-%s-%s", venterID, listenerID)
}
