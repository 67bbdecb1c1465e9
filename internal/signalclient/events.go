package signalclient

import (
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/signaling"
)

// Event is one inbound signaling notification. Subscribers receive events in
// arrival order on a single goroutine.
type Event interface {
	isEvent()
}

type UserJoined struct {
	UserID   string
	UserName string
	// Existing marks a replay of a participant that was already in the room
	// when this client joined.
	Existing bool
}

type UserLeft struct {
	UserID string
}

type Offer struct {
	SDP          webrtc.SessionDescription
	FromUserID   string
	FromUserName string
}

type Answer struct {
	SDP          webrtc.SessionDescription
	FromUserID   string
	FromUserName string
}

type ICECandidate struct {
	Candidate  webrtc.ICECandidateInit
	FromUserID string
}

type RoomParticipants struct {
	Participants []signaling.Participant
}

// ServerError is an error frame sent by the server (bad_message, room_full,
// session_replaced).
type ServerError struct {
	Code    string
	Message string
}

// Disconnected reports loss of the signaling transport. Reconnecting is true
// when the client will retry on its own.
type Disconnected struct {
	Err          error
	Reconnecting bool
}

// Reconnected follows a successful automatic reconnect and re-join.
type Reconnected struct{}

func (UserJoined) isEvent()       {}
func (UserLeft) isEvent()         {}
func (Offer) isEvent()            {}
func (Answer) isEvent()           {}
func (ICECandidate) isEvent()     {}
func (RoomParticipants) isEvent() {}
func (ServerError) isEvent()      {}
func (Disconnected) isEvent()     {}
func (Reconnected) isEvent()      {}
