package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

type MessageType string

const (
	TypeJoinRoom         MessageType = "join-room"
	TypeLeaveRoom        MessageType = "leave-room"
	TypeUserJoined       MessageType = "user-joined"
	TypeUserLeft         MessageType = "user-left"
	TypeRoomParticipants MessageType = "room-participants"
	TypeOffer            MessageType = "offer"
	TypeAnswer           MessageType = "answer"
	TypeICECandidate     MessageType = "ice-candidate"
	TypeError            MessageType = "error"
)

// Error codes carried by TypeError messages.
const (
	CodeBadMessage      = "bad_message"
	CodeRoomFull        = "room_full"
	CodeSessionReplaced = "session_replaced"
)

const maxIDLength = 256

// Participant is one room member as seen on the wire.
type Participant struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// Message is the JSON envelope for every frame in both directions. Payloads
// (offer, answer, candidate) are carried opaquely so the server forwards them
// verbatim.
type Message struct {
	Type MessageType `json:"type"`

	RoomID   string `json:"roomId,omitempty"`
	UserID   string `json:"userId,omitempty"`
	UserName string `json:"userName,omitempty"`
	Existing bool   `json:"existing,omitempty"`

	Participants []Participant `json:"participants,omitempty"`

	ToUserID     string          `json:"toUserId,omitempty"`
	FromUserID   string          `json:"fromUserId,omitempty"`
	FromUserName string          `json:"fromUserName,omitempty"`
	Offer        json.RawMessage `json:"offer,omitempty"`
	Answer       json.RawMessage `json:"answer,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

var errTrailingData = errors.New("unexpected trailing data")

// ParseClientMessage strictly decodes and validates a client-to-server frame.
// Unknown fields, trailing data, server-only types and missing required
// fields are rejected.
func ParseClientMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, errTrailingData
	}
	if err := msg.validateClient(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) validateClient() error {
	if m.Existing || len(m.Participants) > 0 || m.Code != "" || m.Message != "" {
		return fmt.Errorf("%s message has server-only fields", m.Type)
	}

	switch m.Type {
	case TypeJoinRoom:
		if err := checkID("roomId", m.RoomID); err != nil {
			return err
		}
		if err := checkID("userId", m.UserID); err != nil {
			return err
		}
		if len(m.UserName) > maxIDLength {
			return fmt.Errorf("userName longer than %d bytes", maxIDLength)
		}
		if m.ToUserID != "" || m.hasPayload() {
			return fmt.Errorf("join-room message has unexpected fields")
		}
	case TypeLeaveRoom:
		if m.RoomID != "" || m.UserID != "" || m.ToUserID != "" || m.hasPayload() {
			return fmt.Errorf("leave-room message has unexpected fields")
		}
	case TypeOffer:
		return m.validateRouted(m.Offer, "offer")
	case TypeAnswer:
		return m.validateRouted(m.Answer, "answer")
	case TypeICECandidate:
		return m.validateRouted(m.Candidate, "candidate")
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

func (m Message) validateRouted(payload json.RawMessage, field string) error {
	if err := checkID("toUserId", m.ToUserID); err != nil {
		return err
	}
	if !isJSONObject(payload) {
		return fmt.Errorf("%s message missing %s object", m.Type, field)
	}
	var n int
	for _, p := range []json.RawMessage{m.Offer, m.Answer, m.Candidate} {
		if len(p) > 0 {
			n++
		}
	}
	if n != 1 || m.RoomID != "" || m.UserID != "" || m.UserName != "" {
		return fmt.Errorf("%s message has unexpected fields", m.Type)
	}
	return nil
}

func (m Message) hasPayload() bool {
	return len(m.Offer) > 0 || len(m.Answer) > 0 || len(m.Candidate) > 0 || m.FromUserID != "" || m.FromUserName != ""
}

func checkID(field, v string) error {
	if v == "" {
		return fmt.Errorf("missing %s", field)
	}
	if len(v) > maxIDLength {
		return fmt.Errorf("%s longer than %d bytes", field, maxIDLength)
	}
	return nil
}

func isJSONObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) >= 2 && raw[0] == '{' && raw[len(raw)-1] == '}'
}

func errorMessage(code, message string) Message {
	return Message{Type: TypeError, Code: code, Message: message}
}
