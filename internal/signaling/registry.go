package signaling

import (
	"errors"
	"sort"
)

// ConnID identifies one WebSocket connection.
type ConnID string

var (
	ErrRoomFull    = errors.New("signaling: room is full")
	ErrNotJoined   = errors.New("signaling: connection has not joined a room")
	ErrRoutingMiss = errors.New("signaling: target user is not in the room")
)

// Delivery is one outbound message produced by a registry operation.
type Delivery struct {
	To  ConnID
	Msg Message
}

// JoinResult describes side effects of Join beyond the deliveries.
type JoinResult struct {
	Deliveries []Delivery
	// Replaced is the connection that previously held the user ID, if any. It
	// is now unjoined.
	Replaced ConnID
	// LeftRoom is the room the connection was in before this join, if any.
	LeftRoom string
}

type member struct {
	userID   string
	userName string
	conn     ConnID
	seq      uint64
}

type room struct {
	id      string
	members map[string]*member
}

type membership struct {
	roomID string
	userID string
}

// Registry tracks rooms and their members. It is not safe for concurrent use;
// the hub goroutine owns it.
type Registry struct {
	maxPerRoom int

	rooms map[string]*room
	conns map[ConnID]membership
	seq   uint64
}

// NewRegistry returns an empty registry. maxPerRoom <= 0 means unlimited.
func NewRegistry(maxPerRoom int) *Registry {
	return &Registry{
		maxPerRoom: maxPerRoom,
		rooms:      make(map[string]*room),
		conns:      make(map[ConnID]membership),
	}
}

// Join registers conn as userID in roomID.
//
// A connection already in a room leaves it first. If userID is registered
// from another connection, that connection is unjoined (last writer wins) and
// the room sees user-left for the stale registration before user-joined.
func (r *Registry) Join(conn ConnID, roomID, userID, userName string) (JoinResult, error) {
	if userName == "" {
		userName = userID
	}

	if r.maxPerRoom > 0 {
		if rm, ok := r.rooms[roomID]; ok && r.occupancyAfterJoin(rm, conn, userID) > r.maxPerRoom {
			return JoinResult{}, ErrRoomFull
		}
	}

	var res JoinResult
	if prev, ok := r.conns[conn]; ok {
		res.LeftRoom = prev.roomID
		res.Deliveries = append(res.Deliveries, r.leave(conn)...)
	}

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{id: roomID, members: make(map[string]*member)}
		r.rooms[roomID] = rm
	}

	if stale, ok := rm.members[userID]; ok {
		res.Replaced = stale.conn
		delete(r.conns, stale.conn)
		delete(rm.members, userID)
		res.Deliveries = append(res.Deliveries, Delivery{
			To:  stale.conn,
			Msg: errorMessage(CodeSessionReplaced, "user ID joined from another connection"),
		})
		for _, m := range rm.ordered() {
			res.Deliveries = append(res.Deliveries, Delivery{
				To:  m.conn,
				Msg: Message{Type: TypeUserLeft, UserID: userID},
			})
		}
	}

	existing := rm.ordered()

	r.seq++
	rm.members[userID] = &member{userID: userID, userName: userName, conn: conn, seq: r.seq}
	r.conns[conn] = membership{roomID: roomID, userID: userID}

	for _, m := range existing {
		res.Deliveries = append(res.Deliveries, Delivery{
			To:  m.conn,
			Msg: Message{Type: TypeUserJoined, UserID: userID, UserName: userName},
		})
	}
	for _, m := range existing {
		res.Deliveries = append(res.Deliveries, Delivery{
			To:  conn,
			Msg: Message{Type: TypeUserJoined, UserID: m.userID, UserName: m.userName, Existing: true},
		})
	}
	res.Deliveries = append(res.Deliveries, Delivery{
		To:  conn,
		Msg: Message{Type: TypeRoomParticipants, RoomID: roomID, Participants: rm.participants()},
	})
	return res, nil
}

// Leave removes conn's membership, notifying the remaining members and
// deleting the room once empty. It is a no-op for unjoined connections.
func (r *Registry) Leave(conn ConnID) []Delivery {
	return r.leave(conn)
}

func (r *Registry) leave(conn ConnID) []Delivery {
	ms, ok := r.conns[conn]
	if !ok {
		return nil
	}
	delete(r.conns, conn)

	rm, ok := r.rooms[ms.roomID]
	if !ok {
		return nil
	}
	delete(rm.members, ms.userID)
	if len(rm.members) == 0 {
		delete(r.rooms, ms.roomID)
		return nil
	}

	out := make([]Delivery, 0, len(rm.members))
	for _, m := range rm.ordered() {
		out = append(out, Delivery{
			To:  m.conn,
			Msg: Message{Type: TypeUserLeft, UserID: ms.userID},
		})
	}
	return out
}

// Route addresses an offer, answer or ICE candidate from conn to the member
// named by msg.ToUserID in the sender's room. FromUserID is always the
// sender's registered ID; FromUserName is attached to offers and answers.
func (r *Registry) Route(conn ConnID, msg Message) (Delivery, error) {
	ms, ok := r.conns[conn]
	if !ok {
		return Delivery{}, ErrNotJoined
	}
	rm := r.rooms[ms.roomID]
	target, ok := rm.members[msg.ToUserID]
	if !ok {
		return Delivery{}, ErrRoutingMiss
	}
	sender := rm.members[ms.userID]

	out := Message{
		Type:       msg.Type,
		ToUserID:   msg.ToUserID,
		FromUserID: sender.userID,
		Offer:      msg.Offer,
		Answer:     msg.Answer,
		Candidate:  msg.Candidate,
	}
	if msg.Type == TypeOffer || msg.Type == TypeAnswer {
		out.FromUserName = sender.userName
	}
	return Delivery{To: target.conn, Msg: out}, nil
}

// Membership reports the room and user ID conn is joined as.
func (r *Registry) Membership(conn ConnID) (roomID, userID string, ok bool) {
	ms, ok := r.conns[conn]
	return ms.roomID, ms.userID, ok
}

// Members returns a join-ordered snapshot of a room. It is nil for unknown
// rooms.
func (r *Registry) Members(roomID string) []Participant {
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return rm.participants()
}

// RoomCount reports the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	return len(r.rooms)
}

func (r *Registry) occupancyAfterJoin(rm *room, conn ConnID, userID string) int {
	n := len(rm.members) + 1
	if ms, ok := r.conns[conn]; ok && ms.roomID == rm.id {
		n--
	}
	if m, ok := rm.members[userID]; ok && m.conn != conn {
		n--
	}
	return n
}

func (rm *room) ordered() []*member {
	out := make([]*member, 0, len(rm.members))
	for _, m := range rm.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (rm *room) participants() []Participant {
	ordered := rm.ordered()
	out := make([]Participant, 0, len(ordered))
	for _, m := range ordered {
		out = append(out, Participant{UserID: m.userID, UserName: m.userName})
	}
	return out
}
