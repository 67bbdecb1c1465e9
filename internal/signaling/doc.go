// Package signaling implements the room-membership and message-relay server
// used by mesh call participants to exchange WebRTC offers, answers and ICE
// candidates over WebSocket.
//
// A single hub goroutine owns the Registry. Each WebSocket connection runs a
// read pump and a write pump that only perform I/O and feed the hub through
// channels.
package signaling
