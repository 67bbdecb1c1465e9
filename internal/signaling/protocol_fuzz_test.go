package signaling

import (
	"bytes"
	"encoding/json"
	"reflect"
	"testing"
)

func FuzzParseClientMessage(f *testing.F) {
	f.Add([]byte(`{"type":"join-room","roomId":"standup","userId":"alice","userName":"Alice"}`))
	f.Add([]byte(`{"type":"leave-room"}`))
	f.Add([]byte(`{"type":"offer","toUserId":"bob","offer":{"type":"offer","sdp":"v=0"}}`))
	f.Add([]byte(`{"type":"answer","toUserId":"alice","answer":{"type":"answer","sdp":"v=0"}}`))
	f.Add([]byte(`{"type":"ice-candidate","toUserId":"bob","candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 9 typ host","sdpMid":"0","sdpMLineIndex":0}}`))

	// Rejected shapes.
	f.Add([]byte(`{"type":"user-joined","userId":"alice","existing":true}`))
	f.Add([]byte(`{"type":"offer","toUserId":"bob","offer":"v=0"}`))
	f.Add([]byte(`{"type":"offer","toUserId":"bob","offer":{},"answer":{}}`))
	f.Add([]byte(`{"type":"join-room","roomId":"r","userId":"u","extra":1}`))
	f.Add([]byte(`{"type":"leave-room"}{"type":"leave-room"}`))
	f.Add([]byte(`[]`))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		msg1, err1 := ParseClientMessage(data)
		msg2, err2 := ParseClientMessage(data)
		if (err1 == nil) != (err2 == nil) {
			t.Fatalf("non-deterministic parse result: err1=%v err2=%v", err1, err2)
		}
		if err1 != nil {
			return
		}
		if !reflect.DeepEqual(msg1, msg2) {
			t.Fatalf("non-deterministic parse output: msg1=%#v msg2=%#v", msg1, msg2)
		}
		if err := msg1.validateClient(); err != nil {
			t.Fatalf("validateClient failed after successful parse: %v", err)
		}

		// Payloads are forwarded verbatim, so a re-encoded message must parse
		// back to the same wire form.
		b1, err := json.Marshal(msg1)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		round, err := ParseClientMessage(b1)
		if err != nil {
			t.Fatalf("re-parse marshaled message: %v (json=%q)", err, b1)
		}
		b2, err := json.Marshal(round)
		if err != nil {
			t.Fatalf("marshal round: %v", err)
		}
		if !bytes.Equal(b1, b2) {
			t.Fatalf("round-trip mismatch: %q != %q", b1, b2)
		}
	})
}
