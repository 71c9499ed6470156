package signaling

import (
	"reflect"
	"testing"
)

func FuzzParse(f *testing.F) {
	f.Add([]byte(`{"offer":{"type":"offer","sdp":"v=0"}}`))
	f.Add([]byte(`{"iceCandidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host","sdpMid":"0","sdpMLineIndex":0}}`))
	f.Add([]byte(`{"join":true,"userName":"Guest"}`))
	f.Add([]byte(`{"type":"ping"}`))
	f.Add([]byte(`{"leave":true}`))

	f.Add([]byte(`{"offer":{"type":"answer","sdp":"v=0"}}`))
	f.Add([]byte(`{"type":"bogus"}`))
	f.Add([]byte(`[]`))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		msg, err := Parse(data)
		if err != nil {
			return
		}
		if msg.Kind == KindUnknown {
			t.Fatalf("successful parse produced KindUnknown")
		}

		// Anything accepted must re-encode and parse to the same message.
		b, err := Encode(msg)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		round, err := Parse(b)
		if err != nil {
			t.Fatalf("re-parse encoded message: %v (json=%q)", err, string(b))
		}
		if !reflect.DeepEqual(msg, round) {
			t.Fatalf("round-trip mismatch: msg=%#v round=%#v json=%q", msg, round, string(b))
		}
	})
}
