package udprelay

import "testing"

func TestEncodeParseRoundTrip(t *testing.T) {
	want := Packet{
		Type:    TypeVoice,
		Seq:     42,
		Room:    "R",
		User:    "alice",
		Payload: []byte{1, 2, 3, 4},
	}
	got, err := Parse(Encode(want))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Type != want.Type || got.Seq != want.Seq || got.Room != want.Room || got.User != want.User {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if string(got.Payload) != string(want.Payload) {
		t.Fatalf("payload mismatch: got %v, want %v", got.Payload, want.Payload)
	}
}

func TestParseBadMagic(t *testing.T) {
	raw := Encode(Packet{Type: TypeJoin, Room: "R", User: "u"})
	raw[0] = 'X'
	if _, err := Parse(raw); err != ErrBadMagic {
		t.Fatalf("got %v, want ErrBadMagic", err)
	}
}

func TestParseTruncated(t *testing.T) {
	if _, err := Parse([]byte{'H', 'P'}); err != ErrTruncated {
		t.Fatalf("got %v, want ErrTruncated", err)
	}
	raw := Encode(Packet{Type: TypeJoin, Room: "longroomname", User: "u"})
	if _, err := Parse(raw[:headerLen+2]); err != ErrTruncated {
		t.Fatalf("got %v, want ErrTruncated", err)
	}
}
