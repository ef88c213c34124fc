package control

import (
	"context"
	"encoding/base64"
	"net"
	"testing"
	"time"

	"meetrelay/internal/codec"
	"meetrelay/internal/creds"
	"meetrelay/internal/protocol"
	"meetrelay/internal/room"
	"meetrelay/internal/session"
)

type testClient struct {
	conn   net.Conn
	secure bool
	key    []byte
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{conn: conn}
}

func (tc *testClient) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	var err error
	if tc.secure {
		err = codec.WriteSecure(tc.conn, tc.key, msg)
	} else {
		err = codec.WritePlain(tc.conn, msg)
	}
	if err != nil {
		t.Fatalf("send: %v", err)
	}
}

func (tc *testClient) recv(t *testing.T) protocol.Message {
	t.Helper()
	var msg protocol.Message
	var err error
	tc.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if tc.secure {
		err = codec.ReadSecure(tc.conn, tc.key, &msg)
	} else {
		err = codec.ReadPlain(tc.conn, &msg)
	}
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	return msg
}

func (tc *testClient) login(t *testing.T, user, pass string) protocol.Message {
	t.Helper()
	tc.send(t, protocol.Message{Type: protocol.TypeLogin, Username: user, Password: pass})
	reply := tc.recv(t)
	if reply.Type == protocol.TypeLoginOK {
		key, err := base64.StdEncoding.DecodeString(reply.AESKeyB64)
		if err != nil {
			t.Fatalf("decode key: %v", err)
		}
		tc.key = key
		tc.secure = true
	}
	return reply
}

func newTestServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	deps := &Deps{
		Creds:        mustCredsStore(t),
		Sessions:     session.NewRegistry(),
		Rooms:        room.NewRegistry(),
		FileRate:     NewFileMetaLimiter(5, time.Minute),
		AutoRegister: true,
		MaxFileSize:  20 << 20,
		MaxChunkSize: int64(1.5 * 1024 * 1024),
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer("", deps)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, ln)
	return ln.Addr().String(), cancel
}

func mustCredsStore(t *testing.T) *creds.Store {
	t.Helper()
	s, err := creds.Open(t.TempDir() + "/users.json")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoginHandshake(t *testing.T) {
	addr, stop := newTestServer(t)
	defer stop()

	tc := dial(t, addr)
	reply := tc.login(t, "alice", "pw")
	if reply.Type != protocol.TypeLoginOK || !reply.OK {
		t.Fatalf("got %+v", reply)
	}
	if reply.Token == "" || reply.AESKeyB64 == "" {
		t.Fatalf("expected token and key, got %+v", reply)
	}
}

func TestDuplicateOnlineLoginRejected(t *testing.T) {
	addr, stop := newTestServer(t)
	defer stop()

	tc1 := dial(t, addr)
	tc1.login(t, "alice", "pw")

	tc2 := dial(t, addr)
	reply := tc2.login(t, "alice", "pw")
	if reply.OK || reply.Error == "" {
		t.Fatalf("expected duplicate-login rejection, got %+v", reply)
	}
}

func TestChatBroadcastExcludesSender(t *testing.T) {
	addr, stop := newTestServer(t)
	defer stop()

	alice := dial(t, addr)
	alice.login(t, "alice", "pw")
	bob := dial(t, addr)
	bob.login(t, "bob", "pw")

	alice.send(t, protocol.Message{Type: protocol.TypeJoinRoom, Room: "R"})
	alice.recv(t) // room_joined

	bob.send(t, protocol.Message{Type: protocol.TypeJoinRoom, Room: "R"})
	bob.recv(t)          // room_joined
	alice.recv(t)         // participant_joined notice about bob

	alice.send(t, protocol.Message{Type: protocol.TypeChat, Text: "hi"})
	msg := bob.recv(t)
	if msg.Type != protocol.TypeChat || msg.Text != "hi" || msg.From != "alice" {
		t.Fatalf("got %+v", msg)
	}

	alice.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var echoed protocol.Message
	if err := codec.ReadSecure(alice.conn, alice.key, &echoed); err == nil {
		t.Fatalf("alice should not receive her own chat, got %+v", echoed)
	}
}

func TestFileMetaSizeCapRejected(t *testing.T) {
	addr, stop := newTestServer(t)
	defer stop()

	tc := dial(t, addr)
	tc.login(t, "alice", "pw")
	tc.send(t, protocol.Message{Type: protocol.TypeJoinRoom, Room: "R"})
	tc.recv(t)

	tc.send(t, protocol.Message{Type: protocol.TypeFileMeta, TransferID: "t1", Size: 20*1024*1024 + 1})
	reply := tc.recv(t)
	if reply.OK {
		t.Fatalf("expected oversize file_meta to be rejected, got %+v", reply)
	}
}

func TestFileChunkUnknownTransferDropped(t *testing.T) {
	addr, stop := newTestServer(t)
	defer stop()

	alice := dial(t, addr)
	alice.login(t, "alice", "pw")
	bob := dial(t, addr)
	bob.login(t, "bob", "pw")

	alice.send(t, protocol.Message{Type: protocol.TypeJoinRoom, Room: "R"})
	alice.recv(t) // room_joined
	bob.send(t, protocol.Message{Type: protocol.TypeJoinRoom, Room: "R"})
	bob.recv(t)          // room_joined
	alice.recv(t)         // participant_joined notice about bob

	// No prior file_meta announced "t1": the chunk must be dropped silently,
	// with no reply to alice and nothing forwarded to bob.
	alice.send(t, protocol.Message{Type: protocol.TypeFileChunk, TransferID: "t1", ChunkIndex: 0, ChunkData: "AAAA"})

	alice.send(t, protocol.Message{Type: protocol.TypeChat, Text: "ping"})
	msg := bob.recv(t)
	if msg.Type != protocol.TypeChat || msg.Text != "ping" {
		t.Fatalf("expected only the chat to arrive (chunk for unknown transfer dropped), got %+v", msg)
	}
}

func TestFileTransferLifecycleTracksTransferID(t *testing.T) {
	addr, stop := newTestServer(t)
	defer stop()

	alice := dial(t, addr)
	alice.login(t, "alice", "pw")
	bob := dial(t, addr)
	bob.login(t, "bob", "pw")

	alice.send(t, protocol.Message{Type: protocol.TypeJoinRoom, Room: "R"})
	alice.recv(t) // room_joined
	bob.send(t, protocol.Message{Type: protocol.TypeJoinRoom, Room: "R"})
	bob.recv(t)          // room_joined
	alice.recv(t)         // participant_joined notice about bob

	alice.send(t, protocol.Message{Type: protocol.TypeFileMeta, TransferID: "t1", Size: 4, Filename: "a.bin"})
	if msg := bob.recv(t); msg.Type != protocol.TypeFileMeta || msg.TransferID != "t1" {
		t.Fatalf("expected file_meta to forward, got %+v", msg)
	}

	alice.send(t, protocol.Message{Type: protocol.TypeFileChunk, TransferID: "t1", ChunkIndex: 0, ChunkData: "AAAA"})
	if msg := bob.recv(t); msg.Type != protocol.TypeFileChunk || msg.TransferID != "t1" {
		t.Fatalf("expected file_chunk to forward for an announced transfer, got %+v", msg)
	}

	alice.send(t, protocol.Message{Type: protocol.TypeFileComplete, TransferID: "t1"})
	if msg := bob.recv(t); msg.Type != protocol.TypeFileComplete || msg.TransferID != "t1" {
		t.Fatalf("expected file_complete to forward, got %+v", msg)
	}

	// t1 is now closed out: a further chunk for it must be dropped silently.
	alice.send(t, protocol.Message{Type: protocol.TypeFileChunk, TransferID: "t1", ChunkIndex: 1, ChunkData: "BBBB"})
	alice.send(t, protocol.Message{Type: protocol.TypeChat, Text: "ping"})
	msg := bob.recv(t)
	if msg.Type != protocol.TypeChat {
		t.Fatalf("expected the late chunk for a completed transfer to be dropped, got %+v", msg)
	}
}

func TestKickRequiresOwnership(t *testing.T) {
	addr, stop := newTestServer(t)
	defer stop()

	alice := dial(t, addr)
	alice.login(t, "alice", "pw")
	bob := dial(t, addr)
	bob.login(t, "bob", "pw")

	alice.send(t, protocol.Message{Type: protocol.TypeJoinRoom, Room: "R"})
	alice.recv(t)
	bob.send(t, protocol.Message{Type: protocol.TypeJoinRoom, Room: "R"})
	bob.recv(t)
	alice.recv(t) // participant_joined

	bob.send(t, protocol.Message{Type: protocol.TypeKick, User: "alice"})
	reply := bob.recv(t)
	if reply.OK {
		t.Fatalf("expected non-owner kick to be rejected, got %+v", reply)
	}

	alice.send(t, protocol.Message{Type: protocol.TypeKick, User: "bob"})
	reply = alice.recv(t)
	if !reply.OK {
		t.Fatalf("expected owner kick to succeed, got %+v", reply)
	}
	kicked := bob.recv(t)
	if kicked.Type != protocol.TypeKicked {
		t.Fatalf("expected bob to receive a kicked notice, got %+v", kicked)
	}
}
