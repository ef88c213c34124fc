package control

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"meetrelay/internal/codec"
	"meetrelay/internal/protocol"
)

// Connection is one accepted TCP control-plane connection. Its state
// machine (UNAUTH -> AUTH -> IN_ROOM, spec §4.5) is derived rather than
// stored explicitly: unauthenticated until username is set; in a room
// whenever the room registry says so. This keeps the only source of truth
// for room membership in the room registry, matching the spec's ownership
// rule (§3).
type Connection struct {
	conn net.Conn
	deps *Deps

	writeMu sync.Mutex

	username string
	secure   bool
	key      []byte

	udpPorts map[string]int

	// openTransfers tracks transfer ids this connection has announced via
	// file_meta but not yet completed (spec §4.6: chunks/completes for an
	// unannounced transfer id are dropped silently).
	openTransfers map[string]bool
}

func newConnection(conn net.Conn, deps *Deps) *Connection {
	return &Connection{conn: conn, deps: deps, udpPorts: map[string]int{}, openTransfers: map[string]bool{}}
}

// serve runs the connection's read loop until it errors out or ctx is
// cancelled, then performs cleanup (spec §4.5 termination behavior).
func (c *Connection) serve(ctx context.Context) {
	defer c.cleanup()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		select {
		case <-connCtx.Done():
			return
		default:
		}

		if c.deps.IdleTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.deps.IdleTimeout))
		}

		msg, err := c.readMessage()
		if err != nil {
			// A plaintext frame that is not valid JSON gets a generic error
			// reply and the connection continues (spec §4.3).
			var synErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if !c.secure && (errors.As(err, &synErr) || errors.As(err, &typeErr)) {
				if werr := c.writeMessage(protocol.Err("malformed message")); werr != nil {
					return
				}
				continue
			}
			if c.username != "" {
				slog.Info("control: connection closed", "user", c.username, "err", err)
			}
			return
		}

		if c.username != "" {
			c.deps.Sessions.Touch(c.username)
		}

		reply, closeAfter := c.dispatch(connCtx, msg)
		if reply != nil {
			if err := c.writeMessage(*reply); err != nil {
				return
			}
		}
		if closeAfter {
			return
		}
	}
}

// drainInbox forwards room-broadcast / DM messages posted to this
// connection's inbox out over the wire. It runs for the lifetime of an
// authenticated session.
func (c *Connection) drainInbox(ctx context.Context, inbox <-chan protocol.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbox:
			if !ok {
				return
			}
			if err := c.writeMessage(msg); err != nil {
				return
			}
		}
	}
}

func (c *Connection) readMessage() (protocol.Message, error) {
	var msg protocol.Message
	var err error
	if c.secure {
		err = codec.ReadSecure(c.conn, c.key, &msg)
	} else {
		err = codec.ReadPlain(c.conn, &msg)
	}
	return msg, err
}

func (c *Connection) writeMessage(msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.secure {
		return codec.WriteSecure(c.conn, c.key, msg)
	}
	return codec.WritePlain(c.conn, msg)
}

// writePlain writes msg unencrypted regardless of c.secure. Used only for
// login_ok, which spec §4.3 pins as the last plaintext frame: the AES-GCM
// key it carries would otherwise be needed to decrypt the very message
// that delivers it.
func (c *Connection) writePlain(msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return codec.WritePlain(c.conn, msg)
}

func (c *Connection) cleanup() {
	c.conn.Close()
	if c.username != "" {
		c.deps.Rooms.Disconnect(c.username)
		c.deps.Sessions.End(c.username)
	}
}

// dispatch handles one inbound message, returning an optional immediate
// reply and whether the connection should be closed afterward.
func (c *Connection) dispatch(ctx context.Context, msg protocol.Message) (*protocol.Message, bool) {
	switch msg.Type {
	case protocol.TypeLogin:
		return c.handleLogin(ctx, msg)
	case protocol.TypeLogout:
		reply := protocol.Ok(protocol.TypeLogout)
		return &reply, true
	case protocol.TypeListRooms:
		return c.handleListRooms()
	case protocol.TypeCreateRoom:
		return c.handleCreateRoom(msg)
	case protocol.TypeJoinRoom:
		return c.handleJoinRoom(msg)
	case protocol.TypeLeaveRoom:
		return c.handleLeaveRoom()
	case protocol.TypeChat:
		return c.handleChat(msg)
	case protocol.TypeDM:
		return c.handleDM(msg)
	case protocol.TypeFileMeta:
		return c.handleFileMeta(ctx, msg)
	case protocol.TypeFileChunk:
		return c.handleFileChunk(msg)
	case protocol.TypeFileComplete:
		return c.handleFileComplete(msg)
	case protocol.TypeUDPRegister:
		return c.handleUDPRegister(msg)
	case protocol.TypeKick:
		return c.handleKick(msg)
	default:
		reply := protocol.Err(fmt.Sprintf("unknown command %q", msg.Type))
		return &reply, false
	}
}

func (c *Connection) requireAuth() *protocol.Message {
	if c.username == "" {
		reply := protocol.Err("not authenticated")
		return &reply
	}
	return nil
}

func (c *Connection) requireRoom() (string, *protocol.Message) {
	if errReply := c.requireAuth(); errReply != nil {
		return "", errReply
	}
	name, ok := c.deps.Rooms.CurrentRoom(c.username)
	if !ok {
		reply := protocol.Err("not in a room")
		return "", &reply
	}
	return name, nil
}

func (c *Connection) handleLogin(ctx context.Context, msg protocol.Message) (*protocol.Message, bool) {
	if c.username != "" {
		reply := protocol.Err("already logged in")
		return &reply, false
	}
	if msg.Username == "" || msg.Password == "" {
		reply := protocol.Err("username and password are required")
		return &reply, false
	}
	if c.deps.IsBanned != nil && c.deps.IsBanned(msg.Username) {
		reply := protocol.Err("user is banned")
		return &reply, true
	}

	if c.deps.Creds.Exists(msg.Username) {
		if !c.deps.Creds.Verify(msg.Username, msg.Password) {
			reply := protocol.Err("invalid credentials")
			return &reply, false
		}
	} else {
		if !c.deps.AutoRegister {
			reply := protocol.Err("unknown user")
			return &reply, false
		}
		if err := c.deps.Creds.Add(msg.Username, msg.Password); err != nil {
			reply := protocol.Err("registration failed")
			return &reply, false
		}
	}

	if c.deps.Sessions.IsOnline(msg.Username) {
		reply := protocol.Err("Username in use")
		return &reply, false
	}

	sess, err := c.deps.Sessions.Create(msg.Username)
	if err != nil {
		reply := protocol.Err("internal error")
		return &reply, false
	}

	c.username = msg.Username

	inbox := c.deps.Rooms.Connect(c.username)
	go c.drainInbox(ctx, inbox)

	reply := protocol.Message{
		Type:      protocol.TypeLoginOK,
		OK:        true,
		Token:     sess.Token,
		AESKeyB64: base64.StdEncoding.EncodeToString(sess.Key),
	}
	// login_ok must go out plaintext (spec §4.3, invariant 5, S1): it is
	// the frame that delivers the AES-GCM key, so it cannot itself be
	// encrypted with that key. Write it here directly, then flip to
	// secure mode for everything after.
	if err := c.writePlain(reply); err != nil {
		return nil, true
	}
	c.secure = true
	c.key = sess.Key
	return nil, false
}

func (c *Connection) handleListRooms() (*protocol.Message, bool) {
	if errReply := c.requireAuth(); errReply != nil {
		return errReply, false
	}
	reply := protocol.Message{Type: protocol.TypeRoomList, OK: true, Rooms: c.deps.Rooms.List()}
	return &reply, false
}

func (c *Connection) handleCreateRoom(msg protocol.Message) (*protocol.Message, bool) {
	if errReply := c.requireAuth(); errReply != nil {
		return errReply, false
	}
	if msg.Room == "" {
		reply := protocol.Err("room name is required")
		return &reply, false
	}
	c.deps.Rooms.Create(msg.Room)
	reply := protocol.Ok(protocol.TypeCreateRoom)
	return &reply, false
}

func (c *Connection) handleJoinRoom(msg protocol.Message) (*protocol.Message, bool) {
	if errReply := c.requireAuth(); errReply != nil {
		return errReply, false
	}
	if msg.Room == "" {
		reply := protocol.Err("room name is required")
		return &reply, false
	}
	r, err := c.deps.Rooms.Join(c.username, msg.Room)
	if err != nil {
		reply := protocol.Err(err.Error())
		return &reply, false
	}
	reply := protocol.Message{Type: protocol.TypeRoomJoined, OK: true, Room: msg.Room, Rooms: []protocol.RoomInfo{{Name: r.Name(), Members: r.Count()}}}
	return &reply, false
}

func (c *Connection) handleLeaveRoom() (*protocol.Message, bool) {
	if _, errReply := c.requireRoom(); errReply != nil {
		return errReply, false
	}
	c.deps.Rooms.Leave(c.username)
	reply := protocol.Ok(protocol.TypeLeaveRoom)
	return &reply, false
}

func (c *Connection) handleChat(msg protocol.Message) (*protocol.Message, bool) {
	roomName, errReply := c.requireRoom()
	if errReply != nil {
		return errReply, false
	}
	out := protocol.Message{Type: protocol.TypeChat, From: c.username, Text: msg.Text, Room: roomName}
	c.deps.Rooms.Broadcast(roomName, out, c.username)
	return nil, false
}

func (c *Connection) handleDM(msg protocol.Message) (*protocol.Message, bool) {
	if errReply := c.requireAuth(); errReply != nil {
		return errReply, false
	}
	if msg.To == "" {
		reply := protocol.Err("to is required")
		return &reply, false
	}
	out := protocol.Message{Type: protocol.TypeDM, From: c.username, To: msg.To, Text: msg.Text}
	if !c.deps.Rooms.SendTo(msg.To, out) {
		reply := protocol.Err(fmt.Sprintf("%s is offline", msg.To))
		return &reply, false
	}
	return nil, false
}

func (c *Connection) handleFileMeta(ctx context.Context, msg protocol.Message) (*protocol.Message, bool) {
	if errReply := c.requireAuth(); errReply != nil {
		return errReply, false
	}
	if msg.Size > c.deps.MaxFileSize {
		reply := protocol.Err(fmt.Sprintf("File too large (max %dMB)", c.deps.MaxFileSize>>20))
		return &reply, false
	}
	if c.deps.FileRate != nil && !c.deps.FileRate.Allow(ctx, c.username) {
		reply := protocol.Err("file transfer rate limit exceeded")
		return &reply, false
	}
	c.openTransfers[msg.TransferID] = true
	return c.forwardFileFrame(protocol.Message{
		Type: protocol.TypeFileMeta, From: c.username, To: msg.To,
		TransferID: msg.TransferID, Size: msg.Size, Filename: msg.Filename,
	})
}

func (c *Connection) handleFileChunk(msg protocol.Message) (*protocol.Message, bool) {
	if errReply := c.requireAuth(); errReply != nil {
		return errReply, false
	}
	if !c.openTransfers[msg.TransferID] {
		// Unannounced transfer id: dropped silently (spec §4.6).
		return nil, false
	}
	decodedLen := base64.StdEncoding.DecodedLen(len(msg.ChunkData))
	if int64(decodedLen) > c.deps.MaxChunkSize {
		reply := protocol.Err(fmt.Sprintf("chunk too large (max %d bytes)", c.deps.MaxChunkSize))
		return &reply, false
	}
	return c.forwardFileFrame(protocol.Message{
		Type: protocol.TypeFileChunk, From: c.username, To: msg.To,
		TransferID: msg.TransferID, ChunkIndex: msg.ChunkIndex, ChunkData: msg.ChunkData,
	})
}

func (c *Connection) handleFileComplete(msg protocol.Message) (*protocol.Message, bool) {
	if errReply := c.requireAuth(); errReply != nil {
		return errReply, false
	}
	if !c.openTransfers[msg.TransferID] {
		// Unannounced transfer id: dropped silently (spec §4.6).
		return nil, false
	}
	delete(c.openTransfers, msg.TransferID)
	return c.forwardFileFrame(protocol.Message{
		Type: protocol.TypeFileComplete, From: c.username, To: msg.To, TransferID: msg.TransferID,
	})
}

// forwardFileFrame routes a file-transfer frame either to a named
// recipient (DM-style) or to the sender's current room (broadcast-style),
// per spec §4.6.
func (c *Connection) forwardFileFrame(out protocol.Message) (*protocol.Message, bool) {
	if out.To != "" {
		if !c.deps.Rooms.SendTo(out.To, out) {
			reply := protocol.Err(fmt.Sprintf("%s is offline", out.To))
			return &reply, false
		}
		return nil, false
	}
	roomName, ok := c.deps.Rooms.CurrentRoom(c.username)
	if !ok {
		reply := protocol.Err("not in a room")
		return &reply, false
	}
	c.deps.Rooms.Broadcast(roomName, out, c.username)
	return nil, false
}

func (c *Connection) handleUDPRegister(msg protocol.Message) (*protocol.Message, bool) {
	if errReply := c.requireAuth(); errReply != nil {
		return errReply, false
	}
	if msg.Media != protocol.MediaVoice && msg.Media != protocol.MediaVideo {
		reply := protocol.Err("media must be voice or video")
		return &reply, false
	}
	c.udpPorts[msg.Media] = msg.Port
	reply := protocol.Ok(protocol.TypeUDPRegister)
	return &reply, false
}

func (c *Connection) handleKick(msg protocol.Message) (*protocol.Message, bool) {
	if errReply := c.requireAuth(); errReply != nil {
		return errReply, false
	}
	if msg.User == "" {
		reply := protocol.Err("user is required")
		return &reply, false
	}
	roomName, _ := c.deps.Rooms.CurrentRoom(c.username)
	if err := c.deps.Rooms.Kick(c.username, msg.User); err != nil {
		reply := protocol.Err(err.Error())
		return &reply, false
	}
	if c.deps.Audit != nil {
		c.deps.Audit(c.username, "kick", msg.User, fmt.Sprintf(`{"room":%q}`, roomName))
	}
	reply := protocol.Ok(protocol.TypeKick)
	return &reply, false
}
