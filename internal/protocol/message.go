// Package protocol defines the control-plane message envelope shared by the
// TCP server and the WebSocket gateway.
package protocol

import "encoding/json"

// Command/reply type tags. A message carries exactly one of these in Type.
const (
	TypeLogin        = "login"
	TypeLoginOK      = "login_ok"
	TypeLogout       = "logout"
	TypeListRooms    = "list_rooms"
	TypeRoomList     = "room_list"
	TypeCreateRoom   = "create_room"
	TypeJoinRoom     = "join_room"
	TypeRoomJoined   = "room_joined"
	TypeLeaveRoom    = "leave_room"
	TypeParticipant  = "participant_joined"
	TypeParticipantL = "participant_left"
	TypeChat         = "chat"
	TypeDM           = "dm"
	TypeFileMeta     = "file_meta"
	TypeFileChunk    = "file_chunk"
	TypeFileComplete = "file_complete"
	TypeUDPRegister  = "udp_register"
	TypeKick         = "kick"
	TypeKicked       = "kicked"
	TypeError        = "error"
	TypeOK           = "ok"
)

// Media kinds for udp_register.
const (
	MediaVoice = "voice"
	MediaVideo = "video"
)

// Message is the control-plane frame carried both pre- and
// post-authentication, over TCP or over the WebSocket gateway. Envelope
// fields (type, id, ok/error, session/routing metadata) sit at the top
// level; everything command-specific is nested under "payload" on the
// wire (spec §6), via MarshalJSON/UnmarshalJSON below. Go code elsewhere
// in the tree reads and writes these as plain flat fields; only the JSON
// encoding is nested.
type Message struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`

	Token     string `json:"token,omitempty"`
	AESKeyB64 string `json:"aes_key_b64,omitempty"`

	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	Username string `json:"-"`
	Password string `json:"-"`

	Room  string     `json:"-"`
	Rooms []RoomInfo `json:"-"`

	Text string `json:"-"`

	TransferID string `json:"-"`
	Size       int64  `json:"-"`
	ChunkIndex int    `json:"-"`
	ChunkData  string `json:"-"`
	Filename   string `json:"-"`

	Media string `json:"-"`
	Port  int    `json:"-"`

	User string `json:"-"`
}

// RoomInfo is the public summary returned by list_rooms.
type RoomInfo struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
}

// payload is the nested "payload" object carrying every command-specific
// field (spec §6: `{type: <command>, payload: {...}}`; S3's
// `{"type":"chat","from":"alice","payload":{"text":"hi"}}`).
type payload struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	Room  string     `json:"room,omitempty"`
	Rooms []RoomInfo `json:"rooms,omitempty"`

	Text string `json:"text,omitempty"`

	TransferID string `json:"transfer_id,omitempty"`
	Size       int64  `json:"size,omitempty"`
	ChunkIndex int    `json:"chunk_index,omitempty"`
	ChunkData  string `json:"chunk_data,omitempty"`
	Filename   string `json:"filename,omitempty"`

	Media string `json:"media,omitempty"`
	Port  int    `json:"port,omitempty"`

	User string `json:"user,omitempty"`
}

func (p payload) empty() bool {
	return p.Username == "" && p.Password == "" &&
		p.Room == "" && len(p.Rooms) == 0 &&
		p.Text == "" &&
		p.TransferID == "" && p.Size == 0 && p.ChunkIndex == 0 && p.ChunkData == "" && p.Filename == "" &&
		p.Media == "" && p.Port == 0 &&
		p.User == ""
}

// wireMessage is the literal JSON shape: envelope fields plus an optional
// nested payload.
type wireMessage struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`

	Token     string `json:"token,omitempty"`
	AESKeyB64 string `json:"aes_key_b64,omitempty"`

	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	Payload *payload `json:"payload,omitempty"`
}

// MarshalJSON nests every command-specific field under "payload",
// matching the spec's external wire interface (§6).
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		Type:      m.Type,
		ID:        m.ID,
		OK:        m.OK,
		Error:     m.Error,
		Token:     m.Token,
		AESKeyB64: m.AESKeyB64,
		From:      m.From,
		To:        m.To,
	}
	p := payload{
		Username:   m.Username,
		Password:   m.Password,
		Room:       m.Room,
		Rooms:      m.Rooms,
		Text:       m.Text,
		TransferID: m.TransferID,
		Size:       m.Size,
		ChunkIndex: m.ChunkIndex,
		ChunkData:  m.ChunkData,
		Filename:   m.Filename,
		Media:      m.Media,
		Port:       m.Port,
		User:       m.User,
	}
	if !p.empty() {
		w.Payload = &p
	}
	return json.Marshal(w)
}

// UnmarshalJSON reverses MarshalJSON, flattening a nested "payload" object
// back onto the Go struct's fields.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{
		Type:      w.Type,
		ID:        w.ID,
		OK:        w.OK,
		Error:     w.Error,
		Token:     w.Token,
		AESKeyB64: w.AESKeyB64,
		From:      w.From,
		To:        w.To,
	}
	if w.Payload != nil {
		m.Username = w.Payload.Username
		m.Password = w.Payload.Password
		m.Room = w.Payload.Room
		m.Rooms = w.Payload.Rooms
		m.Text = w.Payload.Text
		m.TransferID = w.Payload.TransferID
		m.Size = w.Payload.Size
		m.ChunkIndex = w.Payload.ChunkIndex
		m.ChunkData = w.Payload.ChunkData
		m.Filename = w.Payload.Filename
		m.Media = w.Payload.Media
		m.Port = w.Payload.Port
		m.User = w.Payload.User
	}
	return nil
}

// Err builds a soft error reply.
func Err(msg string) Message {
	return Message{Type: TypeError, OK: false, Error: msg}
}

// Ok builds a generic success reply of the given type.
func Ok(typ string) Message {
	return Message{Type: typ, OK: true}
}
