package packets

import (
	"fmt"

	"github.com/dcrodman/multiworld/internal/core/bytes"
)

const (
	TileEditType  Type = 0x11
	NetModuleType Type = 0x52
)

// ChatModuleID is the NetModule carrying chat text.
const ChatModuleID uint16 = 1

func init() {
	register(Codec{Type: TileEditType, Name: "TileEdit", Framing: Fixed, MaxSize: HeaderSize + 8,
		New: func() Packet { return &TileEdit{} }})
	register(Codec{Type: NetModuleType, Name: "NetModule", Framing: SideSpecific, MaxSize: MaxFrameSize,
		New: func() Packet { return &NetModule{} }})
}

// TileEdit modifies a single tile.
type TileEdit struct {
	Action byte
	X      int16
	Y      int16
	Flags1 int16
	Flags2 byte
}

func (*TileEdit) Type() Type { return TileEditType }

func (p *TileEdit) Decode(r *bytes.Reader, _ Direction) error {
	p.Action = r.Byte()
	p.X = r.Int16()
	p.Y = r.Int16()
	p.Flags1 = r.Int16()
	p.Flags2 = r.Byte()
	return r.Err()
}

func (p *TileEdit) Encode(w *bytes.Writer, _ Direction) {
	w.Byte(p.Action)
	w.Int16(p.X)
	w.Int16(p.Y)
	w.Int16(p.Flags1)
	w.Byte(p.Flags2)
}

// ChatMessage is the chat NetModule. Clients send a command id and raw text while
// the server sends the author, a NetworkText and a color.
type ChatMessage struct {
	// Client layout.
	Command string
	Text    string

	// Server layout.
	AuthorID byte
	Message  NetworkText
	Color    Color
}

// NetModule multiplexes several sub-protocols. Only the chat module is decoded; the
// payload of any other module is carried through in Payload.
type NetModule struct {
	ModuleID uint16
	Chat     ChatMessage
	Payload  []byte
}

func (*NetModule) Type() Type { return NetModuleType }

// IsChat reports whether the module carries chat.
func (p *NetModule) IsChat() bool { return p.ModuleID == ChatModuleID }

func (p *NetModule) Decode(r *bytes.Reader, dir Direction) error {
	p.ModuleID = r.Uint16()
	if !p.IsChat() {
		p.Payload = r.Rest()
		return r.Err()
	}

	switch dir {
	case FromClient:
		p.Chat.Command = r.String()
		p.Chat.Text = r.String()
	case FromServer:
		p.Chat.AuthorID = r.Byte()
		if err := p.Chat.Message.decode(r, 0); err != nil {
			return err
		}
		p.Chat.Color.decode(r)
	default:
		return fmt.Errorf("%w: %d", ErrWrongDirection, dir)
	}
	return r.Err()
}

func (p *NetModule) Encode(w *bytes.Writer, dir Direction) {
	w.Uint16(p.ModuleID)
	if !p.IsChat() {
		w.Raw(p.Payload)
		return
	}

	if dir == FromClient {
		w.String(p.Chat.Command)
		w.String(p.Chat.Text)
		return
	}
	w.Byte(p.Chat.AuthorID)
	p.Chat.Message.encode(w)
	p.Chat.Color.encode(w)
}

// ServerAuthor is the AuthorID used for messages that come from the server itself.
const ServerAuthor byte = 0xFF

// ChatCommandSay is the command id clients use for plain chat.
const ChatCommandSay = "Say"

// ServerChat builds the server-side chat frame for text.
func ServerChat(text string, color Color) []byte {
	return MustMarshal(&NetModule{
		ModuleID: ChatModuleID,
		Chat:     ChatMessage{AuthorID: ServerAuthor, Message: Literal(text), Color: color},
	}, FromServer)
}
