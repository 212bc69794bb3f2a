package packets

import "github.com/dcrodman/multiworld/internal/core/bytes"

// Packets exchanged while a connection is being admitted.
const (
	ConnectRequestType  Type = 0x01
	DisconnectType      Type = 0x02
	SetUserSlotType     Type = 0x03
	RequestPasswordType Type = 0x25
	SendPasswordType    Type = 0x26
	ClientUUIDType      Type = 0x44
)

func init() {
	register(Codec{Type: ConnectRequestType, Name: "ConnectRequest", Framing: Dynamic, MaxSize: HeaderSize + 128,
		New: func() Packet { return &ConnectRequest{} }})
	register(Codec{Type: DisconnectType, Name: "Disconnect", Framing: Dynamic, MaxSize: MaxFrameSize,
		New: func() Packet { return &Disconnect{} }})
	register(Codec{Type: SetUserSlotType, Name: "SetUserSlot", Framing: Fixed, MaxSize: HeaderSize + 2,
		New: func() Packet { return &SetUserSlot{} }})
	register(Codec{Type: RequestPasswordType, Name: "RequestPassword", Framing: Fixed, MaxSize: HeaderSize,
		New: func() Packet { return &RequestPassword{} }})
	register(Codec{Type: SendPasswordType, Name: "SendPassword", Framing: Dynamic, MaxSize: HeaderSize + 256,
		New: func() Packet { return &SendPassword{} }})
	register(Codec{Type: ClientUUIDType, Name: "ClientUUID", Framing: Dynamic, MaxSize: HeaderSize + 128,
		New: func() Packet { return &ClientUUID{} }})
}

// ConnectRequest is the first message a client sends ("hello").
type ConnectRequest struct {
	Version string
}

func (*ConnectRequest) Type() Type { return ConnectRequestType }

func (p *ConnectRequest) Decode(r *bytes.Reader, _ Direction) error {
	p.Version = r.String()
	return r.Err()
}

func (p *ConnectRequest) Encode(w *bytes.Writer, _ Direction) {
	w.String(p.Version)
}

// Disconnect tells the client why it is being dropped.
type Disconnect struct {
	Reason NetworkText
}

func (*Disconnect) Type() Type { return DisconnectType }

func (p *Disconnect) Decode(r *bytes.Reader, _ Direction) error {
	return p.Reason.decode(r, 0)
}

func (p *Disconnect) Encode(w *bytes.Writer, _ Direction) {
	p.Reason.encode(w)
}

// SetUserSlot assigns the client its player index and lets it continue connecting.
type SetUserSlot struct {
	PlayerID byte
	// Ask the client to run its sanity checks on the network thread.
	RunCheckBytes bool
}

func (*SetUserSlot) Type() Type { return SetUserSlotType }

func (p *SetUserSlot) Decode(r *bytes.Reader, _ Direction) error {
	p.PlayerID = r.Byte()
	p.RunCheckBytes = r.Bool()
	return r.Err()
}

func (p *SetUserSlot) Encode(w *bytes.Writer, _ Direction) {
	w.Byte(p.PlayerID)
	w.Bool(p.RunCheckBytes)
}

// RequestPassword asks the client to prompt for the server password.
type RequestPassword struct{}

func (*RequestPassword) Type() Type                            { return RequestPasswordType }
func (*RequestPassword) Decode(*bytes.Reader, Direction) error { return nil }
func (*RequestPassword) Encode(*bytes.Writer, Direction)       {}

// SendPassword carries the password the player typed.
type SendPassword struct {
	Password string
}

func (*SendPassword) Type() Type { return SendPasswordType }

func (p *SendPassword) Decode(r *bytes.Reader, _ Direction) error {
	p.Password = r.String()
	return r.Err()
}

func (p *SendPassword) Encode(w *bytes.Writer, _ Direction) {
	w.String(p.Password)
}

// ClientUUID identifies the client installation.
type ClientUUID struct {
	UUID string
}

func (*ClientUUID) Type() Type { return ClientUUIDType }

func (p *ClientUUID) Decode(r *bytes.Reader, _ Direction) error {
	p.UUID = r.String()
	return r.Err()
}

func (p *ClientUUID) Encode(w *bytes.Writer, _ Direction) {
	w.String(p.UUID)
}

// Kick returns the encoded Disconnect frame for reason.
func Kick(reason string) []byte {
	return MustMarshal(&Disconnect{Reason: Literal(reason)}, FromServer)
}
