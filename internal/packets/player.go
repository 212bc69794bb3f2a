package packets

import "github.com/dcrodman/multiworld/internal/core/bytes"

const (
	PlayerInfoType     Type = 0x04
	SpawnPlayerType    Type = 0x0C
	PlayerControlsType Type = 0x0D
	PlayerActiveType   Type = 0x0E
)

func init() {
	register(Codec{Type: PlayerInfoType, Name: "PlayerInfo", Framing: LengthAware, MaxSize: HeaderSize + 512,
		New: func() Packet { return &PlayerInfo{} }})
	register(Codec{Type: SpawnPlayerType, Name: "SpawnPlayer", Framing: Fixed, MaxSize: HeaderSize + 14,
		New: func() Packet { return &SpawnPlayer{} }})
	register(Codec{Type: PlayerControlsType, Name: "PlayerControls", Framing: Dynamic, MaxSize: HeaderSize + 38,
		New: func() Packet { return &PlayerControls{} }})
	register(Codec{Type: PlayerActiveType, Name: "PlayerActive", Framing: Fixed, MaxSize: HeaderSize + 2,
		New: func() Packet { return &PlayerActive{} }})
}

// PlayerInfo synchronizes a player's name and appearance. Clients append fields
// that vary between releases, so anything after the known layout is kept verbatim
// in Extra and written back untouched.
type PlayerInfo struct {
	PlayerID    byte
	SkinVariant byte
	Hair        byte
	Name        string
	HairDye     byte
	HideVisuals uint16
	HideMisc    byte
	Colors      [7]Color
	Difficulty  byte
	Extra       []byte
}

func (*PlayerInfo) Type() Type { return PlayerInfoType }

func (p *PlayerInfo) Decode(r *bytes.Reader, _ Direction) error {
	p.PlayerID = r.Byte()
	p.SkinVariant = r.Byte()
	p.Hair = r.Byte()
	p.Name = r.String()
	p.HairDye = r.Byte()
	p.HideVisuals = r.Uint16()
	p.HideMisc = r.Byte()
	for i := range p.Colors {
		p.Colors[i].decode(r)
	}
	p.Difficulty = r.Byte()
	p.Extra = r.Rest()
	return r.Err()
}

func (p *PlayerInfo) Encode(w *bytes.Writer, _ Direction) {
	w.Byte(p.PlayerID)
	w.Byte(p.SkinVariant)
	w.Byte(p.Hair)
	w.String(p.Name)
	w.Byte(p.HairDye)
	w.Uint16(p.HideVisuals)
	w.Byte(p.HideMisc)
	for _, c := range p.Colors {
		c.encode(w)
	}
	w.Byte(p.Difficulty)
	w.Raw(p.Extra)
}

// SpawnPlayer places a player in the world.
type SpawnPlayer struct {
	PlayerID     byte
	SpawnX       int16
	SpawnY       int16
	RespawnTimer int32
	DeathsPvE    int16
	DeathsPvP    int16
	Context      byte
}

func (*SpawnPlayer) Type() Type { return SpawnPlayerType }

func (p *SpawnPlayer) Decode(r *bytes.Reader, _ Direction) error {
	p.PlayerID = r.Byte()
	p.SpawnX = r.Int16()
	p.SpawnY = r.Int16()
	p.RespawnTimer = r.Int32()
	p.DeathsPvE = r.Int16()
	p.DeathsPvP = r.Int16()
	p.Context = r.Byte()
	return r.Err()
}

func (p *SpawnPlayer) Encode(w *bytes.Writer, _ Direction) {
	w.Byte(p.PlayerID)
	w.Int16(p.SpawnX)
	w.Int16(p.SpawnY)
	w.Int32(p.RespawnTimer)
	w.Int16(p.DeathsPvE)
	w.Int16(p.DeathsPvP)
	w.Byte(p.Context)
}

// Flag bits of PlayerControls that gate optional trailing fields.
const (
	ControlFlagVelocity       = 0x04 // in Pulley
	ControlFlagPotionOfReturn = 0x40 // in Misc
)

// Vector2 is a position or velocity in world coordinates.
type Vector2 struct {
	X, Y float32
}

func (v *Vector2) decode(r *bytes.Reader) {
	v.X, v.Y = r.Float32(), r.Float32()
}

func (v Vector2) encode(w *bytes.Writer) {
	w.Float32(v.X)
	w.Float32(v.Y)
}

// PlayerControls is the per-tick player update.
type PlayerControls struct {
	PlayerID     byte
	Control      byte
	Pulley       byte
	Misc         byte
	Sleeping     byte
	SelectedItem byte
	Position     Vector2
	// Present when Pulley has ControlFlagVelocity set.
	Velocity Vector2
	// Present when Misc has ControlFlagPotionOfReturn set.
	ReturnOrigin Vector2
	ReturnHome   Vector2
}

func (*PlayerControls) Type() Type { return PlayerControlsType }

func (p *PlayerControls) Decode(r *bytes.Reader, _ Direction) error {
	p.PlayerID = r.Byte()
	p.Control = r.Byte()
	p.Pulley = r.Byte()
	p.Misc = r.Byte()
	p.Sleeping = r.Byte()
	p.SelectedItem = r.Byte()
	p.Position.decode(r)
	if p.Pulley&ControlFlagVelocity != 0 {
		p.Velocity.decode(r)
	}
	if p.Misc&ControlFlagPotionOfReturn != 0 {
		p.ReturnOrigin.decode(r)
		p.ReturnHome.decode(r)
	}
	return r.Err()
}

func (p *PlayerControls) Encode(w *bytes.Writer, _ Direction) {
	w.Byte(p.PlayerID)
	w.Byte(p.Control)
	w.Byte(p.Pulley)
	w.Byte(p.Misc)
	w.Byte(p.Sleeping)
	w.Byte(p.SelectedItem)
	p.Position.encode(w)
	if p.Pulley&ControlFlagVelocity != 0 {
		p.Velocity.encode(w)
	}
	if p.Misc&ControlFlagPotionOfReturn != 0 {
		p.ReturnOrigin.encode(w)
		p.ReturnHome.encode(w)
	}
}

// PlayerActive toggles whether a player is visible to the others in a world.
type PlayerActive struct {
	PlayerID byte
	Active   bool
}

func (*PlayerActive) Type() Type { return PlayerActiveType }

func (p *PlayerActive) Decode(r *bytes.Reader, _ Direction) error {
	p.PlayerID = r.Byte()
	p.Active = r.Bool()
	return r.Err()
}

func (p *PlayerActive) Encode(w *bytes.Writer, _ Direction) {
	w.Byte(p.PlayerID)
	w.Bool(p.Active)
}
