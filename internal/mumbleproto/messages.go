package mumbleproto

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
)

var ErrUnknownType = errors.New("mumbleproto: unknown message type")

// Message is a decoded control message.
type Message interface {
	Type() MessageType
	marshal(b []byte) []byte
	unmarshal(b []byte) error
}

// Marshal returns the protobuf payload of m (the raw packet for UDPTunnel).
func Marshal(m Message) []byte { return m.marshal(nil) }

// Encode wraps m in a control frame.
func Encode(m Message) Frame { return Frame{Type: m.Type(), Payload: m.marshal(nil)} }

// Unmarshal decodes payload according to t. Types outside the catalogue
// return ErrUnknownType; catalogue types this client does not model decode
// to *Unmodelled.
func Unmarshal(t MessageType, payload []byte) (Message, error) {
	var m Message
	switch t {
	case TypeVersion:
		m = &Version{}
	case TypeUDPTunnel:
		m = &UDPTunnel{}
	case TypeAuthenticate:
		m = &Authenticate{}
	case TypePing:
		m = &Ping{}
	case TypeReject:
		m = &Reject{}
	case TypeServerSync:
		m = &ServerSync{}
	case TypeChannelRemove:
		m = &ChannelRemove{}
	case TypeChannelState:
		m = &ChannelState{}
	case TypeUserRemove:
		m = &UserRemove{}
	case TypeUserState:
		m = &UserState{}
	case TypeTextMessage:
		m = &TextMessage{}
	case TypePermissionDenied:
		m = &PermissionDenied{}
	case TypeCryptSetup:
		m = &CryptSetup{}
	case TypeCodecVersion:
		m = &CodecVersion{}
	case TypeServerConfig:
		m = &ServerConfig{}
	default:
		if !t.Known() {
			return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint16(t))
		}
		m = &Unmodelled{Kind: t}
	}
	if err := m.unmarshal(payload); err != nil {
		return nil, fmt.Errorf("mumbleproto: decode %s: %w", t, err)
	}
	return m, nil
}

// Version is exchanged by both sides at the start of a connection.
type Version struct {
	Version   *uint32
	Release   *string
	OS        *string
	OSVersion *string
}

func (*Version) Type() MessageType { return TypeVersion }

func (m *Version) marshal(b []byte) []byte {
	b = appendOptUint32(b, 1, m.Version)
	b = appendOptString(b, 2, m.Release)
	b = appendOptString(b, 3, m.OS)
	return appendOptString(b, 4, m.OSVersion)
}

func (m *Version) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		switch {
		case f.is(1, protowire.VarintType):
			m.Version = proto.Uint32(uint32(f.v))
		case f.is(2, protowire.BytesType):
			m.Release = proto.String(string(f.b))
		case f.is(3, protowire.BytesType):
			m.OS = proto.String(string(f.b))
		case f.is(4, protowire.BytesType):
			m.OSVersion = proto.String(string(f.b))
		}
		return nil
	})
}

// UDPTunnel carries a raw voice datagram over the control stream. Its
// payload is the unencrypted packet, not protobuf.
type UDPTunnel struct {
	Packet []byte
}

func (*UDPTunnel) Type() MessageType { return TypeUDPTunnel }

func (m *UDPTunnel) marshal(b []byte) []byte { return append(b, m.Packet...) }

func (m *UDPTunnel) unmarshal(b []byte) error {
	m.Packet = b
	return nil
}

// Authenticate is sent once after Version.
type Authenticate struct {
	Username     *string
	Password     *string
	Tokens       []string
	CELTVersions []int32
	Opus         *bool
}

func (*Authenticate) Type() MessageType { return TypeAuthenticate }

func (m *Authenticate) marshal(b []byte) []byte {
	b = appendOptString(b, 1, m.Username)
	b = appendOptString(b, 2, m.Password)
	for _, t := range m.Tokens {
		b = appendString(b, 3, t)
	}
	for _, v := range m.CELTVersions {
		b = appendInt32(b, 4, v)
	}
	return appendOptBool(b, 5, m.Opus)
}

func (m *Authenticate) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		var err error
		switch {
		case f.is(1, protowire.BytesType):
			m.Username = proto.String(string(f.b))
		case f.is(2, protowire.BytesType):
			m.Password = proto.String(string(f.b))
		case f.is(3, protowire.BytesType):
			m.Tokens = append(m.Tokens, string(f.b))
		case f.num == 4:
			m.CELTVersions, err = appendRepeatedInt32(m.CELTVersions, f)
		case f.is(5, protowire.VarintType):
			m.Opus = proto.Bool(protowire.DecodeBool(f.v))
		}
		return err
	})
}

// Ping is the control-stream keep-alive. The client fills in its crypto
// counters; the server echoes the timestamp.
type Ping struct {
	Timestamp  *uint64
	Good       *uint32
	Late       *uint32
	Lost       *uint32
	Resync     *uint32
	UDPPackets *uint32
	TCPPackets *uint32
	UDPPingAvg *float32
	UDPPingVar *float32
	TCPPingAvg *float32
	TCPPingVar *float32
}

func (*Ping) Type() MessageType { return TypePing }

func (m *Ping) marshal(b []byte) []byte {
	if m.Timestamp != nil {
		b = appendVarint(b, 1, *m.Timestamp)
	}
	b = appendOptUint32(b, 2, m.Good)
	b = appendOptUint32(b, 3, m.Late)
	b = appendOptUint32(b, 4, m.Lost)
	b = appendOptUint32(b, 5, m.Resync)
	b = appendOptUint32(b, 6, m.UDPPackets)
	b = appendOptUint32(b, 7, m.TCPPackets)
	b = appendOptFloat(b, 8, m.UDPPingAvg)
	b = appendOptFloat(b, 9, m.UDPPingVar)
	b = appendOptFloat(b, 10, m.TCPPingAvg)
	return appendOptFloat(b, 11, m.TCPPingVar)
}

func (m *Ping) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		if f.typ == protowire.Fixed32Type {
			v := proto.Float32(math.Float32frombits(uint32(f.v)))
			switch f.num {
			case 8:
				m.UDPPingAvg = v
			case 9:
				m.UDPPingVar = v
			case 10:
				m.TCPPingAvg = v
			case 11:
				m.TCPPingVar = v
			}
			return nil
		}
		if f.typ != protowire.VarintType {
			return nil
		}
		switch f.num {
		case 1:
			m.Timestamp = proto.Uint64(f.v)
		case 2:
			m.Good = proto.Uint32(uint32(f.v))
		case 3:
			m.Late = proto.Uint32(uint32(f.v))
		case 4:
			m.Lost = proto.Uint32(uint32(f.v))
		case 5:
			m.Resync = proto.Uint32(uint32(f.v))
		case 6:
			m.UDPPackets = proto.Uint32(uint32(f.v))
		case 7:
			m.TCPPackets = proto.Uint32(uint32(f.v))
		}
		return nil
	})
}

// Reject ends the connection attempt.
type Reject struct {
	Kind   *RejectType
	Reason *string
}

func (*Reject) Type() MessageType { return TypeReject }

func (m *Reject) marshal(b []byte) []byte {
	if m.Kind != nil {
		b = appendVarint(b, 1, uint64(*m.Kind))
	}
	return appendOptString(b, 2, m.Reason)
}

func (m *Reject) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		switch {
		case f.is(1, protowire.VarintType):
			k := RejectType(f.v)
			m.Kind = &k
		case f.is(2, protowire.BytesType):
			m.Reason = proto.String(string(f.b))
		}
		return nil
	})
}

// ServerSync completes the initial state transfer and names the local session.
type ServerSync struct {
	Session      *uint32
	MaxBandwidth *uint32
	WelcomeText  *string
	Permissions  *uint64
}

func (*ServerSync) Type() MessageType { return TypeServerSync }

func (m *ServerSync) marshal(b []byte) []byte {
	b = appendOptUint32(b, 1, m.Session)
	b = appendOptUint32(b, 2, m.MaxBandwidth)
	b = appendOptString(b, 3, m.WelcomeText)
	if m.Permissions != nil {
		b = appendVarint(b, 4, *m.Permissions)
	}
	return b
}

func (m *ServerSync) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		switch {
		case f.is(1, protowire.VarintType):
			m.Session = proto.Uint32(uint32(f.v))
		case f.is(2, protowire.VarintType):
			m.MaxBandwidth = proto.Uint32(uint32(f.v))
		case f.is(3, protowire.BytesType):
			m.WelcomeText = proto.String(string(f.b))
		case f.is(4, protowire.VarintType):
			m.Permissions = proto.Uint64(f.v)
		}
		return nil
	})
}

// ChannelRemove deletes a channel from the directory.
type ChannelRemove struct {
	ChannelID uint32
}

func (*ChannelRemove) Type() MessageType { return TypeChannelRemove }

func (m *ChannelRemove) marshal(b []byte) []byte { return appendVarint(b, 1, uint64(m.ChannelID)) }

func (m *ChannelRemove) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		if f.is(1, protowire.VarintType) {
			m.ChannelID = uint32(f.v)
		}
		return nil
	})
}

// ChannelState creates or partially updates a channel.
type ChannelState struct {
	ChannelID       *uint32
	Parent          *uint32
	Name            *string
	Links           []uint32
	Description     *string
	LinksAdd        []uint32
	LinksRemove     []uint32
	Temporary       *bool
	Position        *int32
	DescriptionHash []byte
	MaxUsers        *uint32
}

func (*ChannelState) Type() MessageType { return TypeChannelState }

func (m *ChannelState) marshal(b []byte) []byte {
	b = appendOptUint32(b, 1, m.ChannelID)
	b = appendOptUint32(b, 2, m.Parent)
	b = appendOptString(b, 3, m.Name)
	for _, v := range m.Links {
		b = appendVarint(b, 4, uint64(v))
	}
	b = appendOptString(b, 5, m.Description)
	for _, v := range m.LinksAdd {
		b = appendVarint(b, 6, uint64(v))
	}
	for _, v := range m.LinksRemove {
		b = appendVarint(b, 7, uint64(v))
	}
	b = appendOptBool(b, 8, m.Temporary)
	if m.Position != nil {
		b = appendInt32(b, 9, *m.Position)
	}
	b = appendOptBytes(b, 10, m.DescriptionHash)
	return appendOptUint32(b, 11, m.MaxUsers)
}

func (m *ChannelState) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		var err error
		switch {
		case f.is(1, protowire.VarintType):
			m.ChannelID = proto.Uint32(uint32(f.v))
		case f.is(2, protowire.VarintType):
			m.Parent = proto.Uint32(uint32(f.v))
		case f.is(3, protowire.BytesType):
			m.Name = proto.String(string(f.b))
		case f.num == 4:
			m.Links, err = appendRepeatedUint32(m.Links, f)
		case f.is(5, protowire.BytesType):
			m.Description = proto.String(string(f.b))
		case f.num == 6:
			m.LinksAdd, err = appendRepeatedUint32(m.LinksAdd, f)
		case f.num == 7:
			m.LinksRemove, err = appendRepeatedUint32(m.LinksRemove, f)
		case f.is(8, protowire.VarintType):
			m.Temporary = proto.Bool(protowire.DecodeBool(f.v))
		case f.is(9, protowire.VarintType):
			m.Position = proto.Int32(int32(f.v))
		case f.is(10, protowire.BytesType):
			m.DescriptionHash = cloneBytes(f.b)
		case f.is(11, protowire.VarintType):
			m.MaxUsers = proto.Uint32(uint32(f.v))
		}
		return err
	})
}

// UserRemove announces that a session left, was kicked or banned.
type UserRemove struct {
	Session uint32
	Actor   *uint32
	Reason  *string
	Ban     *bool
}

func (*UserRemove) Type() MessageType { return TypeUserRemove }

func (m *UserRemove) marshal(b []byte) []byte {
	b = appendVarint(b, 1, uint64(m.Session))
	b = appendOptUint32(b, 2, m.Actor)
	b = appendOptString(b, 3, m.Reason)
	return appendOptBool(b, 4, m.Ban)
}

func (m *UserRemove) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		switch {
		case f.is(1, protowire.VarintType):
			m.Session = uint32(f.v)
		case f.is(2, protowire.VarintType):
			m.Actor = proto.Uint32(uint32(f.v))
		case f.is(3, protowire.BytesType):
			m.Reason = proto.String(string(f.b))
		case f.is(4, protowire.VarintType):
			m.Ban = proto.Bool(protowire.DecodeBool(f.v))
		}
		return nil
	})
}

// UserState creates or partially updates a user. Only fields that are
// non-nil were present on the wire.
type UserState struct {
	Session         *uint32
	Actor           *uint32
	Name            *string
	UserID          *uint32
	ChannelID       *uint32
	Mute            *bool
	Deaf            *bool
	Suppress        *bool
	SelfMute        *bool
	SelfDeaf        *bool
	Texture         []byte
	Comment         *string
	Hash            *string
	PrioritySpeaker *bool
	Recording       *bool
}

func (*UserState) Type() MessageType { return TypeUserState }

func (m *UserState) marshal(b []byte) []byte {
	b = appendOptUint32(b, 1, m.Session)
	b = appendOptUint32(b, 2, m.Actor)
	b = appendOptString(b, 3, m.Name)
	b = appendOptUint32(b, 4, m.UserID)
	b = appendOptUint32(b, 5, m.ChannelID)
	b = appendOptBool(b, 6, m.Mute)
	b = appendOptBool(b, 7, m.Deaf)
	b = appendOptBool(b, 8, m.Suppress)
	b = appendOptBool(b, 9, m.SelfMute)
	b = appendOptBool(b, 10, m.SelfDeaf)
	b = appendOptBytes(b, 11, m.Texture)
	b = appendOptString(b, 14, m.Comment)
	b = appendOptString(b, 15, m.Hash)
	b = appendOptBool(b, 18, m.PrioritySpeaker)
	return appendOptBool(b, 19, m.Recording)
}

func (m *UserState) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		if f.typ == protowire.BytesType {
			switch f.num {
			case 3:
				m.Name = proto.String(string(f.b))
			case 11:
				m.Texture = cloneBytes(f.b)
			case 14:
				m.Comment = proto.String(string(f.b))
			case 15:
				m.Hash = proto.String(string(f.b))
			}
			return nil
		}
		if f.typ != protowire.VarintType {
			return nil
		}
		flag := proto.Bool(protowire.DecodeBool(f.v))
		switch f.num {
		case 1:
			m.Session = proto.Uint32(uint32(f.v))
		case 2:
			m.Actor = proto.Uint32(uint32(f.v))
		case 4:
			m.UserID = proto.Uint32(uint32(f.v))
		case 5:
			m.ChannelID = proto.Uint32(uint32(f.v))
		case 6:
			m.Mute = flag
		case 7:
			m.Deaf = flag
		case 8:
			m.Suppress = flag
		case 9:
			m.SelfMute = flag
		case 10:
			m.SelfDeaf = flag
		case 18:
			m.PrioritySpeaker = flag
		case 19:
			m.Recording = flag
		}
		return nil
	})
}

// TextMessage is a chat message addressed to sessions, channels or trees.
type TextMessage struct {
	Actor     *uint32
	Session   []uint32
	ChannelID []uint32
	TreeID    []uint32
	Message   string
}

func (*TextMessage) Type() MessageType { return TypeTextMessage }

func (m *TextMessage) marshal(b []byte) []byte {
	b = appendOptUint32(b, 1, m.Actor)
	for _, v := range m.Session {
		b = appendVarint(b, 2, uint64(v))
	}
	for _, v := range m.ChannelID {
		b = appendVarint(b, 3, uint64(v))
	}
	for _, v := range m.TreeID {
		b = appendVarint(b, 4, uint64(v))
	}
	return appendString(b, 5, m.Message)
}

func (m *TextMessage) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		var err error
		switch {
		case f.is(1, protowire.VarintType):
			m.Actor = proto.Uint32(uint32(f.v))
		case f.num == 2:
			m.Session, err = appendRepeatedUint32(m.Session, f)
		case f.num == 3:
			m.ChannelID, err = appendRepeatedUint32(m.ChannelID, f)
		case f.num == 4:
			m.TreeID, err = appendRepeatedUint32(m.TreeID, f)
		case f.is(5, protowire.BytesType):
			m.Message = string(f.b)
		}
		return err
	})
}

// PermissionDenied reports a refused action.
type PermissionDenied struct {
	Permission *uint32
	ChannelID  *uint32
	Session    *uint32
	Reason     *string
	Kind       *DenyType
	Name       *string
}

func (*PermissionDenied) Type() MessageType { return TypePermissionDenied }

func (m *PermissionDenied) marshal(b []byte) []byte {
	b = appendOptUint32(b, 1, m.Permission)
	b = appendOptUint32(b, 2, m.ChannelID)
	b = appendOptUint32(b, 3, m.Session)
	b = appendOptString(b, 4, m.Reason)
	if m.Kind != nil {
		b = appendVarint(b, 5, uint64(*m.Kind))
	}
	return appendOptString(b, 6, m.Name)
}

func (m *PermissionDenied) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		switch {
		case f.is(1, protowire.VarintType):
			m.Permission = proto.Uint32(uint32(f.v))
		case f.is(2, protowire.VarintType):
			m.ChannelID = proto.Uint32(uint32(f.v))
		case f.is(3, protowire.VarintType):
			m.Session = proto.Uint32(uint32(f.v))
		case f.is(4, protowire.BytesType):
			m.Reason = proto.String(string(f.b))
		case f.is(5, protowire.VarintType):
			k := DenyType(f.v)
			m.Kind = &k
		case f.is(6, protowire.BytesType):
			m.Name = proto.String(string(f.b))
		}
		return nil
	})
}

// CryptSetup installs keys, resyncs the server nonce or requests the client
// nonce, depending on which fields are present (non-nil).
type CryptSetup struct {
	Key         []byte
	ClientNonce []byte
	ServerNonce []byte
}

func (*CryptSetup) Type() MessageType { return TypeCryptSetup }

func (m *CryptSetup) marshal(b []byte) []byte {
	b = appendOptBytes(b, 1, m.Key)
	b = appendOptBytes(b, 2, m.ClientNonce)
	return appendOptBytes(b, 3, m.ServerNonce)
}

func (m *CryptSetup) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		switch {
		case f.is(1, protowire.BytesType):
			m.Key = cloneBytes(f.b)
		case f.is(2, protowire.BytesType):
			m.ClientNonce = cloneBytes(f.b)
		case f.is(3, protowire.BytesType):
			m.ServerNonce = cloneBytes(f.b)
		}
		return nil
	})
}

// CodecVersion announces the CELT bitstreams and Opus support the server
// will relay.
type CodecVersion struct {
	Alpha       *int32
	Beta        *int32
	PreferAlpha *bool
	Opus        *bool
}

func (*CodecVersion) Type() MessageType { return TypeCodecVersion }

func (m *CodecVersion) marshal(b []byte) []byte {
	if m.Alpha != nil {
		b = appendInt32(b, 1, *m.Alpha)
	}
	if m.Beta != nil {
		b = appendInt32(b, 2, *m.Beta)
	}
	b = appendOptBool(b, 3, m.PreferAlpha)
	return appendOptBool(b, 4, m.Opus)
}

func (m *CodecVersion) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		if f.typ != protowire.VarintType {
			return nil
		}
		switch f.num {
		case 1:
			m.Alpha = proto.Int32(int32(f.v))
		case 2:
			m.Beta = proto.Int32(int32(f.v))
		case 3:
			m.PreferAlpha = proto.Bool(protowire.DecodeBool(f.v))
		case 4:
			m.Opus = proto.Bool(protowire.DecodeBool(f.v))
		}
		return nil
	})
}

// ServerConfig carries server-wide limits sent after ServerSync.
type ServerConfig struct {
	MaxBandwidth       *uint32
	WelcomeText        *string
	AllowHTML          *bool
	MessageLength      *uint32
	ImageMessageLength *uint32
	MaxUsers           *uint32
}

func (*ServerConfig) Type() MessageType { return TypeServerConfig }

func (m *ServerConfig) marshal(b []byte) []byte {
	b = appendOptUint32(b, 1, m.MaxBandwidth)
	b = appendOptString(b, 2, m.WelcomeText)
	b = appendOptBool(b, 3, m.AllowHTML)
	b = appendOptUint32(b, 4, m.MessageLength)
	b = appendOptUint32(b, 5, m.ImageMessageLength)
	return appendOptUint32(b, 6, m.MaxUsers)
}

func (m *ServerConfig) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		switch {
		case f.is(1, protowire.VarintType):
			m.MaxBandwidth = proto.Uint32(uint32(f.v))
		case f.is(2, protowire.BytesType):
			m.WelcomeText = proto.String(string(f.b))
		case f.is(3, protowire.VarintType):
			m.AllowHTML = proto.Bool(protowire.DecodeBool(f.v))
		case f.is(4, protowire.VarintType):
			m.MessageLength = proto.Uint32(uint32(f.v))
		case f.is(5, protowire.VarintType):
			m.ImageMessageLength = proto.Uint32(uint32(f.v))
		case f.is(6, protowire.VarintType):
			m.MaxUsers = proto.Uint32(uint32(f.v))
		}
		return nil
	})
}

// Unmodelled holds a catalogue message this client does not interpret.
type Unmodelled struct {
	Kind    MessageType
	Payload []byte
}

func (m *Unmodelled) Type() MessageType { return m.Kind }

func (m *Unmodelled) marshal(b []byte) []byte { return append(b, m.Payload...) }

func (m *Unmodelled) unmarshal(b []byte) error {
	m.Payload = b
	return nil
}
