// Package mumbleproto defines the control message catalogue, its protobuf
// wire encoding and the length-prefixed control framing.
//
// Messages are hand-mapped onto protowire rather than generated; only the
// fields this client reads or writes are modelled. Optional scalar fields are
// pointers so that presence survives a round trip, matching proto2
// semantics the server relies on for partial state updates.
package mumbleproto

import "fmt"

// MessageType is the u16 code at the start of every control frame.
type MessageType uint16

const (
	TypeVersion MessageType = iota
	TypeUDPTunnel
	TypeAuthenticate
	TypePing
	TypeReject
	TypeServerSync
	TypeChannelRemove
	TypeChannelState
	TypeUserRemove
	TypeUserState
	TypeBanList
	TypeTextMessage
	TypePermissionDenied
	TypeACL
	TypeQueryUsers
	TypeCryptSetup
	TypeContextActionModify
	TypeContextAction
	TypeUserList
	TypeVoiceTarget
	TypePermissionQuery
	TypeCodecVersion
	TypeUserStats
	TypeRequestBlob
	TypeServerConfig
	TypeSuggestConfig

	typeCount
)

var typeNames = [...]string{
	"Version", "UDPTunnel", "Authenticate", "Ping", "Reject", "ServerSync",
	"ChannelRemove", "ChannelState", "UserRemove", "UserState", "BanList",
	"TextMessage", "PermissionDenied", "ACL", "QueryUsers", "CryptSetup",
	"ContextActionModify", "ContextAction", "UserList", "VoiceTarget",
	"PermissionQuery", "CodecVersion", "UserStats", "RequestBlob",
	"ServerConfig", "SuggestConfig",
}

func (t MessageType) String() string {
	if t < typeCount {
		return typeNames[t]
	}
	return fmt.Sprintf("MessageType(%d)", uint16(t))
}

// Known reports whether t is part of the catalogue.
func (t MessageType) Known() bool { return t < typeCount }

// Datagram header: top three bits of byte 0 are the packet type, the low
// five bits are flags (voice target).
const (
	UDPVoiceCELTAlpha = 0
	UDPPing           = 1
	UDPVoiceSpeex     = 2
	UDPVoiceCELTBeta  = 3
	UDPVoiceOpus      = 4
)

// DatagramType extracts the packet type from a datagram's first byte.
func DatagramType(b byte) int { return int(b>>5) & 0x7 }

// DatagramFlags extracts the low five flag bits from a datagram's first byte.
func DatagramFlags(b byte) int { return int(b) & 0x1F }

// RejectType mirrors Reject.RejectType.
type RejectType uint32

const (
	RejectNone RejectType = iota
	RejectWrongVersion
	RejectInvalidUsername
	RejectWrongUserPW
	RejectWrongServerPW
	RejectUsernameInUse
	RejectServerFull
	RejectNoCertificate
	RejectAuthenticatorFail
)

var rejectNames = [...]string{
	"None", "WrongVersion", "InvalidUsername", "WrongUserPW", "WrongServerPW",
	"UsernameInUse", "ServerFull", "NoCertificate", "AuthenticatorFail",
}

func (r RejectType) String() string {
	if int(r) < len(rejectNames) {
		return rejectNames[r]
	}
	return fmt.Sprintf("RejectType(%d)", uint32(r))
}

// DenyType mirrors PermissionDenied.DenyType.
type DenyType uint32

const (
	DenyText DenyType = iota
	DenyPermission
	DenySuperUser
	DenyChannelName
	DenyTextTooLong
	DenyH9K
	DenyTemporaryChannel
	DenyMissingCertificate
	DenyUserName
	DenyChannelFull
	DenyNestingLimit
	DenyChannelCountLimit
)

var denyNames = [...]string{
	"Text", "Permission", "SuperUser", "ChannelName", "TextTooLong", "H9K",
	"TemporaryChannel", "MissingCertificate", "UserName", "ChannelFull",
	"NestingLimit", "ChannelCountLimit",
}

func (d DenyType) String() string {
	if int(d) < len(denyNames) {
		return denyNames[d]
	}
	return fmt.Sprintf("DenyType(%d)", uint32(d))
}
