package mumbleproto

const (
	// ProtocolVersion is 1.2.4 packed as major<<16 | minor<<8 | patch.
	ProtocolVersion uint32 = 1<<16 | 2<<8 | 4

	// CELTVersion is the bitstream id of CELT 0.7.0 (0x8000000b as int32).
	CELTVersion int32 = -0x7ffffff5

	// DefaultPort is the standard server port for both TCP and UDP.
	DefaultPort = 64738
)

// EncodeVersion packs a release triple the way Version.version expects.
func EncodeVersion(major, minor, patch uint8) uint32 {
	return uint32(major)<<16 | uint32(minor)<<8 | uint32(patch)
}
