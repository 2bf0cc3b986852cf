package rescue

import (
	"encoding/binary"
	"fmt"
)

// ModeTag is a 4-character command identifier, packed big-endian into a
// 32-bit word. The device-side parser reads exactly 4 bytes per tag, so
// tags are only ever built from the fixed literals below or validated
// through TagFromString.
type ModeTag uint32

// Reserved protocol modes.
const (
	ModeReboot ModeTag = 'R'<<24 | 'E'<<16 | 'B'<<8 | 'O'
	ModeBaud   ModeTag = 'B'<<24 | 'A'<<16 | 'U'<<8 | 'D'
	ModeWait   ModeTag = 'W'<<24 | 'A'<<16 | 'I'<<8 | 'T'
)

// Transfer-target modes select what a following Send or Recv moves.
const (
	ModeFirmware   ModeTag = 'R'<<24 | 'E'<<16 | 'S'<<8 | 'Q'
	ModeFirmwareB  ModeTag = 'R'<<24 | 'E'<<16 | 'S'<<8 | 'B'
	ModeBootLog    ModeTag = 'B'<<24 | 'L'<<16 | 'O'<<8 | 'G'
	ModeBootSvcReq ModeTag = 'B'<<24 | 'R'<<16 | 'E'<<8 | 'Q'
	ModeBootSvcRsp ModeTag = 'B'<<24 | 'R'<<16 | 'S'<<8 | 'P'
	ModeOwnerBlock ModeTag = 'O'<<24 | 'W'<<16 | 'N'<<8 | 'R'
)

// TagFromString builds a ModeTag from s, rejecting anything that is not
// exactly 4 printable ASCII characters.
func TagFromString(s string) (ModeTag, error) {
	if len(s) != 4 {
		return 0, fmt.Errorf("mode tag %q must be exactly 4 characters", s)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return 0, fmt.Errorf("mode tag %q contains a non-printable byte at %v", s, i)
		}
	}
	return ModeTag(binary.BigEndian.Uint32([]byte(s))), nil
}

// Bytes returns the 4-byte wire form of the tag.
func (m ModeTag) Bytes() [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(m))
	return b
}

func (m ModeTag) String() string {
	b := m.Bytes()
	return string(b[:])
}

// baudSymbols maps every supported rate to its 4-character baud symbol.
// Rates outside this set are rejected before any bytes reach the device.
var baudSymbols = map[int]string{
	115200:  "115K",
	230400:  "230K",
	460800:  "460K",
	921600:  "921K",
	1333333: "1M33",
	1500000: "1M50",
}
