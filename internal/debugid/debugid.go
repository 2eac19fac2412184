// Package debugid formats and parses textual debug identifiers: a
// 32-hex GUID/UUID followed by an "age" (always 0 except on PDB/PE,
// where the age comes from the PE debug directory or the DBI stream).
// The textual form matches the breakpad_id convention used by symbol
// servers.
package debugid

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// DebugID is a parsed debug identifier: a 16-byte GUID/UUID plus an age.
type DebugID struct {
	GUID uuid.UUID
	Age  uint32
}

// Parse decodes the "32-hex-digits + age" textual form used by the
// CLI, logs, and façade matching logic.
func Parse(s string) (DebugID, error) {
	if len(s) < 32 {
		return DebugID{}, fmt.Errorf("debugid: %q too short", s)
	}
	hexPart := s[:32]
	agePart := s[32:]

	raw, err := hex.DecodeString(hexPart)
	if err != nil {
		return DebugID{}, fmt.Errorf("debugid: decode %q: %w", hexPart, err)
	}
	if len(raw) != 16 {
		return DebugID{}, fmt.Errorf("debugid: %q is not 16 bytes", hexPart)
	}

	var age uint64
	if agePart != "" {
		age, err = strconv.ParseUint(agePart, 16, 32)
		if err != nil {
			// Some producers write the age in decimal.
			age, err = strconv.ParseUint(agePart, 10, 32)
			if err != nil {
				return DebugID{}, fmt.Errorf("debugid: decode age %q: %w", agePart, err)
			}
		}
	}

	id, err := uuid.FromBytes(raw)
	if err != nil {
		return DebugID{}, err
	}
	return DebugID{GUID: id, Age: uint32(age)}, nil
}

// String renders the identifier as 32 uppercase hex digits followed by
// the age in lowercase hex.
func (d DebugID) String() string {
	raw, _ := d.GUID.MarshalBinary()
	return fmt.Sprintf("%s%x", strings.ToUpper(hex.EncodeToString(raw)), d.Age)
}

// FromPDBGUIDAge builds a DebugID from a PDB/PE GUID and age pair.
func FromPDBGUIDAge(guid uuid.UUID, age uint32) DebugID {
	return DebugID{GUID: guid, Age: age}
}

// FromMachOUUID builds a DebugID from a Mach-O LC_UUID load command's
// UUID; Mach-O debug identifiers always carry age 0.
func FromMachOUUID(u uuid.UUID) DebugID {
	return DebugID{GUID: u, Age: 0}
}

// FromELFBuildID builds a DebugID from the first 16 bytes of a
// .note.gnu.build-id note, interpreted as a GUID; ELF debug identifiers
// always carry age 0.
func FromELFBuildID(buildID []byte) (DebugID, error) {
	if len(buildID) < 16 {
		padded := make([]byte, 16)
		copy(padded, buildID)
		buildID = padded
	}
	id, err := uuid.FromBytes(buildID[:16])
	if err != nil {
		return DebugID{}, err
	}
	return DebugID{GUID: id, Age: 0}, nil
}

// Equal reports whether two debug ids refer to the same build.
func (d DebugID) Equal(other DebugID) bool {
	return d.GUID == other.GUID && d.Age == other.Age
}
