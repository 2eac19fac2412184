package machofmt

import (
	"bytes"
	"debug/macho"
	"fmt"
	"strings"

	"github.com/zboralski/symcore/symtypes"
)

// Slice is one architecture's worth of a fat/universal Mach-O: the
// bytes of the thin Mach-O it wraps, plus the debug-id computed from
// its own LC_UUID, used to pick the one slice a LibraryInfo refers
// to.
type Slice struct {
	Arch    symtypes.Arch
	DebugID string
	Data    []byte
}

// OpenFat splits a fat/universal Mach-O container into its per-slice
// byte ranges, using stdlib debug/macho for the fat header/arch table
// (FatFile.Arches gives the offset/size per slice) and this package's
// own header walker for each slice's UUID, for the same type-fidelity
// reason Open uses stdlib over go-macho.
func OpenFat(data []byte) ([]Slice, error) {
	ff, err := macho.NewFatFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("machofmt: parse fat file: %w", err)
	}

	var out []Slice
	for _, a := range ff.Arches {
		start := uint64(a.Offset)
		end := start + uint64(a.Size)
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("machofmt: fat arch slice out of range")
		}
		slice := data[start:end]

		l, err := Open(slice)
		if err != nil {
			continue // skip an unparsable slice rather than fail the whole container
		}
		out = append(out, Slice{Arch: cpuToArch(a.Cpu), DebugID: l.DebugID(), Data: slice})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("machofmt: no usable architecture slices in fat file")
	}
	return out, nil
}

func cpuToArch(cpu macho.Cpu) symtypes.Arch {
	switch cpu {
	case macho.CpuAmd64:
		return symtypes.ArchX86_64
	case macho.Cpu386:
		return symtypes.ArchX86
	case macho.CpuArm64:
		return symtypes.ArchARM64
	case macho.CpuArm:
		return symtypes.ArchARM
	default:
		return symtypes.ArchUnknown
	}
}

// MultiArchError is returned by SelectSlice when a fat/universal
// container has more than one candidate architecture and neither a
// debug-id nor an arch hint disambiguates it, carrying the list of
// available slices' debug-ids so a caller can present a "pick one"
// choice.
type MultiArchError struct {
	Candidates []Slice
}

func (e *MultiArchError) Error() string {
	ids := make([]string, 0, len(e.Candidates))
	for _, s := range e.Candidates {
		ids = append(ids, fmt.Sprintf("%s(%s)", s.Arch, s.DebugID))
	}
	return fmt.Sprintf("machofmt: fat file has %d architectures (%s), need a debug-id or arch hint to disambiguate", len(e.Candidates), strings.Join(ids, ", "))
}

// SelectSlice prefers an exact debug-id match, falls back to an arch
// hint when no debug-id was given, and otherwise reports every
// candidate so the caller can surface a multi-arch ambiguity error.
func SelectSlice(slices []Slice, want symtypes.LibraryInfo) (Slice, error) {
	if want.DebugID != "" {
		for _, s := range slices {
			if strings.EqualFold(s.DebugID, want.DebugID) {
				return s, nil
			}
		}
		return Slice{}, fmt.Errorf("machofmt: no slice in fat file matches debug-id %s", want.DebugID)
	}

	if want.Arch != symtypes.ArchUnknown {
		var matches []Slice
		for _, s := range slices {
			if s.Arch == want.Arch {
				matches = append(matches, s)
			}
		}
		if len(matches) == 1 {
			return matches[0], nil
		}
		if len(matches) > 1 {
			return Slice{}, &MultiArchError{Candidates: matches}
		}
		return Slice{}, fmt.Errorf("machofmt: no slice matches arch %s", want.Arch)
	}

	if len(slices) == 1 {
		return slices[0], nil
	}

	return Slice{}, &MultiArchError{Candidates: slices}
}
