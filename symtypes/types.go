// Package symtypes defines the data model shared by every symbolication
// backend: library identity, lookup addresses, and the result of a
// successful address lookup.
package symtypes

import "fmt"

// Arch is a coarse architecture tag used when a debug-id alone can't
// disambiguate a fat/universal container.
type Arch string

const (
	ArchUnknown Arch = ""
	ArchX86     Arch = "x86"
	ArchX86_64  Arch = "x86_64"
	ArchARM     Arch = "arm"
	ArchARM64   Arch = "arm64"
)

// LibraryInfo identifies one loaded binary. Two LibraryInfo values are
// equivalent when their DebugID fields match (see Equivalent).
type LibraryInfo struct {
	// Name is the runtime-link name, e.g. "libxul.so".
	Name string
	// DebugName is the name of the file carrying debug info, e.g.
	// "xul.pdb". Empty if unknown; callers fall back to Name.
	DebugName string
	// DebugID is the debug identifier: a PDB GUID+age, a Mach-O UUID, or
	// the first 16 bytes of the ELF build-id note with age 0. Empty if
	// unknown.
	DebugID string
	// CodeID is the build-linkage identifier: PE timestamp+size, the
	// Mach-O UUID again, or the GNU build-id. Empty if unknown.
	CodeID string
	// Arch is an optional architecture hint, used only when DebugID
	// cannot disambiguate a multi-arch container.
	Arch Arch
}

func (li LibraryInfo) String() string {
	name := li.DebugName
	if name == "" {
		name = li.Name
	}
	return fmt.Sprintf("%s/%s", name, li.DebugID)
}

// Equivalent reports whether two LibraryInfo values refer to the same
// loaded binary; identity is exactly the debug identifier.
func (li LibraryInfo) Equivalent(other LibraryInfo) bool {
	if li.DebugID == "" || other.DebugID == "" {
		return false
	}
	return li.DebugID == other.DebugID
}

// LookupAddress is a tagged union over the three ways a raw integer
// address can be interpreted. Exactly one of the three constructors
// below should be used; the zero value is not a valid LookupAddress.
type LookupAddress struct {
	kind addressKind
	rva  uint32
	svma uint64
	off  uint64
}

type addressKind uint8

const (
	kindInvalid addressKind = iota
	kindRelative
	kindSvma
	kindFileOffset
)

// Relative builds a LookupAddress from an RVA relative to the image base.
func Relative(rva uint32) LookupAddress { return LookupAddress{kind: kindRelative, rva: rva} }

// Svma builds a LookupAddress from a stated virtual memory address, i.e.
// an address in the debug data's own address space.
func Svma(svma uint64) LookupAddress { return LookupAddress{kind: kindSvma, svma: svma} }

// FileOffset builds a LookupAddress from a byte offset into the
// container file.
func FileOffset(off uint64) LookupAddress { return LookupAddress{kind: kindFileOffset, off: off} }

// IsRelative reports whether a is an RVA and returns it.
func (a LookupAddress) IsRelative() (uint32, bool) {
	return a.rva, a.kind == kindRelative
}

// IsSvma reports whether a is an SVMA and returns it.
func (a LookupAddress) IsSvma() (uint64, bool) {
	return a.svma, a.kind == kindSvma
}

// IsFileOffset reports whether a is a file offset and returns it.
func (a LookupAddress) IsFileOffset() (uint64, bool) {
	return a.off, a.kind == kindFileOffset
}

func (a LookupAddress) String() string {
	switch a.kind {
	case kindRelative:
		return fmt.Sprintf("rva:0x%x", a.rva)
	case kindSvma:
		return fmt.Sprintf("svma:0x%x", a.svma)
	case kindFileOffset:
		return fmt.Sprintf("off:0x%x", a.off)
	default:
		return "invalid"
	}
}

// FrameDebugInfo is one element of an inline chain. The chain is ordered
// outermost-caller-first, innermost-callee-last; the last entry
// corresponds to the queried address.
type FrameDebugInfo struct {
	Function *string
	File     *string
	Line     *uint32
}

// ExternalFileRef identifies a satellite file (a Mach-O ".o", or a
// member of a ".a" archive) that must be loaded to resolve a symbol's
// DWARF further.
type ExternalFileRef struct {
	FileName string
	Arch     Arch
}

// ExternalFileAddressInFileRef pins down where, inside the satellite
// named by an ExternalFileRef, the address of interest lives.
type ExternalFileAddressInFileRef struct {
	MemberName       *string
	SymbolName       []byte
	OffsetFromSymbol uint64
}

// FramesLookupResultKind tags the three states a lookup's frame
// resolution can be in.
type FramesLookupResultKind uint8

const (
	FramesUnavailable FramesLookupResultKind = iota
	FramesAvailable
	FramesExternal
)

// FramesLookupResult is one of Available(chain), External(ref), or
// Unavailable.
type FramesLookupResult struct {
	Kind     FramesLookupResultKind
	Frames   []FrameDebugInfo
	FileRef  ExternalFileRef
	AddrInFile ExternalFileAddressInFileRef
}

// Available builds a FramesLookupResult carrying a resolved inline chain.
func Available(frames []FrameDebugInfo) FramesLookupResult {
	return FramesLookupResult{Kind: FramesAvailable, Frames: frames}
}

// External builds a FramesLookupResult that must be resolved via an
// external file.
func External(ref ExternalFileRef, addr ExternalFileAddressInFileRef) FramesLookupResult {
	return FramesLookupResult{Kind: FramesExternal, FileRef: ref, AddrInFile: addr}
}

// Unavailable is the FramesLookupResult for a symbol with no further
// debug info.
func Unavailable() FramesLookupResult { return FramesLookupResult{Kind: FramesUnavailable} }

// AddressInfo is the result of a successful symbol lookup.
type AddressInfo struct {
	// SymbolAddress is the start RVA of the containing symbol.
	SymbolAddress uint32
	// SymbolSize is the symbol's size in bytes, when known. Never
	// crosses the next EndSentinel in the owning symbol map's index.
	SymbolSize *uint32
	// SymbolName is the (demangled) symbol name.
	SymbolName string
	// Frames carries the inline-chain resolution state.
	Frames FramesLookupResult
}
