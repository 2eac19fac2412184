// Package objectmap implements the address-ordered symbol index shared
// by every native object-file backend (ELF, Mach-O, PE). Each format
// package (elffmt, machofmt, pefmt) only needs to produce a Loader;
// this package does the index construction, lookup, and
// svma/file-offset translation.
package objectmap

import (
	"debug/dwarf"
	"sort"

	"github.com/zboralski/symcore/internal/demangle"
	"github.com/zboralski/symcore/internal/dwarfres"
	"github.com/zboralski/symcore/internal/pathmap"
	"github.com/zboralski/symcore/symtypes"
)

// EntryKind ranks the provenance of an indexed address, used to break
// ties when two sources claim the same RVA: the lowest-numbered kind
// wins.
type EntryKind uint8

const (
	KindText EntryKind = iota
	KindLabel
	KindExport
	KindSynthesized
	KindSynthesizedEntryPoint
	KindEndSentinel
)

// RawSymbol is one entry a Loader contributes before index construction.
type RawSymbol struct {
	Name string
	RVA  uint32
	Size *uint32
	Kind EntryKind
}

// SectionInfo describes one section/segment's text-executability, used
// to filter symbols to executable sections and to synthesize an end
// sentinel at each text section's end.
type SectionInfo struct {
	RVA        uint32
	Size       uint32
	Executable bool
}

// SegmentSpan maps a contiguous range of the loaded image back to a
// file offset, used by FileOffset lookups.
type SegmentSpan struct {
	SVMA       uint64
	FileOffset uint64
	Size       uint64
}

// Loader is implemented by each container format to feed objectmap's
// shared index builder.
type Loader interface {
	ImageBase() uint64
	EntryPoint() uint64
	Symbols() []RawSymbol
	ExecutableSections() []SectionInfo
	Segments() []SegmentSpan
	DWARF() *dwarf.Data
	DebugID() string
}

type entry struct {
	rva  uint32
	kind EntryKind
	name string
	size *uint32
}

// Map is the constructed index plus enough of the source container to
// answer a lookup: name demangling, DWARF inline resolution, and
// svma/file-offset translation.
type Map struct {
	debugID  string
	entries  []entry
	segments []SegmentSpan
	imageBase uint64
	dwarf    *dwarfres.Resolver
	demangler demangle.Hook
	oso       OSOResolver
}

// OSOResolver binds an SVMA to an external object-file reference when
// the main container's DWARF is absent but its symbol table carries an
// OSO stab bracketing that address. Only the Mach-O loader
// (internal/machofmt) implements this; ELF and PE loaders never set
// BuildOptions.OSO.
type OSOResolver interface {
	Resolve(svma uint64) (symtypes.ExternalFileRef, symtypes.ExternalFileAddressInFileRef, bool)
}

// BuildOptions carries optional externally supplied function start/end
// lists (e.g. from .eh_frame/.pdata scanning or a prologue scan).
type BuildOptions struct {
	ExtraFunctionStarts []uint32
	ExtraFunctionEnds   []uint32
	PathMapper          *pathmap.Mapper
	Demangler           demangle.Hook
	OSO                 OSOResolver
}

// Build constructs a Map from a Loader: symbols, the entry point,
// extra function starts, and end sentinels for every text-section end
// and every sized symbol, sorted and deduplicated by RVA.
func Build(l Loader, opts BuildOptions) *Map {
	base := l.ImageBase()

	var entries []entry
	for _, s := range l.Symbols() {
		entries = append(entries, entry{rva: s.RVA, kind: s.Kind, name: s.Name, size: s.Size})
	}

	if ep, ok := rvaOf(l.EntryPoint(), base); ok {
		entries = append(entries, entry{rva: ep, kind: KindSynthesizedEntryPoint, name: ""})
	}

	for _, rva := range opts.ExtraFunctionStarts {
		entries = append(entries, entry{rva: rva, kind: KindSynthesized})
	}

	for _, sec := range l.ExecutableSections() {
		if sec.Size == 0 {
			continue
		}
		entries = append(entries, entry{rva: sec.RVA + sec.Size, kind: KindEndSentinel})
	}
	for _, e := range entries {
		if e.size != nil {
			entries = append(entries, entry{rva: e.rva + *e.size, kind: KindEndSentinel})
		}
	}
	for _, rva := range opts.ExtraFunctionEnds {
		entries = append(entries, entry{rva: rva, kind: KindEndSentinel})
	}

	entries = sortAndDedup(entries)

	paths := opts.PathMapper
	if paths == nil {
		paths = pathmap.New()
	}

	m := &Map{
		debugID:   l.DebugID(),
		entries:   entries,
		segments:  l.Segments(),
		imageBase: base,
		dwarf:     dwarfres.New(l.DWARF(), paths),
		demangler: opts.Demangler,
		oso:       opts.OSO,
	}
	return m
}

// rvaOf subtracts base from addr, rejecting underflow.
func rvaOf(addr, base uint64) (uint32, bool) {
	if addr < base {
		return 0, false
	}
	rva := addr - base
	if rva > 0xFFFFFFFF {
		return 0, false
	}
	return uint32(rva), true
}

// sortAndDedup stable-sorts by RVA and keeps the first (highest
// priority, since KindText < KindLabel < ... numerically) entry at
// each address. Kind is a secondary sort key so the survivor at each
// address is independent of insertion order.
func sortAndDedup(entries []entry) []entry {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].rva != entries[j].rva {
			return entries[i].rva < entries[j].rva
		}
		return entries[i].kind < entries[j].kind
	})

	out := make([]entry, 0, len(entries))
	for i, e := range entries {
		if i > 0 && e.rva == entries[i-1].rva {
			continue
		}
		out = append(out, e)
	}
	return out
}

// DebugID returns the container's debug identifier, for façade matching
// against the requested LibraryInfo.
func (m *Map) DebugID() string { return m.debugID }

// NumSymbols reports how many address-range entries the index holds.
func (m *Map) NumSymbols() int { return len(m.entries) }

// Lookup resolves an RVA to an AddressInfo, or reports not-found.
func (m *Map) Lookup(rva uint32) (symtypes.AddressInfo, bool) {
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].rva > rva })
	if i == 0 {
		return symtypes.AddressInfo{}, false
	}
	e := m.entries[i-1]
	if e.kind == KindEndSentinel {
		return symtypes.AddressInfo{}, false // landed in a dead gap
	}

	var size *uint32
	if e.size != nil {
		size = e.size
	} else if i < len(m.entries) {
		next := m.entries[i].rva - e.rva
		size = &next
	}

	name := e.name
	if m.demangler != nil {
		name = m.demangler(name)
	}

	svma := uint64(rva) + m.imageBase
	frames := symtypes.Unavailable()
	if chain, ok := m.dwarf.Resolve(svma); ok {
		patchInnermostName(chain, name)
		frames = symtypes.Available(chain)
	} else if m.oso != nil {
		if ref, addr, ok := m.oso.Resolve(svma); ok {
			frames = symtypes.External(ref, addr)
		}
	}

	return symtypes.AddressInfo{
		SymbolAddress: e.rva,
		SymbolSize:    size,
		SymbolName:    name,
		Frames:        frames,
	}, true
}

// patchInnermostName fills the last frame's function name with the
// symbol table's own name for the range when the debug info didn't
// record one; the innermost frame is the queried function itself, so
// the symbol name is the right fallback.
func patchInnermostName(chain []symtypes.FrameDebugInfo, name string) {
	if len(chain) == 0 || name == "" {
		return
	}
	last := &chain[len(chain)-1]
	if last.Function == nil || *last.Function == "" {
		last.Function = &name
	}
}

// SVMAToFileOffset searches the segment table for the span covering
// svma and translates it to a file offset.
func (m *Map) SVMAToFileOffset(svma uint64) (uint64, bool) {
	for _, s := range m.segments {
		if svma >= s.SVMA && svma < s.SVMA+s.Size {
			return s.FileOffset + (svma - s.SVMA), true
		}
	}
	return 0, false
}

// FileOffsetToSVMA is SVMAToFileOffset's inverse, used by the façade
// to translate a file-offset lookup into the container's own address
// space before converting it to an RVA.
func (m *Map) FileOffsetToSVMA(off uint64) (uint64, bool) {
	for _, s := range m.segments {
		if off >= s.FileOffset && off < s.FileOffset+s.Size {
			return s.SVMA + (off - s.FileOffset), true
		}
	}
	return 0, false
}

// ImageBase returns the container's image base, used by the façade to
// convert an SVMA-kind LookupAddress to an RVA.
func (m *Map) ImageBase() uint64 { return m.imageBase }

// RVAFromSVMA subtracts the image base from svma, rejecting underflow.
func (m *Map) RVAFromSVMA(svma uint64) (uint32, bool) {
	return rvaOf(svma, m.imageBase)
}

// RVAAt returns the RVA and name of the i'th entry in address order,
// reporting false for end sentinels so iteration skips them.
func (m *Map) RVAAt(i int) (uint32, string, bool) {
	if i < 0 || i >= len(m.entries) {
		return 0, "", false
	}
	e := m.entries[i]
	if e.kind == KindEndSentinel {
		return 0, "", false
	}
	name := e.name
	if m.demangler != nil {
		name = m.demangler(name)
	}
	return e.rva, name, true
}
