// Package machofmt is the Mach-O loader behind objectmap (symbol
// table, segments, DWARF), plus the OSO-stabs binding that feeds
// external-file resolution and the fat/universal slice dispatch. Built
// on stdlib debug/macho for the container, so the DWARF it hands out
// is the same debug/dwarf.Data every other backend (elffmt, pefmt,
// dwarfres) is built around, and hand-rolls the two substructures
// stdlib doesn't expose (LC_UUID, LC_MAIN) the same way pefmt
// hand-rolls the export directory.
package machofmt

import (
	"bytes"
	"debug/dwarf"
	"debug/macho"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/zboralski/symcore/internal/debugid"
	"github.com/zboralski/symcore/internal/objectmap"
	"github.com/zboralski/symcore/symtypes"
)

const (
	lcUUID = 0x1b
	lcMain = 0x80000028

	nStab = 0xe0 // mask: any of these bits set means a stab entry
	nOso  = 0x66
	nFun  = 0x24
)

// Loader implements objectmap.Loader and objectmap.OSOResolver over a
// thin (single-architecture) Mach-O file.
type Loader struct {
	f         *macho.File
	imageBase uint64
	entry     uint64
	uuid      [16]byte
	hasUUID   bool
	funStabs  []funStab // sorted by addr, used for OSO resolution
}

// funStab is one N_FUN stab bracketed by the most recent N_OSO entry
// seen while scanning the symbol table in order.
type funStab struct {
	oso  string
	name string
	addr uint64
}

// Open parses the thin Mach-O container at data. data must stay alive
// for the Loader's lifetime.
func Open(data []byte) (*Loader, error) {
	f, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("machofmt: parse: %w", err)
	}

	l := &Loader{f: f}
	l.imageBase = textSegmentBase(f)
	l.entry = l.imageBase
	if off, ok := readLCMain(data); ok {
		l.entry = l.imageBase + off
	}
	if u, ok := readLCUUID(data); ok {
		l.uuid = u
		l.hasUUID = true
	}
	l.funStabs = buildFunStabs(f)
	return l, nil
}

// textSegmentBase returns the lowest segment vmaddr, conventionally
// __TEXT's, used as the image base for RVA conversion.
func textSegmentBase(f *macho.File) uint64 {
	base := uint64(0xFFFFFFFFFFFFFFFF)
	for _, l := range f.Loads {
		seg, ok := l.(*macho.Segment)
		if !ok {
			continue
		}
		if seg.Addr < base {
			base = seg.Addr
		}
	}
	if base == 0xFFFFFFFFFFFFFFFF {
		return 0
	}
	return base
}

// readLCUUID manually walks the Mach-O header and load commands looking
// for LC_UUID, since debug/macho does not expose it as a typed command.
func readLCUUID(data []byte) ([16]byte, bool) {
	var zero [16]byte
	cmds, _, base, ok := loadCommandTable(data)
	if !ok {
		return zero, false
	}
	for _, c := range cmds {
		if c.cmd != lcUUID {
			continue
		}
		start := base + c.offset + 8
		if start+16 > uint64(len(data)) {
			return zero, false
		}
		var u [16]byte
		copy(u[:], data[start:start+16])
		return u, true
	}
	return zero, false
}

// readLCMain manually walks for LC_MAIN, returning its entryoff field
// (a file offset that is also the RVA from __TEXT's base in practice
// for position-independent executables).
func readLCMain(data []byte) (uint64, bool) {
	cmds, order, base, ok := loadCommandTable(data)
	if !ok {
		return 0, false
	}
	for _, c := range cmds {
		if c.cmd != lcMain {
			continue
		}
		start := base + c.offset + 8
		if start+8 > uint64(len(data)) {
			return 0, false
		}
		return order.Uint64(data[start : start+8]), true
	}
	return 0, false
}

type rawLoadCmd struct {
	cmd    uint32
	size   uint32
	offset uint64 // offset of this command's start, relative to base
}

// loadCommandTable parses just enough of the Mach-O (or a single fat
// slice's) header to enumerate load commands: magic, cpu/subcpu,
// filetype, ncmds, sizeofcmds, flags (+ reserved for 64-bit).
func loadCommandTable(data []byte) (cmds []rawLoadCmd, order binary.ByteOrder, headerSize uint64, ok bool) {
	if len(data) < 4 {
		return nil, nil, 0, false
	}
	magic := binary.LittleEndian.Uint32(data)
	var is64 bool
	switch magic {
	case 0xfeedface: // MH_MAGIC
		order, is64 = binary.LittleEndian, false
	case 0xcefaedfe: // MH_CIGAM
		order, is64 = binary.BigEndian, false
	case 0xfeedfacf: // MH_MAGIC_64
		order, is64 = binary.LittleEndian, true
	case 0xcffaedfe: // MH_CIGAM_64
		order, is64 = binary.BigEndian, true
	default:
		return nil, nil, 0, false
	}

	headerSize = 28
	if is64 {
		headerSize = 32
	}
	if uint64(len(data)) < headerSize {
		return nil, nil, 0, false
	}
	ncmds := order.Uint32(data[16:20])

	off := headerSize
	for i := uint32(0); i < ncmds; i++ {
		if off+8 > uint64(len(data)) {
			break
		}
		cmd := order.Uint32(data[off : off+4])
		size := order.Uint32(data[off+4 : off+8])
		cmds = append(cmds, rawLoadCmd{cmd: cmd, size: size, offset: off - headerSize})
		off += uint64(size)
	}
	return cmds, order, headerSize, true
}

func (l *Loader) ImageBase() uint64  { return l.imageBase }
func (l *Loader) EntryPoint() uint64 { return l.entry }

// DebugID is the Mach-O UUID with a trailing "0" age digit.
func (l *Loader) DebugID() string {
	if !l.hasUUID {
		return ""
	}
	id, err := uuid.FromBytes(l.uuid[:])
	if err != nil {
		return ""
	}
	return debugid.FromMachOUUID(id).String()
}

// DWARF builds stdlib DWARF data from the __DWARF segment's sections,
// the same selective-section approach debug/macho's own (unused here)
// DWARF() method takes, kept local so the returned type matches every
// other backend's debug/dwarf.Data exactly.
func (l *Loader) DWARF() *dwarf.Data {
	sec := func(name string) []byte {
		s := l.f.Section(name)
		if s == nil {
			return nil
		}
		d, err := s.Data()
		if err != nil {
			return nil
		}
		return d
	}

	abbrev := sec("__debug_abbrev")
	if abbrev == nil {
		return nil
	}
	d, err := dwarf.New(abbrev, nil, sec("__debug_frame"), sec("__debug_info"), sec("__debug_line"), sec("__debug_pubnames"), sec("__debug_ranges"), sec("__debug_str"))
	if err != nil {
		return nil
	}
	return d
}

func (l *Loader) Segments() []objectmap.SegmentSpan {
	var spans []objectmap.SegmentSpan
	for _, ld := range l.f.Loads {
		seg, ok := ld.(*macho.Segment)
		if !ok {
			continue
		}
		spans = append(spans, objectmap.SegmentSpan{SVMA: seg.Addr, FileOffset: seg.Offset, Size: seg.Filesz})
	}
	return spans
}

func (l *Loader) ExecutableSections() []objectmap.SectionInfo {
	const sAttrPureInstructions = 0x80000000
	const sAttrSomeInstructions = 0x00000400
	var secs []objectmap.SectionInfo
	for _, sec := range l.f.Sections {
		if sec.Flags&(sAttrPureInstructions|sAttrSomeInstructions) == 0 {
			continue
		}
		if sec.Addr < l.imageBase {
			continue
		}
		secs = append(secs, objectmap.SectionInfo{RVA: uint32(sec.Addr - l.imageBase), Size: uint32(sec.Size), Executable: true})
	}
	return secs
}

func (l *Loader) sectionExecutable(addr uint64) bool {
	const sAttrPureInstructions = 0x80000000
	const sAttrSomeInstructions = 0x00000400
	for _, sec := range l.f.Sections {
		if addr < sec.Addr || addr >= sec.Addr+sec.Size {
			continue
		}
		return sec.Flags&(sAttrPureInstructions|sAttrSomeInstructions) != 0
	}
	return false
}

// Symbols contributes the symtab's N_SECT entries (real text
// symbols). Stab entries (N_OSO, N_FUN, ...) are consumed separately
// by buildFunStabs, not contributed here.
func (l *Loader) Symbols() []objectmap.RawSymbol {
	if l.f.Symtab == nil {
		return nil
	}
	var out []objectmap.RawSymbol
	for _, s := range l.f.Symtab.Syms {
		if s.Type&nStab != 0 {
			continue // stab entry, not a real symbol
		}
		const nType = 0x0e
		const nSect = 0x0e
		if s.Type&nType != nSect {
			continue // not section-relative
		}
		if s.Value == 0 || s.Value < l.imageBase || s.Name == "" {
			continue
		}
		if !l.sectionExecutable(s.Value) {
			continue
		}
		rva := uint32(s.Value - l.imageBase)
		out = append(out, objectmap.RawSymbol{Name: s.Name, RVA: rva, Kind: objectmap.KindLabel})
	}
	return out
}

// buildFunStabs scans the (ordered) symbol table tracking the most
// recently seen N_OSO entry and recording each N_FUN entry under it;
// these stabs are what bind an address to an external object file.
func buildFunStabs(f *macho.File) []funStab {
	if f.Symtab == nil {
		return nil
	}
	var out []funStab
	var currentOSO string
	for _, s := range f.Symtab.Syms {
		switch s.Type {
		case nOso:
			currentOSO = s.Name
		case nFun:
			if s.Name != "" && currentOSO != "" {
				out = append(out, funStab{oso: currentOSO, name: s.Name, addr: s.Value})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}

// Resolve implements objectmap.OSOResolver: finds the funStab bracket
// containing svma and returns a reference to its OSO object file plus
// the offset from the bracket's own symbol.
func (l *Loader) Resolve(svma uint64) (symtypes.ExternalFileRef, symtypes.ExternalFileAddressInFileRef, bool) {
	if len(l.funStabs) == 0 {
		return symtypes.ExternalFileRef{}, symtypes.ExternalFileAddressInFileRef{}, false
	}
	i := sort.Search(len(l.funStabs), func(i int) bool { return l.funStabs[i].addr > svma })
	if i == 0 {
		return symtypes.ExternalFileRef{}, symtypes.ExternalFileAddressInFileRef{}, false
	}
	fs := l.funStabs[i-1]

	fileName, member := splitArchiveMember(fs.oso)
	ref := symtypes.ExternalFileRef{FileName: fileName}
	var memberPtr *string
	if member != "" {
		memberPtr = &member
	}
	addr := symtypes.ExternalFileAddressInFileRef{
		MemberName:       memberPtr,
		SymbolName:       []byte(fs.name),
		OffsetFromSymbol: svma - fs.addr,
	}
	return ref, addr, true
}

// FindSymbol looks up a symtab entry by exact name, returning its raw
// (unrelocated) value. Used by internal/machoext to turn the
// ExternalFileAddressInFileRef's SymbolName+OffsetFromSymbol pair back
// into an address inside the opened .o/archive-member object file.
func (l *Loader) FindSymbol(name string) (uint64, bool) {
	if l.f.Symtab == nil {
		return 0, false
	}
	for _, s := range l.f.Symtab.Syms {
		if s.Type&nStab != 0 {
			continue
		}
		if s.Name == name {
			return s.Value, true
		}
	}
	return 0, false
}

// splitArchiveMember splits an OSO name of the form "/path/to/lib.a(member.o)"
// into its archive path and member name; a plain ".o" OSO name has no
// member and splits to (name, "").
func splitArchiveMember(oso string) (file, member string) {
	if strings.HasSuffix(oso, ")") {
		if idx := strings.LastIndexByte(oso, '('); idx >= 0 {
			return oso[:idx], oso[idx+1 : len(oso)-1]
		}
	}
	return oso, ""
}
