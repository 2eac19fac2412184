// Package elffmt is the ELF loader behind objectmap: a PT_LOAD walk
// for the image base and segment spans, a DynamicSymbols()/Symbols()
// merge with version-suffix stripping, build-id extraction, and the
// section metadata objectmap needs.
package elffmt

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"strings"

	"github.com/zboralski/symcore/internal/armscan"
	"github.com/zboralski/symcore/internal/debugid"
	"github.com/zboralski/symcore/internal/objectmap"
)

// Loader implements objectmap.Loader over a debug/elf.File.
type Loader struct {
	f         *elf.File
	imageBase uint64
	entry     uint64
	debugID   string
}

// Open parses the ELF container at data and returns a Loader. data must
// stay alive for the Loader's lifetime (it is read lazily by debug/elf
// and by DWARF()).
func Open(data []byte) (*Loader, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("elffmt: parse: %w", err)
	}

	base := uint64(0xFFFFFFFFFFFFFFFF)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Vaddr < base {
			base = prog.Vaddr
		}
	}
	if base == 0xFFFFFFFFFFFFFFFF {
		base = 0
	}

	return &Loader{f: f, imageBase: base, entry: f.Entry, debugID: buildID(f)}, nil
}

// buildID extracts the GNU .note.gnu.build-id note, if present, and
// formats its first 16 bytes as a debug identifier.
func buildID(f *elf.File) string {
	sec := f.Section(".note.gnu.build-id")
	if sec == nil {
		return ""
	}
	data, err := sec.Data()
	if err != nil || len(data) < 16 {
		return ""
	}
	// ELF note layout: namesz, descsz, type, name (padded), desc (padded).
	nameSz := le32(data[0:4])
	descSz := le32(data[4:8])
	off := 12 + align4(nameSz)
	if off+descSz > uint32(len(data)) {
		return ""
	}
	id, err := debugid.FromELFBuildID(data[off : off+descSz])
	if err != nil {
		return ""
	}
	return id.String()
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func align4(n uint32) uint32 { return (n + 3) &^ 3 }

func (l *Loader) ImageBase() uint64 { return l.imageBase }
func (l *Loader) EntryPoint() uint64 { return l.entry }
func (l *Loader) DebugID() string    { return l.debugID }

// DWARF returns the container's DWARF data, or nil if absent; callers
// fall back to symbol-table-only results.
func (l *Loader) DWARF() *dwarf.Data {
	d, err := l.f.DWARF()
	if err != nil {
		return nil
	}
	return d
}

// Segments returns each PT_LOAD's (vaddr, file offset, size), used for
// file-offset translation.
func (l *Loader) Segments() []objectmap.SegmentSpan {
	var spans []objectmap.SegmentSpan
	for _, prog := range l.f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		spans = append(spans, objectmap.SegmentSpan{
			SVMA:       prog.Vaddr,
			FileOffset: prog.Off,
			Size:       prog.Filesz,
		})
	}
	return spans
}

// ExecutableSections returns every section objectmap should contribute
// an end-sentinel for: SHF_EXECINSTR sections, including NOBITS ones,
// so debug-only files whose .text was stripped to NOBITS still count as
// executable.
func (l *Loader) ExecutableSections() []objectmap.SectionInfo {
	var secs []objectmap.SectionInfo
	for _, sec := range l.f.Sections {
		execFlag := sec.Flags&elf.SHF_EXECINSTR != 0
		if !execFlag {
			continue
		}
		if sec.Type != elf.SHT_PROGBITS && sec.Type != elf.SHT_NOBITS {
			continue
		}
		if sec.Addr < l.imageBase {
			continue
		}
		secs = append(secs, objectmap.SectionInfo{
			RVA:        uint32(sec.Addr - l.imageBase),
			Size:       uint32(sec.Size),
			Executable: true,
		})
	}
	return secs
}

// sectionExecutable reports whether the section containing addr is
// marked SHF_EXECINSTR, applying the same NOBITS carve-out as
// ExecutableSections.
func (l *Loader) sectionExecutable(addr uint64) bool {
	for _, sec := range l.f.Sections {
		if addr < sec.Addr || addr >= sec.Addr+sec.Size {
			continue
		}
		return sec.Flags&elf.SHF_EXECINSTR != 0
	}
	return false
}

// Symbols merges dynamic and static symbol tables into objectmap's
// flat RawSymbol form, stripping @GLIBC-style version suffixes for
// consistent lookup; objectmap's sort+dedup picks one canonical entry
// per address.
func (l *Loader) Symbols() []objectmap.RawSymbol {
	var out []objectmap.RawSymbol

	add := func(name string, value, size uint64, typ elf.SymType) {
		if value == 0 || name == "" {
			return
		}
		if value < l.imageBase {
			return
		}
		kind, ok := classify(typ, size, l.sectionExecutable(value))
		if !ok {
			return
		}
		rva := uint32(value - l.imageBase)
		var sz *uint32
		if size > 0 {
			s := uint32(size)
			sz = &s
		}
		out = append(out, objectmap.RawSymbol{Name: stripVersion(name), RVA: rva, Size: sz, Kind: kind})
	}

	if syms, err := l.f.DynamicSymbols(); err == nil {
		for _, s := range syms {
			add(s.Name, s.Value, s.Size, elf.ST_TYPE(s.Info))
		}
	}
	if syms, err := l.f.Symbols(); err == nil {
		for _, s := range syms {
			add(s.Name, s.Value, s.Size, elf.ST_TYPE(s.Info))
		}
	}

	return out
}

func classify(typ elf.SymType, size uint64, sectionExec bool) (objectmap.EntryKind, bool) {
	switch typ {
	case elf.STT_FUNC:
		return objectmap.KindText, true
	case elf.STT_GNU_IFUNC:
		return objectmap.KindText, true
	case elf.STT_NOTYPE:
		// Kernel-style NOTYPE text symbols follow the same size-gated
		// label rule; zero-size NOTYPE entries (seen in the wild, e.g.
		// local assembler labels) would swallow the addresses of the
		// real function before them.
		if size > 0 && sectionExec {
			return objectmap.KindLabel, true
		}
		return 0, false
	default:
		if size > 0 && sectionExec {
			return objectmap.KindLabel, true
		}
		return 0, false
	}
}

// SynthesizedFunctionStarts returns AArch64 prologue-scan results for
// every executable section, for callers building
// objectmap.BuildOptions. Returns nil on non-AArch64 ELFs, where a
// symbol table or unwind info is the expected source of function starts
// instead.
func (l *Loader) SynthesizedFunctionStarts() []uint32 {
	if l.f.Machine != elf.EM_AARCH64 {
		return nil
	}
	var starts []uint32
	for _, sec := range l.f.Sections {
		if sec.Flags&elf.SHF_EXECINSTR == 0 || sec.Type != elf.SHT_PROGBITS {
			continue
		}
		if sec.Addr < l.imageBase {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			continue
		}
		starts = append(starts, armscan.FunctionStarts(data, uint32(sec.Addr-l.imageBase))...)
	}
	return starts
}

func stripVersion(name string) string {
	if idx := strings.Index(name, "@@"); idx != -1 {
		return name[:idx]
	}
	if idx := strings.Index(name, "@"); idx != -1 {
		return name[:idx]
	}
	return name
}
