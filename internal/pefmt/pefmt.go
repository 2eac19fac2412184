// Package pefmt is the PE loader behind objectmap, built on debug/pe
// for the container structure plus manual decoding for the two
// substructures debug/pe doesn't expose: the export directory and the
// CodeView debug-directory entry that carries the PDB's GUID+age.
package pefmt

import (
	"bytes"
	"debug/dwarf"
	"debug/pe"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/zboralski/symcore/internal/objectmap"
)

// Loader implements objectmap.Loader over a debug/pe.File.
type Loader struct {
	f         *pe.File
	data      []byte
	imageBase uint64
	entry     uint64
	debugID   string
	pdbPath   string
	pdbAge    uint32
}

// Open parses the PE container at data.
func Open(data []byte) (*Loader, error) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("pefmt: parse: %w", err)
	}

	l := &Loader{f: f, data: data}

	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		l.imageBase = uint64(oh.ImageBase)
		l.entry = uint64(oh.ImageBase) + uint64(oh.AddressOfEntryPoint)
		l.parseDebugDirectory(oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_DEBUG])
	case *pe.OptionalHeader64:
		l.imageBase = oh.ImageBase
		l.entry = oh.ImageBase + uint64(oh.AddressOfEntryPoint)
		l.parseDebugDirectory(oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_DEBUG])
	default:
		return nil, fmt.Errorf("pefmt: unrecognized optional header type")
	}

	return l, nil
}

func (l *Loader) ImageBase() uint64  { return l.imageBase }
func (l *Loader) EntryPoint() uint64 { return l.entry }
func (l *Loader) DebugID() string    { return l.debugID }

// PDBPath and PDBAge expose the CodeView debug-directory entry so the
// façade can ask the collaborator for PDB candidates before falling
// back to exports alone.
func (l *Loader) PDBPath() string { return l.pdbPath }
func (l *Loader) PDBAge() uint32  { return l.pdbAge }

// DWARF returns DWARF data for MinGW-style PEs that embed .debug_*
// sections; ordinary MSVC output has none and this returns nil.
func (l *Loader) DWARF() *dwarf.Data {
	d, err := l.f.DWARF()
	if err != nil {
		return nil
	}
	return d
}

func (l *Loader) Segments() []objectmap.SegmentSpan {
	var spans []objectmap.SegmentSpan
	for _, sec := range l.f.Sections {
		spans = append(spans, objectmap.SegmentSpan{
			SVMA:       l.imageBase + uint64(sec.VirtualAddress),
			FileOffset: uint64(sec.Offset),
			Size:       uint64(sec.Size),
		})
	}
	return spans
}

func (l *Loader) ExecutableSections() []objectmap.SectionInfo {
	var secs []objectmap.SectionInfo
	for _, sec := range l.f.Sections {
		if sec.Characteristics&pe.IMAGE_SCN_MEM_EXECUTE == 0 {
			continue
		}
		secs = append(secs, objectmap.SectionInfo{
			RVA:        sec.VirtualAddress,
			Size:       sec.VirtualSize,
			Executable: true,
		})
	}
	return secs
}

// Symbols returns the export table as objectmap.KindExport entries.
// Ordinary PE symbolication goes through a PDB (see pdbmap); this
// backend is the exports-only fallback.
func (l *Loader) Symbols() []objectmap.RawSymbol {
	exports, err := l.parseExports()
	if err != nil {
		return nil
	}
	out := make([]objectmap.RawSymbol, 0, len(exports))
	for _, e := range exports {
		out = append(out, objectmap.RawSymbol{Name: e.name, RVA: e.rva, Kind: objectmap.KindExport})
	}
	return out
}

type exportEntry struct {
	name string
	rva  uint32
}

// parseExports manually decodes IMAGE_EXPORT_DIRECTORY, which debug/pe
// does not expose. Layout: docs/PE format, Microsoft PE/COFF spec
// §6.3.
func (l *Loader) parseExports() ([]exportEntry, error) {
	var dir pe.DataDirectory
	switch oh := l.f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		dir = oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXPORT]
	case *pe.OptionalHeader64:
		dir = oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXPORT]
	}
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return nil, nil
	}

	raw, ok := l.readRVA(dir.VirtualAddress, dir.Size)
	if !ok {
		return nil, fmt.Errorf("pefmt: export directory not in any section")
	}
	if len(raw) < 40 {
		return nil, fmt.Errorf("pefmt: export directory too small")
	}

	numFuncs := binary.LittleEndian.Uint32(raw[20:24])
	numNames := binary.LittleEndian.Uint32(raw[24:28])
	addrFuncsRVA := binary.LittleEndian.Uint32(raw[28:32])
	addrNamesRVA := binary.LittleEndian.Uint32(raw[32:36])
	addrOrdinalsRVA := binary.LittleEndian.Uint32(raw[36:40])

	funcsRaw, ok := l.readRVA(addrFuncsRVA, numFuncs*4)
	if !ok {
		return nil, fmt.Errorf("pefmt: export address table not in any section")
	}
	namesRaw, ok := l.readRVA(addrNamesRVA, numNames*4)
	if !ok {
		namesRaw = nil
	}
	ordinalsRaw, ok := l.readRVA(addrOrdinalsRVA, numNames*2)
	if !ok {
		ordinalsRaw = nil
	}

	names := make(map[uint16]string)
	for nameIdx := uint32(0); nameIdx < numNames; nameIdx++ {
		off := nameIdx * 4
		if off+4 > uint32(len(namesRaw)) {
			break
		}
		nameRVA := binary.LittleEndian.Uint32(namesRaw[off : off+4])

		ordOff := nameIdx * 2
		if ordOff+2 > uint32(len(ordinalsRaw)) {
			continue
		}
		ordinal := binary.LittleEndian.Uint16(ordinalsRaw[ordOff : ordOff+2])

		if name, ok := l.readCString(nameRVA); ok {
			names[ordinal] = name
		}
	}

	var out []exportEntry
	for i := uint32(0); i*4+4 <= uint32(len(funcsRaw)); i++ {
		funcRVA := binary.LittleEndian.Uint32(funcsRaw[i*4 : i*4+4])
		if funcRVA == 0 {
			continue
		}
		// Forwarder exports (RVA points inside the export directory
		// itself, i.e. to a "DLL.Func" string) aren't real code addresses.
		if funcRVA >= dir.VirtualAddress && funcRVA < dir.VirtualAddress+dir.Size {
			continue
		}
		name := names[uint16(i)]
		if name == "" {
			name = fmt.Sprintf("ordinal_%d", i+1)
		}
		out = append(out, exportEntry{name: name, rva: funcRVA})
	}
	return out, nil
}

// readRVA finds the section containing rva and returns the requested
// byte range from its already-loaded data.
func (l *Loader) readRVA(rva, size uint32) ([]byte, bool) {
	for _, sec := range l.f.Sections {
		if rva < sec.VirtualAddress || rva >= sec.VirtualAddress+sec.VirtualSize {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return nil, false
		}
		off := rva - sec.VirtualAddress
		if uint64(off)+uint64(size) > uint64(len(data)) {
			return nil, false
		}
		return data[off : off+size], true
	}
	return nil, false
}

func (l *Loader) readCString(rva uint32) (string, bool) {
	for _, sec := range l.f.Sections {
		if rva < sec.VirtualAddress || rva >= sec.VirtualAddress+sec.VirtualSize {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return "", false
		}
		off := rva - sec.VirtualAddress
		end := off
		for end < uint32(len(data)) && data[end] != 0 {
			end++
		}
		return string(data[off:end]), true
	}
	return "", false
}

// parseDebugDirectory scans IMAGE_DEBUG_DIRECTORY entries for an
// IMAGE_DEBUG_TYPE_CODEVIEW (2) entry carrying an "RSDS" record
// (GUID + age + PDB path), the de facto standard CodeView debug-id.
func (l *Loader) parseDebugDirectory(dir pe.DataDirectory) {
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return
	}
	raw, ok := l.readRVA(dir.VirtualAddress, dir.Size)
	if !ok {
		return
	}

	const entrySize = 28
	const imageDebugTypeCodeView = 2
	for off := 0; off+entrySize <= len(raw); off += entrySize {
		typ := binary.LittleEndian.Uint32(raw[off+12 : off+16])
		if typ != imageDebugTypeCodeView {
			continue
		}
		dataRVA := binary.LittleEndian.Uint32(raw[off+20 : off+24])
		dataSize := binary.LittleEndian.Uint32(raw[off+16 : off+20])
		cv, ok := l.readRVA(dataRVA, dataSize)
		if !ok || len(cv) < 24 {
			continue
		}
		if string(cv[0:4]) != "RSDS" {
			continue
		}
		id, err := uuid.FromBytes(swapGUIDToRFC4122(cv[4:20]))
		if err != nil {
			continue
		}
		age := binary.LittleEndian.Uint32(cv[20:24])
		l.pdbAge = age
		l.debugID = fmt.Sprintf("%s%x", removeHyphens(id.String()), age)
		end := 24
		for end < len(cv) && cv[end] != 0 {
			end++
		}
		l.pdbPath = string(cv[24:end])
		return
	}
}

// swapGUIDToRFC4122 converts a Windows GUID's little-endian first three
// fields into the big-endian byte order uuid.FromBytes expects.
func swapGUIDToRFC4122(b []byte) []byte {
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:16])
	return out
}

func removeHyphens(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '-' {
			out = append(out, s[i])
		}
	}
	return string(out)
}
