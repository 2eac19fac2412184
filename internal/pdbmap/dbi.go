package pdbmap

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	streamPDBInfo = 1
	streamTPI     = 2
	streamDBI     = 3
	streamIPI     = 4
)

// dbiHeader is the fixed 64-byte DBI stream header (MS-PDB "New DBI
// Header", magic 0xFFFFFFFF, version >= 19990903).
type dbiHeader struct {
	gssymStream      int16
	vers             uint32
	pssymStream      int16
	pdbVer           uint16
	symRecordStream  int16
	moduleInfoSize   uint32
	secContrSize     uint32
	secMapSize       uint32
	fileInfoSize     uint32
	tsMapSize        uint32
	mfcTypeServer    uint32
	optDbgHdrSize    uint32
	ecSize           uint32
	flags            uint16
	machine          uint16
}

func parseDBIHeader(data []byte) (dbiHeader, error) {
	if len(data) < 64 {
		return dbiHeader{}, fmt.Errorf("pdbmap: DBI stream too small")
	}
	magic := binary.LittleEndian.Uint32(data[0:])
	if magic != 0xFFFFFFFF {
		return dbiHeader{}, fmt.Errorf("pdbmap: bad DBI header magic %#x", magic)
	}
	h := dbiHeader{
		gssymStream:     int16(binary.LittleEndian.Uint16(data[12:])),
		pssymStream:     int16(binary.LittleEndian.Uint16(data[16:])),
		pdbVer:          binary.LittleEndian.Uint16(data[18:]),
		symRecordStream: int16(binary.LittleEndian.Uint16(data[20:])),
		moduleInfoSize:  binary.LittleEndian.Uint32(data[24:]),
		secContrSize:    binary.LittleEndian.Uint32(data[28:]),
		secMapSize:      binary.LittleEndian.Uint32(data[32:]),
		fileInfoSize:    binary.LittleEndian.Uint32(data[36:]),
		tsMapSize:       binary.LittleEndian.Uint32(data[40:]),
		mfcTypeServer:   binary.LittleEndian.Uint32(data[44:]),
		optDbgHdrSize:   binary.LittleEndian.Uint32(data[48:]),
		ecSize:          binary.LittleEndian.Uint32(data[52:]),
		flags:           binary.LittleEndian.Uint16(data[56:]),
		machine:         binary.LittleEndian.Uint16(data[58:]),
	}
	return h, nil
}

// Module is one compiland's entry in the DBI module-info substream: its
// own symbol stream (module-private S_GPROC32/S_PUB32/... records)
// plus contribution range.
type Module struct {
	Name         string
	ObjFile      string
	SymbolStream int16
	SymByteSize  uint32
	C11ByteSize  uint32
	C13ByteSize  uint32
}

// parseModules walks the DBI module-info substream, a sequence of
// variable-length records (fixed header + two null-terminated strings,
// padded to a 4-byte boundary).
func parseModules(data []byte) ([]Module, error) {
	var mods []Module
	off := 0
	for off+64 <= len(data) {
		// Fixed portion relevant fields: skip SC (section contribution,
		// 28 bytes after the 4-byte "unused" opener), then flags(2),
		// stream(2), symByteSize(4), c11(4), c13(4), nFiles(2), pad(2),
		// mSym(4), srcFile(4), pdbFile(4), then two C-strings.
		rec := data[off:]
		if len(rec) < 64 {
			break
		}
		streamNum := int16(binary.LittleEndian.Uint16(rec[34:]))
		symByteSize := binary.LittleEndian.Uint32(rec[36:])
		c11Size := binary.LittleEndian.Uint32(rec[40:])
		c13Size := binary.LittleEndian.Uint32(rec[44:])

		strOff := 64
		name, n1, ok := readCStringAt(rec, strOff)
		if !ok {
			break
		}
		objFile, n2, ok := readCStringAt(rec, strOff+n1)
		if !ok {
			break
		}
		recLen := strOff + n1 + n2
		recLen = (recLen + 3) &^ 3 // align to 4 bytes

		mods = append(mods, Module{
			Name:         name,
			ObjFile:      objFile,
			SymbolStream: streamNum,
			SymByteSize:  symByteSize,
			C11ByteSize:  c11Size,
			C13ByteSize:  c13Size,
		})

		if recLen <= 0 || off+recLen > len(data) {
			break
		}
		off += recLen
	}
	return mods, nil
}

func readCStringAt(data []byte, off int) (string, int, bool) {
	if off > len(data) {
		return "", 0, false
	}
	end := off
	for end < len(data) && data[end] != 0 {
		end++
	}
	if end >= len(data) {
		return "", 0, false
	}
	return string(data[off:end]), end - off + 1, true
}

// SectionHeader is one entry of the PE section header table the DBI
// "optional debug header" substream carries a copy of, used to turn a
// PDB symbol's (segment, offset) pair into an RVA.
type SectionHeader struct {
	Name           string
	VirtualSize    uint32
	VirtualAddress uint32
	Characteristics uint32
}

// parseSectionHeaders decodes the IMAGE_SECTION_HEADER array found via
// the DBI optional-debug-header substream's "Section Header" slot.
func parseSectionHeaders(data []byte) []SectionHeader {
	const entrySize = 40
	var out []SectionHeader
	for off := 0; off+entrySize <= len(data); off += entrySize {
		name := strings.TrimRight(string(data[off:off+8]), "\x00")
		out = append(out, SectionHeader{
			Name:            name,
			VirtualSize:     binary.LittleEndian.Uint32(data[off+8:]),
			VirtualAddress:  binary.LittleEndian.Uint32(data[off+12:]),
			Characteristics: binary.LittleEndian.Uint32(data[off+36:]),
		})
	}
	return out
}

// optionalDebugHeaderStreams are indices into the DBI "optional debug
// header" substream's uint16 array, which this project reads only for
// the section header stream.
const optDbgHdrSectionHdr = 5

// pdbInfoHeader is the fixed portion of the PDB Info stream (stream
// 1): version, signature, age, and the 16-byte GUID. The age here is
// authoritative over the one in a PE's debug directory, which can lag
// by one.
type pdbInfoHeader struct {
	Age  uint32
	GUID [16]byte
}

// pdbInfoHeaderSize is the fixed header's length: version(4) +
// signature(4) + age(4) + guid(16). The named-stream map follows it.
const pdbInfoHeaderSize = 28

func parsePDBInfoHeader(data []byte) (pdbInfoHeader, error) {
	if len(data) < pdbInfoHeaderSize {
		return pdbInfoHeader{}, fmt.Errorf("pdbmap: PDB info stream too small")
	}
	var h pdbInfoHeader
	h.Age = binary.LittleEndian.Uint32(data[8:])
	copy(h.GUID[:], data[12:pdbInfoHeaderSize])
	return h, nil
}

// findNamedStream walks the named-stream map that follows the PDB info
// header (a string buffer plus a serialized hash table of name-offset
// to stream-index pairs) and returns the stream number registered
// under name, e.g. "/names" for the global string table.
func findNamedStream(infoStream []byte, name string) (uint32, bool) {
	off := pdbInfoHeaderSize
	if off+4 > len(infoStream) {
		return 0, false
	}
	cbNames := int(binary.LittleEndian.Uint32(infoStream[off:]))
	off += 4
	if off+cbNames > len(infoStream) {
		return 0, false
	}
	names := infoStream[off : off+cbNames]
	off += cbNames

	readU32 := func() (uint32, bool) {
		if off+4 > len(infoStream) {
			return 0, false
		}
		v := binary.LittleEndian.Uint32(infoStream[off:])
		off += 4
		return v, true
	}
	skipBitVector := func() bool {
		words, ok := readU32()
		if !ok || off+int(words)*4 > len(infoStream) {
			return false
		}
		off += int(words) * 4
		return true
	}

	size, ok := readU32()
	if !ok {
		return 0, false
	}
	if _, ok := readU32(); !ok { // capacity
		return 0, false
	}
	if !skipBitVector() || !skipBitVector() { // present, deleted
		return 0, false
	}

	for i := uint32(0); i < size; i++ {
		nameOff, ok := readU32()
		if !ok {
			return 0, false
		}
		streamIdx, ok := readU32()
		if !ok {
			return 0, false
		}
		if int(nameOff) < len(names) && cStringAt(names, int(nameOff)) == name {
			return streamIdx, true
		}
	}
	return 0, false
}

func cStringAt(data []byte, off int) string {
	end := off
	for end < len(data) && data[end] != 0 {
		end++
	}
	return string(data[off:end])
}
