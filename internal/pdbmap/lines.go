package pdbmap

import (
	"encoding/binary"
	"sort"

	"github.com/zboralski/symcore/internal/pathmap"
)

// C13 debug-subsection kinds carried in a module stream's line-info
// section, after its symbol and (legacy) C11 substreams.
const (
	debugSLines        = 0xF2
	debugSFileChksms   = 0xF4
	debugSInlineeLines = 0xF6

	// debugSIgnoreBit marks a subsection the producer wants consumers to
	// skip (linker-padded or superseded content).
	debugSIgnoreBit = 0x80000000
)

// lineEntry is one row of a module's DEBUG_S_LINES tables: the RVA a
// source line starts at, the line number, and the FILECHKSMS offset
// identifying the file.
type lineEntry struct {
	rva    uint32
	line   uint32
	fileID uint32
}

// inlineeSource is one DEBUG_S_INLINEELINES entry: the file an inlinee
// is declared in and its starting source line, the base the inline
// site's annotation line deltas are relative to.
type inlineeSource struct {
	fileID   uint32
	baseLine uint32
}

// moduleLineInfo is the parsed, queryable form of one module's C13
// line section, cached per module.
type moduleLineInfo struct {
	lines    []lineEntry              // sorted ascending by rva
	files    map[uint32]string        // FILECHKSMS offset -> canonicalized path
	inlinees map[uint32]inlineeSource // IPI id -> declaring file + start line
}

// parseModuleLines decodes a module's C13 section. c13 may be nil (the
// module carries no line info); the result is always usable.
func parseModuleLines(c13, names []byte, sections []SectionHeader, paths *pathmap.Mapper) *moduleLineInfo {
	info := &moduleLineInfo{
		files:    make(map[uint32]string),
		inlinees: make(map[uint32]inlineeSource),
	}

	// File checksums first: DEBUG_S_LINES and DEBUG_S_INLINEELINES both
	// name files by offset into the checksums subsection, which may
	// appear after them in the stream.
	forEachSubsection(c13, func(kind uint32, p []byte) {
		if kind == debugSFileChksms {
			parseFileChecksums(p, names, paths, info.files)
		}
	})
	forEachSubsection(c13, func(kind uint32, p []byte) {
		switch kind {
		case debugSLines:
			parseLinesSubsection(p, sections, info)
		case debugSInlineeLines:
			parseInlineeLines(p, info.inlinees)
		}
	})

	sort.Slice(info.lines, func(i, j int) bool { return info.lines[i].rva < info.lines[j].rva })
	return info
}

// forEachSubsection walks the {kind, length, payload} framing of a C13
// section, skipping ignorable subsections; payloads are padded to a
// 4-byte boundary.
func forEachSubsection(data []byte, fn func(kind uint32, payload []byte)) {
	off := 0
	for off+8 <= len(data) {
		kind := binary.LittleEndian.Uint32(data[off:])
		length := int(binary.LittleEndian.Uint32(data[off+4:]))
		off += 8
		if length < 0 || off+length > len(data) {
			break
		}
		if kind&debugSIgnoreBit == 0 {
			fn(kind, data[off:off+length])
		}
		off += (length + 3) &^ 3
	}
}

// parseFileChecksums indexes a DEBUG_S_FILECHKSMS subsection: each
// entry's byte offset within the subsection is the file id every other
// subsection uses, and its name lives in the global /names buffer.
func parseFileChecksums(p, names []byte, paths *pathmap.Mapper, out map[uint32]string) {
	off := 0
	for off+6 <= len(p) {
		nameOff := binary.LittleEndian.Uint32(p[off:])
		cbChecksum := int(p[off+4])
		if int(nameOff) < len(names) {
			out[uint32(off)] = paths.Canonicalize(cStringAt(names, int(nameOff)))
		}
		off += (6 + cbChecksum + 3) &^ 3
	}
}

// parseLinesSubsection flattens one DEBUG_S_LINES subsection into
// lineEntry rows. The subsection header binds a (segment, offset)
// contribution; each file block inside it carries (codeOffset, line)
// pairs relative to that contribution.
func parseLinesSubsection(p []byte, sections []SectionHeader, info *moduleLineInfo) {
	if len(p) < 12 {
		return
	}
	offCon := binary.LittleEndian.Uint32(p[0:])
	seg := binary.LittleEndian.Uint16(p[4:])
	if seg == 0 || int(seg) > len(sections) {
		return
	}
	base := sections[seg-1].VirtualAddress + offCon

	off := 12
	for off+12 <= len(p) {
		fileID := binary.LittleEndian.Uint32(p[off:])
		nLines := int(binary.LittleEndian.Uint32(p[off+4:]))
		blockSize := int(binary.LittleEndian.Uint32(p[off+8:]))

		entryOff := off + 12
		for i := 0; i < nLines && entryOff+8 <= len(p); i++ {
			rel := binary.LittleEndian.Uint32(p[entryOff:])
			lineField := binary.LittleEndian.Uint32(p[entryOff+4:])
			info.lines = append(info.lines, lineEntry{
				rva:    base + rel,
				line:   lineField & 0x00FFFFFF,
				fileID: fileID,
			})
			entryOff += 8
		}

		// blockSize includes this block's 12-byte header and any column
		// records following the line entries.
		if blockSize < 12 {
			break
		}
		off += blockSize
	}
}

// parseInlineeLines indexes a DEBUG_S_INLINEELINES subsection; the
// extended form (signature 1) appends a variable extra-file list per
// entry, which lookup doesn't need and skips.
func parseInlineeLines(p []byte, out map[uint32]inlineeSource) {
	if len(p) < 4 {
		return
	}
	extended := binary.LittleEndian.Uint32(p[0:]) == 1
	off := 4
	for off+12 <= len(p) {
		inlinee := binary.LittleEndian.Uint32(p[off:])
		fileID := binary.LittleEndian.Uint32(p[off+4:])
		srcLine := binary.LittleEndian.Uint32(p[off+8:])
		off += 12
		if extended {
			if off+4 > len(p) {
				break
			}
			extra := int(binary.LittleEndian.Uint32(p[off:]))
			off += 4 + extra*4
		}
		out[inlinee] = inlineeSource{fileID: fileID, baseLine: srcLine}
	}
}

// fileName resolves a FILECHKSMS offset to its canonicalized path.
func (info *moduleLineInfo) fileName(fileID uint32) *string {
	if name, ok := info.files[fileID]; ok && name != "" {
		return &name
	}
	return nil
}

// lineAt finds the line table row covering rva. Rows at addresses
// below lowerBound (the owning procedure's start) belong to a previous
// function and report nothing; compiler no-step markers (0xfeefee,
// 0xf00f00) and line 0 report a file but no line number.
func (info *moduleLineInfo) lineAt(rva, lowerBound uint32) (*string, *uint32) {
	idx := sort.Search(len(info.lines), func(i int) bool { return info.lines[i].rva > rva }) - 1
	if idx < 0 {
		return nil, nil
	}
	e := info.lines[idx]
	if e.rva < lowerBound {
		return nil, nil
	}
	file := info.fileName(e.fileID)
	if e.line == 0 || e.line >= 0xf00000 {
		return file, nil
	}
	line := e.line
	return file, &line
}
