package pdbmap

import (
	"encoding/binary"
	"testing"

	"github.com/zboralski/symcore/internal/codeview"
	"github.com/zboralski/symcore/internal/pathmap"
	"github.com/zboralski/symcore/symtypes"
)

func u16le(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func u32le(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func cvRecord(kind uint16, payload []byte) []byte {
	out := u16le(uint16(2 + len(payload)))
	out = append(out, u16le(kind)...)
	return append(out, payload...)
}

func uleb(b []byte, v uint32) []byte {
	for v >= 0x80 {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}

// procPayload builds an S_GPROC32 payload; only Length, Offset,
// Segment and Name matter to the lookup path under test.
func procPayload(length, offset uint32, segment uint16, name string) []byte {
	p := make([]byte, 35)
	binary.LittleEndian.PutUint32(p[12:], length)
	binary.LittleEndian.PutUint32(p[28:], offset)
	binary.LittleEndian.PutUint16(p[32:], segment)
	return append(p, append([]byte(name), 0)...)
}

// inlineSitePayload builds an S_INLINESITE payload: parent/end
// pointers (unused by the matcher), the IPI inlinee index, and a
// binary-annotation stream covering [codeOffset, codeOffset+length)
// at the given line delta.
func inlineSitePayload(inlinee, codeOffset, length uint32, lineDelta uint32) []byte {
	p := make([]byte, 12)
	binary.LittleEndian.PutUint32(p[8:], inlinee)
	var ann []byte
	ann = uleb(ann, 0x0b) // change code offset and line offset, packed
	ann = uleb(ann, codeOffset<<4|lineDelta)
	ann = uleb(ann, 0x04) // change code length
	ann = uleb(ann, length)
	ann = uleb(ann, 0x00) // end
	return append(p, ann...)
}

func funcIDLeaf(name string) leafRecord {
	data := make([]byte, 8) // scope 0, functionType 0 (unresolvable, bare name)
	data = append(data, append([]byte(name), 0)...)
	return leafRecord{kind: lfFuncID, data: data}
}

// sub frames one C13 subsection with its kind/length header and 4-byte
// padding.
func sub(kind uint32, payload []byte) []byte {
	out := append(u32le(kind), u32le(uint32(len(payload)))...)
	out = append(out, payload...)
	for len(out)%4 != 0 {
		out = append(out, 0)
	}
	return out
}

// buildTestSymbolMap assembles a one-module map by hand:
//
//	outer_function at rva 0x1000, length 0x40, lines 10 (at +0x0) and
//	12 (at +0x10) in main.cpp;
//	inlined_helper (declared util.h:100) inlined over [+0x10,+0x18)
//	with line delta +2;
//	deep_helper (declared util.h:200) nested inside it over
//	[+0x12,+0x16) with line delta +1.
func buildTestSymbolMap() *SymbolMap {
	stream := []byte{4, 0, 0, 0}
	procOff := len(stream)
	stream = append(stream, cvRecord(codeview.SGProc32, procPayload(0x40, 0x1000, 1, "outer_function"))...)
	stream = append(stream, cvRecord(codeview.SInlineSite, inlineSitePayload(0x1000, 0x10, 0x8, 2))...)
	stream = append(stream, cvRecord(codeview.SInlineSite, inlineSitePayload(0x1001, 0x12, 0x4, 1))...)
	stream = append(stream, cvRecord(codeview.SInlineSiteEnd, nil)...)
	stream = append(stream, cvRecord(codeview.SInlineSiteEnd, nil)...)
	endOff := len(stream)
	stream = append(stream, cvRecord(codeview.SEnd, nil)...)

	names := []byte("main.cpp\x00util.h\x00")

	// FILECHKSMS: main.cpp at subsection offset 0, util.h at offset 8.
	var chksms []byte
	chksms = append(chksms, u32le(0)...) // name offset of main.cpp
	chksms = append(chksms, 0, 0, 0, 0)  // cb, kind, pad
	chksms = append(chksms, u32le(9)...) // name offset of util.h
	chksms = append(chksms, 0, 0, 0, 0)

	// DEBUG_S_LINES: contribution (seg 1, offset 0x1000), one file
	// block with two rows.
	var lines []byte
	lines = append(lines, u32le(0x1000)...)
	lines = append(lines, u16le(1)...)
	lines = append(lines, u16le(0)...)
	lines = append(lines, u32le(0x40)...)
	lines = append(lines, u32le(0)...)  // fileID: main.cpp
	lines = append(lines, u32le(2)...)  // nLines
	lines = append(lines, u32le(28)...) // blockSize: 12-byte header + 2*8
	lines = append(lines, u32le(0x0)...)
	lines = append(lines, u32le(10)...)
	lines = append(lines, u32le(0x10)...)
	lines = append(lines, u32le(12)...)

	var inlinees []byte
	inlinees = append(inlinees, u32le(0)...) // signature: plain form
	inlinees = append(inlinees, u32le(0x1000)...)
	inlinees = append(inlinees, u32le(8)...) // util.h
	inlinees = append(inlinees, u32le(100)...)
	inlinees = append(inlinees, u32le(0x1001)...)
	inlinees = append(inlinees, u32le(8)...)
	inlinees = append(inlinees, u32le(200)...)

	var c13 []byte
	c13 = append(c13, sub(debugSFileChksms, chksms)...)
	c13 = append(c13, sub(debugSLines, lines)...)
	c13 = append(c13, sub(debugSInlineeLines, inlinees)...)

	ipi := &TypeStream{begin: 0x1000, leafs: []leafRecord{
		funcIDLeaf("inlined_helper"),
		funcIDLeaf("deep_helper"),
	}}

	return &SymbolMap{
		debugIDStr:    "AABBCCDD0",
		demangle:      func(s string) string { return s },
		paths:         pathmap.New(),
		fmt:           newTypeFormatter(&TypeStream{begin: 0x1000}, ipi),
		moduleStreams: map[int][]byte{0: stream},
		moduleC13:     map[int][]byte{0: c13},
		sections:      []SectionHeader{{Name: ".text", VirtualAddress: 0}},
		names:         names,
		procs: []procEntry{{
			rva:         0x1000,
			length:      0x40,
			name:        "outer_function",
			moduleIndex: 0,
			recOffset:   procOff,
			end:         uint32(endOff),
		}},
		frameCache: make(map[uint32][]symtypes.FrameDebugInfo),
		c13Cache:   make(map[int]*moduleLineInfo),
	}
}

func checkFrame(t *testing.T, fr symtypes.FrameDebugInfo, fn, file string, line uint32) {
	t.Helper()
	if fr.Function == nil || *fr.Function != fn {
		t.Errorf("function = %v, want %q", fr.Function, fn)
	}
	if fr.File == nil || *fr.File != file {
		t.Errorf("file = %v, want %q", fr.File, file)
	}
	if fr.Line == nil || *fr.Line != line {
		t.Errorf("line = %v, want %d", fr.Line, line)
	}
}

// An address outside every inline range gets a single frame located by
// the procedure's own line table.
func TestLookupPlainLine(t *testing.T) {
	m := buildTestSymbolMap()
	info, err := m.Lookup(0x1004)
	if err != nil {
		t.Fatal(err)
	}
	if info.SymbolName != "outer_function" || info.SymbolAddress != 0x1000 {
		t.Errorf("got %q at %#x", info.SymbolName, info.SymbolAddress)
	}
	frames := info.Frames.Frames
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	checkFrame(t, frames[0], "outer_function", "main.cpp", 10)
}

// An address inside both nested inline sites produces the full
// outer-to-inner chain: the procedure located at the outer call site,
// the outer inlinee located at the nested site's call position, and
// the nested inlinee at its own line for the address.
func TestLookupNestedInlineChain(t *testing.T) {
	m := buildTestSymbolMap()
	info, err := m.Lookup(0x1013)
	if err != nil {
		t.Fatal(err)
	}
	frames := info.Frames.Frames
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3: %+v", len(frames), frames)
	}
	checkFrame(t, frames[0], "outer_function", "main.cpp", 12)
	checkFrame(t, frames[1], "inlined_helper", "util.h", 102)
	checkFrame(t, frames[2], "deep_helper", "util.h", 201)
}

// An address inside only the outer site stops the chain at depth 1.
func TestLookupSingleDepthInline(t *testing.T) {
	m := buildTestSymbolMap()
	info, err := m.Lookup(0x1016)
	if err != nil {
		t.Fatal(err)
	}
	frames := info.Frames.Frames
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2: %+v", len(frames), frames)
	}
	checkFrame(t, frames[0], "outer_function", "main.cpp", 12)
	checkFrame(t, frames[1], "inlined_helper", "util.h", 102)
}

func TestLookupPastProcedureEnd(t *testing.T) {
	m := buildTestSymbolMap()
	if _, err := m.Lookup(0x1040); err == nil {
		t.Fatal("address past the procedure's range must not resolve")
	}
}

func TestFramesAreMemoised(t *testing.T) {
	m := buildTestSymbolMap()
	first, err := m.Lookup(0x1013)
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Lookup(0x1013)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Frames.Frames) != len(second.Frames.Frames) {
		t.Fatal("repeated lookup returned a different chain")
	}
}

func TestFindNamedStream(t *testing.T) {
	info := make([]byte, pdbInfoHeaderSize)
	binary.LittleEndian.PutUint32(info[8:], 3) // age

	names := []byte("/names\x00")
	info = append(info, u32le(uint32(len(names)))...)
	info = append(info, names...)
	info = append(info, u32le(1)...) // size
	info = append(info, u32le(1)...) // capacity
	info = append(info, u32le(1)...) // present bit-vector word count
	info = append(info, u32le(1)...)
	info = append(info, u32le(0)...) // deleted bit-vector word count
	info = append(info, u32le(0)...) // name offset of "/names"
	info = append(info, u32le(7)...) // stream index

	idx, ok := findNamedStream(info, "/names")
	if !ok || idx != 7 {
		t.Fatalf("findNamedStream = %d, %v", idx, ok)
	}
	if _, ok := findNamedStream(info, "/src/headerblock"); ok {
		t.Fatal("unknown name must not resolve")
	}

	hdr, err := parsePDBInfoHeader(info)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Age != 3 {
		t.Errorf("age = %d", hdr.Age)
	}
}

func TestNamesBuffer(t *testing.T) {
	stream := u32le(0xEFFEEFFE)
	stream = append(stream, u32le(1)...) // hash version
	stream = append(stream, u32le(6)...) // buffer length
	stream = append(stream, []byte("a.c\x00b\x00")...)
	stream = append(stream, u32le(0)...) // trailing hash data, ignored

	buf := namesBuffer(stream)
	if string(buf) != "a.c\x00b\x00" {
		t.Fatalf("buffer = %q", buf)
	}
	if namesBuffer([]byte("bogus")) != nil {
		t.Fatal("bad magic must yield no buffer")
	}
}

func TestModuleLinesLineAt(t *testing.T) {
	m := buildTestSymbolMap()
	info := m.moduleLines(0)

	file, line := info.lineAt(0x1000, 0x1000)
	if file == nil || *file != "main.cpp" || line == nil || *line != 10 {
		t.Errorf("lineAt(0x1000) = %v %v", file, line)
	}
	// A row below the procedure's start belongs to a previous function.
	if f, l := info.lineAt(0x1004, 0x1200); f != nil || l != nil {
		t.Errorf("lineAt below lowerBound = %v %v", f, l)
	}
	if f, l := info.lineAt(0x0fff, 0); f != nil || l != nil {
		t.Errorf("lineAt before every row = %v %v", f, l)
	}
}
