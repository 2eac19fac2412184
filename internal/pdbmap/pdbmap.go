package pdbmap

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/zboralski/symcore/internal/codeview"
	"github.com/zboralski/symcore/internal/debugid"
	"github.com/zboralski/symcore/internal/demangle"
	"github.com/zboralski/symcore/internal/pathmap"
	"github.com/zboralski/symcore/symtypes"
)

// cvPubFunction is CodeView's PF_FUNCTION flag bit on an S_PUB32
// record, used to tell a public function symbol from a public data
// symbol when back-filling the procedure index.
const cvPubFunction = 0x2

// procEntry is one procedure-level symbol recovered from a module's
// private symbol stream.
type procEntry struct {
	rva         uint32
	length      uint32
	name        string
	typeIndex   uint32
	isID        bool // true for S_*PROC32_ID, whose TypeIndex is an IPI index
	moduleIndex int
	recOffset   int // byte offset of this proc's own record header within its module stream
	end         uint32
}

// pubEntry is a back-filled S_PUB32 function symbol with no matching
// procedure record.
type pubEntry struct {
	rva  uint32
	name string
}

// SymbolMap is a PDB symbol map built on top of the MSF container,
// DBI stream and CodeView module symbol streams.
type SymbolMap struct {
	debugIDStr string
	demangle   demangle.Hook
	paths      *pathmap.Mapper
	fmt        *typeFormatter

	moduleStreams map[int][]byte // module index -> its symbol stream bytes
	moduleC13     map[int][]byte // module index -> its C13 line-info section
	sections      []SectionHeader
	names         []byte // the /names stream's string buffer

	procs []procEntry // sorted ascending by rva, deduped (last-seen wins)
	pubs  []pubEntry  // sorted ascending by rva

	mu         sync.Mutex
	frameCache map[uint32][]symtypes.FrameDebugInfo
	c13Cache   map[int]*moduleLineInfo
}

// Open parses a PDB image (the raw bytes of a .pdb file) into a
// SymbolMap. hook may be nil (demangle.Default is substituted); PDB
// names are only occasionally mangled (extern "C" or Itanium-mangled
// imports), but the hook is applied uniformly like every other backend.
func Open(data []byte, hook demangle.Hook, paths *pathmap.Mapper) (*SymbolMap, error) {
	if hook == nil {
		hook = demangle.Default
	}
	if paths == nil {
		paths = pathmap.New()
	}

	msf, err := OpenMSF(data)
	if err != nil {
		return nil, err
	}

	infoStream := msf.Stream(streamPDBInfo)
	info, err := parsePDBInfoHeader(infoStream)
	if err != nil {
		return nil, fmt.Errorf("pdbmap: PDB info stream: %w", err)
	}
	id := debugidFromRawGUID(info.GUID, info.Age)

	dbiStream := msf.Stream(streamDBI)
	hdr, err := parseDBIHeader(dbiStream)
	if err != nil {
		return nil, fmt.Errorf("pdbmap: DBI header: %w", err)
	}

	off := 64
	modInfoEnd := off + int(hdr.moduleInfoSize)
	if modInfoEnd > len(dbiStream) {
		return nil, fmt.Errorf("pdbmap: DBI module info substream overruns stream")
	}
	modules, err := parseModules(dbiStream[off:modInfoEnd])
	if err != nil {
		return nil, fmt.Errorf("pdbmap: module info: %w", err)
	}

	// Skip SectionContribution, SectionMap, FileInfo, TypeServerMap, EC
	// substreams to reach the optional debug header substream, which
	// this project only reads for its section-header-table slot.
	optOff := modInfoEnd + int(hdr.secContrSize) + int(hdr.secMapSize) + int(hdr.fileInfoSize) + int(hdr.tsMapSize) + int(hdr.ecSize)
	var sectionHeaders []SectionHeader
	if optOff+int(hdr.optDbgHdrSize) <= len(dbiStream) && hdr.optDbgHdrSize > 0 {
		opt := dbiStream[optOff : optOff+int(hdr.optDbgHdrSize)]
		slotOff := optDbgHdrSectionHdr * 2
		if slotOff+2 <= len(opt) {
			secStreamIdx := binary.LittleEndian.Uint16(opt[slotOff:])
			if secStreamIdx != 0xFFFF {
				sectionHeaders = parseSectionHeaders(msf.Stream(uint32(secStreamIdx)))
			}
		}
	}

	tpi, err := ParseTypeStream(msf.Stream(streamTPI))
	if err != nil {
		return nil, fmt.Errorf("pdbmap: TPI stream: %w", err)
	}
	ipi, err := ParseTypeStream(msf.Stream(streamIPI))
	if err != nil {
		return nil, fmt.Errorf("pdbmap: IPI stream: %w", err)
	}

	sm := &SymbolMap{
		debugIDStr:    id.String(),
		demangle:      hook,
		paths:         paths,
		fmt:           newTypeFormatter(tpi, ipi),
		moduleStreams: make(map[int][]byte),
		moduleC13:     make(map[int][]byte),
		sections:      sectionHeaders,
		frameCache:    make(map[uint32][]symtypes.FrameDebugInfo),
		c13Cache:      make(map[int]*moduleLineInfo),
	}

	if namesIdx, ok := findNamedStream(infoStream, "/names"); ok {
		sm.names = namesBuffer(msf.Stream(namesIdx))
	}

	rvaOf := func(segment uint16, offset uint32) (uint32, bool) {
		if segment == 0 || int(segment)-1 >= len(sectionHeaders) {
			return 0, false
		}
		return sectionHeaders[segment-1].VirtualAddress + offset, true
	}

	procByRVA := make(map[uint32]procEntry)
	for modIdx, mod := range modules {
		if mod.SymbolStream < 0 {
			continue
		}
		stream := msf.Stream(uint32(mod.SymbolStream))
		if stream == nil {
			continue
		}
		sm.moduleStreams[modIdx] = stream

		// The C13 line section follows the symbol substream (which
		// includes the 4-byte signature) and the legacy C11 substream.
		c13Start := int(mod.SymByteSize) + int(mod.C11ByteSize)
		c13End := c13Start + int(mod.C13ByteSize)
		if mod.C13ByteSize > 0 && c13Start >= 0 && c13End <= len(stream) {
			sm.moduleC13[modIdx] = stream[c13Start:c13End]
		}

		_, recs := codeview.ParseRecordsWithOffsets(stream)
		for _, r := range recs {
			if !codeview.IsProcKind(r.Kind) {
				continue
			}
			proc, err := codeview.ParseProcSym(r.Data)
			if err != nil {
				continue
			}
			rva, ok := rvaOf(proc.Segment, proc.Offset)
			if !ok {
				continue
			}
			isID := r.Kind == codeview.SGProc32ID || r.Kind == codeview.SLProc32ID
			procByRVA[rva] = procEntry{
				rva:         rva,
				length:      proc.Length,
				name:        proc.Name,
				typeIndex:   proc.TypeIndex,
				isID:        isID,
				moduleIndex: modIdx,
				recOffset:   r.Offset,
				end:         proc.End,
			}
		}
	}
	sm.procs = make([]procEntry, 0, len(procByRVA))
	for _, e := range procByRVA {
		sm.procs = append(sm.procs, e)
	}
	sort.Slice(sm.procs, func(i, j int) bool { return sm.procs[i].rva < sm.procs[j].rva })

	if hdr.symRecordStream >= 0 {
		globalStream := msf.Stream(uint32(hdr.symRecordStream))
		pubByRVA := make(map[uint32]pubEntry)
		for _, r := range codeview.ParseRecords(globalStream) {
			if r.Kind != codeview.SPub32 {
				continue
			}
			pub, err := codeview.ParsePubSym(r.Data)
			if err != nil || pub.Flags&cvPubFunction == 0 {
				continue
			}
			rva, ok := rvaOf(pub.Segment, pub.Offset)
			if !ok {
				continue
			}
			if _, exists := procByRVA[rva]; exists {
				continue
			}
			pubByRVA[rva] = pubEntry{rva: rva, name: pub.Name}
		}
		sm.pubs = make([]pubEntry, 0, len(pubByRVA))
		for _, e := range pubByRVA {
			sm.pubs = append(sm.pubs, e)
		}
		sort.Slice(sm.pubs, func(i, j int) bool { return sm.pubs[i].rva < sm.pubs[j].rva })
	}

	return sm, nil
}

// debugidFromRawGUID adapts a PDB Info stream's raw 16-byte GUID into
// debugid.DebugID without pulling a uuid.FromBytes error path into
// Open's signature; a malformed-but-present GUID still yields a
// usable, if wrong, identifier.
func debugidFromRawGUID(raw [16]byte, age uint32) debugid.DebugID {
	id, err := uuid.FromBytes(raw[:])
	if err != nil {
		return debugid.DebugID{Age: age}
	}
	return debugid.FromPDBGUIDAge(id, age)
}

// DebugID reports the module's textual debug identifier.
func (m *SymbolMap) DebugID() string { return m.debugIDStr }

// NumSymbols reports how many procedure-level entries this map indexes,
// excluding back-filled public symbols.
func (m *SymbolMap) NumSymbols() int { return len(m.procs) }

// IterSymbols yields (rva, name) pairs across both procedures and
// back-filled publics, in ascending RVA order.
func (m *SymbolMap) IterSymbols(yield func(rva uint32, name string) bool) {
	i, j := 0, 0
	for i < len(m.procs) || j < len(m.pubs) {
		var rva uint32
		var name string
		switch {
		case j >= len(m.pubs) || (i < len(m.procs) && m.procs[i].rva <= m.pubs[j].rva):
			p := m.procs[i]
			rva = p.rva
			name = m.demangle(m.formattedName(p))
			i++
		default:
			rva = m.pubs[j].rva
			name = m.demangle(m.pubs[j].name)
			j++
		}
		if !yield(rva, name) {
			return
		}
	}
}

// Lookup resolves an RVA into an AddressInfo: symbol name, size
// (bounded by the next entry's start when the procedure's own Length
// is zero), and inline frame chain.
func (m *SymbolMap) Lookup(rva uint32) (*symtypes.AddressInfo, error) {
	if i, ok := m.findProc(rva); ok {
		p := m.procs[i]
		size := p.length
		if size == 0 {
			size = m.boundingSize(i, rva)
		}
		info := &symtypes.AddressInfo{
			SymbolAddress: p.rva,
			SymbolSize:    &size,
			SymbolName:    m.demangle(m.formattedName(p)),
			Frames:        symtypes.Available(m.frames(p, rva)),
		}
		return info, nil
	}
	if i, ok := m.findPub(rva); ok {
		pub := m.pubs[i]
		var size *uint32
		if i+1 < len(m.pubs) {
			s := m.pubs[i+1].rva - pub.rva
			size = &s
		}
		return &symtypes.AddressInfo{
			SymbolAddress: pub.rva,
			SymbolSize:    size,
			SymbolName:    m.demangle(pub.name),
			Frames:        symtypes.Unavailable(),
		}, nil
	}
	return nil, fmt.Errorf("pdbmap: no symbol covers rva %#x", rva)
}

func (m *SymbolMap) formattedName(p procEntry) string {
	if p.isID {
		return m.fmt.FormatFunctionName(p.typeIndex, p.name)
	}
	return p.name
}

func (m *SymbolMap) findProc(rva uint32) (int, bool) {
	i := sort.Search(len(m.procs), func(i int) bool { return m.procs[i].rva > rva }) - 1
	if i < 0 {
		return 0, false
	}
	p := m.procs[i]
	end := p.rva + p.length
	if p.length == 0 {
		end = m.boundOf(i)
	}
	if rva >= p.rva && rva < end {
		return i, true
	}
	return 0, false
}

func (m *SymbolMap) findPub(rva uint32) (int, bool) {
	i := sort.Search(len(m.pubs), func(i int) bool { return m.pubs[i].rva > rva }) - 1
	if i < 0 {
		return 0, false
	}
	return i, true
}

// boundOf returns the RVA at which procedure i's range must end absent
// a reliable Length field: the next procedure's start, or this one's
// own start plus one (a single-address range) if it's the last entry.
func (m *SymbolMap) boundOf(i int) uint32 {
	if i+1 < len(m.procs) {
		return m.procs[i+1].rva
	}
	return m.procs[i].rva + 1
}

func (m *SymbolMap) boundingSize(i int, rva uint32) uint32 {
	return m.boundOf(i) - m.procs[i].rva
}

// moduleLines returns the module's parsed C13 line info, building and
// caching it on first use.
func (m *SymbolMap) moduleLines(modIdx int) *moduleLineInfo {
	m.mu.Lock()
	if info, ok := m.c13Cache[modIdx]; ok {
		m.mu.Unlock()
		return info
	}
	m.mu.Unlock()

	info := parseModuleLines(m.moduleC13[modIdx], m.names, m.sections, m.paths)

	m.mu.Lock()
	m.c13Cache[modIdx] = info
	m.mu.Unlock()
	return info
}

// frames builds the inline-frame chain covering rva within procedure p,
// outermost first. The outer frame is p's own (formatted) name located
// at the outermost inline call site (or at rva's own line table row
// when nothing is inlined there); each inlined frame is located at the
// next-deeper site's call position, and the innermost frame at the
// queried offset's own line within it.
func (m *SymbolMap) frames(p procEntry, rva uint32) []symtypes.FrameDebugInfo {
	m.mu.Lock()
	if cached, ok := m.frameCache[rva]; ok {
		m.mu.Unlock()
		return cached
	}
	m.mu.Unlock()

	info := m.moduleLines(p.moduleIndex)
	ownName := m.formattedName(p)
	codeOffset := rva - p.rva

	var sites []inlineSiteMatch
	if stream := m.moduleStreams[p.moduleIndex]; stream != nil {
		sites = m.matchInlineSites(stream, p, codeOffset)
	}

	frames := make([]symtypes.FrameDebugInfo, 0, len(sites)+1)
	if len(sites) == 0 {
		file, line := info.lineAt(rva, p.rva)
		frames = append(frames, symtypes.FrameDebugInfo{Function: &ownName, File: file, Line: line})
	} else {
		callRVA := p.rva + rangeStartContaining(sites[0].ranges, codeOffset)
		file, line := info.lineAt(callRVA, p.rva)
		frames = append(frames, symtypes.FrameDebugInfo{Function: &ownName, File: file, Line: line})
		for i := range sites {
			s := sites[i]
			var file *string
			var line *uint32
			if i+1 < len(sites) {
				file, line = info.siteLineAt(s, rangeStartContaining(sites[i+1].ranges, codeOffset))
			} else {
				file, line = info.siteLineAt(s, codeOffset)
			}
			name := s.name
			frames = append(frames, symtypes.FrameDebugInfo{Function: &name, File: file, Line: line})
		}
	}

	m.mu.Lock()
	m.frameCache[rva] = frames
	m.mu.Unlock()
	return frames
}

// inlineSiteMatch is one S_INLINESITE whose annotation ranges claim the
// queried code offset.
type inlineSiteMatch struct {
	name    string
	inlinee uint32
	ranges  []codeview.InlineRange
}

// matchInlineSites scans the byte range (p.recOffset, p.end) of a
// module's symbol stream for S_INLINESITE records whose decoded
// binary-annotation ranges claim codeOffset, returning them in stream
// (outer to inner nesting) order. Nested procedure records are skipped
// wholesale to their own S_END. Annotation code offsets are relative
// to the enclosing procedure's start.
func (m *SymbolMap) matchInlineSites(stream []byte, p procEntry, codeOffset uint32) []inlineSiteMatch {
	_, offs := codeview.ParseRecordsWithOffsets(stream)
	var out []inlineSiteMatch
	skipUntil := 0
	for _, ro := range offs {
		if ro.Offset <= p.recOffset {
			continue
		}
		if uint32(ro.Offset) >= p.end {
			break
		}
		if ro.Offset < skipUntil {
			continue
		}
		if codeview.IsProcKind(ro.Kind) {
			if nested, err := codeview.ParseProcSym(ro.Data); err == nil && int(nested.End) > ro.Offset {
				skipUntil = int(nested.End)
			}
			continue
		}
		if ro.Kind != codeview.SInlineSite {
			continue
		}
		site, err := codeview.ParseInlineSiteSym(ro.Data)
		if err != nil {
			continue
		}
		ranges := codeview.DecodeAnnotations(site.Annotations)
		if !rangesContain(ranges, codeOffset) {
			continue
		}
		name := m.fmt.FormatFunctionName(site.Inlinee, "")
		if name == "" {
			continue
		}
		out = append(out, inlineSiteMatch{name: name, inlinee: site.Inlinee, ranges: ranges})
	}
	return out
}

// siteLineAt resolves the file and line an inline site reports for a
// code offset it covers: the annotation range's accumulated line delta
// on top of the inlinee's declared start line, in the inlinee's
// declaring file unless the range switched files.
func (info *moduleLineInfo) siteLineAt(s inlineSiteMatch, off uint32) (*string, *uint32) {
	r, ok := rangeContaining(s.ranges, off)
	if !ok {
		return nil, nil
	}
	src, haveSrc := info.inlinees[s.inlinee]

	var file *string
	if r.FileID >= 0 {
		file = info.fileName(uint32(r.FileID))
	} else if haveSrc {
		file = info.fileName(src.fileID)
	}

	var base int32
	if haveSrc {
		base = int32(src.baseLine)
	}
	n := base + r.LineStart
	if n <= 0 {
		return file, nil
	}
	line := uint32(n)
	return file, &line
}

func rangeContaining(ranges []codeview.InlineRange, offset uint32) (codeview.InlineRange, bool) {
	for _, r := range ranges {
		if offset >= r.CodeOffset && offset < r.CodeOffset+r.Length {
			return r, true
		}
	}
	return codeview.InlineRange{}, false
}

func rangesContain(ranges []codeview.InlineRange, offset uint32) bool {
	_, ok := rangeContaining(ranges, offset)
	return ok
}

// rangeStartContaining returns the start offset of the range covering
// offset, used as the call position of an inline site; offset itself
// is known to be covered, so the fallback is never meaningful.
func rangeStartContaining(ranges []codeview.InlineRange, offset uint32) uint32 {
	if r, ok := rangeContaining(ranges, offset); ok {
		return r.CodeOffset
	}
	return offset
}

// namesBuffer extracts the string buffer from the /names stream
// (magic, hash version, buffer length, then the NUL-separated names
// every FILECHKSMS entry points into).
func namesBuffer(stream []byte) []byte {
	const namesMagic = 0xEFFEEFFE
	if len(stream) < 12 || binary.LittleEndian.Uint32(stream) != namesMagic {
		return nil
	}
	size := int(binary.LittleEndian.Uint32(stream[8:]))
	if size < 0 || 12+size > len(stream) {
		return nil
	}
	return stream[12 : 12+size]
}
