package breakpad

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zboralski/symcore/internal/demangle"
	"github.com/zboralski/symcore/internal/filecontents"
	"github.com/zboralski/symcore/internal/log"
	"github.com/zboralski/symcore/internal/pathmap"
	"github.com/zboralski/symcore/symtypes"
)

// parsedFunc is the lazily-materialized, fully-parsed form of a FUNC
// block: its own line, plus every source-line and INLINE record nested
// inside it.
type parsedFunc struct {
	Address uint64
	Size    uint64
	Name    string

	lines   []sourceLine
	inlines []inlineLine
}

// parsedPublic is the lazily-materialized form of a PUBLIC record.
type parsedPublic struct {
	Address uint64
	Name    string
}

// SymbolMap does lazy Breakpad record parsing on top of the index built
// by BuildIndex. The lazy caches are guarded by a mutex; critical
// sections are one cache insert long, so concurrent lookups on the same
// map stay cheap.
type SymbolMap struct {
	idx      *Index
	fc       filecontents.FileContents
	demangle demangle.Hook
	paths    *pathmap.Mapper

	mu          sync.Mutex
	funcCache   map[int]*parsedFunc
	publicCache map[int]*parsedPublic
	fileCache   map[uint32]string
	originCache map[uint32]string
}

// NewSymbolMap builds a Breakpad symbol map over an already-built index.
// hook may be nil, in which case demangle.Default is used (Breakpad
// names are rarely mangled, but symbol-server .sym files for C++
// binaries sometimes keep the mangled form).
func NewSymbolMap(idx *Index, fc filecontents.FileContents, hook demangle.Hook, paths *pathmap.Mapper) *SymbolMap {
	if hook == nil {
		hook = demangle.Default
	}
	if paths == nil {
		paths = pathmap.New()
	}
	return &SymbolMap{
		idx:         idx,
		fc:          fc,
		demangle:    hook,
		paths:       paths,
		funcCache:   make(map[int]*parsedFunc),
		publicCache: make(map[int]*parsedPublic),
		fileCache:   make(map[uint32]string),
		originCache: make(map[uint32]string),
	}
}

// DebugID reports the module's declared debug identifier.
func (m *SymbolMap) DebugID() string { return m.idx.DebugID }

// IterSymbols yields (rva, name) pairs in ascending RVA order. Names
// are demangled but paid for lazily as the iterator advances, not up
// front.
func (m *SymbolMap) IterSymbols(yield func(rva uint32, name string) bool) {
	for i := 0; i < m.idx.NumSymbols(); i++ {
		name, err := m.nameAt(i)
		if err != nil {
			continue
		}
		if !yield(m.idx.AddressAt(i), name) {
			return
		}
	}
}

func (m *SymbolMap) nameAt(i int) (string, error) {
	so := m.idx.symbolOffsets[i]
	switch so.Kind {
	case kindPublic:
		p, err := m.publicAt(i)
		if err != nil {
			return "", err
		}
		return p.Name, nil
	default:
		f, err := m.funcAt(i)
		if err != nil {
			return "", err
		}
		return f.Name, nil
	}
}

// Lookup resolves an RVA to an AddressInfo, or (nil, nil) when no
// record covers it.
func (m *SymbolMap) Lookup(rva uint32) (*symtypes.AddressInfo, error) {
	i := m.idx.Lookup(rva)
	if i < 0 {
		return nil, nil
	}

	so := m.idx.symbolOffsets[i]
	if so.Kind == kindPublic {
		return m.lookupPublic(i, rva)
	}
	return m.lookupFunc(i, rva)
}

func (m *SymbolMap) lookupPublic(i int, rva uint32) (*symtypes.AddressInfo, error) {
	p, err := m.publicAt(i)
	if err != nil {
		return nil, err
	}

	var size *uint32
	if next, ok := m.idx.NextAddress(i); ok {
		s := next - uint32(p.Address)
		size = &s
	}

	return &symtypes.AddressInfo{
		SymbolAddress: uint32(p.Address),
		SymbolSize:    size,
		SymbolName:    m.demangle(p.Name),
		Frames:        symtypes.Unavailable(),
	}, nil
}

func (m *SymbolMap) lookupFunc(i int, rva uint32) (*symtypes.AddressInfo, error) {
	f, err := m.funcAt(i)
	if err != nil {
		return nil, err
	}

	if uint64(rva) >= f.Address+f.Size {
		return nil, nil // past the FUNC's own range
	}

	size := uint32(f.Size)
	frames := m.buildInlineChain(f, rva)

	return &symtypes.AddressInfo{
		SymbolAddress: uint32(f.Address),
		SymbolSize:    &size,
		SymbolName:    m.demangle(f.Name),
		Frames:        symtypes.Available(frames),
	}, nil
}

// buildInlineChain walks depths 0, 1, 2, ... picking at each depth the
// inline range that contains rva, then assembles the outer-to-inner
// frame chain: the outer FUNC frame uses depth 0's call site, each
// subsequent frame is named for the shallower inline's origin and
// located at the next depth's call site, and the innermost frame uses
// the function's own line table at rva.
func (m *SymbolMap) buildInlineChain(f *parsedFunc, rva uint32) []symtypes.FrameDebugInfo {
	var matched []inlineLine
	depth := uint32(0)
	for {
		rec, ok := findInlineAtDepth(f.inlines, depth, uint64(rva))
		if !ok {
			break
		}
		matched = append(matched, rec)
		depth++
	}

	lineFile, lineNo := m.lineAt(f, rva)

	frames := make([]symtypes.FrameDebugInfo, 0, len(matched)+1)
	if len(matched) == 0 {
		frames = append(frames, m.frame(f.Name, lineFile, lineNo))
		return frames
	}

	frames = append(frames, m.frame(f.Name, m.fileAt(matched[0].CallFileID), ptrU32(matched[0].CallLine)))

	for i, rec := range matched {
		name := m.originAt(rec.OriginID)
		isLast := i == len(matched)-1
		if !isLast {
			next := matched[i+1]
			frames = append(frames, m.frame(name, m.fileAt(next.CallFileID), ptrU32(next.CallLine)))
		} else {
			frames = append(frames, m.frame(name, lineFile, lineNo))
		}
	}

	return frames
}

func (m *SymbolMap) frame(name string, file *string, line *uint32) symtypes.FrameDebugInfo {
	n := m.demangle(name)
	return symtypes.FrameDebugInfo{Function: &n, File: file, Line: line}
}

func ptrU32(v uint32) *uint32 { return &v }

func findInlineAtDepth(inlines []inlineLine, depth uint32, rva uint64) (inlineLine, bool) {
	for _, rec := range inlines {
		if rec.Depth != depth {
			continue
		}
		for _, r := range rec.Ranges {
			if rva >= r.Address && rva < r.Address+r.Size {
				return rec, true
			}
		}
	}
	return inlineLine{}, false
}

// lineAt finds the source-line record covering rva within f's own line
// table, returning the canonicalised file path and line number. Absent
// coverage (e.g. padding between two line records) yields (nil, nil).
func (m *SymbolMap) lineAt(f *parsedFunc, rva uint32) (*string, *uint32) {
	lines := f.lines
	idx := sort.Search(len(lines), func(i int) bool { return lines[i].Address > uint64(rva) })
	if idx == 0 {
		return nil, nil
	}
	l := lines[idx-1]
	if uint64(rva) >= l.Address+l.Size {
		return nil, nil
	}
	file := m.fileAt(l.FileID)
	line := l.Line
	return file, &line
}

func (m *SymbolMap) publicAt(i int) (*parsedPublic, error) {
	m.mu.Lock()
	if p, ok := m.publicCache[i]; ok {
		m.mu.Unlock()
		return p, nil
	}
	m.mu.Unlock()

	so := m.idx.symbolOffsets[i]
	raw, err := m.fc.ReadBytesAt(so.Span.Offset, uint64(so.Span.Length))
	if err != nil {
		return nil, fmt.Errorf("breakpad: read PUBLIC at %d: %w", so.Span.Offset, err)
	}
	rec, err := parsePublicLine(string(raw))
	if err != nil {
		log.L.RecordSkipped("PUBLIC", int64(so.Span.Offset), err)
		return nil, err
	}
	p := &parsedPublic{Address: rec.Address, Name: rec.Name}

	m.mu.Lock()
	m.publicCache[i] = p
	m.mu.Unlock()
	return p, nil
}

func (m *SymbolMap) funcAt(i int) (*parsedFunc, error) {
	m.mu.Lock()
	if f, ok := m.funcCache[i]; ok {
		m.mu.Unlock()
		return f, nil
	}
	m.mu.Unlock()

	so := m.idx.symbolOffsets[i]
	raw, err := m.fc.ReadBytesAt(so.Span.Offset, uint64(so.Span.Length))
	if err != nil {
		return nil, fmt.Errorf("breakpad: read FUNC block at %d: %w", so.Span.Offset, err)
	}

	f, err := parseFuncBlock(raw)
	if err != nil {
		log.L.RecordSkipped("FUNC", int64(so.Span.Offset), err)
		return nil, err
	}

	m.mu.Lock()
	m.funcCache[i] = f
	m.mu.Unlock()
	return f, nil
}

// parseFuncBlock parses the raw bytes of one FUNC block: the FUNC line
// itself, followed by zero or more source-line and INLINE records.
func parseFuncBlock(raw []byte) (*parsedFunc, error) {
	lines := splitLines(raw)
	if len(lines) == 0 {
		return nil, fmt.Errorf("breakpad: empty FUNC block")
	}

	fl, err := parseFuncLine(lines[0])
	if err != nil {
		return nil, err
	}

	f := &parsedFunc{Address: fl.Address, Size: fl.Size, Name: fl.Name}
	for _, raw := range lines[1:] {
		if raw == "" {
			continue
		}
		switch lineKind(raw) {
		case "INLINE":
			il, err := parseInlineLine(raw)
			if err == nil {
				f.inlines = append(f.inlines, il)
			}
		default:
			sl, err := parseSourceLine(raw)
			if err == nil {
				f.lines = append(f.lines, sl)
			}
		}
	}

	sort.Slice(f.lines, func(i, j int) bool { return f.lines[i].Address < f.lines[j].Address })
	return f, nil
}

func splitLines(raw []byte) []string {
	var out []string
	start := 0
	for i, b := range raw {
		if b == '\n' {
			out = append(out, trimCR(raw[start:i]))
			start = i + 1
		}
	}
	if start < len(raw) {
		out = append(out, trimCR(raw[start:]))
	}
	return out
}

func trimCR(b []byte) string {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		b = b[:len(b)-1]
	}
	return string(b)
}

func (m *SymbolMap) fileAt(id uint32) *string {
	m.mu.Lock()
	if s, ok := m.fileCache[id]; ok {
		m.mu.Unlock()
		canon := m.paths.Canonicalize(s)
		return &canon
	}
	m.mu.Unlock()

	span, ok := m.idx.fileOffsets[id]
	if !ok {
		return nil
	}
	raw, err := m.fc.ReadBytesAt(span.Offset, uint64(span.Length))
	if err != nil {
		return nil
	}
	fl, err := parseFileLine(string(raw))
	if err != nil {
		return nil
	}

	m.mu.Lock()
	m.fileCache[id] = fl.Path
	m.mu.Unlock()

	canon := m.paths.Canonicalize(fl.Path)
	return &canon
}

func (m *SymbolMap) originAt(id uint32) string {
	m.mu.Lock()
	if s, ok := m.originCache[id]; ok {
		m.mu.Unlock()
		return s
	}
	m.mu.Unlock()

	span, ok := m.idx.inlineOriginOffsets[id]
	if !ok {
		return ""
	}
	raw, err := m.fc.ReadBytesAt(span.Offset, uint64(span.Length))
	if err != nil {
		return ""
	}
	ol, err := parseInlineOriginLine(string(raw))
	if err != nil {
		return ""
	}

	m.mu.Lock()
	m.originCache[id] = ol.Name
	m.mu.Unlock()
	return ol.Name
}
