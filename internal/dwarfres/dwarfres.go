// Package dwarfres resolves a stated virtual memory address (SVMA)
// into an outer-to-inner inline frame chain by walking a unit's
// subprogram/inlined_subroutine tree and its line program.
package dwarfres

import (
	"debug/dwarf"
	"io"
	"sort"
	"sync"

	"github.com/zboralski/symcore/internal/pathmap"
	"github.com/zboralski/symcore/symtypes"
)

// Resolver answers FrameDebugInfo queries for SVMAs within one DWARF
// unit set. One Resolver is created per symbol map and shared across
// concurrent lookups; the per-unit cache is guarded by a mutex.
type Resolver struct {
	data  *dwarf.Data
	paths *pathmap.Mapper

	mu    sync.Mutex
	units map[dwarf.Offset]*unitInfo // keyed by CU offset
	cuList []cuRange                 // (lowpc,highpc,offset), built once
}

type cuRange struct {
	low, high uint64
	offset    dwarf.Offset
}

// node is one entry in a unit's subprogram/inlined_subroutine/
// lexical_block tree.
type node struct {
	entry    *dwarf.Entry
	parent   *node
	children []*node
	low      uint64
	high     uint64
	hasRange bool
}

type unitInfo struct {
	roots     []*node
	byOffset  map[dwarf.Offset]*node
	lineTable []dwarf.LineEntry
	fileTable []*dwarf.LineFile
	cuEntry   *dwarf.Entry
	paths     *pathmap.Mapper
}

// New builds a Resolver over d. d may be nil (no DWARF present); all
// lookups then report not-found.
func New(d *dwarf.Data, paths *pathmap.Mapper) *Resolver {
	if paths == nil {
		paths = pathmap.New()
	}
	return &Resolver{data: d, paths: paths, units: make(map[dwarf.Offset]*unitInfo)}
}

// Resolve returns the inline chain for svma, outermost-first, or
// (nil, false) if svma isn't covered by any compile unit or falls in a
// padding gap between functions.
func (r *Resolver) Resolve(svma uint64) ([]symtypes.FrameDebugInfo, bool) {
	if r.data == nil {
		return nil, false
	}

	cu, ok := r.findCU(svma)
	if !ok {
		return nil, false
	}

	u, err := r.unit(cu)
	if err != nil || u == nil {
		return nil, false
	}

	chain := findChain(u.roots, svma)
	if len(chain) == 0 {
		return nil, false
	}

	file, line := r.lineAt(u, svma)

	frames := make([]symtypes.FrameDebugInfo, 0, len(chain))
	for i, n := range chain {
		name := r.nameOf(u, n)
		if i+1 < len(chain) {
			cf, cl := callSite(u, chain[i+1])
			frames = append(frames, symtypes.FrameDebugInfo{Function: strp(name), File: cf, Line: cl})
		} else {
			frames = append(frames, symtypes.FrameDebugInfo{Function: strp(name), File: file, Line: line})
		}
	}
	return frames, true
}

// findCU locates the compile unit covering svma, building the CU range
// index on first use.
func (r *Resolver) findCU(svma uint64) (dwarf.Offset, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cuList == nil {
		r.buildCUIndexLocked()
	}
	for _, c := range r.cuList {
		if svma >= c.low && svma < c.high {
			return c.offset, true
		}
	}
	return 0, false
}

func (r *Resolver) buildCUIndexLocked() {
	r.cuList = []cuRange{}
	rd := r.data.Reader()
	for {
		e, err := rd.Next()
		if err != nil || e == nil {
			break
		}
		if e.Tag != dwarf.TagCompileUnit {
			rd.SkipChildren()
			continue
		}
		low, high, ok := pcRange(e)
		if ok {
			r.cuList = append(r.cuList, cuRange{low: low, high: high, offset: e.Offset})
		}
		rd.SkipChildren()
	}
}

// unit returns the cached tree+line-table for a CU, building it on
// first access.
func (r *Resolver) unit(cuOffset dwarf.Offset) (*unitInfo, error) {
	r.mu.Lock()
	if u, ok := r.units[cuOffset]; ok {
		r.mu.Unlock()
		return u, nil
	}
	r.mu.Unlock()

	u, err := r.buildUnit(cuOffset)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.units[cuOffset] = u
	r.mu.Unlock()
	return u, nil
}

func (r *Resolver) buildUnit(cuOffset dwarf.Offset) (*unitInfo, error) {
	rd := r.data.Reader()
	rd.Seek(cuOffset)
	cuEntry, err := rd.Next()
	if err != nil || cuEntry == nil {
		return nil, err
	}

	u := &unitInfo{byOffset: make(map[dwarf.Offset]*node), cuEntry: cuEntry, paths: r.paths}

	var stack []*node
	for {
		e, err := rd.Next()
		if err != nil {
			return nil, err
		}
		if e == nil {
			break
		}
		if e.Tag == 0 {
			if len(stack) == 0 {
				break
			}
			stack = stack[:len(stack)-1]
			continue
		}

		var parent *node
		if len(stack) > 0 {
			parent = stack[len(stack)-1]
		}

		n := &node{entry: e, parent: parent}
		n.low, n.high, n.hasRange = pcRange(e)
		u.byOffset[e.Offset] = n

		if parent != nil {
			parent.children = append(parent.children, n)
		} else {
			u.roots = append(u.roots, n)
		}

		if e.Children {
			stack = append(stack, n)
		}
	}

	if lr, err := r.data.LineReader(cuEntry); err == nil && lr != nil {
		u.fileTable = lr.Files()
		for {
			var le dwarf.LineEntry
			if err := lr.Next(&le); err != nil {
				if err == io.EOF {
					break
				}
				break
			}
			u.lineTable = append(u.lineTable, le)
		}
		sort.Slice(u.lineTable, func(i, j int) bool { return u.lineTable[i].Address < u.lineTable[j].Address })
	}

	return u, nil
}

// findChain descends the tree looking for the most specific
// subprogram/inlined_subroutine chain containing svma. Containers
// without their own PC range (lexical blocks, namespaces) are
// transparent: their children are searched regardless.
func findChain(roots []*node, svma uint64) []*node {
	var chain []*node
	list := roots
	for {
		var next *node
		for _, n := range list {
			if n.hasRange && (svma < n.low || svma >= n.high) {
				continue
			}
			if isFrameTag(n.entry.Tag) {
				chain = append(chain, n)
			}
			next = n
			break
		}
		if next == nil || len(next.children) == 0 {
			break
		}
		list = next.children
	}
	return chain
}

func isFrameTag(t dwarf.Tag) bool {
	return t == dwarf.TagSubprogram || t == dwarf.TagInlinedSubroutine
}

func (r *Resolver) nameOf(u *unitInfo, n *node) string {
	if name, ok := n.entry.Val(dwarf.AttrName).(string); ok && name != "" {
		return name
	}
	if origOff, ok := n.entry.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset); ok {
		if orig, ok := u.byOffset[origOff]; ok {
			return r.nameOf(u, orig)
		}
	}
	if origOff, ok := n.entry.Val(dwarf.AttrSpecification).(dwarf.Offset); ok {
		if orig, ok := u.byOffset[origOff]; ok {
			return r.nameOf(u, orig)
		}
	}
	return ""
}

// callSite returns the call-file/call-line a node's own entry records
// (DW_AT_call_file/DW_AT_call_line), the location within the caller
// where it invoked n.
func callSite(u *unitInfo, n *node) (*string, *uint32) {
	fileIdx, fok := n.entry.Val(dwarf.AttrCallFile).(int64)
	lineNo, lok := n.entry.Val(dwarf.AttrCallLine).(int64)
	if !fok || !lok {
		return nil, nil
	}
	file := u.fileName(fileIdx)
	if lineNo <= 0 {
		return file, nil
	}
	l := uint32(lineNo)
	return file, &l
}

// fileName resolves a DW_AT_call_file/decl_file index through the
// unit's line-program file table. Index 0 means "unknown".
func (u *unitInfo) fileName(idx int64) *string {
	if idx <= 0 || int(idx) >= len(u.fileTable) {
		return nil
	}
	lf := u.fileTable[idx]
	if lf == nil || lf.Name == "" {
		return nil
	}
	name := u.paths.Canonicalize(lf.Name)
	return &name
}

// lineAt finds the line table row covering svma, used for the
// innermost frame's own location. File index 0 means "unknown" and an
// EndSequence row never claims ownership of the addresses after it.
func (r *Resolver) lineAt(u *unitInfo, svma uint64) (*string, *uint32) {
	rows := u.lineTable
	idx := sort.Search(len(rows), func(i int) bool { return rows[i].Address > svma })
	if idx == 0 {
		return nil, nil
	}
	row := rows[idx-1]
	if row.EndSequence {
		return nil, nil
	}
	if row.File == nil || row.File.Name == "" {
		return nil, nil
	}
	file := r.paths.Canonicalize(row.File.Name)
	if row.Line <= 0 {
		return &file, nil
	}
	line := uint32(row.Line)
	return &file, &line
}

// fileTableLen reports the number of entries in a unit's resolved
// line-program file table, used only by tests to sanity-check that
// Files() was populated.
func (u *unitInfo) fileTableLen() int {
	return len(u.fileTable)
}

// pcRange reads DW_AT_low_pc/DW_AT_high_pc, handling both the
// address-form and the DWARF4+ constant-offset-from-low-pc form of
// high_pc.
func pcRange(e *dwarf.Entry) (low, high uint64, ok bool) {
	var lowVal, highVal *dwarf.Field
	for i := range e.Field {
		switch e.Field[i].Attr {
		case dwarf.AttrLowpc:
			lowVal = &e.Field[i]
		case dwarf.AttrHighpc:
			highVal = &e.Field[i]
		}
	}
	if lowVal == nil || highVal == nil {
		return 0, 0, false
	}
	lowAddr, ok := lowVal.Val.(uint64)
	if !ok {
		return 0, 0, false
	}
	switch highVal.Class {
	case dwarf.ClassAddress:
		h, ok := highVal.Val.(uint64)
		if !ok {
			return 0, 0, false
		}
		return lowAddr, h, true
	default:
		switch v := highVal.Val.(type) {
		case int64:
			return lowAddr, lowAddr + uint64(v), true
		case uint64:
			return lowAddr, lowAddr + v, true
		}
	}
	return 0, 0, false
}

func strp(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
