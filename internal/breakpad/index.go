// Package breakpad implements a streaming index over a Breakpad .sym
// text file (with a serializable sidecar format) and the lazy symbol
// map built on top of it. The scan stores only offsets and lengths;
// record bodies are parsed on demand at lookup time.
package breakpad

import (
	"fmt"
	"io"
	"sort"

	"github.com/zboralski/symcore/internal/filecontents"
)

// offsetSpan is a (file_offset, length) pair into the original .sym
// file, used to re-read a record lazily.
type offsetSpan struct {
	Offset uint64
	Length uint32
}

// symbolOffsetKind tags whether a symbolAddresses entry is a PUBLIC
// record (single line) or a FUNC block (line + INLINE children).
type symbolOffsetKind uint8

const (
	kindPublic symbolOffsetKind = iota
	kindFunc
)

type symbolOffset struct {
	Kind symbolOffsetKind
	Span offsetSpan
}

// Index is the compact, serializable index built by a single forward
// scan of a .sym file. Only offsets and lengths are stored; names, line
// tables, and inline trees are parsed lazily at lookup time.
type Index struct {
	DebugID string
	OS      string
	Arch    string
	Name    string

	// fileOffsets maps FILE id -> span of the "FILE <id> <path>" line.
	fileOffsets map[uint32]offsetSpan
	// inlineOriginOffsets maps INLINE_ORIGIN id -> span of its line.
	inlineOriginOffsets map[uint32]offsetSpan

	// symbolAddresses and symbolOffsets are parallel, sorted by address.
	symbolAddresses []uint32 // RVA relative to the module's load bias
	symbolOffsets   []symbolOffset
}

// BuildIndex scans the whole .sym file once, front to back. It reads
// the file through a Cursor (backed by the mmap'd FileContents) so no
// more than one line is ever materialized as a Go string at a time; the
// index itself holds only offsets, not record bodies.
func BuildIndex(fc filecontents.FileContents) (*Index, error) {
	idx := &Index{
		fileOffsets:         make(map[uint32]offsetSpan),
		inlineOriginOffsets: make(map[uint32]offsetSpan),
	}

	cur := fc.Cursor(0)

	type pendingFunc struct {
		offset  uint64
		addr    uint64
		ordinal int // position within symbolOffsets, to patch Span.Length at close time
	}
	var pending *pendingFunc

	closeFunc := func(endOffset uint64) {
		if pending == nil {
			return
		}
		length := endOffset - pending.offset
		idx.symbolOffsets[pending.ordinal].Span.Length = uint32(length)
		pending = nil
	}

	firstLine := true
	for {
		lineStart := cur.Pos()
		raw, err := cur.ReadLine()
		if err == io.EOF {
			closeFunc(lineStart)
			break
		}
		if err != nil {
			return nil, fmt.Errorf("breakpad: read line at %d: %w", lineStart, err)
		}
		if raw == "" {
			continue
		}

		kind := lineKind(raw)

		if firstLine {
			firstLine = false
			if kind == "MODULE" {
				m, err := parseModuleLine(raw)
				if err == nil {
					idx.OS, idx.Arch, idx.DebugID, idx.Name = m.OS, m.Arch, m.DebugID, m.Name
				}
				continue
			}
		}

		if isTopLevel(kind) {
			closeFunc(lineStart)
		}

		switch kind {
		case "FILE":
			f, err := parseFileLine(raw)
			if err != nil {
				continue // skip malformed record, keep scanning
			}
			idx.fileOffsets[f.ID] = offsetSpan{Offset: lineStart, Length: uint32(cur.Pos() - lineStart - 1)}

		case "INLINE_ORIGIN":
			o, err := parseInlineOriginLine(raw)
			if err != nil {
				continue
			}
			// Forward references are fine: lookups only consult this map
			// after the whole scan has finished.
			idx.inlineOriginOffsets[o.ID] = offsetSpan{Offset: lineStart, Length: uint32(cur.Pos() - lineStart - 1)}

		case "PUBLIC":
			p, err := parsePublicLine(raw)
			if err != nil {
				continue
			}
			idx.symbolAddresses = append(idx.symbolAddresses, uint32(p.Address))
			idx.symbolOffsets = append(idx.symbolOffsets, symbolOffset{
				Kind: kindPublic,
				Span: offsetSpan{Offset: lineStart, Length: uint32(cur.Pos() - lineStart - 1)},
			})

		case "FUNC":
			f, err := parseFuncLine(raw)
			if err != nil {
				continue
			}
			idx.symbolAddresses = append(idx.symbolAddresses, uint32(f.Address))
			idx.symbolOffsets = append(idx.symbolOffsets, symbolOffset{Kind: kindFunc, Span: offsetSpan{Offset: lineStart}})
			pending = &pendingFunc{offset: lineStart, addr: f.Address, ordinal: len(idx.symbolOffsets) - 1}

		case "STACK":
			// CFI/WIN stack-unwind records aren't part of the lookup index.

		case "INLINE", "LINE":
			// Belongs to the currently open FUNC block; nothing to index
			// beyond extending that block, which closeFunc already handles
			// whenever the next top-level record (or EOF) arrives.
		}
	}

	idx.sortAndDedup()
	return idx, nil
}

// sortAndDedup re-sorts symbolAddresses/symbolOffsets by address if the
// scan didn't already produce them in order, and deduplicates ties by
// keeping the first entry encountered.
func (idx *Index) sortAndDedup() {
	n := len(idx.symbolAddresses)
	if n == 0 {
		return
	}

	type entry struct {
		addr  uint32
		orig  int
		off   symbolOffset
	}
	entries := make([]entry, n)
	for i := range entries {
		entries[i] = entry{addr: idx.symbolAddresses[i], orig: i, off: idx.symbolOffsets[i]}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].addr < entries[j].addr
	})

	addrs := make([]uint32, 0, n)
	offs := make([]symbolOffset, 0, n)
	for i := 0; i < len(entries); i++ {
		if i > 0 && entries[i].addr == entries[i-1].addr {
			continue // keep first entry encountered (stable sort preserves order)
		}
		addrs = append(addrs, entries[i].addr)
		offs = append(offs, entries[i].off)
	}

	idx.symbolAddresses = addrs
	idx.symbolOffsets = offs
}

// Lookup finds the index of the symbol whose range contains rva, or -1.
func (idx *Index) Lookup(rva uint32) int {
	n := len(idx.symbolAddresses)
	if n == 0 {
		return -1
	}
	i := sort.Search(n, func(i int) bool { return idx.symbolAddresses[i] > rva })
	if i == 0 {
		return -1
	}
	return i - 1
}

// NumSymbols returns the number of indexed FUNC/PUBLIC records.
func (idx *Index) NumSymbols() int { return len(idx.symbolAddresses) }

// AddressAt returns the RVA of the symbol at index i.
func (idx *Index) AddressAt(i int) uint32 { return idx.symbolAddresses[i] }

// NextAddress returns the RVA of the symbol following index i, and
// whether one exists.
func (idx *Index) NextAddress(i int) (uint32, bool) {
	if i+1 >= len(idx.symbolAddresses) {
		return 0, false
	}
	return idx.symbolAddresses[i+1], true
}
