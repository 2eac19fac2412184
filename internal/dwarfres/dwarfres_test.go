package dwarfres

import (
	"debug/dwarf"
	"testing"
)

func TestPCRangeAddressForm(t *testing.T) {
	e := &dwarf.Entry{
		Tag: dwarf.TagSubprogram,
		Field: []dwarf.Field{
			{Attr: dwarf.AttrLowpc, Val: uint64(0x1000), Class: dwarf.ClassAddress},
			{Attr: dwarf.AttrHighpc, Val: uint64(0x1100), Class: dwarf.ClassAddress},
		},
	}
	low, high, ok := pcRange(e)
	if !ok || low != 0x1000 || high != 0x1100 {
		t.Fatalf("pcRange = (%x, %x, %v), want (0x1000, 0x1100, true)", low, high, ok)
	}
}

func TestPCRangeOffsetForm(t *testing.T) {
	// DWARF4+ commonly encodes high_pc as a constant byte count from
	// low_pc rather than a second absolute address.
	e := &dwarf.Entry{
		Tag: dwarf.TagSubprogram,
		Field: []dwarf.Field{
			{Attr: dwarf.AttrLowpc, Val: uint64(0x2000), Class: dwarf.ClassAddress},
			{Attr: dwarf.AttrHighpc, Val: int64(0x50), Class: dwarf.ClassConstant},
		},
	}
	low, high, ok := pcRange(e)
	if !ok || low != 0x2000 || high != 0x2050 {
		t.Fatalf("pcRange = (%x, %x, %v), want (0x2000, 0x2050, true)", low, high, ok)
	}
}

func TestPCRangeMissingAttrs(t *testing.T) {
	e := &dwarf.Entry{Tag: dwarf.TagLexDwarfBlock}
	if _, _, ok := pcRange(e); ok {
		t.Fatal("pcRange should fail without low_pc/high_pc")
	}
}

func TestFindChainOutermostAndInline(t *testing.T) {
	outer := &node{
		entry: &dwarf.Entry{Tag: dwarf.TagSubprogram, Field: []dwarf.Field{{Attr: dwarf.AttrName, Val: "outer"}}},
		low:   0x1000, high: 0x2000, hasRange: true,
	}
	inline := &node{
		entry: &dwarf.Entry{Tag: dwarf.TagInlinedSubroutine, Field: []dwarf.Field{{Attr: dwarf.AttrName, Val: "inlined"}}},
		low:   0x1080, high: 0x1090, hasRange: true,
		parent: outer,
	}
	outer.children = []*node{inline}

	chain := findChain([]*node{outer}, 0x1085)
	if len(chain) != 2 {
		t.Fatalf("expected a 2-deep chain, got %d", len(chain))
	}
	if chain[0] != outer || chain[1] != inline {
		t.Fatal("chain ordering should be outermost-first")
	}

	// An address inside outer but outside the inline range should stop
	// at depth 1.
	chain = findChain([]*node{outer}, 0x1050)
	if len(chain) != 1 || chain[0] != outer {
		t.Fatalf("expected chain of just [outer], got %d entries", len(chain))
	}

	// An address in the padding gap before the function entirely should
	// produce no chain at all.
	chain = findChain([]*node{outer}, 0x500)
	if len(chain) != 0 {
		t.Fatalf("expected no chain in the gap, got %d entries", len(chain))
	}
}

func TestFindChainTransparentLexicalBlock(t *testing.T) {
	outer := &node{
		entry: &dwarf.Entry{Tag: dwarf.TagSubprogram, Field: []dwarf.Field{{Attr: dwarf.AttrName, Val: "f"}}},
		low:   0x1000, high: 0x2000, hasRange: true,
	}
	block := &node{
		entry:  &dwarf.Entry{Tag: dwarf.TagLexDwarfBlock},
		parent: outer,
		// no PC range: transparent container
	}
	inline := &node{
		entry: &dwarf.Entry{Tag: dwarf.TagInlinedSubroutine, Field: []dwarf.Field{{Attr: dwarf.AttrName, Val: "g"}}},
		low:   0x1200, high: 0x1210, hasRange: true,
		parent: block,
	}
	block.children = []*node{inline}
	outer.children = []*node{block}

	chain := findChain([]*node{outer}, 0x1205)
	if len(chain) != 2 {
		t.Fatalf("lexical block should be transparent, got chain of %d", len(chain))
	}
	if chain[1].entry.Field[0].Val.(string) != "g" {
		t.Fatalf("expected innermost frame to be the inlined routine, got %v", chain[1].entry.Field[0].Val)
	}
}

func TestNameOfFallsBackToAbstractOrigin(t *testing.T) {
	r := &Resolver{}
	u := &unitInfo{byOffset: make(map[dwarf.Offset]*node)}

	origin := &node{entry: &dwarf.Entry{
		Offset: 42,
		Field:  []dwarf.Field{{Attr: dwarf.AttrName, Val: "Widget::Render"}},
	}}
	u.byOffset[42] = origin

	inlineSite := &node{entry: &dwarf.Entry{
		Field: []dwarf.Field{{Attr: dwarf.AttrAbstractOrigin, Val: dwarf.Offset(42)}},
	}}

	if got := r.nameOf(u, inlineSite); got != "Widget::Render" {
		t.Fatalf("nameOf = %q, want resolved abstract-origin name", got)
	}
}

func TestResolveNilDataIsAlwaysUnavailable(t *testing.T) {
	r := New(nil, nil)
	if _, ok := r.Resolve(0x1000); ok {
		t.Fatal("Resolve over nil DWARF data must report unavailable")
	}
}

func TestStrp(t *testing.T) {
	if strp("") != nil {
		t.Fatal("strp(\"\") should be nil, matching 'empty name is no name'")
	}
	if p := strp("x"); p == nil || *p != "x" {
		t.Fatal("strp(\"x\") should round-trip")
	}
}
