package breakpad

import (
	"testing"

	"github.com/zboralski/symcore/internal/filecontents"
)

func buildTestMap(t *testing.T) *SymbolMap {
	t.Helper()
	idx, fc := buildTestIndex(t)
	return NewSymbolMap(idx, fc, nil, nil)
}

func TestLookupPublic(t *testing.T) {
	m := buildTestMap(t)
	info, err := m.Lookup(0x2004)
	if err != nil {
		t.Fatal(err)
	}
	if info == nil {
		t.Fatal("expected a PUBLIC hit")
	}
	if info.SymbolName != "public_entry" || info.SymbolAddress != 0x2000 {
		t.Errorf("got %q at %#x", info.SymbolName, info.SymbolAddress)
	}
	if info.SymbolSize != nil {
		t.Error("last PUBLIC has no next entry, size must be unknown")
	}
}

func TestLookupFuncPlain(t *testing.T) {
	m := buildTestMap(t)
	info, err := m.Lookup(0x1048)
	if err != nil {
		t.Fatal(err)
	}
	if info == nil {
		t.Fatal("expected a FUNC hit")
	}
	if info.SymbolName != "second_function()" {
		t.Errorf("name = %q", info.SymbolName)
	}
	if info.SymbolSize == nil || *info.SymbolSize != 0x20 {
		t.Errorf("size = %v", info.SymbolSize)
	}
	frames := info.Frames.Frames
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Line == nil || *frames[0].Line != 200 {
		t.Errorf("line = %v", frames[0].Line)
	}
}

// An address inside both INLINE ranges must produce the full
// outer-to-inner chain: the FUNC's own name located at depth 0's call
// site, the depth-0 origin located at depth 1's call site, and the
// deepest origin located via the FUNC's own line table.
func TestLookupInlineChain(t *testing.T) {
	m := buildTestMap(t)
	info, err := m.Lookup(0x1016)
	if err != nil {
		t.Fatal(err)
	}
	if info == nil {
		t.Fatal("expected a hit")
	}
	frames := info.Frames.Frames
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}

	check := func(i int, fn, file string, line uint32) {
		t.Helper()
		fr := frames[i]
		if fr.Function == nil || *fr.Function != fn {
			t.Errorf("frame %d function = %v, want %q", i, fr.Function, fn)
		}
		if fr.File == nil || *fr.File != file {
			t.Errorf("frame %d file = %v, want %q", i, fr.File, file)
		}
		if fr.Line == nil || *fr.Line != line {
			t.Errorf("frame %d line = %v, want %d", i, fr.Line, line)
		}
	}
	check(0, "outer_function()", "/src/app/main.cpp", 12)
	check(1, "mid_helper()", "/src/app/util.h", 34)
	check(2, "inner_helper()", "/src/app/util.h", 102)
}

// The INLINE at depth 0 references origin id 1, which is declared after
// the FUNC block in the file; the id map built from the whole scan must
// still resolve it.
func TestInlineOriginForwardReference(t *testing.T) {
	m := buildTestMap(t)
	info, err := m.Lookup(0x1012)
	if err != nil {
		t.Fatal(err)
	}
	frames := info.Frames.Frames
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[1].Function == nil || *frames[1].Function != "mid_helper()" {
		t.Errorf("inner frame = %v", frames[1].Function)
	}
}

func TestLookupPastFuncEnd(t *testing.T) {
	m := buildTestMap(t)
	info, err := m.Lookup(0x1060)
	if err != nil {
		t.Fatal(err)
	}
	if info != nil {
		t.Fatalf("0x1060 is past second_function's end, got %q", info.SymbolName)
	}
}

func TestLookupBeforeFirstSymbol(t *testing.T) {
	m := buildTestMap(t)
	info, err := m.Lookup(0x10)
	if err != nil {
		t.Fatal(err)
	}
	if info != nil {
		t.Fatal("address before the first record must miss")
	}
}

func TestIterSymbolsOrdered(t *testing.T) {
	m := buildTestMap(t)
	var rvas []uint32
	var names []string
	m.IterSymbols(func(rva uint32, name string) bool {
		rvas = append(rvas, rva)
		names = append(names, name)
		return true
	})
	if len(rvas) != 3 {
		t.Fatalf("got %d symbols", len(rvas))
	}
	for i := 1; i < len(rvas); i++ {
		if rvas[i] < rvas[i-1] {
			t.Fatalf("rvas out of order: %#v", rvas)
		}
	}
	if names[0] != "outer_function()" || names[1] != "second_function()" || names[2] != "public_entry" {
		t.Errorf("names = %#v", names)
	}
}

// Lookup through a lazily parsed map and through a map whose records
// were already memoised must agree.
func TestMemoisedLookupIsDeterministic(t *testing.T) {
	m := buildTestMap(t)
	first, err := m.Lookup(0x1016)
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Lookup(0x1016)
	if err != nil {
		t.Fatal(err)
	}
	if first.SymbolName != second.SymbolName || len(first.Frames.Frames) != len(second.Frames.Frames) {
		t.Fatal("repeated lookup returned a different result")
	}
}

func TestDemangleHookApplied(t *testing.T) {
	idx, fc := buildTestIndex(t)
	m := NewSymbolMap(idx, fc, func(name string) string { return "D:" + name }, nil)
	info, err := m.Lookup(0x2000)
	if err != nil {
		t.Fatal(err)
	}
	if info.SymbolName != "D:public_entry" {
		t.Errorf("hook not applied: %q", info.SymbolName)
	}
}

func TestLineGapInsideFunc(t *testing.T) {
	sym := "MODULE linux x86_64 AABBCCDD0 libx.so\n" +
		"FILE 0 /src/gap.c\n" +
		"FUNC 100 40 0 gappy()\n" +
		"100 8 10 0\n" +
		"120 8 11 0\n"
	fc := filecontents.FromBytes([]byte(sym))
	idx, err := BuildIndex(fc)
	if err != nil {
		t.Fatal(err)
	}
	m := NewSymbolMap(idx, fc, nil, nil)
	info, err := m.Lookup(0x110)
	if err != nil {
		t.Fatal(err)
	}
	if info == nil {
		t.Fatal("address is inside the FUNC, must hit")
	}
	fr := info.Frames.Frames
	if len(fr) != 1 {
		t.Fatalf("frames = %d", len(fr))
	}
	if fr[0].File != nil || fr[0].Line != nil {
		t.Error("padding between line records must yield no file/line")
	}
}
