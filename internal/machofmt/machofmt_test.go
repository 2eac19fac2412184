package machofmt

import "testing"

func TestSplitArchiveMember(t *testing.T) {
	cases := []struct {
		in       string
		wantFile string
		wantMem  string
	}{
		{"/build/foo.o", "/build/foo.o", ""},
		{"/build/libfoo.a(foo.o)", "/build/libfoo.a", "foo.o"},
		{"/build/libfoo.a(sub/foo.o)", "/build/libfoo.a", "sub/foo.o"},
	}
	for _, c := range cases {
		file, mem := splitArchiveMember(c.in)
		if file != c.wantFile || mem != c.wantMem {
			t.Errorf("splitArchiveMember(%q) = (%q, %q), want (%q, %q)", c.in, file, mem, c.wantFile, c.wantMem)
		}
	}
}

func TestResolveFunStabBrackets(t *testing.T) {
	// Resolve picks the bracket whose start is the nearest at or below
	// svma, from a synthetic list shaped like buildFunStabs' output.
	stabs := []funStab{
		{oso: "a.o", name: "g", addr: 0x2000},
		{oso: "a.o", name: "f", addr: 0x1000},
	}
	l := &Loader{funStabs: stabs}
	// Resolve assumes its input is already sorted ascending by addr, same
	// as buildFunStabs guarantees; feed it pre-sorted here.
	l.funStabs = []funStab{stabs[1], stabs[0]}

	ref, addr, ok := l.Resolve(0x1010)
	if !ok {
		t.Fatalf("Resolve(0x1010) = not ok, want ok")
	}
	if ref.FileName != "a.o" {
		t.Errorf("FileName = %q, want a.o", ref.FileName)
	}
	if string(addr.SymbolName) != "f" {
		t.Errorf("SymbolName = %q, want f", addr.SymbolName)
	}
	if addr.OffsetFromSymbol != 0x10 {
		t.Errorf("OffsetFromSymbol = %#x, want 0x10", addr.OffsetFromSymbol)
	}

	ref2, addr2, ok := l.Resolve(0x2500)
	if !ok {
		t.Fatalf("Resolve(0x2500) = not ok, want ok")
	}
	if string(addr2.SymbolName) != "g" || ref2.FileName != "a.o" {
		t.Errorf("Resolve(0x2500) = (%+v, %+v), want g bracket", ref2, addr2)
	}

	if _, _, ok := l.Resolve(0x500); ok {
		t.Errorf("Resolve(0x500) before first bracket = ok, want not ok")
	}
}

func TestResolveNoStabs(t *testing.T) {
	l := &Loader{}
	if _, _, ok := l.Resolve(0x1000); ok {
		t.Errorf("Resolve with no stabs = ok, want not ok")
	}
}
