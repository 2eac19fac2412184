package elffmt

import (
	"debug/elf"
	"testing"
)

func TestStripVersion(t *testing.T) {
	cases := map[string]string{
		"malloc":         "malloc",
		"free@@GLIBC_2.2.5": "free",
		"memcpy@GLIBC_2.14": "memcpy",
	}
	for in, want := range cases {
		if got := stripVersion(in); got != want {
			t.Errorf("stripVersion(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClassifyFunc(t *testing.T) {
	kind, ok := classify(elf.STT_FUNC, 0, false)
	if !ok || kind != 0 {
		t.Fatalf("STT_FUNC should classify as KindText regardless of section flags, got (%v, %v)", kind, ok)
	}
}

func TestClassifyNotypeRequiresSizeAndExecutableSection(t *testing.T) {
	if _, ok := classify(elf.STT_NOTYPE, 8, false); ok {
		t.Fatal("NOTYPE symbol in a non-executable section must be rejected")
	}
	if _, ok := classify(elf.STT_NOTYPE, 0, true); ok {
		t.Fatal("zero-size NOTYPE symbol must be rejected even in an executable section")
	}
	if _, ok := classify(elf.STT_NOTYPE, 8, true); !ok {
		t.Fatal("sized NOTYPE symbol in an executable section should be kept as a label")
	}
}

func TestClassifyObjectNeedsSizeAndExecSection(t *testing.T) {
	if _, ok := classify(elf.STT_OBJECT, 0, true); ok {
		t.Fatal("zero-size OBJECT symbol should be rejected")
	}
	if _, ok := classify(elf.STT_OBJECT, 8, false); ok {
		t.Fatal("sized OBJECT symbol outside an executable section should be rejected")
	}
	if _, ok := classify(elf.STT_OBJECT, 8, true); !ok {
		t.Fatal("sized OBJECT symbol inside an executable section should be kept")
	}
}

func TestAlign4(t *testing.T) {
	cases := map[uint32]uint32{0: 0, 1: 4, 3: 4, 4: 4, 5: 8}
	for in, want := range cases {
		if got := align4(in); got != want {
			t.Errorf("align4(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestLe32(t *testing.T) {
	b := []byte{0x01, 0x00, 0x00, 0x00}
	if got := le32(b); got != 1 {
		t.Fatalf("le32 = %d, want 1", got)
	}
}
