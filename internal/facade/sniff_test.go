package facade

import (
	"encoding/binary"
	"testing"
)

func TestDetectFormat(t *testing.T) {
	le32 := func(v uint32) []byte {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, v)
		return b
	}
	be32 := func(v uint32) []byte {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, v)
		return b
	}

	cases := []struct {
		name string
		data []byte
		want format
	}{
		{"pdb", []byte(pdbMagic + "trailing"), formatPDB},
		{"pe", []byte("MZ\x90\x00"), formatPE},
		{"elf", []byte{0x7f, 'E', 'L', 'F', 2, 1, 1}, formatELF},
		{"macho64", be32(0xfeedfacf), formatMachOThin},
		{"macho32", be32(0xfeedface), formatMachOThin},
		{"macho-swapped", be32(0xcffaedfe), formatMachOThin},
		{"fat", be32(0xcafebabe), formatMachOFat},
		{"fat-swapped", be32(0xbebafeca), formatMachOFat},
		{"breakpad", []byte("MODULE linux x86_64 AABB0 libx.so\n"), formatBreakpad},
		{"jitdump", le32(0x4a695444), formatJitDump},
		{"jitdump-be", le32(0x4454694a), formatJitDump},
		{"empty", nil, formatUnknown},
		{"garbage", []byte("hello world"), formatUnknown},
		{"short", []byte{0x7f}, formatUnknown},
	}
	for _, tc := range cases {
		if got := detectFormat(tc.data); got != tc.want {
			t.Errorf("%s: detectFormat = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSidecarPath(t *testing.T) {
	if got := sidecarPath("/sym/firefox.sym"); got != "/sym/firefox.symindex" {
		t.Errorf("got %q", got)
	}
	if got := sidecarPath("/sym/firefox"); got != "/sym/firefox.symindex" {
		t.Errorf("got %q", got)
	}
}
