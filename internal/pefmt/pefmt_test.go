package pefmt

import "testing"

func TestRemoveHyphens(t *testing.T) {
	if got := removeHyphens("ab-cd-ef"); got != "abcdef" {
		t.Fatalf("removeHyphens = %q, want %q", got, "abcdef")
	}
}

func TestSwapGUIDToRFC4122(t *testing.T) {
	// A Windows GUID stores Data1/Data2/Data3 little-endian; the RFC4122
	// form (what uuid.FromBytes expects) stores them big-endian. Data4
	// is an 8-byte array already in the right order in both.
	windowsGUID := []byte{
		0x04, 0x03, 0x02, 0x01, // Data1 = 0x01020304, stored LE
		0x06, 0x05, // Data2 = 0x0506, stored LE
		0x08, 0x07, // Data3 = 0x0708, stored LE
		0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10, // Data4, unchanged
	}
	want := []byte{
		0x01, 0x02, 0x03, 0x04,
		0x05, 0x06,
		0x07, 0x08,
		0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
	}
	got := swapGUIDToRFC4122(windowsGUID)
	if len(got) != 16 {
		t.Fatalf("swapGUIDToRFC4122 returned %d bytes, want 16", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], want[i])
		}
	}
}
