package debugid

import (
	"testing"

	"github.com/google/uuid"
)

func TestParseRoundTrip(t *testing.T) {
	cases := []string{
		"F1E853FD662672044C4C44205044422E1",  // PDB GUID + age 1
		"B993FABD8143361AB199F7DE9DF7E4360",  // Mach-O UUID + age 0
		"AA152DEB2D9B76084C4C44205044422E1",
	}
	for _, s := range cases {
		id, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if got := id.String(); got != s {
			t.Errorf("round trip %q -> %q", s, got)
		}
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	for _, s := range []string{"", "1234", "ZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZ0", "F1E853FD662672044C4C44205044422Exy"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) should fail", s)
		}
	}
}

func TestParseHexAge(t *testing.T) {
	// The age suffix is read as hex first (so "10" would be 0x10); this
	// exercises that hex path with a letter digit.
	id, err := Parse("AA152DEB2D9B76084C4C44205044422Ea")
	if err != nil {
		t.Fatal(err)
	}
	if id.Age != 0xa {
		t.Errorf("age = %d", id.Age)
	}
}

func TestFromELFBuildID(t *testing.T) {
	full := make([]byte, 20)
	for i := range full {
		full[i] = byte(i + 1)
	}
	id, err := FromELFBuildID(full)
	if err != nil {
		t.Fatal(err)
	}
	if id.Age != 0 {
		t.Errorf("age = %d", id.Age)
	}
	want, _ := uuid.FromBytes(full[:16])
	if id.GUID != want {
		t.Error("build-id must be truncated to its first 16 bytes")
	}

	short, err := FromELFBuildID([]byte{0xde, 0xad})
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := short.GUID.MarshalBinary()
	if raw[0] != 0xde || raw[1] != 0xad || raw[2] != 0 {
		t.Error("short build-id must be zero-padded")
	}
}

func TestEqual(t *testing.T) {
	a, _ := Parse("F1E853FD662672044C4C44205044422E1")
	b, _ := Parse("F1E853FD662672044C4C44205044422E1")
	c, _ := Parse("F1E853FD662672044C4C44205044422E2")
	if !a.Equal(b) {
		t.Error("identical ids must be equal")
	}
	if a.Equal(c) {
		t.Error("different ages must not be equal")
	}
}
