package armscan

import "testing"

func TestFunctionStartsFindsFramePush(t *testing.T) {
	// "stp x29, x30, [sp, #-16]!" little-endian encoding.
	prologue := []byte{0xfd, 0x7b, 0xbf, 0xa9}
	// "mov x0, x0" (orr x0, xzr, x0), a plausible non-prologue filler
	// instruction to pad before the real one.
	filler := []byte{0xe0, 0x03, 0x00, 0xaa}

	code := append(append([]byte{}, filler...), prologue...)
	starts := FunctionStarts(code, 0x1000)

	if len(starts) != 1 || starts[0] != 0x1004 {
		t.Fatalf("FunctionStarts = %v, want [0x1004]", starts)
	}
}

func TestFunctionStartsEmptyOnNoMatch(t *testing.T) {
	filler := []byte{0xe0, 0x03, 0x00, 0xaa, 0xe0, 0x03, 0x00, 0xaa}
	if starts := FunctionStarts(filler, 0); len(starts) != 0 {
		t.Fatalf("FunctionStarts = %v, want none", starts)
	}
}
