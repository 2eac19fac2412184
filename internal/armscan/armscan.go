// Package armscan recovers function start addresses for stripped
// AArch64 binaries that carry neither symbols nor unwind info: it
// scans executable code for the standard `stp x29, x30, [sp, ...]`
// prologue every AAPCS64 compiler emits to save the frame pointer and
// link register.
package armscan

import "golang.org/x/arch/arm64/arm64asm"

// FunctionStarts decodes code as a stream of AArch64 instructions and
// returns the RVA (sectionRVA + offset) of every instruction that looks
// like a function prologue's frame-pointer/link-register save. Decode
// failures (data in a code section, or an instruction this package
// doesn't recognize) are skipped by stepping one instruction word
// forward, since every AArch64 instruction is exactly 4 bytes.
func FunctionStarts(code []byte, sectionRVA uint32) []uint32 {
	var out []uint32
	for off := 0; off+4 <= len(code); off += 4 {
		inst, err := arm64asm.Decode(code[off : off+4])
		if err != nil {
			continue
		}
		if isFramePush(inst) {
			out = append(out, sectionRVA+uint32(off))
		}
	}
	return out
}

// isFramePush reports whether inst stores x29 (frame pointer) and x30
// (link register) as a pair, the near-universal first instruction of an
// AArch64 function that establishes a stack frame.
func isFramePush(inst arm64asm.Inst) bool {
	if inst.Op != arm64asm.STP {
		return false
	}
	if len(inst.Args) < 2 {
		return false
	}
	r0, ok0 := inst.Args[0].(arm64asm.Reg)
	r1, ok1 := inst.Args[1].(arm64asm.Reg)
	if !ok0 || !ok1 {
		return false
	}
	return r0 == arm64asm.X29 && r1 == arm64asm.X30
}
