package pdbmap

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// typeFormatter resolves a TPI/IPI type index into a display string,
// folding both streams together the way S_GPROC32_ID/S_LPROC32_ID
// function names do: the symbol names an IPI index (LF_FUNC_ID or
// LF_MFUNC_ID), which in turn names a TPI index (LF_PROCEDURE or
// LF_MFUNCTION) for the signature and, for member functions, a TPI
// class/struct index for the qualified scope.
type typeFormatter struct {
	tpi *TypeStream
	ipi *TypeStream
}

func newTypeFormatter(tpi, ipi *TypeStream) *typeFormatter {
	return &typeFormatter{tpi: tpi, ipi: ipi}
}

// primitiveNames covers the small set of CodeView builtin type indices
// (values below TypeIndexBegin, so never stream records) this project's
// formatted names are likely to reference as argument/return types.
var primitiveNames = map[uint32]string{
	0x0003: "void",
	0x0008: "HRESULT",
	0x0010: "signed char",
	0x0020: "unsigned char",
	0x0070: "char",
	0x0071: "wchar_t",
	0x0074: "int64_t",
	0x0075: "uint64_t",
	0x0003 | 0x0400: "void*",
}

// FormatFunctionName resolves an S_GPROC32_ID/S_LPROC32_ID symbol's
// TypeIndex (an IPI index) into a qualified, parenthesized function
// signature such as "ns::Class::Method(int, char const*)". It falls
// back to the
// symbol's own raw name, unmodified, for any type index it can't
// resolve, since a best-effort name is better than dropping the frame.
func (f *typeFormatter) FormatFunctionName(typeIndex uint32, rawName string) string {
	if f == nil || f.ipi == nil {
		return rawName
	}
	kind, data, ok := f.ipi.Leaf(typeIndex)
	if !ok {
		return rawName
	}
	switch kind {
	case lfMFuncID:
		return f.formatMFuncID(data, rawName)
	case lfFuncID:
		return f.formatFuncID(data, rawName)
	case lfStringID:
		return f.resolveStringID(typeIndex)
	default:
		return rawName
	}
}

// formatFuncID decodes LF_FUNC_ID { parentScope u32, functionType u32,
// name cstring } for a non-member function.
func (f *typeFormatter) formatFuncID(data []byte, rawName string) string {
	if len(data) < 8 {
		return rawName
	}
	funcType := binary.LittleEndian.Uint32(data[4:])
	name := cStringField(data[8:])
	if name == "" {
		name = rawName
	}
	sig := f.formatProcedureSignature(funcType)
	return sig.withName(name)
}

// formatMFuncID decodes LF_MFUNC_ID { parentType u32 (class TPI index),
// functionType u32, name cstring } for a member function, prefixing the
// owning class's qualified name the way C++ demanglers do.
func (f *typeFormatter) formatMFuncID(data []byte, rawName string) string {
	if len(data) < 8 {
		return rawName
	}
	parentType := binary.LittleEndian.Uint32(data[0:])
	funcType := binary.LittleEndian.Uint32(data[4:])
	name := cStringField(data[8:])
	if name == "" {
		name = rawName
	}
	className := f.className(parentType)
	if className != "" {
		name = className + "::" + name
	}
	sig := f.formatProcedureSignature(funcType)
	return sig.withName(name)
}

// className resolves a TPI index naming LF_STRUCTURE/LF_CLASS/LF_UNION
// to its (already fully qualified, as MSVC emits it) name field.
func (f *typeFormatter) className(typeIndex uint32) string {
	if f.tpi == nil {
		return ""
	}
	kind, data, ok := f.tpi.Leaf(typeIndex)
	if !ok {
		return ""
	}
	switch kind {
	case lfStructure, lfClass, lfUnion:
		// Layout: property-relevant fixed fields vary by kind but the
		// name cstring always begins after a run of leading fields this
		// project doesn't otherwise need; conservatively scan for the
		// first NUL-terminated, printable-looking run since struct/class
		// records additionally carry a numeric "size" leaf (LF_NUMERIC)
		// immediately before the name whose encoded width varies.
		return structName(data)
	case lfEnum:
		return structName(data)
	}
	return ""
}

// structName extracts the name field of an LF_STRUCTURE/LF_CLASS/
// LF_UNION/LF_ENUM record. These records share a fixed prefix (count,
// field-list index or similar, properties, ...) of at least 18 bytes
// before a numeric leaf (the instance size, variable width: 2 bytes if
// < 0x8000, else a LF_* numeric leaf prefix) and then the name cstring.
// Rather than track every kind's exact prefix width, this scans forward
// from a conservative minimum offset for the first plausible
// identifier, tolerating the numeric leaf's variable encoding.
func structName(data []byte) string {
	const minPrefix = 18
	if len(data) <= minPrefix {
		return ""
	}
	off := minPrefix
	// Skip a numeric leaf if present (values >= 0x8000 carry a LF_*
	// numeric kind prefix of additional bytes).
	if off+2 <= len(data) {
		v := binary.LittleEndian.Uint16(data[off:])
		switch {
		case v < 0x8000:
			off += 2
		case v == 0x8004: // LF_REAL32
			off += 2 + 4
		case v == 0x800a: // LF_UINT64
			off += 2 + 8
		default:
			off += 2
		}
	}
	if off >= len(data) {
		return ""
	}
	return cStringField(data[off:])
}

// procedureSignature is a resolved LF_PROCEDURE/LF_MFUNCTION: return
// type and argument list, ready to be combined with a function name.
type procedureSignature struct {
	returnType string
	args       []string
	valid      bool
}

func (s procedureSignature) withName(name string) string {
	if !s.valid {
		return name
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(s.args, ", "))
}

// formatProcedureSignature resolves a TPI index that should name
// LF_PROCEDURE (free function) or LF_MFUNCTION (member function) into
// its argument list.
func (f *typeFormatter) formatProcedureSignature(typeIndex uint32) procedureSignature {
	if f.tpi == nil {
		return procedureSignature{}
	}
	kind, data, ok := f.tpi.Leaf(typeIndex)
	if !ok {
		return procedureSignature{}
	}
	var argListIdx uint32
	var returnIdx uint32
	switch kind {
	case lfProcedure:
		// ReturnType u32, CallConv u8, Reserved u8, ParamCount u16, ArgListType u32
		if len(data) < 12 {
			return procedureSignature{}
		}
		returnIdx = binary.LittleEndian.Uint32(data[0:])
		argListIdx = binary.LittleEndian.Uint32(data[8:])
	case lfMFunction:
		// ReturnType u32, ClassType u32, ThisType u32, CallConv u8,
		// Reserved u8, ParamCount u16, ArgListType u32, ThisAdjust i32
		if len(data) < 24 {
			return procedureSignature{}
		}
		returnIdx = binary.LittleEndian.Uint32(data[0:])
		argListIdx = binary.LittleEndian.Uint32(data[16:])
	default:
		return procedureSignature{}
	}
	return procedureSignature{
		returnType: f.typeName(returnIdx),
		args:       f.argList(argListIdx),
		valid:      true,
	}
}

// argList resolves an LF_ARGLIST (count u32, type indices u32[count])
// into a slice of formatted type names.
func (f *typeFormatter) argList(typeIndex uint32) []string {
	if f.tpi == nil {
		return nil
	}
	kind, data, ok := f.tpi.Leaf(typeIndex)
	if !ok || kind != lfArgList || len(data) < 4 {
		return nil
	}
	count := binary.LittleEndian.Uint32(data[0:])
	var args []string
	off := 4
	for i := uint32(0); i < count && off+4 <= len(data); i++ {
		idx := binary.LittleEndian.Uint32(data[off:])
		args = append(args, f.typeName(idx))
		off += 4
	}
	return args
}

// typeName resolves any TPI index to a best-effort display string,
// covering the primitives, pointers and modifiers most argument types
// reduce to (e.g. "sandbox::IPCInfo*").
func (f *typeFormatter) typeName(typeIndex uint32) string {
	if name, ok := primitiveNames[typeIndex]; ok {
		return name
	}
	if f.tpi == nil {
		return fmt.Sprintf("T%#x", typeIndex)
	}
	kind, data, ok := f.tpi.Leaf(typeIndex)
	if !ok {
		return fmt.Sprintf("T%#x", typeIndex)
	}
	switch kind {
	case lfPointer:
		if len(data) < 4 {
			return "void*"
		}
		under := binary.LittleEndian.Uint32(data[0:])
		return f.typeName(under) + "*"
	case lfModifier:
		if len(data) < 4 {
			return "T"
		}
		under := binary.LittleEndian.Uint32(data[0:])
		mods := ""
		if len(data) >= 6 {
			flags := binary.LittleEndian.Uint16(data[4:])
			if flags&0x1 != 0 {
				mods += "const "
			}
			if flags&0x2 != 0 {
				mods += "volatile "
			}
		}
		return mods + f.typeName(under)
	case lfStructure, lfClass, lfUnion, lfEnum:
		if name := structName(data); name != "" {
			return name
		}
	}
	return fmt.Sprintf("T%#x", typeIndex)
}

// resolveStringID follows an IPI LF_STRING_ID (substring list index
// u32, name cstring) chain, used for LF_BUILDINFO arguments and some
// compiler-emitted names; returns just the leaf string since this
// project only needs it for name display, not full path reconstruction.
func (f *typeFormatter) resolveStringID(typeIndex uint32) string {
	if f.ipi == nil {
		return ""
	}
	kind, data, ok := f.ipi.Leaf(typeIndex)
	if !ok || kind != lfStringID || len(data) < 4 {
		return ""
	}
	return cStringField(data[4:])
}

func cStringField(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}
