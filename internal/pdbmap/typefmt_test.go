package pdbmap

import (
	"encoding/binary"
	"testing"
)

func TestTypeNamePrimitive(t *testing.T) {
	f := newTypeFormatter(nil, nil)
	if got := f.typeName(0x0003); got != "void" {
		t.Fatalf("typeName(void) = %q", got)
	}
}

func TestTypeNamePointer(t *testing.T) {
	// TPI begins at 0x1000; index 0x1000 is an LF_POINTER to void
	// (primitive 0x0003).
	leaf := make([]byte, 6)
	binary.LittleEndian.PutUint32(leaf[0:], 0x0003)
	tpi := &TypeStream{begin: 0x1000, leafs: []leafRecord{{kind: lfPointer, data: leaf}}}
	f := newTypeFormatter(tpi, nil)
	if got := f.typeName(0x1000); got != "void*" {
		t.Fatalf("typeName(pointer-to-void) = %q, want void*", got)
	}
}

func TestFormatFunctionNameFallsBackWithoutIPI(t *testing.T) {
	f := newTypeFormatter(nil, nil)
	if got := f.FormatFunctionName(0x1234, "raw_name"); got != "raw_name" {
		t.Fatalf("got %q, want fallback to raw_name", got)
	}
}

func TestArgListResolvesPrimitives(t *testing.T) {
	argListData := make([]byte, 4+2*4)
	binary.LittleEndian.PutUint32(argListData[0:], 2)
	binary.LittleEndian.PutUint32(argListData[4:], 0x0074)  // int64_t
	binary.LittleEndian.PutUint32(argListData[8:], 0x0003) // void
	tpi := &TypeStream{begin: 0x1000, leafs: []leafRecord{{kind: lfArgList, data: argListData}}}
	f := newTypeFormatter(tpi, nil)
	args := f.argList(0x1000)
	if len(args) != 2 || args[0] != "int64_t" || args[1] != "void" {
		t.Fatalf("unexpected args: %+v", args)
	}
}
