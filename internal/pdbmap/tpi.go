package pdbmap

import (
	"encoding/binary"
)

// TPI/IPI leaf kinds the type formatter understands, per the MS-PDB
// type-record layout (the same length-prefixed record framing
// codeview.go's symbol records use, one leaf per record instead of one
// symbol per record).
const (
	lfModifier   = 0x1001
	lfPointer    = 0x1002
	lfProcedure  = 0x1008
	lfMFunction  = 0x1009
	lfArgList    = 0x1201
	lfFieldList  = 0x1203
	lfStructure  = 0x1505
	lfClass      = 0x1504
	lfUnion      = 0x1506
	lfEnum       = 0x1507
	lfArray      = 0x1503
	lfFuncID     = 0x1601
	lfMFuncID    = 0x1602
	lfBuildInfo  = 0x1603
	lfSubstrList = 0x1604
	lfStringID   = 0x1605
	lfUDTSrcLine = 0x1606
)

// TypeStream is a parsed TPI or IPI stream (they share the same
// container format): a fixed 56-byte header followed by length-prefixed
// leaf records, indexed starting at header.TypeIndexBegin (normally
// 0x1000, since indices below that name CodeView's builtin primitive
// types).
type TypeStream struct {
	begin uint32
	leafs []leafRecord // leafs[i] is the type at index begin+i
}

type leafRecord struct {
	kind uint16
	data []byte
}

// tpiHeaderSize is sizeof(TPIHeader): Version, HeaderSize,
// TypeIndexBegin, TypeIndexEnd, TypeRecordBytes (5*u32), HashStreamIndex,
// HashAuxStreamIndex (2*u16), HashKeySize, NumHashBuckets (2*u32), three
// (offset int32, length uint32) pairs for the hash value buffer, index
// offset buffer, and hash-adjustment buffer.
const tpiHeaderSize = 56

// ParseTypeStream parses a TPI (stream 2) or IPI (stream 4) stream.
func ParseTypeStream(data []byte) (*TypeStream, error) {
	if len(data) < tpiHeaderSize {
		return &TypeStream{begin: 0x1000}, nil // empty/absent stream, not an error
	}
	begin := binary.LittleEndian.Uint32(data[8:])
	ts := &TypeStream{begin: begin}

	off := tpiHeaderSize
	for off+4 <= len(data) {
		recLen := int(binary.LittleEndian.Uint16(data[off:]))
		off += 2
		if recLen < 2 || off+recLen > len(data) {
			break
		}
		kind := binary.LittleEndian.Uint16(data[off:])
		ts.leafs = append(ts.leafs, leafRecord{kind: kind, data: data[off+2 : off+recLen]})
		off += recLen
	}
	return ts, nil
}

// Leaf returns the raw leaf record at type index idx, or false if idx is
// out of range (including every index below TypeIndexBegin, which names
// a builtin primitive type rather than a stream record).
func (ts *TypeStream) Leaf(idx uint32) (kind uint16, data []byte, ok bool) {
	if idx < ts.begin {
		return 0, nil, false
	}
	i := idx - ts.begin
	if i >= uint32(len(ts.leafs)) {
		return 0, nil, false
	}
	l := ts.leafs[i]
	return l.kind, l.data, true
}
