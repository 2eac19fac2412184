package breakpad

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Sidecar layout (little-endian):
//
//	magic      [4]byte  "SYXI"
//	version    uint32
//	debugID    string   (u32 len + bytes)
//	os         string
//	arch       string
//	name       string
//	numFiles   uint32
//	files      { id uint32; offset uint64; length uint32 } * numFiles
//	numOrigins uint32
//	origins    { id uint32; offset uint64; length uint32 } * numOrigins
//	numSyms    uint32
//	addrs      uint32 * numSyms
//	symOffsets { kind uint8; offset uint64; length uint32 } * numSyms
var sidecarMagic = [4]byte{'S', 'Y', 'X', 'I'}

const sidecarVersion = 1

// Serialize encodes the index into the sidecar binary format. Producers
// (downloaders, CLI tools) can write this next to the .sym file with
// extension ".symindex" so subsequent processes skip the linear scan
// entirely.
func (idx *Index) Serialize() []byte {
	var buf bytes.Buffer
	buf.Write(sidecarMagic[:])
	writeU32(&buf, sidecarVersion)
	writeString(&buf, idx.DebugID)
	writeString(&buf, idx.OS)
	writeString(&buf, idx.Arch)
	writeString(&buf, idx.Name)

	writeU32(&buf, uint32(len(idx.fileOffsets)))
	for id, span := range idx.fileOffsets {
		writeU32(&buf, id)
		writeU64(&buf, span.Offset)
		writeU32(&buf, span.Length)
	}

	writeU32(&buf, uint32(len(idx.inlineOriginOffsets)))
	for id, span := range idx.inlineOriginOffsets {
		writeU32(&buf, id)
		writeU64(&buf, span.Offset)
		writeU32(&buf, span.Length)
	}

	writeU32(&buf, uint32(len(idx.symbolAddresses)))
	for _, a := range idx.symbolAddresses {
		writeU32(&buf, a)
	}
	for _, so := range idx.symbolOffsets {
		buf.WriteByte(byte(so.Kind))
		writeU64(&buf, so.Span.Offset)
		writeU32(&buf, so.Span.Length)
	}

	return buf.Bytes()
}

// DeserializeSidecar parses a sidecar blob produced by Serialize. An
// invalid magic or an unsupported version returns (nil, false) rather
// than an error, so the caller falls back to a full scan.
func DeserializeSidecar(data []byte) (*Index, bool) {
	idx, err := deserialize(data)
	if err != nil {
		return nil, false
	}
	return idx, true
}

func deserialize(data []byte) (*Index, error) {
	r := bytes.NewReader(data)
	var magic [4]byte
	if _, err := r.Read(magic[:]); err != nil || magic != sidecarMagic {
		return nil, fmt.Errorf("breakpad: bad sidecar magic")
	}
	version, err := readU32(r)
	if err != nil || version != sidecarVersion {
		return nil, fmt.Errorf("breakpad: unsupported sidecar version")
	}

	idx := &Index{
		fileOffsets:         make(map[uint32]offsetSpan),
		inlineOriginOffsets: make(map[uint32]offsetSpan),
	}

	if idx.DebugID, err = readString(r); err != nil {
		return nil, err
	}
	if idx.OS, err = readString(r); err != nil {
		return nil, err
	}
	if idx.Arch, err = readString(r); err != nil {
		return nil, err
	}
	if idx.Name, err = readString(r); err != nil {
		return nil, err
	}

	numFiles, err := readU32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < numFiles; i++ {
		id, err := readU32(r)
		if err != nil {
			return nil, err
		}
		off, err := readU64(r)
		if err != nil {
			return nil, err
		}
		length, err := readU32(r)
		if err != nil {
			return nil, err
		}
		idx.fileOffsets[id] = offsetSpan{Offset: off, Length: length}
	}

	numOrigins, err := readU32(r)
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < numOrigins; i++ {
		id, err := readU32(r)
		if err != nil {
			return nil, err
		}
		off, err := readU64(r)
		if err != nil {
			return nil, err
		}
		length, err := readU32(r)
		if err != nil {
			return nil, err
		}
		idx.inlineOriginOffsets[id] = offsetSpan{Offset: off, Length: length}
	}

	numSyms, err := readU32(r)
	if err != nil {
		return nil, err
	}
	idx.symbolAddresses = make([]uint32, numSyms)
	for i := uint32(0); i < numSyms; i++ {
		a, err := readU32(r)
		if err != nil {
			return nil, err
		}
		idx.symbolAddresses[i] = a
	}
	idx.symbolOffsets = make([]symbolOffset, numSyms)
	for i := uint32(0); i < numSyms; i++ {
		kindByte, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		off, err := readU64(r)
		if err != nil {
			return nil, err
		}
		length, err := readU32(r)
		if err != nil {
			return nil, err
		}
		idx.symbolOffsets[i] = symbolOffset{Kind: symbolOffsetKind(kindByte), Span: offsetSpan{Offset: off, Length: length}}
	}

	return idx, nil
}

// Equal reports whether two indexes are deeply equivalent.
func (idx *Index) Equal(other *Index) bool {
	if idx == nil || other == nil {
		return idx == other
	}
	if idx.DebugID != other.DebugID || idx.OS != other.OS || idx.Arch != other.Arch || idx.Name != other.Name {
		return false
	}
	if len(idx.symbolAddresses) != len(other.symbolAddresses) {
		return false
	}
	for i := range idx.symbolAddresses {
		if idx.symbolAddresses[i] != other.symbolAddresses[i] {
			return false
		}
		if idx.symbolOffsets[i] != other.symbolOffsets[i] {
			return false
		}
	}
	if len(idx.fileOffsets) != len(other.fileOffsets) {
		return false
	}
	for id, span := range idx.fileOffsets {
		if other.fileOffsets[id] != span {
			return false
		}
	}
	if len(idx.inlineOriginOffsets) != len(other.inlineOriginOffsets) {
		return false
	}
	for id, span := range idx.inlineOriginOffsets {
		if other.inlineOriginOffsets[id] != span {
			return false
		}
	}
	return true
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(b); err != nil {
			return "", err
		}
	}
	return string(b), nil
}
