// Package codeview decodes CodeView debug symbol records: the
// per-procedure symbol stream a PDB's module streams carry, and the
// S_INLINESITE binary-annotation opcode stream that encodes an inlined
// call's line-number deltas. Records are length-prefixed; parsing is
// plain encoding/binary over the published CodeView layout.
package codeview

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Symbol record kind constants, the subset the PDB reader acts on:
// procedures, inline sites, public symbols.
const (
	SCompile2     = 0x1116
	SCompile3     = 0x113c
	SObjname      = 0x1101
	SPub32        = 0x110e
	SLProc32      = 0x110f
	SGProc32      = 0x1110
	SLProc32ID    = 0x1146
	SGProc32ID    = 0x1147
	SProcIDEnd    = 0x114f
	SEnd          = 0x0006
	SInlineSite   = 0x114d
	SInlineSiteEnd = 0x114e
	SFrameProc    = 0x1012
	SBuildInfo    = 0x114c
)

// Record is one raw, unparsed symbol record: its kind and payload
// (everything after the 2-byte length and 2-byte kind header).
type Record struct {
	Kind uint16
	Data []byte
}

// ParseRecords scans a module's symbol substream (or the global
// symbols stream) into raw Records, skipping the leading 4-byte
// CV_SIGNATURE_C13 word modules carry.
func ParseRecords(data []byte) []Record {
	recs, _ := ParseRecordsWithOffsets(data)
	return recs
}

// RecordOffset pairs a Record with the byte offset, within the stream
// passed to ParseRecordsWithOffsets, of its 4-byte length+kind header.
// S_GPROC32/S_LPROC32's Parent/End/Next fields are exactly these
// offsets, so a caller walking a procedure's nested symbols (S_INLINESITE,
// nested S_*PROC32, ...) can recognize "the S_END at ProcSym.End" by
// comparing against this value instead of a record index.
type RecordOffset struct {
	Record
	Offset int
}

// ParseRecordsWithOffsets is ParseRecords plus each record's starting
// byte offset, needed by pdbmap's inline-range walk.
func ParseRecordsWithOffsets(data []byte) ([]Record, []RecordOffset) {
	var out []Record
	var withOffsets []RecordOffset
	offset := 0
	if len(data) >= 4 && binary.LittleEndian.Uint32(data) == 4 {
		offset = 4
	}
	for offset+4 <= len(data) {
		recStart := offset // offset of the 2-byte length field, the "pointer" value ProcSym.End etc. use
		recLen := int(binary.LittleEndian.Uint16(data[offset:]))
		offset += 2
		if recLen < 2 || offset+recLen > len(data) {
			break
		}
		kind := binary.LittleEndian.Uint16(data[offset:])
		rec := Record{Kind: kind, Data: data[offset+2 : offset+recLen]}
		out = append(out, rec)
		withOffsets = append(withOffsets, RecordOffset{Record: rec, Offset: recStart})
		offset += recLen
	}
	return out, withOffsets
}

// IsProcKind reports whether kind is any procedure-start symbol.
func IsProcKind(kind uint16) bool {
	switch kind {
	case SLProc32, SGProc32, SLProc32ID, SGProc32ID:
		return true
	}
	return false
}

// ProcSym is a parsed S_GPROC32/S_LPROC32(_ID) record.
type ProcSym struct {
	Parent    uint32
	End       uint32 // byte offset of this procedure's S_END record within the stream
	Next      uint32
	Length    uint32
	DbgStart  uint32
	DbgEnd    uint32
	TypeIndex uint32
	Offset    uint32 // code offset within Segment
	Segment   uint16
	Flags     uint8
	Name      string
}

// ParseProcSym decodes a procedure symbol record's payload.
func ParseProcSym(data []byte) (ProcSym, error) {
	if len(data) < 35 {
		return ProcSym{}, fmt.Errorf("codeview: proc symbol too small: %d bytes", len(data))
	}
	p := ProcSym{
		Parent:    binary.LittleEndian.Uint32(data[0:]),
		End:       binary.LittleEndian.Uint32(data[4:]),
		Next:      binary.LittleEndian.Uint32(data[8:]),
		Length:    binary.LittleEndian.Uint32(data[12:]),
		DbgStart:  binary.LittleEndian.Uint32(data[16:]),
		DbgEnd:    binary.LittleEndian.Uint32(data[20:]),
		TypeIndex: binary.LittleEndian.Uint32(data[24:]),
		Offset:    binary.LittleEndian.Uint32(data[28:]),
		Segment:   binary.LittleEndian.Uint16(data[32:]),
		Flags:     data[34],
	}
	p.Name = cString(data[35:])
	return p, nil
}

// PubSym is a parsed S_PUB32 record, the back-fill source for
// addresses no procedure symbol claims.
type PubSym struct {
	Flags   uint32
	Offset  uint32
	Segment uint16
	Name    string
}

// ParsePubSym decodes a public symbol record's payload.
func ParsePubSym(data []byte) (PubSym, error) {
	if len(data) < 10 {
		return PubSym{}, fmt.Errorf("codeview: pub symbol too small: %d bytes", len(data))
	}
	return PubSym{
		Flags:   binary.LittleEndian.Uint32(data[0:]),
		Offset:  binary.LittleEndian.Uint32(data[4:]),
		Segment: binary.LittleEndian.Uint16(data[8:]),
		Name:    cString(data[10:]),
	}, nil
}

// InlineSiteSym is a parsed S_INLINESITE record: which function was
// inlined (by IPI type-index reference, resolved to a name by the
// caller via the IPI stream) and the binary-annotation opcode stream
// describing its code-offset/line-number deltas.
type InlineSiteSym struct {
	Parent  uint32
	End     uint32
	Inlinee uint32 // IPI stream index of the inlined function's LF_FUNC_ID/LF_MFUNC_ID record
	Annotations []byte
}

// ParseInlineSiteSym decodes an S_INLINESITE record's payload.
func ParseInlineSiteSym(data []byte) (InlineSiteSym, error) {
	if len(data) < 12 {
		return InlineSiteSym{}, fmt.Errorf("codeview: inline site too small: %d bytes", len(data))
	}
	return InlineSiteSym{
		Parent:      binary.LittleEndian.Uint32(data[0:]),
		End:         binary.LittleEndian.Uint32(data[4:]),
		Inlinee:     binary.LittleEndian.Uint32(data[8:]),
		Annotations: data[12:],
	}, nil
}

// InlineRange is one decoded span of an inline site's binary
// annotations: the site applies to code offsets [CodeOffset,
// CodeOffset+Length). LineStart is the accumulated line delta at that
// span, relative to the inlinee's declared start line (the
// DEBUG_S_INLINEELINES base); FileID is the FILECHKSMS offset a
// baChangeFile opcode switched to, or -1 while the inlinee's own
// declaring file still applies.
type InlineRange struct {
	CodeOffset uint32
	Length     uint32
	LineStart  int32
	FileID     int32
}

// Binary annotation opcodes, MS-PDB CV_InlineSiteSym "binary annotation
// mechanism" (the subset needed to recover code-offset -> line
// mappings; opcodes affecting only column info are not tracked, and a
// frame's file comes from the enclosing procedure when the inline site
// doesn't change it).
const (
	baEnd                       = 0x00
	baCodeOffset                = 0x01
	baChangeCodeOffsetBase      = 0x02
	baChangeCodeOffset          = 0x03
	baChangeCodeLength          = 0x04
	baChangeFile                = 0x05
	baChangeLineOffset          = 0x06
	baChangeLineEndDelta        = 0x07
	baChangeRangeKind           = 0x08
	baChangeColumnStart         = 0x09
	baChangeColumnEndDelta      = 0x0a
	baChangeCodeOffsetAndLineOffset = 0x0b
	baChangeCodeLengthAndCodeOffset = 0x0c
	baChangeColumnEnd           = 0x0d
)

// DecodeAnnotations walks the binary-annotation opcode stream into
// InlineRange spans, per the MS-PDB binary annotation mechanism used
// by S_INLINESITE records. Offset and line deltas are applied before a
// span starts, so each span carries the line state in effect for the
// code it covers; a span emitted without an explicit length stays open
// until the next span's start (or a following baChangeCodeLength
// closes it).
func DecodeAnnotations(ann []byte) []InlineRange {
	var out []InlineRange
	var codeOffset uint32
	var lineOffset int32
	curFile := int32(-1)
	openIdx := -1

	emit := func(offset, length uint32) {
		out = append(out, InlineRange{CodeOffset: offset, Length: length, LineStart: lineOffset, FileID: curFile})
		if length == 0 {
			openIdx = len(out) - 1
		} else {
			openIdx = -1
		}
	}

	finish := func() []InlineRange {
		for i := range out {
			if out[i].Length == 0 && i+1 < len(out) {
				out[i].Length = out[i+1].CodeOffset - out[i].CodeOffset
			}
		}
		if n := len(out); n > 0 && out[n-1].Length == 0 {
			out = out[:n-1]
		}
		return out
	}

	r := bytes.NewReader(ann)
	for r.Len() > 0 {
		op, ok := readULEB(r)
		if !ok {
			break
		}
		switch op {
		case baEnd:
			return finish()
		case baCodeOffset:
			v, ok := readULEB(r)
			if !ok {
				return finish()
			}
			codeOffset = v
			emit(codeOffset, 0)
		case baChangeCodeOffsetBase:
			if _, ok := readULEB(r); !ok {
				return finish()
			}
		case baChangeCodeOffset:
			delta, ok := readULEB(r)
			if !ok {
				return finish()
			}
			codeOffset += delta
			emit(codeOffset, 0)
		case baChangeCodeLength:
			v, ok := readULEB(r)
			if !ok {
				return finish()
			}
			if openIdx >= 0 {
				out[openIdx].Length = v
				openIdx = -1
			}
			codeOffset += v
		case baChangeFile:
			v, ok := readULEB(r)
			if !ok {
				return finish()
			}
			curFile = int32(v)
		case baChangeLineOffset:
			v, ok := readSLEB(r)
			if !ok {
				return finish()
			}
			lineOffset += v
		case baChangeLineEndDelta, baChangeColumnStart, baChangeColumnEndDelta, baChangeColumnEnd, baChangeRangeKind:
			if _, ok := readULEB(r); !ok {
				return finish()
			}
		case baChangeCodeOffsetAndLineOffset:
			combined, ok := readULEB(r)
			if !ok {
				return finish()
			}
			// Packed: low 4 bits are the signed line delta, the rest the code delta.
			lineOffset += int32(combined&0xf) - int32((combined&0x8)<<1)
			codeOffset += combined >> 4
			emit(codeOffset, 0)
		case baChangeCodeLengthAndCodeOffset:
			length, ok := readULEB(r)
			if !ok {
				return finish()
			}
			delta, ok := readULEB(r)
			if !ok {
				return finish()
			}
			codeOffset += delta
			emit(codeOffset, length)
			codeOffset += length
		default:
			return finish() // unrecognized opcode, stop rather than misinterpret the stream
		}
	}
	return finish()
}

func readULEB(r *bytes.Reader) (uint32, bool) {
	var result uint32
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, false
		}
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, true
		}
		shift += 7
		if shift >= 32 {
			return 0, false
		}
	}
}

func readSLEB(r *bytes.Reader) (int32, bool) {
	v, ok := readULEB(r)
	if !ok {
		return 0, false
	}
	// zigzag decode, matching the encoding MS-PDB uses for signed line deltas.
	return int32(v>>1) ^ -int32(v&1), true
}

func cString(data []byte) string {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return string(data[:i])
	}
	return string(data)
}
