package pdbmap

import (
	"encoding/binary"
	"testing"
)

func buildTPIStream(leafs [][2]interface{}) []byte {
	header := make([]byte, tpiHeaderSize)
	binary.LittleEndian.PutUint32(header[8:], 0x1000) // TypeIndexBegin
	data := header
	for _, l := range leafs {
		kind := l[0].(uint16)
		payload := l[1].([]byte)
		body := make([]byte, 2+len(payload))
		binary.LittleEndian.PutUint16(body[0:], kind)
		copy(body[2:], payload)
		rec := make([]byte, 2+len(body))
		binary.LittleEndian.PutUint16(rec[0:], uint16(len(body)))
		copy(rec[2:], body)
		data = append(data, rec...)
	}
	return data
}

func TestParseTypeStreamIndexing(t *testing.T) {
	data := buildTPIStream([][2]interface{}{
		{uint16(lfModifier), []byte{1, 2, 3, 4, 0, 0}},
		{uint16(lfPointer), []byte{5, 6, 7, 8}},
	})
	ts, err := ParseTypeStream(data)
	if err != nil {
		t.Fatal(err)
	}
	kind, payload, ok := ts.Leaf(0x1000)
	if !ok || kind != lfModifier || len(payload) != 6 {
		t.Fatalf("Leaf(0x1000) = kind %#x ok %v len %d", kind, ok, len(payload))
	}
	kind, _, ok = ts.Leaf(0x1001)
	if !ok || kind != lfPointer {
		t.Fatalf("Leaf(0x1001) = kind %#x ok %v", kind, ok)
	}
	if _, _, ok := ts.Leaf(0x0fff); ok {
		t.Fatal("index below TypeIndexBegin should not resolve")
	}
	if _, _, ok := ts.Leaf(0x1002); ok {
		t.Fatal("index past the last leaf should not resolve")
	}
}

func TestParseTypeStreamEmpty(t *testing.T) {
	ts, err := ParseTypeStream(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, ok := ts.Leaf(0x1000); ok {
		t.Fatal("empty stream should resolve nothing")
	}
}
