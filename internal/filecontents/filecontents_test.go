package filecontents

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestFromBytesReadAt(t *testing.T) {
	fc := FromBytes([]byte("hello world"))
	if fc.Len() != 11 {
		t.Errorf("Len = %d", fc.Len())
	}
	b, err := fc.ReadBytesAt(6, 5)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "world" {
		t.Errorf("got %q", b)
	}
}

func TestReadAtBounds(t *testing.T) {
	fc := FromBytes([]byte("abc"))
	if _, err := fc.ReadBytesAt(0, 4); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("over-read should fail with ErrOutOfRange, got %v", err)
	}
	if _, err := fc.ReadBytesAt(4, 0); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("offset past end should fail, got %v", err)
	}
	if b, err := fc.ReadBytesAt(3, 0); err != nil || len(b) != 0 {
		t.Errorf("empty read at end should succeed, got %q, %v", b, err)
	}
}

func TestReadBytesAtUntil(t *testing.T) {
	fc := FromBytes([]byte("one\ntwo\nthree"))
	b, err := fc.ReadBytesAtUntil(0, '\n')
	if err != nil || string(b) != "one" {
		t.Fatalf("got %q, %v", b, err)
	}
	b, err = fc.ReadBytesAtUntil(8, '\n')
	if err != nil || string(b) != "three" {
		t.Fatalf("missing delimiter should return the tail, got %q, %v", b, err)
	}
}

func TestCursorReadLine(t *testing.T) {
	fc := FromBytes([]byte("first\r\nsecond\nlast"))
	cur := fc.Cursor(0)

	line, err := cur.ReadLine()
	if err != nil || line != "first" {
		t.Fatalf("got %q, %v", line, err)
	}
	if cur.Pos() != 7 {
		t.Errorf("pos = %d after CRLF line", cur.Pos())
	}
	line, _ = cur.ReadLine()
	if line != "second" {
		t.Errorf("got %q", line)
	}
	line, _ = cur.ReadLine()
	if line != "last" {
		t.Errorf("got %q", line)
	}
	if _, err := cur.ReadLine(); err != io.EOF {
		t.Errorf("want io.EOF at end, got %v", err)
	}
}

func TestCursorReadNAndSeek(t *testing.T) {
	fc := FromBytes([]byte("0123456789"))
	cur := fc.Cursor(2)
	b, err := cur.ReadN(3)
	if err != nil || string(b) != "234" {
		t.Fatalf("got %q, %v", b, err)
	}
	cur.Seek(8)
	b, err = cur.ReadN(2)
	if err != nil || string(b) != "89" {
		t.Fatalf("got %q, %v", b, err)
	}
	if _, err := cur.ReadN(1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("read past end should fail, got %v", err)
	}
}

func TestOpenMmap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	payload := []byte("MODULE linux x86_64 AABB0 libx.so\nFUNC 10 4 0 f\n")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	fc, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer fc.Close()

	if fc.Len() != uint64(len(payload)) {
		t.Errorf("Len = %d, want %d", fc.Len(), len(payload))
	}
	b, err := fc.ReadBytesAt(0, 6)
	if err != nil || string(b) != "MODULE" {
		t.Fatalf("got %q, %v", b, err)
	}
}

func TestOpenEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	fc, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer fc.Close()
	if fc.Len() != 0 {
		t.Errorf("Len = %d", fc.Len())
	}
}

func TestOpenMissingFile(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("missing file must fail")
	}
}
