// Package filecontents is the random-access byte source every symbol
// map is built on: a zero-copy memory-mapped fast path and a buffered
// fallback when mapping isn't available. Mapping avoids copying
// multi-gigabyte PDBs and ELF binaries just to look up a handful of
// addresses.
package filecontents

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// ErrOutOfRange is returned by ReadBytesAt, ReadBytesAtUntil and
// Cursor.ReadN when a request reads past the end of the file contents.
var ErrOutOfRange = errors.New("filecontents: read out of range")

// FileContents is the random-access byte source every symbol-map backend
// is built on.
type FileContents interface {
	// Len returns the total length in bytes.
	Len() uint64
	// ReadBytesAt returns size bytes starting at offset. The returned
	// slice is zero-copy when the backing store is memory-mapped and is
	// stable until the FileContents is closed.
	ReadBytesAt(offset, size uint64) ([]byte, error)
	// ReadBytesAtUntil returns the bytes from offset up to, but not
	// including, the first occurrence of delim.
	ReadBytesAtUntil(offset uint64, delim byte) ([]byte, error)
	// Cursor returns a stream-style reader starting at offset.
	Cursor(offset uint64) *Cursor
	// Close releases any backing resources (the mmap, the open fd).
	Close() error
}

// mmapFile is the fast path: the whole file mapped read-only.
type mmapFile struct {
	data []byte
	f    *os.File
}

// Open maps path into memory. Falls back to a buffered, non-mmap
// implementation if mapping fails (e.g. zero-length files, some network
// filesystems, or platforms without mmap support).
func Open(path string) (FileContents, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("filecontents: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("filecontents: stat %s: %w", path, err)
	}
	size := info.Size()
	if size == 0 {
		f.Close()
		return &bufferContents{data: nil}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		// Non-mmap fallback: read the whole file into a buffer.
		defer f.Close()
		buf, rerr := io.ReadAll(f)
		if rerr != nil {
			return nil, fmt.Errorf("filecontents: read %s: %w", path, rerr)
		}
		return &bufferContents{data: buf}, nil
	}

	return &mmapFile{data: data, f: f}, nil
}

// FromBytes wraps an in-memory byte slice (e.g. produced by a
// collaborator-supplied loader, or in tests) as FileContents.
func FromBytes(data []byte) FileContents {
	return &bufferContents{data: data}
}

func (m *mmapFile) Len() uint64 { return uint64(len(m.data)) }

func (m *mmapFile) ReadBytesAt(offset, size uint64) ([]byte, error) {
	return sliceAt(m.data, offset, size)
}

func (m *mmapFile) ReadBytesAtUntil(offset uint64, delim byte) ([]byte, error) {
	return sliceUntil(m.data, offset, delim)
}

func (m *mmapFile) Cursor(offset uint64) *Cursor {
	return &Cursor{fc: m, pos: offset}
}

func (m *mmapFile) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	if m.f != nil {
		if cerr := m.f.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// bufferContents is the non-mmap fallback and the in-memory-bytes path
// used extensively by tests.
type bufferContents struct {
	data []byte
}

func (b *bufferContents) Len() uint64 { return uint64(len(b.data)) }

func (b *bufferContents) ReadBytesAt(offset, size uint64) ([]byte, error) {
	return sliceAt(b.data, offset, size)
}

func (b *bufferContents) ReadBytesAtUntil(offset uint64, delim byte) ([]byte, error) {
	return sliceUntil(b.data, offset, delim)
}

func (b *bufferContents) Cursor(offset uint64) *Cursor {
	return &Cursor{fc: b, pos: offset}
}

func (b *bufferContents) Close() error { return nil }

func sliceAt(data []byte, offset, size uint64) ([]byte, error) {
	if offset > uint64(len(data)) || size > uint64(len(data))-offset {
		return nil, fmt.Errorf("%w: offset=%d size=%d len=%d", ErrOutOfRange, offset, size, len(data))
	}
	return data[offset : offset+size], nil
}

func sliceUntil(data []byte, offset uint64, delim byte) ([]byte, error) {
	if offset > uint64(len(data)) {
		return nil, fmt.Errorf("%w: offset=%d len=%d", ErrOutOfRange, offset, len(data))
	}
	rest := data[offset:]
	if idx := bytes.IndexByte(rest, delim); idx >= 0 {
		return rest[:idx], nil
	}
	return rest, nil
}

// Cursor is a stream-style reader over a FileContents, used by the
// Breakpad line scanner and the JitDump record walker.
type Cursor struct {
	fc  FileContents
	pos uint64
}

// Pos returns the cursor's current offset.
func (c *Cursor) Pos() uint64 { return c.pos }

// Seek repositions the cursor.
func (c *Cursor) Seek(offset uint64) { c.pos = offset }

// ReadN reads exactly n bytes and advances the cursor.
func (c *Cursor) ReadN(n uint64) ([]byte, error) {
	b, err := c.fc.ReadBytesAt(c.pos, n)
	if err != nil {
		return nil, err
	}
	c.pos += n
	return b, nil
}

// ReadLine reads up to and consuming a trailing '\n' (stripping an
// optional preceding '\r'), advancing the cursor past it. Returns
// io.EOF once the cursor is at the end of the file with nothing left to
// read.
func (c *Cursor) ReadLine() (string, error) {
	if c.pos >= c.fc.Len() {
		return "", io.EOF
	}
	line, err := c.fc.ReadBytesAtUntil(c.pos, '\n')
	if err != nil {
		return "", err
	}
	c.pos += uint64(len(line)) + 1
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return string(line), nil
}
