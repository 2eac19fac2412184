// Package machoext resolves a Mach-O OSO stab external-file reference
// into frame data by opening the referenced ".o" file or static-archive
// member and re-running the normal Mach-O symbol/DWARF pipeline against
// it. ar.go reads the common-format `ar` archive container satellite
// ".a" files use.
package machoext

import (
	"fmt"
	"strconv"
	"strings"
)

const arMagic = "!<arch>\n"

// memberHeaderSize is the fixed 60-byte ar member header: name(16)
// mtime(12) uid(6) gid(6) mode(8) size(10) end-magic(2).
const memberHeaderSize = 60

// Archive is a parsed `ar` archive, indexed by member name.
type Archive struct {
	members map[string][]byte
	order   []string
}

// OpenArchive parses an `ar` archive's member table. GNU/BSD extended
// filename schemes (the "//" long-name table, "/0" style numeric
// references) are not implemented; OSO stab member names observed in
// practice are short object-file names that fit the 16-byte inline
// field.
func OpenArchive(data []byte) (*Archive, error) {
	if len(data) < len(arMagic) || string(data[:len(arMagic)]) != arMagic {
		return nil, fmt.Errorf("machoext: not an ar archive")
	}
	a := &Archive{members: make(map[string][]byte)}
	off := len(arMagic)
	for off+memberHeaderSize <= len(data) {
		hdr := data[off : off+memberHeaderSize]
		name := strings.TrimRight(string(hdr[0:16]), " ")
		name = strings.TrimSuffix(name, "/") // BSD-style trailing slash
		sizeField := strings.TrimSpace(string(hdr[48:58]))
		size, err := strconv.ParseUint(sizeField, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("machoext: bad member size %q: %w", sizeField, err)
		}
		start := off + memberHeaderSize
		end := start + int(size)
		if end > len(data) {
			return nil, fmt.Errorf("machoext: member %q overruns archive", name)
		}
		if name != "" && name != "/" && name != "//" {
			a.members[name] = data[start:end]
			a.order = append(a.order, name)
		}
		// Members are padded to an even byte boundary.
		next := end
		if size%2 != 0 {
			next++
		}
		if next <= off {
			break
		}
		off = next
	}
	return a, nil
}

// Member returns the raw bytes of the named member.
func (a *Archive) Member(name string) ([]byte, bool) {
	if b, ok := a.members[name]; ok {
		return b, true
	}
	// Tolerate a trailing-slash mismatch between how the OSO stab wrote
	// the member name and how the archive's own table stored it.
	if b, ok := a.members[strings.TrimSuffix(name, "/")]; ok {
		return b, true
	}
	return nil, false
}

// Names returns every member name in archive order.
func (a *Archive) Names() []string { return a.order }
