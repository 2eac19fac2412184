// Package pdbmap is the Microsoft Program Database (PDB) symbol map.
// msf.go implements just enough of the Multi-Stream Format container
// (superblock, free-page map, stream directory) to read PDB streams by
// number; everything PDB-specific (DBI, module symbol streams, section
// headers) builds on top of it in dbi.go and pdbmap.go.
package pdbmap

import (
	"encoding/binary"
	"fmt"
)

const msfMagic = "Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00"

// MSF is an opened Multi-Stream Format container: a page-addressed
// file where each "stream" is a logical byte sequence assembled from a
// list of page numbers.
type MSF struct {
	data      []byte
	pageSize  uint32
	streams   [][]byte // stream index -> fully assembled bytes
}

// OpenMSF parses the MSF superblock and every stream's page list,
// materializing each stream's bytes (PDBs are small enough relative to
// typical profiler use that the simplicity of eager assembly outweighs
// lazy paging).
func OpenMSF(data []byte) (*MSF, error) {
	if len(data) < 32+len(msfMagic) || string(data[:len(msfMagic)]) != msfMagic {
		return nil, fmt.Errorf("pdbmap: not an MSF 7.00 container")
	}
	off := len(msfMagic)
	// align to 4 bytes, as the header fields follow the magic directly
	// on a 4-byte boundary in all real-world PDBs.
	pageSize := binary.LittleEndian.Uint32(data[off:])
	off += 4
	// FreePageMap page number; unused here.
	off += 4
	pageCount := binary.LittleEndian.Uint32(data[off:])
	off += 4
	streamDirSize := binary.LittleEndian.Uint32(data[off:])
	off += 4
	off += 4 // reserved

	if pageSize == 0 {
		return nil, fmt.Errorf("pdbmap: zero page size")
	}

	readPage := func(pageNum uint32) []byte {
		start := uint64(pageNum) * uint64(pageSize)
		end := start + uint64(pageSize)
		if end > uint64(len(data)) {
			return nil
		}
		return data[start:end]
	}

	// The stream directory's own page list is stored as a page list
	// immediately following the header, sized to hold streamDirSize bytes.
	dirPageListPages := numPages(streamDirSize, pageSize)
	dirPageListBytes := numPages(dirPageListPages*4, pageSize) * pageSize
	if uint64(off)+uint64(dirPageListBytes) > uint64(len(data)) {
		return nil, fmt.Errorf("pdbmap: truncated stream directory page list")
	}

	var dirPages []uint32
	rem := dirPageListBytes
	cursor := off
	for rem > 0 {
		dirPages = append(dirPages, binary.LittleEndian.Uint32(data[cursor:]))
		cursor += 4
		rem -= 4
	}

	streamDir := assemblePages(readPage, dirPages, streamDirSize)
	if streamDir == nil {
		return nil, fmt.Errorf("pdbmap: could not assemble stream directory")
	}

	numStreams := binary.LittleEndian.Uint32(streamDir)
	sizes := make([]uint32, numStreams)
	cur := 4
	for i := range sizes {
		sizes[i] = binary.LittleEndian.Uint32(streamDir[cur:])
		cur += 4
	}

	streams := make([][]byte, numStreams)
	for i, size := range sizes {
		if size == 0xFFFFFFFF {
			streams[i] = nil // nonexistent stream
			continue
		}
		n := numPages(size, pageSize)
		pages := make([]uint32, n)
		for j := range pages {
			pages[j] = binary.LittleEndian.Uint32(streamDir[cur:])
			cur += 4
		}
		streams[i] = assemblePages(readPage, pages, size)
	}

	_ = pageCount
	return &MSF{data: data, pageSize: pageSize, streams: streams}, nil
}

func numPages(size, pageSize uint32) uint32 {
	if size == 0 {
		return 0
	}
	return (size + pageSize - 1) / pageSize
}

func assemblePages(readPage func(uint32) []byte, pages []uint32, totalSize uint32) []byte {
	out := make([]byte, 0, totalSize)
	for _, p := range pages {
		page := readPage(p)
		if page == nil {
			return nil
		}
		out = append(out, page...)
	}
	if uint32(len(out)) < totalSize {
		return nil
	}
	return out[:totalSize]
}

// Stream returns the assembled bytes of stream i, or nil if the stream
// doesn't exist.
func (m *MSF) Stream(i uint32) []byte {
	if i >= uint32(len(m.streams)) {
		return nil
	}
	return m.streams[i]
}

// NumStreams reports how many stream slots the directory holds.
func (m *MSF) NumStreams() int { return len(m.streams) }
