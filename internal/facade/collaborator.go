// Package facade is the unified symbol-map entry point: it sniffs a
// candidate file's format, builds the matching backend (objectmap,
// pdbmap, breakpad, or jitdump), and resolves External frame results
// through the machoext satellite-file resolver. Fat Mach-O slice
// dispatch is folded in here rather than exposed as a separate format
// package.
package facade

import (
	"path/filepath"
	"strings"

	"github.com/zboralski/symcore/internal/filecontents"
	"github.com/zboralski/symcore/symtypes"
)

// Helper is the collaborator interface a host process implements to
// supply file access and path discovery. The library never touches a
// filesystem directly except through this interface.
type Helper interface {
	GetCandidatePathsForDebugFile(lib symtypes.LibraryInfo) ([]CandidatePath, error)
	GetCandidatePathsForBinary(lib symtypes.LibraryInfo) ([]CandidatePath, error)
	GetCandidatePathsForPDB(debugName, debugID, pdbPathFromPE, pePath string) ([]CandidatePath, error)
	LoadFile(loc FileLocation) (filecontents.FileContents, error)
}

// CandidatePathKind tags a CandidatePath's two variants.
type CandidatePathKind uint8

const (
	CandidateSingleFile CandidatePathKind = iota
	CandidateInDyldCache
)

// DyldCacheRef identifies a dylib inside a dyld shared cache image. The
// façade recognizes this variant but does not parse the shared-cache
// format.
type DyldCacheRef struct {
	CachePath string
	DylibPath string
}

// CandidatePath is one place the façade should try to find a library's
// symbols.
type CandidatePath struct {
	Kind      CandidatePathKind
	Single    FileLocation
	DyldCache DyldCacheRef
}

// SiblingKind tags what kind of related file FileLocation.Sibling
// should derive from a main-file location: a satellite .o, the PDB a
// PE references, or a Breakpad sidecar index.
type SiblingKind uint8

const (
	// SiblingObjectFile derives the location of a loose .o file sitting
	// next to (or named by) the main binary, for Mach-O OSO references
	// that are not archive members.
	SiblingObjectFile SiblingKind = iota
	// SiblingArchiveMember derives the location of the .a archive a
	// Mach-O OSO reference names; the member itself is looked up by name
	// inside the opened archive, not via a further Sibling call.
	SiblingArchiveMember
	// SiblingExternalPDB derives the location of the PDB a PE's debug
	// directory names.
	SiblingExternalPDB
	// SiblingBreakpadSidecar derives the location of the .symindex
	// sidecar this project writes next to a Breakpad .sym file (see
	// internal/breakpad.Index.Serialize).
	SiblingBreakpadSidecar
)

// FileLocation is opaque to the rest of the library: the façade only
// ever opens one via Helper.LoadFile or derives a new one via Sibling,
// never inspects it directly.
type FileLocation interface {
	// Path is a debug-facing description of the location (a filesystem
	// path for LocalFile), used only in error messages and logs.
	Path() string
	// Sibling derives a related location, or reports false if this
	// FileLocation implementation has no notion of that sibling kind.
	Sibling(kind SiblingKind, name string) (FileLocation, bool)
}

// LocalFile is the production FileLocation: a plain filesystem path. Most
// host processes only ever deal in local paths, so this is the default a
// caller can use without implementing FileLocation itself.
type LocalFile struct {
	path string
}

// NewLocalFile wraps a filesystem path as a FileLocation.
func NewLocalFile(path string) LocalFile { return LocalFile{path: path} }

func (f LocalFile) Path() string { return f.path }

func (f LocalFile) Sibling(kind SiblingKind, name string) (FileLocation, bool) {
	dir := filepath.Dir(f.path)
	switch kind {
	case SiblingObjectFile, SiblingArchiveMember, SiblingExternalPDB:
		if name == "" {
			return nil, false
		}
		if filepath.IsAbs(name) {
			return LocalFile{path: name}, true
		}
		return LocalFile{path: filepath.Join(dir, name)}, true
	case SiblingBreakpadSidecar:
		return LocalFile{path: sidecarPath(f.path)}, true
	default:
		return nil, false
	}
}

func sidecarPath(symPath string) string {
	if strings.HasSuffix(symPath, ".sym") {
		return strings.TrimSuffix(symPath, ".sym") + ".symindex"
	}
	return symPath + ".symindex"
}
