package machoext

import (
	"fmt"
	"sync"

	"github.com/zboralski/symcore/internal/dwarfres"
	"github.com/zboralski/symcore/internal/filecontents"
	"github.com/zboralski/symcore/internal/machofmt"
	"github.com/zboralski/symcore/internal/pathmap"
	"github.com/zboralski/symcore/symtypes"
)

// FileOpener abstracts opening a canonicalized path into random-access
// bytes. It is a narrow copy of the façade's collaborator interface so
// this package stays usable standalone and in tests.
type FileOpener interface {
	Open(path string) (filecontents.FileContents, error)
}

// osOpener is the production FileOpener, reading straight off local
// disk through internal/filecontents' mmap fast path.
type osOpener struct{}

func (osOpener) Open(path string) (filecontents.FileContents, error) {
	return filecontents.Open(path)
}

// DefaultOpener is the production FileOpener.
var DefaultOpener FileOpener = osOpener{}

// cachedObject is a lazily-opened, fully-parsed .o or archive-member
// object file: its Mach-O loader and a DWARF resolver built over it.
type cachedObject struct {
	loader *machofmt.Loader
	dwarf  *dwarfres.Resolver
}

// Resolver is the satellite-file resolver: given the ExternalFileRef/
// ExternalFileAddressInFileRef pair a Mach-O symbol map's DWARF
// resolution hands back for an address whose debug info lives in a
// satellite object file, opens that file (or archive member), locates
// the named symbol, and resolves frames at the equivalent local
// address. Per-file state (the parsed loader, its archive, its DWARF
// resolver) is cached the same mutex-guarded way
// internal/breakpad.SymbolMap and internal/dwarfres.Resolver cache
// their own lazily-built state.
type Resolver struct {
	opener FileOpener
	paths  *pathmap.Mapper

	mu        sync.Mutex
	files     map[string][]byte        // canonical path -> whole-file bytes
	archives  map[string]*Archive      // canonical path -> parsed archive (only for .a references)
	objects   map[string]*cachedObject // canonical path[+"("+member+")"] -> parsed object
}

// New builds a Resolver. opener and paths may be nil, substituting
// DefaultOpener and an identity pathmap.Mapper respectively.
func New(opener FileOpener, paths *pathmap.Mapper) *Resolver {
	if opener == nil {
		opener = DefaultOpener
	}
	if paths == nil {
		paths = pathmap.New()
	}
	return &Resolver{
		opener:   opener,
		paths:    paths,
		files:    make(map[string][]byte),
		archives: make(map[string]*Archive),
		objects:  make(map[string]*cachedObject),
	}
}

// Resolve opens the object file or archive member ref/addr identify,
// finds addr.SymbolName in its symbol table, and resolves DWARF frames
// at addr.OffsetFromSymbol past that symbol's address.
func (r *Resolver) Resolve(ref symtypes.ExternalFileRef, addr symtypes.ExternalFileAddressInFileRef) (symtypes.FramesLookupResult, error) {
	canonical := r.paths.Canonicalize(ref.FileName)

	key := canonical
	if addr.MemberName != nil {
		key = canonical + "(" + *addr.MemberName + ")"
	}

	obj, err := r.objectAt(canonical, addr.MemberName, key)
	if err != nil {
		return symtypes.FramesLookupResult{}, err
	}

	base, ok := obj.loader.FindSymbol(string(addr.SymbolName))
	if !ok {
		return symtypes.Unavailable(), nil
	}
	localAddr := base + addr.OffsetFromSymbol

	if obj.dwarf == nil {
		return symtypes.Unavailable(), nil
	}
	frames, ok := obj.dwarf.Resolve(localAddr)
	if !ok || len(frames) == 0 {
		return symtypes.Unavailable(), nil
	}
	return symtypes.Available(frames), nil
}

// objectAt returns the cached cachedObject for key, opening and parsing
// it (and, if member is set, the enclosing archive) on first use.
func (r *Resolver) objectAt(canonical string, member *string, key string) (*cachedObject, error) {
	r.mu.Lock()
	if obj, ok := r.objects[key]; ok {
		r.mu.Unlock()
		return obj, nil
	}
	r.mu.Unlock()

	fileData, err := r.fileBytes(canonical)
	if err != nil {
		return nil, err
	}

	data := fileData
	if member != nil {
		arc, err := r.archiveAt(canonical, fileData)
		if err != nil {
			return nil, err
		}
		memberData, ok := arc.Member(*member)
		if !ok {
			return nil, fmt.Errorf("machoext: archive %q has no member %q", canonical, *member)
		}
		data = memberData
	}

	loader, err := machofmt.Open(data)
	if err != nil {
		return nil, fmt.Errorf("machoext: parse %q: %w", key, err)
	}

	obj := &cachedObject{loader: loader}
	if d := loader.DWARF(); d != nil {
		obj.dwarf = dwarfres.New(d, r.paths)
	}

	r.mu.Lock()
	r.objects[key] = obj
	r.mu.Unlock()
	return obj, nil
}

func (r *Resolver) fileBytes(canonical string) ([]byte, error) {
	r.mu.Lock()
	if b, ok := r.files[canonical]; ok {
		r.mu.Unlock()
		return b, nil
	}
	r.mu.Unlock()

	fc, err := r.opener.Open(canonical)
	if err != nil {
		return nil, fmt.Errorf("machoext: open %q: %w", canonical, err)
	}
	defer fc.Close()

	b, err := fc.ReadBytesAt(0, fc.Len())
	if err != nil {
		return nil, fmt.Errorf("machoext: read %q: %w", canonical, err)
	}

	r.mu.Lock()
	r.files[canonical] = b
	r.mu.Unlock()
	return b, nil
}

func (r *Resolver) archiveAt(canonical string, data []byte) (*Archive, error) {
	r.mu.Lock()
	if a, ok := r.archives[canonical]; ok {
		r.mu.Unlock()
		return a, nil
	}
	r.mu.Unlock()

	a, err := OpenArchive(data)
	if err != nil {
		return nil, fmt.Errorf("machoext: %q: %w", canonical, err)
	}

	r.mu.Lock()
	r.archives[canonical] = a
	r.mu.Unlock()
	return a, nil
}
