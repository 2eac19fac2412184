package facade

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/zboralski/symcore/internal/breakpad"
	"github.com/zboralski/symcore/internal/demangle"
	"github.com/zboralski/symcore/internal/elffmt"
	"github.com/zboralski/symcore/internal/filecontents"
	"github.com/zboralski/symcore/internal/jitdump"
	"github.com/zboralski/symcore/internal/log"
	"github.com/zboralski/symcore/internal/machoext"
	"github.com/zboralski/symcore/internal/machofmt"
	"github.com/zboralski/symcore/internal/objectmap"
	"github.com/zboralski/symcore/internal/pathmap"
	"github.com/zboralski/symcore/internal/pdbmap"
	"github.com/zboralski/symcore/internal/pefmt"
	"github.com/zboralski/symcore/symtypes"
)

// backend is the narrow interface every concrete symbol map (objectmap,
// pdbmap, breakpad, jitdump) is adapted to so SymbolMap can treat them
// uniformly.
type backend interface {
	// toRVA converts a tagged LookupAddress into this backend's own RVA
	// space; every backend accepts all three address kinds.
	toRVA(addr symtypes.LookupAddress) (uint32, bool)
	lookupRVA(rva uint32) (*symtypes.AddressInfo, bool, error)
	iterSymbols(yield func(rva uint32, name string) bool)
	debugID() string
}

// nativeBackend is for backends whose own address space coincides
// numerically with RVA (PDB, Breakpad, JitDump): unlike ELF/Mach-O/PE,
// these formats have no separate "loaded at this base address" notion
// distinct from the RVA objectmap computes, so Svma and FileOffset are
// accepted as-is.
type nativeBackend struct{}

func (nativeBackend) toRVA(addr symtypes.LookupAddress) (uint32, bool) {
	if rva, ok := addr.IsRelative(); ok {
		return rva, true
	}
	if svma, ok := addr.IsSvma(); ok {
		return uint32(svma), true
	}
	if off, ok := addr.IsFileOffset(); ok {
		return uint32(off), true
	}
	return 0, false
}

type objectmapBackend struct {
	m *objectmap.Map
}

func (b *objectmapBackend) toRVA(addr symtypes.LookupAddress) (uint32, bool) {
	if rva, ok := addr.IsRelative(); ok {
		return rva, true
	}
	if svma, ok := addr.IsSvma(); ok {
		return b.m.RVAFromSVMA(svma)
	}
	if off, ok := addr.IsFileOffset(); ok {
		svma, ok := b.m.FileOffsetToSVMA(off)
		if !ok {
			return 0, false
		}
		return b.m.RVAFromSVMA(svma)
	}
	return 0, false
}

func (b *objectmapBackend) lookupRVA(rva uint32) (*symtypes.AddressInfo, bool, error) {
	info, ok := b.m.Lookup(rva)
	if !ok {
		return nil, false, nil
	}
	return &info, true, nil
}

func (b *objectmapBackend) iterSymbols(yield func(uint32, string) bool) {
	for i := 0; i < b.m.NumSymbols(); i++ {
		rva, name, ok := b.m.RVAAt(i)
		if !ok {
			continue
		}
		if !yield(rva, name) {
			return
		}
	}
}

func (b *objectmapBackend) debugID() string { return b.m.DebugID() }

type pdbBackend struct {
	nativeBackend
	m *pdbmap.SymbolMap
}

func (b *pdbBackend) lookupRVA(rva uint32) (*symtypes.AddressInfo, bool, error) {
	info, err := b.m.Lookup(rva)
	if err != nil {
		// pdbmap.Lookup reports "no symbol covers rva" as an error; the
		// façade's contract is that a not-found lookup is never an
		// error, so normalize it here.
		return nil, false, nil
	}
	return info, true, nil
}

func (b *pdbBackend) iterSymbols(yield func(uint32, string) bool) { b.m.IterSymbols(yield) }
func (b *pdbBackend) debugID() string                             { return b.m.DebugID() }

type breakpadBackend struct {
	nativeBackend
	m *breakpad.SymbolMap
}

func (b *breakpadBackend) lookupRVA(rva uint32) (*symtypes.AddressInfo, bool, error) {
	info, err := b.m.Lookup(rva)
	if err != nil || info == nil {
		return nil, false, nil
	}
	return info, true, nil
}

func (b *breakpadBackend) iterSymbols(yield func(uint32, string) bool) { b.m.IterSymbols(yield) }
func (b *breakpadBackend) debugID() string                             { return b.m.DebugID() }

type jitdumpBackend struct {
	nativeBackend
	idx *jitdump.Index
}

func (b *jitdumpBackend) lookupRVA(rva uint32) (*symtypes.AddressInfo, bool, error) {
	info, ok := b.idx.Lookup(rva)
	return info, ok, nil
}

func (b *jitdumpBackend) iterSymbols(yield func(uint32, string) bool) { b.idx.IterSymbols(yield) }
func (b *jitdumpBackend) debugID() string                             { return b.idx.DebugID() }

// SymbolMap is the façade's uniform handle over any one of the backend
// symbol-map kinds.
type SymbolMap struct {
	backend backend
	facade  *Facade
	fc      filecontents.FileContents // keeps the backing bytes mapped for the backend's lifetime
}

// DebugID reports the underlying backend's debug identifier.
func (sm *SymbolMap) DebugID() string { return sm.backend.debugID() }

// IterSymbols yields (rva, name) pairs ordered by RVA.
func (sm *SymbolMap) IterSymbols(yield func(rva uint32, name string) bool) {
	sm.backend.iterSymbols(yield)
}

// Close releases any file handle this symbol map holds open.
func (sm *SymbolMap) Close() error {
	if sm.fc != nil {
		return sm.fc.Close()
	}
	return nil
}

// Lookup resolves addr against the backend and, if the result carries
// an External frame reference, resolves it through the façade's shared
// machoext.Resolver, substituting an Available chain on success. A
// lookup that finds nothing returns (nil, nil): "not found" is not an
// error.
func (sm *SymbolMap) Lookup(addr symtypes.LookupAddress) (*symtypes.AddressInfo, error) {
	rva, ok := sm.backend.toRVA(addr)
	if !ok {
		return nil, nil
	}
	info, ok, err := sm.backend.lookupRVA(rva)
	if err != nil {
		return nil, err
	}
	if !ok {
		sm.facade.logger.Lookup(addr.String(), false)
		return nil, nil
	}

	if info.Frames.Kind == symtypes.FramesExternal {
		resolved, err := sm.facade.ext.Resolve(info.Frames.FileRef, info.Frames.AddrInFile)
		if err != nil {
			sm.facade.logger.Debug("external file resolution failed",
				zap.String("file", info.Frames.FileRef.FileName), zap.Error(err))
			info.Frames = symtypes.Unavailable()
		} else {
			info.Frames = resolved
		}
	}

	sm.facade.logger.Lookup(addr.String(), true)
	return info, nil
}

// Facade builds, caches, and serves backend symbol maps on behalf of a
// host process, using Helper for all file access.
type Facade struct {
	helper    Helper
	cache     *mapCache
	group     singleflight.Group
	demangler demangle.Hook
	paths     *pathmap.Mapper
	ext       *machoext.Resolver
	logger    *log.Logger
}

// Option configures a Facade at construction.
type Option func(*Facade)

// WithPathMapper overrides the identity path mapper with one carrying
// configured remap rules.
func WithPathMapper(m *pathmap.Mapper) Option {
	return func(f *Facade) { f.paths = m }
}

// WithDemangler overrides the default demangle hook
// (internal/demangle.Default).
func WithDemangler(hook demangle.Hook) Option {
	return func(f *Facade) { f.demangler = hook }
}

// WithMaxResidentSymbolMaps bounds the façade's constructed-map cache;
// zero or negative uses defaultMaxResident.
func WithMaxResidentSymbolMaps(n int) Option {
	return func(f *Facade) { f.cache = newMapCache(n) }
}

// WithLogger overrides the package-level default logger.
func WithLogger(l *log.Logger) Option {
	return func(f *Facade) { f.logger = l }
}

// New builds a Facade backed by helper.
func New(helper Helper, opts ...Option) *Facade {
	f := &Facade{
		helper:    helper,
		cache:     newMapCache(defaultMaxResident),
		demangler: demangle.Default,
		paths:     pathmap.New(),
		logger:    log.L,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.ext = machoext.New(&helperOpener{helper: helper}, f.paths)
	return f
}

// Close releases every resident symbol map.
func (f *Facade) Close() error {
	f.cache.closeAll()
	return nil
}

// helperOpener adapts Helper.LoadFile (which takes a FileLocation) to
// machoext.FileOpener (which takes a plain path string), since satellite
// .o/.a references are always named as plain strings by Mach-O OSO stabs.
type helperOpener struct {
	helper Helper
}

func (h *helperOpener) Open(path string) (filecontents.FileContents, error) {
	return h.helper.LoadFile(NewLocalFile(path))
}

func cacheKey(lib symtypes.LibraryInfo) string {
	if lib.DebugID != "" {
		return lib.DebugID
	}
	return lib.DebugName + "|" + lib.Name
}

// LoadSymbolMap returns a cached map if one is resident, otherwise
// builds one, deduplicating concurrent builds for the same identity via
// singleflight.
func (f *Facade) LoadSymbolMap(lib symtypes.LibraryInfo) (*SymbolMap, error) {
	key := cacheKey(lib)
	if sm, ok := f.cache.get(key); ok {
		return sm, nil
	}

	v, err, _ := f.group.Do(key, func() (interface{}, error) {
		if sm, ok := f.cache.get(key); ok {
			return sm, nil
		}
		sm, err := f.buildSymbolMap(lib)
		if err != nil {
			return nil, err
		}
		f.cache.put(key, sm)
		return sm, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*SymbolMap), nil
}

// Lookup is a convenience wrapper equivalent to LoadSymbolMap followed by
// SymbolMap.Lookup, for callers that don't need to hold onto the map
// themselves.
func (f *Facade) Lookup(lib symtypes.LibraryInfo, addr symtypes.LookupAddress) (*symtypes.AddressInfo, error) {
	sm, err := f.LoadSymbolMap(lib)
	if err != nil {
		return nil, err
	}
	return sm.Lookup(addr)
}

// buildSymbolMap iterates candidate file locations from the
// collaborator, opening and sniffing each in turn until one matches.
func (f *Facade) buildSymbolMap(lib symtypes.LibraryInfo) (*SymbolMap, error) {
	var candidates []CandidatePath

	if debugCands, err := f.helper.GetCandidatePathsForDebugFile(lib); err == nil {
		candidates = append(candidates, debugCands...)
	} else {
		f.logger.Debug("get_candidate_paths_for_debug_file failed", zap.Error(err))
	}
	if binCands, err := f.helper.GetCandidatePathsForBinary(lib); err == nil {
		candidates = append(candidates, binCands...)
	} else {
		f.logger.Debug("get_candidate_paths_for_binary failed", zap.Error(err))
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("facade: no candidate paths for %s", lib)
	}

	var errs error
	for _, cand := range candidates {
		sm, err := f.openCandidate(cand, lib)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		return sm, nil
	}
	return nil, fmt.Errorf("facade: no candidate matched %s: %w", lib, errs)
}

// openCandidate opens and sniffs one CandidatePath, returning a SymbolMap
// only if its debug-id matches lib (when lib.DebugID is known).
func (f *Facade) openCandidate(cand CandidatePath, lib symtypes.LibraryInfo) (*SymbolMap, error) {
	switch cand.Kind {
	case CandidateInDyldCache:
		// Shared-cache extraction is a distinct, large format; surfaced
		// as a clear error rather than attempted.
		return nil, fmt.Errorf("facade: dyld shared cache candidates are not supported (%s!%s)",
			cand.DyldCache.CachePath, cand.DyldCache.DylibPath)
	case CandidateSingleFile:
		return f.openLocation(cand.Single, lib)
	default:
		return nil, fmt.Errorf("facade: unrecognized candidate path kind")
	}
}

func (f *Facade) openLocation(loc FileLocation, lib symtypes.LibraryInfo) (*SymbolMap, error) {
	fc, err := f.helper.LoadFile(loc)
	if err != nil {
		f.logger.CandidateTried(loc.Path(), err)
		return nil, err
	}

	headSize := fc.Len()
	if headSize > 64 {
		headSize = 64
	}
	head, err := fc.ReadBytesAt(0, headSize)
	if err != nil {
		fc.Close()
		return nil, fmt.Errorf("facade: %s: read header: %w", loc.Path(), err)
	}

	var sm *SymbolMap
	switch detectFormat(head) {
	case formatBreakpad:
		sm, err = f.buildBreakpad(fc, loc)
	case formatPDB:
		sm, err = f.buildPDB(fc)
	case formatPE:
		sm, err = f.buildPE(fc, loc, lib)
	case formatELF:
		sm, err = f.buildELF(fc)
	case formatMachOThin:
		sm, err = f.buildMachOThin(fc)
	case formatMachOFat:
		sm, err = f.buildMachOFat(fc, lib)
	case formatJitDump:
		sm, err = f.buildJitDump(fc)
	default:
		fc.Close()
		return nil, fmt.Errorf("facade: %s: unrecognized file format", loc.Path())
	}
	if err != nil {
		f.logger.CandidateTried(loc.Path(), err)
		return nil, err
	}

	if lib.DebugID != "" && !strings.EqualFold(sm.DebugID(), lib.DebugID) {
		f.logger.IdentityMismatch(loc.Path(), lib.DebugID, sm.DebugID())
		sm.Close()
		return nil, fmt.Errorf("facade: %s: debug id %s does not match requested %s", loc.Path(), sm.DebugID(), lib.DebugID)
	}
	f.logger.CandidateTried(loc.Path(), nil)
	return sm, nil
}

// readAll returns the file's whole contents. The returned slice is
// zero-copy on the mmap path, so the FileContents must stay open for as
// long as any backend built from the slice is alive; builders hand fc
// to the SymbolMap, whose Close releases it.
func readAll(fc filecontents.FileContents) ([]byte, error) {
	return fc.ReadBytesAt(0, fc.Len())
}

func (f *Facade) buildBreakpad(fc filecontents.FileContents, loc FileLocation) (*SymbolMap, error) {
	idx := f.breakpadSidecarIndex(loc)
	if idx == nil {
		var err error
		idx, err = breakpad.BuildIndex(fc)
		if err != nil {
			fc.Close()
			return nil, fmt.Errorf("facade: breakpad: %w", err)
		}
	}
	m := breakpad.NewSymbolMap(idx, fc, f.demangler, f.paths)
	return &SymbolMap{backend: &breakpadBackend{m: m}, facade: f, fc: fc}, nil
}

// breakpadSidecarIndex tries to load a previously written .symindex
// sidecar sitting next to the .sym file, skipping the linear scan when a
// valid one exists. Any failure (no sidecar, bad magic, stale version)
// falls back to a full scan rather than surfacing an error.
func (f *Facade) breakpadSidecarIndex(loc FileLocation) *breakpad.Index {
	sideLoc, ok := loc.Sibling(SiblingBreakpadSidecar, "")
	if !ok {
		return nil
	}
	side, err := f.helper.LoadFile(sideLoc)
	if err != nil {
		return nil
	}
	defer side.Close()
	blob, err := side.ReadBytesAt(0, side.Len())
	if err != nil {
		return nil
	}
	idx, ok := breakpad.DeserializeSidecar(blob)
	if !ok {
		f.logger.Debug("ignoring invalid breakpad sidecar", zap.String("path", sideLoc.Path()))
		return nil
	}
	return idx
}

func (f *Facade) buildJitDump(fc filecontents.FileContents) (*SymbolMap, error) {
	data, err := readAll(fc)
	if err != nil {
		fc.Close()
		return nil, fmt.Errorf("facade: jitdump: read: %w", err)
	}
	idx, err := jitdump.Build(data)
	if err != nil {
		fc.Close()
		return nil, fmt.Errorf("facade: jitdump: %w", err)
	}
	return &SymbolMap{backend: &jitdumpBackend{idx: idx}, facade: f, fc: fc}, nil
}

func (f *Facade) buildPDB(fc filecontents.FileContents) (*SymbolMap, error) {
	data, err := readAll(fc)
	if err != nil {
		fc.Close()
		return nil, fmt.Errorf("facade: pdb: read: %w", err)
	}
	m, err := pdbmap.Open(data, f.demangler, f.paths)
	if err != nil {
		fc.Close()
		return nil, fmt.Errorf("facade: pdb: %w", err)
	}
	return &SymbolMap{backend: &pdbBackend{m: m}, facade: f, fc: fc}, nil
}

func (f *Facade) buildELF(fc filecontents.FileContents) (*SymbolMap, error) {
	data, err := readAll(fc)
	if err != nil {
		fc.Close()
		return nil, fmt.Errorf("facade: elf: read: %w", err)
	}
	l, err := elffmt.Open(data)
	if err != nil {
		fc.Close()
		return nil, fmt.Errorf("facade: elf: %w", err)
	}
	m := objectmap.Build(l, objectmap.BuildOptions{
		ExtraFunctionStarts: l.SynthesizedFunctionStarts(),
		PathMapper:          f.paths,
		Demangler:           f.demangler,
	})
	return &SymbolMap{backend: &objectmapBackend{m: m}, facade: f, fc: fc}, nil
}

func (f *Facade) buildMachOThin(fc filecontents.FileContents) (*SymbolMap, error) {
	data, err := readAll(fc)
	if err != nil {
		fc.Close()
		return nil, fmt.Errorf("facade: macho: read: %w", err)
	}
	return f.buildMachOFromData(data, fc)
}

func (f *Facade) buildMachOFromData(data []byte, fc filecontents.FileContents) (*SymbolMap, error) {
	l, err := machofmt.Open(data)
	if err != nil {
		fc.Close()
		return nil, fmt.Errorf("facade: macho: %w", err)
	}
	m := objectmap.Build(l, objectmap.BuildOptions{
		PathMapper: f.paths,
		Demangler:  f.demangler,
		OSO:        l,
	})
	return &SymbolMap{backend: &objectmapBackend{m: m}, facade: f, fc: fc}, nil
}

// buildMachOFat splits the fat container into its per-architecture
// slices and dispatches to the one lib identifies.
func (f *Facade) buildMachOFat(fc filecontents.FileContents, lib symtypes.LibraryInfo) (*SymbolMap, error) {
	data, err := readAll(fc)
	if err != nil {
		fc.Close()
		return nil, fmt.Errorf("facade: fat macho: read: %w", err)
	}
	slices, err := machofmt.OpenFat(data)
	if err != nil {
		fc.Close()
		return nil, fmt.Errorf("facade: fat macho: %w", err)
	}
	slice, err := machofmt.SelectSlice(slices, lib)
	if err != nil {
		fc.Close()
		return nil, fmt.Errorf("facade: fat macho: %w", err)
	}
	return f.buildMachOFromData(slice.Data, fc)
}

// buildPE tries the PE's own external PDB first, via candidate paths
// derived from its debug directory, and only falls back to the PE's
// export table if every PDB candidate fails.
func (f *Facade) buildPE(fc filecontents.FileContents, loc FileLocation, lib symtypes.LibraryInfo) (*SymbolMap, error) {
	data, err := readAll(fc)
	if err != nil {
		fc.Close()
		return nil, fmt.Errorf("facade: pe: read: %w", err)
	}
	l, err := pefmt.Open(data)
	if err != nil {
		fc.Close()
		return nil, fmt.Errorf("facade: pe: %w", err)
	}

	if sm, ok := f.tryPEExternalPDB(l, loc, lib); ok {
		fc.Close()
		return sm, nil
	}

	m := objectmap.Build(l, objectmap.BuildOptions{
		PathMapper: f.paths,
		Demangler:  f.demangler,
	})
	return &SymbolMap{backend: &objectmapBackend{m: m}, facade: f, fc: fc}, nil
}

func (f *Facade) tryPEExternalPDB(l *pefmt.Loader, loc FileLocation, lib symtypes.LibraryInfo) (*SymbolMap, bool) {
	pdbPath := l.PDBPath()
	if pdbPath == "" {
		return nil, false
	}

	cands, err := f.helper.GetCandidatePathsForPDB(lib.DebugName, lib.DebugID, pdbPath, loc.Path())
	if err != nil || len(cands) == 0 {
		return nil, false
	}

	for _, cand := range cands {
		if cand.Kind != CandidateSingleFile {
			continue
		}
		sm, err := f.openLocation(cand.Single, lib)
		if err != nil {
			f.logger.CandidateTried(cand.Single.Path(), err)
			continue
		}
		return sm, true
	}
	return nil, false
}

