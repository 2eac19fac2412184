package facade

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/zboralski/symcore/internal/breakpad"
	"github.com/zboralski/symcore/internal/filecontents"
	"github.com/zboralski/symcore/symtypes"
)

const testDebugID = "F1E853FD662672044C4C44205044422E1"

const testSym = `MODULE windows x86_64 F1E853FD662672044C4C44205044422E1 firefox.pdb
FILE 0 /src/app/main.cpp
INLINE_ORIGIN 0 inner_helper()
FUNC 1000 40 0 outer_function()
INLINE 0 12 0 0 1010 10
1000 10 100 0
1010 30 101 0
PUBLIC 2000 0 public_entry
`

// fakeHelper serves in-memory files keyed by path and records every
// load so tests can observe candidate and sidecar traffic.
type fakeHelper struct {
	files map[string][]byte

	mu     sync.Mutex
	loaded []string
}

func newFakeHelper() *fakeHelper {
	return &fakeHelper{files: map[string][]byte{"firefox.sym": []byte(testSym)}}
}

func (h *fakeHelper) GetCandidatePathsForDebugFile(lib symtypes.LibraryInfo) ([]CandidatePath, error) {
	name := lib.DebugName
	if name == "" {
		name = lib.Name
	}
	return []CandidatePath{{Kind: CandidateSingleFile, Single: NewLocalFile(name)}}, nil
}

func (h *fakeHelper) GetCandidatePathsForBinary(lib symtypes.LibraryInfo) ([]CandidatePath, error) {
	return nil, nil
}

func (h *fakeHelper) GetCandidatePathsForPDB(debugName, debugID, pdbPathFromPE, pePath string) ([]CandidatePath, error) {
	return nil, fmt.Errorf("no pdb candidates")
}

func (h *fakeHelper) LoadFile(loc FileLocation) (filecontents.FileContents, error) {
	h.mu.Lock()
	h.loaded = append(h.loaded, loc.Path())
	h.mu.Unlock()
	data, ok := h.files[loc.Path()]
	if !ok {
		return nil, fmt.Errorf("no such file %s", loc.Path())
	}
	return filecontents.FromBytes(data), nil
}

func (h *fakeHelper) loadCount(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, p := range h.loaded {
		if p == path {
			n++
		}
	}
	return n
}

func testLib() symtypes.LibraryInfo {
	return symtypes.LibraryInfo{Name: "firefox.sym", DebugName: "firefox.sym", DebugID: testDebugID}
}

func TestLoadSymbolMapAndLookup(t *testing.T) {
	f := New(newFakeHelper())
	defer f.Close()

	sm, err := f.LoadSymbolMap(testLib())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.EqualFold(sm.DebugID(), testDebugID) {
		t.Errorf("debug id = %q", sm.DebugID())
	}

	info, err := sm.Lookup(symtypes.Relative(0x1014))
	if err != nil {
		t.Fatal(err)
	}
	if info == nil {
		t.Fatal("expected a hit")
	}
	if info.SymbolName != "outer_function()" {
		t.Errorf("name = %q", info.SymbolName)
	}
	frames := info.Frames.Frames
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[1].Function == nil || *frames[1].Function != "inner_helper()" {
		t.Errorf("inner frame = %v", frames[1].Function)
	}
}

func TestLookupMissIsNotAnError(t *testing.T) {
	f := New(newFakeHelper())
	defer f.Close()

	info, err := f.Lookup(testLib(), symtypes.Relative(0x10))
	if err != nil {
		t.Fatal(err)
	}
	if info != nil {
		t.Fatal("address before every record must miss without error")
	}
}

func TestDebugIDMismatchRejectsCandidate(t *testing.T) {
	f := New(newFakeHelper())
	defer f.Close()

	lib := testLib()
	lib.DebugID = "00000000000000000000000000000000F"
	_, err := f.LoadSymbolMap(lib)
	if err == nil {
		t.Fatal("mismatched debug id must fail construction")
	}
	if !strings.Contains(err.Error(), testDebugID) || !strings.Contains(err.Error(), lib.DebugID) {
		t.Errorf("error should carry both ids: %v", err)
	}
}

func TestNoCandidates(t *testing.T) {
	h := newFakeHelper()
	h.files = map[string][]byte{}
	f := New(h)
	defer f.Close()

	if _, err := f.LoadSymbolMap(testLib()); err == nil {
		t.Fatal("expected an error when every candidate fails to load")
	}
}

func TestSymbolMapIsCached(t *testing.T) {
	h := newFakeHelper()
	f := New(h)
	defer f.Close()

	first, err := f.LoadSymbolMap(testLib())
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.LoadSymbolMap(testLib())
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("same identity must return the resident map")
	}
	if n := h.loadCount("firefox.sym"); n != 1 {
		t.Errorf("the .sym was loaded %d times, want 1", n)
	}
}

func TestInvalidSidecarIgnored(t *testing.T) {
	h := newFakeHelper()
	h.files["firefox.symindex"] = []byte("definitely not a sidecar")
	f := New(h)
	defer f.Close()

	sm, err := f.LoadSymbolMap(testLib())
	if err != nil {
		t.Fatal(err)
	}
	info, err := sm.Lookup(symtypes.Relative(0x1000))
	if err != nil || info == nil {
		t.Fatalf("lookup after ignoring a bad sidecar: %v, %v", info, err)
	}
}

func TestValidSidecarUsed(t *testing.T) {
	idx, err := breakpad.BuildIndex(filecontents.FromBytes([]byte(testSym)))
	if err != nil {
		t.Fatal(err)
	}
	h := newFakeHelper()
	h.files["firefox.symindex"] = idx.Serialize()
	f := New(h)
	defer f.Close()

	sm, err := f.LoadSymbolMap(testLib())
	if err != nil {
		t.Fatal(err)
	}
	if n := h.loadCount("firefox.symindex"); n != 1 {
		t.Errorf("sidecar loaded %d times, want 1", n)
	}
	info, err := sm.Lookup(symtypes.Relative(0x2000))
	if err != nil || info == nil || info.SymbolName != "public_entry" {
		t.Fatalf("lookup through sidecar-built map: %+v, %v", info, err)
	}
}

func TestIterSymbols(t *testing.T) {
	f := New(newFakeHelper())
	defer f.Close()

	sm, err := f.LoadSymbolMap(testLib())
	if err != nil {
		t.Fatal(err)
	}
	var rvas []uint32
	sm.IterSymbols(func(rva uint32, name string) bool {
		rvas = append(rvas, rva)
		return true
	})
	if len(rvas) != 2 || rvas[0] != 0x1000 || rvas[1] != 0x2000 {
		t.Errorf("rvas = %#v", rvas)
	}
}

func TestConcurrentLookupsAgree(t *testing.T) {
	f := New(newFakeHelper())
	defer f.Close()

	sm, err := f.LoadSymbolMap(testLib())
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info, err := sm.Lookup(symtypes.Relative(0x1014))
			if err != nil || info == nil {
				results[i] = fmt.Sprintf("err=%v", err)
				return
			}
			results[i] = info.SymbolName
		}(i)
	}
	wg.Wait()
	for i, r := range results {
		if r != "outer_function()" {
			t.Errorf("goroutine %d got %q", i, r)
		}
	}
}
