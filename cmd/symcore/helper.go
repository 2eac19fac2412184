package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zboralski/symcore/internal/facade"
	"github.com/zboralski/symcore/internal/filecontents"
	"github.com/zboralski/symcore/symtypes"
)

// localHelper is the CLI's collaborator: candidate paths come from the
// explicit file argument plus any --search-dir directories, and files are
// opened straight off the local filesystem.
type localHelper struct {
	explicit   string
	searchDirs []string
}

func (h *localHelper) candidates(name string) []facade.CandidatePath {
	var out []facade.CandidatePath
	if h.explicit != "" {
		out = append(out, facade.CandidatePath{
			Kind:   facade.CandidateSingleFile,
			Single: facade.NewLocalFile(h.explicit),
		})
	}
	if name != "" {
		for _, dir := range h.searchDirs {
			p := filepath.Join(dir, name)
			if _, err := os.Stat(p); err == nil {
				out = append(out, facade.CandidatePath{
					Kind:   facade.CandidateSingleFile,
					Single: facade.NewLocalFile(p),
				})
			}
		}
	}
	return out
}

func (h *localHelper) GetCandidatePathsForDebugFile(lib symtypes.LibraryInfo) ([]facade.CandidatePath, error) {
	name := lib.DebugName
	if name == "" {
		name = lib.Name
	}
	return h.candidates(name), nil
}

func (h *localHelper) GetCandidatePathsForBinary(lib symtypes.LibraryInfo) ([]facade.CandidatePath, error) {
	return h.candidates(lib.Name), nil
}

func (h *localHelper) GetCandidatePathsForPDB(debugName, debugID, pdbPathFromPE, pePath string) ([]facade.CandidatePath, error) {
	var out []facade.CandidatePath
	add := func(p string) {
		out = append(out, facade.CandidatePath{
			Kind:   facade.CandidateSingleFile,
			Single: facade.NewLocalFile(p),
		})
	}
	if pdbPathFromPE != "" {
		if filepath.IsAbs(pdbPathFromPE) {
			add(pdbPathFromPE)
		}
		// The embedded path is often a build-machine path; a same-named
		// PDB next to the PE is the usual local layout.
		add(filepath.Join(filepath.Dir(pePath), filepath.Base(pdbPathFromPE)))
	}
	for _, dir := range h.searchDirs {
		if debugName != "" {
			add(filepath.Join(dir, debugName))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no PDB candidates for %s", debugName)
	}
	return out, nil
}

func (h *localHelper) LoadFile(loc facade.FileLocation) (filecontents.FileContents, error) {
	return filecontents.Open(loc.Path())
}
