package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "symcore.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
path_remap:
  - from: "c:\\build\\"
    to: "/src/"
max_resident_symbol_maps: 8
debug: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxResidentSymbolMaps != 8 || !cfg.Debug {
		t.Errorf("cfg = %+v", cfg)
	}

	m, err := cfg.PathMapper()
	if err != nil {
		t.Fatal(err)
	}
	if got := m.Canonicalize(`c:\build\x.cpp`); got != "/src/x.cpp" {
		t.Errorf("got %q", got)
	}
}

func TestLoadScriptRule(t *testing.T) {
	path := writeConfig(t, `
path_remap_script: "function remap(path) { return path.replace('/out/', '/src/') }"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	m, err := cfg.PathMapper()
	if err != nil {
		t.Fatal(err)
	}
	if got := m.Canonicalize("/out/a.c"); got != "/src/a.c" {
		t.Errorf("got %q", got)
	}
}

func TestLoadBadScript(t *testing.T) {
	path := writeConfig(t, `
path_remap_script: "not a function"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cfg.PathMapper(); err == nil {
		t.Error("invalid remap script must be rejected")
	}
}

func TestLoadMissingOrInvalid(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file must fail")
	}
	path := writeConfig(t, "path_remap: {not: [valid")
	if _, err := Load(path); err == nil {
		t.Error("malformed YAML must fail")
	}
}
