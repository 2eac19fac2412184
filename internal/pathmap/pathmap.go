// Package pathmap canonicalises source file paths pulled out of DWARF
// or Breakpad FILE records: slash normalization, static prefix remap
// rules, and an optional scripted rule for cases a prefix map can't
// express. Deterministic and side-effect-free.
package pathmap

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// Rule rewrites a canonicalised path. Static rules are plain prefix
// substitutions; Mapper also accepts a compiled script rule (see
// WithScriptRule) for the rare case a collaborator needs something a
// prefix map can't express.
type Rule struct {
	From string
	To   string
}

// Mapper canonicalises raw debug-info paths into a stable display form.
type Mapper struct {
	rules  []Rule
	script *goja.Program
	vm     *goja.Runtime
}

// New creates a Mapper with the given static prefix rules applied in
// order; the first matching rule wins.
func New(rules ...Rule) *Mapper {
	return &Mapper{rules: rules}
}

// WithScriptRule compiles a JavaScript expression of the form
// `function remap(path) { ... return path }` and applies it after the
// static rules, letting a collaborator express remaps static prefixes
// can't (case folding, drive-letter stripping with embedded logic, etc).
// A syntax error is returned immediately rather than surfacing at lookup
// time.
func (m *Mapper) WithScriptRule(src string) error {
	prog, err := goja.Compile("remap.js", src, false)
	if err != nil {
		return fmt.Errorf("pathmap: compile remap script: %w", err)
	}
	vm := goja.New()
	if _, err := vm.RunProgram(prog); err != nil {
		return fmt.Errorf("pathmap: run remap script: %w", err)
	}
	if _, ok := goja.AssertFunction(vm.Get("remap")); !ok {
		return fmt.Errorf("pathmap: remap script must define function remap(path)")
	}
	m.script = prog
	m.vm = vm
	return nil
}

// Canonicalize normalizes slash direction and applies configured remap
// rules, in the order: slash normalization, static prefix rules, then
// the script rule (if any).
func (m *Mapper) Canonicalize(raw string) string {
	if raw == "" {
		return raw
	}

	p := normalizeSlashes(raw)

	for _, r := range m.rules {
		from := normalizeSlashes(r.From)
		if strings.HasPrefix(p, from) {
			p = normalizeSlashes(r.To) + strings.TrimPrefix(p, from)
			break
		}
	}

	if m.script != nil {
		if remap, ok := goja.AssertFunction(m.vm.Get("remap")); ok {
			if v, err := remap(goja.Undefined(), m.vm.ToValue(p)); err == nil {
				p = v.String()
			}
		}
	}

	return p
}

// normalizeSlashes collapses back/forward-slash variation (Windows PDB
// paths use '\', DWARF/Breakpad paths are usually '/') into forward
// slashes for stable comparison and display.
func normalizeSlashes(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}
