// Package demangle is the demangling hook every symbol map's name
// resolution goes through. The schemes themselves (Itanium C++, Rust
// v0, legacy Rust) are handled by github.com/ianlancetaylor/demangle.
package demangle

import (
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// Options controls how aggressively Demangle simplifies a name.
type Options struct {
	// NoParams strips function parameter lists from the output.
	NoParams bool
}

// Demangle demangles name if it looks like a mangled C++ (Itanium ABI) or
// Rust symbol; names it doesn't recognize are returned unchanged, which
// is the correct behavior for plain C symbols and synthesized names like
// "fun_abcdef".
func Demangle(name string, opts Options) string {
	if name == "" {
		return name
	}

	var dopts []demangle.Option
	if opts.NoParams {
		dopts = append(dopts, demangle.NoParams)
	}

	if out, err := demangle.ToString(name, dopts...); err == nil {
		return out
	}

	// Rust's legacy mangling (_ZN...17h<hash>E) demangles fine through the
	// Itanium path above; only the v0 scheme needs a second attempt.
	if strings.HasPrefix(name, "_R") {
		if out, err := demangle.ToString(name, dopts...); err == nil {
			return out
		}
	}

	return name
}

// Hook is the function signature object-file and PDB symbol maps call
// through; production code always uses demangle.Demangle, tests can
// substitute a deterministic stub.
type Hook func(name string) string

// Default is the production demangle hook.
func Default(name string) string {
	return Demangle(name, Options{})
}
