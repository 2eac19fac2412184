package pathmap

import "testing"

func TestCanonicalizeSlashes(t *testing.T) {
	m := New()
	cases := map[string]string{
		`c:\build\src\main.cpp`:  "c:/build/src/main.cpp",
		"/usr/src/lib.c":         "/usr/src/lib.c",
		`mixed/style\path.h`:     "mixed/style/path.h",
		"":                       "",
	}
	for in, want := range cases {
		if got := m.Canonicalize(in); got != want {
			t.Errorf("Canonicalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPrefixRules(t *testing.T) {
	m := New(
		Rule{From: `c:\build\`, To: "/src/"},
		Rule{From: "/home/builder/", To: "/src/"},
	)
	if got := m.Canonicalize(`c:\build\app\main.cpp`); got != "/src/app/main.cpp" {
		t.Errorf("got %q", got)
	}
	if got := m.Canonicalize("/home/builder/lib/x.c"); got != "/src/lib/x.c" {
		t.Errorf("got %q", got)
	}
	// First matching rule wins; non-matching paths pass through.
	if got := m.Canonicalize("/opt/other.c"); got != "/opt/other.c" {
		t.Errorf("got %q", got)
	}
}

func TestScriptRule(t *testing.T) {
	m := New(Rule{From: "/build/", To: "/src/"})
	err := m.WithScriptRule(`function remap(path) { return path.toLowerCase() }`)
	if err != nil {
		t.Fatal(err)
	}
	// Static rules run first, then the script.
	if got := m.Canonicalize("/build/App/Main.CPP"); got != "/src/app/main.cpp" {
		t.Errorf("got %q", got)
	}
}

func TestScriptRuleErrors(t *testing.T) {
	m := New()
	if err := m.WithScriptRule("function remap(path) {"); err == nil {
		t.Error("syntax error must be reported at compile time")
	}
	if err := m.WithScriptRule("var x = 1"); err == nil {
		t.Error("script without a remap function must be rejected")
	}
}
