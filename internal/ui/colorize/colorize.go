// Package colorize renders symbol lookup results for terminal output.
// Shares the same color scheme as ~/re/reverse for consistency.
package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/zboralski/symcore/symtypes"
)

// IDA-style theme colors
const (
	IDAAddress = "#808080" // Gray for addresses
	IDALabel   = "#FFC800" // Yellow for labels/function names
	IDANumber  = "#FF80C0" // Light pink for numbers
	IDAComment = "#FF8000" // Orange for comments
	IDAString  = "#00FF00" // Green for strings
	IDAPlain   = "#FFFFFF" // White default
)

var (
	addrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(IDAAddress))
	nameStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(IDALabel))
	sizeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(IDANumber))
	fileStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(IDAString))
	inlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(IDAComment))
)

// Enabled reports whether stdout is a terminal worth styling. The CLI
// consults this once and passes plain=true otherwise.
func Enabled() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// Addr formats an RVA.
func Addr(rva uint32, plain bool) string {
	s := fmt.Sprintf("0x%x", rva)
	if plain {
		return s
	}
	return addrStyle.Render(s)
}

// Name formats a symbol name.
func Name(name string, plain bool) string {
	if plain {
		return name
	}
	return nameStyle.Render(name)
}

// Size formats an optional symbol size.
func Size(size *uint32, plain bool) string {
	if size == nil {
		return "?"
	}
	s := fmt.Sprintf("%#x", *size)
	if plain {
		return s
	}
	return sizeStyle.Render(s)
}

// Location formats an optional file/line pair, or "" when both are
// absent.
func Location(file *string, line *uint32, plain bool) string {
	if file == nil && line == nil {
		return ""
	}
	var b strings.Builder
	if file != nil {
		b.WriteString(*file)
	} else {
		b.WriteString("?")
	}
	if line != nil {
		fmt.Fprintf(&b, ":%d", *line)
	}
	if plain {
		return b.String()
	}
	return fileStyle.Render(b.String())
}

// AddressInfo renders one lookup result as a multi-line block: the
// symbol line first, then one indented line per inline frame in
// outermost-to-innermost order.
func AddressInfo(info *symtypes.AddressInfo, plain bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s  size=%s",
		Addr(info.SymbolAddress, plain),
		Name(info.SymbolName, plain),
		Size(info.SymbolSize, plain))

	if info.Frames.Kind == symtypes.FramesAvailable {
		for _, fr := range info.Frames.Frames {
			b.WriteString("\n  ")
			fn := "?"
			if fr.Function != nil {
				fn = *fr.Function
			}
			if plain {
				b.WriteString(fn)
			} else {
				b.WriteString(inlineStyle.Render(fn))
			}
			if loc := Location(fr.File, fr.Line, plain); loc != "" {
				b.WriteString("  ")
				b.WriteString(loc)
			}
		}
	}
	return b.String()
}
