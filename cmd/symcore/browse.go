package main

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/zboralski/symcore/internal/facade"
	"github.com/zboralski/symcore/symtypes"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFC800"))
	detailStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#808080")).
			Padding(0, 1)
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#808080"))
)

// symbolItem is one list row: an (rva, name) pair from IterSymbols.
type symbolItem struct {
	rva  uint32
	name string
}

func (s symbolItem) Title() string       { return s.name }
func (s symbolItem) Description() string { return fmt.Sprintf("0x%x", s.rva) }
func (s symbolItem) FilterValue() string { return s.name }

// browseModel drives the interactive browser: a filterable symbol list,
// an address-lookup input (press "a"), and a detail pane showing the
// lookup result for the selected symbol or entered address.
type browseModel struct {
	sm     *facade.SymbolMap
	list   list.Model
	input  textinput.Model
	detail string
	status string
	typing bool
	width  int
	height int
}

func newBrowseModel(sm *facade.SymbolMap) browseModel {
	var items []list.Item
	sm.IterSymbols(func(rva uint32, name string) bool {
		items = append(items, symbolItem{rva: rva, name: name})
		return true
	})

	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = fmt.Sprintf("symbols (%d)  debug id %s", len(items), sm.DebugID())
	l.Styles.Title = titleStyle
	l.SetShowStatusBar(false)

	ti := textinput.New()
	ti.Placeholder = "address (hex)"
	ti.CharLimit = 18
	ti.Width = 24

	return browseModel{
		sm:     sm,
		list:   l,
		input:  ti,
		status: "enter: resolve selected  a: lookup address  /: filter  q: quit",
	}
}

func (m browseModel) Init() tea.Cmd { return nil }

func (m browseModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.list.SetSize(msg.Width, msg.Height-8)
		return m, nil

	case tea.KeyMsg:
		if m.typing {
			switch msg.String() {
			case "enter":
				m.typing = false
				m.input.Blur()
				m.detail = m.resolveInput()
				return m, nil
			case "esc":
				m.typing = false
				m.input.Blur()
				return m, nil
			}
			var cmd tea.Cmd
			m.input, cmd = m.input.Update(msg)
			return m, cmd
		}

		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "a":
			if m.list.FilterState() != list.Filtering {
				m.typing = true
				m.input.SetValue("")
				m.input.Focus()
				return m, textinput.Blink
			}
		case "enter":
			if it, ok := m.list.SelectedItem().(symbolItem); ok {
				m.detail = m.resolve(symtypes.Relative(it.rva))
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m browseModel) resolveInput() string {
	raw, err := parseAddr(m.input.Value())
	if err != nil {
		return err.Error()
	}
	if raw > 0xFFFFFFFF {
		return m.resolve(symtypes.Svma(raw))
	}
	return m.resolve(symtypes.Relative(uint32(raw)))
}

func (m browseModel) resolve(addr symtypes.LookupAddress) string {
	info, err := m.sm.Lookup(addr)
	if err != nil {
		return err.Error()
	}
	if info == nil {
		return fmt.Sprintf("%s: no symbol", addr)
	}

	out := fmt.Sprintf("%s  size=%s\n%s", fmtAddr(info.SymbolAddress), fmtSize(info.SymbolSize), info.SymbolName)
	if info.Frames.Kind == symtypes.FramesAvailable {
		for _, fr := range info.Frames.Frames {
			fn := "?"
			if fr.Function != nil {
				fn = *fr.Function
			}
			out += "\n  " + fn
			if fr.File != nil {
				out += "  " + *fr.File
				if fr.Line != nil {
					out += fmt.Sprintf(":%d", *fr.Line)
				}
			}
		}
	}
	return out
}

func fmtAddr(rva uint32) string { return fmt.Sprintf("0x%x", rva) }

func fmtSize(size *uint32) string {
	if size == nil {
		return "?"
	}
	return fmt.Sprintf("%#x", *size)
}

func (m browseModel) View() string {
	var sections []string
	sections = append(sections, m.list.View())
	if m.typing {
		sections = append(sections, m.input.View())
	}
	if m.detail != "" {
		sections = append(sections, detailStyle.Render(m.detail))
	}
	sections = append(sections, statusStyle.Render(m.status))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func runBrowse(cmd *cobra.Command, args []string) error {
	f, err := newFacade(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	sm, err := f.LoadSymbolMap(libraryInfo(args[0]))
	if err != nil {
		return err
	}

	p := tea.NewProgram(newBrowseModel(sm), tea.WithAltScreen())
	_, err = p.Run()
	return err
}
