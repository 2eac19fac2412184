package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zboralski/symcore/internal/breakpad"
	"github.com/zboralski/symcore/internal/config"
	"github.com/zboralski/symcore/internal/facade"
	"github.com/zboralski/symcore/internal/filecontents"
	"github.com/zboralski/symcore/internal/log"
	"github.com/zboralski/symcore/internal/pathmap"
	"github.com/zboralski/symcore/internal/ui/colorize"
	"github.com/zboralski/symcore/symtypes"
)

var (
	verbose    bool
	plain      bool
	cfgPath    string
	debugID    string
	archHint   string
	addrKind   string
	searchDirs []string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "symcore",
		Short: "Resolve code addresses to function names and source locations",
		Long: `Symcore resolves instruction addresses sampled from a running process
back to function names, address ranges, and inlined call chains, using the
debug info in the binary itself or in a sidecar symbol file.

Supported inputs: ELF, Mach-O (including universal binaries and external
.o/.a debug references), PE/PDB, Breakpad .sym text files, and perf
jitdump streams.

Examples:
  symcore lookup libxul.so 0x31fc0            # one address
  symcore lookup xul.pdb 0x31fc0 0x2b7ed      # several at once
  symcore symbols firefox --debug-id B993FA...# dump the symbol table
  symcore index firefox.sym                   # write a .symindex sidecar
  symcore browse libxul.so                    # interactive symbol browser`,
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log.Init(verbose)
			return nil
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.PersistentFlags().BoolVar(&plain, "plain", false, "disable colorized output")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringSliceVar(&searchDirs, "search-dir", nil, "extra directories to search for symbol files")

	lookupCmd := &cobra.Command{
		Use:   "lookup <file> <addr>...",
		Short: "Resolve one or more addresses",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runLookup,
	}
	lookupCmd.Flags().StringVar(&debugID, "debug-id", "", "expected debug identifier (rejects mismatched files)")
	lookupCmd.Flags().StringVar(&archHint, "arch", "", "architecture hint for universal binaries (x86_64, arm64, ...)")
	lookupCmd.Flags().StringVar(&addrKind, "kind", "rva", "address interpretation: rva, svma, or fileoffset")

	symbolsCmd := &cobra.Command{
		Use:   "symbols <file>",
		Short: "List all symbols ordered by address",
		Args:  cobra.ExactArgs(1),
		RunE:  runSymbols,
	}
	symbolsCmd.Flags().StringVar(&debugID, "debug-id", "", "expected debug identifier")
	symbolsCmd.Flags().StringVar(&archHint, "arch", "", "architecture hint for universal binaries")

	indexCmd := &cobra.Command{
		Use:   "index <file.sym>",
		Short: "Build a Breakpad .symindex sidecar",
		Args:  cobra.ExactArgs(1),
		RunE:  runIndex,
	}

	infoCmd := &cobra.Command{
		Use:   "info <file>",
		Short: "Show a symbol file's identity",
		Args:  cobra.ExactArgs(1),
		RunE:  runInfo,
	}
	infoCmd.Flags().StringVar(&archHint, "arch", "", "architecture hint for universal binaries")

	browseCmd := &cobra.Command{
		Use:   "browse <file>",
		Short: "Interactively browse a symbol file",
		Args:  cobra.ExactArgs(1),
		RunE:  runBrowse,
	}
	browseCmd.Flags().StringVar(&debugID, "debug-id", "", "expected debug identifier")
	browseCmd.Flags().StringVar(&archHint, "arch", "", "architecture hint for universal binaries")

	rootCmd.AddCommand(lookupCmd, symbolsCmd, indexCmd, infoCmd, browseCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newFacade builds a Facade whose collaborator serves the explicit file
// argument plus any --search-dir directories, applying config-file remap
// rules when --config is given.
func newFacade(explicit string) (*facade.Facade, error) {
	helper := &localHelper{explicit: explicit, searchDirs: searchDirs}

	var opts []facade.Option
	if cfgPath != "" {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, err
		}
		mapper, err := cfg.PathMapper()
		if err != nil {
			return nil, err
		}
		opts = append(opts,
			facade.WithPathMapper(mapper),
			facade.WithMaxResidentSymbolMaps(cfg.MaxResidentSymbolMaps),
		)
		if cfg.Debug && !verbose {
			log.L = log.New(true)
		}
	} else {
		opts = append(opts, facade.WithPathMapper(pathmap.New()))
	}
	return facade.New(helper, opts...), nil
}

func libraryInfo(path string) symtypes.LibraryInfo {
	return symtypes.LibraryInfo{
		Name:      path,
		DebugName: path,
		DebugID:   debugID,
		Arch:      symtypes.Arch(archHint),
	}
}

func parseAddr(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", s, err)
	}
	return v, nil
}

func lookupAddress(raw uint64) (symtypes.LookupAddress, error) {
	switch addrKind {
	case "rva":
		if raw > 0xFFFFFFFF {
			return symtypes.LookupAddress{}, fmt.Errorf("rva 0x%x does not fit in 32 bits", raw)
		}
		return symtypes.Relative(uint32(raw)), nil
	case "svma":
		return symtypes.Svma(raw), nil
	case "fileoffset":
		return symtypes.FileOffset(raw), nil
	default:
		return symtypes.LookupAddress{}, fmt.Errorf("unknown address kind %q", addrKind)
	}
}

func runLookup(cmd *cobra.Command, args []string) error {
	f, err := newFacade(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	sm, err := f.LoadSymbolMap(libraryInfo(args[0]))
	if err != nil {
		return err
	}

	styled := !plain && colorize.Enabled()
	for _, arg := range args[1:] {
		raw, err := parseAddr(arg)
		if err != nil {
			return err
		}
		addr, err := lookupAddress(raw)
		if err != nil {
			return err
		}
		info, err := sm.Lookup(addr)
		if err != nil {
			return err
		}
		if info == nil {
			fmt.Printf("%s  <no symbol>\n", arg)
			continue
		}
		fmt.Println(colorize.AddressInfo(info, !styled))
	}
	return nil
}

func runSymbols(cmd *cobra.Command, args []string) error {
	f, err := newFacade(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	sm, err := f.LoadSymbolMap(libraryInfo(args[0]))
	if err != nil {
		return err
	}

	styled := !plain && colorize.Enabled()
	count := 0
	sm.IterSymbols(func(rva uint32, name string) bool {
		fmt.Printf("%s  %s\n", colorize.Addr(rva, !styled), colorize.Name(name, !styled))
		count++
		return true
	})
	fmt.Fprintf(os.Stderr, "%d symbols, debug id %s\n", count, sm.DebugID())
	return nil
}

func runIndex(cmd *cobra.Command, args []string) error {
	fc, err := filecontents.Open(args[0])
	if err != nil {
		return err
	}
	defer fc.Close()

	idx, err := breakpad.BuildIndex(fc)
	if err != nil {
		return err
	}

	out := sidecarPathFor(args[0])
	if err := os.WriteFile(out, idx.Serialize(), 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d symbols, debug id %s)\n", out, idx.NumSymbols(), idx.DebugID)
	return nil
}

func sidecarPathFor(symPath string) string {
	if strings.HasSuffix(symPath, ".sym") {
		return strings.TrimSuffix(symPath, ".sym") + ".symindex"
	}
	return symPath + ".symindex"
}

func runInfo(cmd *cobra.Command, args []string) error {
	debugID = "" // identity discovery, not matching
	f, err := newFacade(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	sm, err := f.LoadSymbolMap(libraryInfo(args[0]))
	if err != nil {
		return err
	}

	count := 0
	sm.IterSymbols(func(uint32, string) bool { count++; return true })
	fmt.Printf("file:     %s\n", args[0])
	fmt.Printf("debug id: %s\n", sm.DebugID())
	fmt.Printf("symbols:  %d\n", count)
	return nil
}
