package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cheggaaa/pb/v3"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"pepack/common"
	"pepack/packer"
)

const versionString = "pepack 1.0 (x64 PE entry stub obfuscator)"

const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

var (
	noASLR       = flag.Bool("noaslr", false, "Remove the DYNAMIC_BASE flag")
	oepCall      = flag.Bool("oep_call", false, "Reach the original entry through a computed register jump (needs a fixed image base)")
	antiDisasm   = flag.Bool("adasm", false, "Insert anti-disassembly gadgets")
	mba          = flag.Bool("mba", false, "Insert mixed boolean-arithmetic junk")
	senc         = flag.Bool("senc", false, "Encrypt whole sections (see -senc-sections)")
	sencSections = flag.String("senc-sections", ".reloc", "Comma separated sections encrypted by -senc")
	finstr       = flag.Bool("finstr", false, "Append random filler bytes after jumps")
	passes       = flag.Int("passes", 0, "Number of obfuscation passes (default: mutation base x 10)")
	seed         = flag.Int64("seed", 0, "Random seed (default: random)")
	sectionName  = flag.String("section", packer.DefaultSectionName, "Name of the injected section")
	profilePath  = flag.String("profile", "", "YAML profile with default settings")
	reportPath   = flag.String("report", "", "Write a YAML report of the run")
	listingPath  = flag.String("listing", "", "Write a disassembly listing of the stub")
	verify       = flag.Bool("verify", false, "Run the stub in the built-in emulator before writing")
	verbose      = flag.Bool("v", false, "Enable debug output")
	quiet        = flag.Bool("q", false, "Only print warnings and errors")
	gui          = flag.Bool("gui", false, "Graphical front end (not available)")
	showHelp     = flag.Bool("help", false, "Display this help and exit")
	showVersion  = flag.Bool("version", false, "Display version information and exit")
)

// fpackArgs holds the -fpack pairs pulled out before flag parsing.
type fpackArgs struct {
	ranges     []packer.Range
	incomplete bool
}

func init() {
	flag.Usage = customUsage
}

func customUsage() {
	_, _ = fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS] <input> <output> <mutation_base>\n", os.Args[0])
	_, _ = fmt.Fprintln(os.Stderr, "Inject an obfuscated entry stub into a 64-bit PE image.")
	_, _ = fmt.Fprintln(os.Stderr, "")
	_, _ = fmt.Fprintln(os.Stderr, "Options:")
	_, _ = fmt.Fprintln(os.Stderr, "  -fpack <start_hex> <end_hex>")
	_, _ = fmt.Fprintln(os.Stderr, "    \tXOR the address range and decrypt it at startup (repeatable)")
	flag.PrintDefaults()
	_, _ = fmt.Fprintln(os.Stderr, "")
	_, _ = fmt.Fprintln(os.Stderr, "Examples:")
	_, _ = fmt.Fprintf(os.Stderr, "  %s app.exe out.exe 2                                  # Junk only\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  %s app.exe out.exe 1 -noaslr -oep_call -adasm -mba    # Indirect entry\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  %s app.exe out.exe 1 -fpack 0x140001000 0x140001050   # Encrypt a function\n", os.Args[0])
}

// splitArgs separates -fpack pairs, flags and positionals so flags may
// follow the positional arguments.
func splitArgs(args []string) (flags, positional []string, fp fpackArgs, err error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name := strings.TrimLeft(arg, "-")
		switch {
		case name == "fpack" && strings.HasPrefix(arg, "-"):
			if i+2 >= len(args) || strings.HasPrefix(args[i+1], "-") || strings.HasPrefix(args[i+2], "-") {
				fp.incomplete = true
				if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
					i++
				}
				continue
			}
			start, perr := common.ParseHex(args[i+1])
			if perr != nil {
				return nil, nil, fp, errors.Wrap(perr, "-fpack start")
			}
			end, perr := common.ParseHex(args[i+2])
			if perr != nil {
				return nil, nil, fp, errors.Wrap(perr, "-fpack end")
			}
			fp.ranges = append(fp.ranges, packer.Range{Start: start, End: end})
			i += 2
		case strings.HasPrefix(arg, "-") && len(name) > 0:
			flags = append(flags, arg)
			if strings.Contains(name, "=") {
				continue
			}
			if f := flag.Lookup(name); f != nil && !isBoolFlag(f) && i+1 < len(args) {
				flags = append(flags, args[i+1])
				i++
			}
		default:
			positional = append(positional, arg)
		}
	}
	return flags, positional, fp, nil
}

func isBoolFlag(f *flag.Flag) bool {
	b, ok := f.Value.(interface{ IsBoolFlag() bool })
	return ok && b.IsBoolFlag()
}

func setupLogging() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	switch {
	case *verbose:
		log.SetLevel(log.DebugLevel)
	case *quiet:
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

// buildConfig layers defaults, the profile, then explicit flags.
func buildConfig(positional []string, fp fpackArgs) (packer.Config, error) {
	cfg := packer.DefaultConfig()
	if *profilePath != "" {
		profile, err := packer.LoadProfile(*profilePath)
		if err != nil {
			return cfg, err
		}
		if err := profile.Apply(&cfg); err != nil {
			return cfg, err
		}
	}

	cfg.Input, cfg.Output = positional[0], positional[1]
	mutation, err := strconv.Atoi(positional[2])
	if err != nil {
		return cfg, errors.Wrapf(err, "invalid mutation base %q", positional[2])
	}
	cfg.Mutation = mutation

	cfg.RemoveASLR = cfg.RemoveASLR || *noASLR
	cfg.IndirectEntry = cfg.IndirectEntry || *oepCall
	cfg.AntiDisasm = cfg.AntiDisasm || *antiDisasm
	cfg.MBA = cfg.MBA || *mba
	cfg.EncryptSections = cfg.EncryptSections || *senc
	cfg.FakeInstructions = cfg.FakeInstructions || *finstr
	cfg.Verify = cfg.Verify || *verify
	cfg.ReportPath = *reportPath
	cfg.ListingPath = *listingPath
	cfg.PackRanges = append(cfg.PackRanges, fp.ranges...)

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "passes":
			cfg.Passes = *passes
		case "seed":
			cfg.Seed = *seed
		case "section":
			cfg.SectionName = *sectionName
		case "senc-sections":
			cfg.SectionsToEncrypt = strings.Split(*sencSections, ",")
		}
	})
	return cfg, cfg.Validate()
}

func fail(code int, err error) {
	_, _ = color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "[ error ] %v\n", err)
	os.Exit(code)
}

func main() {
	flagArgs, positional, fp, err := splitArgs(os.Args[1:])
	if err != nil {
		fail(exitUsage, err)
	}
	if err := flag.CommandLine.Parse(flagArgs); err != nil {
		os.Exit(exitUsage)
	}
	positional = append(positional, flag.Args()...)

	if *showHelp {
		flag.Usage()
		os.Exit(exitOK)
	}
	if *showVersion {
		fmt.Println(versionString)
		os.Exit(exitOK)
	}
	setupLogging()
	if *gui {
		log.Warn("the graphical front end is not available, continuing on the command line")
	}
	if len(positional) != 3 {
		flag.Usage()
		os.Exit(exitUsage)
	}
	if fp.incomplete {
		log.Warn("-fpack must be followed by two addresses <start_hex> <end_hex>, ignored")
	}

	cfg, err := buildConfig(positional, fp)
	if err != nil {
		fail(exitUsage, err)
	}

	if !*quiet {
		_, _ = color.New(color.FgCyan, color.Bold).Fprintln(os.Stderr, versionString)
	}

	var bar *pb.ProgressBar
	opts := []packer.Option{packer.WithLogger(log.StandardLogger())}
	if !*quiet && !*verbose {
		opts = append(opts, packer.WithProgress(func(done, total int) {
			if bar == nil {
				bar = pb.New(total).SetWriter(os.Stderr).Start()
			}
			bar.SetCurrent(int64(done))
			if done == total {
				bar.Finish()
			}
		}))
	}

	res, err := packer.New(cfg, opts...).Pack()
	if err != nil {
		var fe *common.FatalError
		if errors.As(err, &fe) {
			log.WithField("kind", fe.Kind).Debug("fatal error")
		}
		fail(exitFatal, err)
	}

	if !*quiet {
		fmt.Println(res.Summary())
	}
	color.Green("[ done ] %s -> %s (entry %s)", cfg.Input, cfg.Output, res.Report.NewEntry)
}
