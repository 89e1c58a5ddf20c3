// Command kreloc relocates a position-independent kernel image on the host,
// the same pass the boot path runs in place. It exists for pre-flight checks
// in image pipelines: verify an image relocates cleanly, inspect the plan, or
// bake a fixed slide into a test artifact.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/helixboot/kreloc"
	"github.com/helixboot/kreloc/internal/boot"
	"github.com/helixboot/kreloc/internal/boot/elfboot"
	"github.com/helixboot/kreloc/internal/boot/image"
	"github.com/helixboot/kreloc/internal/boot/kaslr"
	"github.com/helixboot/kreloc/internal/boot/reloc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kreloc: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	profilePath := flag.String("profile", "", "YAML placement profile (default: built-in higher-half window)")
	out := flag.String("out", "", "Write the relocated image to this path")
	slide := flag.Int64("slide", 0, "Force this slide instead of randomizing")
	seed := flag.Uint64("seed", 0, "Use a deterministic entropy source with this value")
	cmdline := flag.String("cmdline", "", "Kernel command line to honor (nokaslr, kaslr_slide=)")
	check := flag.Bool("check", false, "Validate the plan without writing anything")
	skipUnknown := flag.Bool("skip-unknown", false, "Skip unrecognized relocation types instead of failing")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <image>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Relocate a position-independent ELF kernel image.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -check vmkernel.elf\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -slide 0x2000000 -out vmkernel.slid vmkernel.elf\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -profile higher-half.yaml -seed 42 vmkernel.elf\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	args := flag.Args()
	if len(args) != 1 {
		flag.Usage()
		return fmt.Errorf("image path required")
	}

	prof, err := loadProfile(*profilePath)
	if err != nil {
		return err
	}

	mem, err := readImage(args[0])
	if err != nil {
		return err
	}

	v, err := image.Parse(mem)
	if err != nil {
		return fmt.Errorf("parse image: %w", err)
	}

	bc, err := elfboot.NewBootContext(v, elfboot.Options{
		PhysBase:        prof.PhysBase,
		UsableRanges:    prof.usableRanges(),
		HardwareEntropy: *seed == 0,
		Cmdline:         buildCmdline(prof.Cmdline, *cmdline, *slide),
	})
	if err != nil {
		return fmt.Errorf("build boot context: %w", err)
	}

	cfg := prof.kaslrConfig()

	slog.Info("Loaded image",
		"path", args[0],
		"link_base", fmt.Sprintf("%#x", v.LinkBase()),
		"size", v.MemorySpan(),
		"relocations", v.NumRelocations())

	if *check {
		return checkPlan(v, bc, cfg)
	}

	var src kaslr.EntropySource
	if *seed != 0 {
		src = kaslr.FixedSource(*seed, kaslr.QualityHardware)
	}

	res, err := kreloc.Relocate(mem, bc, kreloc.Options{
		Kaslr:   cfg,
		Entropy: src,
		Engine:  reloc.EngineConfig{SkipUnrecognized: *skipUnknown},
	})
	if err != nil {
		return fmt.Errorf("relocate: %w", err)
	}

	fmt.Println(res.Stats.String())

	if *out != "" {
		if err := os.WriteFile(*out, mem, 0o644); err != nil {
			return fmt.Errorf("write relocated image: %w", err)
		}
		slog.Info("Wrote relocated image", "path", *out)
	}
	return nil
}

// checkPlan runs slide selection and plan validation but never touches the
// image bytes.
func checkPlan(v *image.View, bc *boot.Context, cfg kaslr.Config) error {
	param := kaslr.ParseBootParam(bc.Cmdline)
	strat := kaslr.ChooseStrategy(cfg, param)

	var s reloc.Slide
	switch strat.Kind {
	case kaslr.StrategyFixed:
		s = strat.Slide
	case kaslr.StrategyRandomized:
		var err error
		s, _, err = kaslr.ComputeSlide(bc, cfg, kaslr.ProductionSource(bc.HardwareEntropy))
		if err != nil {
			return fmt.Errorf("select slide: %w", err)
		}
	}

	ctx, err := reloc.NewBuilder(v, bc).WithSlide(s).Build()
	if err != nil {
		return fmt.Errorf("build plan: %w", err)
	}
	if err := reloc.ValidateContext(ctx); err != nil {
		return fmt.Errorf("validate plan: %w", err)
	}

	fmt.Printf("plan ok: link base %#x, runtime base %#x, slide %#x, %d entries, %d slots\n",
		ctx.LinkBase(), ctx.RuntimeBase(), int64(ctx.Slide()), ctx.RelocCount(),
		cfg.NumSlots(bc.ImageSize))
	return nil
}

// buildCmdline merges the profile command line, the -cmdline flag, and the
// -slide shortcut into one string, last writer wins per parameter.
func buildCmdline(profCmdline, flagCmdline string, slide int64) string {
	s := profCmdline
	if flagCmdline != "" {
		if s != "" {
			s += " "
		}
		s += flagCmdline
	}
	if slide != 0 {
		if s != "" {
			s += " "
		}
		s += fmt.Sprintf("kaslr_slide=%#x", slide)
	}
	return s
}

// readImage slurps the image file, with a byte progress bar when stderr is a
// terminal.
func readImage(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return io.ReadAll(f)
	}

	bar := progressbar.DefaultBytes(info.Size(), "reading image")
	var buf []byte
	w := &sliceWriter{buf: &buf}
	if _, err := io.Copy(io.MultiWriter(w, bar), f); err != nil {
		return nil, err
	}
	return buf, nil
}

type sliceWriter struct {
	buf *[]byte
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}

// profile is the YAML placement profile. Integer fields accept 0x hex.
type profile struct {
	PhysBase uint64 `yaml:"phys_base"`
	Cmdline  string `yaml:"cmdline"`

	Kaslr struct {
		Enabled        *bool  `yaml:"enabled"`
		MinEntropyBits int    `yaml:"min_entropy_bits"`
		Alignment      uint64 `yaml:"alignment"`
		RangeStart     uint64 `yaml:"range_start"`
		RangeEnd       uint64 `yaml:"range_end"`
		RequireEntropy bool   `yaml:"require_entropy"`
	} `yaml:"kaslr"`

	Ranges []struct {
		Start uint64 `yaml:"start"`
		End   uint64 `yaml:"end"`
	} `yaml:"ranges"`
}

func loadProfile(path string) (*profile, error) {
	var p profile
	if path == "" {
		return &p, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return &p, nil
}

func (p *profile) kaslrConfig() kaslr.Config {
	cfg := kaslr.DefaultConfig()
	if p.Kaslr.Enabled != nil {
		cfg.Enabled = *p.Kaslr.Enabled
	}
	if p.Kaslr.MinEntropyBits != 0 {
		cfg.MinEntropyBits = p.Kaslr.MinEntropyBits
	}
	if p.Kaslr.Alignment != 0 {
		cfg.Alignment = p.Kaslr.Alignment
	}
	if p.Kaslr.RangeStart != 0 || p.Kaslr.RangeEnd != 0 {
		cfg.Range = boot.AddressRange{Start: p.Kaslr.RangeStart, End: p.Kaslr.RangeEnd}
	}
	cfg.RequireEntropy = p.Kaslr.RequireEntropy
	return cfg
}

// usableRanges returns the profile's memory map, defaulting to the whole
// canonical higher half so host-side runs pass plan validation.
func (p *profile) usableRanges() []boot.AddressRange {
	if len(p.Ranges) == 0 {
		return []boot.AddressRange{{Start: 0xFFFF_8000_0000_0000, End: 0xFFFF_FFFF_FFFF_F000}}
	}
	rs := make([]boot.AddressRange, len(p.Ranges))
	for i, r := range p.Ranges {
		rs[i] = boot.AddressRange{Start: r.Start, End: r.End}
	}
	return rs
}
