// Package kreloc relocates position-independent kernel images in place and
// randomizes their load address. It glues the pieces together in boot order:
// parse the resident image, resolve the randomization posture from the
// command line, pick a slide, validate the plan, and commit the relocation
// writes.
package kreloc

import (
	"log/slog"

	"github.com/helixboot/kreloc/internal/boot"
	"github.com/helixboot/kreloc/internal/boot/image"
	"github.com/helixboot/kreloc/internal/boot/kaslr"
	"github.com/helixboot/kreloc/internal/boot/reloc"
)

// Options configures a relocation run. The zero value randomizes with the
// default higher-half window and the best entropy the boot context offers.
type Options struct {
	// Kaslr holds the placement constraints. The zero value is upgraded to
	// kaslr.DefaultConfig.
	Kaslr kaslr.Config
	// Entropy overrides the entropy source; nil wires the production source
	// for the boot context's hardware capability.
	Entropy kaslr.EntropySource
	// Engine holds the relocation engine policy.
	Engine reloc.EngineConfig
	// Logger receives progress events; nil uses slog.Default.
	Logger *slog.Logger
}

// Result is the outcome of a completed relocation run.
type Result struct {
	Context  reloc.Context
	Stats    reloc.Stats
	Strategy kaslr.StrategyKind
	Quality  kaslr.EntropyQuality
}

// Relocate parses the resident image in mem, selects a slide for it under
// the boot context bc, and rewrites every relocation target in place. On
// error mem is untouched.
func Relocate(mem []byte, bc *boot.Context, opts Options) (*Result, error) {
	if opts.Kaslr == (kaslr.Config{}) {
		opts.Kaslr = kaslr.DefaultConfig()
	}
	if opts.Entropy == nil {
		opts.Entropy = kaslr.ProductionSource(bc.HardwareEntropy)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	v, err := image.Parse(mem)
	if err != nil {
		return nil, err
	}

	param := kaslr.ParseBootParam(bc.Cmdline)
	strat := kaslr.ChooseStrategy(opts.Kaslr, param)

	var (
		slide   reloc.Slide
		quality kaslr.EntropyQuality
	)
	switch strat.Kind {
	case kaslr.StrategyIdentity:
		log.Debug("randomization disabled, loading at link base")

	case kaslr.StrategyFixed:
		slide = strat.Slide
		log.Info("applying operator-forced slide", "slide", int64(slide))

	case kaslr.StrategyRandomized:
		slide, quality, err = kaslr.ComputeSlide(bc, opts.Kaslr, opts.Entropy)
		if err != nil {
			return nil, err
		}
		log.Info("selected randomized slide",
			"slide", int64(slide),
			"entropy", quality.String(),
			"slots", opts.Kaslr.NumSlots(bc.ImageSize))
	}

	ctx, err := reloc.NewBuilder(v, bc).WithSlide(slide).Build()
	if err != nil {
		return nil, err
	}
	if err := reloc.ValidateContext(ctx); err != nil {
		return nil, err
	}

	stats, err := reloc.NewEngineWithConfig(ctx, v, mem, opts.Engine).Apply()
	if err != nil {
		return nil, err
	}

	log.Info("relocation complete",
		"runtime_base", stats.RuntimeBase,
		"applied", stats.Applied(),
		"total", stats.Total)

	return &Result{
		Context:  ctx,
		Stats:    stats,
		Strategy: strat.Kind,
		Quality:  quality,
	}, nil
}
