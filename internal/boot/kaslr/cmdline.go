package kaslr

import (
	"strconv"
	"strings"

	"github.com/helixboot/kreloc/internal/boot"
	"github.com/helixboot/kreloc/internal/boot/reloc"
)

// BootParam is the randomization posture requested on the kernel command
// line. The zero value means "use the configuration as-is".
type BootParam struct {
	// Disable is set by "nokaslr".
	Disable bool
	// Forced is set by a valid non-zero "kaslr_slide=" value.
	Forced bool
	// Slide is the forced slide when Forced is set.
	Slide reloc.Slide
}

// ParseBootParam extracts the KASLR parameters from a kernel command line.
// Malformed or zero slide values are ignored rather than rejected; the
// command line is advisory, not a trusted input.
func ParseBootParam(cmdline string) BootParam {
	var param BootParam
	for _, field := range strings.Fields(cmdline) {
		switch {
		case field == "nokaslr":
			param.Disable = true
		case strings.HasPrefix(field, "kaslr_slide="):
			value := strings.TrimPrefix(field, "kaslr_slide=")
			slide, err := parseSlide(value)
			if err != nil || slide == 0 {
				continue
			}
			param.Forced = true
			param.Slide = reloc.Slide(slide)
		}
	}
	if param.Disable {
		// nokaslr wins over any forced slide.
		param.Forced = false
		param.Slide = 0
	}
	return param
}

func parseSlide(s string) (int64, error) {
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		s = s[2:]
	}
	v, err := strconv.ParseUint(s, base, 63)
	if err != nil {
		return 0, err
	}
	if neg {
		return -int64(v), nil
	}
	return int64(v), nil
}

// StrategyKind selects how the runtime base is chosen.
type StrategyKind int

const (
	// StrategyIdentity loads at the link-time base, slide zero.
	StrategyIdentity StrategyKind = iota
	// StrategyFixed applies an operator-supplied slide without randomness.
	StrategyFixed
	// StrategyRandomized draws a slide from the configured range.
	StrategyRandomized
)

// Strategy is the resolved relocation posture after the configuration and
// the command line have been combined.
type Strategy struct {
	Kind      StrategyKind
	Slide     reloc.Slide // meaningful for StrategyFixed only
	Range     boot.AddressRange
	Alignment uint64
}

// ChooseStrategy combines the static configuration with the command-line
// parameters. nokaslr always forces identity; a forced slide is honored only
// when it respects the configured alignment.
func ChooseStrategy(cfg Config, param BootParam) Strategy {
	cfg = cfg.withDefaults()
	if param.Disable || !cfg.Enabled {
		return Strategy{Kind: StrategyIdentity}
	}
	if param.Forced {
		if uint64(param.Slide)%cfg.Alignment == 0 {
			return Strategy{Kind: StrategyFixed, Slide: param.Slide, Alignment: cfg.Alignment}
		}
		// Misaligned forced slide: fall through to randomized rather than
		// apply a slide the engine's invariants forbid.
	}
	return Strategy{Kind: StrategyRandomized, Range: cfg.Range, Alignment: cfg.Alignment}
}
