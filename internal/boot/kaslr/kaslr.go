// Package kaslr chooses the randomized virtual-address slide the relocation
// engine applies. The selection itself is pure: entropy comes in through an
// injectable source so boot wiring and tests share the same path.
package kaslr

import (
	"fmt"
	"math/bits"

	"github.com/helixboot/kreloc/internal/boot"
	"github.com/helixboot/kreloc/internal/boot/reloc"
)

// Config holds the placement constraints for slide selection.
type Config struct {
	// Enabled turns randomization on. When false ComputeSlide returns zero.
	Enabled bool
	// MinEntropyBits is the minimum randomness the candidate range must be
	// able to express. Zero means no minimum.
	MinEntropyBits int
	// Alignment is the slot alignment in bytes; must be a power of two.
	Alignment uint64
	// Range is the half-open candidate address range the image may land in.
	Range boot.AddressRange
	// RequireEntropy makes a total entropy failure fatal instead of falling
	// back to an identity slide.
	RequireEntropy bool
}

// Defaults match the higher-half kernel region: a 1 GiB window above -2 GiB
// with 2 MiB slots.
const (
	DefaultRangeStart = 0xFFFF_FFFF_8000_0000
	DefaultRangeEnd   = 0xFFFF_FFFF_C000_0000
	DefaultAlignment  = 0x20_0000
)

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Alignment: DefaultAlignment,
		Range:     boot.AddressRange{Start: DefaultRangeStart, End: DefaultRangeEnd},
	}
}

func (c Config) withDefaults() Config {
	if c.Alignment == 0 {
		c.Alignment = DefaultAlignment
	}
	if c.Range == (boot.AddressRange{}) {
		c.Range = boot.AddressRange{Start: DefaultRangeStart, End: DefaultRangeEnd}
	}
	return c
}

func (c Config) validate() error {
	if c.Alignment == 0 || c.Alignment&(c.Alignment-1) != 0 {
		return fmt.Errorf("alignment %#x is not a power of two", c.Alignment)
	}
	if c.Range.End <= c.Range.Start {
		return fmt.Errorf("candidate range [%#x, %#x) is empty", c.Range.Start, c.Range.End)
	}
	return nil
}

// NumSlots returns how many aligned load positions the range offers for an
// image of the given size, after rounding the size up to the alignment.
func (c Config) NumSlots(imageSize uint64) uint64 {
	c = c.withDefaults()
	aligned := alignUp(imageSize, c.Alignment)
	span := c.Range.Size()
	if aligned >= span {
		return 0
	}
	return (span - aligned) / c.Alignment
}

// ComputeSlide selects a page-aligned slide for the image described by bc.
//
// The slide is zero when randomization is disabled, or when no entropy of any
// quality could be acquired and the configuration does not require it. A
// non-zero result always satisfies: slide is a multiple of cfg.Alignment, and
// link base + slide + aligned image size stays inside cfg.Range.
func ComputeSlide(bc *boot.Context, cfg Config, src EntropySource) (reloc.Slide, EntropyQuality, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return 0, QualityNone, &reloc.Error{Err: reloc.ErrInvalidLayout, Index: -1, Detail: err.Error()}
	}

	if !cfg.Enabled {
		return 0, QualityNone, nil
	}

	slots := cfg.NumSlots(bc.ImageSize)
	if slots == 0 {
		return 0, QualityNone, &reloc.Error{
			Err:    reloc.ErrInsufficientAddressSpace,
			Index:  -1,
			Addr:   cfg.Range.Start,
			Detail: fmt.Sprintf("image size %#x leaves no %#x-aligned slot in range of %#x bytes", bc.ImageSize, cfg.Alignment, cfg.Range.Size()),
		}
	}

	if cfg.MinEntropyBits > 0 && bits.Len64(slots) < cfg.MinEntropyBits {
		return 0, QualityNone, &reloc.Error{
			Err:    reloc.ErrInsufficientAddressSpace,
			Index:  -1,
			Detail: fmt.Sprintf("range provides %d entropy bits, %d required", bits.Len64(slots), cfg.MinEntropyBits),
		}
	}

	if (cfg.Range.Start-bc.VirtBase)%cfg.Alignment != 0 {
		return 0, QualityNone, &reloc.Error{
			Err:    reloc.ErrInvalidLayout,
			Index:  -1,
			Addr:   bc.VirtBase,
			Detail: fmt.Sprintf("link base misaligned against range start by %#x", (cfg.Range.Start-bc.VirtBase)%cfg.Alignment),
		}
	}

	random, quality := acquireEntropy(bc, src)
	if quality == QualityNone {
		if cfg.RequireEntropy {
			return 0, QualityNone, &reloc.Error{Err: reloc.ErrEntropyUnavailable, Index: -1}
		}
		// Documented fallback: boot proceeds unrandomized rather than not
		// at all.
		return 0, QualityNone, nil
	}

	slot := random % slots
	slotBase := cfg.Range.Start + slot*cfg.Alignment
	slide := reloc.Slide(int64(slotBase) - int64(bc.VirtBase))
	return slide, quality, nil
}

// acquireEntropy asks the source once and retries exactly once before
// degrading. It never blocks beyond those two bounded attempts.
func acquireEntropy(bc *boot.Context, src EntropySource) (uint64, EntropyQuality) {
	if src == nil {
		return 0, QualityNone
	}
	seed := seedFromContext(bc)
	random, quality := src(seed)
	if quality == QualityNone {
		random, quality = src(seed ^ 0x9E37_79B9_7F4A_7C15)
	}
	return random, quality
}

func seedFromContext(bc *boot.Context) uint64 {
	m := NewMixer(0)
	m.Mix(bc.PhysBase)
	m.Mix(bc.VirtBase)
	m.Mix(bc.ImageSize)
	return m.Finalize()
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
