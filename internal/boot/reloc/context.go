package reloc

import (
	"github.com/helixboot/kreloc/internal/boot"
)

// Context is the validated, immutable relocation plan: where the image was
// linked, where it will run, and the bounds every write must respect. Once
// built it is never mutated; the engine only reads it.
type Context struct {
	linkBase    uint64
	runtimeBase uint64
	slide       Slide
	imageSize   uint64
	entryPoint  uint64
	relocCount  int
}

// LinkBase returns the link-time virtual base of the image.
func (c Context) LinkBase() uint64 { return c.linkBase }

// RuntimeBase returns the virtual base the image will execute at.
func (c Context) RuntimeBase() uint64 { return c.runtimeBase }

// Slide returns the delta between link base and runtime base.
func (c Context) Slide() Slide { return c.slide }

// ImageSize returns the resident size of the image in bytes.
func (c Context) ImageSize() uint64 { return c.imageSize }

// EntryPoint returns the link-time entry point.
func (c Context) EntryPoint() uint64 { return c.entryPoint }

// RelocCount returns the number of relocation entries covered by the plan.
func (c Context) RelocCount() int { return c.relocCount }

// Translate maps a link-time address to its runtime address.
func (c Context) Translate(linked uint64) uint64 {
	return uint64(int64(linked) + int64(c.slide))
}

// Builder combines image metadata with a chosen slide into a Context. The
// build is pure: identical inputs always produce bit-identical contexts.
type Builder struct {
	img   Image
	bc    *boot.Context
	slide Slide
}

// NewBuilder starts a plan for the given image and boot environment.
func NewBuilder(img Image, bc *boot.Context) *Builder {
	return &Builder{img: img, bc: bc}
}

// WithSlide sets the slide the plan will be validated against.
func (b *Builder) WithSlide(s Slide) *Builder {
	b.slide = s
	return b
}

// Build validates the plan and freezes it. The link base is the lowest
// loadable segment's virtual address; every segment must still fit inside a
// usable range after sliding, and the entry point must lie within the image.
func (b *Builder) Build() (Context, error) {
	if err := b.bc.Validate(); err != nil {
		return Context{}, errf(ErrInvalidLayout, "boot context: %v", err)
	}

	n := b.img.NumSegments()
	if n == 0 {
		return Context{}, errf(ErrInvalidLayout, "image has no loadable segments")
	}

	linkBase, err := lowestSegmentBase(b.img)
	if err != nil {
		return Context{}, err
	}

	runtimeBase := uint64(int64(linkBase) + int64(b.slide))

	for i := 0; i < n; i++ {
		seg, err := b.img.Segment(i)
		if err != nil {
			return Context{}, err
		}
		segRuntime := uint64(int64(seg.Vaddr) + int64(b.slide))
		if _, ok := b.bc.RangeFor(segRuntime, seg.MemSize); !ok {
			return Context{}, &Error{
				Err:    ErrInvalidLayout,
				Index:  -1,
				Addr:   segRuntime,
				Detail: "segment does not fit any usable range after slide",
			}
		}
	}

	entry := b.img.EntryPoint()
	if entry < linkBase || entry >= linkBase+b.bc.ImageSize {
		return Context{}, &Error{
			Err:    ErrInvalidLayout,
			Index:  -1,
			Addr:   entry,
			Detail: "entry point outside image",
		}
	}

	return Context{
		linkBase:    linkBase,
		runtimeBase: runtimeBase,
		slide:       b.slide,
		imageSize:   b.bc.ImageSize,
		entryPoint:  entry,
		relocCount:  b.img.NumRelocations(),
	}, nil
}

func lowestSegmentBase(img Image) (uint64, error) {
	var base uint64
	for i := 0; i < img.NumSegments(); i++ {
		seg, err := img.Segment(i)
		if err != nil {
			return 0, err
		}
		if i == 0 || seg.Vaddr < base {
			base = seg.Vaddr
		}
	}
	return base, nil
}

// ValidateContext performs the post-build sanity checks the boot diagnostics
// run before handing the plan to kernel init: a non-empty image and a slide
// magnitude that fits the canonical address space.
func ValidateContext(c Context) error {
	const maxSlide = int64(1) << 40
	if c.imageSize == 0 {
		return errf(ErrInvalidLayout, "image size is zero")
	}
	s := int64(c.slide)
	if s < 0 {
		s = -s
	}
	if s > maxSlide {
		return errf(ErrInvalidLayout, "slide %#x exceeds limit %#x", int64(c.slide), maxSlide)
	}
	return nil
}
