// Package elfboot is the native-loader-side adapter: it normalizes a
// resident ELF image plus the loader's memory map into the shared boot
// context shape.
package elfboot

import (
	"github.com/helixboot/kreloc/internal/boot"
	"github.com/helixboot/kreloc/internal/boot/image"
	"github.com/helixboot/kreloc/internal/boot/reloc"
)

// Options carries the environment facts only the loader knows.
type Options struct {
	// PhysBase is the physical address the image was loaded at.
	PhysBase uint64
	// UsableRanges is the loader's usable-memory map, sorted and
	// non-overlapping.
	UsableRanges []boot.AddressRange
	// HardwareEntropy reports whether the platform advertises a hardware RNG.
	HardwareEntropy bool
	// Cmdline is the kernel command line, if any.
	Cmdline string
}

// NewBootContext derives a boot context from the parsed image and the
// loader-supplied facts.
func NewBootContext(v *image.View, opts Options) (*boot.Context, error) {
	bc := &boot.Context{
		Protocol:        boot.ProtocolNativeELF,
		PhysBase:        opts.PhysBase,
		VirtBase:        v.LinkBase(),
		ImageSize:       v.MemorySpan(),
		UsableRanges:    opts.UsableRanges,
		HardwareEntropy: opts.HardwareEntropy,
		Cmdline:         opts.Cmdline,
	}
	if err := bc.Validate(); err != nil {
		return nil, &reloc.Error{Err: reloc.ErrInvalidLayout, Index: -1, Detail: err.Error()}
	}
	return bc, nil
}
