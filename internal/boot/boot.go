// Package boot holds the normalized view of the boot environment shared by
// the relocation engine and the protocol adapters that feed it.
package boot

import (
	"errors"
	"fmt"
)

// Protocol identifies which loader produced the boot environment. The
// relocation core never branches on it; it exists so diagnostics can say
// where a context came from.
type Protocol int

const (
	// ProtocolNativeELF is the native loader handing over a resident ELF image.
	ProtocolNativeELF Protocol = iota
	// ProtocolUEFIPE is the UEFI loader handing over a resident PE32+ image.
	ProtocolUEFIPE
)

func (p Protocol) String() string {
	switch p {
	case ProtocolNativeELF:
		return "native-elf"
	case ProtocolUEFIPE:
		return "uefi-pe"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

// AddressRange is a half-open range [Start, End) of usable addresses.
type AddressRange struct {
	Start uint64
	End   uint64
}

// Size returns the number of bytes covered by the range.
func (r AddressRange) Size() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Contains reports whether [addr, addr+size) lies entirely within the range.
func (r AddressRange) Contains(addr, size uint64) bool {
	if addr < r.Start {
		return false
	}
	end := addr + size
	if end < addr {
		// Wrapped.
		return false
	}
	return end <= r.End
}

// Context is a snapshot of the boot environment, produced once per boot by a
// protocol adapter and treated as read-only afterwards.
type Context struct {
	// Protocol records which adapter produced this context.
	Protocol Protocol
	// PhysBase is the physical address the image currently resides at.
	PhysBase uint64
	// VirtBase is the link-time (default) virtual base of the image.
	VirtBase uint64
	// ImageSize is the total resident size of the image in bytes.
	ImageSize uint64
	// UsableRanges lists usable address ranges, sorted and non-overlapping.
	UsableRanges []AddressRange
	// HardwareEntropy reports whether a hardware RNG is available.
	HardwareEntropy bool
	// Cmdline is the kernel command line, if the loader passed one.
	Cmdline string
}

// Validate checks the structural invariants of the context: a non-empty
// image and a sorted, non-overlapping usable range list.
func (c *Context) Validate() error {
	if c.ImageSize == 0 {
		return errors.New("image size is zero")
	}
	for i, r := range c.UsableRanges {
		if r.End <= r.Start {
			return fmt.Errorf("usable range %d is empty or inverted: [%#x, %#x)", i, r.Start, r.End)
		}
		if i > 0 && r.Start < c.UsableRanges[i-1].End {
			return fmt.Errorf("usable range %d overlaps or precedes range %d", i, i-1)
		}
	}
	return nil
}

// RangeFor returns the usable range that fully contains [addr, addr+size).
func (c *Context) RangeFor(addr, size uint64) (AddressRange, bool) {
	for _, r := range c.UsableRanges {
		if r.Contains(addr, size) {
			return r, true
		}
	}
	return AddressRange{}, false
}
