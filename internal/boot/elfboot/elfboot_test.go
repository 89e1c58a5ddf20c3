package elfboot

import (
	"errors"
	"testing"

	"github.com/helixboot/kreloc/internal/boot"
	"github.com/helixboot/kreloc/internal/boot/image"
	"github.com/helixboot/kreloc/internal/boot/imagebuild"
	"github.com/helixboot/kreloc/internal/boot/reloc"
)

const testBase = uint64(0x40_0000)

func parseTestImage(t *testing.T) *image.View {
	t.Helper()
	b := &imagebuild.Builder{LinkBase: testBase}
	b.AddSegment(imagebuild.Segment{Vaddr: testBase + 0x1000, Data: make([]byte, 0x200), Executable: true})
	out, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	v, err := image.Parse(out)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return v
}

func TestNewBootContext(t *testing.T) {
	v := parseTestImage(t)

	bc, err := NewBootContext(v, Options{
		PhysBase:        0x10_0000,
		UsableRanges:    []boot.AddressRange{{Start: testBase, End: testBase + 0x1000_0000}},
		HardwareEntropy: true,
		Cmdline:         "console=ttyS0",
	})
	if err != nil {
		t.Fatalf("NewBootContext: %v", err)
	}

	if bc.Protocol != boot.ProtocolNativeELF {
		t.Errorf("Protocol = %v", bc.Protocol)
	}
	if bc.VirtBase != v.LinkBase() {
		t.Errorf("VirtBase = %#x, want %#x", bc.VirtBase, v.LinkBase())
	}
	if bc.ImageSize != v.MemorySpan() {
		t.Errorf("ImageSize = %#x, want %#x", bc.ImageSize, v.MemorySpan())
	}
	if !bc.HardwareEntropy || bc.Cmdline != "console=ttyS0" {
		t.Errorf("loader facts not carried through: %+v", bc)
	}
}

func TestNewBootContextRejectsBadRanges(t *testing.T) {
	v := parseTestImage(t)

	_, err := NewBootContext(v, Options{
		UsableRanges: []boot.AddressRange{{Start: 0x2000, End: 0x1000}},
	})
	if !errors.Is(err, reloc.ErrInvalidLayout) {
		t.Fatalf("NewBootContext = %v, want ErrInvalidLayout", err)
	}
}
