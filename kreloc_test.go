package kreloc_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/helixboot/kreloc"
	"github.com/helixboot/kreloc/internal/boot"
	"github.com/helixboot/kreloc/internal/boot/imagebuild"
	"github.com/helixboot/kreloc/internal/boot/kaslr"
	"github.com/helixboot/kreloc/internal/boot/reloc"
)

const testBase = uint64(0x40_0000)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// buildKernel emits a three-segment PIE (text, rodata, data) with five
// base-relative slots and two symbol-resolving slots in its data segment.
func buildKernel(t *testing.T) []byte {
	t.Helper()

	b := &imagebuild.Builder{LinkBase: testBase}
	b.AddSegment(imagebuild.Segment{Vaddr: testBase + 0x1000, Data: make([]byte, 0x200), Executable: true})
	b.AddSegment(imagebuild.Segment{Vaddr: testBase + 0x2000, Data: make([]byte, 0x100)})
	b.AddSegment(imagebuild.Segment{Vaddr: testBase + 0x3000, Data: make([]byte, 0x1000), Writable: true})

	for i := uint64(0); i < 5; i++ {
		b.AddRelocation(imagebuild.Relocation{
			Offset: testBase + 0x3000 + i*8,
			Type:   reloc.RawRelative,
			Addend: int64(testBase + 0x1000 + i*0x10),
		})
	}
	defined := b.AddSymbol(imagebuild.Symbol{Value: testBase + 0x1100})
	weak := b.AddSymbol(imagebuild.Symbol{Weak: true, Undefined: true})
	b.AddRelocation(imagebuild.Relocation{Offset: testBase + 0x3100, Type: reloc.RawAbs64, Sym: defined})
	b.AddRelocation(imagebuild.Relocation{Offset: testBase + 0x3108, Type: reloc.RawGlobDat, Sym: weak})

	out, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	return out
}

func bootContext(cmdline string) *boot.Context {
	return &boot.Context{
		Protocol:        boot.ProtocolNativeELF,
		PhysBase:        0x10_0000,
		VirtBase:        testBase,
		ImageSize:       0x4000,
		UsableRanges:    []boot.AddressRange{{Start: testBase, End: testBase + 0x1000_0000}},
		HardwareEntropy: true,
		Cmdline:         cmdline,
	}
}

func testKaslrConfig() kaslr.Config {
	return kaslr.Config{
		Enabled:   true,
		Alignment: 0x20_0000,
		Range:     boot.AddressRange{Start: testBase + 0x3A0_0000, End: testBase + 0x7A0_0000},
	}
}

func slot(mem []byte, off uint64) uint64 {
	return binary.LittleEndian.Uint64(mem[off:])
}

func TestRelocateRandomized(t *testing.T) {
	mem := buildKernel(t)
	cfg := testKaslrConfig()

	res, err := kreloc.Relocate(mem, bootContext(""), kreloc.Options{
		Kaslr:   cfg,
		Entropy: kaslr.FixedSource(3, kaslr.QualityHardware),
		Logger:  quiet,
	})
	if err != nil {
		t.Fatalf("Relocate: %v", err)
	}

	// 31 slots, slot 3: range start plus three slots above the link base.
	wantSlide := reloc.Slide(0x400_0000)
	if res.Context.Slide() != wantSlide {
		t.Fatalf("Slide = %#x, want %#x", int64(res.Context.Slide()), int64(wantSlide))
	}
	if res.Strategy != kaslr.StrategyRandomized || res.Quality != kaslr.QualityHardware {
		t.Errorf("strategy = %v quality = %s", res.Strategy, res.Quality)
	}
	if want := testBase + uint64(wantSlide); res.Stats.RuntimeBase != want {
		t.Errorf("RuntimeBase = %#x, want %#x", res.Stats.RuntimeBase, want)
	}
	if res.Stats.Relative != 5 || res.Stats.Absolute != 2 || res.Stats.Total != 7 {
		t.Errorf("stats = %+v, want 5 relative + 2 absolute", res.Stats)
	}

	for i := uint64(0); i < 5; i++ {
		want := testBase + 0x1000 + i*0x10 + uint64(wantSlide)
		if got := slot(mem, 0x3000+i*8); got != want {
			t.Errorf("relative slot %d = %#x, want %#x", i, got, want)
		}
	}
	if got, want := slot(mem, 0x3100), testBase+0x1100+uint64(wantSlide); got != want {
		t.Errorf("absolute slot = %#x, want %#x", got, want)
	}
	if got := slot(mem, 0x3108); got != 0 {
		t.Errorf("weak undefined slot = %#x, want 0", got)
	}
}

func TestRelocateNokaslr(t *testing.T) {
	mem := buildKernel(t)
	before := bytes.Clone(mem)

	res, err := kreloc.Relocate(mem, bootContext("root=/dev/vda nokaslr"), kreloc.Options{
		Kaslr:   testKaslrConfig(),
		Entropy: kaslr.FixedSource(3, kaslr.QualityHardware),
		Logger:  quiet,
	})
	if err != nil {
		t.Fatalf("Relocate: %v", err)
	}

	if res.Strategy != kaslr.StrategyIdentity || res.Context.Slide() != 0 {
		t.Errorf("strategy = %v slide = %#x, want identity", res.Strategy, int64(res.Context.Slide()))
	}
	if !bytes.Equal(mem, before) {
		t.Error("identity relocation modified the image")
	}
	if res.Stats.Total != 7 {
		t.Errorf("Total = %d, want 7; identity still walks the table", res.Stats.Total)
	}
}

func TestRelocateForcedSlide(t *testing.T) {
	mem := buildKernel(t)

	res, err := kreloc.Relocate(mem, bootContext("kaslr_slide=0x400000"), kreloc.Options{
		Kaslr:  testKaslrConfig(),
		Logger: quiet,
	})
	if err != nil {
		t.Fatalf("Relocate: %v", err)
	}

	if res.Strategy != kaslr.StrategyFixed {
		t.Fatalf("strategy = %v, want fixed", res.Strategy)
	}
	if want := testBase + 0x40_0000; res.Context.RuntimeBase() != want {
		t.Errorf("RuntimeBase = %#x, want %#x", res.Context.RuntimeBase(), want)
	}
	if got, want := slot(mem, 0x3000), testBase+0x1000+0x40_0000; got != want {
		t.Errorf("slot = %#x, want %#x", got, want)
	}
}

func TestRelocateNoRoom(t *testing.T) {
	mem := buildKernel(t)
	cfg := testKaslrConfig()
	cfg.Range = boot.AddressRange{Start: testBase + 0x3A0_0000, End: testBase + 0x3C0_0000}

	_, err := kreloc.Relocate(mem, bootContext(""), kreloc.Options{
		Kaslr:   cfg,
		Entropy: kaslr.FixedSource(3, kaslr.QualityHardware),
		Logger:  quiet,
	})
	if !errors.Is(err, reloc.ErrInsufficientAddressSpace) {
		t.Fatalf("Relocate = %v, want ErrInsufficientAddressSpace", err)
	}
}

func TestRelocateMalformedImage(t *testing.T) {
	_, err := kreloc.Relocate(make([]byte, 16), bootContext(""), kreloc.Options{Logger: quiet})
	if !errors.Is(err, reloc.ErrMalformedImage) {
		t.Fatalf("Relocate = %v, want ErrMalformedImage", err)
	}
}

func TestRelocateEntryAliasingRelocationTable(t *testing.T) {
	// A structurally valid image whose first entry targets the second
	// entry's r_offset field inside the relocation table. The plan must be
	// decoded and bounds-checked before any write lands, so the clobbered
	// table bytes cannot redirect the second write.
	b := &imagebuild.Builder{LinkBase: testBase}
	b.AddSegment(imagebuild.Segment{Vaddr: testBase + 0x1000, Data: make([]byte, 0x200), Executable: true})

	// With one payload segment and no symbols the emitted relocation table
	// starts at file offset 176, so entry 1's r_offset field sits at 200.
	const tableSlot = 200
	const garbage = int64(0x4141414141410000)
	b.AddRelocation(imagebuild.Relocation{
		Offset: testBase + tableSlot,
		Type:   reloc.RawRelative,
		Addend: garbage,
	})
	b.AddRelocation(imagebuild.Relocation{
		Offset: testBase + 0x1000,
		Type:   reloc.RawRelative,
		Addend: int64(testBase + 0x500),
	})

	mem, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	bc := bootContext("kaslr_slide=0x200000")
	bc.ImageSize = 0x1200

	res, err := kreloc.Relocate(mem, bc, kreloc.Options{
		Kaslr:  testKaslrConfig(),
		Logger: quiet,
	})
	if err != nil {
		t.Fatalf("Relocate: %v", err)
	}

	const slide = uint64(0x20_0000)
	if res.Stats.Relative != 2 {
		t.Errorf("Relative = %d, want 2", res.Stats.Relative)
	}
	// Entry 1 must land at its original, validated offset.
	if got, want := slot(mem, 0x1000), testBase+0x500+slide; got != want {
		t.Errorf("payload slot = %#x, want %#x", got, want)
	}
	// Entry 0 did clobber the table bytes, after the plan was staged.
	if got, want := slot(mem, tableSlot), uint64(garbage)+slide; got != want {
		t.Errorf("table slot = %#x, want %#x", got, want)
	}
}

func TestRelocateDegradedEntropy(t *testing.T) {
	mem := buildKernel(t)
	before := bytes.Clone(mem)

	res, err := kreloc.Relocate(mem, bootContext(""), kreloc.Options{
		Kaslr:   testKaslrConfig(),
		Entropy: kaslr.FixedSource(0, kaslr.QualityNone),
		Logger:  quiet,
	})
	if err != nil {
		t.Fatalf("Relocate: %v", err)
	}
	if res.Context.Slide() != 0 || res.Quality != kaslr.QualityNone {
		t.Errorf("degraded run = slide %#x quality %s", int64(res.Context.Slide()), res.Quality)
	}
	if !bytes.Equal(mem, before) {
		t.Error("degraded run modified the image")
	}
}
