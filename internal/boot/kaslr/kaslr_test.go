package kaslr

import (
	"errors"
	"testing"

	"github.com/helixboot/kreloc/internal/boot"
	"github.com/helixboot/kreloc/internal/boot/reloc"
)

const (
	testBase  = uint64(0xFFFF_FFFF_8000_0000)
	testAlign = uint64(0x20_0000)
)

func testConfig() Config {
	return Config{
		Enabled:   true,
		Alignment: testAlign,
		Range:     boot.AddressRange{Start: testBase, End: testBase + 0x4000_0000},
	}
}

func testBootContext(imageSize uint64) *boot.Context {
	return &boot.Context{
		VirtBase:  testBase,
		ImageSize: imageSize,
		UsableRanges: []boot.AddressRange{
			{Start: testBase, End: testBase + 0x4000_0000},
		},
	}
}

func TestNumSlots(t *testing.T) {
	cfg := testConfig()
	tests := []struct {
		imageSize uint64
		want      uint64
	}{
		// 1 GiB window, 2 MiB slots: 512 raw slots minus the image footprint.
		{0x20_0000, 511},
		{0x20_0001, 510}, // rounds up to two slots
		{0x1000, 511},
		{0x4000_0000, 0},     // fills the window exactly
		{0x4000_0000 + 1, 0}, // exceeds it
	}
	for _, tt := range tests {
		if got := cfg.NumSlots(tt.imageSize); got != tt.want {
			t.Errorf("NumSlots(%#x) = %d, want %d", tt.imageSize, got, tt.want)
		}
	}
}

func TestComputeSlideDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	slide, quality, err := ComputeSlide(testBootContext(0x20_0000), cfg, FixedSource(99, QualityHardware))
	if err != nil {
		t.Fatalf("ComputeSlide: %v", err)
	}
	if slide != 0 || quality != QualityNone {
		t.Errorf("slide = %#x quality = %s, want identity", int64(slide), quality)
	}
}

func TestComputeSlideAlignedAndInRange(t *testing.T) {
	cfg := testConfig()
	bc := testBootContext(0x50_0000)
	slots := cfg.NumSlots(bc.ImageSize)

	for _, raw := range []uint64{0, 1, 7, slots - 1, slots, slots*3 + 5} {
		slide, quality, err := ComputeSlide(bc, cfg, FixedSource(raw, QualityHardware))
		if err != nil {
			t.Fatalf("ComputeSlide(%d): %v", raw, err)
		}
		if quality != QualityHardware {
			t.Errorf("quality = %s, want hardware", quality)
		}
		if uint64(slide)%cfg.Alignment != 0 {
			t.Errorf("slide %#x not %#x-aligned", int64(slide), cfg.Alignment)
		}
		base := uint64(int64(bc.VirtBase) + int64(slide))
		end := base + alignUp(bc.ImageSize, cfg.Alignment)
		if base < cfg.Range.Start || end > cfg.Range.End {
			t.Errorf("raw %d: image [%#x, %#x) escapes range [%#x, %#x)",
				raw, base, end, cfg.Range.Start, cfg.Range.End)
		}
	}
}

func TestComputeSlideDeterministic(t *testing.T) {
	cfg := testConfig()
	bc := testBootContext(0x50_0000)
	src := FixedSource(0xCAFE, QualityHardware)

	a, _, err := ComputeSlide(bc, cfg, src)
	if err != nil {
		t.Fatalf("ComputeSlide: %v", err)
	}
	b, _, err := ComputeSlide(bc, cfg, src)
	if err != nil {
		t.Fatalf("ComputeSlide: %v", err)
	}
	if a != b {
		t.Errorf("same entropy produced different slides: %#x vs %#x", int64(a), int64(b))
	}
}

func TestComputeSlideInsufficientAddressSpace(t *testing.T) {
	cfg := testConfig()
	_, _, err := ComputeSlide(testBootContext(0x4000_0000), cfg, FixedSource(1, QualityHardware))
	if !errors.Is(err, reloc.ErrInsufficientAddressSpace) {
		t.Fatalf("ComputeSlide = %v, want ErrInsufficientAddressSpace", err)
	}
}

func TestComputeSlideMinEntropyBits(t *testing.T) {
	cfg := testConfig()
	cfg.MinEntropyBits = 10 // 511 slots gives 9 bits

	_, _, err := ComputeSlide(testBootContext(0x20_0000), cfg, FixedSource(1, QualityHardware))
	if !errors.Is(err, reloc.ErrInsufficientAddressSpace) {
		t.Fatalf("ComputeSlide = %v, want ErrInsufficientAddressSpace", err)
	}

	cfg.MinEntropyBits = 9
	if _, _, err := ComputeSlide(testBootContext(0x20_0000), cfg, FixedSource(1, QualityHardware)); err != nil {
		t.Fatalf("ComputeSlide with satisfiable minimum: %v", err)
	}
}

func TestComputeSlideMisalignedLinkBase(t *testing.T) {
	cfg := testConfig()
	bc := testBootContext(0x20_0000)
	bc.VirtBase = testBase + 0x1000
	_, _, err := ComputeSlide(bc, cfg, FixedSource(1, QualityHardware))
	if !errors.Is(err, reloc.ErrInvalidLayout) {
		t.Fatalf("ComputeSlide = %v, want ErrInvalidLayout", err)
	}
}

func TestComputeSlideEntropyFallback(t *testing.T) {
	cfg := testConfig()
	bc := testBootContext(0x20_0000)

	slide, quality, err := ComputeSlide(bc, cfg, FixedSource(0, QualityNone))
	if err != nil {
		t.Fatalf("ComputeSlide: %v", err)
	}
	if slide != 0 || quality != QualityNone {
		t.Errorf("degraded run = slide %#x quality %s, want identity", int64(slide), quality)
	}

	cfg.RequireEntropy = true
	_, _, err = ComputeSlide(bc, cfg, FixedSource(0, QualityNone))
	if !errors.Is(err, reloc.ErrEntropyUnavailable) {
		t.Fatalf("required entropy = %v, want ErrEntropyUnavailable", err)
	}
}

func TestComputeSlideRetriesOnce(t *testing.T) {
	cfg := testConfig()
	bc := testBootContext(0x20_0000)

	calls := 0
	flaky := func(seed uint64) (uint64, EntropyQuality) {
		calls++
		if calls == 1 {
			return 0, QualityNone
		}
		return 42, QualityLow
	}

	slide, quality, err := ComputeSlide(bc, cfg, flaky)
	if err != nil {
		t.Fatalf("ComputeSlide: %v", err)
	}
	if calls != 2 {
		t.Errorf("source called %d times, want 2", calls)
	}
	if quality != QualityLow {
		t.Errorf("quality = %s, want low", quality)
	}
	if want := reloc.Slide(42 % cfg.NumSlots(bc.ImageSize) * cfg.Alignment); slide != want {
		t.Errorf("slide = %#x, want %#x", int64(slide), int64(want))
	}
}

func TestComputeSlideNilSource(t *testing.T) {
	slide, quality, err := ComputeSlide(testBootContext(0x20_0000), testConfig(), nil)
	if err != nil {
		t.Fatalf("ComputeSlide: %v", err)
	}
	if slide != 0 || quality != QualityNone {
		t.Errorf("nil source = slide %#x quality %s, want identity", int64(slide), quality)
	}
}

func TestComputeSlideInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Alignment = 0x30_0000 // not a power of two
	_, _, err := ComputeSlide(testBootContext(0x20_0000), cfg, FixedSource(1, QualityHardware))
	if !errors.Is(err, reloc.ErrInvalidLayout) {
		t.Fatalf("ComputeSlide = %v, want ErrInvalidLayout", err)
	}
}
