package reloc

import (
	"fmt"
	"strings"
)

// Stats summarizes one engine run for the boot-time diagnostic line.
type Stats struct {
	// Total is the number of relocation entries processed.
	Total int
	// Relative counts base-relative entries.
	Relative int
	// Absolute counts symbol-resolving entries, including GOT/PLT slots.
	Absolute int
	// None counts explicit no-op entries.
	None int
	// Skipped counts unrecognized entries passed over under the
	// skip-and-warn policy.
	Skipped int
	// Cycles is the elapsed cycle count of the run.
	Cycles uint64
	// RuntimeBase is the virtual base the image was relocated to.
	RuntimeBase uint64
}

// Applied returns the number of entries that resulted in a write.
func (s Stats) Applied() int {
	return s.Relative + s.Absolute
}

func (s Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "relocated %d entries to base %#x", s.Total, s.RuntimeBase)
	fmt.Fprintf(&b, " (relative %d, absolute %d, none %d", s.Relative, s.Absolute, s.None)
	if s.Skipped > 0 {
		fmt.Fprintf(&b, ", skipped %d", s.Skipped)
	}
	fmt.Fprintf(&b, ", %d cycles)", s.Cycles)
	return b.String()
}

// x86-64 relocation type values as they appear in the raw entry tables.
// Adapters map these onto the normalized kinds; the raw value is kept on the
// entry so an unsupported-type diagnostic can name what it saw.
const (
	RawNone     = 0
	RawAbs64    = 1
	RawGlobDat  = 6
	RawJumpSlot = 7
	RawRelative = 8
)

var rawTypeNames = map[uint32]string{
	RawNone:     "R_X86_64_NONE",
	RawAbs64:    "R_X86_64_64",
	2:           "R_X86_64_PC32",
	4:           "R_X86_64_PLT32",
	5:           "R_X86_64_COPY",
	RawGlobDat:  "R_X86_64_GLOB_DAT",
	RawJumpSlot: "R_X86_64_JUMP_SLOT",
	RawRelative: "R_X86_64_RELATIVE",
	9:           "R_X86_64_GOTPCREL",
	10:          "R_X86_64_32",
	11:          "R_X86_64_32S",
	24:          "R_X86_64_PC64",
}

// KindName returns the conventional name for a raw x86-64 relocation type.
func KindName(raw uint32) string {
	if name, ok := rawTypeNames[raw]; ok {
		return name
	}
	return fmt.Sprintf("R_X86_64_UNKNOWN(%d)", raw)
}
