// Package reloc rewrites the relocation entries of a resident kernel image so
// code and data references are correct at the chosen load address. It runs
// before any allocator or fault handler exists, so every input is a borrowed
// view over already-resident bytes and every write is bounds checked first.
package reloc

import "fmt"

// Slide is the signed delta between the link-time virtual base and the
// runtime virtual base. It is always a multiple of the configured alignment.
type Slide int64

// Kind classifies a relocation entry after the loader-specific adapter has
// normalized it. The engine only ever sees these kinds; it never inspects the
// container format the entry came from.
type Kind int

const (
	// KindNone is a no-op entry. It is counted but never written.
	KindNone Kind = iota
	// KindRelative rewrites the target with its link-time value plus the slide.
	KindRelative
	// KindAbsolute resolves a symbol and writes its slid value plus the addend.
	// This covers direct symbol references as well as GOT/PLT-style slots.
	KindAbsolute
	// KindUnknown is an entry the adapter could not classify. The engine fails
	// fast on these unless the skip-and-warn policy is explicitly enabled.
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindRelative:
		return "relative"
	case KindAbsolute:
		return "absolute"
	case KindUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Entry is one normalized relocation record. Offset is the byte offset of the
// 8-byte target slot within the resident image, not a virtual address; the
// adapter that produced the entry already subtracted the link base.
type Entry struct {
	Offset  uint64
	Kind    Kind
	RawType uint32
	Sym     uint32
	Addend  int64
}

// Binding describes how a symbol referenced by an absolute entry resolves.
type Binding int

const (
	// BindDefined is a symbol with a concrete value inside the image.
	BindDefined Binding = iota
	// BindWeakUndef is a weak symbol with no definition; its slots get zero.
	BindWeakUndef
	// BindStrongUndef is a required symbol with no definition; fatal.
	BindStrongUndef
)

func (b Binding) String() string {
	switch b {
	case BindDefined:
		return "defined"
	case BindWeakUndef:
		return "weak-undefined"
	case BindStrongUndef:
		return "strong-undefined"
	default:
		return fmt.Sprintf("binding(%d)", int(b))
	}
}

// Symbol is the resolved value and binding of one symbol table entry.
type Symbol struct {
	Value   uint64
	Binding Binding
}

// Segment is one loadable region of the image.
type Segment struct {
	Vaddr      uint64
	Off        uint64
	FileSize   uint64
	MemSize    uint64
	Writable   bool
	Executable bool
}

// Image is the read-only metadata surface the engine and builder need from a
// parsed image. All accessors bounds check against the image extent before
// returning data; an out-of-range request is a MalformedImage error, never a
// wild read.
type Image interface {
	// NumSegments returns the number of loadable segments.
	NumSegments() int
	// Segment returns the i-th loadable segment in ascending address order.
	Segment(i int) (Segment, error)
	// EntryPoint returns the link-time entry point virtual address.
	EntryPoint() uint64
	// NumRelocations returns the number of relocation entries.
	NumRelocations() int
	// RelocationAt decodes the i-th relocation entry. The sequence is backed
	// by the static table and may be walked any number of times.
	RelocationAt(i int) (Entry, error)
	// SymbolAt resolves the symbol at the given table index.
	SymbolAt(idx uint32) (Symbol, error)
}
