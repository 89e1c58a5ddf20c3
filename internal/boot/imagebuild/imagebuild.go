// Package imagebuild emits small position-independent ELF64 images with a
// dynamic symbol table and a .rela.dyn relocation table. It exists for tests
// and for the CLI's self-test mode; it is not a general linker.
//
// The emitted layout mirrors a loaded kernel: the ELF header, program
// headers, and tables live in a leading 4 KiB headers segment mapped at the
// link base, and every segment's file offset equals its distance from the
// link base. The file bytes therefore double as the resident image.
package imagebuild

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	ehdrSize = 64
	phdrSize = 56
	shdrSize = 64
	relaSize = 24
	symSize  = 24

	headerSpan = 0x1000
)

// Segment is one loadable region of the emitted image.
type Segment struct {
	// Vaddr is the segment's virtual address; must be at least one header
	// span above the link base.
	Vaddr uint64
	// Data is the file-backed content.
	Data []byte
	// MemSize is the in-memory size; zero means len(Data).
	MemSize uint64
	// Writable and Executable set the segment permission flags.
	Writable   bool
	Executable bool
}

// Symbol is one dynamic symbol table entry.
type Symbol struct {
	Value     uint64
	Weak      bool
	Undefined bool
}

// Relocation is one .rela.dyn entry. Offset is a virtual address; the
// relocation table stores it as-is.
type Relocation struct {
	Offset uint64
	Type   uint32
	Sym    uint32
	Addend int64
}

// Builder accumulates the image description.
type Builder struct {
	// LinkBase is the link-time virtual base. The headers segment is mapped
	// here.
	LinkBase uint64
	// Entry is the entry point; zero defaults to the first segment's base.
	Entry uint64

	segments []Segment
	symbols  []Symbol
	relocs   []Relocation
}

// AddSegment appends a loadable segment.
func (b *Builder) AddSegment(seg Segment) *Builder {
	b.segments = append(b.segments, seg)
	return b
}

// AddSymbol appends a dynamic symbol and returns its table index.
func (b *Builder) AddSymbol(sym Symbol) uint32 {
	b.symbols = append(b.symbols, sym)
	return uint32(len(b.symbols) - 1)
}

// AddRelocation appends a relocation entry.
func (b *Builder) AddRelocation(r Relocation) *Builder {
	b.relocs = append(b.relocs, r)
	return b
}

// Bytes lays out and emits the image.
func (b *Builder) Bytes() ([]byte, error) {
	if len(b.segments) == 0 {
		return nil, fmt.Errorf("image has no segments")
	}

	segs := append([]Segment(nil), b.segments...)
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].Vaddr < segs[j].Vaddr })

	span := uint64(headerSpan)
	for i := range segs {
		if segs[i].MemSize == 0 {
			segs[i].MemSize = uint64(len(segs[i].Data))
		}
		if segs[i].MemSize < uint64(len(segs[i].Data)) {
			return nil, fmt.Errorf("segment @%#x mem size %#x smaller than data", segs[i].Vaddr, segs[i].MemSize)
		}
		if segs[i].Vaddr < b.LinkBase+headerSpan {
			return nil, fmt.Errorf("segment @%#x overlaps the headers segment", segs[i].Vaddr)
		}
		if end := segs[i].Vaddr - b.LinkBase + segs[i].MemSize; end > span {
			span = end
		}
	}

	phNum := 1 + len(segs)

	strtab := []byte("\x00.dynsym\x00.rela.dyn\x00.shstrtab\x00")
	const (
		nameDynsym   = 1
		nameRelaDyn  = 9
		nameShstrtab = 19
	)

	cursor := ehdrSize + phNum*phdrSize
	dynsymOff := align8(cursor)
	cursor = dynsymOff + len(b.symbols)*symSize
	relaOff := align8(cursor)
	cursor = relaOff + len(b.relocs)*relaSize
	strtabOff := cursor
	cursor += len(strtab)
	shOff := align8(cursor)
	cursor = shOff + 4*shdrSize
	if cursor > headerSpan {
		return nil, fmt.Errorf("headers and tables need %#x bytes, header span is %#x", cursor, headerSpan)
	}

	out := make([]byte, span)

	entry := b.Entry
	if entry == 0 {
		entry = segs[0].Vaddr
	}
	b.fillHeader(out, entry, phNum, uint64(shOff))

	// Headers segment first, then the payload segments.
	fillPhdr(out[ehdrSize:], elf.PF_R, 0, b.LinkBase, headerSpan, headerSpan)
	for i, seg := range segs {
		flags := elf.PF_R
		if seg.Writable {
			flags |= elf.PF_W
		}
		if seg.Executable {
			flags |= elf.PF_X
		}
		off := seg.Vaddr - b.LinkBase
		fillPhdr(out[ehdrSize+(1+i)*phdrSize:], flags, off, seg.Vaddr, uint64(len(seg.Data)), seg.MemSize)
		copy(out[off:], seg.Data)
	}

	for i, sym := range b.symbols {
		fillSymbol(out[dynsymOff+i*symSize:], sym)
	}
	for i, rel := range b.relocs {
		off := relaOff + i*relaSize
		binary.LittleEndian.PutUint64(out[off:], rel.Offset)
		binary.LittleEndian.PutUint64(out[off+8:], uint64(rel.Sym)<<32|uint64(rel.Type))
		binary.LittleEndian.PutUint64(out[off+16:], uint64(rel.Addend))
	}
	copy(out[strtabOff:], strtab)

	// Section table: null, .dynsym, .rela.dyn, .shstrtab.
	fillShdr(out[shOff+shdrSize:], nameDynsym, elf.SHT_DYNSYM, uint64(dynsymOff), uint64(len(b.symbols)*symSize), symSize)
	fillShdr(out[shOff+2*shdrSize:], nameRelaDyn, elf.SHT_RELA, uint64(relaOff), uint64(len(b.relocs)*relaSize), relaSize)
	fillShdr(out[shOff+3*shdrSize:], nameShstrtab, elf.SHT_STRTAB, uint64(strtabOff), uint64(len(strtab)), 0)

	return out, nil
}

func (b *Builder) fillHeader(out []byte, entry uint64, phNum int, shOff uint64) {
	out[0] = 0x7f
	out[1] = 'E'
	out[2] = 'L'
	out[3] = 'F'
	out[4] = byte(elf.ELFCLASS64)
	out[5] = byte(elf.ELFDATA2LSB)
	out[6] = byte(elf.EV_CURRENT)

	binary.LittleEndian.PutUint16(out[16:], uint16(elf.ET_DYN))
	binary.LittleEndian.PutUint16(out[18:], uint16(elf.EM_X86_64))
	binary.LittleEndian.PutUint32(out[20:], uint32(elf.EV_CURRENT))
	binary.LittleEndian.PutUint64(out[24:], entry)
	binary.LittleEndian.PutUint64(out[32:], ehdrSize)
	binary.LittleEndian.PutUint64(out[40:], shOff)
	binary.LittleEndian.PutUint16(out[52:], ehdrSize)
	binary.LittleEndian.PutUint16(out[54:], phdrSize)
	binary.LittleEndian.PutUint16(out[56:], uint16(phNum))
	binary.LittleEndian.PutUint16(out[58:], shdrSize)
	binary.LittleEndian.PutUint16(out[60:], 4)
	binary.LittleEndian.PutUint16(out[62:], 3)
}

func fillPhdr(buf []byte, flags elf.ProgFlag, off, vaddr, fileSize, memSize uint64) {
	binary.LittleEndian.PutUint32(buf[0:], uint32(elf.PT_LOAD))
	binary.LittleEndian.PutUint32(buf[4:], uint32(flags))
	binary.LittleEndian.PutUint64(buf[8:], off)
	binary.LittleEndian.PutUint64(buf[16:], vaddr)
	binary.LittleEndian.PutUint64(buf[24:], vaddr)
	binary.LittleEndian.PutUint64(buf[32:], fileSize)
	binary.LittleEndian.PutUint64(buf[40:], memSize)
	binary.LittleEndian.PutUint64(buf[48:], headerSpan)
}

func fillSymbol(buf []byte, sym Symbol) {
	bind := elf.STB_GLOBAL
	if sym.Weak {
		bind = elf.STB_WEAK
	}
	shndx := uint16(1)
	if sym.Undefined {
		shndx = uint16(elf.SHN_UNDEF)
	}
	buf[4] = byte(bind)<<4 | byte(elf.STT_OBJECT)
	binary.LittleEndian.PutUint16(buf[6:], shndx)
	binary.LittleEndian.PutUint64(buf[8:], sym.Value)
}

func fillShdr(buf []byte, name uint32, typ elf.SectionType, off, size, entSize uint64) {
	binary.LittleEndian.PutUint32(buf[0:], name)
	binary.LittleEndian.PutUint32(buf[4:], uint32(typ))
	binary.LittleEndian.PutUint64(buf[24:], off)
	binary.LittleEndian.PutUint64(buf[32:], size)
	binary.LittleEndian.PutUint64(buf[56:], entSize)
}

func align8(v int) int {
	return (v + 7) &^ 7
}
