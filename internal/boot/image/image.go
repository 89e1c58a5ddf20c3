// Package image provides a zero-copy view over a resident ELF64 kernel
// image. The view borrows the image bytes and exposes segments, dynamic
// symbols, and relocation entries through bounds-checked accessors; it never
// copies tables or allocates per entry. That is the safety contract: this
// code runs with no fault handler, so a wild read must be impossible, not
// merely unlikely.
package image

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/helixboot/kreloc/internal/boot/reloc"
)

const (
	ehdrSize = 64
	phdrSize = 56
	shdrSize = 64
	relaSize = 24
	symSize  = 24
)

// View is a borrowed, read-only view over resident image bytes. All table
// locations are byte offsets into data; nothing is owned or copied.
type View struct {
	data []byte

	entry    uint64
	linkBase uint64
	memSpan  uint64

	// Offsets into data of each PT_LOAD program header, ascending by vaddr.
	loadOffs []int

	relaOff   int
	relaCount int

	symOff   int
	symCount int
}

// Parse validates the structural header of the image and locates its
// segment, symbol, and relocation tables. The returned view borrows b; the
// caller must keep the bytes resident for the view's lifetime.
func Parse(b []byte) (*View, error) {
	if len(b) < ehdrSize {
		return nil, malformed("image smaller than ELF header (%d bytes)", len(b))
	}
	if b[0] != 0x7f || b[1] != 'E' || b[2] != 'L' || b[3] != 'F' {
		return nil, malformed("bad ELF magic")
	}
	if b[elf.EI_CLASS] != byte(elf.ELFCLASS64) {
		return nil, malformed("not a 64-bit image (class %d)", b[elf.EI_CLASS])
	}
	if b[elf.EI_DATA] != byte(elf.ELFDATA2LSB) {
		return nil, malformed("not little-endian (data %d)", b[elf.EI_DATA])
	}
	if machine := elf.Machine(le16(b, 18)); machine != elf.EM_X86_64 {
		return nil, malformed("unsupported machine %d (want %d)", machine, elf.EM_X86_64)
	}

	v := &View{
		data:    b,
		entry:   le64(b, 24),
		relaOff: -1,
		symOff:  -1,
	}

	if err := v.parseSegments(); err != nil {
		return nil, err
	}
	if err := v.locateTables(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *View) parseSegments() error {
	b := v.data
	phOff := le64(b, 32)
	phEntSize := int(le16(b, 54))
	phNum := int(le16(b, 56))

	if phNum == 0 {
		return malformed("no program headers")
	}
	if phEntSize != phdrSize {
		return malformed("program header entry size %d (want %d)", phEntSize, phdrSize)
	}
	end := phOff + uint64(phNum)*phdrSize
	if phOff < ehdrSize || end < phOff || end > uint64(len(b)) {
		return malformed("program header table [%#x, %#x) outside image", phOff, end)
	}

	var minVaddr, maxEnd uint64
	first := true
	for i := 0; i < phNum; i++ {
		off := int(phOff) + i*phdrSize
		if elf.ProgType(le32(b, off)) != elf.PT_LOAD {
			continue
		}
		vaddr := le64(b, off+16)
		fileSize := le64(b, off+32)
		memSize := le64(b, off+40)
		if fileSize > memSize {
			return malformed("segment %d file size %#x exceeds mem size %#x", i, fileSize, memSize)
		}
		fileOff := le64(b, off+8)
		if fileOff+fileSize < fileOff || fileOff+fileSize > uint64(len(b)) {
			return malformed("segment %d contents [%#x, %#x) outside image", i, fileOff, fileOff+fileSize)
		}
		if len(v.loadOffs) > 0 && vaddr < v.segVaddr(len(v.loadOffs)-1) {
			return malformed("loadable segments not in ascending address order")
		}
		v.loadOffs = append(v.loadOffs, off)
		if first || vaddr < minVaddr {
			minVaddr = vaddr
			first = false
		}
		if segEnd := vaddr + memSize; segEnd > maxEnd {
			maxEnd = segEnd
		}
	}
	if len(v.loadOffs) == 0 {
		return malformed("no loadable segments")
	}

	v.linkBase = minVaddr
	v.memSpan = maxEnd - minVaddr
	return nil
}

func (v *View) segVaddr(i int) uint64 {
	return le64(v.data, v.loadOffs[i]+16)
}

// locateTables finds the relocation and dynamic symbol tables, trying the
// section header table first and falling back to the PT_DYNAMIC segment.
func (v *View) locateTables() error {
	if err := v.locateFromSections(); err != nil {
		return err
	}
	if v.relaOff >= 0 {
		return nil
	}
	return v.locateFromDynamic()
}

func (v *View) locateFromSections() error {
	b := v.data
	shOff := le64(b, 40)
	shEntSize := int(le16(b, 58))
	shNum := int(le16(b, 60))
	shStrNdx := int(le16(b, 62))

	if shOff == 0 || shNum == 0 {
		return nil
	}
	if shEntSize != shdrSize {
		return malformed("section header entry size %d (want %d)", shEntSize, shdrSize)
	}
	end := shOff + uint64(shNum)*shdrSize
	if end < shOff || end > uint64(len(b)) {
		return malformed("section header table [%#x, %#x) outside image", shOff, end)
	}
	if shStrNdx >= shNum {
		return malformed("section name table index %d out of range", shStrNdx)
	}

	strOff := le64(b, int(shOff)+shStrNdx*shdrSize+24)
	strSize := le64(b, int(shOff)+shStrNdx*shdrSize+32)
	if strOff+strSize < strOff || strOff+strSize > uint64(len(b)) {
		return malformed("section name table [%#x, %#x) outside image", strOff, strOff+strSize)
	}

	for i := 0; i < shNum; i++ {
		off := int(shOff) + i*shdrSize
		typ := elf.SectionType(le32(b, off+4))
		switch typ {
		case elf.SHT_RELA:
			nameOff := uint64(le32(b, off))
			if nameOff >= strSize || sectionName(b, strOff, strSize, nameOff) != ".rela.dyn" {
				continue
			}
			if err := v.setRelaTable(le64(b, off+24), le64(b, off+32), le64(b, off+56)); err != nil {
				return err
			}
		case elf.SHT_DYNSYM:
			if err := v.setSymTable(le64(b, off+24), le64(b, off+32)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *View) locateFromDynamic() error {
	b := v.data
	phOff := int(le64(b, 32))
	phNum := int(le16(b, 56))

	var dynOff, dynSize uint64
	found := false
	for i := 0; i < phNum; i++ {
		off := phOff + i*phdrSize
		if elf.ProgType(le32(b, off)) == elf.PT_DYNAMIC {
			dynOff = le64(b, off+8)
			dynSize = le64(b, off+32)
			found = true
			break
		}
	}
	if !found {
		// An image with no relocation table at all is valid; the engine
		// simply has nothing to rewrite.
		return nil
	}
	if dynOff+dynSize < dynOff || dynOff+dynSize > uint64(len(b)) {
		return malformed("dynamic segment [%#x, %#x) outside image", dynOff, dynOff+dynSize)
	}

	var relaAddr, relaSz, relaEnt, symAddr, strAddr uint64
	for off := dynOff; off+16 <= dynOff+dynSize; off += 16 {
		tag := int64(le64(b, int(off)))
		val := le64(b, int(off)+8)
		switch elf.DynTag(tag) {
		case elf.DT_NULL:
			off = dynOff + dynSize
		case elf.DT_RELA:
			relaAddr = val
		case elf.DT_RELASZ:
			relaSz = val
		case elf.DT_RELAENT:
			relaEnt = val
		case elf.DT_SYMTAB:
			symAddr = val
		case elf.DT_STRTAB:
			strAddr = val
		}
	}

	if relaAddr != 0 {
		relaOff, ok := v.vaddrToFileOff(relaAddr)
		if !ok {
			return malformed("relocation table address %#x not in any segment", relaAddr)
		}
		if relaEnt == 0 {
			relaEnt = relaSize
		}
		if err := v.setRelaTable(relaOff, relaSz, relaEnt); err != nil {
			return err
		}
	}
	if symAddr != 0 && strAddr > symAddr {
		symOff, ok := v.vaddrToFileOff(symAddr)
		if !ok {
			return malformed("symbol table address %#x not in any segment", symAddr)
		}
		// The string table conventionally follows the symbol table, which
		// bounds the symbol count when no section headers are present.
		if err := v.setSymTable(symOff, strAddr-symAddr); err != nil {
			return err
		}
	}
	return nil
}

func (v *View) setRelaTable(off, size, entSize uint64) error {
	if entSize != relaSize {
		return malformed("relocation entry size %d (want %d)", entSize, relaSize)
	}
	if size%relaSize != 0 {
		return malformed("relocation table size %#x not a multiple of %d", size, relaSize)
	}
	if off+size < off || off+size > uint64(len(v.data)) {
		return malformed("relocation table [%#x, %#x) outside image", off, off+size)
	}
	v.relaOff = int(off)
	v.relaCount = int(size / relaSize)
	return nil
}

func (v *View) setSymTable(off, size uint64) error {
	if size%symSize != 0 {
		return malformed("symbol table size %#x not a multiple of %d", size, symSize)
	}
	if off+size < off || off+size > uint64(len(v.data)) {
		return malformed("symbol table [%#x, %#x) outside image", off, off+size)
	}
	v.symOff = int(off)
	v.symCount = int(size / symSize)
	return nil
}

func (v *View) vaddrToFileOff(vaddr uint64) (uint64, bool) {
	b := v.data
	for _, off := range v.loadOffs {
		segVaddr := le64(b, off+16)
		fileSize := le64(b, off+32)
		if vaddr >= segVaddr && vaddr < segVaddr+fileSize {
			return le64(b, off+8) + (vaddr - segVaddr), true
		}
	}
	return 0, false
}

// LinkBase returns the lowest loadable segment's virtual address.
func (v *View) LinkBase() uint64 { return v.linkBase }

// MemorySpan returns the resident size of the image: the distance from the
// link base to the end of the highest loadable segment.
func (v *View) MemorySpan() uint64 { return v.memSpan }

// EntryPoint returns the link-time entry point virtual address.
func (v *View) EntryPoint() uint64 { return v.entry }

// NumSegments returns the number of loadable segments.
func (v *View) NumSegments() int { return len(v.loadOffs) }

// Segment decodes the i-th loadable segment.
func (v *View) Segment(i int) (reloc.Segment, error) {
	if i < 0 || i >= len(v.loadOffs) {
		return reloc.Segment{}, malformed("segment index %d out of range [0, %d)", i, len(v.loadOffs))
	}
	b := v.data
	off := v.loadOffs[i]
	flags := elf.ProgFlag(le32(b, off+4))
	return reloc.Segment{
		Vaddr:      le64(b, off+16),
		Off:        le64(b, off+8),
		FileSize:   le64(b, off+32),
		MemSize:    le64(b, off+40),
		Writable:   flags&elf.PF_W != 0,
		Executable: flags&elf.PF_X != 0,
	}, nil
}

// NumRelocations returns the number of relocation entries.
func (v *View) NumRelocations() int { return v.relaCount }

// RelocationAt decodes the i-th relocation entry. Entry offsets are
// normalized to byte offsets within the resident image (the link base is
// already subtracted); targets that fall outside the image surface as
// out-of-range offsets the engine rejects before writing.
func (v *View) RelocationAt(i int) (reloc.Entry, error) {
	if i < 0 || i >= v.relaCount {
		return reloc.Entry{}, malformed("relocation index %d out of range [0, %d)", i, v.relaCount)
	}
	b := v.data
	off := v.relaOff + i*relaSize
	rOffset := le64(b, off)
	rInfo := le64(b, off+8)
	rAddend := int64(le64(b, off+16))

	raw := uint32(rInfo)
	ent := reloc.Entry{
		Offset:  rOffset - v.linkBase,
		RawType: raw,
		Sym:     uint32(rInfo >> 32),
		Addend:  rAddend,
	}
	switch raw {
	case reloc.RawNone:
		ent.Kind = reloc.KindNone
	case reloc.RawRelative:
		ent.Kind = reloc.KindRelative
	case reloc.RawAbs64, reloc.RawGlobDat, reloc.RawJumpSlot:
		ent.Kind = reloc.KindAbsolute
	default:
		ent.Kind = reloc.KindUnknown
	}
	return ent, nil
}

// SymbolAt resolves the symbol at the given dynamic symbol table index.
func (v *View) SymbolAt(idx uint32) (reloc.Symbol, error) {
	if v.symOff < 0 || int(idx) >= v.symCount {
		return reloc.Symbol{}, malformed("symbol index %d out of range [0, %d)", idx, v.symCount)
	}
	b := v.data
	off := v.symOff + int(idx)*symSize
	info := b[off+4]
	shndx := elf.SectionIndex(le16(b, off+6))
	value := le64(b, off+8)

	sym := reloc.Symbol{Value: value}
	if shndx == elf.SHN_UNDEF {
		if elf.ST_BIND(info) == elf.STB_WEAK {
			sym.Binding = reloc.BindWeakUndef
		} else {
			sym.Binding = reloc.BindStrongUndef
		}
	}
	return sym, nil
}

func sectionName(b []byte, strOff, strSize, nameOff uint64) string {
	start := strOff + nameOff
	end := start
	limit := strOff + strSize
	for end < limit && b[end] != 0 {
		end++
	}
	return string(b[start:end])
}

func malformed(format string, args ...any) error {
	return &reloc.Error{Err: reloc.ErrMalformedImage, Index: -1, Detail: fmt.Sprintf(format, args...)}
}

func le16(b []byte, off int) uint16 { return binary.LittleEndian.Uint16(b[off:]) }
func le32(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off:]) }
func le64(b []byte, off int) uint64 { return binary.LittleEndian.Uint64(b[off:]) }

var _ reloc.Image = (*View)(nil)
