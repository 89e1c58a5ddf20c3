// Package pe is the UEFI-side adapter: it walks a PE32+ image's base
// relocation directory and translates it into the unified relocation entry
// shape the engine consumes. The engine itself never sees PE structures.
package pe

import (
	"encoding/binary"
	"fmt"

	"github.com/helixboot/kreloc/internal/boot"
	"github.com/helixboot/kreloc/internal/boot/reloc"
)

const (
	dosMagic       = 0x5A4D // "MZ"
	peSignature    = 0x0000_4550
	machineAMD64   = 0x8664
	optMagicPE32P  = 0x20B
	sectionHdrSize = 40

	charRelocsStripped = 0x0001

	dirBaseReloc = 5

	relAbsolute = 0
	relDir64    = 10

	secExecute = 0x2000_0000
	secWrite   = 0x8000_0000
)

// File is a parsed view of the PE32+ headers needed for translation.
type File struct {
	data []byte

	imageBase     uint64
	sizeOfImage   uint64
	sizeOfHeaders uint64
	entryRVA      uint64

	sectionOff int
	sectionNum int

	relocRVA  uint64
	relocSize uint64
}

// Parse validates the PE32+ headers and locates the section table and base
// relocation directory.
func Parse(b []byte) (*File, error) {
	if len(b) < 0x40 {
		return nil, malformed("image smaller than DOS header (%d bytes)", len(b))
	}
	if binary.LittleEndian.Uint16(b) != dosMagic {
		return nil, malformed("bad DOS magic")
	}
	peOff := int(binary.LittleEndian.Uint32(b[0x3C:]))
	if peOff < 0 || peOff+24 > len(b) {
		return nil, malformed("PE header offset %#x outside image", peOff)
	}
	if binary.LittleEndian.Uint32(b[peOff:]) != peSignature {
		return nil, malformed("bad PE signature")
	}

	coff := peOff + 4
	machine := binary.LittleEndian.Uint16(b[coff:])
	if machine != machineAMD64 {
		return nil, malformed("unsupported machine %#x (want %#x)", machine, machineAMD64)
	}
	numSections := int(binary.LittleEndian.Uint16(b[coff+2:]))
	optSize := int(binary.LittleEndian.Uint16(b[coff+16:]))
	characteristics := binary.LittleEndian.Uint16(b[coff+18:])

	opt := coff + 20
	if opt+optSize > len(b) || optSize < 112 {
		return nil, malformed("optional header of %d bytes outside image", optSize)
	}
	if binary.LittleEndian.Uint16(b[opt:]) != optMagicPE32P {
		return nil, malformed("not a PE32+ optional header")
	}

	f := &File{
		data:          b,
		entryRVA:      uint64(binary.LittleEndian.Uint32(b[opt+16:])),
		imageBase:     binary.LittleEndian.Uint64(b[opt+24:]),
		sizeOfImage:   uint64(binary.LittleEndian.Uint32(b[opt+56:])),
		sizeOfHeaders: uint64(binary.LittleEndian.Uint32(b[opt+60:])),
		sectionOff:    opt + optSize,
		sectionNum:    numSections,
	}

	if f.sectionOff+f.sectionNum*sectionHdrSize > len(b) {
		return nil, malformed("section table outside image")
	}

	if characteristics&charRelocsStripped != 0 {
		// Nothing to translate; the image cannot be slid.
		return f, nil
	}

	numDirs := int(binary.LittleEndian.Uint32(b[opt+108:]))
	if numDirs > dirBaseReloc {
		dir := opt + 112 + dirBaseReloc*8
		f.relocRVA = uint64(binary.LittleEndian.Uint32(b[dir:]))
		f.relocSize = uint64(binary.LittleEndian.Uint32(b[dir+4:]))
	}
	return f, nil
}

// ImageBase returns the link-time load address from the optional header.
func (f *File) ImageBase() uint64 { return f.imageBase }

// SizeOfImage returns the resident size of the mapped image.
func (f *File) SizeOfImage() uint64 { return f.sizeOfImage }

// EntryPoint returns the link-time entry point virtual address.
func (f *File) EntryPoint() uint64 { return f.imageBase + f.entryRVA }

// Relocatable reports whether the image carries a base relocation directory.
func (f *File) Relocatable() bool { return f.relocRVA != 0 && f.relocSize != 0 }

// TranslateRelocations walks the base relocation blocks and emits unified
// entries. DIR64 slots become relative entries whose addend is the current
// link-time value of the slot, so the engine's "link value plus slide" write
// lands on exactly the pointer adjustment the PE format calls for. ABSOLUTE
// entries are alignment padding and are dropped. Any other relocation type is
// rejected here, before reaching the engine.
func (f *File) TranslateRelocations() ([]reloc.Entry, error) {
	if !f.Relocatable() {
		return nil, nil
	}

	start, err := f.rvaToOffset(f.relocRVA)
	if err != nil {
		return nil, err
	}
	end := start + int(f.relocSize)
	if end > len(f.data) {
		return nil, malformed("relocation directory [%#x, %#x) outside image", start, end)
	}

	var entries []reloc.Entry
	off := start
	for off+8 <= end {
		pageRVA := uint64(binary.LittleEndian.Uint32(f.data[off:]))
		blockSize := int(binary.LittleEndian.Uint32(f.data[off+4:]))
		if blockSize == 0 {
			break
		}
		if blockSize < 8 || off+blockSize > end {
			return nil, malformed("relocation block at %#x has size %#x", off, blockSize)
		}

		for i := 0; i < (blockSize-8)/2; i++ {
			raw := binary.LittleEndian.Uint16(f.data[off+8+i*2:])
			typ := raw >> 12
			pageOff := uint64(raw & 0xFFF)

			switch typ {
			case relAbsolute:
				// Padding entry.
			case relDir64:
				rva := pageRVA + pageOff
				slotOff, err := f.rvaToOffset(rva)
				if err != nil {
					return nil, err
				}
				if slotOff+8 > len(f.data) {
					return nil, malformed("relocation slot at rva %#x extends past image", rva)
				}
				value := binary.LittleEndian.Uint64(f.data[slotOff:])
				entries = append(entries, reloc.Entry{
					Offset:  rva,
					Kind:    reloc.KindRelative,
					RawType: uint32(typ),
					Addend:  int64(value),
				})
			default:
				return nil, &reloc.Error{
					Err:    reloc.ErrUnsupportedRelocationType,
					Index:  len(entries),
					Addr:   pageRVA + pageOff,
					Detail: fmt.Sprintf("PE relocation type %d", typ),
				}
			}
		}
		off += blockSize
	}
	return entries, nil
}

// Image adapts the parsed file to the relocation engine's image surface, so
// the UEFI path drives the same engine as the native ELF path. Relocation
// entries are translated once at construction; segments mirror the loaded
// layout, headers at the image base followed by each section.
type Image struct {
	f    *File
	ents []reloc.Entry
}

// Image translates the base relocation directory and returns the engine-side
// view of the file.
func (f *File) Image() (*Image, error) {
	ents, err := f.TranslateRelocations()
	if err != nil {
		return nil, err
	}
	return &Image{f: f, ents: ents}, nil
}

// NumSegments returns the headers region plus one segment per section.
func (im *Image) NumSegments() int { return 1 + im.f.sectionNum }

// Segment decodes the i-th loadable region. Index 0 is the mapped headers.
func (im *Image) Segment(i int) (reloc.Segment, error) {
	if i < 0 || i > im.f.sectionNum {
		return reloc.Segment{}, malformed("segment index %d out of range [0, %d]", i, im.f.sectionNum)
	}
	if i == 0 {
		return reloc.Segment{
			Vaddr:    im.f.imageBase,
			FileSize: im.f.sizeOfHeaders,
			MemSize:  im.f.sizeOfHeaders,
		}, nil
	}
	b := im.f.data
	sh := im.f.sectionOff + (i-1)*sectionHdrSize
	flags := binary.LittleEndian.Uint32(b[sh+36:])
	return reloc.Segment{
		Vaddr:      im.f.imageBase + uint64(binary.LittleEndian.Uint32(b[sh+12:])),
		Off:        uint64(binary.LittleEndian.Uint32(b[sh+20:])),
		FileSize:   uint64(binary.LittleEndian.Uint32(b[sh+16:])),
		MemSize:    uint64(binary.LittleEndian.Uint32(b[sh+8:])),
		Writable:   flags&secWrite != 0,
		Executable: flags&secExecute != 0,
	}, nil
}

// EntryPoint returns the link-time entry point virtual address.
func (im *Image) EntryPoint() uint64 { return im.f.EntryPoint() }

// NumRelocations returns the number of translated entries.
func (im *Image) NumRelocations() int { return len(im.ents) }

// RelocationAt returns the i-th translated entry.
func (im *Image) RelocationAt(i int) (reloc.Entry, error) {
	if i < 0 || i >= len(im.ents) {
		return reloc.Entry{}, malformed("relocation index %d out of range [0, %d)", i, len(im.ents))
	}
	return im.ents[i], nil
}

// SymbolAt always fails: the base relocation format carries no symbols, and
// translation never emits an entry that needs one.
func (im *Image) SymbolAt(idx uint32) (reloc.Symbol, error) {
	return reloc.Symbol{}, malformed("symbol %d requested from an image with no symbol table", idx)
}

var _ reloc.Image = (*Image)(nil)

// NewBootContext normalizes the PE image into the shared boot context shape.
func (f *File) NewBootContext(physBase uint64, ranges []boot.AddressRange, hwEntropy bool, cmdline string) *boot.Context {
	return &boot.Context{
		Protocol:        boot.ProtocolUEFIPE,
		PhysBase:        physBase,
		VirtBase:        f.imageBase,
		ImageSize:       f.sizeOfImage,
		UsableRanges:    ranges,
		HardwareEntropy: hwEntropy,
		Cmdline:         cmdline,
	}
}

func (f *File) rvaToOffset(rva uint64) (int, error) {
	b := f.data
	for i := 0; i < f.sectionNum; i++ {
		sh := f.sectionOff + i*sectionHdrSize
		virtSize := uint64(binary.LittleEndian.Uint32(b[sh+8:]))
		virtAddr := uint64(binary.LittleEndian.Uint32(b[sh+12:]))
		rawOff := uint64(binary.LittleEndian.Uint32(b[sh+20:]))
		if rva >= virtAddr && rva < virtAddr+virtSize {
			off := rawOff + (rva - virtAddr)
			if off > uint64(len(b)) {
				return 0, malformed("rva %#x maps past end of image", rva)
			}
			return int(off), nil
		}
	}
	if rva < f.sizeOfHeaders {
		return int(rva), nil
	}
	return 0, malformed("rva %#x not in any section", rva)
}

func malformed(format string, args ...any) error {
	return &reloc.Error{Err: reloc.ErrMalformedImage, Index: -1, Detail: fmt.Sprintf(format, args...)}
}
