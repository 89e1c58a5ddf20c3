package image

import "github.com/helixboot/kreloc/internal/boot/reloc"

// RelocIter walks the relocation table without allocating. It is backed
// directly by the static table, so it can be reset and walked again.
type RelocIter struct {
	v *View
	i int
}

// Relocations returns an iterator over the image's relocation entries.
func (v *View) Relocations() RelocIter {
	return RelocIter{v: v}
}

// Next returns the next entry, or ok=false when the table is exhausted.
func (it *RelocIter) Next() (reloc.Entry, bool) {
	if it.i >= it.v.relaCount {
		return reloc.Entry{}, false
	}
	ent, err := it.v.RelocationAt(it.i)
	if err != nil {
		return reloc.Entry{}, false
	}
	it.i++
	return ent, true
}

// Reset rewinds the iterator to the first entry.
func (it *RelocIter) Reset() { it.i = 0 }
