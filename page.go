package btreekit

import (
	"encoding/binary"
)

// MemPage is the B-tree's decorated view of one pager page: the raw
// buffer plus everything initPage derives from it. This plays the same
// role as the teacher's `page` type in gdbx/page.go (a thin wrapper
// around a raw []byte with header accessors), but the header itself
// follows spec.md's big-endian, variable-offset SQLite-style layout
// instead of gdbx's fixed 20-byte little-endian node_t layout.
type MemPage struct {
	pgno   uint32
	data   []byte // the full raw page buffer, as returned by the pager
	hdrOff int    // 100 on page 1, else 0
	bt     *BtShared

	typ pageType

	maxLocal uint16 // maximum payload bytes kept inline
	minLocal uint16 // minimum payload bytes kept inline
	childPtrSize int // 4 on interior pages, 0 on leaf pages

	nCell  int    // cell count
	nFree  int    // total free bytes (gap + freeblocks + fragments)
	cellIdxOff int // offset of the cell-pointer array (hdrOff+headerSize)
}

// page header field offsets, relative to hdrOff.
const (
	hdrFlagsOff      = 0
	hdrFreeblockOff  = 1
	hdrCellCountOff  = 3
	hdrContentOff    = 5
	hdrFragBytesOff  = 7
	hdrBaseSize      = 8  // leaf header size
	hdrRightChildOff = 8  // only present on interior pages
	hdrInteriorSize  = 12 // interior header size
)

func (p *MemPage) headerSize() int {
	if p.typ.isLeaf() {
		return hdrBaseSize
	}
	return hdrInteriorSize
}

func (p *MemPage) usableSize() int {
	return len(p.data) - p.bt.reservedBytes
}

// contentOffset decodes the 2-byte content-area-start field, translating
// the on-disk 0 sentinel to 65536 (spec.md §4.1 "Endianness").
func (p *MemPage) contentOffset() int {
	v := binary.BigEndian.Uint16(p.data[p.hdrOff+hdrContentOff:])
	if v == 0 {
		return 65536
	}
	return int(v)
}

func (p *MemPage) setContentOffset(v int) {
	if v >= 65536 {
		binary.BigEndian.PutUint16(p.data[p.hdrOff+hdrContentOff:], 0)
		return
	}
	binary.BigEndian.PutUint16(p.data[p.hdrOff+hdrContentOff:], uint16(v))
}

func (p *MemPage) firstFreeblock() int {
	return int(binary.BigEndian.Uint16(p.data[p.hdrOff+hdrFreeblockOff:]))
}

func (p *MemPage) setFirstFreeblock(off int) {
	binary.BigEndian.PutUint16(p.data[p.hdrOff+hdrFreeblockOff:], uint16(off))
}

func (p *MemPage) fragmentBytes() int {
	return int(p.data[p.hdrOff+hdrFragBytesOff])
}

func (p *MemPage) setFragmentBytes(n int) {
	p.data[p.hdrOff+hdrFragBytesOff] = byte(n)
}

func (p *MemPage) rightmostChild() uint32 {
	return binary.BigEndian.Uint32(p.data[p.hdrOff+hdrRightChildOff:])
}

func (p *MemPage) setRightmostChild(pg uint32) {
	binary.BigEndian.PutUint32(p.data[p.hdrOff+hdrRightChildOff:], pg)
}

// cellPtrSlot returns the offset (within the page buffer) of the i'th cell
// pointer array slot.
func (p *MemPage) cellPtrSlot(i int) int {
	return p.cellIdxOff + i*2
}

// cellOffset returns the byte offset of cell i's content.
func (p *MemPage) cellOffset(i int) int {
	return int(binary.BigEndian.Uint16(p.data[p.cellPtrSlot(i):]))
}

func (p *MemPage) setCellOffset(i, off int) {
	binary.BigEndian.PutUint16(p.data[p.cellPtrSlot(i):], uint16(off))
}

// findCell returns the byte slice of cell i's raw content.
func (p *MemPage) findCell(i int) []byte {
	off := p.cellOffset(i)
	return p.data[off:]
}

// zeroPage formats a raw buffer as an empty page of the given type
// (spec.md §4.1 "zero_page"). pgno and hdrOff must already be set by
// the caller before zeroPage runs.
func (p *MemPage) zeroPage(typ pageType) {
	p.typ = typ
	hdr := p.hdrOff
	data := p.data

	data[hdr+hdrFlagsOff] = byte(typ)
	p.setFirstFreeblock(0)
	binary.BigEndian.PutUint16(data[hdr+hdrCellCountOff:], 0)
	p.setFragmentBytes(0)
	if !typ.isLeaf() {
		p.setRightmostChild(0)
	}

	p.cellIdxOff = hdr + p.headerSize()
	p.setContentOffset(p.usableSize() - hdr)
	p.nCell = 0

	p.computeLocalLimits()
	p.nFree = p.usableSize() - p.cellIdxOff
}

// computeLocalLimits derives maxLocal/minLocal and childPtrSize for the
// page's type, per spec.md §3/§GLOSSARY.
func (p *MemPage) computeLocalLimits() {
	usable := p.usableSize()
	if p.typ.isLeaf() {
		p.childPtrSize = 0
	} else {
		p.childPtrSize = interiorCellChildSize
	}
	switch p.typ {
	case pageLeafTable, pageInteriorTable:
		// Table cells do not hold arbitrary "index key" payload limits:
		// maxLocal is usable-35, minLocal is (usable-12)*32/255-23, the
		// classic SQLite constants for INTKEY pages.
		p.maxLocal = uint16(usable - 35)
		p.minLocal = uint16((usable-12)*32/255 - 23)
	default: // index pages
		p.maxLocal = uint16((usable-12)*64/255 - 23)
		p.minLocal = uint16((usable-12)*32/255 - 23)
	}
}

// initPage validates an already-loaded page buffer and populates the
// derived MemPage fields, per spec.md §4.1 "init_page". It fails with
// Corrupt on any invariant violation.
func initPage(bt *BtShared, pgno uint32, data []byte) (*MemPage, error) {
	hdrOff := 0
	if pgno == 1 {
		hdrOff = databaseHeaderSize
	}

	flag := pageType(data[hdrOff+hdrFlagsOff])
	if !flag.valid() {
		return nil, NewError(Corrupt, "invalid page flag byte")
	}

	p := &MemPage{pgno: pgno, data: data, hdrOff: hdrOff, bt: bt, typ: flag}
	p.cellIdxOff = hdrOff + p.headerSize()
	p.computeLocalLimits()

	p.nCell = int(binary.BigEndian.Uint16(data[hdrOff+hdrCellCountOff:]))

	usable := p.usableSize()
	contentStart := p.contentOffset()
	if contentStart > usable {
		return nil, NewError(Corrupt, "content area starts past usable size")
	}
	// cell-content-start >= cellIdx + 2*nCell (spec.md §3 invariant).
	if hdrOff+contentStart < p.cellIdxOff+2*p.nCell {
		return nil, NewError(Corrupt, "cell pointer array overlaps content area")
	}

	nFree, err := computeFreeBytes(p)
	if err != nil {
		return nil, err
	}
	p.nFree = nFree
	return p, nil
}

// computeFreeBytes walks the freeblock chain, summing freeblock sizes,
// validating ascending order and non-overlap with cells (spec.md §4.2),
// and returns it plus the unallocated gap plus fragment bytes — which
// together must equal nFree (spec.md §8 invariant 1; this function is
// what *establishes* that invariant, so by construction it always
// holds for any MemPage that passed initPage).
func computeFreeBytes(p *MemPage) (int, error) {
	usable := p.usableSize()
	gap := p.contentOffset() - (p.cellIdxOff - p.hdrOff + 2*p.nCell)
	if gap < 0 {
		return 0, NewError(Corrupt, "negative free gap")
	}

	total := gap + p.fragmentBytes()
	if p.fragmentBytes() > maxFragmentBytes {
		return 0, NewError(Corrupt, "fragment bytes exceed cap")
	}

	next := p.firstFreeblock()
	prevEnd := 0
	seen := 0
	for next != 0 {
		if next < prevEnd {
			return 0, NewError(Corrupt, "freeblock chain out of order")
		}
		if next+4 > usable+p.hdrOff {
			return 0, NewError(Corrupt, "freeblock extends past usable area")
		}
		size := int(binary.BigEndian.Uint16(p.data[next+2:]))
		if size < 4 {
			return 0, NewError(Corrupt, "freeblock smaller than minimum size")
		}
		if next+size > usable+p.hdrOff {
			return 0, NewError(Corrupt, "freeblock extends past usable area")
		}
		total += size
		prevEnd = next + size
		next = int(binary.BigEndian.Uint16(p.data[next:]))
		seen++
		if seen > p.nCell+usable { // pathological chain length guard
			return 0, NewError(Corrupt, "freeblock chain too long")
		}
	}
	return total, nil
}
