package btreekit

import "encoding/binary"

// allocateSpace reserves nBytes inside p's cell-content area and
// returns the offset at which the caller should write its cell,
// following the free-list-first, then-gap, then-defragment-and-retry
// strategy of spec.md §4.2. Requests smaller than minCellSize are
// rounded up to minCellSize here.
func allocateSpace(p *MemPage, nBytes int) (int, error) {
	if nBytes < minCellSize {
		nBytes = minCellSize
	}

	if off, ok, err := allocateFromFreelist(p, nBytes); err != nil {
		return 0, err
	} else if ok {
		p.nFree -= nBytes
		return off, nil
	}

	gapStart := p.cellIdxOff + 2*p.nCell
	gapEnd := p.hdrOff + p.contentOffset()
	if gapEnd-gapStart >= nBytes {
		newContentStart := p.contentOffset() - nBytes
		p.setContentOffset(newContentStart)
		p.nFree -= nBytes
		return p.hdrOff + newContentStart, nil
	}

	if err := defragment(p); err != nil {
		return 0, err
	}
	gapStart = p.cellIdxOff + 2*p.nCell
	gapEnd = p.hdrOff + p.contentOffset()
	if gapEnd-gapStart < nBytes {
		return 0, NewError(Full, "page has no room for cell after defragmentation")
	}
	newContentStart := p.contentOffset() - nBytes
	p.setContentOffset(newContentStart)
	p.nFree -= nBytes
	return p.hdrOff + newContentStart, nil
}

// allocateFromFreelist scans the ascending freeblock chain for the
// first block of at least nBytes (spec.md §4.2). A slot is skipped
// (treated as unusable) only when taking it would leave a 1-3 byte
// remainder *and* adding that remainder would push the fragment
// counter past the 60-byte cap; if no slot fits, allocateSpace falls
// through to the gap/defragment path.
func allocateFromFreelist(p *MemPage, nBytes int) (int, bool, error) {
	usable := p.usableSize()
	prevPtrOff := p.hdrOff + hdrFreeblockOff
	off := p.firstFreeblock()

	for off != 0 {
		if off+4 > p.hdrOff+usable {
			return 0, false, NewError(Corrupt, "freeblock pointer out of range")
		}
		size := int(beUint16(p.data[off+2:]))
		if size >= nBytes {
			remainder := size - nBytes
			if remainder >= 4 || remainder == 0 {
				if remainder == 0 {
					unlinkFreeblock(p, prevPtrOff, off)
				} else {
					// Hand out the head of the block: the remaining
					// free block moves up to start right after the
					// allocated bytes and is relinked in its place.
					newSize := remainder
					newOff := off + nBytes
					next := beUint16(p.data[off:])
					binary.BigEndian.PutUint16(p.data[prevPtrOff:], uint16(newOff))
					binary.BigEndian.PutUint16(p.data[newOff:], next)
					binary.BigEndian.PutUint16(p.data[newOff+2:], uint16(newSize))
				}
				return off, true, nil
			}
			// remainder is 1-3 bytes: absorb into fragment bytes unless
			// that would push the fragment counter past the cap, in
			// which case this slot is unusable until a defragment.
			if p.fragmentBytes()+remainder > maxFragmentBytes {
				prevPtrOff = off
				off = int(beUint16(p.data[off:]))
				continue
			}
			unlinkFreeblock(p, prevPtrOff, off)
			p.setFragmentBytes(p.fragmentBytes() + remainder)
			return off, true, nil
		}
		prevPtrOff = off
		off = int(beUint16(p.data[off:]))
	}
	return 0, false, nil
}

func unlinkFreeblock(p *MemPage, prevPtrOff, off int) {
	next := beUint16(p.data[off:])
	binary.BigEndian.PutUint16(p.data[prevPtrOff:], next)
}

// freeSpace returns bytes [offset, offset+size) to the page's freeblock
// chain (spec.md §4.2 "free"), coalescing with freeblocks that abut it
// exactly on either side. A gap of 1-3 bytes between the freed range
// and a neighbouring freeblock is not absorbed: the two stay separate
// and the fragment-byte count is unchanged. If offset sits exactly at the content-area
// start, the content area is simply extended instead of creating a new
// freeblock, per spec.md.
func freeSpace(p *MemPage, offset, size int, secureDelete bool) error {
	if size < minCellSize {
		size = minCellSize
	}
	if secureDelete {
		clear(p.data[offset : offset+size])
	}

	contentStart := p.hdrOff + p.contentOffset()
	if offset == contentStart {
		p.setContentOffset(p.contentOffset() + size)
		p.nFree += size
		return collapseFragmentsIntoGap(p)
	}

	prevPtrOff := p.hdrOff + hdrFreeblockOff
	cur := p.firstFreeblock()
	for cur != 0 && cur < offset {
		prevPtrOff = cur
		cur = int(beUint16(p.data[cur:]))
	}

	end := offset + size
	// Coalesce with the following block if adjacent.
	if cur != 0 && end == cur {
		followingSize := int(beUint16(p.data[cur+2:]))
		followingNext := beUint16(p.data[cur:])
		size += followingSize
		binary.BigEndian.PutUint16(p.data[cur:], 0) // scrub stale header
		cur = int(followingNext)
	}

	// Coalesce with the preceding block if adjacent.
	if prevPtrOff != p.hdrOff+hdrFreeblockOff {
		prevSize := int(beUint16(p.data[prevPtrOff+2:]))
		if prevPtrOff+prevSize == offset {
			offset = prevPtrOff
			size += prevSize
			prevPtrOff = -1 // sentinel: the merged block already has its link in place
		}
	}

	if size < 4 {
		// Too small even after coalescing to be a standalone freeblock:
		// it becomes fragment bytes instead.
		if p.fragmentBytes()+size > maxFragmentBytes {
			return NewError(Corrupt, "fragment bytes would exceed cap")
		}
		p.setFragmentBytes(p.fragmentBytes() + size)
		p.nFree += size
		return nil
	}

	binary.BigEndian.PutUint16(p.data[offset+2:], uint16(size))
	if prevPtrOff == -1 {
		// Already linked in place (merged backward); next pointer
		// already correct from before the merge (cur may have changed
		// due to forward coalescing, so rewrite it defensively).
		binary.BigEndian.PutUint16(p.data[offset:], uint16(cur))
	} else {
		binary.BigEndian.PutUint16(p.data[offset:], uint16(cur))
		binary.BigEndian.PutUint16(p.data[prevPtrOff:], uint16(offset))
	}
	p.nFree += size
	return nil
}

// collapseFragmentsIntoGap is called after the content area has been
// extended by a free. It changes nothing: fragment bytes are not
// tracked by location, so none are folded back into the gap, and the
// fragment counter is only reset by defragment.
func collapseFragmentsIntoGap(p *MemPage) error {
	return nil
}

// defragment repacks all cells into a temporary buffer and writes them
// back contiguously at the high end of the page in cell-index order,
// zeroing the freeblock chain and fragment count (spec.md §4.2). It
// fails with Corrupt if a cell is found to be malformed while copying.
func defragment(p *MemPage) error {
	usable := p.usableSize() - p.hdrOff
	tmp := make([]byte, usable)
	dst := usable

	for i := 0; i < p.nCell; i++ {
		off := p.cellOffset(i)
		size, err := cellSize(p, off)
		if err != nil {
			return err
		}
		if off-p.hdrOff+size > usable || off < p.hdrOff {
			return NewError(Corrupt, "cell extends past usable area during defragment")
		}
		dst -= size
		copy(tmp[dst:dst+size], p.data[off:off+size])
		p.setCellOffset(i, p.hdrOff+dst)
	}

	copy(p.data[p.hdrOff+dst:p.hdrOff+usable], tmp[dst:usable])
	p.setContentOffset(dst)
	p.setFirstFreeblock(0)
	p.setFragmentBytes(0)
	return nil
}
