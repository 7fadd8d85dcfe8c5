package btreekit

// The free-list is a linked chain of trunk pages (spec.md §4.3). Each
// trunk page holds:
//   offset 0: uint32 next trunk pgno, or 0
//   offset 4: uint32 number of leaf entries on this trunk
//   offset 8: uint32[] leaf page numbers
// A trunk page can hold at most (usable/4 - 8) leaf entries: usable/4
// four-byte slots total, less the 2 header words and a conservative
// safety margin of 6 slots so pathological freelists never pack a
// trunk page to the exact edge of its usable size. Changing this cap
// changes the on-disk layout of every existing freelist, so spec.md
// mandates it stay exactly usable/4 - 8.
const trunkHeaderWords = 2

func trunkMaxLeaves(usable int) int {
	return usable/4 - 8
}

func trunkNext(pg *MemPage) uint32   { return beUint32(pg.data[pg.hdrOff:]) }
func trunkCount(pg *MemPage) uint32  { return beUint32(pg.data[pg.hdrOff+4:]) }
func trunkLeaf(pg *MemPage, i int) uint32 {
	return beUint32(pg.data[pg.hdrOff+8+i*4:])
}
func setTrunkNext(pg *MemPage, v uint32)  { putUint32BE(pg.data[pg.hdrOff:], v) }
func setTrunkCount(pg *MemPage, v uint32) { putUint32BE(pg.data[pg.hdrOff+4:], v) }
func setTrunkLeaf(pg *MemPage, i int, v uint32) {
	putUint32BE(pg.data[pg.hdrOff+8+i*4:], v)
}

// freelistHeaderOffsets returns the offsets of the two uint32 fields
// of the 100-byte database header that anchor the free list: first trunk page number and total
// free page count (spec.md §3 "Database header").
func freelistHeaderOffsets() (trunkOff, countOff int) { return 32, 36 }

func dbHeaderFirstTrunk(hdr []byte) uint32 {
	off, _ := freelistHeaderOffsets()
	return beUint32(hdr[off:])
}

func dbHeaderFreeCount(hdr []byte) uint32 {
	_, off := freelistHeaderOffsets()
	return beUint32(hdr[off:])
}

func setDBHeaderFirstTrunk(hdr []byte, v uint32) {
	off, _ := freelistHeaderOffsets()
	putUint32BE(hdr[off:], v)
}

func setDBHeaderFreeCount(hdr []byte, v uint32) {
	_, off := freelistHeaderOffsets()
	putUint32BE(hdr[off:], v)
}

// header1 returns the raw database-header bytes, which live at the
// start of page 1 regardless of that page's own B-tree header offset.
func header1(txn *Txn) ([]byte, *MemPage, error) {
	pg, err := txn.getPage(1)
	if err != nil {
		return nil, nil, err
	}
	return pg.data[:databaseHeaderSize], pg, nil
}

// allocatePageFromFreelist implements spec.md §4.3's three allocation
// modes against the trunk/leaf free-list. Returns pgno==0 (not an
// error) when the free list has nothing suitable, so the caller falls
// back to growing the file.
func allocatePageFromFreelist(txn *Txn, mode AllocMode, nearPgno uint32) (uint32, []byte, error) {
	hdr, hdrPage, err := header1(txn)
	if err != nil {
		return 0, nil, err
	}
	firstTrunk := dbHeaderFirstTrunk(hdr)
	freeCount := dbHeaderFreeCount(hdr)
	if firstTrunk == 0 || freeCount == 0 {
		return 0, nil, nil
	}

	trunkPgno := firstTrunk
	var prevTrunk *MemPage
	for trunkPgno != 0 {
		trunk, err := txn.getPage(trunkPgno)
		if err != nil {
			return 0, nil, err
		}
		n := int(trunkCount(trunk))
		if n < 0 || n > trunkMaxLeaves(trunk.usableSize()) {
			return 0, nil, NewError(Corrupt, "free-list trunk leaf count out of range")
		}

		switch mode {
		case AllocExact:
			for i := 0; i < n; i++ {
				if trunkLeaf(trunk, i) == nearPgno {
					if err := removeFreelistEntry(txn, hdr, hdrPage, trunk, prevTrunk, trunkPgno, i, n); err != nil {
						return 0, nil, err
					}
					data, err := txn.getPageRaw(nearPgno)
					return nearPgno, data, err
				}
			}
		case AllocLE:
			for i := 0; i < n; i++ {
				if trunkLeaf(trunk, i) <= nearPgno {
					pgno := trunkLeaf(trunk, i)
					if err := removeFreelistEntry(txn, hdr, hdrPage, trunk, prevTrunk, trunkPgno, i, n); err != nil {
						return 0, nil, err
					}
					data, err := txn.getPageRaw(pgno)
					return pgno, data, err
				}
			}
		default: // AllocAny
			if n > 0 {
				pgno := trunkLeaf(trunk, n-1)
				if err := removeFreelistEntry(txn, hdr, hdrPage, trunk, prevTrunk, trunkPgno, n-1, n); err != nil {
					return 0, nil, err
				}
				data, err := txn.getPageRaw(pgno)
				return pgno, data, err
			}
			// Trunk itself is empty of leaves: reclaim the trunk page
			// as the allocated page and splice it out of the chain.
			if err := txn.markDirty(hdrPage); err != nil {
				return 0, nil, err
			}
			next := trunkNext(trunk)
			setDBHeaderFirstTrunk(hdr, next)
			setDBHeaderFreeCount(hdr, freeCount-1)
			return trunkPgno, trunk.data, nil
		}

		prevTrunk = trunk
		trunkPgno = trunkNext(trunk)
	}
	return 0, nil, nil
}

// removeFreelistEntry deletes leaf slot i (of n) from trunk, shifting
// later entries down, and updates the header's total free-page count.
func removeFreelistEntry(txn *Txn, hdr []byte, hdrPage, trunk, prevTrunk *MemPage, trunkPgno uint32, i, n int) error {
	if err := txn.markDirty(trunk); err != nil {
		return err
	}
	if err := txn.markDirty(hdrPage); err != nil {
		return err
	}
	for j := i; j < n-1; j++ {
		setTrunkLeaf(trunk, j, trunkLeaf(trunk, j+1))
	}
	setTrunkCount(trunk, uint32(n-1))
	setDBHeaderFreeCount(hdr, dbHeaderFreeCount(hdr)-1)
	return nil
}

// freePage returns pgno to the free list, per spec.md §4.3: it is
// appended as a new leaf entry on the current first trunk if that
// trunk has room, or becomes a new (empty) trunk page otherwise.
func freePage(txn *Txn, pgno uint32, secureDelete bool) error {
	hdr, hdrPage, err := header1(txn)
	if err != nil {
		return err
	}
	if err := txn.markDirty(hdrPage); err != nil {
		return err
	}

	data, err := txn.getPageRaw(pgno)
	if err != nil {
		return err
	}
	freedPage := &MemPage{pgno: pgno, data: data, bt: txn.bt}
	if err := txn.markDirty(freedPage); err != nil {
		return err
	}
	if secureDelete {
		clear(data)
	}
	txn.bt.pager.cacheInvalidate(pgno)

	firstTrunk := dbHeaderFirstTrunk(hdr)
	if firstTrunk != 0 {
		trunk, err := txn.getPage(firstTrunk)
		if err != nil {
			return err
		}
		n := int(trunkCount(trunk))
		if n < trunkMaxLeaves(trunk.usableSize()) {
			if err := txn.markDirty(trunk); err != nil {
				return err
			}
			setTrunkLeaf(trunk, n, pgno)
			setTrunkCount(trunk, uint32(n+1))
			setDBHeaderFreeCount(hdr, dbHeaderFreeCount(hdr)+1)
			return nil
		}
	}

	// No room (or no trunk yet): the freed page becomes a new, empty
	// trunk pointing at the previous first trunk.
	setTrunkNext(freedPage, firstTrunk)
	setTrunkCount(freedPage, 0)
	setDBHeaderFirstTrunk(hdr, pgno)
	setDBHeaderFreeCount(hdr, dbHeaderFreeCount(hdr)+1)
	return nil
}

// getPageRaw fetches a page's raw buffer without running the B-tree
// page-header validation of initPage, since free-list leaf pages and
// about-to-be-overwritten allocated pages don't necessarily hold a
// valid B-tree page image.
func (txn *Txn) getPageRaw(pgno uint32) ([]byte, error) {
	return txn.bt.pager.Get(pgno)
}
