package btreekit

// Pointer-map pages record, for every page in an auto-vacuum database,
// what kind of page it is and who points to it, so pages can be moved
// during an incremental or full vacuum without a full tree walk to fix
// up the referring pointer (spec.md §4.7). Each 5-byte entry is
// (type byte, uint32 parent pgno).
//
// Pointer-map pages are interleaved with data pages: a fixed number of
// data pages (usable/ptrMapEntrySize) follow each pointer-map page,
// and page 2 is always the first pointer-map page when auto-vacuum is
// on.

func ptrMapPageFor(usable int, pgno uint32) uint32 {
	entriesPerPage := uint32(usable / ptrMapEntrySize)
	if pgno <= 2 {
		return 2
	}
	cycle := entriesPerPage + 1
	offsetIntoCycle := (pgno - 2) % cycle
	if offsetIntoCycle == 0 {
		return pgno
	}
	base := pgno - offsetIntoCycle
	return base
}

func ptrMapOffsetFor(usable int, pgno uint32) int {
	entriesPerPage := uint32(usable / ptrMapEntrySize)
	cycle := entriesPerPage + 1
	offsetIntoCycle := (pgno - 2) % cycle
	return int(offsetIntoCycle-1) * ptrMapEntrySize
}

// ptrMapPut records pgno's type and parent in the appropriate
// pointer-map page.
func ptrMapPut(txn *Txn, pgno uint32, typ PointerMapEntryType, parent uint32) error {
	if txn.bt.autoVacuum == AutoVacuumOff {
		return nil
	}
	usable := pageUsableSizeHint(txn)
	mapPgno := ptrMapPageFor(usable, pgno)
	mapPage, err := txn.getPageRaw(mapPgno)
	if err != nil {
		return err
	}
	dirty := &MemPage{pgno: mapPgno, data: mapPage, bt: txn.bt}
	if err := txn.markDirty(dirty); err != nil {
		return err
	}
	off := ptrMapOffsetFor(usable, pgno)
	if off < 0 || off+ptrMapEntrySize > len(mapPage) {
		return NewError(Corrupt, "pointer-map offset out of range")
	}
	mapPage[off] = byte(typ)
	putUint32BE(mapPage[off+1:], parent)
	return nil
}

// ptrMapGet reads pgno's recorded type and parent.
func ptrMapGet(txn *Txn, pgno uint32) (PointerMapEntryType, uint32, error) {
	usable := pageUsableSizeHint(txn)
	mapPgno := ptrMapPageFor(usable, pgno)
	mapPage, err := txn.getPageRaw(mapPgno)
	if err != nil {
		return 0, 0, err
	}
	off := ptrMapOffsetFor(usable, pgno)
	if off < 0 || off+ptrMapEntrySize > len(mapPage) {
		return 0, 0, NewError(Corrupt, "pointer-map offset out of range")
	}
	typ := PointerMapEntryType(mapPage[off])
	parent := beUint32(mapPage[off+1:])
	return typ, parent, nil
}

func pageUsableSizeHint(txn *Txn) int {
	return int(txn.bt.pageSize) - txn.bt.reservedBytes
}

// isPtrMapPage reports whether pgno is itself a pointer-map page
// rather than a data page, so the page allocator and incremental
// vacuum can skip it.
func isPtrMapPage(usable int, pgno uint32) bool {
	if pgno < 2 {
		return false
	}
	entriesPerPage := uint32(usable / ptrMapEntrySize)
	cycle := entriesPerPage + 1
	return pgno == 2 || (pgno-2)%cycle == 0
}

// relocatePage moves the content of page `from` into page `to` (which
// must already be vacant), then walks the pointer-map to fix up the
// single incoming reference, per spec.md §4.7 "relocate_page". It
// handles the four referrer kinds: a B-tree root slot, a sibling's
// child pointer or rightmost-child pointer, an overflow chain link,
// and another pointer-map page is never itself relocated.
func relocatePage(txn *Txn, from, to uint32) error {
	typ, parent, err := ptrMapGet(txn, from)
	if err != nil {
		return err
	}

	srcData, err := txn.getPageRaw(from)
	if err != nil {
		return err
	}
	dstData, err := txn.getPageRaw(to)
	if err != nil {
		return err
	}
	dstPage := &MemPage{pgno: to, data: dstData, bt: txn.bt}
	if err := txn.markDirty(dstPage); err != nil {
		return err
	}
	copy(dstData, srcData)

	switch typ {
	case PtrMapRootPage:
		if err := updateTableRoot(txn, from, to); err != nil {
			return err
		}
	case PtrMapFreePage:
		// Free pages carry no live references; nothing to fix up.
	case PtrMapOverflow1:
		if err := rewriteCellOverflowPointer(txn, parent, from, to); err != nil {
			return err
		}
	case PtrMapOverflow2:
		if err := rewriteOverflowChainLink(txn, parent, from, to); err != nil {
			return err
		}
	case PtrMapBTree:
		if err := rewriteChildPointer(txn, parent, from, to); err != nil {
			return err
		}
	}

	return ptrMapPut(txn, to, typ, parent)
}

func rewriteOverflowChainLink(txn *Txn, prevOvflPgno, from, to uint32) error {
	data, err := txn.getPageRaw(prevOvflPgno)
	if err != nil {
		return err
	}
	dirty := &MemPage{pgno: prevOvflPgno, data: data, bt: txn.bt}
	if err := txn.markDirty(dirty); err != nil {
		return err
	}
	putUint32BE(data, to)
	return nil
}

func rewriteChildPointer(txn *Txn, parentPgno, from, to uint32) error {
	pg, err := txn.getPage(parentPgno)
	if err != nil {
		return err
	}
	if err := txn.markDirty(pg); err != nil {
		return err
	}
	if !pg.typ.isLeaf() && pg.rightmostChild() == from {
		pg.setRightmostChild(to)
		return nil
	}
	for i := 0; i < pg.nCell; i++ {
		off := pg.cellOffset(i)
		if beUint32(pg.data[off:]) == from {
			putUint32BE(pg.data[off:], to)
			return nil
		}
	}
	return NewError(Corrupt, "parent page has no child pointer to relocated page")
}

func rewriteCellOverflowPointer(txn *Txn, parentPgno, from, to uint32) error {
	pg, err := txn.getPage(parentPgno)
	if err != nil {
		return err
	}
	if err := txn.markDirty(pg); err != nil {
		return err
	}
	for i := 0; i < pg.nCell; i++ {
		off := pg.cellOffset(i)
		info, err := parseCell(pg, off)
		if err != nil {
			return err
		}
		if info.Overflow != 0 && beUint32(pg.data[off+info.Overflow:]) == from {
			putUint32BE(pg.data[off+info.Overflow:], to)
			return nil
		}
	}
	return NewError(Corrupt, "parent page has no overflow pointer to relocated page")
}

// incrementalVacuum implements spec.md §4.7's incr_vacuum: it moves
// the single highest-numbered non-pointer-map, non-free page down into
// the lowest free slot below the high-water mark, then truncates the
// file by one page, up to n times.
func incrementalVacuum(txn *Txn, n int) error {
	if txn.bt.autoVacuum != AutoVacuumIncremental {
		return NewError(Constraint, "incremental vacuum requires AutoVacuumIncremental")
	}
	for i := 0; i < n; i++ {
		done, err := incrementalVacuumStep(txn)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return nil
}

func incrementalVacuumStep(txn *Txn) (done bool, err error) {
	total := txn.bt.pager.NumPages()
	if total <= 1 {
		return true, nil
	}
	last := total
	usable := pageUsableSizeHint(txn)

	for last > 1 {
		if isPtrMapPage(usable, last) {
			last--
			continue
		}
		typ, _, err := ptrMapGet(txn, last)
		if err != nil {
			return false, err
		}
		if typ == PtrMapFreePage {
			last--
			continue
		}
		break
	}
	if last <= 1 {
		return true, nil
	}

	target, data, err := allocatePageFromFreelist(txn, AllocAny, 0)
	if err != nil {
		return false, err
	}
	if target == 0 || target >= last {
		return true, nil
	}
	_ = data
	if err := relocatePage(txn, last, target); err != nil {
		return false, err
	}
	return false, nil
}

// updateTableRoot, called by relocatePage above, is defined in
// btree.go; both files share the package, so no declaration is needed
// here.
