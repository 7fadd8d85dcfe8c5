package btreekit

// Balancing keeps every non-root page between 1/4 and completely full
// by redistributing cells across up to balanceSiblings (NB=3) adjacent
// pages, splitting or merging as needed (spec.md §4.6). No example in
// the retrieved corpus implements SQLite's specific sibling
// redistribution algorithm, so this file follows spec.md's own
// description of balance/balance_deeper/balance_nonroot directly,
// written in the cursor/page-manipulation idiom the rest of this
// package uses; there is no balance_quick fast path.

// balance is the entry point called after an insert or delete leaves a
// page overfull or underfull. frameIdx is the index within the
// cursor's stack of the page that needs rebalancing; its parent (if
// any) is stack[frameIdx-1].
func balance(c *Cursor, frameIdx int) error {
	pg := c.stack[frameIdx].page
	overfull := pg.nFree < 0
	underfull := !overfull && pg.pgno != c.root && pg.nFree > pg.usableSize()*3/4

	if !overfull && !underfull {
		return nil
	}

	if frameIdx == 0 {
		if overfull {
			return balanceDeeper(c)
		}
		return nil // An underfull root is simply small; nothing to do.
	}

	return balanceNonroot(c, frameIdx)
}

// balanceDeeper handles an overfull root: a new page is allocated, the
// root's entire content is copied into it, the root is reformatted as
// a single-child interior page, and the cursor's stack is extended one
// level to keep pointing at the same logical position (spec.md §4.6
// "balance_deeper").
func balanceDeeper(c *Cursor) error {
	root := c.stack[0].page
	txn := c.txn

	child, err := txn.allocatePage(AllocAny, 0)
	if err != nil {
		return err
	}
	copy(child.data, root.data)
	if root.pgno == 1 {
		// The root page carries the 100-byte database header ahead of
		// its own page header; the new child does not, so its header
		// must be rewritten at offset 0.
		copy(child.data, root.data[databaseHeaderSize:])
		copy(child.data[len(child.data)-databaseHeaderSize:], make([]byte, databaseHeaderSize))
	}
	reinit, err := initPage(txn.bt, child.pgno, child.data)
	if err != nil {
		return err
	}
	*child = *reinit

	if err := txn.markDirty(root); err != nil {
		return err
	}
	rootType := pageInteriorTable
	if !root.typ.isTable() {
		rootType = pageInteriorIndex
	}
	root.zeroPage(rootType)
	root.setRightmostChild(child.pgno)

	if err := ptrMapPut(txn, child.pgno, PtrMapBTree, root.pgno); err != nil {
		return err
	}

	// Shift the cursor stack down one level: the old root frame now
	// refers to the new child page.
	for i := c.depth; i > 0; i-- {
		c.stack[i] = c.stack[i-1]
	}
	c.stack[0] = cursorFrame{page: root, idx: 0}
	c.stack[1].page = child
	c.depth++

	return balanceNonroot(c, 1)
}

// cellCopy is a cell lifted off a sibling page during redistribution.
// data is the cell's raw on-page bytes, reused verbatim when packing it
// into whichever new sibling page it lands on. The remaining fields are
// only populated for index cells (table cells use key, an integer
// rowid) and hold what's needed to rebuild a faithful interior-index
// divider cell in rewriteParentDividers: the payload's total length,
// its local bytes, and the overflow chain it spills into, if any.
type cellCopy struct {
	data         []byte
	key          int64
	payloadLen   uint32
	localPayload []byte
	overflowPgno uint32
}

// balanceNonroot redistributes cells across up to balanceSiblings
// siblings of the page at c.stack[frameIdx], following spec.md §4.6.
// It gathers every cell from the chosen sibling run (decoding
// overflowing cells down to their local+overflow-pointer form so sizes
// are comparable), divides them back out left-to-right so each output
// page is as full as it can be without exceeding usable size, and
// rewrites the parent's divider cells and child pointers to match.
func balanceNonroot(c *Cursor, frameIdx int) error {
	txn := c.txn
	parent := c.stack[frameIdx-1].page
	parentIdx := c.stack[frameIdx-1].idx

	firstSibling := parentIdx - 1
	if firstSibling < 0 {
		firstSibling = 0
	}
	nSiblings := balanceSiblings
	if firstSibling+nSiblings > parent.nCell+1 {
		nSiblings = parent.nCell + 1 - firstSibling
	}

	oldPages := make([]*MemPage, nSiblings)
	for i := 0; i < nSiblings; i++ {
		pgno, err := parent.childAtIdx(firstSibling + i)
		if err != nil {
			return err
		}
		pg, err := txn.getPage(pgno)
		if err != nil {
			return err
		}
		if err := txn.markDirty(pg); err != nil {
			return err
		}
		oldPages[i] = pg
	}

	typ := oldPages[0].typ
	usable := oldPages[0].usableSize()

	var cells []cellCopy
	for _, pg := range oldPages {
		for i := 0; i < pg.nCell; i++ {
			off := pg.cellOffset(i)
			size, err := cellSize(pg, off)
			if err != nil {
				return err
			}
			buf := make([]byte, size)
			copy(buf, pg.data[off:off+size])
			info, err := parseCell(pg, off)
			if err != nil {
				return err
			}
			cc := cellCopy{data: buf}
			if typ.isTable() {
				cc.key = info.Key
			} else {
				// Index cells carry no separate integer key: the divider
				// promoted to the parent must reproduce the cell's actual
				// payload bytes (spec.md §3), not a synthesized integer.
				cc.payloadLen = info.Payload
				cc.overflowPgno = payloadOverflowPgno(pg, off, info)
				cc.localPayload = append([]byte(nil), buf[info.Header:info.Header+int(info.Local)]...)
			}
			cells = append(cells, cc)
		}
	}

	// Decide how many output pages are needed: greedily pack cells
	// left to right, each page filled to at most usable-headerSize.
	headerSize := oldPages[0].headerSize()
	var pageBreaks []int // index into cells where each new page starts
	used := headerSize
	pageBreaks = append(pageBreaks, 0)
	for i, cc := range cells {
		need := len(cc.data) + 2
		if used+need > usable && i > pageBreaks[len(pageBreaks)-1] {
			pageBreaks = append(pageBreaks, i)
			used = headerSize
		}
		used += need
	}

	nNew := len(pageBreaks)
	newPages := make([]*MemPage, nNew)
	for i := 0; i < nNew; i++ {
		if i < len(oldPages) {
			newPages[i] = oldPages[i]
			newPages[i].zeroPage(typ)
		} else {
			pg, err := txn.allocatePage(AllocAny, 0)
			if err != nil {
				return err
			}
			pg.zeroPage(typ)
			newPages[i] = pg
		}
	}
	for i := nNew; i < len(oldPages); i++ {
		if err := freePage(txn, oldPages[i].pgno, false); err != nil {
			return err
		}
	}

	for i := 0; i < nNew; i++ {
		start := pageBreaks[i]
		end := len(cells)
		if i+1 < nNew {
			end = pageBreaks[i+1]
		}
		pg := newPages[i]
		for j := start; j < end; j++ {
			off, err := allocateSpace(pg, len(cells[j].data))
			if err != nil {
				return err
			}
			copy(pg.data[off:off+len(cells[j].data)], cells[j].data)
			pg.setCellOffset(pg.nCell, off)
			pg.nCell++
			binary2ByteCellCount(pg)
		}
	}

	// Rewrite the parent: remove the old divider cells/children and
	// insert nNew new child pointers plus nNew-1 divider keys.
	if err := rewriteParentDividers(txn, parent, firstSibling, len(oldPages), newPages, cells, pageBreaks, typ); err != nil {
		return err
	}

	for _, pg := range newPages {
		if err := ptrMapPut(txn, pg.pgno, PtrMapBTree, parent.pgno); err != nil {
			return err
		}
	}

	c.depth = frameIdx
	return nil
}

func binary2ByteCellCount(pg *MemPage) {
	putUint16BE(pg.data[pg.hdrOff+hdrCellCountOff:], uint16(pg.nCell))
}

// childAtIdx resolves the child pgno stored at cell idx of an interior
// page, or the rightmost-child pointer for idx == nCell.
func (p *MemPage) childAtIdx(idx int) (uint32, error) {
	if idx < 0 || idx > p.nCell {
		return 0, NewError(Corrupt, "sibling index out of range")
	}
	if idx == p.nCell {
		return p.rightmostChild(), nil
	}
	off := p.cellOffset(idx)
	return beUint32(p.data[off:]), nil
}

// rewriteParentDividers replaces the firstSibling..firstSibling+oldCount
// range of the parent's children/divider-cells with pointers to
// newPages plus fresh dividers for every page but the last. For a table
// parent a divider cell is just a 4-byte child pointer and a varint
// rowid, the largest rowid on its left page (spec.md §3 interior-table
// cells); an index divider is built from the first cell of the next page;
// for an index parent it must carry the promoted cell's actual payload
// bytes — 4-byte child pointer, varint payload size, the local payload,
// and (if the payload overflowed) the same overflow chain, reused
// rather than re-copied since parent and child pages share the same
// local/overflow split formula for index pages (page.go
// computeLocalLimits doesn't distinguish leaf from interior there).
func rewriteParentDividers(txn *Txn, parent *MemPage, firstSibling, oldCount int, newPages []*MemPage, cells []cellCopy, pageBreaks []int, typ pageType) error {
	if err := txn.markDirty(parent); err != nil {
		return err
	}

	// Remove old cell-pointer slots [firstSibling, firstSibling+oldCount)
	// that refer to divider cells (there are oldCount dividers unless the
	// run reaches the rightmost child, in which case there are
	// oldCount-1). For simplicity this removes exactly the divider cells
	// whose left child falls in the replaced range.
	removeCount := oldCount
	if firstSibling+oldCount > parent.nCell {
		removeCount = parent.nCell - firstSibling
	}
	for i := 0; i < removeCount; i++ {
		if err := removeParentCell(parent, firstSibling); err != nil {
			return err
		}
	}

	// Insert new divider cells/children left to right.
	dividerTyp := pageInteriorTable
	if !typ.isTable() {
		dividerTyp = pageInteriorIndex
	}
	for i, pg := range newPages {
		if i+1 < len(newPages) {
			start := pageBreaks[i+1]
			divider := cells[start]
			if typ.isTable() {
				divider = cells[start-1]
			}

			var buf []byte
			if typ.isTable() {
				size := 4 + varintLen(uint64(divider.key))
				buf = make([]byte, size)
				buildCell(buf, dividerTyp, pg.pgno, divider.key, 0, nil, 0)
			} else {
				size := 4 + varintLen(uint64(divider.payloadLen)) + len(divider.localPayload)
				if divider.overflowPgno != 0 {
					size += 4
				}
				buf = make([]byte, size)
				buildCell(buf, dividerTyp, pg.pgno, 0, divider.payloadLen, divider.localPayload, divider.overflowPgno)
			}

			off, err := allocateSpace(parent, len(buf))
			if err != nil {
				return err
			}
			copy(parent.data[off:off+len(buf)], buf)
			if err := insertParentCellPointer(parent, firstSibling+i, off); err != nil {
				return err
			}
		} else {
			parent.setRightmostChild(pg.pgno)
		}
	}
	return nil
}

func removeParentCell(p *MemPage, idx int) error {
	off := p.cellOffset(idx)
	size, err := cellSize(p, off)
	if err != nil {
		return err
	}
	if err := freeSpace(p, off, size, false); err != nil {
		return err
	}
	for i := idx; i < p.nCell-1; i++ {
		p.setCellOffset(i, p.cellOffset(i+1))
	}
	p.nCell--
	binary2ByteCellCount(p)
	return nil
}

func insertParentCellPointer(p *MemPage, idx int, off int) error {
	if idx > p.nCell {
		idx = p.nCell
	}
	for i := p.nCell; i > idx; i-- {
		p.setCellOffset(i, p.cellOffset(i-1))
	}
	p.setCellOffset(idx, off)
	p.nCell++
	binary2ByteCellCount(p)
	return nil
}
