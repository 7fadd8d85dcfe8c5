package btreekit

// Insert adds or replaces the cell for rowid (table trees) or payload
// (index trees, where the payload itself is the key) in the table
// rooted at root, following spec.md §4.5's insert path: seek to the
// target leaf, replace in place if an exact match already exists
// (freeing its old space and overflow chain first), otherwise open a
// new cell-pointer slot. balance is invoked afterward if the leaf no
// longer fits within its page.
func (txn *Txn) Insert(root uint32, rowid int64, payload []byte, index bool) error {
	if err := txn.checkWritable(); err != nil {
		return err
	}
	c, err := txn.OpenCursor(root, index)
	if err != nil {
		return err
	}
	defer c.Close()

	var key []byte
	if index {
		key = payload
	}
	exact, err := c.Seek(rowid, key)
	if err != nil {
		return err
	}

	frame := c.top()
	pg := frame.page
	if err := txn.markDirty(pg); err != nil {
		return err
	}

	if exact {
		off := pg.cellOffset(frame.idx)
		info, err := parseCell(pg, off)
		if err != nil {
			return err
		}
		if info.Overflow != 0 {
			if err := freeOverflowChain(txn, payloadOverflowPgno(pg, off, info), false); err != nil {
				return err
			}
		}
		if err := freeSpace(pg, off, info.Size, false); err != nil {
			return err
		}
	}

	var key64 int64
	if !index {
		key64 = rowid
	}
	local, size := cellInfoSize(pg, pg.typ, key64, uint32(len(payload)))

	off, err := allocateSpace(pg, size)
	if err != nil {
		return err
	}

	headerLen := size
	if int(local) > 0 {
		headerLen = size - int(local)
	}
	localBuf := pg.data[off+headerLen : off+headerLen+int(local)]
	var ovflPgno uint32
	if int(local) < len(payload) {
		ovflPgno, err = writePayload(txn, localBuf, payload, local)
		if err != nil {
			return err
		}
	} else {
		copy(localBuf, payload)
	}
	buildCell(pg.data[off:off+size], pg.typ, 0, key64, uint32(len(payload)), payload[:local], ovflPgno)

	if exact {
		pg.setCellOffset(frame.idx, off)
	} else {
		insertParentCellPointer(pg, frame.idx, off)
	}

	return balance(c, c.depth-1)
}

// Delete removes the cell the cursor is currently positioned on,
// following spec.md §4.5's delete path: free the cell's overflow chain
// (if any) and its on-page space, close the gap in the cell-pointer
// array, then rebalance.
func (c *Cursor) Delete() error {
	if c.state != CursorValid {
		return NewError(Abort, "cursor not positioned")
	}
	txn := c.txn
	frame := c.top()
	pg := frame.page
	if err := txn.markDirty(pg); err != nil {
		return err
	}

	off := pg.cellOffset(frame.idx)
	info, err := parseCell(pg, off)
	if err != nil {
		return err
	}
	if info.Overflow != 0 {
		if err := freeOverflowChain(txn, payloadOverflowPgno(pg, off, info), false); err != nil {
			return err
		}
	}

	if !pg.typ.isLeaf() {
		return deleteInteriorCell(c, frame.idx)
	}

	if err := removeParentCell(pg, frame.idx); err != nil {
		return err
	}
	if frame.idx >= pg.nCell {
		frame.idx = pg.nCell
	}
	return balance(c, c.depth-1)
}

// deleteInteriorCell removes a key from an interior node by replacing
// it with its in-order predecessor (the rightmost cell of its left
// subtree), following the classic B-tree delete-from-interior
// reduction so only leaf deletions need to special-case rebalancing.
func deleteInteriorCell(c *Cursor, idx int) error {
	txn := c.txn
	pg := c.top().page
	leftChild, err := pg.childAtIdx(idx)
	if err != nil {
		return err
	}

	save := c.depth
	if err := c.pushPage(leftChild); err != nil {
		return err
	}
	for !c.top().page.typ.isLeaf() {
		if err := c.pushPage(c.top().page.rightmostChild()); err != nil {
			return err
		}
	}
	predLeaf := c.top().page
	if predLeaf.nCell == 0 {
		c.depth = save
		return NewError(Corrupt, "interior delete found an empty predecessor leaf")
	}
	predOff := predLeaf.cellOffset(predLeaf.nCell - 1)
	predInfo, err := parseCell(predLeaf, predOff)
	if err != nil {
		return err
	}
	predPayload := make([]byte, predInfo.Payload)
	if err := readPayload(txn, predLeaf, predOff, predInfo, 0, predPayload); err != nil {
		return err
	}

	if err := txn.markDirty(predLeaf); err != nil {
		return err
	}
	if predInfo.Overflow != 0 {
		if err := freeOverflowChain(txn, payloadOverflowPgno(predLeaf, predOff, predInfo), false); err != nil {
			return err
		}
	}
	if err := removeParentCell(predLeaf, predLeaf.nCell-1); err != nil {
		return err
	}
	predBalanceFrame := c.depth - 1
	c.depth = save

	if err := txn.markDirty(pg); err != nil {
		return err
	}
	oldOff := pg.cellOffset(idx)
	oldSize, err := cellSize(pg, oldOff)
	if err != nil {
		return err
	}
	if err := freeSpace(pg, oldOff, oldSize, false); err != nil {
		return err
	}
	local, size := cellInfoSize(pg, pg.typ, predInfo.Key, uint32(len(predPayload)))
	newOff, err := allocateSpace(pg, size)
	if err != nil {
		return err
	}
	headerLen := size - int(local)
	var ovflPgno uint32
	if int(local) < len(predPayload) {
		localBuf := pg.data[newOff+headerLen : newOff+headerLen+int(local)]
		ovflPgno, err = writePayload(txn, localBuf, predPayload, local)
		if err != nil {
			return err
		}
	}
	buildCell(pg.data[newOff:newOff+size], pg.typ, leftChild, predInfo.Key, uint32(len(predPayload)), predPayload[:local], ovflPgno)
	pg.setCellOffset(idx, newOff)

	return balance(c, predBalanceFrame)
}
