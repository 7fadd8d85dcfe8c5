package btreekit

// CursorState is one of the five states spec.md §3 "Cursor" names.
type CursorState int

const (
	CursorInvalid CursorState = iota
	CursorValid
	CursorRequiresSeek
	CursorFault
	CursorSkipNext
)

// cursorFrame is one level of a cursor's root-to-leaf path.
type cursorFrame struct {
	page *MemPage
	idx  int // index of the current cell within page
}

// Cursor walks one B-tree root-to-leaf path at a time, following
// spec.md §3/§4.5. Its embedded stack mirrors the teacher's fixed-size
// cursor page stack (gdbx/cursor.go's `pages [CursorStackSize]*page`),
// sized to btCursorMaxDepth instead of mdbx's branching-factor-derived
// constant.
type Cursor struct {
	txn   *Txn
	root  uint32
	index bool // true for index (arbitrary key) trees, false for table (intkey)

	state CursorState
	stack [btCursorMaxDepth]cursorFrame
	depth int // number of valid frames in stack

	skipNext int // +1/-1: direction to skip on the next Next/Previous after SkipNext

	savedKey   []byte
	savedIsRow bool
	savedRowid int64
}

// OpenCursor creates a cursor over the table/index rooted at root.
func (txn *Txn) OpenCursor(root uint32, index bool) (*Cursor, error) {
	c := &Cursor{txn: txn, root: root, index: index, state: CursorInvalid}
	txn.registerCursor(c)
	return c, nil
}

func (c *Cursor) invalidate() {
	c.state = CursorFault
	c.depth = 0
}

func (c *Cursor) Close() {
	c.state = CursorInvalid
	c.depth = 0
}

func (c *Cursor) State() CursorState { return c.state }

func (c *Cursor) top() *cursorFrame {
	if c.depth == 0 {
		return nil
	}
	return &c.stack[c.depth-1]
}

// pushPage descends into child pgno, appending a frame.
func (c *Cursor) pushPage(pgno uint32) error {
	if c.depth >= btCursorMaxDepth {
		return NewError(Corrupt, "b-tree depth exceeds cursor stack")
	}
	pg, err := c.txn.getPage(pgno)
	if err != nil {
		return err
	}
	c.stack[c.depth] = cursorFrame{page: pg, idx: 0}
	c.depth++
	return nil
}

// MoveToRoot repositions the cursor at the first cell of the root
// page, descending to a leaf if the root is interior.
func (c *Cursor) MoveToRoot() error {
	c.depth = 0
	if err := c.pushPage(c.root); err != nil {
		c.state = CursorFault
		return err
	}
	for !c.top().page.typ.isLeaf() {
		pgno, err := c.childAt(c.top().page, 0)
		if err != nil {
			c.state = CursorFault
			return err
		}
		if err := c.pushPage(pgno); err != nil {
			c.state = CursorFault
			return err
		}
	}
	if c.top().page.nCell == 0 {
		c.state = CursorInvalid
		return nil
	}
	c.state = CursorValid
	return nil
}

func (c *Cursor) childAt(pg *MemPage, idx int) (uint32, error) {
	if idx >= pg.nCell {
		return pg.rightmostChild(), nil
	}
	off := pg.cellOffset(idx)
	return beUint32(pg.data[off:]), nil
}

// Seek moves the cursor to the cell matching key/rowid (table B-trees
// compare by int64 rowid; index B-trees by the supplied byte-string
// key), implementing spec.md §4.5 binary search at each level. exact
// reports whether an exact match was found; if not, the cursor is left
// on the smallest cell greater than the sought key (or invalid, past
// the end).
func (c *Cursor) Seek(rowid int64, key []byte) (exact bool, err error) {
	c.depth = 0
	pgno := c.root
	for {
		pg, err := c.txn.getPage(pgno)
		if err != nil {
			c.state = CursorFault
			return false, err
		}
		c.stack[c.depth] = cursorFrame{page: pg, idx: 0}
		c.depth++

		next, found, done, err := c.seekWithinPage(pg, rowid, key)
		if err != nil {
			c.state = CursorFault
			return false, err
		}
		if done {
			return found, nil
		}
		pgno = next
	}
}

// seekWithinPage binary-searches pg for rowid/key. done is true when
// the caller should stop descending (a leaf was reached, or an exact
// match on an index page was found); otherwise next is the child page
// to descend into.
func (c *Cursor) seekWithinPage(pg *MemPage, rowid int64, key []byte) (next uint32, found, done bool, err error) {
	lo, hi := 0, pg.nCell
	for lo < hi {
		mid := (lo + hi) / 2
		off := pg.cellOffset(mid)
		info, perr := parseCell(pg, off)
		if perr != nil {
			return 0, false, false, perr
		}
		cmp, cerr := c.compareCell(pg, off, info, rowid, key)
		if cerr != nil {
			return 0, false, false, cerr
		}
		switch {
		case cmp < 0:
			lo = mid + 1
		case cmp > 0:
			hi = mid
		default:
			c.stack[c.depth-1].idx = mid
			if pg.typ.isLeaf() {
				c.state = CursorValid
				return 0, true, true, nil
			}
			// Table interior cells hold the max key of the left
			// subtree; an exact rowid match still must descend left to
			// find the actual leaf occurrence. An index B-tree's
			// payload equality at an interior node is itself the match.
			if !c.index {
				childPgno, _ := c.childAt(pg, mid)
				return childPgno, false, false, nil
			}
			c.state = CursorValid
			return 0, true, true, nil
		}
	}
	c.stack[c.depth-1].idx = lo
	if pg.typ.isLeaf() {
		if lo >= pg.nCell {
			c.state = CursorInvalid
			return 0, false, true, nil
		}
		c.state = CursorValid
		return 0, false, true, nil
	}
	childPgno, cerr := c.childAt(pg, lo)
	if cerr != nil {
		return 0, false, false, cerr
	}
	return childPgno, false, false, nil
}

func (c *Cursor) compareCell(pg *MemPage, off int, info CellInfo, rowid int64, key []byte) (int, error) {
	if !c.index {
		switch {
		case info.Key < rowid:
			return -1, nil
		case info.Key > rowid:
			return 1, nil
		default:
			return 0, nil
		}
	}
	payload := make([]byte, info.Payload)
	if err := readPayload(c.txn, pg, off, info, 0, payload); err != nil {
		return 0, err
	}
	return compareBytes(payload, key), nil
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// Next advances the cursor to the following cell in key order,
// following spec.md §4.5's "step to next leaf" logic: advance within
// the current leaf, or pop back up to the nearest ancestor with a
// not-yet-visited right sibling subtree and descend into it.
func (c *Cursor) Next() error {
	if c.state == CursorSkipNext && c.skipNext > 0 {
		c.state = CursorValid
		return nil
	}
	if c.state != CursorValid {
		return NewError(Abort, "cursor not positioned")
	}

	frame := c.top()
	frame.idx++
	if frame.idx < frame.page.nCell {
		if !frame.page.typ.isLeaf() {
			return c.descendAfterCell(frame.idx)
		}
		return nil
	}
	if !frame.page.typ.isLeaf() {
		return c.descendRightmost()
	}

	// Pop until we find an ancestor with another cell to visit.
	for c.depth > 1 {
		c.depth--
		parent := c.top()
		parent.idx++
		if parent.idx < parent.page.nCell {
			return c.descendAfterCell(parent.idx)
		}
		if parent.idx == parent.page.nCell {
			// Exactly one descent into the rightmost child remains.
			return c.descendRightmost()
		}
	}
	c.state = CursorInvalid
	return nil
}

func (c *Cursor) descendAfterCell(idx int) error {
	pg := c.top().page
	if pg.typ.isLeaf() {
		return nil
	}
	pgno, err := c.childAt(pg, idx)
	if err != nil {
		return err
	}
	return c.descendToLeftmost(pgno)
}

func (c *Cursor) descendRightmost() error {
	pg := c.top().page
	pgno := pg.rightmostChild()
	return c.descendToLeftmost(pgno)
}

func (c *Cursor) descendToLeftmost(pgno uint32) error {
	for {
		if err := c.pushPage(pgno); err != nil {
			c.state = CursorFault
			return err
		}
		pg := c.top().page
		if pg.typ.isLeaf() {
			if pg.nCell == 0 {
				return c.Next() // skip empty leaf
			}
			c.state = CursorValid
			return nil
		}
		var err error
		pgno, err = c.childAt(pg, 0)
		if err != nil {
			c.state = CursorFault
			return err
		}
	}
}

// Previous steps the cursor backward, the mirror image of Next.
func (c *Cursor) Previous() error {
	if c.state != CursorValid {
		return NewError(Abort, "cursor not positioned")
	}
	frame := c.top()
	if !frame.page.typ.isLeaf() {
		pgno, err := c.childAt(frame.page, frame.idx)
		if err != nil {
			return err
		}
		return c.descendToRightmostLeaf(pgno)
	}
	if frame.idx > 0 {
		frame.idx--
		return nil
	}
	for c.depth > 1 {
		c.depth--
		parent := c.top()
		if parent.idx > 0 {
			parent.idx--
			return nil
		}
	}
	c.state = CursorInvalid
	return nil
}

func (c *Cursor) descendToRightmostLeaf(pgno uint32) error {
	for {
		if err := c.pushPage(pgno); err != nil {
			c.state = CursorFault
			return err
		}
		pg := c.top().page
		if pg.typ.isLeaf() {
			if pg.nCell == 0 {
				return c.Previous()
			}
			c.top().idx = pg.nCell - 1
			c.state = CursorValid
			return nil
		}
		c.top().idx = pg.nCell
		var err error
		pgno, err = c.childAt(pg, pg.nCell)
		if err != nil {
			c.state = CursorFault
			return err
		}
	}
}

// CellInfo returns the parsed cell the cursor currently sits on.
func (c *Cursor) CellInfo() (CellInfo, int, *MemPage, error) {
	if c.state != CursorValid {
		return CellInfo{}, 0, nil, NewError(Abort, "cursor not positioned")
	}
	frame := c.top()
	off := frame.page.cellOffset(frame.idx)
	info, err := parseCell(frame.page, off)
	return info, off, frame.page, err
}

// Key returns the current cell's rowid (table trees).
func (c *Cursor) Key() (int64, error) {
	info, _, _, err := c.CellInfo()
	if err != nil {
		return 0, err
	}
	return info.Key, nil
}

// Payload reads the full payload bytes of the current cell.
func (c *Cursor) Payload() ([]byte, error) {
	info, off, pg, err := c.CellInfo()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, info.Payload)
	if err := readPayload(c.txn, pg, off, info, 0, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// SaveAll captures the cursor's current key so it can be Restored
// after a tree-modifying operation invalidates its page pointers
// (spec.md §4.5 "save_all"/"restore"). Restore repositions by Seek,
// resulting in CursorRequiresSeek semantics via a lazy re-seek.
func (c *Cursor) SaveAll() error {
	if c.state != CursorValid {
		return nil
	}
	info, off, pg, err := c.CellInfo()
	if err != nil {
		return err
	}
	if c.index {
		buf := make([]byte, info.Payload)
		if err := readPayload(c.txn, pg, off, info, 0, buf); err != nil {
			return err
		}
		c.savedKey = buf
		c.savedIsRow = false
	} else {
		c.savedRowid = info.Key
		c.savedIsRow = true
	}
	c.state = CursorRequiresSeek
	c.depth = 0
	return nil
}

// Restore re-seeks the cursor to its saved position, per spec.md
// §4.5. It is a no-op if the cursor was never saved.
func (c *Cursor) Restore() (exact bool, err error) {
	if c.state != CursorRequiresSeek {
		return c.state == CursorValid, nil
	}
	if c.savedIsRow {
		return c.Seek(c.savedRowid, nil)
	}
	return c.Seek(0, c.savedKey)
}
