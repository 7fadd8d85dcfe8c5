package btreekit

import "testing"

func newTestPage(t *testing.T, typ pageType) *MemPage {
	t.Helper()
	bt := &BtShared{pageSize: 4096}
	data := make([]byte, 4096)
	p := &MemPage{pgno: 2, data: data, hdrOff: 0, bt: bt}
	p.zeroPage(typ)
	return p
}

func TestZeroPageInvariants(t *testing.T) {
	for _, typ := range []pageType{pageLeafTable, pageInteriorTable, pageLeafIndex, pageInteriorIndex} {
		p := newTestPage(t, typ)
		if p.nCell != 0 {
			t.Errorf("%v: fresh page should have 0 cells, got %d", typ, p.nCell)
		}
		if p.contentOffset() != p.usableSize() {
			t.Errorf("%v: fresh page content offset should equal usable size", typ)
		}
		if p.firstFreeblock() != 0 {
			t.Errorf("%v: fresh page should have no freeblocks", typ)
		}
	}
}

func TestContentOffset65536Sentinel(t *testing.T) {
	p := newTestPage(t, pageLeafTable)
	p.setContentOffset(65536)
	if got := p.contentOffset(); got != 65536 {
		t.Errorf("contentOffset() = %d, want 65536", got)
	}
	raw := beUint16(p.data[p.hdrOff+hdrContentOff:])
	if raw != 0 {
		t.Errorf("on-disk sentinel for 65536 should be 0, got %d", raw)
	}
}

func TestInitPageRoundTrip(t *testing.T) {
	p := newTestPage(t, pageLeafTable)
	reloaded, err := initPage(p.bt, p.pgno, p.data)
	if err != nil {
		t.Fatalf("initPage: %v", err)
	}
	if reloaded.typ != p.typ || reloaded.nCell != p.nCell || reloaded.nFree != p.nFree {
		t.Errorf("initPage did not reproduce zeroPage's state: %+v vs %+v", reloaded, p)
	}
}

func TestInitPageRejectsBadFlag(t *testing.T) {
	bt := &BtShared{pageSize: 4096}
	data := make([]byte, 4096)
	data[0] = 0xAB
	if _, err := initPage(bt, 2, data); err == nil {
		t.Fatal("expected an error for an invalid page-type flag byte")
	}
}

func TestInitPageRejectsOverlappingContentArea(t *testing.T) {
	p := newTestPage(t, pageLeafTable)
	p.setContentOffset(0) // interpreted as 65536, legal; now force an overlap instead
	putUint16BE(p.data[p.hdrOff+hdrContentOff:], uint16(p.cellIdxOff+1))
	binary2ByteCellCount(p)
	putUint16BE(p.data[p.hdrOff+hdrCellCountOff:], 1)
	if _, err := initPage(p.bt, p.pgno, p.data); err == nil {
		t.Fatal("expected Corrupt error when content area overlaps the cell pointer array")
	}
}

func TestAllocateAndFreeSpaceRoundTrip(t *testing.T) {
	p := newTestPage(t, pageLeafTable)
	startFree := p.nFree

	off, err := allocateSpace(p, 20)
	if err != nil {
		t.Fatalf("allocateSpace: %v", err)
	}
	p.setCellOffset(0, off)
	p.nCell = 1
	putUint16BE(p.data[p.hdrOff+hdrCellCountOff:], 1)

	if p.nFree != startFree-20 {
		t.Errorf("nFree after allocate = %d, want %d", p.nFree, startFree-20)
	}

	if err := freeSpace(p, off, 20, false); err != nil {
		t.Fatalf("freeSpace: %v", err)
	}
	p.nCell = 0
	putUint16BE(p.data[p.hdrOff+hdrCellCountOff:], 0)

	if p.nFree != startFree {
		t.Errorf("nFree after free = %d, want %d (freed space should merge back into the content gap)", p.nFree, startFree)
	}
}

func TestDefragmentPreservesCellBytes(t *testing.T) {
	p := newTestPage(t, pageLeafTable)

	var offsets []int
	var payloads [][]byte
	for i := 0; i < 5; i++ {
		local, size := cellInfoSize(p, pageLeafTable, int64(i), 10)
		buf := make([]byte, size)
		buildCell(buf, pageLeafTable, 0, int64(i), 10, make([]byte, local), 0)
		off, err := allocateSpace(p, size)
		if err != nil {
			t.Fatalf("allocateSpace: %v", err)
		}
		copy(p.data[off:off+size], buf)
		p.setCellOffset(i, off)
		offsets = append(offsets, off)
		payloads = append(payloads, append([]byte(nil), buf...))
	}
	p.nCell = 5
	putUint16BE(p.data[p.hdrOff+hdrCellCountOff:], 5)

	// Free the middle cell to create a freeblock/gap so defragment has
	// something to do.
	midOff := p.cellOffset(2)
	size, _ := cellSize(p, midOff)
	if err := freeSpace(p, midOff, size, false); err != nil {
		t.Fatalf("freeSpace: %v", err)
	}

	if err := defragment(p); err != nil {
		t.Fatalf("defragment: %v", err)
	}

	for i, want := range payloads {
		if i == 2 {
			continue // freed, no longer part of the live cell array
		}
		off := p.cellOffset(i)
		size, err := cellSize(p, off)
		if err != nil {
			t.Fatalf("cellSize after defragment: %v", err)
		}
		got := p.data[off : off+size]
		if string(got) != string(want) {
			t.Errorf("cell %d bytes changed across defragment: got %v want %v", i, got, want)
		}
	}
	if p.firstFreeblock() != 0 {
		t.Errorf("defragment should clear the freeblock chain, got first freeblock at %d", p.firstFreeblock())
	}
	if p.fragmentBytes() != 0 {
		t.Errorf("defragment should clear fragment bytes, got %d", p.fragmentBytes())
	}
}
