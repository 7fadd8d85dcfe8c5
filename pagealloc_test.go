package btreekit

import (
	"path/filepath"
	"testing"
)

func openTestBtree(t *testing.T) *Btree {
	t.Helper()
	path := filepath.Join(t.TempDir(), "alloc.db")
	b, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestFreePageThenAllocateAnyReclaimsIt(t *testing.T) {
	b := openTestBtree(t)
	txn, err := b.bt.BeginTxn(true)
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	defer txn.Rollback()

	pg, err := txn.allocatePage(AllocAny, 0)
	if err != nil {
		t.Fatalf("allocatePage: %v", err)
	}
	freed := pg.pgno

	if err := freePage(txn, freed, false); err != nil {
		t.Fatalf("freePage: %v", err)
	}

	hdr, _, err := header1(txn)
	if err != nil {
		t.Fatalf("header1: %v", err)
	}
	if dbHeaderFreeCount(hdr) != 1 {
		t.Errorf("free count = %d, want 1", dbHeaderFreeCount(hdr))
	}

	reused, err := txn.allocatePage(AllocAny, 0)
	if err != nil {
		t.Fatalf("allocatePage after free: %v", err)
	}
	if reused.pgno != freed {
		t.Errorf("expected the freed page %d to be reclaimed, got %d", freed, reused.pgno)
	}

	hdr2, _, err := header1(txn)
	if err != nil {
		t.Fatalf("header1: %v", err)
	}
	if dbHeaderFreeCount(hdr2) != 0 {
		t.Errorf("free count after reuse = %d, want 0", dbHeaderFreeCount(hdr2))
	}
}

func TestAllocateExactReclaimsSpecificPage(t *testing.T) {
	b := openTestBtree(t)
	txn, err := b.bt.BeginTxn(true)
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	defer txn.Rollback()

	var pgnos []uint32
	for i := 0; i < 3; i++ {
		pg, err := txn.allocatePage(AllocAny, 0)
		if err != nil {
			t.Fatalf("allocatePage: %v", err)
		}
		pgnos = append(pgnos, pg.pgno)
	}
	for _, pgno := range pgnos {
		if err := freePage(txn, pgno, false); err != nil {
			t.Fatalf("freePage(%d): %v", pgno, err)
		}
	}

	want := pgnos[1]
	pgno, data, err := allocatePageFromFreelist(txn, AllocExact, want)
	if err != nil {
		t.Fatalf("allocatePageFromFreelist: %v", err)
	}
	if pgno != want {
		t.Errorf("AllocExact returned %d, want %d", pgno, want)
	}
	if len(data) != int(b.bt.pager.PageSize()) {
		t.Errorf("returned page buffer has wrong length %d", len(data))
	}
}

func TestFreePageSecureDeleteZeroesContent(t *testing.T) {
	b := openTestBtree(t)
	txn, err := b.bt.BeginTxn(true)
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	defer txn.Rollback()

	pg, err := txn.allocatePage(AllocAny, 0)
	if err != nil {
		t.Fatalf("allocatePage: %v", err)
	}
	copy(pg.data, []byte("not zero"))

	if err := freePage(txn, pg.pgno, true); err != nil {
		t.Fatalf("freePage: %v", err)
	}
	data, err := txn.getPageRaw(pg.pgno)
	if err != nil {
		t.Fatalf("getPageRaw: %v", err)
	}
	for i, b := range data[8:16] {
		if b != 0 {
			t.Fatalf("byte %d not zeroed after secure delete: %v", i, data[8:16])
		}
	}
}
