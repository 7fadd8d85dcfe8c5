package btreekit

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.db")
}

func TestOpenFormatsEmptyDatabase(t *testing.T) {
	path := tempDBPath(t)
	b, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	st := b.Stat()
	if st.PageSize != DefaultConfig().pageSize {
		t.Errorf("PageSize = %d, want %d", st.PageSize, DefaultConfig().pageSize)
	}
	if st.TableCount != 1 {
		t.Errorf("TableCount = %d, want 1 (the default root table)", st.TableCount)
	}
}

func TestInsertSeekAndDeleteRoundTrip(t *testing.T) {
	path := tempDBPath(t)
	b, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	txn, err := b.BeginTxn(true)
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}

	const root = 1
	want := map[int64]string{}
	for i := int64(0); i < 50; i++ {
		v := fmt.Sprintf("value-%d", i)
		if err := txn.Insert(root, i, []byte(v), false); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
		want[i] = v
	}

	for k, v := range want {
		c, err := txn.OpenCursor(root, false)
		if err != nil {
			t.Fatalf("OpenCursor: %v", err)
		}
		exact, err := c.Seek(k, nil)
		if err != nil {
			t.Fatalf("Seek(%d): %v", k, err)
		}
		if !exact {
			t.Fatalf("Seek(%d) did not find an exact match", k)
		}
		payload, err := c.Payload()
		if err != nil {
			t.Fatalf("Payload: %v", err)
		}
		if string(payload) != v {
			t.Errorf("key %d: got %q, want %q", k, payload, v)
		}
		c.Close()
	}

	c, err := txn.OpenCursor(root, false)
	if err != nil {
		t.Fatalf("OpenCursor: %v", err)
	}
	if _, err := c.Seek(25, nil); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if err := c.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	delete(want, 25)

	c2, err := txn.OpenCursor(root, false)
	if err != nil {
		t.Fatalf("OpenCursor: %v", err)
	}
	exact, err := c2.Seek(25, nil)
	if err != nil {
		t.Fatalf("Seek after delete: %v", err)
	}
	if exact {
		t.Error("deleted key 25 should no longer be found")
	}

	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestForwardIterationVisitsEveryKeyInOrder(t *testing.T) {
	path := tempDBPath(t)
	b, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	txn, err := b.BeginTxn(true)
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	const root = 1
	const n = 40
	for i := int64(n - 1); i >= 0; i-- { // insert out of order
		if err := txn.Insert(root, i, []byte(fmt.Sprintf("v%d", i)), false); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	c, err := txn.OpenCursor(root, false)
	if err != nil {
		t.Fatalf("OpenCursor: %v", err)
	}
	if err := c.MoveToRoot(); err != nil {
		t.Fatalf("MoveToRoot: %v", err)
	}
	var seen []int64
	for c.State() == CursorValid {
		k, err := c.Key()
		if err != nil {
			t.Fatalf("Key: %v", err)
		}
		seen = append(seen, k)
		if err := c.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if len(seen) != n {
		t.Fatalf("iterated %d keys, want %d", len(seen), n)
	}
	for i, k := range seen {
		if k != int64(i) {
			t.Errorf("position %d: got key %d, want %d (iteration order should be ascending)", i, k, i)
		}
	}

	if err := txn.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
}

func TestCreateAndDropTable(t *testing.T) {
	path := tempDBPath(t)
	b, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	txn, err := b.BeginTxn(true)
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	root, err := b.CreateTable(txn, false)
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if err := txn.Insert(root, 1, []byte("x"), false); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := b.DropTable(txn, root); err != nil {
		t.Fatalf("DropTable: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	st := b.Stat()
	if st.TableCount != 1 {
		t.Errorf("TableCount after drop = %d, want 1", st.TableCount)
	}
}

func TestRollbackRestoresPreImage(t *testing.T) {
	path := tempDBPath(t)
	b, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	txn, err := b.BeginTxn(true)
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	if err := txn.Insert(1, 1, []byte("committed"), false); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	txn2, err := b.BeginTxn(true)
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	if err := txn2.Insert(1, 2, []byte("should not survive"), false); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := txn2.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	txn3, err := b.BeginTxn(false)
	if err != nil {
		t.Fatalf("BeginTxn(read): %v", err)
	}
	c, err := txn3.OpenCursor(1, false)
	if err != nil {
		t.Fatalf("OpenCursor: %v", err)
	}
	exact, err := c.Seek(1, nil)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if !exact {
		t.Error("committed key 1 should still be present after the next transaction rolls back")
	}

	c2, err := txn3.OpenCursor(1, false)
	if err != nil {
		t.Fatalf("OpenCursor: %v", err)
	}
	exact2, err := c2.Seek(2, nil)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if exact2 {
		t.Error("rolled-back key 2 should not be present")
	}
	txn3.Rollback()
}

func TestCheckIntegrityOnFreshDatabase(t *testing.T) {
	path := tempDBPath(t)
	b, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	txn, err := b.BeginTxn(true)
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	for i := int64(0); i < 200; i++ {
		if err := txn.Insert(1, i, []byte(fmt.Sprintf("payload-%d-%s", i, longFiller)), false); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	txn2, err := b.BeginTxn(false)
	if err != nil {
		t.Fatalf("BeginTxn(read): %v", err)
	}
	defer txn2.Rollback()
	report, err := b.CheckIntegrity(txn2)
	if err != nil {
		t.Fatalf("CheckIntegrity: %v", err)
	}
	if !report.OK() {
		t.Errorf("integrity report has errors: %s", report.String())
	}
}

var longFiller = make256Bytes()

func make256Bytes() string {
	b := make([]byte, 256)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return string(b)
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
