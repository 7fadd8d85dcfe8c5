package btreekit

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// IntegrityReport is the result of CheckIntegrity (spec.md §4.8),
// formatted with github.com/dustin/go-humanize so operators get
// readable page and error counts instead of raw integers, the same
// courtesy the teacher extends to its benchmark output.
type IntegrityReport struct {
	Errors       []string
	PagesChecked int
	FreePages    int
	TotalPages   int
}

func (r *IntegrityReport) OK() bool { return len(r.Errors) == 0 }

func (r *IntegrityReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "checked %s pages (%s free) of %s total\n",
		humanize.Comma(int64(r.PagesChecked)),
		humanize.Comma(int64(r.FreePages)),
		humanize.Comma(int64(r.TotalPages)))
	if r.OK() {
		b.WriteString("no errors found\n")
		return b.String()
	}
	fmt.Fprintf(&b, "%s:\n", humanize.Comma(int64(len(r.Errors)))+" error(s)")
	for _, e := range r.Errors {
		b.WriteString("  * ")
		b.WriteString(e)
		b.WriteByte('\n')
	}
	return b.String()
}

// CheckIntegrity walks every registered table's B-tree plus the free
// list, checking that every page is referenced exactly once, that keys
// are ordered within each page and lie within their parent's divider
// bounds, and that the free list holds as many pages as the header
// declares. It does not read the pointer map (pointer-map pages are
// reported as unreferenced) and does not check a page's
// freeblock/fragment accounting.
func (b *Btree) CheckIntegrity(txn *Txn) (*IntegrityReport, error) {
	report := &IntegrityReport{TotalPages: int(txn.bt.pager.NumPages())}
	referenced := make([]bool, report.TotalPages+1)

	b.bt.mu.Lock()
	roots := make([]uint32, 0, len(b.bt.tables))
	for root := range b.bt.tables {
		roots = append(roots, root)
	}
	b.bt.mu.Unlock()

	b.bt.mu.Lock()
	indexRoots := make(map[uint32]bool, len(b.bt.tables))
	for root, info := range b.bt.tables {
		indexRoots[root] = info.index
	}
	b.bt.mu.Unlock()

	for _, root := range roots {
		isTable := !indexRoots[root]
		if err := checkSubtree(txn, root, referenced, report, isTable, nil, nil, nil, nil); err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
	}

	if err := checkFreelist(txn, referenced, report); err != nil {
		report.Errors = append(report.Errors, err.Error())
	}

	for pg := uint32(1); pg <= uint32(report.TotalPages); pg++ {
		report.PagesChecked++
		if !referenced[pg] {
			report.Errors = append(report.Errors, fmt.Sprintf("page %d is not referenced by any table or the free list", pg))
		}
	}
	return report, nil
}

// checkSubtree recursively validates pgno and its children, marking
// every visited page in referenced and reporting a duplicate
// reference (a page reachable from two places, which can never happen
// in a well-formed tree) as an error. For a table tree, minKey/maxKey
// bound the permissible rowid range. For an index tree there is no
// integer key to bound — the cell's payload bytes are the key, ordered
// by compareBytes exactly as cursor.go's Seek orders them — so minIdx/
// maxIdx bound those bytes instead; using CellInfo.Key here would
// compare payload *lengths*, not the keys themselves.
func checkSubtree(txn *Txn, pgno uint32, referenced []bool, report *IntegrityReport, isTable bool, minKey, maxKey *int64, minIdx, maxIdx []byte) error {
	if pgno == 0 || int(pgno) >= len(referenced) {
		return NewError(Corrupt, fmt.Sprintf("page number %d out of range", pgno))
	}
	if referenced[pgno] {
		return NewError(Corrupt, fmt.Sprintf("page %d referenced more than once", pgno))
	}
	referenced[pgno] = true

	pg, err := txn.getPage(pgno)
	if err != nil {
		return err
	}

	var prevKey *int64
	var prevIdx []byte
	for i := 0; i < pg.nCell; i++ {
		off := pg.cellOffset(i)
		info, err := parseCell(pg, off)
		if err != nil {
			return WrapError(Corrupt, fmt.Sprintf("page %d cell %d", pgno, i), err)
		}

		var idxKey []byte
		if isTable {
			if prevKey != nil && info.Key <= *prevKey {
				return NewError(Corrupt, fmt.Sprintf("page %d cell %d out of order", pgno, i))
			}
			k := info.Key
			prevKey = &k
			if minKey != nil && info.Key < *minKey {
				return NewError(Corrupt, fmt.Sprintf("page %d cell %d below parent's lower bound", pgno, i))
			}
			if maxKey != nil && info.Key > *maxKey {
				return NewError(Corrupt, fmt.Sprintf("page %d cell %d above parent's upper bound", pgno, i))
			}
		} else {
			idxKey = make([]byte, info.Payload)
			if err := readPayload(txn, pg, off, info, 0, idxKey); err != nil {
				return WrapError(Corrupt, fmt.Sprintf("page %d cell %d payload", pgno, i), err)
			}
			if prevIdx != nil && compareBytes(idxKey, prevIdx) <= 0 {
				return NewError(Corrupt, fmt.Sprintf("page %d cell %d out of order", pgno, i))
			}
			prevIdx = idxKey
			if minIdx != nil && compareBytes(idxKey, minIdx) < 0 {
				return NewError(Corrupt, fmt.Sprintf("page %d cell %d below parent's lower bound", pgno, i))
			}
			if maxIdx != nil && compareBytes(idxKey, maxIdx) > 0 {
				return NewError(Corrupt, fmt.Sprintf("page %d cell %d above parent's upper bound", pgno, i))
			}
		}

		if info.Overflow != 0 {
			if err := checkOverflowChain(txn, payloadOverflowPgno(pg, off, info), int(info.Payload-info.Local), referenced); err != nil {
				return err
			}
		}
		if !pg.typ.isLeaf() {
			childPgno := beUint32(pg.data[off:])
			if isTable {
				hi := info.Key
				if err := checkSubtree(txn, childPgno, referenced, report, isTable, minKey, &hi, nil, nil); err != nil {
					return err
				}
				minKey = prevKey
			} else {
				if err := checkSubtree(txn, childPgno, referenced, report, isTable, nil, nil, minIdx, idxKey); err != nil {
					return err
				}
				minIdx = prevIdx
			}
		}
	}
	if !pg.typ.isLeaf() {
		if err := checkSubtree(txn, pg.rightmostChild(), referenced, report, isTable, minKey, maxKey, minIdx, maxIdx); err != nil {
			return err
		}
	}
	return nil
}

func checkOverflowChain(txn *Txn, pgno uint32, remaining int, referenced []bool) error {
	for pgno != 0 && remaining > 0 {
		if int(pgno) >= len(referenced) {
			return NewError(Corrupt, fmt.Sprintf("overflow page number %d out of range", pgno))
		}
		if referenced[pgno] {
			return NewError(Corrupt, fmt.Sprintf("overflow page %d referenced more than once", pgno))
		}
		referenced[pgno] = true
		data, err := txn.getPageRaw(pgno)
		if err != nil {
			return err
		}
		remaining -= len(data) - overflowHeaderSize
		pgno = beUint32(data)
	}
	return nil
}

func checkFreelist(txn *Txn, referenced []bool, report *IntegrityReport) error {
	hdr, _, err := header1(txn)
	if err != nil {
		return err
	}
	trunkPgno := dbHeaderFirstTrunk(hdr)
	declaredFree := int(dbHeaderFreeCount(hdr))
	counted := 0

	for trunkPgno != 0 {
		if int(trunkPgno) >= len(referenced) {
			return NewError(Corrupt, fmt.Sprintf("free-list trunk page %d out of range", trunkPgno))
		}
		if referenced[trunkPgno] {
			return NewError(Corrupt, fmt.Sprintf("free-list trunk page %d referenced more than once", trunkPgno))
		}
		referenced[trunkPgno] = true
		counted++

		trunk, err := txn.getPage(trunkPgno)
		if err != nil {
			return err
		}
		n := int(trunkCount(trunk))
		for i := 0; i < n; i++ {
			leaf := trunkLeaf(trunk, i)
			if int(leaf) >= len(referenced) {
				return NewError(Corrupt, fmt.Sprintf("free-list leaf page %d out of range", leaf))
			}
			if referenced[leaf] {
				return NewError(Corrupt, fmt.Sprintf("free-list leaf page %d referenced more than once", leaf))
			}
			referenced[leaf] = true
			counted++
		}
		trunkPgno = trunkNext(trunk)
	}

	report.FreePages = counted
	if counted != declaredFree {
		return NewError(Corrupt, fmt.Sprintf("free-list holds %d pages but header declares %d", counted, declaredFree))
	}
	return nil
}
