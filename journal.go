package btreekit

import (
	"unsafe"

	"github.com/btreekit/btreekit/internal/fastmap"
	"github.com/btreekit/btreekit/spill"
)

// journal is the rollback journal of spec.md §5: a record of every
// page's pre-image, captured the first time a transaction dirties it,
// so Rollback can restore the file to its pre-transaction state.
// Storage is delegated to spill.Buffer (adapted from the teacher's
// dirty-page spill buffer, gdbx/spill/spill.go) instead of a plain
// []byte slice per page, since that buffer already solves "grow a
// page-indexed scratch area without invalidating outstanding slices".
type journal struct {
	path  string
	buf   *spill.Buffer
	slots *fastmap.Uint32Map // pgno -> *spill.Slot, via unsafe.Pointer
}

func newJournal(path string) *journal {
	return &journal{path: path, slots: &fastmap.Uint32Map{}}
}

// record captures data's current contents as pgno's pre-image, unless
// pgno has already been journaled this transaction.
func (j *journal) record(pgno uint32, data []byte) error {
	if j.slots.Get(pgno) != nil {
		return nil
	}
	if j.buf == nil {
		buf, err := spill.New(j.path, uint32(len(data)), spill.DefaultInitialCap)
		if err != nil {
			return WrapError(IoErr, "open rollback journal", err)
		}
		j.buf = buf
	}
	dst, slot, err := j.buf.Allocate()
	if err != nil {
		return WrapError(IoErr, "extend rollback journal", err)
	}
	slot.Pgno = pgno
	copy(dst, data)
	j.slots.Set(pgno, unsafe.Pointer(slot))
	return nil
}

// replay copies every journaled pre-image back over mapping.
func (j *journal) replay(mapping []byte, pageSize uint32) error {
	if j.buf == nil {
		return nil
	}
	var firstErr error
	j.slots.ForEach(func(pgno uint32, ptr unsafe.Pointer) {
		if firstErr != nil {
			return
		}
		slot := (*spill.Slot)(ptr)
		img := j.buf.Get(slot)
		if img == nil {
			firstErr = NewError(Corrupt, "rollback journal slot missing")
			return
		}
		off := int64(pgno-1) * int64(pageSize)
		if off < 0 || off+int64(pageSize) > int64(len(mapping)) {
			firstErr = NewError(Corrupt, "rollback journal page out of range")
			return
		}
		copy(mapping[off:off+int64(pageSize)], img)
	})
	return firstErr
}

// replaySelected copies the journaled pre-image back over mapping only
// for pages named in pgnos, leaving every other page's current content
// untouched. This backs Txn.RollbackTo: only pages first dirtied after
// a savepoint's mark are restored, rather than the whole transaction's
// journal (see forget, and the RollbackTo caveat in DESIGN.md about
// pages touched both before and after the mark).
func (j *journal) replaySelected(mapping []byte, pageSize uint32, pgnos map[uint32]bool) error {
	if j.buf == nil || len(pgnos) == 0 {
		return nil
	}
	var firstErr error
	j.slots.ForEach(func(pgno uint32, ptr unsafe.Pointer) {
		if firstErr != nil || !pgnos[pgno] {
			return
		}
		slot := (*spill.Slot)(ptr)
		img := j.buf.Get(slot)
		if img == nil {
			firstErr = NewError(Corrupt, "rollback journal slot missing")
			return
		}
		off := int64(pgno-1) * int64(pageSize)
		if off < 0 || off+int64(pageSize) > int64(len(mapping)) {
			firstErr = NewError(Corrupt, "rollback journal page out of range")
			return
		}
		copy(mapping[off:off+int64(pageSize)], img)
	})
	return firstErr
}

// forget drops pgno's journaled pre-image and returns its spill slot to
// the buffer's free pool, so a later re-dirty of the same page within
// the same transaction journals a fresh pre-image into reclaimed
// storage instead of leaking the old slot or leaving stale data in
// place (a long-lived transaction with many savepoints releases many
// slots this way between Savepoint/RollbackTo calls).
func (j *journal) forget(pgno uint32) {
	ptr := j.slots.Get(pgno)
	if ptr == nil {
		return
	}
	if j.buf != nil {
		j.buf.Release((*spill.Slot)(ptr))
	}
	j.slots.Delete(pgno)
}

// discard releases the journal's storage and clears the per-page
// record, making the journal ready for the next transaction.
func (j *journal) discard() error {
	if j.buf == nil {
		return nil
	}
	err := j.buf.Close(true)
	j.buf = nil
	j.slots.Clear()
	if err != nil {
		return WrapError(IoErr, "discard rollback journal", err)
	}
	return nil
}
