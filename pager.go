package btreekit

import (
	"os"
	"sync"
	"unsafe"

	"github.com/btreekit/btreekit/internal/fastmap"
	"github.com/btreekit/btreekit/mmap"
)

// Pager owns the on-disk file, its mmap'd view, and the cache of
// decoded pages. It plays the role of the teacher's Env+mmap.Map pair
// (gdbx/env.go), adapted from mdbx's COW meta-page-swap model to
// spec.md §5's simpler single-writer rollback-journal model: writes
// land directly on the mmap'd view, a pre-image of every dirty page is
// captured in the journal (journal.go) before the first write touches
// it, and rollback replays those pre-images instead of remapping to an
// older meta page.
type Pager struct {
	mu sync.RWMutex

	file     *os.File
	path     string
	mapping  *mmap.Map
	pageSize uint32
	numPages uint32
	readOnly bool

	// cache indexes decoded, currently-referenced pages by page number,
	// adapted from the teacher's internal/fastmap (gdbx's node-pointer
	// cache) into a pgno->*MemPage index, since both are fixed-width
	// integer keys benefiting from the same fibonacci-hashed,
	// open-addressed table.
	cache   *fastmap.Uint32Map
	cacheMu sync.Mutex

	journal *journal
}

// OpenPager creates or opens a database file at path and maps it,
// following the teacher's NewEnv+Open two-step (gdbx/env.go) collapsed
// into one call since this engine has no separate lock-file geometry
// negotiation step.
func OpenPager(path string, cfg *Config, readOnly bool) (*Pager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	flags := os.O_RDWR | os.O_CREATE
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, WrapError(IoErr, "open database file", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, WrapError(IoErr, "stat database file", err)
	}

	p := &Pager{
		file:     f,
		path:     path,
		pageSize: cfg.pageSize,
		readOnly: readOnly,
		cache:    &fastmap.Uint32Map{},
		journal:  newJournal(path + "-journal"),
	}

	if info.Size() == 0 {
		if readOnly {
			f.Close()
			return nil, NewError(IoErr, "cannot create database in read-only mode")
		}
		if err := p.initEmptyFile(cfg); err != nil {
			f.Close()
			return nil, err
		}
		info, err = f.Stat()
		if err != nil {
			f.Close()
			return nil, WrapError(IoErr, "stat database file", err)
		}
	}

	m, err := mmap.MapFile(path, !readOnly)
	if err != nil {
		f.Close()
		return nil, WrapError(IoErr, "mmap database file", err)
	}
	p.mapping = m
	p.numPages = uint32(info.Size()) / p.pageSize
	return p, nil
}

// initEmptyFile writes a single zeroed page 1 sized per cfg, giving
// the caller (Btree.Open) a blank slate on which to zeroPage+write the
// database header and the initial empty root table.
func (p *Pager) initEmptyFile(cfg *Config) error {
	buf := make([]byte, cfg.pageSize)
	if _, err := p.file.WriteAt(buf, 0); err != nil {
		return WrapError(IoErr, "initialize database file", err)
	}
	return p.file.Sync()
}

// Get returns the raw buffer for page pgno (1-indexed). A page number
// of 0 or past the current end of file is a Corrupt error; the mapping
// is not grown. The caller is responsible for calling initPage on the
// result.
func (p *Pager) Get(pgno uint32) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if pgno == 0 || pgno > p.numPages {
		return nil, NewError(Corrupt, "page number out of range")
	}
	off := int64(pgno-1) * int64(p.pageSize)
	return p.mapping.Data()[off : off+int64(p.pageSize)], nil
}

// Allocate extends the file by one page and returns its buffer and
// number, zero-filled. The B-tree's own free-list (pagealloc.go) is
// always consulted first; Allocate is the fallback that grows the
// file when the free-list is empty, matching spec.md §4.3.
func (p *Pager) Allocate() (uint32, []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readOnly {
		return 0, nil, NewError(ReadOnly, "cannot allocate page in read-only pager")
	}
	newPgno := p.numPages + 1
	newSize := int64(newPgno) * int64(p.pageSize)
	if err := p.file.Truncate(newSize); err != nil {
		return 0, nil, WrapError(IoErr, "grow database file", err)
	}
	if err := p.mapping.Remap(newSize); err != nil {
		return 0, nil, WrapError(IoErr, "remap database file", err)
	}
	p.numPages = uint32(newPgno)
	off := int64(newPgno-1) * int64(p.pageSize)
	buf := p.mapping.Data()[off : off+int64(p.pageSize)]
	clear(buf)
	return newPgno, buf, nil
}

// MarkDirty captures pg's pre-image in the rollback journal the first
// time it is touched within the current transaction, per spec.md §5's
// "journal every page exactly once before its first write" rule.
func (p *Pager) MarkDirty(pgno uint32, data []byte) error {
	return p.journal.record(pgno, data)
}

// Commit flushes the mapping to disk and discards the journal,
// following gdbx's CommitPhaseOne/CommitPhaseTwo split (env.go/txn.go):
// phase one durably writes the data, phase two removes the recovery
// artifact only once phase one is known to have landed.
func (p *Pager) Commit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.mapping.Sync(); err != nil {
		return WrapError(IoErr, "sync database file", err)
	}
	return p.journal.discard()
}

// Rollback restores every journaled page's pre-image and discards the
// journal.
func (p *Pager) Rollback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.journal.replay(p.mapping.Data(), p.pageSize); err != nil {
		return err
	}
	return p.journal.discard()
}

// RollbackPages restores only the listed pages to their journaled
// pre-image and forgets those pages' journal entries, leaving the rest
// of the transaction's journal intact. Used by Txn.RollbackTo for
// savepoint-scoped rollback, as opposed to Rollback's whole-journal
// replay for a full transaction abort.
func (p *Pager) RollbackPages(pgnos map[uint32]bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.journal.replaySelected(p.mapping.Data(), p.pageSize, pgnos); err != nil {
		return err
	}
	for pgno := range pgnos {
		p.journal.forget(pgno)
		p.cacheInvalidate(pgno)
	}
	return nil
}

// ReadOverflowDirect reads page pgno straight from the backing file via
// ReadAt into dst (which must be exactly one page long), bypassing both
// the mmap'd view and the decoded-page cache (spec.md §4.4's direct-I/O
// fast path for overflow reads). Callers must only take this path under
// the preconditions spec.md §4.4 states: the calling transaction is
// read-only, no writer transaction is active on the shared Btree, and
// the database is not in WAL mode (this engine has no WAL, so that gate
// always holds). Under those preconditions the page's on-disk bytes
// can't be mid-write, so skipping the mmap'd view and cache can't
// observe a torn or stale page; txn.canReadOverflowDirect checks them
// before a caller reaches here.
func (p *Pager) ReadOverflowDirect(pgno uint32, dst []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if pgno == 0 || pgno > p.numPages {
		return NewError(Corrupt, "page number out of range")
	}
	if uint32(len(dst)) != p.pageSize {
		return NewError(Corrupt, "direct overflow read requires a full page buffer")
	}
	off := int64(pgno-1) * int64(p.pageSize)
	if _, err := p.file.ReadAt(dst, off); err != nil {
		return WrapError(IoErr, "direct overflow page read", err)
	}
	return nil
}

// NumPages returns the current page count of the file.
func (p *Pager) NumPages() uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.numPages
}

// PageSize returns the configured page size.
func (p *Pager) PageSize() uint32 { return p.pageSize }

// Close unmaps and closes the backing file.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	if p.mapping != nil {
		if err := p.mapping.Close(); err != nil && firstErr == nil {
			firstErr = WrapError(IoErr, "unmap database file", err)
		}
	}
	if err := p.file.Close(); err != nil && firstErr == nil {
		firstErr = WrapError(IoErr, "close database file", err)
	}
	return firstErr
}

// cachePut/cacheGet let callers pin a decoded *MemPage by page number
// across cursor operations without re-running initPage, mirroring the
// teacher's per-txn node cache (gdbx/cursor.go).
func (p *Pager) cachePut(pg *MemPage) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	p.cache.Set(pg.pgno, unsafe.Pointer(pg))
}

func (p *Pager) cacheGet(pgno uint32) *MemPage {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	ptr := p.cache.Get(pgno)
	if ptr == nil {
		return nil
	}
	return (*MemPage)(ptr)
}

func (p *Pager) cacheInvalidate(pgno uint32) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	p.cache.Delete(pgno)
}

func (p *Pager) cacheClear() {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	p.cache.Clear()
}
