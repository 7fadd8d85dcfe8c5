package btreekit

// Config collects the knobs spec.md §6 exposes, following the
// teacher's chained With... option pattern (gdbx/env.go's
// Env.SetGeometry/SetMaxDBs/SetMapSize setters, generalized into a
// single builder so Open takes one value instead of a long call chain).
type Config struct {
	pageSize       uint32
	reservedBytes  uint8
	autoVacuum     AutoVacuumMode
	cacheSize      int
	maxReaders     uint32
	secureDelete   bool
	busyTimeoutMs  int
	journalMode    JournalMode
	synchronous    SynchronousMode
}

// JournalMode selects how the pager protects against torn writes on
// crash (spec.md §5 "Transaction & lock coordinator").
type JournalMode int

const (
	JournalRollback JournalMode = iota
	JournalWAL
)

// SynchronousMode controls how aggressively the pager fsyncs.
type SynchronousMode int

const (
	SyncOff SynchronousMode = iota
	SyncNormal
	SyncFull
)

// DefaultConfig returns a Config with spec.md's documented defaults.
func DefaultConfig() *Config {
	return &Config{
		pageSize:      4096,
		reservedBytes: 0,
		autoVacuum:    AutoVacuumOff,
		cacheSize:     2000,
		maxReaders:    126,
		secureDelete:  false,
		busyTimeoutMs: 5000,
		journalMode:   JournalRollback,
		synchronous:   SyncFull,
	}
}

func (c *Config) WithPageSize(n uint32) *Config {
	c.pageSize = n
	return c
}

func (c *Config) WithReservedBytes(n uint8) *Config {
	c.reservedBytes = n
	return c
}

func (c *Config) WithAutoVacuum(mode AutoVacuumMode) *Config {
	c.autoVacuum = mode
	return c
}

func (c *Config) WithCacheSize(n int) *Config {
	c.cacheSize = n
	return c
}

func (c *Config) WithMaxReaders(n uint32) *Config {
	c.maxReaders = n
	return c
}

func (c *Config) WithSecureDelete(on bool) *Config {
	c.secureDelete = on
	return c
}

func (c *Config) WithBusyTimeout(ms int) *Config {
	c.busyTimeoutMs = ms
	return c
}

func (c *Config) WithJournalMode(m JournalMode) *Config {
	c.journalMode = m
	return c
}

func (c *Config) WithSynchronous(m SynchronousMode) *Config {
	c.synchronous = m
	return c
}

func (c *Config) validate() error {
	if c.pageSize < minPageSize || c.pageSize > maxPageSize {
		return NewError(Corrupt, "page size out of range")
	}
	if c.pageSize&(c.pageSize-1) != 0 {
		return NewError(Corrupt, "page size must be a power of two")
	}
	if int(c.reservedBytes) >= int(c.pageSize) {
		return NewError(Corrupt, "reserved bytes must be less than page size")
	}
	return nil
}
