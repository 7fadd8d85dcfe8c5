package btreekit

// CellInfo is the parsed view of one on-page cell, filled in by
// parseCell. Field names follow the shape of the CellInfo structure
// sketched in spec.md §3 ("Cell") and the `code-for-fun-wendigo`
// transliteration of sqlite3's CellInfo, adapted into real Go: instead
// of a raw pointer plus manual pointer arithmetic, parseCell returns
// offsets into the page's own buffer.
type CellInfo struct {
	// Key is the integer rowid for table cells. For index cells there is
	// no separate integer key: the payload itself is the key, compared
	// byte-for-byte (compareBytes in cursor.go), and Key here just mirrors
	// Payload's length (matching sqlite's own CellInfo.nKey convention for
	// index pages). Callers building divider cells for an index interior
	// page must use the payload bytes, not Key, as rewriteParentDividers
	// does — treating Key as an orderable integer for an index cell is a bug.
	Key      int64
	Payload  uint32 // total payload length, local + overflow
	Local    uint32 // payload bytes stored on this page
	Header   int    // size of the cell's header (varints + child ptr)
	Size     int    // total size of the cell as stored on the page
	Overflow int    // offset within the cell of the 4-byte overflow pgno, or 0
	payloadOff int  // offset within the page buffer where local payload starts
}

// parseCell decodes the cell at page offset cellOff into info.
// Cost is O(len of the leading varints), matching spec.md §4.1.
func parseCell(p *MemPage, cellOff int) (CellInfo, error) {
	var info CellInfo
	buf := p.data[cellOff:]
	n := p.childPtrSize

	switch p.typ {
	case pageInteriorTable:
		// 4-byte child ptr, then a varint rowid; no payload at all.
		if len(buf) < n+1 {
			return info, NewError(Corrupt, "truncated interior-table cell")
		}
		key, kn := getVarint(buf[n:])
		if kn == 0 {
			return info, NewError(Corrupt, "truncated rowid varint")
		}
		info.Key = int64(key)
		info.Header = n + kn
		info.Size = info.Header
		if info.Size < minCellSize {
			info.Size = minCellSize
		}
		return info, nil

	case pageLeafTable:
		payload, pn := getVarint32(buf)
		if pn == 0 {
			return info, NewError(Corrupt, "truncated payload-size varint")
		}
		key, kn := getVarint(buf[pn:])
		if kn == 0 {
			return info, NewError(Corrupt, "truncated rowid varint")
		}
		info.Key = int64(key)
		info.Payload = payload
		info.Header = pn + kn
		info.payloadOff = cellOff + info.Header

	case pageInteriorIndex:
		if len(buf) < n+1 {
			return info, NewError(Corrupt, "truncated interior-index cell")
		}
		payload, pn := getVarint32(buf[n:])
		if pn == 0 {
			return info, NewError(Corrupt, "truncated payload-size varint")
		}
		info.Key = int64(payload)
		info.Payload = payload
		info.Header = n + pn
		info.payloadOff = cellOff + info.Header

	case pageLeafIndex:
		payload, pn := getVarint32(buf)
		if pn == 0 {
			return info, NewError(Corrupt, "truncated payload-size varint")
		}
		info.Key = int64(payload)
		info.Payload = payload
		info.Header = pn
		info.payloadOff = cellOff + info.Header

	default:
		return info, NewError(Corrupt, "invalid page type")
	}

	if info.Payload <= uint32(p.maxLocal) {
		info.Local = info.Payload
		info.Size = info.Header + int(info.Payload)
		if info.Size < minCellSize {
			info.Size = minCellSize
		}
		return info, nil
	}

	info.Local = localPayloadSize(p, info.Payload)
	info.Overflow = info.Header + int(info.Local)
	info.Size = info.Overflow + 4
	return info, nil
}

// localPayloadSize implements the surplus formula from spec.md §3: the
// portion of an overflowing payload kept inline is chosen to minimize
// wasted space on overflow pages while staying within
// [minLocal, maxLocal]. Changing this formula breaks file-format
// compatibility, per spec.md.
func localPayloadSize(p *MemPage, payload uint32) uint32 {
	usable := p.usableSize()
	minLocal := uint32(p.minLocal)
	maxLocal := uint32(p.maxLocal)
	surplus := minLocal + (payload-minLocal)%uint32(usable-4)
	if surplus <= maxLocal {
		return surplus
	}
	return minLocal
}

// cellSize returns the byte size of the cell at cellOff. It is
// computed through parseCell, so its result agrees with
// parseCell(...).Size on all inputs (spec.md §4.1, §8 invariant 3).
func cellSize(p *MemPage, cellOff int) (int, error) {
	info, err := parseCell(p, cellOff)
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// payloadOverflowPgno returns the 4-byte overflow page number that
// follows a cell's local payload, or 0 if the cell has no overflow.
func payloadOverflowPgno(p *MemPage, cellOff int, info CellInfo) uint32 {
	if info.Overflow == 0 {
		return 0
	}
	return beUint32(p.data[cellOff+info.Overflow:])
}

// buildCell encodes a cell for the given page type from a rowid/key, the
// full payload length (local + any overflow-spilled tail), the local
// portion of the payload, and an overflow page number (0 if the whole
// payload fit locally). dst must be large enough; callers size it via
// cellInfoSize. For interior-table cells there is no payload at all, so
// totalPayloadLen/localPayload/overflowPgno are ignored.
func buildCell(dst []byte, typ pageType, childPgno uint32, key int64, totalPayloadLen uint32, localPayload []byte, overflowPgno uint32) int {
	off := 0
	if !typ.isLeaf() {
		putUint32BE(dst[off:], childPgno)
		off += 4
	}
	if typ == pageInteriorTable {
		off += putVarint(dst[off:], uint64(key))
		return off
	}
	if typ.isTable() {
		off += putVarint(dst[off:], uint64(totalPayloadLen))
		off += putVarint(dst[off:], uint64(key))
	} else {
		off += putVarint(dst[off:], uint64(totalPayloadLen))
	}
	off += copy(dst[off:], localPayload)
	if overflowPgno != 0 {
		putUint32BE(dst[off:], overflowPgno)
		off += 4
	}
	return off
}

// cellInfoSize computes the byte size a cell for the given full payload
// (possibly spanning local+overflow) will need, used to size scratch
// buffers before buildCell runs.
func cellInfoSize(p *MemPage, typ pageType, key int64, payloadLen uint32) (local uint32, size int) {
	headerLen := 0
	if !typ.isLeaf() {
		headerLen += 4
	}
	if typ.isTable() {
		if typ == pageInteriorTable {
			headerLen += varintLen(uint64(key))
			return 0, headerLen
		}
		headerLen += varintLen(uint64(payloadLen))
		headerLen += varintLen(uint64(key))
	} else {
		headerLen += varintLen(uint64(payloadLen))
	}

	if payloadLen <= uint32(p.maxLocal) {
		size = headerLen + int(payloadLen)
		if size < minCellSize {
			size = minCellSize
		}
		return payloadLen, size
	}
	local = localPayloadSize(p, payloadLen)
	size = headerLen + int(local) + 4
	return local, size
}
