package btreekit

// Overflow pages hold the tail of a payload that didn't fit locally
// (spec.md §4.4). Each overflow page's first 4 bytes are the next
// overflow page number (0 if this is the last), followed by payload
// bytes filling the rest of the usable area.
const overflowHeaderSize = 4

// readPayload copies the full payload of the cell described by info
// (local portion plus any overflow chain) into dst, starting at byte
// offset off within the logical payload, for up to len(dst) bytes.
// This is the read half of spec.md §4.4 "access_payload". Overflow
// pages are normally fetched through the pager's cache (getPageRaw),
// but when txn.canReadOverflowDirect reports the fast-path
// preconditions hold, the chain is instead read straight off the file
// via Pager.ReadOverflowDirect, one page at a time into a reused
// scratch buffer, skipping the decoded-page cache entirely.
func readPayload(txn *Txn, p *MemPage, cellOff int, info CellInfo, off int, dst []byte) error {
	if off < 0 || off+len(dst) > int(info.Payload) {
		return NewError(Corrupt, "payload read out of range")
	}
	n := 0

	// Local part.
	if off < int(info.Local) {
		take := int(info.Local) - off
		if take > len(dst) {
			take = len(dst)
		}
		copy(dst[:take], p.data[info.payloadOff+off:])
		n += take
		off += take
	}
	if n >= len(dst) {
		return nil
	}

	if info.Overflow == 0 {
		return NewError(Corrupt, "payload extends past local data with no overflow chain")
	}

	ovflPgno := payloadOverflowPgno(p, cellOff, info)
	usable := p.usableSize()
	bytesPerPage := usable - overflowHeaderSize
	skip := off - int(info.Local)

	direct := txn.canReadOverflowDirect()
	var scratch []byte
	if direct {
		scratch = make([]byte, len(p.data))
	}

	for ovflPgno != 0 && n < len(dst) {
		var data []byte
		if direct {
			if err := txn.bt.pager.ReadOverflowDirect(ovflPgno, scratch); err != nil {
				return err
			}
			data = scratch
		} else {
			var err error
			data, err = txn.getPageRaw(ovflPgno)
			if err != nil {
				return err
			}
		}
		next := beUint32(data)
		pageUsable := bytesPerPage
		if skip >= pageUsable {
			skip -= pageUsable
			ovflPgno = next
			continue
		}
		avail := pageUsable - skip
		take := len(dst) - n
		if take > avail {
			take = avail
		}
		copy(dst[n:n+take], data[overflowHeaderSize+skip:overflowHeaderSize+skip+take])
		n += take
		skip = 0
		ovflPgno = next
	}
	if n < len(dst) {
		return NewError(Corrupt, "overflow chain shorter than payload length")
	}
	return nil
}

// writePayload is the write half of access_payload: it lays out
// totalLen bytes of payload across the cell's local area (sized for
// info.Local by the caller via cellInfoSize) and a freshly allocated
// overflow chain for the remainder, returning the pgno of the first
// overflow page (0 if none was needed).
func writePayload(txn *Txn, localDst []byte, payload []byte, localLen uint32) (uint32, error) {
	copy(localDst, payload[:localLen])
	rest := payload[localLen:]
	if len(rest) == 0 {
		return 0, nil
	}

	firstPage, err := txn.allocatePage(AllocAny, 0)
	if err != nil {
		return 0, err
	}
	cur := firstPage
	for {
		if err := txn.markDirty(cur); err != nil {
			return 0, err
		}
		usable := cur.usableSize()
		chunk := usable - overflowHeaderSize
		if chunk > len(rest) {
			chunk = len(rest)
		}
		copy(cur.data[overflowHeaderSize:overflowHeaderSize+chunk], rest[:chunk])
		rest = rest[chunk:]
		if len(rest) == 0 {
			putUint32BE(cur.data, 0)
			break
		}
		next, err := txn.allocatePage(AllocAny, 0)
		if err != nil {
			return 0, err
		}
		putUint32BE(cur.data, next.pgno)
		cur = next
	}
	return firstPage.pgno, nil
}

// freeOverflowChain releases every page in an overflow chain starting
// at pgno, following spec.md §4.4's delete path.
func freeOverflowChain(txn *Txn, pgno uint32, secureDelete bool) error {
	for pgno != 0 {
		data, err := txn.getPageRaw(pgno)
		if err != nil {
			return err
		}
		next := beUint32(data)
		if err := freePage(txn, pgno, secureDelete); err != nil {
			return err
		}
		pgno = next
	}
	return nil
}

// accessPayloadDirect implements the documented 4-byte scratch
// contract from SPEC_FULL.md §13 Open Question 2: readers that want to
// peek at a small, page-boundary-crossing span of a payload without
// allocating a full-size buffer may pass a dst of exactly 4 bytes; the
// function fills as many of those bytes as the payload has remaining
// from off and returns the count actually filled, recovering from any
// out-of-bounds access as a Corrupt error rather than panicking the
// whole process. This is unrelated to Pager.ReadOverflowDirect (the
// cache-bypassing fast path readPayload takes for whole overflow
// pages); accessPayloadDirect always goes through readPayload's normal
// (possibly cached, possibly direct) page access underneath.
func accessPayloadDirect(txn *Txn, p *MemPage, cellOff int, info CellInfo, off int, dst [4]byte) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			n = 0
			err = NewError(Corrupt, "payload scratch access out of bounds")
		}
	}()
	remaining := int(info.Payload) - off
	if remaining <= 0 {
		return 0, nil
	}
	if remaining > 4 {
		remaining = 4
	}
	buf := dst[:remaining]
	if err := readPayload(txn, p, cellOff, info, off, buf); err != nil {
		return 0, err
	}
	return remaining, nil
}
