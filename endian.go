package btreekit

import "encoding/binary"

// All multi-byte integers on disk are big-endian (spec.md §4.1). The
// teacher (gdbx/endian_le.go, endian_be.go) splits little-endian access
// into an unsafe-pointer-cast fast path on native-little-endian
// architectures and an encoding/binary fallback elsewhere, because
// gdbx's on-disk format is itself little-endian and therefore native on
// the overwhelming majority of build targets. This format is
// big-endian, which is non-native on every one of those same
// architectures, so the unsafe-cast trick buys nothing here; a single
// encoding/binary-based implementation is both simpler and exactly as
// fast on every architecture the format actually benefits from.

func beUint16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }
func beUint32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }
func beUint64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

func putUint16BE(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }
func putUint32BE(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func putUint64BE(b []byte, v uint64) { binary.BigEndian.PutUint64(b, v) }
