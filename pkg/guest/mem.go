package guest

import (
	"encoding/binary"
	"fmt"
)

// PointerSize is the width of a guest pointer. Only 64-bit guests are
// supported.
const PointerSize = 8

// ReadFull reads len(buf) bytes at addr, treating a short read as an
// error.
func ReadFull(mem Memory, buf []byte, addr uint64) error {
	n, err := mem.ReadMemory(buf, addr)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short read at %#x: %d of %d bytes", addr, n, len(buf))
	}
	return nil
}

// ReadPointer reads a little-endian guest pointer at addr.
func ReadPointer(mem Memory, addr uint64) (uint64, error) {
	var buf [PointerSize]byte
	if err := ReadFull(mem, buf[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
