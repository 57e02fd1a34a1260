package winnt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"

	"github.com/hyperlens/hyperlens/pkg/guest"
)

// ErrCorruptUnicodeString marks a string descriptor whose used length
// exceeds its capacity.
var ErrCorruptUnicodeString = errors.New("corrupted UNICODE_STRING")

// readUnicodeString reads the 16-byte UNICODE_STRING descriptor at
// addr (byte count, capacity, padding, buffer pointer) and decodes
// exactly the used bytes of its buffer.
func (nt *OS) readUnicodeString(addr uint64) (string, error) {
	var raw [16]byte
	if err := guest.ReadFull(nt.core, raw[:], addr); err != nil {
		return "", fmt.Errorf("reading UNICODE_STRING at %#x: %w", addr, err)
	}
	length := binary.LittleEndian.Uint16(raw[0:2])
	maxLength := binary.LittleEndian.Uint16(raw[2:4])
	buffer := binary.LittleEndian.Uint64(raw[8:16])

	if length > maxLength {
		return "", fmt.Errorf("at %#x: %w", addr, ErrCorruptUnicodeString)
	}
	if length == 0 {
		return "", nil
	}
	buf := make([]byte, length)
	if err := guest.ReadFull(nt.core, buf, buffer); err != nil {
		return "", fmt.Errorf("reading UNICODE_STRING buffer at %#x: %w", buffer, err)
	}
	return decodeUTF16(buf), nil
}

func decodeUTF16(in []byte) string {
	utf16encoded := []uint16{}
	for i := 0; i+1 < len(in); i += 2 {
		utf16encoded = append(utf16encoded, uint16(in[i])+uint16(in[i+1])<<8)
	}
	return string(utf16.Decode(utf16encoded))
}
