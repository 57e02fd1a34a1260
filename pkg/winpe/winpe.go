// Package winpe probes and identifies Portable Executable images read
// out of guest memory.
//
// Images arrive in virtual-memory layout, the mapping a loader built,
// not in file layout. Header fields are therefore located by walking the
// header chain directly; virtual addresses inside a mapped image are
// plain offsets from its base.
package winpe

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	dosMagic      = 0x5a4d // "MZ"
	ntMagic       = 0x4550 // "PE\0\0"
	machineAMD64  = 0x8664
	pe32PlusMagic = 0x20b

	lfanewOff    = 0x3c
	optHeaderOff = 24 // from the NT signature
)

// ErrNoImage indicates the probed bytes do not start with an executable
// image header at all.
var ErrNoImage = errors.New("no executable image header")

// ReadImageSize checks whether buf begins with the headers of a 64-bit
// executable image and returns the image size they declare. One page of
// the image is enough.
func ReadImageSize(buf []byte) (uint64, error) {
	if len(buf) < lfanewOff+4 {
		return 0, errors.New("buffer too small for a DOS header")
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != dosMagic {
		return 0, ErrNoImage
	}
	lfanew := uint64(binary.LittleEndian.Uint32(buf[lfanewOff:]))
	hdr, err := view(buf, lfanew, optHeaderOff)
	if err != nil {
		return 0, fmt.Errorf("file header: %w", err)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != ntMagic {
		return 0, errors.New("bad NT signature")
	}
	if m := binary.LittleEndian.Uint16(hdr[4:6]); m != machineAMD64 {
		return 0, fmt.Errorf("unsupported machine %#x", m)
	}
	if sz := binary.LittleEndian.Uint16(hdr[20:22]); sz < 64 {
		return 0, fmt.Errorf("optional header too small (%d bytes)", sz)
	}
	opt, err := view(buf, lfanew+optHeaderOff, 60)
	if err != nil {
		return 0, fmt.Errorf("optional header: %w", err)
	}
	if m := binary.LittleEndian.Uint16(opt[0:2]); m != pe32PlusMagic {
		return 0, fmt.Errorf("unsupported optional header magic %#x", m)
	}
	size := uint64(binary.LittleEndian.Uint32(opt[56:60]))
	if size == 0 {
		return 0, errors.New("headers declare a zero image size")
	}
	return size, nil
}

// view bounds-checks a byte range of b.
func view(b []byte, off, n uint64) ([]byte, error) {
	if off > uint64(len(b)) || n > uint64(len(b))-off {
		return nil, fmt.Errorf("range %#x+%#x outside the %#x bytes read", off, n, len(b))
	}
	return b[off : off+n], nil
}
