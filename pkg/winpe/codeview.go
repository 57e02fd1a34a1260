package winpe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Binject/debug/pe"
)

const (
	numberOfRvaOff   = 108 // from the optional header
	dataDirectoryOff = 112

	debugDirIndex     = 6
	debugEntrySize    = 28
	debugTypeCodeView = 2
	codeViewMagic     = 0x53445352 // "RSDS"
)

// ErrNoDebugInfo indicates an otherwise well-formed image without a
// CodeView record to identify it by.
var ErrNoDebugInfo = errors.New("image carries no CodeView record")

// DebugInfo is the CodeView build signature of an image, the key that
// selects the debug-symbol dataset built alongside it.
type DebugInfo struct {
	GUID [16]byte
	Age  uint32
	PDB  string // PDB file name as recorded in the image
}

// Ident returns the symbol-server identity of the build: the GUID as
// undashed uppercase hex followed by the age in hex.
func (di DebugInfo) Ident() string {
	g := di.GUID
	return fmt.Sprintf("%08X%04X%04X%02X%02X%02X%02X%02X%02X%02X%02X%X",
		binary.LittleEndian.Uint32(g[0:4]),
		binary.LittleEndian.Uint16(g[4:6]),
		binary.LittleEndian.Uint16(g[6:8]),
		g[8], g[9], g[10], g[11], g[12], g[13], g[14], g[15],
		di.Age)
}

// Identify parses an image laid out in mapping order and extracts its
// CodeView build signature from the debug data directory.
func Identify(image []byte) (DebugInfo, error) {
	f, err := pe.NewFileFromMemory(bytes.NewReader(image))
	if err != nil {
		return DebugInfo{}, fmt.Errorf("parsing image headers: %w", err)
	}
	defer f.Close()
	if f.Machine != pe.IMAGE_FILE_MACHINE_AMD64 {
		return DebugInfo{}, fmt.Errorf("unsupported machine %#x", f.Machine)
	}

	opt := uint64(binary.LittleEndian.Uint32(image[lfanewOff:])) + optHeaderOff
	b, err := view(image, opt+numberOfRvaOff, 4)
	if err != nil {
		return DebugInfo{}, fmt.Errorf("data directory count: %w", err)
	}
	if binary.LittleEndian.Uint32(b) <= debugDirIndex {
		return DebugInfo{}, ErrNoDebugInfo
	}
	b, err = view(image, opt+dataDirectoryOff+debugDirIndex*8, 8)
	if err != nil {
		return DebugInfo{}, fmt.Errorf("debug data directory: %w", err)
	}
	ddAddr := uint64(binary.LittleEndian.Uint32(b[0:4]))
	ddSize := uint64(binary.LittleEndian.Uint32(b[4:8]))
	if ddAddr == 0 || ddSize == 0 {
		return DebugInfo{}, ErrNoDebugInfo
	}

	for off := uint64(0); off+debugEntrySize <= ddSize; off += debugEntrySize {
		e, err := view(image, ddAddr+off, debugEntrySize)
		if err != nil {
			return DebugInfo{}, fmt.Errorf("debug directory entry: %w", err)
		}
		if binary.LittleEndian.Uint32(e[12:16]) != debugTypeCodeView {
			continue
		}
		size := uint64(binary.LittleEndian.Uint32(e[16:20]))
		addr := uint64(binary.LittleEndian.Uint32(e[20:24]))
		return readCodeView(image, addr, size)
	}
	return DebugInfo{}, ErrNoDebugInfo
}

func readCodeView(image []byte, addr, size uint64) (DebugInfo, error) {
	if size < 24 {
		return DebugInfo{}, fmt.Errorf("CodeView record at %#x too small (%d bytes)", addr, size)
	}
	rec, err := view(image, addr, size)
	if err != nil {
		return DebugInfo{}, fmt.Errorf("CodeView record: %w", err)
	}
	if binary.LittleEndian.Uint32(rec[0:4]) != codeViewMagic {
		return DebugInfo{}, fmt.Errorf("CodeView record at %#x is not RSDS", addr)
	}
	var di DebugInfo
	copy(di.GUID[:], rec[4:20])
	di.Age = binary.LittleEndian.Uint32(rec[20:24])
	name := rec[24:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	di.PDB = string(name)
	return di, nil
}
