package winpe

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

// buildImage lays out a minimal 64-bit image in mapping order: headers
// at 0, the debug directory at 0x1000, the CodeView record at 0x1100.
func buildImage(sizeOfImage uint32, di *DebugInfo) []byte {
	img := make([]byte, 0x3000)
	le := binary.LittleEndian

	copy(img[0:2], "MZ")
	le.PutUint32(img[0x3c:], 0x80) // e_lfanew

	copy(img[0x80:], "PE\x00\x00")
	coff := img[0x84:]
	le.PutUint16(coff[0:], machineAMD64)
	le.PutUint16(coff[2:], 1)      // NumberOfSections
	le.PutUint16(coff[16:], 240)   // SizeOfOptionalHeader
	le.PutUint16(coff[18:], 0x22)  // Characteristics

	opt := img[0x98:]
	le.PutUint16(opt[0:], pe32PlusMagic)
	le.PutUint32(opt[56:], sizeOfImage)
	le.PutUint32(opt[60:], 0x400) // SizeOfHeaders
	le.PutUint32(opt[108:], 16)   // NumberOfRvaAndSizes
	if di != nil {
		le.PutUint32(opt[112+debugDirIndex*8:], 0x1000)
		le.PutUint32(opt[112+debugDirIndex*8+4:], debugEntrySize)
	}

	sect := img[0x98+240:]
	copy(sect[0:], ".rdata")
	le.PutUint32(sect[8:], 0x2000)  // VirtualSize
	le.PutUint32(sect[12:], 0x1000) // VirtualAddress
	le.PutUint32(sect[16:], 0x2000) // SizeOfRawData
	le.PutUint32(sect[20:], 0x400)  // PointerToRawData

	if di != nil {
		dd := img[0x1000:]
		le.PutUint32(dd[12:], debugTypeCodeView)
		le.PutUint32(dd[16:], uint32(24+len(di.PDB)+1)) // SizeOfData
		le.PutUint32(dd[20:], 0x1100)                   // AddressOfRawData
		le.PutUint32(dd[24:], 0x500)                    // PointerToRawData

		cv := img[0x1100:]
		le.PutUint32(cv[0:], codeViewMagic)
		copy(cv[4:20], di.GUID[:])
		le.PutUint32(cv[20:], di.Age)
		copy(cv[24:], di.PDB)
	}
	return img
}

func TestReadImageSize(t *testing.T) {
	img := buildImage(0x3000, nil)
	size, err := ReadImageSize(img[:0x1000])
	if err != nil {
		t.Fatalf("ReadImageSize: %v", err)
	}
	if size != 0x3000 {
		t.Errorf("ReadImageSize = %#x, want 0x3000", size)
	}
}

func TestReadImageSizeRejects(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mangle func([]byte)
	}{
		{"no DOS magic", func(b []byte) { b[0] = 0 }},
		{"lfanew outside page", func(b []byte) { binary.LittleEndian.PutUint32(b[0x3c:], 0xffff0000) }},
		{"bad NT signature", func(b []byte) { b[0x80] = 'X' }},
		{"32-bit machine", func(b []byte) { binary.LittleEndian.PutUint16(b[0x84:], 0x014c) }},
		{"32-bit optional header", func(b []byte) { binary.LittleEndian.PutUint16(b[0x98:], 0x10b) }},
		{"zero image size", func(b []byte) { binary.LittleEndian.PutUint32(b[0x98+56:], 0) }},
	} {
		img := buildImage(0x3000, nil)
		tc.mangle(img)
		if _, err := ReadImageSize(img[:0x1000]); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}

	if _, err := ReadImageSize(make([]byte, 8)); err == nil {
		t.Errorf("truncated buffer: accepted")
	}
	if _, err := ReadImageSize(make([]byte, 0x1000)); !errors.Is(err, ErrNoImage) {
		t.Errorf("zero page: err = %v, want ErrNoImage", err)
	}
}

func TestIdentify(t *testing.T) {
	want := DebugInfo{
		GUID: [16]byte{0xdd, 0xcc, 0xbb, 0xaa, 0xff, 0xee, 0x22, 0x11, 0x99, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22},
		Age:  1,
		PDB:  "ntkrnlmp.pdb",
	}
	img := buildImage(0x3000, &want)

	di, err := Identify(img)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if di != want {
		t.Errorf("Identify = %+v, want %+v", di, want)
	}
	if got := di.Ident(); got != "AABBCCDDEEFF112299887766554433221" {
		t.Errorf("Ident = %q", got)
	}
}

func TestIdentifyNoDebugInfo(t *testing.T) {
	img := buildImage(0x3000, nil)
	if _, err := Identify(img); !errors.Is(err, ErrNoDebugInfo) {
		t.Errorf("err = %v, want ErrNoDebugInfo", err)
	}
}

func TestIdentifyCorruptRecord(t *testing.T) {
	di := DebugInfo{Age: 3, PDB: "x.pdb"}
	img := buildImage(0x3000, &di)
	img[0x1100] = 'X' // break the RSDS signature
	if _, err := Identify(img); err == nil {
		t.Errorf("corrupt CodeView record accepted")
	}
}

func TestIdentHexAge(t *testing.T) {
	di := DebugInfo{Age: 11}
	want := strings.Repeat("0", 32) + "B"
	if got := di.Ident(); got != want {
		t.Errorf("Ident = %q, want %q", got, want)
	}
}
