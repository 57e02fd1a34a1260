package vmcore

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
)

// A physMemory represents the guest's physical memory spliced together
// from the ranges a dump carries. Raw images contribute one range at
// address zero; sparse dumps leave holes where the machine had none or
// the capture skipped device regions.
type physMemory struct {
	regions []region
}

type region struct {
	addr uint64
	data []byte
}

// add inserts a range, keeping regions sorted by address. Overlapping
// ranges mean the dump is corrupt.
func (m *physMemory) add(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].addr > addr })
	if i > 0 {
		if prev := m.regions[i-1]; prev.addr+uint64(len(prev.data)) > addr {
			return fmt.Errorf("range at %#x overlaps range at %#x", addr, prev.addr)
		}
	}
	if i < len(m.regions) {
		if next := m.regions[i]; addr+uint64(len(data)) > next.addr {
			return fmt.Errorf("range at %#x overlaps range at %#x", addr, next.addr)
		}
	}
	m.regions = append(m.regions, region{})
	copy(m.regions[i+1:], m.regions[i:])
	m.regions[i] = region{addr: addr, data: data}
	return nil
}

// ReadPhysical reads physical memory, continuing across contiguous
// ranges. A hole inside the requested window is an error carrying the
// bytes read so far.
func (m *physMemory) ReadPhysical(buf []byte, addr uint64) (n int, err error) {
	started := false
	for _, r := range m.regions {
		end := r.addr + uint64(len(r.data))
		if end <= addr {
			continue
		}
		if r.addr > addr {
			if !started {
				break
			}
			return n, fmt.Errorf("hit unmapped physical memory at %#x after %d bytes", addr, n)
		}
		started = true
		pb := buf
		if avail := end - addr; uint64(len(pb)) > avail {
			pb = pb[:avail]
		}
		pn := copy(pb, r.data[addr-r.addr:])
		n += pn
		buf = buf[pn:]
		addr += uint64(pn)
		if len(buf) == 0 {
			return n, nil
		}
	}
	return n, fmt.Errorf("physical address %#x not in any dump range", addr)
}

const (
	limeMagic      = 0x4c694d45 // "EMiL"
	limeVersion    = 1
	limeHeaderSize = 32
)

// openDump maps the file and splices its memory ranges. Dumps starting
// with the LiME magic carry explicit physical ranges; anything else is
// taken as a raw image of physical memory starting at zero.
func openDump(path string) (*physMemory, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	data, closeMapping, err := mapFile(f)
	f.Close()
	if err != nil {
		return nil, nil, err
	}

	mem := &physMemory{}
	if len(data) >= limeHeaderSize && binary.LittleEndian.Uint32(data) == limeMagic {
		err = spliceLime(mem, data)
	} else {
		err = mem.add(0, data)
	}
	if err != nil {
		closeMapping()
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return mem, closeMapping, nil
}

func spliceLime(mem *physMemory, data []byte) error {
	b := &dumpBuf{buf: data}
	for b.off < len(data) {
		hdrOff := b.off
		magic := b.u32()
		version := b.u32()
		start := b.u64()
		end := b.u64()
		b.skip(8) // reserved
		if b.err != nil {
			return b.err
		}
		if magic != limeMagic {
			return fmt.Errorf("bad range magic %#x at offset %#x", magic, hdrOff)
		}
		if version != limeVersion {
			return fmt.Errorf("unsupported dump version %d", version)
		}
		if end < start {
			return fmt.Errorf("backwards range %#x-%#x", start, end)
		}
		size := end - start + 1 // range end is inclusive
		if uint64(len(data)-b.off) < size {
			return fmt.Errorf("range %#x+%#x truncated", start, size)
		}
		if err := mem.add(start, data[b.off:b.off+int(size)]); err != nil {
			return err
		}
		b.off += int(size)
	}
	return nil
}

// dumpBuf is a little-endian cursor over the dump bytes. The first
// decode error sticks and zeroes everything after it.
type dumpBuf struct {
	buf []byte
	off int
	err error
}

func (b *dumpBuf) advance(n int) []byte {
	if b.err != nil {
		return nil
	}
	if b.off+n > len(b.buf) {
		b.err = fmt.Errorf("dump truncated at offset %#x", b.off)
		return nil
	}
	s := b.buf[b.off : b.off+n]
	b.off += n
	return s
}

func (b *dumpBuf) u32() uint32 {
	s := b.advance(4)
	if s == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(s)
}

func (b *dumpBuf) u64() uint64 {
	s := b.advance(8)
	if s == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(s)
}

func (b *dumpBuf) skip(n int) {
	b.advance(n)
}
