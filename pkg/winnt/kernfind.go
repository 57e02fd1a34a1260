package winnt

import (
	"fmt"

	"github.com/hyperlens/hyperlens/pkg/guest"
	"github.com/hyperlens/hyperlens/pkg/logflags"
	"github.com/hyperlens/hyperlens/pkg/winpe"
)

const (
	pageSize = 0x1000

	// how far below the syscall entry point the image base may sit
	kernelScanLimit = 512 << 20
)

// findKernel scans down one page at a time from the syscall entry
// point until it reaches the header of the image containing it. The
// scan never inspects the probe address or anything above it.
// Unreadable pages are holes in the kernel mapping, not failures.
func findKernel(core guest.Core, lstar uint64, log logflags.Logger) (guest.Span, error) {
	start := lstar &^ uint64(pageSize-1)
	if start == lstar {
		start -= pageSize
	}
	buf := make([]byte, pageSize)
	for page, scanned := start, uint64(0); scanned < kernelScanLimit && page > 0; page, scanned = page-pageSize, scanned+pageSize {
		if err := guest.ReadFull(core, buf, page); err != nil {
			log.Debugf("skipping unreadable page %#x: %v", page, err)
			continue
		}
		size, err := winpe.ReadImageSize(buf)
		if err != nil {
			continue
		}
		return guest.Span{Addr: page, Size: size}, nil
	}
	return guest.Span{}, fmt.Errorf("no kernel image found within %d MiB below %#x", kernelScanLimit>>20, lstar)
}
