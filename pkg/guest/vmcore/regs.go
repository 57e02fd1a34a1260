package vmcore

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/hyperlens/hyperlens/pkg/guest"
)

// registerFile is the register sidecar captured when the machine was
// paused. The named entries are the ones the interpreters rely on;
// anything else goes in the msrs map. Absent entries stay absent:
// reading one fails the same way a hypervisor refusing the register
// would.
//
//	cr3: 0x1ad000
//	lstar: 0xfffff80142a129c0
//	gs_base: 0xfffff80141735000
//	kernel_gs_base: 0x0
//	msrs:
//	  0xc0000103: 0x0
type registerFile struct {
	CR3          *uint64           `yaml:"cr3"`
	LSTAR        *uint64           `yaml:"lstar"`
	GSBase       *uint64           `yaml:"gs_base"`
	KernelGSBase *uint64           `yaml:"kernel_gs_base"`
	MSRs         map[uint32]uint64 `yaml:"msrs"`
}

type registers struct {
	msrs map[guest.MSR]uint64
}

func loadRegisters(path string) (*registers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rf registerFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing register file %s: %w", path, err)
	}

	r := &registers{msrs: make(map[guest.MSR]uint64)}
	for msr, v := range rf.MSRs {
		r.msrs[guest.MSR(msr)] = v
	}
	for _, named := range []struct {
		msr guest.MSR
		val *uint64
	}{
		{guest.CR3, rf.CR3},
		{guest.LSTAR, rf.LSTAR},
		{guest.GSBase, rf.GSBase},
		{guest.KernelGSBase, rf.KernelGSBase},
	} {
		if named.val != nil {
			r.msrs[named.msr] = *named.val
		}
	}
	return r, nil
}

// ReadMSR returns the captured value of msr.
func (r *registers) ReadMSR(msr guest.MSR) (uint64, error) {
	v, ok := r.msrs[msr]
	if !ok {
		return 0, fmt.Errorf("msr %#x not captured in the register file", uint32(msr))
	}
	return v, nil
}
